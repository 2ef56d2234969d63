// Package keyring loads the process master secret and derives purpose-bound
// sub-keys from it with HKDF-SHA256.
package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// MasterKeyEnvVar holds the hex-encoded master secret.
	MasterKeyEnvVar = "SIGMA_MASTER_KEY"
	// MasterKeyFileEnvVar points to a file containing the hex-encoded master secret.
	MasterKeyFileEnvVar = "SIGMA_MASTER_KEY_FILE"

	// MinKeySize is the smallest accepted master secret (256 bits).
	MinKeySize = 32
	// SubKeySize is the length of every derived key.
	SubKeySize = 32
)

// Purpose binds a derived key to one use. Keys for different purposes are
// independent even though they share a master secret.
type Purpose string

const (
	PurposeCacheMAC    Purpose = "cache-mac"
	PurposeArchiveSeal Purpose = "archive-seal"
	PurposeAPIToken    Purpose = "api-token"
)

// ErrNoMasterKey is returned when no master secret is configured.
var ErrNoMasterKey = errors.New("keyring: no master key configured")

// Source records where the master secret came from.
type Source string

const (
	SourceEnv       Source = "env"
	SourceFile      Source = "file"
	SourceEphemeral Source = "ephemeral"
	SourceBytes     Source = "bytes"
)

// Keyring owns the master secret. It is immutable after construction.
type Keyring struct {
	master []byte
	source Source
}

// New builds a keyring from raw secret bytes.
func New(master []byte) (*Keyring, error) {
	if len(master) < MinKeySize {
		return nil, fmt.Errorf("keyring: master key must be at least %d bytes, got %d", MinKeySize, len(master))
	}
	cp := make([]byte, len(master))
	copy(cp, master)
	return &Keyring{master: cp, source: SourceBytes}, nil
}

// FromEnv loads the master secret from SIGMA_MASTER_KEY, then SIGMA_MASTER_KEY_FILE.
// It never generates a key: a missing secret is ErrNoMasterKey.
func FromEnv() (*Keyring, error) {
	if v := os.Getenv(MasterKeyEnvVar); v != "" {
		k, err := parseHex(v)
		if err != nil {
			return nil, fmt.Errorf("keyring: invalid %s: %w", MasterKeyEnvVar, err)
		}
		k.source = SourceEnv
		return k, nil
	}
	if path := os.Getenv(MasterKeyFileEnvVar); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("keyring: read %s: %w", path, err)
		}
		k, err := parseHex(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("keyring: invalid key file %s: %w", path, err)
		}
		k.source = SourceFile
		return k, nil
	}
	return nil, ErrNoMasterKey
}

// Ephemeral generates a random master secret that lives only as long as the
// process. Cache entries and tokens sealed with it do not survive a restart.
func Ephemeral() (*Keyring, error) {
	buf := make([]byte, MinKeySize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("keyring: generate: %w", err)
	}
	return &Keyring{master: buf, source: SourceEphemeral}, nil
}

func parseHex(s string) (*Keyring, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return New(raw)
}

// Source reports where the master secret was loaded from.
func (k *Keyring) Source() Source { return k.source }

// Derive returns the sub-key for purpose.
func (k *Keyring) Derive(purpose Purpose) ([]byte, error) {
	if purpose == "" {
		return nil, errors.New("keyring: purpose must not be empty")
	}
	r := hkdf.New(sha256.New, k.master, nil, []byte("sigmaguard/v1/"+string(purpose)))
	out := make([]byte, SubKeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("keyring: derive %s: %w", purpose, err)
	}
	return out, nil
}

// Fingerprint identifies the master secret in logs without revealing it.
func (k *Keyring) Fingerprint() string {
	sum := sha256.Sum256(k.master)
	return hex.EncodeToString(sum[:4])
}
