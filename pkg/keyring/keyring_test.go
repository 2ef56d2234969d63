package keyring

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMaster() []byte {
	return bytes.Repeat([]byte{0x42}, MinKeySize)
}

func TestNew_RejectsShortKey(t *testing.T) {
	_, err := New([]byte("short"))
	require.Error(t, err)
}

func TestDerive_DeterministicAndPurposeBound(t *testing.T) {
	k, err := New(testMaster())
	require.NoError(t, err)

	a1, err := k.Derive(PurposeCacheMAC)
	require.NoError(t, err)
	a2, err := k.Derive(PurposeCacheMAC)
	require.NoError(t, err)
	b, err := k.Derive(PurposeArchiveSeal)
	require.NoError(t, err)

	assert.Len(t, a1, SubKeySize)
	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
	assert.NotEqual(t, testMaster(), a1)

	_, err = k.Derive("")
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv(MasterKeyEnvVar, hex.EncodeToString(testMaster()))
	k, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, SourceEnv, k.Source())

	ref, err := New(testMaster())
	require.NoError(t, err)
	assert.Equal(t, ref.Fingerprint(), k.Fingerprint())
}

func TestFromEnv_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(testMaster())+"\n"), 0o600))

	t.Setenv(MasterKeyEnvVar, "")
	t.Setenv(MasterKeyFileEnvVar, path)
	k, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, SourceFile, k.Source())
}

func TestFromEnv_Missing(t *testing.T) {
	t.Setenv(MasterKeyEnvVar, "")
	t.Setenv(MasterKeyFileEnvVar, "")
	_, err := FromEnv()
	assert.ErrorIs(t, err, ErrNoMasterKey)
}

func TestFromEnv_InvalidHex(t *testing.T) {
	t.Setenv(MasterKeyEnvVar, "zz-not-hex")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestEphemeral_Unique(t *testing.T) {
	a, err := Ephemeral()
	require.NoError(t, err)
	b, err := Ephemeral()
	require.NoError(t, err)
	assert.Equal(t, SourceEphemeral, a.Source())
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}
