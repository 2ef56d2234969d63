package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danielgonzagat/peninaocubo-sub002/pkg/ledger"
)

// ErrNotFound is returned by Sink.Get for a missing object.
var ErrNotFound = errors.New("archive: object not found")

// Sink is durable object storage for sealed segments.
type Sink interface {
	Name() string
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// ObjectKey is where a segment ending at headHash is stored.
func ObjectKey(prefix, headHash string) string {
	return prefix + "ledger/" + headHash + ".json"
}

// Receipt describes a completed archival.
type Receipt struct {
	Sink     string `json:"sink"`
	Key      string `json:"key"`
	From     uint64 `json:"from"`
	To       uint64 `json:"to"`
	HeadHash string `json:"head_hash"`
	Existed  bool   `json:"existed"`
}

// Archiver pushes ledger segments to a sink.
type Archiver struct {
	sink   Sink
	key    []byte
	prefix string
	clock  func() time.Time
	logger *slog.Logger
}

func NewArchiver(sink Sink, sealKey []byte, prefix string) *Archiver {
	return &Archiver{
		sink:   sink,
		key:    append([]byte(nil), sealKey...),
		prefix: prefix,
		clock:  time.Now,
		logger: slog.Default().With("component", "archive", "sink", sink.Name()),
	}
}

// Archive verifies l and uploads entries from..head. Re-archiving an
// unchanged head is a no-op.
func (a *Archiver) Archive(ctx context.Context, l *ledger.Ledger, from uint64) (*Receipt, error) {
	seg, err := Build(ctx, l, from, a.clock())
	if err != nil {
		return nil, err
	}
	key := ObjectKey(a.prefix, seg.HeadHash)
	rcpt := &Receipt{Sink: a.sink.Name(), Key: key, From: seg.From, To: seg.To, HeadHash: seg.HeadHash}

	exists, err := a.sink.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("archive: check %s: %w", key, err)
	}
	if exists {
		rcpt.Existed = true
		return rcpt, nil
	}
	data, err := Encode(a.key, seg)
	if err != nil {
		return nil, err
	}
	if err := a.sink.Put(ctx, key, data); err != nil {
		return nil, fmt.Errorf("archive: upload %s: %w", key, err)
	}
	a.logger.InfoContext(ctx, "ledger segment archived", "key", key, "from", seg.From, "to", seg.To)
	return rcpt, nil
}

// Fetch downloads and verifies the segment ending at headHash.
func (a *Archiver) Fetch(ctx context.Context, headHash string) (*Segment, error) {
	data, err := a.sink.Get(ctx, ObjectKey(a.prefix, headHash))
	if err != nil {
		return nil, err
	}
	return Decode(a.key, data)
}

// FileSink stores objects under a local directory.
type FileSink struct {
	baseDir string
}

func NewFileSink(baseDir string) (*FileSink, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileSink{baseDir: baseDir}, nil
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("archive: invalid key %q", key)
	}
	return filepath.Join(s.baseDir, clean), nil
}

func (s *FileSink) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Put writes to a temp file and renames it into place.
func (s *FileSink) Put(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("failed to write segment: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("failed to commit segment: %w", err)
	}
	return nil
}

func (s *FileSink) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p) //nolint:gosec // key validated by path
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}
