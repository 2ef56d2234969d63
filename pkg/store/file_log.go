package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"
)

const frameHeaderSize = 8 // uint32 length + uint32 crc32c

// MaxRecordSize bounds a single record so a corrupt length prefix cannot make
// Open allocate unbounded memory.
const MaxRecordSize = 16 << 20

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// FileLog implements AppendLog as a single file of length-prefixed,
// checksummed frames. Every Append is fsynced before it returns.
type FileLog struct {
	mu      sync.RWMutex
	path    string
	f       *os.File
	offsets []int64 // byte position of each frame
	size    int64
	logger  *slog.Logger
}

// OpenFileLog opens or creates the log at path. A torn frame at the tail
// (a crash mid-append) is truncated away; frames before it are kept.
func OpenFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	l := &FileLog{
		path:   path,
		f:      f,
		logger: slog.Default().With("component", "store.file", "path", path),
	}
	if err := l.scan(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

func (l *FileLog) scan() error {
	info, err := l.f.Stat()
	if err != nil {
		return fmt.Errorf("store: stat: %w", err)
	}
	total := info.Size()

	var pos int64
	var hdr [frameHeaderSize]byte
	for pos < total {
		if total-pos < frameHeaderSize {
			break
		}
		if _, err := l.f.ReadAt(hdr[:], pos); err != nil {
			return fmt.Errorf("store: read header at %d: %w", pos, err)
		}
		n := int64(binary.BigEndian.Uint32(hdr[0:4]))
		if n > MaxRecordSize || pos+frameHeaderSize+n > total {
			break
		}
		l.offsets = append(l.offsets, pos)
		pos += frameHeaderSize + n
	}

	if pos < total {
		l.logger.Warn("truncating torn tail", "valid_bytes", pos, "file_bytes", total)
		if err := l.f.Truncate(pos); err != nil {
			return fmt.Errorf("store: truncate torn tail: %w", err)
		}
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("store: sync after truncate: %w", err)
		}
	}
	l.size = pos
	return nil
}

func (l *FileLog) Append(ctx context.Context, data []byte) (int64, error) {
	if len(data) > MaxRecordSize {
		return 0, fmt.Errorf("store: record of %d bytes exceeds limit %d", len(data), MaxRecordSize)
	}

	frame := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(data))) //nolint:gosec // bounded by MaxRecordSize
	binary.BigEndian.PutUint32(frame[4:8], crc32.Checksum(data, castagnoli))
	copy(frame[frameHeaderSize:], data)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return 0, ErrClosed
	}

	if _, err := l.f.WriteAt(frame, l.size); err != nil {
		// leave no partial frame behind for the next writer
		_ = l.f.Truncate(l.size)
		return 0, fmt.Errorf("store: write: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		_ = l.f.Truncate(l.size)
		return 0, fmt.Errorf("store: sync: %w", err)
	}

	l.offsets = append(l.offsets, l.size)
	l.size += int64(len(frame))
	return int64(len(l.offsets) - 1), nil
}

func (l *FileLog) Read(ctx context.Context, offset int64) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.f == nil {
		return nil, ErrClosed
	}
	if offset < 0 || offset >= int64(len(l.offsets)) {
		return nil, ErrOutOfRange
	}

	pos := l.offsets[offset]
	var hdr [frameHeaderSize]byte
	if _, err := l.f.ReadAt(hdr[:], pos); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: offset %d: header truncated: %w", ErrCorrupt, offset, err)
		}
		return nil, fmt.Errorf("store: read header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[0:4])
	want := binary.BigEndian.Uint32(hdr[4:8])
	if n > MaxRecordSize {
		return nil, fmt.Errorf("%w: offset %d: length %d", ErrCorrupt, offset, n)
	}

	data := make([]byte, n)
	if k, err := l.f.ReadAt(data, pos+frameHeaderSize); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: offset %d: record truncated at %d of %d bytes", ErrCorrupt, offset, k, n)
		}
		return nil, fmt.Errorf("store: read record %d: %w", offset, err)
	}
	if crc32.Checksum(data, castagnoli) != want {
		return nil, fmt.Errorf("%w: offset %d", ErrCorrupt, offset)
	}
	return data, nil
}

func (l *FileLog) Len(ctx context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.offsets)), nil
}

// Path returns the file backing the log.
func (l *FileLog) Path() string { return l.path }

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
