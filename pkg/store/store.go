// Package store provides the durable append-only byte logs that back the audit
// ledger and the slow cache tier.
//
// A log only grows. Offsets are record indexes starting at zero and are never
// reused, so an offset handed out by Append stays valid for the life of the log.
package store

import (
	"context"
	"errors"
)

var (
	// ErrOutOfRange is returned when reading an offset that was never written.
	ErrOutOfRange = errors.New("store: offset out of range")
	// ErrCorrupt is returned when a record below Len is missing, truncated or
	// fails its framing checksum.
	ErrCorrupt = errors.New("store: record corrupt")
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("store: log closed")
)

// AppendLog is a durable, append-only sequence of opaque records.
type AppendLog interface {
	// Append durably writes data and returns its offset. When Append returns
	// nil the record survives a process crash.
	Append(ctx context.Context, data []byte) (int64, error)

	// Read returns a copy of the record at offset.
	Read(ctx context.Context, offset int64) ([]byte, error)

	// Len returns the number of records in the log.
	Len(ctx context.Context) (int64, error)

	// Close releases underlying resources.
	Close() error
}
