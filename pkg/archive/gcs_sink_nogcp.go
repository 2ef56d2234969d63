//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

// NewGCSSink is unavailable without the gcp build tag.
func NewGCSSink(ctx context.Context, bucket string) (Sink, error) {
	return nil, fmt.Errorf("GCS archival is not enabled in this build (use -tags gcp)")
}
