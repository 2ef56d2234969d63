package archive

import (
	"context"
	"fmt"
)

// Sink kinds.
const (
	KindFile = "file"
	KindS3   = "s3"
	KindGCS  = "gcs"
)

// Config selects and configures a sink.
type Config struct {
	Kind     string `yaml:"kind"`
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// NewSink builds the configured sink. An empty kind means file.
func NewSink(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Kind {
	case "", KindFile:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/archive"
		}
		return NewFileSink(dir)
	case KindS3:
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Sink(ctx, S3Config{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint})
	case KindGCS:
		return NewGCSSink(ctx, cfg.Bucket)
	default:
		return nil, fmt.Errorf("unsupported archive sink: %s", cfg.Kind)
	}
}
