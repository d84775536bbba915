// Package secondary stores chunks that could not be loaded into MySQL so
// that they can be replayed later.
//
// Every output writes the chunk as zstd-compressed JSON lines under
// <prefix>/<table>/<chunk-id>.jsonl.zst.
package secondary

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/ruslano69/loadmulti/pkg/chunk"
)

// Output types.
const (
	TypeS3   = "s3"
	TypeFile = "file"
)

// Extension of stored chunks.
const Extension = ".jsonl.zst"

// Output stores a failed chunk and returns its location.
type Output interface {
	Save(ctx context.Context, c chunk.Chunk) (string, error)
	Type() string
}

// TableFunc names the table a chunk was destined for.
type TableFunc func(meta chunk.Metadata) string

// Config is the secondary section.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Type    string `yaml:"type"` // s3 | file

	// Prefix is the key prefix (s3) or the directory (file).
	Prefix string `yaml:"prefix"`

	S3 S3Config `yaml:"s3"`
}

// S3Config configures the bucket. Credentials fall back to the default AWS
// chain when the static keys are empty.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // S3-compatible stores
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Validate checks the section.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Type {
	case TypeS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("secondary.s3.bucket is required")
		}
		if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
			return fmt.Errorf("secondary.s3: access_key_id and secret_access_key must be set together")
		}
	case TypeFile:
		if c.Prefix == "" {
			return fmt.Errorf("secondary.prefix (directory) is required for type file")
		}
	default:
		return fmt.Errorf("unknown secondary type %q (expected s3 or file)", c.Type)
	}
	return nil
}

// New creates the configured output. nil is returned when disabled.
func New(ctx context.Context, cfg Config, table TableFunc) (Output, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Type == TypeFile {
		return NewFileOutput(cfg.Prefix, table), nil
	}
	return NewS3Output(ctx, cfg, table)
}

// ObjectKey returns prefix/<table>/<chunk-id>.jsonl.zst.
func ObjectKey(prefix, table, chunkID string) string {
	if table == "" {
		table = "_unknown"
	}
	return path.Join(strings.Trim(prefix, "/"), table, chunkID+Extension)
}
