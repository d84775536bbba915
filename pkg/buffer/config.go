package buffer

import (
	"fmt"
	"time"
)

// Buffer types.
const (
	TypeMemory = "memory"
	TypeFile   = "file"
)

// Config is the buffer section.
type Config struct {
	Type string `yaml:"type"` // memory | file
	Path string `yaml:"path"` // chunk directory for type file

	// ChunkKeys split events into chunks: "tag", "time" and record keys.
	ChunkKeys []string `yaml:"chunk_keys"`

	// Timekey is the width of the time key bucket. Required with "time".
	Timekey time.Duration `yaml:"timekey"`

	ChunkLimitRecords int           `yaml:"chunk_limit_records"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	FlushThreadCount  int           `yaml:"flush_thread_count"`

	// QueueLimitLength bounds queued chunks; Emit blocks when it is reached.
	QueueLimitLength int `yaml:"queue_limit_length"`

	// FlushAtShutdown queues staged chunks on Close. A file buffer keeps
	// them on disk otherwise.
	FlushAtShutdown bool `yaml:"flush_at_shutdown"`
}

// DefaultConfig returns a memory buffer flushing every 60s or 10000 records.
func DefaultConfig() Config {
	return Config{
		Type:              TypeMemory,
		ChunkKeys:         []string{"tag"},
		ChunkLimitRecords: 10000,
		FlushInterval:     60 * time.Second,
		FlushThreadCount:  1,
		QueueLimitLength:  64,
		FlushAtShutdown:   true,
	}
}

// Validate checks the section and fills defaults.
func (c *Config) Validate() error {
	switch c.Type {
	case "":
		c.Type = TypeMemory
	case TypeMemory:
	case TypeFile:
		if c.Path == "" {
			return fmt.Errorf("buffer.path is required for type file")
		}
	default:
		return fmt.Errorf("unknown buffer type %q (expected memory or file)", c.Type)
	}

	for _, k := range c.ChunkKeys {
		if k == "" {
			return fmt.Errorf("buffer.chunk_keys: empty key")
		}
		if k == "time" && c.Timekey < time.Second {
			return fmt.Errorf("buffer.timekey of at least 1s is required with chunk key time")
		}
	}

	if c.ChunkLimitRecords <= 0 {
		c.ChunkLimitRecords = 10000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 60 * time.Second
	}
	if c.FlushThreadCount <= 0 {
		c.FlushThreadCount = 1
	}
	if c.QueueLimitLength <= 0 {
		c.QueueLimitLength = 64
	}
	return nil
}
