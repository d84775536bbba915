package audit

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Типы appender'ов
const (
	TypeFile = "file"
	TypeLog  = "log"
)

// Config - секция audit конфигурации
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Type    string `yaml:"type"` // file | log

	Path       string `yaml:"path"`
	MaxSizeMB  int64  `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Format     string `yaml:"format"` // json | text

	Level         Level         `yaml:"level"`
	Async         bool          `yaml:"async"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultConfig - выключенный файловый аудит, уровень standard
func DefaultConfig() Config {
	return Config{
		Type:       TypeFile,
		Path:       "audit/loadmulti-audit.log",
		MaxSizeMB:  100,
		MaxBackups: 5,
		Format:     "json",
		Level:      LevelStandard,
		Async:      true,
		BufferSize: 1000,
	}
}

// Validate проверяет секцию
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Type {
	case TypeFile:
		if c.Path == "" {
			return fmt.Errorf("audit.path is required for type %q", TypeFile)
		}
	case TypeLog:
	default:
		return fmt.Errorf("unknown audit type %q (expected file or log)", c.Type)
	}
	switch c.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown audit format %q (expected json or text)", c.Format)
	}
	return nil
}

// New создает логгер по конфигурации. Для выключенного аудита
// возвращает NullLogger.
func New(config Config, instance string, logger zerolog.Logger) (Logger, error) {
	if !config.Enabled {
		return NewNullLogger(), nil
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var appender Appender
	switch config.Type {
	case TypeLog:
		appender = NewLogAppender(logger, config.Level)
	default:
		fa, err := NewFileAppender(FileAppenderConfig{
			Path:       config.Path,
			MaxSizeMB:  config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			Level:      config.Level,
			FormatJSON: config.Format != "text",
		})
		if err != nil {
			return nil, err
		}
		appender = fa
	}

	return NewLogger(LoggerConfig{
		AsyncMode:     config.Async,
		BufferSize:    config.BufferSize,
		Instance:      instance,
		FlushInterval: config.FlushInterval,
		OnError: func(err error) {
			logger.Warn().Err(err).Str("component", "audit").Msg("audit write failed")
		},
	}, appender), nil
}
