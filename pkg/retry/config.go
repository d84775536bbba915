package retry

import (
	"fmt"
	"time"
)

// BackoffStrategy - стратегия роста задержки между попытками
type BackoffStrategy string

const (
	BackoffConstant    BackoffStrategy = "constant"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// Config - настройки повтора неудачной записи чанка
type Config struct {
	// Enabled - включить повторы (иначе одна попытка)
	Enabled bool `yaml:"enabled"`

	// MaxAttempts - число попыток, включая первую. 0 - повторять до отмены
	// контекста.
	MaxAttempts int `yaml:"max_attempts"`

	InitialDelay time.Duration   `yaml:"initial_delay"`
	MaxDelay     time.Duration   `yaml:"max_delay"`
	Backoff      BackoffStrategy `yaml:"backoff"`
	Multiplier   float64         `yaml:"multiplier"`

	// Jitter - случайное отклонение задержки до ±Jitter от ее значения (0.0 - 1.0)
	Jitter float64 `yaml:"jitter"`

	// RetryableErrors - повторять только ошибки, содержащие одну из подстрок.
	// Пустой список - повторяются все ошибки, кроме Permanent.
	RetryableErrors []string `yaml:"retryable_errors"`

	// OnRetry вызывается перед каждой паузой
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-"`

	DLQ DLQConfig `yaml:"dlq"`
}

// DLQConfig - настройки файловой dead letter queue недоставленных чанков
type DLQConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// MaxSize - максимум записей, самые старые удаляются первыми
	MaxSize int `yaml:"max_size"`

	// Retention - срок хранения записей. 0 - хранить всегда
	Retention time.Duration `yaml:"retention"`
}

// Validate проверяет конфигурацию и заполняет multiplier по умолчанию
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be >= 0, got %d", c.MaxAttempts)
	}
	if c.InitialDelay < 0 {
		return fmt.Errorf("initial_delay must be >= 0")
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("max_delay (%v) must be >= initial_delay (%v)", c.MaxDelay, c.InitialDelay)
	}

	switch c.Backoff {
	case BackoffConstant, BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("invalid backoff strategy: %q", c.Backoff)
	}

	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.Jitter < 0 || c.Jitter > 1.0 {
		return fmt.Errorf("jitter must be between 0.0 and 1.0, got %f", c.Jitter)
	}

	if c.DLQ.Enabled && c.DLQ.Path == "" {
		return fmt.Errorf("dlq.path is required when the dlq is enabled")
	}
	return nil
}

// DefaultConfig - экспоненциальные повторы от 1s до 1m, десять попыток
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  10,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Backoff:      BackoffExponential,
		Multiplier:   2.0,
		Jitter:       0.1,
		DLQ: DLQConfig{
			Path:      "./loadmulti-dlq.json",
			MaxSize:   10000,
			Retention: 7 * 24 * time.Hour,
		},
	}
}
