package resilience

import (
	"fmt"
	"time"
)

// Config - конфигурация Circuit Breaker перед базой данных
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`

	// MaxFailures - количество ошибок подряд для открытия circuit
	MaxFailures uint32 `yaml:"max_failures"`

	// Timeout - время в Open до пробного вызова
	Timeout time.Duration `yaml:"timeout"`

	// SuccessThreshold - успешных вызовов подряд в HalfOpen для закрытия
	SuccessThreshold uint32 `yaml:"success_threshold"`

	// MaxConcurrentCalls - лимит одновременных вызовов (0 - без лимита)
	MaxConcurrentCalls uint32 `yaml:"max_concurrent_calls"`

	// OnStateChange вызывается после каждого перехода, вне блокировки
	OnStateChange func(name string, from, to State) `yaml:"-"`

	// IsFailure - считается ли ошибка отказом. nil - все ошибки, кроме
	// отмены контекста.
	IsFailure func(err error) bool `yaml:"-"`
}

// Counts - счетчики запросов текущего поколения
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

// Validate проверяет конфигурацию и заполняет значения по умолчанию
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MaxFailures == 0 {
		return fmt.Errorf("max_failures must be greater than 0")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be greater than 0")
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 1
	}
	if c.Name == "" {
		c.Name = "mysql"
	}
	return nil
}

// DefaultConfig - открытие после 5 ошибок, пробный вызов через 30s
func DefaultConfig(name string) Config {
	return Config{
		Enabled:          true,
		Name:             name,
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		SuccessThreshold: 1,
	}
}
