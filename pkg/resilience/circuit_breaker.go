// Package resilience - circuit breaker перед базой данных: недоступный сервер
// не расходует попытки всех чанков в очереди.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen - circuit открыт, вызовы отклоняются
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyCalls - достигнут лимит MaxConcurrentCalls
	ErrTooManyCalls = errors.New("too many concurrent calls")
)

// ExecuteFunc - защищаемый вызов
type ExecuteFunc func(ctx context.Context) error

// CircuitBreaker - реализация паттерна Circuit Breaker (Closed/Open/HalfOpen)
type CircuitBreaker struct {
	config Config
	sm     *stateManager
}

// New создает новый CircuitBreaker
func New(config Config) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	return &CircuitBreaker{config: config, sm: newStateManager(config)}, nil
}

// Execute выполняет fn, если circuit не открыт. Паника в fn считается
// ошибкой и пробрасывается дальше.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn ExecuteFunc) (err error) {
	if !cb.config.Enabled {
		return fn(ctx)
	}

	generation, err := cb.sm.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.sm.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn(ctx)
	cb.sm.afterRequest(generation, !cb.isFailure(err))
	return err
}

func (cb *CircuitBreaker) isFailure(err error) bool {
	if err == nil {
		return false
	}
	if cb.config.IsFailure != nil {
		return cb.config.IsFailure(err)
	}
	return !errors.Is(err, context.Canceled)
}

// WaitUntilReady ждет, пока circuit открыт
func (cb *CircuitBreaker) WaitUntilReady(ctx context.Context) error {
	if !cb.config.Enabled {
		return nil
	}
	for {
		if cb.State() != StateOpen {
			return nil
		}

		wait := cb.Stats().TimeUntilHalfOpen
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// State - текущее состояние. Истекший Open переводится в HalfOpen
func (cb *CircuitBreaker) State() State {
	return cb.sm.getState()
}

// Stats - снимок статистики
func (cb *CircuitBreaker) Stats() Stats {
	return cb.sm.getStats()
}

// Counts - счетчики текущего поколения
func (cb *CircuitBreaker) Counts() Counts {
	return cb.sm.getStats().Counts
}

// Reset закрывает circuit
func (cb *CircuitBreaker) Reset() {
	cb.sm.reset()
}

// Name - имя из конфигурации
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

func (cb *CircuitBreaker) String() string {
	stats := cb.Stats()
	return fmt.Sprintf("CircuitBreaker(%s state=%s failures=%d/%d)",
		cb.config.Name, stats.State, stats.Counts.ConsecutiveFailures, cb.config.MaxFailures)
}
