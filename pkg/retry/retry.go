// Package retry - повторные попытки записи чанков с backoff и dead letter
// queue для чанков, которые не удалось доставить.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryableFunc - одна попытка
type RetryableFunc func(ctx context.Context) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает err как ошибку, которую не нужно повторять
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent проверяет, помечена ли err через Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ExhaustedError - все попытки исчерпаны
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retryer выполняет функцию до успеха. Останавливается на неповторяемой
// ошибке, после последней попытки или при отмене контекста.
type Retryer struct {
	config Config
	dlq    *DLQ
}

// NewRetryer создает Retryer и открывает DLQ, если он включен
func NewRetryer(config Config) (*Retryer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}

	var dlq *DLQ
	if config.DLQ.Enabled {
		var err error
		dlq, err = NewDLQ(config.DLQ)
		if err != nil {
			return nil, fmt.Errorf("failed to create DLQ: %w", err)
		}
	}

	return &Retryer{config: config, dlq: dlq}, nil
}

// Do выполняет fn с повторами. Если попытки закончились, возвращает
// *ExhaustedError, иначе оборачивает последнюю ошибку.
func (r *Retryer) Do(ctx context.Context, fn RetryableFunc) error {
	if !r.config.Enabled {
		err := fn(ctx)
		if err != nil && !IsPermanent(err) {
			return &ExhaustedError{Attempts: 1, Err: err}
		}
		return err
	}

	attempts := 0
	for {
		attempts++

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !r.isRetryable(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}
		if r.config.MaxAttempts > 0 && attempts >= r.config.MaxAttempts {
			return &ExhaustedError{Attempts: attempts, Err: err}
		}
		if ctx.Err() != nil {
			return fmt.Errorf("context cancelled: %w", errors.Join(ctx.Err(), err))
		}

		delay := r.delay(attempts)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempts, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("context cancelled during retry: %w", errors.Join(ctx.Err(), err))
		}
	}
}

// delay - пауза перед попыткой attempt+1
func (r *Retryer) delay(attempt int) time.Duration {
	var d time.Duration

	switch r.config.Backoff {
	case BackoffLinear:
		d = r.config.InitialDelay * time.Duration(attempt)
	case BackoffExponential:
		m := math.Pow(r.config.Multiplier, float64(attempt-1))
		d = time.Duration(float64(r.config.InitialDelay) * m)
	default:
		d = r.config.InitialDelay
	}

	if d > r.config.MaxDelay || d < 0 {
		d = r.config.MaxDelay
	}

	if r.config.Jitter > 0 {
		d += time.Duration(float64(d) * r.config.Jitter * (rand.Float64()*2 - 1))
		if d < 0 {
			d = r.config.InitialDelay
		}
	}
	return d
}

func (r *Retryer) isRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if len(r.config.RetryableErrors) == 0 {
		return true
	}

	msg := err.Error()
	for _, pattern := range r.config.RetryableErrors {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// DLQ возвращает dead letter queue (nil, если выключен)
func (r *Retryer) DLQ() *DLQ {
	return r.dlq
}

// Close сохраняет DLQ на диск
func (r *Retryer) Close() error {
	if r.dlq != nil {
		return r.dlq.Save()
	}
	return nil
}
