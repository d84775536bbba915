package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestBreaker(t *testing.T, maxFailures uint32, timeout time.Duration) *CircuitBreaker {
	t.Helper()
	config := DefaultConfig("test")
	config.MaxFailures = maxFailures
	config.Timeout = timeout
	cb, err := New(config)
	if err != nil {
		t.Fatalf("Failed to create circuit breaker: %v", err)
	}
	return cb
}

func fail(err error) ExecuteFunc {
	return func(ctx context.Context) error { return err }
}

func succeed(ctx context.Context) error { return nil }

func TestCircuitBreaker_Success(t *testing.T) {
	cb := newTestBreaker(t, 3, 100*time.Millisecond)

	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed, got %v", cb.State())
	}
	if cb.Counts().TotalSuccesses != 1 {
		t.Errorf("Expected 1 success, got %d", cb.Counts().TotalSuccesses)
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := newTestBreaker(t, 3, time.Hour)
	testErr := errors.New("dial tcp: connection refused")

	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), fail(testErr)); !errors.Is(err, testErr) {
			t.Fatalf("Call %d: expected test error, got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("Expected StateOpen, got %v", cb.State())
	}

	called := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("Expected the call to be rejected, got %v (called=%v)", err, called)
	}
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(t, 3, time.Hour)
	testErr := errors.New("fail")

	cb.Execute(context.Background(), fail(testErr))
	cb.Execute(context.Background(), fail(testErr))
	cb.Execute(context.Background(), succeed)
	cb.Execute(context.Background(), fail(testErr))

	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := newTestBreaker(t, 1, 20*time.Millisecond)

	cb.Execute(context.Background(), fail(errors.New("fail")))
	if cb.State() != StateOpen {
		t.Fatalf("Expected StateOpen, got %v", cb.State())
	}

	time.Sleep(30 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("Expected StateHalfOpen, got %v", cb.State())
	}

	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("Trial call failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed after successful trial, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(t, 1, 20*time.Millisecond)

	cb.Execute(context.Background(), fail(errors.New("fail")))
	time.Sleep(30 * time.Millisecond)
	cb.Execute(context.Background(), fail(errors.New("still failing")))

	if cb.State() != StateOpen {
		t.Errorf("Expected StateOpen, got %v", cb.State())
	}
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	cb := newTestBreaker(t, 1, time.Hour)

	cb.Execute(context.Background(), fail(context.Canceled))
	if cb.State() != StateClosed {
		t.Errorf("Expected cancellation to be ignored, state %v", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	config := DefaultConfig("mysql")
	config.MaxFailures = 1
	config.Timeout = 10 * time.Millisecond

	var mu sync.Mutex
	var changes []string
	config.OnStateChange = func(name string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, name+":"+from.String()+"->"+to.String())
	}
	cb, err := New(config)
	if err != nil {
		t.Fatal(err)
	}

	cb.Execute(context.Background(), fail(errors.New("fail")))
	time.Sleep(20 * time.Millisecond)
	cb.Execute(context.Background(), succeed)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"mysql:closed->open", "mysql:open->half-open", "mysql:half-open->closed"}
	if len(changes) != len(want) {
		t.Fatalf("Expected %v, got %v", want, changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("Change %d: expected %s, got %s", i, want[i], changes[i])
		}
	}
}

func TestCircuitBreaker_MaxConcurrentCalls(t *testing.T) {
	config := DefaultConfig("test")
	config.MaxConcurrentCalls = 1
	cb, err := New(config)
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		cb.Execute(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	if err := cb.Execute(context.Background(), succeed); !errors.Is(err, ErrTooManyCalls) {
		t.Errorf("Expected ErrTooManyCalls, got %v", err)
	}
	close(release)
	<-done
}

func TestCircuitBreaker_WaitUntilReady(t *testing.T) {
	cb := newTestBreaker(t, 1, 30*time.Millisecond)
	cb.Execute(context.Background(), fail(errors.New("fail")))

	start := time.Now()
	if err := cb.WaitUntilReady(context.Background()); err != nil {
		t.Fatalf("WaitUntilReady failed: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Expected to wait for the open timeout")
	}

	cb.Execute(context.Background(), fail(errors.New("fail again")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := cb.WaitUntilReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	cb := newTestBreaker(t, 1, time.Hour)

	func() {
		defer func() { recover() }()
		cb.Execute(context.Background(), func(ctx context.Context) error { panic("boom") })
	}()

	if cb.State() != StateOpen {
		t.Errorf("Expected StateOpen after panic, got %v", cb.State())
	}
	if cb.Stats().RunningCalls != 0 {
		t.Error("Expected running calls to be released")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(t, 1, time.Hour)
	cb.Execute(context.Background(), fail(errors.New("fail")))

	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed after reset, got %v", cb.State())
	}
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Errorf("Expected call to pass after reset, got %v", err)
	}
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	config := DefaultConfig("test")
	config.Enabled = false
	config.MaxFailures = 0 // не проверяется, когда выключен
	cb, err := New(config)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		cb.Execute(context.Background(), fail(errors.New("fail")))
	}
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Errorf("Disabled breaker must never reject, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	config := DefaultConfig("")
	config.SuccessThreshold = 0
	if err := config.Validate(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if config.SuccessThreshold != 1 || config.Name != "mysql" {
		t.Errorf("Expected defaults, got %+v", config)
	}

	config.Timeout = 0
	if err := config.Validate(); err == nil {
		t.Error("Expected error for zero timeout")
	}
}
