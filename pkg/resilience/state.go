package resilience

import (
	"fmt"
	"sync"
	"time"
)

// State - состояние Circuit Breaker
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// MarshalText - имя состояния в JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Stats - снимок состояния breaker
type Stats struct {
	Name              string        `json:"name"`
	State             State         `json:"state"`
	Generation        uint64        `json:"generation"`
	Counts            Counts        `json:"counts"`
	RunningCalls      uint32        `json:"running_calls"`
	LastStateChange   time.Time     `json:"last_state_change"`
	Transitions       map[State]int `json:"transitions"`
	TimeUntilHalfOpen time.Duration `json:"time_until_half_open"`
}

// stateManager - управление состоянием. Результат учитывается, только если
// вызов начался в текущем поколении.
type stateManager struct {
	mu              sync.Mutex
	config          Config
	state           State
	generation      uint64
	counts          Counts
	expiry          time.Time
	runningCalls    uint32
	lastStateChange time.Time
	transitions     map[State]int
	now             func() time.Time
}

type transition struct {
	from, to State
}

func newStateManager(config Config) *stateManager {
	return &stateManager{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
		transitions:     make(map[State]int),
		now:             time.Now,
	}
}

// setStateLocked меняет состояние, начинает новое поколение и возвращает
// переход для уведомления после снятия блокировки.
func (sm *stateManager) setStateLocked(to State) *transition {
	if sm.state == to {
		return nil
	}
	from := sm.state
	now := sm.now()

	sm.state = to
	sm.generation++
	sm.counts = Counts{}
	sm.lastStateChange = now
	sm.transitions[to]++
	if to == StateOpen {
		sm.expiry = now.Add(sm.config.Timeout)
	}
	return &transition{from: from, to: to}
}

func (sm *stateManager) announce(t *transition) {
	if t != nil && sm.config.OnStateChange != nil {
		sm.config.OnStateChange(sm.config.Name, t.from, t.to)
	}
}

// currentLocked переводит истекший Open в HalfOpen
func (sm *stateManager) currentLocked() (State, *transition) {
	if sm.state == StateOpen && !sm.now().Before(sm.expiry) {
		return StateHalfOpen, sm.setStateLocked(StateHalfOpen)
	}
	return sm.state, nil
}

func (sm *stateManager) beforeRequest() (uint64, error) {
	sm.mu.Lock()
	state, t := sm.currentLocked()
	generation := sm.generation

	var err error
	switch {
	case state == StateOpen:
		err = ErrCircuitOpen
	case sm.config.MaxConcurrentCalls > 0 && sm.runningCalls >= sm.config.MaxConcurrentCalls:
		err = ErrTooManyCalls
	default:
		sm.runningCalls++
	}
	sm.mu.Unlock()

	sm.announce(t)
	return generation, err
}

func (sm *stateManager) afterRequest(generation uint64, success bool) {
	sm.mu.Lock()
	if sm.runningCalls > 0 {
		sm.runningCalls--
	}
	if generation != sm.generation {
		sm.mu.Unlock()
		return
	}

	sm.counts.Requests++
	var t *transition
	if success {
		sm.counts.TotalSuccesses++
		sm.counts.ConsecutiveSuccesses++
		sm.counts.ConsecutiveFailures = 0
		if sm.state == StateHalfOpen && sm.counts.ConsecutiveSuccesses >= sm.config.SuccessThreshold {
			t = sm.setStateLocked(StateClosed)
		}
	} else {
		sm.counts.TotalFailures++
		sm.counts.ConsecutiveFailures++
		sm.counts.ConsecutiveSuccesses = 0
		switch sm.state {
		case StateClosed:
			if sm.counts.ConsecutiveFailures >= sm.config.MaxFailures {
				t = sm.setStateLocked(StateOpen)
			}
		case StateHalfOpen:
			t = sm.setStateLocked(StateOpen)
		}
	}
	sm.mu.Unlock()

	sm.announce(t)
}

func (sm *stateManager) getState() State {
	sm.mu.Lock()
	state, t := sm.currentLocked()
	sm.mu.Unlock()

	sm.announce(t)
	return state
}

func (sm *stateManager) getStats() Stats {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	transitions := make(map[State]int, len(sm.transitions))
	for k, v := range sm.transitions {
		transitions[k] = v
	}

	var untilHalfOpen time.Duration
	if sm.state == StateOpen {
		if remaining := sm.expiry.Sub(sm.now()); remaining > 0 {
			untilHalfOpen = remaining
		}
	}

	return Stats{
		Name:              sm.config.Name,
		State:             sm.state,
		Generation:        sm.generation,
		Counts:            sm.counts,
		RunningCalls:      sm.runningCalls,
		LastStateChange:   sm.lastStateChange,
		Transitions:       transitions,
		TimeUntilHalfOpen: untilHalfOpen,
	}
}

func (sm *stateManager) reset() {
	sm.mu.Lock()
	t := sm.setStateLocked(StateClosed)
	sm.expiry = time.Time{}
	sm.mu.Unlock()

	sm.announce(t)
}
