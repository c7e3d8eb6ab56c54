package circuitbreaker

import "time"

// StateInfo is a point-in-time snapshot of a breaker for runtime inspection.
type StateInfo struct {
	Name        string       `json:"name"`
	State       State        `json:"-"`
	StateName   string       `json:"state"`
	Failures    uint         `json:"failures"`
	Successes   uint         `json:"successes"`
	TotalCalls  uint64       `json:"total_calls"`
	LastFailure time.Time    `json:"last_failure,omitzero"`
	LastSuccess time.Time    `json:"last_success,omitzero"`
	Transitions []Transition `json:"transitions"`
}

// StateInfo returns a consistent snapshot of the breaker's state, counters,
// and recent transition history (oldest first, at most the last 100).
func (cb *CircuitBreaker) StateInfo() StateInfo {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	transitions := make([]Transition, 0, cb.transCount)
	start := cb.transHead - cb.transCount
	if start < 0 {
		start += transitionLogSize
	}
	for i := 0; i < cb.transCount; i++ {
		transitions = append(transitions, cb.transitions[(start+i)%transitionLogSize])
	}

	return StateInfo{
		Name:        cb.name,
		State:       cb.state,
		StateName:   cb.state.String(),
		Failures:    cb.failures,
		Successes:   cb.successes,
		TotalCalls:  cb.totalCalls,
		LastFailure: cb.lastFailure,
		LastSuccess: cb.lastSuccess,
		Transitions: transitions,
	}
}
