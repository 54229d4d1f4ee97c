package risk

import (
	"sync"
	"time"
)

// EmergencyStop is the global kill switch. Once engaged it stays engaged until
// an operator calls Clear; no timer releases it. The risk engine rejects every
// signal while active, the order manager cancels working orders, and the
// strategy host pauses evaluation.
type EmergencyStop struct {
	mu        sync.Mutex
	engaged   bool
	reason    string
	engagedAt time.Time

	onEngage []func(reason string)
}

// NewEmergencyStop returns a disengaged stop.
func NewEmergencyStop() *EmergencyStop {
	return &EmergencyStop{}
}

// OnEngage registers a callback invoked (once) when the stop latches.
// Registration is not safe after the stop is in use; wire callbacks at startup.
func (s *EmergencyStop) OnEngage(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEngage = append(s.onEngage, fn)
}

// Engage latches the stop. Returns false if it was already engaged, in which
// case the original reason is kept and callbacks do not fire again.
func (s *EmergencyStop) Engage(reason string) bool {
	s.mu.Lock()
	if s.engaged {
		s.mu.Unlock()
		return false
	}
	s.engaged = true
	s.reason = reason
	s.engagedAt = time.Now().UTC()
	callbacks := s.onEngage
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(reason)
	}
	return true
}

// Clear releases the latch. Operator action only.
func (s *EmergencyStop) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engaged = false
	s.reason = ""
}

// Active reports whether the stop is engaged.
func (s *EmergencyStop) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engaged
}

// Reason returns why the stop engaged, or "" when inactive.
func (s *EmergencyStop) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
