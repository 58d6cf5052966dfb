package request

// statemachine.go: task lifecycle transition rules.
//
//	CREATED ──────► SENT
//	   │  │           │
//	   │  └──────┬────┴──────────┐
//	   │         ▼               ▼
//	   │     RESPONDED       TIMED_OUT
//	   ▼
//	DISCARDED  (reachable from CREATED or SENT, no callback)

// Status is the lifecycle state of a Task.
type Status int

const (
	StatusCreated Status = iota
	StatusSent
	StatusResponded
	StatusTimedOut
	StatusDiscarded
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusSent:
		return "sent"
	case StatusResponded:
		return "responded"
	case StatusTimedOut:
		return "timed_out"
	case StatusDiscarded:
		return "discarded"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusResponded || s == StatusTimedOut || s == StatusDiscarded
}

// ValidTransition reports whether from → to is a legal task state change.
//
// A response may beat the debounced send (relays answer an older identical
// REQ), so CREATED may move straight to RESPONDED.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusCreated:
		return to == StatusSent || to == StatusResponded || to == StatusTimedOut || to == StatusDiscarded
	case StatusSent:
		return to == StatusResponded || to == StatusTimedOut || to == StatusDiscarded
	}
	return false
}
