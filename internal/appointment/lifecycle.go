package appointment

// transitions is the lifecycle graph. No-show and cancellation are not
// reachable after check-in: a checked-in patient is present.
var transitions = map[Status][]Status{
	StatusReserved:  {StatusConfirmed, StatusNoShow, StatusCancelled},
	StatusConfirmed: {StatusCheckedIn, StatusNoShow, StatusCancelled},
	StatusCheckedIn: {StatusCompleted},
}

// AllowedTransitions returns the statuses reachable in one step from s.
func AllowedTransitions(s Status) []Status {
	next := transitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// Transition validates a status change. Requesting the current status of a
// live appointment is a no-op; a terminal status admits nothing, itself included.
func Transition(current, requested Status) (Status, error) {
	if !current.Valid() || !requested.Valid() {
		return current, &IllegalTransitionError{From: current, To: requested}
	}
	if current == requested && !current.Terminal() {
		return current, nil
	}
	for _, next := range transitions[current] {
		if next == requested {
			return requested, nil
		}
	}
	return current, &IllegalTransitionError{From: current, To: requested}
}
