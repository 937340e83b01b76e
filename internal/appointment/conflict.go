package appointment

// ConflictResult is the outcome of a conflict check. Blocking is nil when the
// candidate fits.
type ConflictResult struct {
	Blocking *Appointment
	Resource Resource
}

func (r ConflictResult) Conflict() bool { return r.Blocking != nil }

// Err converts a conflicting result into a *ConflictError.
func (r ConflictResult) Err() error {
	if r.Blocking == nil {
		return nil
	}
	return &ConflictError{BlockingID: r.Blocking.ID, Resource: r.Resource}
}

// CheckConflict reports the first appointment in existing that shares the
// candidate's room or therapist and overlaps its half-open interval.
// Cancelled appointments and candidate.ExcludeID are ignored. The caller must
// supply a set wide enough to contain every possible overlap.
func CheckConflict(candidate Candidate, existing []Appointment) ConflictResult {
	start, end := candidate.Start, candidate.End()
	for i := range existing {
		other := existing[i]
		if other.Status == StatusCancelled {
			continue
		}
		if candidate.ExcludeID != "" && other.ID == candidate.ExcludeID {
			continue
		}

		var resource Resource
		switch {
		case candidate.RoomID != "" && other.RoomID == candidate.RoomID:
			resource = ResourceRoom
		case candidate.TherapistID != "" && other.TherapistID == candidate.TherapistID:
			resource = ResourceTherapist
		default:
			continue
		}

		if other.Overlaps(start, end) {
			return ConflictResult{Blocking: &other, Resource: resource}
		}
	}
	return ConflictResult{}
}
