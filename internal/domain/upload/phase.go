package upload

// Phase is the lifecycle stage of an upload session.
type Phase string

const (
	PhaseAdmitted   Phase = "admitted"
	PhaseValidating Phase = "validating"
	PhaseUploading  Phase = "uploading"
	PhasePersisting Phase = "persisting"
	PhaseComplete   Phase = "complete"
	PhaseFailed     Phase = "failed"
)

// IsValid reports whether p is a known phase.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseAdmitted, PhaseValidating, PhaseUploading, PhasePersisting, PhaseComplete, PhaseFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are possible.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseComplete, PhaseFailed:
		return true
	default:
		return false
	}
}

// Next returns the successor on the success path, or "" for terminal phases.
func (p Phase) Next() Phase {
	switch p {
	case PhaseAdmitted:
		return PhaseValidating
	case PhaseValidating:
		return PhaseUploading
	case PhaseUploading:
		return PhasePersisting
	case PhasePersisting:
		return PhaseComplete
	default:
		return ""
	}
}

// CanAdvanceTo reports whether p -> to is a legal transition. Phases move
// forward one step at a time; any non-terminal phase may fail.
func (p Phase) CanAdvanceTo(to Phase) bool {
	if p.IsTerminal() || !to.IsValid() {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	return p.Next() == to
}
