package tracker

// Raw state tags as the external source reports them.
const (
	stateNotInWar    = "notInWar"
	statePreparation = "preparation"
	stateInWar       = "inWar"
	stateWarEnded    = "warEnded"
	stateOngoing     = "ongoing"
	stateEnded       = "ended"
)

// Classify maps a snapshot to its abstract lifecycle phase. The instance key
// is the snapshot's start time; a snapshot with no start time classifies as
// absent and is never persisted or evaluated further. Malformed or unknown
// state tags also classify as absent: "no activity currently known" is a
// policy choice here, not an error.
func Classify(s *Snapshot) Phase {
	if s == nil || s.StartTime.IsZero() {
		return PhaseAbsent
	}
	switch s.Activity {
	case ActivityWar, ActivityWarLeague:
		switch s.State {
		case statePreparation:
			return PhasePreparing
		case stateInWar:
			return PhaseActive
		case stateWarEnded:
			return PhaseEnded
		default:
			return PhaseAbsent
		}
	case ActivityRaidWeekend, ActivityClanGames:
		// No explicit preparation window: these begin directly in the
		// active phase.
		switch s.State {
		case stateOngoing:
			return PhaseActive
		case stateEnded:
			return PhaseEnded
		default:
			return PhaseAbsent
		}
	default:
		return PhaseAbsent
	}
}
