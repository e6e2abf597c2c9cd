package tracker

import "time"

// HalfTimeWindow is the wall-clock remainder below which the half-time alert
// fires for an active instance. It is a threshold check sampled each poll,
// not an edge: only the ledger flag keeps it from re-firing.
const HalfTimeWindow = 12 * time.Hour

// Decision is the outcome of one evaluation cycle: at most one notification
// and the single ledger flag that gates it.
type Decision struct {
	Fire bool
	Kind NotificationKind
	Flag Flag
}

func decide(k NotificationKind) Decision {
	return Decision{Fire: true, Kind: k, Flag: FlagFor(k)}
}

// Evaluate decides which notification (if any) fires for the newly fetched
// snapshot, given the previously stored snapshot, the instance's ledger entry
// and the current wall-clock time. It is a pure function: the caller owns all
// persistence and dispatch.
//
// At most one notification fires per call, in fixed priority order
// Ended > HalfTimeRemaining > Started > PreparationStarted. Transitions that
// were also due this cycle stay pending: their flags remain false and they
// fire on a later cycle if their own guard is still satisfiable. Once the
// instance is observed Ended, earlier phases can no longer be observed, so
// any unsent earlier notification is implicitly superseded rather than sent
// late.
//
// An absent new snapshot makes the whole cycle a no-op. A fetch that jumped
// several phases since the last poll therefore fires only the highest-
// priority transition, never a belated one.
func Evaluate(old, cur *Snapshot, entry LedgerEntry, now time.Time) Decision {
	curPhase := Classify(cur)
	if curPhase == PhaseAbsent {
		return Decision{}
	}
	oldPhase := Classify(old)
	phaseChanged := oldPhase != curPhase
	sameInstance := old != nil && !old.StartTime.IsZero() && old.StartTime.Equal(cur.StartTime)

	switch {
	case phaseChanged && curPhase == PhaseEnded && !entry.Sent(FlagEnd):
		return decide(ActivityEnded)

	case curPhase == PhaseActive && !cur.EndTime.IsZero() &&
		cur.EndTime.Sub(now) <= HalfTimeWindow && !entry.Sent(FlagHalfTime):
		return decide(HalfTimeRemaining)

	case phaseChanged && curPhase == PhaseActive && !entry.Sent(FlagStart):
		return decide(ActivityStarted)

	case !sameInstance && curPhase == PhasePreparing && !entry.Sent(FlagPreparation):
		return decide(PreparationStarted)
	}
	return Decision{}
}
