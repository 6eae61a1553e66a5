package turnpipe

import "context"

// InterruptionArbiter detects a new utterance arriving while a
// generation is in flight and runs the cancel protocol. It
// sits in front of Session.BeginTurn: every inbound transcription
// update is fed through Feed instead of calling BeginTurn directly.
type InterruptionArbiter struct {
	session   *Session
	scheduler *CascadeScheduler
}

// NewInterruptionArbiter wires an arbiter to the session/scheduler pair
// it protects. Both must belong to the same session.
func NewInterruptionArbiter(session *Session, scheduler *CascadeScheduler) *InterruptionArbiter {
	return &InterruptionArbiter{session: session, scheduler: scheduler}
}

// Feed processes one transcription update, running the cancel protocol
// first if it qualifies as an interruption: a volatile, non-empty
// update arriving while the scheduler is anywhere but Listening/Idle.
// It always runs on the session actor.
func (a *InterruptionArbiter) Feed(update TranscriptionUpdate) TurnDecision {
	var decision TurnDecision
	a.session.exec(func() {
		decision = a.feedLocked(update)
	})
	return decision
}

func (a *InterruptionArbiter) feedLocked(update TranscriptionUpdate) TurnDecision {
	phase := a.scheduler.Phase()
	isInterruptCandidate := !update.IsFinal && update.Text != "" && phase != PhaseListening && phase != PhaseIdle

	if isInterruptCandidate {
		settings := a.session.settings
		if uint32(len(update.Text)) < settings.MinInterruptChars {
			isInterruptCandidate = false
		}
	}

	if !isInterruptCandidate {
		decision := a.session.detector.Process(update)
		if decision.Kind == DecisionTurnCommitted {
			a.session.commitLocked(decision.Text)
		}
		return decision
	}

	a.interruptLocked(update)

	// The triggering update itself begins the new tracking window; the
	// detector was just reset, so this mirrors feeding the first update
	// of a fresh utterance.
	a.session.detector.Process(update)
	return TurnDecision{Kind: DecisionInterrupt, Text: update.Text}
}

// interruptLocked runs the full cancel protocol. It must be called
// while already running on the session actor.
func (a *InterruptionArbiter) interruptLocked(update TranscriptionUpdate) {
	handle := a.scheduler.abortActive("user_interruption")
	a.session.detector.Reset()
	if handle == nil {
		return
	}

	recordInterruption(context.Background(), a.session.metrics)
	a.session.publishLocked(OutboundEvent{
		Type:   EventInterruptionOccurred,
		TurnID: handle.TurnID,
	})

	// The abort calls in abortActive are synchronous best-effort calls;
	// their return already constitutes the driver acknowledgment this
	// step would otherwise wait on, so no separate grace-period timer
	// is needed here.
	a.scheduler.resumeListening(handle.TurnID)
}
