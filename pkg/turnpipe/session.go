package turnpipe

import (
	"context"

	"github.com/google/uuid"
)

// sessionEventBufferSize bounds the outbound event channel so a slow or
// absent reader can never block the actor.
const sessionEventBufferSize = 1024

// Session is the single-owner actor for one conversation: it holds the
// turn detector, the at-most-one active GenerationHandle, the current
// Settings, and the outbound event timeline.
//
// Every exported method hands its work to a single internal goroutine
// over a command channel, so callers never need their own locking to
// stay consistent with the "at most one GenerationHandle at a time"
// invariant.
type Session struct {
	ID      uuid.UUID
	logger  Logger
	clock   Clock
	store   ConversationStore
	metrics *Metrics

	detector *TurnDetector

	onTurnCommitted func(Turn)

	cmds chan func()
	quit chan struct{}

	// actor-owned state; touched only by goroutines running inside cmds.
	settings Settings
	current  *GenerationHandle
	seq      uint64
	events   chan OutboundEvent
}

// NewSession constructs a session and starts its actor goroutine.
// onTurnCommitted fires once per committed turn, whether the commit was
// driven by a final transcription update (synchronously, inside
// BeginTurn) or by the silence timer alone (asynchronously); callers
// use it as the single trigger to start the Cascade Scheduler. A nil
// metrics falls back to DefaultMetrics.
func NewSession(id uuid.UUID, settings Settings, clock Clock, logger Logger, store ConversationStore, metrics *Metrics, onTurnCommitted func(Turn)) *Session {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = NoOpLogger{}
	}
	if store == nil {
		store = NoOpConversationStore{}
	}

	s := &Session{
		ID:              id,
		logger:          logger,
		clock:           clock,
		store:           store,
		metrics:         metricsOrDefault(metrics),
		onTurnCommitted: onTurnCommitted,
		cmds:            make(chan func(), 64),
		quit:            make(chan struct{}),
		settings:        settings,
		events:          make(chan OutboundEvent, sessionEventBufferSize),
	}
	s.detector = NewTurnDetector(settings, clock, s.handleSilenceCommitted)
	s.detector.SetDroppedHook(func() { recordDropped(context.Background(), s.metrics) })
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case cmd := <-s.cmds:
			cmd()
		case <-s.quit:
			return
		}
	}
}

// exec runs f on the actor goroutine and blocks until it completes.
func (s *Session) exec(f func()) {
	done := make(chan struct{})
	select {
	case s.cmds <- func() { f(); close(done) }:
		<-done
	case <-s.quit:
	}
}

// submit enqueues f to run on the actor goroutine without waiting. Used
// by callbacks that fire from goroutines other than the actor's own
// (the silence timer), where nothing is waiting on a result.
func (s *Session) submit(f func()) {
	select {
	case s.cmds <- f:
	case <-s.quit:
	}
}

// BeginTurn feeds one transcription update through the turn detector
// and returns the decision the caller should act on immediately —
// publishing a VolatileText event, for instance. It does not run the
// interruption check; the Event Router feeds updates through
// InterruptionArbiter.Feed instead. A
// DecisionTurnCommitted result has already triggered onTurnCommitted by
// the time this returns.
func (s *Session) BeginTurn(u TranscriptionUpdate) TurnDecision {
	var decision TurnDecision
	s.exec(func() {
		decision = s.detector.Process(u)
		if decision.Kind == DecisionTurnCommitted {
			s.commitLocked(decision.Text)
		}
	})
	return decision
}

// handleSilenceCommitted is TurnDetector's onSilenceCommitted callback.
// It may run on any goroutine, so it only ever submits work to the actor.
func (s *Session) handleSilenceCommitted(text string) {
	s.submit(func() {
		s.commitLocked(text)
	})
}

// commitLocked runs on the actor goroutine. It builds the Turn value
// and notifies the scheduler hook.
func (s *Session) commitLocked(text string) {
	turn := Turn{
		ID:         uuid.New(),
		Text:       text,
		CommitTime: s.clock.Now(),
		SessionID:  s.ID,
	}
	recordTurnCommitted(context.Background(), s.metrics)
	if s.onTurnCommitted != nil {
		s.onTurnCommitted(turn)
	}
}

// SetOnTurnCommitted installs the turn-committed hook. It exists
// because the scheduler that implements the hook needs a reference to
// this session, creating an unavoidable construction-order cycle;
// callers wire it immediately after constructing both.
func (s *Session) SetOnTurnCommitted(f func(Turn)) {
	s.exec(func() { s.onTurnCommitted = f })
}

// CurrentHandle returns the active GenerationHandle, or nil if the
// session is idle. Safe to call from any goroutine.
func (s *Session) CurrentHandle() *GenerationHandle {
	var h *GenerationHandle
	s.exec(func() { h = s.currentHandleLocked() })
	return h
}

// currentHandleLocked is the actor-local equivalent of CurrentHandle.
// Callers MUST already be running on the actor goroutine (i.e. from
// inside a func dispatched via exec/submit, such as the CascadeScheduler
// and InterruptionArbiter always are) — calling the exported, exec-
// wrapping methods from there would re-enter exec and deadlock, since
// the actor goroutine that would drain the nested command is the very
// one blocked waiting for it.
func (s *Session) currentHandleLocked() *GenerationHandle {
	return s.current
}

// SwapHandle installs next as the session's single active handle and
// returns whatever was previously active (nil if none). The caller is
// responsible for cancelling the returned handle — Session itself never
// cancels on their behalf, since a legitimate swap (new turn supersedes
// a finished generation) is not always a cancellation. Safe to call
// from any goroutine.
func (s *Session) SwapHandle(next *GenerationHandle) *GenerationHandle {
	var prev *GenerationHandle
	s.exec(func() { prev = s.swapHandleLocked(next) })
	return prev
}

// swapHandleLocked is the actor-local equivalent of SwapHandle. See
// currentHandleLocked for the reentrancy rule.
func (s *Session) swapHandleLocked(next *GenerationHandle) *GenerationHandle {
	prev := s.current
	s.current = next
	return prev
}

// SettingsSnapshot returns the session's current settings. Callers that
// need an isolated copy for a new GenerationHandle should pass this
// directly to NewGenerationHandle, which deep-copies it itself. Safe to
// call from any goroutine.
func (s *Session) SettingsSnapshot() Settings {
	var snap Settings
	s.exec(func() { snap = s.settingsSnapshotLocked() })
	return snap
}

// settingsSnapshotLocked is the actor-local equivalent of
// SettingsSnapshot. See currentHandleLocked for the reentrancy rule.
func (s *Session) settingsSnapshotLocked() Settings {
	return s.settings
}

// UpdateSettings replaces the session's settings. Only future turns
// observe the change; any in-flight GenerationHandle keeps the snapshot
// it was created with.
func (s *Session) UpdateSettings(next Settings) {
	s.exec(func() {
		s.settings = next
		s.detector.UpdateSettings(next)
	})
}

// Events returns the outbound timeline. It must be drained continuously
// by exactly one reader (the presentation layer, e.g. cmd/agent's
// display loop); Publish never blocks on it.
func (s *Session) Events() <-chan OutboundEvent {
	return s.events
}

// Publish assigns the next sequence number to event, stamps it, and
// enqueues it on the outbound timeline and the conversation store. If
// the timeline is full, the oldest queued event is dropped to make room
// rather than stalling the pipeline. Safe to call from any goroutine.
func (s *Session) Publish(event OutboundEvent) uint64 {
	var seq uint64
	s.exec(func() { seq = s.publishLocked(event) })
	return seq
}

// publishLocked is the actor-local equivalent of Publish. See
// currentHandleLocked for the reentrancy rule.
func (s *Session) publishLocked(event OutboundEvent) uint64 {
	s.seq++
	seq := s.seq
	event.Seq = seq
	event.SessionID = s.ID
	if event.TS.IsZero() {
		event.TS = s.clock.Now()
	}

	select {
	case s.events <- event:
	default:
		select {
		case dropped := <-s.events:
			s.logger.Warn("outbound event timeline full, dropping oldest", "session_id", s.ID, "dropped_seq", dropped.Seq)
		default:
		}
		select {
		case s.events <- event:
		default:
			s.logger.Warn("outbound event timeline full after eviction, dropping newest", "session_id", s.ID, "seq", seq)
		}
	}

	s.store.Append(s.ID, event)
	return seq
}

// Close stops the actor goroutine. It does not drain or close Events();
// callers should finish reading pending events first.
func (s *Session) Close() {
	close(s.quit)
}
