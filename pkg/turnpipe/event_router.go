package turnpipe

import (
	"context"

	"github.com/google/uuid"
)

// InboundEventKind discriminates the driver-origin event union
// RouteInbound accepts.
type InboundEventKind int

const (
	InboundTranscriptionUpdate InboundEventKind = iota
	InboundLLMResult
	InboundLLMError
	InboundTTSPrepared
	InboundPlaybackStarted
	InboundPlaybackEnded
	InboundPlaybackError
	InboundSettingsChanged
)

// InboundEvent is the discriminated union of everything an external
// driver can push at the Event Router. Only the field matching Kind is
// meaningful.
type InboundEvent struct {
	Kind           InboundEventKind
	HandleID       uuid.UUID
	Transcription  TranscriptionUpdate
	LLMResult      LLMResult
	ErrorKind      ErrorKind
	TTSAudioHandle any
	Settings       Settings
}

// EventRouter bridges external drivers to the Interruption
// Arbiter/Session pair and translates their outputs into the outbound
// timeline. The primary wiring in this package has
// CascadeScheduler call drivers directly from goroutines that already
// apply their own stale-handle guard before touching state; RouteInbound
// exists so an integration that prefers to push driver results through
// a single discriminated channel (rather than scheduler-owned
// goroutines) still gets the same guarantee.
type EventRouter struct {
	session *Session
	arbiter *InterruptionArbiter
	logger  Logger
}

// NewEventRouter constructs a router over an already-wired
// session/arbiter pair.
func NewEventRouter(session *Session, arbiter *InterruptionArbiter, logger Logger) *EventRouter {
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &EventRouter{session: session, arbiter: arbiter, logger: logger}
}

// RouteTranscription feeds one update through the Interruption Arbiter
// and publishes the VolatileText signal the arbiter/detector do not
// publish themselves (UserTurnVisible, AssistantResponseVisible,
// PhaseChanged and InterruptionOccurred are published directly by the
// scheduler and arbiter at the moment they occur).
func (r *EventRouter) RouteTranscription(update TranscriptionUpdate) TurnDecision {
	decision := r.arbiter.Feed(update)
	switch decision.Kind {
	case DecisionVolatileText, DecisionInterrupt:
		r.session.Publish(OutboundEvent{Type: EventVolatileText, Text: decision.Text})
	}
	return decision
}

// RouteInbound drops a driver-origin event carrying a handle id that
// does not match the session's current handle. Transcription updates
// and settings changes are not handle-scoped and always route through.
func (r *EventRouter) RouteInbound(event InboundEvent) {
	switch event.Kind {
	case InboundTranscriptionUpdate:
		r.RouteTranscription(event.Transcription)
		return
	case InboundSettingsChanged:
		r.session.UpdateSettings(event.Settings)
		return
	}

	current := r.session.CurrentHandle()
	if current == nil || current.ID != event.HandleID {
		r.logger.Warn("dropping stale driver event", "session_id", r.session.ID, "kind", event.Kind, "handle_id", event.HandleID)
		return
	}

	switch event.Kind {
	case InboundLLMResult:
		_ = current.StoreLLMResult(event.LLMResult)
	case InboundLLMError:
		r.session.Publish(OutboundEvent{Type: EventAssistantErrorVisible, TurnID: current.TurnID, Kind: event.ErrorKind})
	case InboundTTSPrepared:
		_ = current.StoreTTSResult(event.TTSAudioHandle, true)
	case InboundPlaybackError:
		r.session.Publish(OutboundEvent{Type: EventAssistantErrorVisible, TurnID: current.TurnID, Kind: event.ErrorKind})
	case InboundPlaybackStarted, InboundPlaybackEnded:
		// Diagnostic only in this wiring; the scheduler's own playback
		// goroutine is what drives the Phase3->Listening transition.
	}
}

// Run subscribes to source and routes every update until ctx is
// cancelled or the source disconnects. A closed channel with no ctx
// cancellation is reported as ErrTranscriptionSourceDisconnected, which
// callers should treat as fatal for the session.
func (r *EventRouter) Run(ctx context.Context, source TranscriptionSource) error {
	updates, err := source.Start(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return ErrTranscriptionSourceDisconnected
			}
			r.RouteTranscription(update)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
