// Package turnpipe implements the Voice Turn Pipeline: the
// interruption-aware state machine that turns a stream of speech
// recognition updates into committed turns and drives a speculative
// three-phase LLM+TTS cascade per turn.
package turnpipe

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Logger is the leveled logging interface every component accepts.
// Implementations are expected to be safe for concurrent use.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NoOpLogger discards everything. Useful as a default and in tests.
type NoOpLogger struct{}

func (NoOpLogger) Debug(msg string, args ...interface{}) {}
func (NoOpLogger) Info(msg string, args ...interface{})  {}
func (NoOpLogger) Warn(msg string, args ...interface{})  {}
func (NoOpLogger) Error(msg string, args ...interface{}) {}

// Clock abstracts time so phase timers are deterministic in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the minimal surface turnpipe needs from a scheduled callback.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired or was stopped.
	Stop() bool
	// Reset reschedules the timer to fire after d. Returns false if it had
	// already fired or been stopped.
	Reset(d time.Duration) bool
}

// systemClock is the default Clock backed by the real wall clock.
type systemClock struct{}

// SystemClock is the production Clock implementation.
var SystemClock Clock = systemClock{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return &stdTimer{t: time.AfterFunc(d, f)}
}

type stdTimer struct{ t *time.Timer }

func (s *stdTimer) Stop() bool             { return s.t.Stop() }
func (s *stdTimer) Reset(d time.Duration) bool { return s.t.Reset(d) }

// TranscriptionUpdate is an immutable event produced by a transcription
// source. Volatile updates may supersede prior volatile updates within
// the same utterance; a final update terminates the utterance segment.
type TranscriptionUpdate struct {
	Seq     uint64
	Text    string
	IsFinal bool
	RecvTS  time.Time
}

// Turn is a committed user input, totally ordered per session by
// CommitTime.
type Turn struct {
	ID         uuid.UUID
	Text       string
	CommitTime time.Time
	SessionID  uuid.UUID
}

// PhaseState is the Cascade Scheduler's single source of truth for
// where a session is in the speculative pipeline.
type PhaseState int

const (
	PhaseIdle PhaseState = iota
	PhaseListening
	PhasePhase1Running
	PhasePhase2Running
	PhasePhase3Playing
	PhaseCancelling
)

func (p PhaseState) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhasePhase1Running:
		return "phase1_running"
	case PhasePhase2Running:
		return "phase2_running"
	case PhasePhase3Playing:
		return "phase3_playing"
	case PhaseCancelling:
		return "cancelling"
	default:
		return "unknown"
	}
}

// ParsePhaseState inverts PhaseState.String, for storage layers that
// persist the phase as text and need to reconstruct it on read.
func ParsePhaseState(s string) PhaseState {
	switch s {
	case "idle":
		return PhaseIdle
	case "listening":
		return PhaseListening
	case "phase1_running":
		return PhasePhase1Running
	case "phase2_running":
		return PhasePhase2Running
	case "phase3_playing":
		return PhasePhase3Playing
	case "cancelling":
		return PhaseCancelling
	default:
		return PhaseIdle
	}
}

// Settings is the explicitly enumerated configuration surface. Unknown
// fields encountered while decoding are rejected by the loader in
// settings.go, not by this struct.
type Settings struct {
	ModelID      string  `yaml:"model_id"`
	VoiceID      string  `yaml:"voice_id"`
	PlaybackRate float64 `yaml:"playback_rate"`
	Language     string  `yaml:"language"`

	SilenceTimeoutMS           uint32 `yaml:"silence_timeout_ms"`
	TextGrowthThreshold        uint32 `yaml:"text_growth_threshold"`
	IgnoreVolatileAfterSilence bool   `yaml:"ignore_volatile_after_silence"`
	MinTurnChars               uint32 `yaml:"min_turn_chars"`

	Phase1MS uint32 `yaml:"phase1_ms"`
	Phase2MS uint32 `yaml:"phase2_ms"`
	Phase3MS uint32 `yaml:"phase3_ms"`

	LLMHardTimeoutMS  uint32 `yaml:"llm_hard_timeout_ms"`
	InterruptGraceMS  uint32 `yaml:"interrupt_grace_ms"`
	MinInterruptChars uint32 `yaml:"min_interrupt_chars"`
}

// DefaultSettings returns the baseline timing and voice configuration
// every session starts with.
func DefaultSettings() Settings {
	return Settings{
		ModelID:      "default",
		PlaybackRate: 1.0,
		Language:     "en",

		SilenceTimeoutMS:           500,
		TextGrowthThreshold:        2,
		IgnoreVolatileAfterSilence: true,
		MinTurnChars:               1,

		Phase1MS: 500,
		Phase2MS: 1500,
		Phase3MS: 2000,

		LLMHardTimeoutMS:  15000,
		InterruptGraceMS:  250,
		MinInterruptChars: 1,
	}
}

func (s Settings) silenceTimeout() time.Duration {
	return time.Duration(s.SilenceTimeoutMS) * time.Millisecond
}

func (s Settings) phase1Deadline() time.Duration {
	return time.Duration(s.Phase1MS) * time.Millisecond
}

func (s Settings) phase2Deadline() time.Duration {
	return time.Duration(s.Phase2MS) * time.Millisecond
}

func (s Settings) phase3Deadline() time.Duration {
	return time.Duration(s.Phase3MS) * time.Millisecond
}

func (s Settings) llmHardTimeout() time.Duration {
	return time.Duration(s.LLMHardTimeoutMS) * time.Millisecond
}

func (s Settings) interruptGrace() time.Duration {
	return time.Duration(s.InterruptGraceMS) * time.Millisecond
}

// ErrorKind enumerates the stable AssistantErrorVisible.kind values.
// Implementations may introduce additional kinds additively.
type ErrorKind string

const (
	ErrKindLLMTimeout        ErrorKind = "llm_timeout"
	ErrKindLLMProviderError  ErrorKind = "llm_provider_error"
	ErrKindLLMInvalidSettings ErrorKind = "llm_invalid_settings"
	ErrKindTTSUnavailable    ErrorKind = "tts_unavailable"
	ErrKindPlaybackDeviceError ErrorKind = "playback_device_error"
	ErrKindInternalInvariantViolation ErrorKind = "internal_invariant_violation"
)

// OutboundEventType discriminates the timeline events published to the
// presentation layer.
type OutboundEventType string

const (
	EventUserTurnVisible        OutboundEventType = "USER_TURN_VISIBLE"
	EventVolatileText           OutboundEventType = "VOLATILE_TEXT"
	EventAssistantResponseVisible OutboundEventType = "ASSISTANT_RESPONSE_VISIBLE"
	EventAssistantErrorVisible  OutboundEventType = "ASSISTANT_ERROR_VISIBLE"
	EventInterruptionOccurred   OutboundEventType = "INTERRUPTION_OCCURRED"
	EventPhaseChanged           OutboundEventType = "PHASE_CHANGED"
)

// OutboundEvent is published to exactly one per-session timeline. Seq is
// a monotonic, session-scoped sequence number assigned by Session.Publish
// (publishLocked on the actor).
type OutboundEvent struct {
	Type      OutboundEventType
	SessionID uuid.UUID
	Seq       uint64
	TurnID    uuid.UUID
	Text      string
	Kind      ErrorKind
	Detail    string
	Phase     PhaseState
	TS        time.Time
}

// TurnDecision is the result of feeding one TranscriptionUpdate through
// Session.BeginTurn.
type TurnDecisionKind int

const (
	DecisionKeepListening TurnDecisionKind = iota
	DecisionVolatileText
	DecisionTurnCommitted
	DecisionInterrupt
)

type TurnDecision struct {
	Kind TurnDecisionKind
	Text string
}

// --- External driver interfaces ---

// LLMResult is the opaque response of a successful generation. The
// scheduler never inspects Metadata; Text is the only field it needs to
// hand to the TTS driver and the outbound timeline.
type LLMResult struct {
	Text     string
	Metadata map[string]any
}

// LLMRequest enumerates everything an LLM driver needs to run one
// generation attempt, including a settings snapshot taken at Phase1
// entry.
type LLMRequest struct {
	TurnText        string
	ConversationRef uuid.UUID
	Settings        Settings
}

// LLMDriver is the generate(request) -> future<result|error> interface
// drivers implement. Cancellation is communicated via ctx; a driver MUST
// honor ctx on a best-effort basis and may still return a result after
// cancellation — the Cascade Scheduler discards it once its handle is no
// longer current (as does the Event Router for results routed through
// RouteInbound).
type LLMDriver interface {
	Generate(ctx context.Context, req LLMRequest) (LLMResult, error)
	// Abort is an explicit best-effort cancel issued in addition to ctx
	// cancellation, for drivers that need it.
	Abort() error
	Name() string
}

// PlaybackControl exposes the stop() operation on a speak() future,
// plus a completion signal so the scheduler can tell a natural
// PlaybackEnded apart from a Stop()-induced one without blocking the
// actor on the call that started playback.
type PlaybackControl interface {
	Stop() error
	// Done receives exactly once: nil on natural completion, or the
	// error that ended playback early (including a Stop()-induced one,
	// which drivers should report as context.Canceled or similar).
	Done() <-chan error
}

// TTSDriver implements the prepare/speak interface. A driver that
// renders synchronously at speak time rather than pre-rendering can
// return the text itself (or any other cheap token) as audioHandle from
// Prepare; the scheduler only cares that Prepare returned a nil error.
type TTSDriver interface {
	Prepare(ctx context.Context, text, voiceID string, rate float64) (audioHandle any, err error)
	Speak(ctx context.Context, audioHandle any, onChunk func([]byte) error) (PlaybackControl, error)
	// Abort is an explicit best-effort cancel issued in addition to ctx
	// cancellation, for drivers that need it.
	Abort() error
	Name() string
}

// TranscriptionSource is the inbound push stream of transcription
// updates. Updates sent on the returned channel must carry strictly increasing
// Seq values within one call's lifetime.
type TranscriptionSource interface {
	Start(ctx context.Context) (<-chan TranscriptionUpdate, error)
	Name() string
}

// ConversationStore is the out-of-scope persistence collaborator whose
// interface the VTP calls on every UserTurnVisible/AssistantResponseVisible
//. Append MUST return immediately; the store owns backpressure.
type ConversationStore interface {
	Append(sessionID uuid.UUID, event OutboundEvent)
}

// NoOpConversationStore discards every event. Useful as a default.
type NoOpConversationStore struct{}

func (NoOpConversationStore) Append(uuid.UUID, OutboundEvent) {}
