package turnpipe

import "errors"

var (
	// ErrNoActiveHandle is returned when an operation requires a current
	// generation handle but the session has none.
	ErrNoActiveHandle = errors.New("no active generation handle")

	// ErrHandleCancelled is returned by GenerationHandle's Store* methods
	// when the handle's cancellation flag is already set.
	ErrHandleCancelled = errors.New("generation handle already cancelled")

	// ErrStaleHandle describes a driver event whose handle id does not
	// match the session's current handle id. EventRouter.RouteInbound
	// logs and drops such events rather than returning this error.
	ErrStaleHandle = errors.New("driver event references a stale generation handle")

	// ErrTranscriptionSourceDisconnected matches the fatal taxonomy entry
	// in the pipeline; callers must re-subscribe a new TranscriptionSource.
	ErrTranscriptionSourceDisconnected = errors.New("transcription source disconnected")

	// ErrLLMTimeout is returned when no LLM output arrives before the
	// configured hard timeout (default 15s from TurnCommitted).
	ErrLLMTimeout = errors.New("llm generation exceeded hard timeout")

	// ErrInvalidSettings is returned by a driver when a settings snapshot
	// names a model, voice, or rate it cannot honor.
	ErrInvalidSettings = errors.New("invalid settings for driver")

	// ErrSessionClosed describes an operation attempted after the session
	// actor has been shut down. Session's methods do not return it.
	ErrSessionClosed = errors.New("session closed")
)
