package turnpipe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CascadeScheduler drives the three-phase speculative pipeline for one
// session's committed turns. Every method on it runs on the
// owning Session's actor goroutine: onTurnCommitted is called directly
// from Session.commitLocked, and every phase timer / driver result
// re-enters through Session.submit before touching scheduler state.
type CascadeScheduler struct {
	session *Session
	llm     LLMDriver
	tts     TTSDriver
	clock   Clock
	logger  Logger
	metrics *Metrics

	// playbackSink receives decoded audio chunks during phase 3. The
	// default discards them; cmd/agent supplies a real audio device.
	playbackSink func([]byte) error

	phase  PhaseState
	handle *GenerationHandle
	turn   Turn
	timers []Timer

	phase2DeadlineReached bool
	phase3DeadlineReached bool
	ttsStarted            bool
	ttsUnavailable        bool
	phase3Entered         bool
}

// NewCascadeScheduler constructs a scheduler bound to session. The
// scheduler starts in PhaseListening; session has no active handle yet.
// A nil metrics falls back to DefaultMetrics.
func NewCascadeScheduler(session *Session, llm LLMDriver, tts TTSDriver, clock Clock, logger Logger, metrics *Metrics) *CascadeScheduler {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &CascadeScheduler{
		session:      session,
		llm:          llm,
		tts:          tts,
		clock:        clock,
		logger:       logger,
		metrics:      metricsOrDefault(metrics),
		playbackSink: func([]byte) error { return nil },
		phase:        PhaseListening,
	}
}

// SetPlaybackSink installs the function that receives decoded audio
// chunks during phase 3 playback.
func (cs *CascadeScheduler) SetPlaybackSink(sink func([]byte) error) {
	if sink != nil {
		cs.playbackSink = sink
	}
}

// Phase returns the scheduler's current PhaseState. Safe to call only
// from the session actor.
func (cs *CascadeScheduler) Phase() PhaseState { return cs.phase }

// isActive reports whether handle is still the one this scheduler is
// driving and has not been cancelled. Every asynchronous callback
// re-checks this before mutating shared state, so a result or timer
// fire for a superseded generation is silently dropped.
func (cs *CascadeScheduler) isActive(handle *GenerationHandle) bool {
	return cs.handle == handle && !handle.IsCancelled()
}

// OnTurnCommitted is the exported alias callers outside this package
// wire into Session.SetOnTurnCommitted. Session.commitLocked — the
// only caller, reached either directly from BeginTurn's exec or via
// the silence timer's submit — already runs on the actor, so this
// must call straight through rather than re-entering exec/submit.
func (cs *CascadeScheduler) OnTurnCommitted(turn Turn) {
	cs.onTurnCommitted(turn)
}

// onTurnCommitted begins Phase 1 for a freshly committed turn. It is
// invoked directly by Session.commitLocked, already on the actor.
func (cs *CascadeScheduler) onTurnCommitted(turn Turn) {
	if cs.handle != nil {
		// Reached when a final update commits a new turn while a
		// generation is still active: the Interruption Arbiter only acts
		// on volatile updates. The prior handle is cancelled and its
		// timers stopped to keep at most one handle; no driver Abort is
		// issued and no InterruptionOccurred is published here.
		cs.handle.Cancel()
		cs.stopTimers()
	}

	settings := cs.session.settingsSnapshotLocked()
	handle := NewGenerationHandle(turn.ID, settings, cs.clock.Now())
	if prev := cs.session.swapHandleLocked(handle); prev != nil {
		prev.Cancel()
	}

	cs.handle = handle
	cs.turn = turn
	cs.phase2DeadlineReached = false
	cs.phase3DeadlineReached = false
	cs.ttsStarted = false
	cs.ttsUnavailable = false
	cs.phase3Entered = false

	cs.setPhase(PhasePhase1Running, turn.ID)
	cs.session.publishLocked(OutboundEvent{
		Type:   EventUserTurnVisible,
		TurnID: turn.ID,
		Text:   turn.Text,
		TS:     turn.CommitTime,
	})

	elapsed := cs.clock.Now().Sub(turn.CommitTime)
	cs.armTimer(settings.phase1Deadline()-elapsed, func() { cs.onPhase1Deadline(handle) })
	cs.armTimer(settings.phase2Deadline()-elapsed, func() { cs.onPhase2Deadline(handle) })
	cs.armTimer(settings.phase3Deadline()-elapsed, func() { cs.onPhase3Deadline(handle) })
	cs.armTimer(settings.llmHardTimeout()-elapsed, func() { cs.onLLMHardTimeout(handle) })
}

// armTimer schedules f to run on the session actor after d (clamped to
// a minimum of zero so an elapsed deadline still fires promptly).
func (cs *CascadeScheduler) armTimer(d time.Duration, f func()) {
	if d < 0 {
		d = 0
	}
	cs.timers = append(cs.timers, cs.clock.AfterFunc(d, func() {
		cs.session.submit(f)
	}))
}

func (cs *CascadeScheduler) stopTimers() {
	for _, t := range cs.timers {
		t.Stop()
	}
	cs.timers = nil
}

func (cs *CascadeScheduler) setPhase(phase PhaseState, turnID uuid.UUID) {
	cs.phase = phase
	if !cs.turn.CommitTime.IsZero() && turnID == cs.turn.ID {
		elapsed := cs.clock.Now().Sub(cs.turn.CommitTime)
		recordPhaseLatency(context.Background(), cs.metrics, phase, float64(elapsed.Milliseconds()))
	}
	cs.session.publishLocked(OutboundEvent{
		Type:   EventPhaseChanged,
		TurnID: turnID,
		Phase:  phase,
	})
}

// onPhase1Deadline begins the LLM call.
func (cs *CascadeScheduler) onPhase1Deadline(handle *GenerationHandle) {
	if !cs.isActive(handle) {
		return
	}
	cs.setPhase(PhasePhase2Running, handle.TurnID)

	req := LLMRequest{
		TurnText:        cs.turn.Text,
		ConversationRef: cs.session.ID,
		Settings:        handle.Settings,
	}
	go func() {
		result, err := cs.llm.Generate(handle.Context(), req)
		cs.session.submit(func() { cs.onLLMResult(handle, result, err) })
	}()
}

func (cs *CascadeScheduler) onLLMResult(handle *GenerationHandle, result LLMResult, err error) {
	if !cs.isActive(handle) {
		return
	}
	if err != nil {
		cs.logger.Warn("llm generation failed", "session_id", cs.session.ID, "turn_id", handle.TurnID, "driver", cs.llm.Name(), "error", err)
		cs.failTurn(handle, classifyLLMError(err))
		return
	}

	if storeErr := handle.StoreLLMResult(result); storeErr != nil {
		return // cancelled between isActive check and store; nothing to do
	}

	if cs.phase2DeadlineReached && !cs.ttsStarted {
		cs.startTTS(handle, result.Text)
	}
	cs.maybeEnterPhase3(handle)
}

// onPhase2Deadline begins TTS preparation once the LLM result is ready,
// or defers it to onLLMResult via the phase2DeadlineReached flag if the
// LLM hasn't finished yet.
func (cs *CascadeScheduler) onPhase2Deadline(handle *GenerationHandle) {
	if !cs.isActive(handle) {
		return
	}
	cs.phase2DeadlineReached = true
	if result, ok := handle.LLMReady(); ok && !cs.ttsStarted {
		cs.startTTS(handle, result.Text)
	}
}

func (cs *CascadeScheduler) startTTS(handle *GenerationHandle, text string) {
	cs.ttsStarted = true
	settings := handle.Settings
	go func() {
		audioHandle, err := cs.tts.Prepare(handle.Context(), text, settings.VoiceID, settings.PlaybackRate)
		cs.session.submit(func() { cs.onTTSPrepared(handle, audioHandle, err) })
	}()
}

func (cs *CascadeScheduler) onTTSPrepared(handle *GenerationHandle, audioHandle any, err error) {
	if !cs.isActive(handle) {
		return
	}
	if err != nil {
		// A TTS failure downgrades the turn to text-only rather than failing it.
		cs.logger.Warn("tts preparation failed, downgrading to text-only", "session_id", cs.session.ID, "turn_id", handle.TurnID, "driver", cs.tts.Name(), "error", err)
		cs.ttsUnavailable = true
		recordTTSDowngrade(context.Background(), cs.metrics)
		_ = handle.StoreTTSResult(nil, true)
	} else if storeErr := handle.StoreTTSResult(audioHandle, true); storeErr != nil {
		return
	}
	cs.maybeEnterPhase3(handle)
}

// onPhase3Deadline marks the pacing deadline reached; entry into
// Phase3Playing still waits for both artifacts via maybeEnterPhase3.
func (cs *CascadeScheduler) onPhase3Deadline(handle *GenerationHandle) {
	if !cs.isActive(handle) {
		return
	}
	cs.phase3DeadlineReached = true
	cs.maybeEnterPhase3(handle)
}

// maybeEnterPhase3 publishes AssistantResponseVisible and begins
// playback the first moment both phase3_deadline has elapsed and both
// artifacts are ready.
func (cs *CascadeScheduler) maybeEnterPhase3(handle *GenerationHandle) {
	if !cs.isActive(handle) || cs.phase3Entered || !cs.phase3DeadlineReached {
		return
	}
	if !handle.Ready() {
		return
	}
	cs.phase3Entered = true

	result, _ := handle.LLMReady()
	cs.setPhase(PhasePhase3Playing, handle.TurnID)
	cs.session.publishLocked(OutboundEvent{
		Type:   EventAssistantResponseVisible,
		TurnID: handle.TurnID,
		Text:   result.Text,
		TS:     cs.clock.Now(),
	})

	if cs.ttsUnavailable {
		cs.finishHandle(handle)
		return
	}

	audioHandle := handle.Artifacts().TTSResult
	go func() {
		ctrl, err := cs.tts.Speak(handle.Context(), audioHandle, cs.playbackSink)
		cs.session.submit(func() { cs.onSpeakStarted(handle, ctrl, err) })
	}()
}

func (cs *CascadeScheduler) onSpeakStarted(handle *GenerationHandle, ctrl PlaybackControl, err error) {
	if !cs.isActive(handle) {
		if ctrl != nil {
			_ = ctrl.Stop()
		}
		return
	}
	if err != nil {
		cs.logger.Warn("playback failed to start", "session_id", cs.session.ID, "turn_id", handle.TurnID, "driver", cs.tts.Name(), "error", err)
		cs.session.publishLocked(OutboundEvent{
			Type:   EventAssistantErrorVisible,
			TurnID: handle.TurnID,
			Kind:   ErrKindPlaybackDeviceError,
			Detail: err.Error(),
		})
		cs.finishHandle(handle)
		return
	}

	_ = handle.StorePlaybackControl(ctrl)
	go func() {
		playbackErr := <-ctrl.Done()
		cs.session.submit(func() { cs.onPlaybackEnded(handle, playbackErr) })
	}()
}

func (cs *CascadeScheduler) onPlaybackEnded(handle *GenerationHandle, err error) {
	if cs.handle != handle {
		// Already superseded by interruption cleanup; nothing to do.
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		cs.logger.Warn("playback ended with error", "session_id", cs.session.ID, "turn_id", handle.TurnID, "error", err)
	}
	cs.finishHandle(handle)
}

// onLLMHardTimeout enforces the default 15s ceiling on LLM generation. A
// result that has already arrived makes the timeout moot.
func (cs *CascadeScheduler) onLLMHardTimeout(handle *GenerationHandle) {
	if !cs.isActive(handle) {
		return
	}
	if _, ok := handle.LLMReady(); ok {
		return
	}
	cs.failTurn(handle, ErrKindLLMTimeout)
}

// failTurn reports an LLM-stage error and returns the session to
// Listening without ever starting TTS or playback.
func (cs *CascadeScheduler) failTurn(handle *GenerationHandle, kind ErrorKind) {
	recordLLMError(context.Background(), cs.metrics, kind)
	cs.session.publishLocked(OutboundEvent{
		Type:   EventAssistantErrorVisible,
		TurnID: handle.TurnID,
		Kind:   kind,
	})
	if abortErr := cs.llm.Abort(); abortErr != nil {
		cs.logger.Warn("llm abort failed", "session_id", cs.session.ID, "driver", cs.llm.Name(), "error", abortErr)
	}
	handle.Cancel()
	cs.finishHandle(handle)
}

// finishHandle releases handle, stops its timers, and returns the
// scheduler to Listening.
func (cs *CascadeScheduler) finishHandle(handle *GenerationHandle) {
	cs.stopTimers()
	if cs.handle == handle {
		cs.handle = nil
	}
	cs.session.swapHandleLocked(nil)
	cs.setPhase(PhaseListening, handle.TurnID)
}

// abortActive is called by the Interruption Arbiter; it is the
// scheduler's half of the cancel protocol.
func (cs *CascadeScheduler) abortActive(reason string) *GenerationHandle {
	handle := cs.handle
	if handle == nil {
		return nil
	}
	cs.setPhase(PhaseCancelling, handle.TurnID)
	// Cancel clears the cached artifacts, so read the playback control first.
	ctrl := handle.Artifacts().PlaybackControl
	handle.Cancel()

	if err := cs.llm.Abort(); err != nil {
		cs.logger.Warn("llm abort failed during interruption", "session_id", cs.session.ID, "error", err)
	}
	if err := cs.tts.Abort(); err != nil {
		cs.logger.Warn("tts abort failed during interruption", "session_id", cs.session.ID, "error", err)
	}
	if ctrl != nil {
		if err := ctrl.Stop(); err != nil {
			cs.logger.Warn("playback stop failed during interruption", "session_id", cs.session.ID, "error", err)
		}
	}

	cs.stopTimers()
	cs.handle = nil
	cs.session.swapHandleLocked(nil)
	return handle
}

// resumeListening completes the Cancelling->Listening transition,
// invoked by the Interruption Arbiter once drivers have acknowledged or
// the grace period has elapsed.
func (cs *CascadeScheduler) resumeListening(turnID uuid.UUID) {
	cs.setPhase(PhaseListening, turnID)
}

func classifyLLMError(err error) ErrorKind {
	var invalid *InvalidSettingsError
	switch {
	case errors.As(err, &invalid):
		return ErrKindLLMInvalidSettings
	case errors.Is(err, ErrInvalidSettings):
		return ErrKindLLMInvalidSettings
	case errors.Is(err, ErrLLMTimeout):
		return ErrKindLLMTimeout
	default:
		return ErrKindLLMProviderError
	}
}

// InvalidSettingsError lets drivers report which setting was invalid
// without the scheduler needing to parse error strings.
type InvalidSettingsError struct {
	Field string
	Err   error
}

func (e *InvalidSettingsError) Error() string {
	return fmt.Sprintf("invalid setting %s: %v", e.Field, e.Err)
}

func (e *InvalidSettingsError) Unwrap() error { return e.Err }
