package turnpipe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockLLMDriver returns a fixed result (or error), recording each
// request and whether Abort was called.
type mockLLMDriver struct {
	result    LLMResult
	err       error
	aborted   chan struct{}
	generated chan LLMRequest
}

func newMockLLMDriver() *mockLLMDriver {
	return &mockLLMDriver{aborted: make(chan struct{}, 1), generated: make(chan LLMRequest, 8)}
}

func (m *mockLLMDriver) Generate(ctx context.Context, req LLMRequest) (LLMResult, error) {
	m.generated <- req
	if m.err != nil {
		return LLMResult{}, m.err
	}
	return m.result, nil
}

func (m *mockLLMDriver) Abort() error {
	select {
	case m.aborted <- struct{}{}:
	default:
	}
	return nil
}

func (m *mockLLMDriver) Name() string { return "mock-llm" }

// mockPlaybackControl is a trivially stoppable PlaybackControl whose
// completion is driven entirely by the test.
type mockPlaybackControl struct {
	done    chan error
	stopped chan struct{}
}

func newMockPlaybackControl() *mockPlaybackControl {
	return &mockPlaybackControl{done: make(chan error, 1), stopped: make(chan struct{}, 1)}
}

func (c *mockPlaybackControl) Stop() error {
	select {
	case c.stopped <- struct{}{}:
	default:
	}
	select {
	case c.done <- context.Canceled:
	default:
	}
	return nil
}

func (c *mockPlaybackControl) Done() <-chan error { return c.done }

type mockTTSDriver struct {
	prepareErr error
	speakErr   error
	aborted    chan struct{}
	controls   chan *mockPlaybackControl
	autoFinish bool
}

func newMockTTSDriver() *mockTTSDriver {
	return &mockTTSDriver{aborted: make(chan struct{}, 1), controls: make(chan *mockPlaybackControl, 8), autoFinish: true}
}

func (m *mockTTSDriver) Prepare(ctx context.Context, text, voiceID string, rate float64) (any, error) {
	if m.prepareErr != nil {
		return nil, m.prepareErr
	}
	return "audio:" + text, nil
}

func (m *mockTTSDriver) Speak(ctx context.Context, audioHandle any, onChunk func([]byte) error) (PlaybackControl, error) {
	if m.speakErr != nil {
		return nil, m.speakErr
	}
	ctrl := newMockPlaybackControl()
	m.controls <- ctrl
	if m.autoFinish {
		go func() { ctrl.done <- nil }()
	}
	return ctrl, nil
}

func (m *mockTTSDriver) Abort() error {
	select {
	case m.aborted <- struct{}{}:
	default:
	}
	return nil
}

func (m *mockTTSDriver) Name() string { return "mock-tts" }

type testRig struct {
	clock     *fakeClock
	session   *Session
	scheduler *CascadeScheduler
	arbiter   *InterruptionArbiter
	router    *EventRouter
	llm       *mockLLMDriver
	tts       *mockTTSDriver
}

func newTestRig() *testRig {
	clock := newFakeClock()
	llm := newMockLLMDriver()
	llm.result = LLMResult{Text: "hi"}
	tts := newMockTTSDriver()

	session := NewSession(uuid.New(), DefaultSettings(), clock, nil, nil, nil, nil)
	scheduler := NewCascadeScheduler(session, llm, tts, clock, nil, nil)
	session.SetOnTurnCommitted(scheduler.onTurnCommitted)
	arbiter := NewInterruptionArbiter(session, scheduler)
	router := NewEventRouter(session, arbiter, nil)

	return &testRig{clock: clock, session: session, scheduler: scheduler, arbiter: arbiter, router: router, llm: llm, tts: tts}
}

// collectEvents drains the session's outbound timeline until no event
// arrives for quiet, returning everything collected. Used instead of
// asserting exact counts/order, since PhaseChanged diagnostics are
// interleaved with the events a test actually cares about.
func (r *testRig) collectEvents(t *testing.T, quiet time.Duration) []OutboundEvent {
	t.Helper()
	var events []OutboundEvent
	for {
		select {
		case e := <-r.session.Events():
			events = append(events, e)
		case <-time.After(quiet):
			return events
		}
	}
}

func hasEvent(events []OutboundEvent, typ OutboundEventType) (OutboundEvent, bool) {
	for _, e := range events {
		if e.Type == typ {
			return e, true
		}
	}
	return OutboundEvent{}, false
}

func waitForPhase(t *testing.T, rig *testRig, want PhaseState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var got PhaseState
		rig.session.exec(func() { got = rig.scheduler.Phase() })
		if got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for phase %v", want)
}

// A clean turn runs phase1->phase2->phase3 and back to Listening.
func TestCascadeScheduler_CleanTurn(t *testing.T) {
	rig := newTestRig()
	defer rig.session.Close()

	rig.router.RouteTranscription(TranscriptionUpdate{Seq: 1, Text: "hello there", IsFinal: true})

	committed := rig.collectEvents(t, 200*time.Millisecond)
	userTurn, ok := hasEvent(committed, EventUserTurnVisible)
	if !ok || userTurn.Text != "hello there" {
		t.Fatalf("expected UserTurnVisible(%q) among %+v", "hello there", committed)
	}

	rig.clock.Advance(500 * time.Millisecond) // phase1 deadline: LLM invoked
	select {
	case <-rig.llm.generated:
	case <-time.After(time.Second):
		t.Fatal("expected llm.Generate to be called at phase1 deadline")
	}

	rig.clock.Advance(1000 * time.Millisecond) // phase2 deadline (1500ms)
	rig.clock.Advance(500 * time.Millisecond)  // phase3 deadline (2000ms)

	events := rig.collectEvents(t, 300*time.Millisecond)
	resp, ok := hasEvent(events, EventAssistantResponseVisible)
	if !ok || resp.Text != "hi" {
		t.Fatalf("expected AssistantResponseVisible(%q) among %+v", "hi", events)
	}

	waitForPhase(t, rig, PhaseListening)
}

// Scenario F: an LLM provider error downgrades to AssistantErrorVisible
// and returns to Listening without TTS or playback.
func TestCascadeScheduler_LLMProviderError(t *testing.T) {
	rig := newTestRig()
	defer rig.session.Close()
	rig.llm.err = errors.New("boom")

	rig.router.RouteTranscription(TranscriptionUpdate{Seq: 1, Text: "hello there", IsFinal: true})
	rig.collectEvents(t, 200*time.Millisecond)

	rig.clock.Advance(500 * time.Millisecond) // phase1 deadline
	<-rig.llm.generated

	events := rig.collectEvents(t, 300*time.Millisecond)
	errEvent, ok := hasEvent(events, EventAssistantErrorVisible)
	if !ok || errEvent.Kind != ErrKindLLMProviderError {
		t.Fatalf("expected AssistantErrorVisible(llm_provider_error) among %+v", events)
	}
	if _, gotResponse := hasEvent(events, EventAssistantResponseVisible); gotResponse {
		t.Fatalf("did not expect AssistantResponseVisible after an LLM error, got %+v", events)
	}

	waitForPhase(t, rig, PhaseListening)
}

// Scenario D/E: interruption during playback cancels the handle, and a
// late LLM result for the cancelled turn never reaches the timeline.
func TestInterruptionArbiter_InterruptDuringPlaybackDropsLateResult(t *testing.T) {
	rig := newTestRig()
	defer rig.session.Close()
	rig.tts.autoFinish = false // keep "playback" running until we interrupt it

	rig.router.RouteTranscription(TranscriptionUpdate{Seq: 1, Text: "hello there", IsFinal: true})
	rig.collectEvents(t, 200*time.Millisecond)

	rig.clock.Advance(500 * time.Millisecond)
	<-rig.llm.generated
	rig.clock.Advance(1000 * time.Millisecond) // phase2 deadline
	rig.clock.Advance(500 * time.Millisecond)  // phase3 deadline

	var ctrl *mockPlaybackControl
	select {
	case ctrl = <-rig.tts.controls:
	case <-time.After(time.Second):
		t.Fatal("expected playback to have started")
	}
	rig.collectEvents(t, 200*time.Millisecond) // drain PhaseChanged/AssistantResponseVisible

	decision := rig.router.RouteTranscription(TranscriptionUpdate{Seq: 2, Text: "wait", IsFinal: false})
	if decision.Kind != DecisionInterrupt {
		t.Fatalf("expected DecisionInterrupt, got %+v", decision)
	}

	select {
	case <-ctrl.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected playback Stop() to have been called")
	}

	events := rig.collectEvents(t, 300*time.Millisecond)
	if _, ok := hasEvent(events, EventInterruptionOccurred); !ok {
		t.Fatalf("expected InterruptionOccurred among %+v", events)
	}

	waitForPhase(t, rig, PhaseListening)

	// A late LLM result for the now-cancelled handle must be dropped:
	// the scheduler only acts on results whose handle is still current.
	stale := &GenerationHandle{}
	rig.session.submit(func() {
		rig.scheduler.onLLMResult(stale, LLMResult{Text: "too late"}, nil)
	})

	select {
	case e := <-rig.session.Events():
		t.Fatalf("expected no further events for the cancelled turn, got %+v", e)
	case <-time.After(150 * time.Millisecond):
	}
}
