package turnpipe

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEventRouter_RouteInboundDropsStaleHandleID(t *testing.T) {
	rig := newTestRig()
	defer rig.session.Close()

	rig.router.RouteTranscription(TranscriptionUpdate{Seq: 1, Text: "hello there", IsFinal: true})
	rig.collectEvents(t, 200*time.Millisecond)

	current := rig.session.CurrentHandle()
	if current == nil {
		t.Fatal("expected an active handle after turn commit")
	}

	rig.router.RouteInbound(InboundEvent{
		Kind:      InboundLLMError,
		HandleID:  uuid.New(), // does not match current.ID
		ErrorKind: ErrKindLLMProviderError,
	})

	select {
	case e := <-rig.session.Events():
		t.Fatalf("expected the stale-handle event to be dropped, got %+v", e)
	case <-time.After(150 * time.Millisecond):
	}

	rig.router.RouteInbound(InboundEvent{
		Kind:      InboundLLMError,
		HandleID:  current.ID,
		ErrorKind: ErrKindLLMProviderError,
	})

	select {
	case e := <-rig.session.Events():
		if e.Type != EventAssistantErrorVisible || e.Kind != ErrKindLLMProviderError {
			t.Fatalf("expected AssistantErrorVisible(llm_provider_error), got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the current-handle event to route through")
	}
}

func TestEventRouter_SettingsChangedRoutesThroughWithoutHandleCheck(t *testing.T) {
	rig := newTestRig()
	defer rig.session.Close()

	updated := DefaultSettings()
	updated.VoiceID = "voice-xyz"
	rig.router.RouteInbound(InboundEvent{Kind: InboundSettingsChanged, Settings: updated})

	if got := rig.session.SettingsSnapshot(); got.VoiceID != "voice-xyz" {
		t.Fatalf("expected settings update to apply, got %+v", got)
	}
}
