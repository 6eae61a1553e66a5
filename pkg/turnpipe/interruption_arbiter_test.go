package turnpipe

import (
	"testing"
	"time"
)

func TestInterruptionArbiter_NoInterruptWhileListening(t *testing.T) {
	rig := newTestRig()
	defer rig.session.Close()

	decision := rig.router.RouteTranscription(TranscriptionUpdate{Seq: 1, Text: "hi", IsFinal: false})
	if decision.Kind != DecisionVolatileText {
		t.Fatalf("expected VolatileText while Listening, got %+v", decision)
	}
}

func TestInterruptionArbiter_RespectsMinInterruptChars(t *testing.T) {
	rig := newTestRig()
	defer rig.session.Close()

	settings := DefaultSettings()
	settings.MinInterruptChars = 3
	rig.session.UpdateSettings(settings)

	rig.router.RouteTranscription(TranscriptionUpdate{Seq: 1, Text: "hello there", IsFinal: true})
	rig.collectEvents(t, 200*time.Millisecond)

	// A single character is below MinInterruptChars: must not interrupt
	// the in-flight generation.
	decision := rig.router.RouteTranscription(TranscriptionUpdate{Seq: 2, Text: "h", IsFinal: false})
	if decision.Kind == DecisionInterrupt {
		t.Fatalf("expected a sub-threshold update not to interrupt, got %+v", decision)
	}

	if got := rig.session.CurrentHandle(); got == nil {
		t.Fatal("expected the generation handle to survive a sub-threshold update")
	}
}
