package turnpipe

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestSession(clock Clock, onCommit func(Turn)) *Session {
	return NewSession(uuid.New(), DefaultSettings(), clock, nil, nil, nil, onCommit)
}

func TestSession_BeginTurnReturnsVolatileDecisionImmediately(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(clock, nil)
	defer s.Close()

	decision := s.BeginTurn(TranscriptionUpdate{Seq: 1, Text: "hi", IsFinal: false})
	if decision.Kind != DecisionVolatileText || decision.Text != "hi" {
		t.Fatalf("expected VolatileText(%q), got %+v", "hi", decision)
	}
}

func TestSession_FinalUpdateTriggersOnTurnCommitted(t *testing.T) {
	clock := newFakeClock()
	committed := make(chan Turn, 1)
	s := newTestSession(clock, func(turn Turn) { committed <- turn })
	defer s.Close()

	decision := s.BeginTurn(TranscriptionUpdate{Seq: 1, Text: "hello there", IsFinal: true})
	if decision.Kind != DecisionTurnCommitted || decision.Text != "hello there" {
		t.Fatalf("expected TurnCommitted(%q), got %+v", "hello there", decision)
	}

	select {
	case turn := <-committed:
		if turn.Text != "hello there" {
			t.Fatalf("expected committed turn text %q, got %q", "hello there", turn.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("onTurnCommitted was not invoked")
	}
}

func TestSession_SilenceCommitTriggersOnTurnCommittedAsynchronously(t *testing.T) {
	clock := newFakeClock()
	committed := make(chan Turn, 1)
	s := newTestSession(clock, func(turn Turn) { committed <- turn })
	defer s.Close()

	s.BeginTurn(TranscriptionUpdate{Seq: 1, Text: "quiet now", IsFinal: false})
	clock.Advance(600 * time.Millisecond) // past the 500ms default silence_timeout

	select {
	case turn := <-committed:
		if turn.Text != "quiet now" {
			t.Fatalf("expected committed turn text %q, got %q", "quiet now", turn.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("silence-triggered commit did not fire onTurnCommitted")
	}
}

func TestSession_SwapHandleReturnsPrevious(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(clock, nil)
	defer s.Close()

	if got := s.CurrentHandle(); got != nil {
		t.Fatalf("expected no active handle initially, got %v", got)
	}

	h1 := NewGenerationHandle(uuid.New(), DefaultSettings(), clock.Now())
	prev := s.SwapHandle(h1)
	if prev != nil {
		t.Fatalf("expected nil previous handle, got %v", prev)
	}
	if s.CurrentHandle() != h1 {
		t.Fatal("expected current handle to be h1")
	}

	h2 := NewGenerationHandle(uuid.New(), DefaultSettings(), clock.Now())
	prev = s.SwapHandle(h2)
	if prev != h1 {
		t.Fatal("expected swap to return h1 as the previous handle")
	}
	if s.CurrentHandle() != h2 {
		t.Fatal("expected current handle to be h2")
	}
}

func TestSession_PublishAssignsMonotonicSequence(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(clock, nil)
	defer s.Close()

	seq1 := s.Publish(OutboundEvent{Type: EventVolatileText, Text: "a"})
	seq2 := s.Publish(OutboundEvent{Type: EventVolatileText, Text: "b"})
	if seq2 != seq1+1 {
		t.Fatalf("expected monotonically increasing sequence, got %d then %d", seq1, seq2)
	}

	first := <-s.Events()
	second := <-s.Events()
	if first.Text != "a" || second.Text != "b" {
		t.Fatalf("expected events in publish order, got %q then %q", first.Text, second.Text)
	}
}

func TestSession_PublishDropsOldestWhenTimelineFull(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(clock, nil)
	defer s.Close()

	for i := 0; i < sessionEventBufferSize+5; i++ {
		s.Publish(OutboundEvent{Type: EventVolatileText, Text: "x"})
	}

	first := <-s.Events()
	if first.Seq <= 5 {
		t.Fatalf("expected the oldest events to have been dropped, got first seq %d", first.Seq)
	}
}

func TestSession_UpdateSettingsDoesNotAffectExistingSnapshot(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(clock, nil)
	defer s.Close()

	snap := s.SettingsSnapshot()
	handle := NewGenerationHandle(uuid.New(), snap, clock.Now())

	updated := DefaultSettings()
	updated.ModelID = "new-model"
	s.UpdateSettings(updated)

	if handle.Settings.ModelID == "new-model" {
		t.Fatal("expected in-flight handle's settings snapshot to be unaffected by UpdateSettings")
	}
	if got := s.SettingsSnapshot(); got.ModelID != "new-model" {
		t.Fatalf("expected future snapshot to reflect update, got %q", got.ModelID)
	}
}
