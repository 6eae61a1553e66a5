package turnpipe

import (
	"sync"
	"testing"
	"time"
)

// fakeTimer/fakeClock give tests deterministic control over the silence
// timer without sleeping on the wall clock.
type fakeTimer struct {
	clock   *fakeClock
	fireAt  time.Time
	f       func()
	fired   bool
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasLive := !t.fired && !t.stopped
	t.fired = false
	t.stopped = false
	t.fireAt = t.clock.now.Add(d)
	return wasLive
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	t := &fakeTimer{clock: c, fireAt: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return t
}

// Advance moves virtual time forward by d, firing (synchronously, in
// schedule order) any timer whose deadline falls within the new window.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.fireAt.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

func newTestDetector(clock Clock) (*TurnDetector, *[]string) {
	var silenceCommits []string
	d := NewTurnDetector(DefaultSettings(), clock, func(text string) {
		silenceCommits = append(silenceCommits, text)
	})
	return d, &silenceCommits
}

// Scenario A: a final update commits immediately, even though the
// silence timer it would otherwise have waited for has not fired yet.
func TestTurnDetector_FinalUpdateCommitsImmediately(t *testing.T) {
	clock := newFakeClock()
	d, silenceCommits := newTestDetector(clock)

	d.Process(TranscriptionUpdate{Seq: 1, Text: "", IsFinal: false})
	clock.Advance(120 * time.Millisecond)
	d.Process(TranscriptionUpdate{Seq: 2, Text: "hello", IsFinal: false})
	clock.Advance(260 * time.Millisecond) // now at 380ms
	d.Process(TranscriptionUpdate{Seq: 3, Text: "hello there", IsFinal: false})
	clock.Advance(270 * time.Millisecond) // now at 650ms, before the 880ms timer

	decision := d.Process(TranscriptionUpdate{Seq: 4, Text: "hello there", IsFinal: true})

	if decision.Kind != DecisionTurnCommitted || decision.Text != "hello there" {
		t.Fatalf("expected immediate TurnCommitted(%q), got %+v", "hello there", decision)
	}
	if len(*silenceCommits) != 0 {
		t.Fatalf("expected no silence-triggered commit, got %v", *silenceCommits)
	}
}

// Scenario B: growth past the threshold keeps re-arming the silence
// timer; the turn commits silence_timeout after the last growth event.
func TestTurnDetector_GrowthResetsTimer(t *testing.T) {
	clock := newFakeClock()
	d, silenceCommits := newTestDetector(clock)

	d.Process(TranscriptionUpdate{Seq: 1, Text: "tell me", IsFinal: false})
	clock.Advance(200 * time.Millisecond)
	d.Process(TranscriptionUpdate{Seq: 2, Text: "tell me a joke", IsFinal: false})

	// Timer was last armed at t=200ms for 500ms => fires at t=700ms.
	clock.Advance(490 * time.Millisecond) // t=690ms, not yet
	if len(*silenceCommits) != 0 {
		t.Fatalf("expected no commit yet, got %v", *silenceCommits)
	}
	clock.Advance(20 * time.Millisecond) // t=710ms
	if len(*silenceCommits) != 1 || (*silenceCommits)[0] != "tell me a joke" {
		t.Fatalf("expected commit of %q at 700ms, got %v", "tell me a joke", *silenceCommits)
	}
}

// Scenario C: growth below the threshold updates current_text but does
// not re-arm the timer, so the turn commits at the original deadline
// with whatever text was last observed.
func TestTurnDetector_SmallGrowthDoesNotResetTimer(t *testing.T) {
	clock := newFakeClock()
	d, silenceCommits := newTestDetector(clock)

	d.Process(TranscriptionUpdate{Seq: 1, Text: "tell me", IsFinal: false})
	clock.Advance(200 * time.Millisecond)
	d.Process(TranscriptionUpdate{Seq: 2, Text: "tell me a joke", IsFinal: false})
	// Timer armed to fire at t=700ms.

	clock.Advance(400 * time.Millisecond) // t=600ms
	// "tell me a jokes" grows by 1 char, below the threshold of 2: no re-arm.
	decision := d.Process(TranscriptionUpdate{Seq: 3, Text: "tell me a jokes", IsFinal: false})
	if decision.Kind != DecisionVolatileText {
		t.Fatalf("expected VolatileText decision, got %+v", decision)
	}

	clock.Advance(100 * time.Millisecond) // t=700ms: original deadline fires
	if len(*silenceCommits) != 1 || (*silenceCommits)[0] != "tell me a jokes" {
		t.Fatalf("expected commit of %q at the original 700ms deadline, got %v", "tell me a jokes", *silenceCommits)
	}
}

func TestTurnDetector_EmptyVolatileIgnored(t *testing.T) {
	clock := newFakeClock()
	d, silenceCommits := newTestDetector(clock)

	decision := d.Process(TranscriptionUpdate{Seq: 1, Text: "", IsFinal: false})
	if decision.Kind != DecisionKeepListening {
		t.Fatalf("expected empty volatile to be ignored, got %+v", decision)
	}

	clock.Advance(time.Second)
	if len(*silenceCommits) != 0 {
		t.Fatalf("expected no commit from an ignored empty volatile, got %v", *silenceCommits)
	}
}

func TestTurnDetector_EmptyFinalIgnored(t *testing.T) {
	clock := newFakeClock()
	d, _ := newTestDetector(clock)

	d.Process(TranscriptionUpdate{Seq: 1, Text: "hello", IsFinal: false})
	decision := d.Process(TranscriptionUpdate{Seq: 2, Text: "", IsFinal: true})

	if decision.Kind != DecisionKeepListening {
		t.Fatalf("expected empty final update to be ignored, got %+v", decision)
	}
}

func TestTurnDetector_DuplicateVolatileIsNoOp(t *testing.T) {
	clock := newFakeClock()
	d, _ := newTestDetector(clock)

	first := d.Process(TranscriptionUpdate{Seq: 1, Text: "hello", IsFinal: false})
	second := d.Process(TranscriptionUpdate{Seq: 2, Text: "hello", IsFinal: false})

	if first.Kind != DecisionVolatileText {
		t.Fatalf("expected first update to publish volatile text, got %+v", first)
	}
	if second.Kind != DecisionKeepListening {
		t.Fatalf("expected duplicate volatile text to be a no-op, got %+v", second)
	}
}

func TestTurnDetector_OutOfOrderSequenceDropped(t *testing.T) {
	clock := newFakeClock()
	d, _ := newTestDetector(clock)

	d.Process(TranscriptionUpdate{Seq: 5, Text: "hello", IsFinal: false})
	decision := d.Process(TranscriptionUpdate{Seq: 3, Text: "stale", IsFinal: false})

	if decision.Kind != DecisionKeepListening {
		t.Fatalf("expected out-of-order update to be dropped, got %+v", decision)
	}
	if got := d.DroppedUpdates(); got != 1 {
		t.Fatalf("expected 1 dropped update, got %d", got)
	}
}

func TestTurnDetector_ResetBeginsFreshWindow(t *testing.T) {
	clock := newFakeClock()
	d, silenceCommits := newTestDetector(clock)

	d.Process(TranscriptionUpdate{Seq: 1, Text: "hello", IsFinal: false})
	d.Reset()
	clock.Advance(time.Second)

	if len(*silenceCommits) != 0 {
		t.Fatalf("expected Reset to cancel the pending timer, got commits %v", *silenceCommits)
	}

	decision := d.Process(TranscriptionUpdate{Seq: 2, Text: "new", IsFinal: true})
	if decision.Kind != DecisionTurnCommitted || decision.Text != "new" {
		t.Fatalf("expected fresh window to commit %q, got %+v", "new", decision)
	}
}
