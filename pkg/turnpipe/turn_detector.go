package turnpipe

import (
	"sync"
	"sync/atomic"
)

// TurnDetector converts a stream of TranscriptionUpdates into
// TurnDecisions using an adaptive silence timer.
//
// Process returns synchronously for every update a caller feeds it
// directly (volatile growth, duplicate suppression, final commit). The
// one outcome no caller is waiting for — a commit triggered by silence
// alone, with no further update ever arriving — is delivered through
// onSilenceCommitted instead, invoked from whatever goroutine the
// Clock's timer callback runs on.
//
// TurnDetector never errors. Updates with an out-of-order sequence
// number are dropped and counted; empty volatiles and final updates
// with empty text are ignored without being counted.
type TurnDetector struct {
	settings Settings
	clock    Clock

	onSilenceCommitted func(text string)
	onDropped          func()

	mu            sync.Mutex
	currentText   string
	watermarkText string
	timer         Timer
	lastSeq       uint64
	haveSeq       bool

	droppedUpdates uint64
}

// NewTurnDetector constructs a detector. onSilenceCommitted is invoked
// when the silence timer itself fires a commit, from whichever
// goroutine the Clock schedules callbacks on; it must not block and
// should hand off to a serialized owner rather than mutate
// shared state directly.
func NewTurnDetector(settings Settings, clock Clock, onSilenceCommitted func(text string)) *TurnDetector {
	if clock == nil {
		clock = SystemClock
	}
	return &TurnDetector{
		settings:           settings,
		clock:              clock,
		onSilenceCommitted: onSilenceCommitted,
	}
}

// UpdateSettings swaps the silence_timeout/text_growth_threshold/etc.
// used for future decisions. A timer already in flight keeps running
// against the deadline it was armed with; only the next reset picks up
// the new silence_timeout.
func (d *TurnDetector) UpdateSettings(settings Settings) {
	d.mu.Lock()
	d.settings = settings
	d.mu.Unlock()
}

// SetDroppedHook installs a callback invoked once per dropped update, in
// addition to the internal counter. Used to feed an OTel counter.
func (d *TurnDetector) SetDroppedHook(hook func()) {
	d.mu.Lock()
	d.onDropped = hook
	d.mu.Unlock()
}

// DroppedUpdates returns the number of out-of-order updates dropped so far.
func (d *TurnDetector) DroppedUpdates() uint64 {
	return atomic.LoadUint64(&d.droppedUpdates)
}

// Process feeds one update through the detector
// and returns the decision the caller should act on immediately.
func (d *TurnDetector) Process(u TranscriptionUpdate) TurnDecision {
	d.mu.Lock()

	if d.haveSeq && u.Seq <= d.lastSeq {
		d.drop()
		d.mu.Unlock()
		return TurnDecision{Kind: DecisionKeepListening}
	}
	d.lastSeq = u.Seq
	d.haveSeq = true

	if u.IsFinal {
		if u.Text == "" {
			// Edge case: a final update with empty text is ignored.
			d.mu.Unlock()
			return TurnDecision{Kind: DecisionKeepListening}
		}
		d.currentText = u.Text
		text := d.finishUtteranceLocked()
		d.mu.Unlock()
		return TurnDecision{Kind: DecisionTurnCommitted, Text: text}
	}

	// Volatile update.
	if u.Text == "" {
		// Edge case: an empty volatile update is ignored.
		d.mu.Unlock()
		return TurnDecision{Kind: DecisionKeepListening}
	}
	if u.Text == d.currentText {
		// Edge case: a volatile update identical to current_text is a no-op.
		d.mu.Unlock()
		return TurnDecision{Kind: DecisionKeepListening}
	}

	d.currentText = u.Text
	growth := len(d.currentText) - len(d.watermarkText)
	shouldReset := d.timer == nil || growth > int(d.settings.TextGrowthThreshold)
	if !d.settings.IgnoreVolatileAfterSilence {
		// Laxer mode: every volatile update resets the timer, not just
		// growth events.
		shouldReset = true
	}
	if shouldReset {
		d.resetTimerLocked()
		d.watermarkText = d.currentText
	}

	text := d.currentText
	d.mu.Unlock()
	return TurnDecision{Kind: DecisionVolatileText, Text: text}
}

// Reset clears internal state so the next update begins a fresh
// tracking window. Used by the Interruption Arbiter on cancellation.
func (d *TurnDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.currentText = ""
	d.watermarkText = ""
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *TurnDetector) drop() {
	atomic.AddUint64(&d.droppedUpdates, 1)
	if d.onDropped != nil {
		d.onDropped()
	}
}

func (d *TurnDetector) resetTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.settings.silenceTimeout(), d.onSilenceTimeout)
}

// onSilenceTimeout fires on the clock's goroutine when no growth has
// reset the timer within silence_timeout. Unlike Process, nobody is
// waiting on a return value, so the outcome is delivered via callback.
func (d *TurnDetector) onSilenceTimeout() {
	d.mu.Lock()
	pending := d.currentText
	if uint32(len(pending)) < d.settings.MinTurnChars {
		d.mu.Unlock()
		return
	}
	text := d.finishUtteranceLocked()
	d.mu.Unlock()

	if d.onSilenceCommitted != nil {
		d.onSilenceCommitted(text)
	}
}

// finishUtteranceLocked must be called with d.mu held. It captures the
// current text, clears watermark/timer state so the next update begins
// a fresh tracking window, and returns the committed text.
func (d *TurnDetector) finishUtteranceLocked() string {
	text := d.currentText
	d.currentText = ""
	d.watermarkText = ""
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return text
}
