package turnpipe

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
)

// CachedArtifacts holds the two optional slots attached to a generation
// handle. They are readable only while the owning handle is
// non-cancelled; Cancel clears both and makes them unreadable.
type CachedArtifacts struct {
	LLMResult       *LLMResult
	TTSResult       any // opaque audio handle, or nil for synchronous TTS
	TTSReady        bool
	PlaybackControl PlaybackControl
}

// GenerationHandle represents a single in-flight LLM+TTS effort. It is
// created when the Cascade Scheduler begins Phase 1 and destroyed once
// all downstream work has observed cancellation or completion.
//
// The cancellation flag is monotonic: false -> true, never back.
type GenerationHandle struct {
	ID        uuid.UUID
	TurnID    uuid.UUID
	CreatedAt time.Time
	Settings  Settings // deep-copied snapshot, taken at Phase1 entry

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	artifacts CachedArtifacts
}

// Context returns the cancellation context bound to this handle. Driver
// calls issued on its behalf should use this ctx; it is cancelled
// exactly once, by Cancel.
func (h *GenerationHandle) Context() context.Context {
	return h.ctx
}

// NewGenerationHandle snapshots settings via a deep copy so later
// mutation of the caller's Settings value can never leak into an
// in-flight generation.
func NewGenerationHandle(turnID uuid.UUID, settings Settings, now time.Time) *GenerationHandle {
	var snapshot Settings
	if err := copier.Copy(&snapshot, &settings); err != nil {
		// Settings is a flat value type; Copy only fails on structural
		// mismatches that can't occur here. Fall back to a plain assignment
		// rather than losing the snapshot.
		snapshot = settings
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GenerationHandle{
		ID:        uuid.New(),
		TurnID:    turnID,
		CreatedAt: now,
		Settings:  snapshot,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Cancel is idempotent; only the first call has any effect.
func (h *GenerationHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return
	}
	h.cancelled = true
	h.artifacts = CachedArtifacts{}
	h.cancel()
}

// IsCancelled is a cheap read.
func (h *GenerationHandle) IsCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// StoreLLMResult writes the LLM artifact slot. Fails if the handle is
// already cancelled.
func (h *GenerationHandle) StoreLLMResult(result LLMResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return ErrHandleCancelled
	}
	r := result
	h.artifacts.LLMResult = &r
	return nil
}

// StoreTTSResult writes the TTS artifact slot. A nil audioHandle with
// ready=true records a driver that speaks synchronously and never
// returns a separate prepared handle.
func (h *GenerationHandle) StoreTTSResult(audioHandle any, ready bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return ErrHandleCancelled
	}
	h.artifacts.TTSResult = audioHandle
	h.artifacts.TTSReady = ready
	return nil
}

// StorePlaybackControl records the handle used to stop in-flight
// playback.
func (h *GenerationHandle) StorePlaybackControl(ctrl PlaybackControl) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return ErrHandleCancelled
	}
	h.artifacts.PlaybackControl = ctrl
	return nil
}

// Artifacts returns a copy of the cached artifacts. The returned value
// is meaningless once IsCancelled is true and callers MUST check that
// first; readers race cancellation intentionally (the scheduler always
// re-checks IsCancelled immediately before publishing).
func (h *GenerationHandle) Artifacts() CachedArtifacts {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.artifacts
}

// LLMReady reports whether the LLM artifact has been stored and the
// handle is still live.
func (h *GenerationHandle) LLMReady() (LLMResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled || h.artifacts.LLMResult == nil {
		return LLMResult{}, false
	}
	return *h.artifacts.LLMResult, true
}

// Ready reports whether both the LLM and TTS artifacts are available
// and the handle has not been cancelled.
func (h *GenerationHandle) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return false
	}
	return h.artifacts.LLMResult != nil && h.artifacts.TTSReady
}
