package turnpipe

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestGenerationHandle_CancelIsIdempotent(t *testing.T) {
	h := NewGenerationHandle(uuid.New(), DefaultSettings(), time.Now())

	h.Cancel()
	if !h.IsCancelled() {
		t.Fatal("expected handle to be cancelled after first Cancel()")
	}

	// Second call must be a no-op, not a panic or state change.
	h.Cancel()
	if !h.IsCancelled() {
		t.Fatal("expected handle to remain cancelled")
	}
}

func TestGenerationHandle_StoreFailsAfterCancel(t *testing.T) {
	h := NewGenerationHandle(uuid.New(), DefaultSettings(), time.Now())
	h.Cancel()

	if err := h.StoreLLMResult(LLMResult{Text: "hi"}); err != ErrHandleCancelled {
		t.Fatalf("expected ErrHandleCancelled, got %v", err)
	}
	if err := h.StoreTTSResult([]byte("audio"), true); err != ErrHandleCancelled {
		t.Fatalf("expected ErrHandleCancelled, got %v", err)
	}
}

func TestGenerationHandle_CancelClearsArtifacts(t *testing.T) {
	h := NewGenerationHandle(uuid.New(), DefaultSettings(), time.Now())
	if err := h.StoreLLMResult(LLMResult{Text: "hi"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h.Cancel()

	artifacts := h.Artifacts()
	if artifacts.LLMResult != nil {
		t.Fatal("expected cached artifacts to be released on cancel")
	}
}

func TestGenerationHandle_ReadyRequiresBothArtifacts(t *testing.T) {
	h := NewGenerationHandle(uuid.New(), DefaultSettings(), time.Now())
	if h.Ready() {
		t.Fatal("expected not ready before any artifact is stored")
	}

	if err := h.StoreLLMResult(LLMResult{Text: "hi"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Ready() {
		t.Fatal("expected not ready with only LLM artifact stored")
	}

	if err := h.StoreTTSResult(nil, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !h.Ready() {
		t.Fatal("expected ready once both artifacts are stored")
	}
}

func TestGenerationHandle_SettingsSnapshotIsIndependent(t *testing.T) {
	settings := DefaultSettings()
	settings.ModelID = "model-a"

	h := NewGenerationHandle(uuid.New(), settings, time.Now())

	settings.ModelID = "model-b"
	if h.Settings.ModelID != "model-a" {
		t.Fatalf("expected handle snapshot to be unaffected by later mutation, got %q", h.Settings.ModelID)
	}
}
