package tts

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/voxloop/turnpipe/pkg/turnpipe"
)

// LokutorTTS drives the Lokutor streaming synthesis websocket. It
// renders synchronously at speak time, so Prepare is a no-op: there is
// no separate "prepared audio handle" to cache ahead of phase 3.
type LokutorTTS struct {
	apiKey string
	host   string

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

func NewLokutorTTS(apiKey string) *LokutorTTS {
	return &LokutorTTS{
		apiKey: apiKey,
		host:   "api.lokutor.com",
	}
}

func (t *LokutorTTS) getConn(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return t.conn, nil
	}

	u := url.URL{Scheme: "wss", Host: t.host, Path: "/ws", RawQuery: "api_key=" + t.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lokutor: %w", err)
	}

	t.conn = conn
	return conn, nil
}

// Prepare does no network work: Lokutor renders inline at Speak time.
// It returns text itself as the opaque audio handle so Speak has
// something to synthesize from.
func (t *LokutorTTS) Prepare(ctx context.Context, text, voiceID string, rate float64) (any, error) {
	return text, nil
}

// Speak streams synthesis for text and returns immediately with a
// PlaybackControl whose Done channel fires once streaming ends (success,
// driver error, or Stop).
func (t *LokutorTTS) Speak(ctx context.Context, audioHandle any, onChunk func([]byte) error) (turnpipe.PlaybackControl, error) {
	text, _ := audioHandle.(string)

	conn, err := t.getConn(ctx)
	if err != nil {
		return nil, err
	}

	speakCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	ctrl := &lokutorPlayback{cancel: cancel, done: make(chan error, 1)}

	go func() {
		ctrl.done <- t.stream(speakCtx, conn, text, onChunk)
	}()

	return ctrl, nil
}

func (t *LokutorTTS) stream(ctx context.Context, conn *websocket.Conn, text string, onChunk func([]byte) error) error {
	t.mu.Lock()
	req := map[string]interface{}{
		"text":    text,
		"speed":   1.05,
		"steps":   5,
		"version": "versa-1.0",
	}
	writeErr := wsjson.Write(ctx, conn, req)
	t.mu.Unlock()
	if writeErr != nil {
		t.dropConn(conn)
		return fmt.Errorf("failed to send synthesis request: %w", writeErr)
	}

	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			t.dropConn(conn)
			return fmt.Errorf("failed to read from lokutor: %w", err)
		}

		switch messageType {
		case websocket.MessageBinary:
			if err := onChunk(payload); err != nil {
				return err
			}
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return nil
			}
			if len(msg) >= 4 && msg[:4] == "ERR:" {
				return fmt.Errorf("lokutor error: %s", msg)
			}
		}
	}
}

func (t *LokutorTTS) dropConn(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	conn.Close(websocket.StatusAbnormalClosure, "stream error")
}

// Abort cancels whichever Speak call is in flight.
func (t *LokutorTTS) Abort() error {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (t *LokutorTTS) Name() string { return "lokutor" }

func (t *LokutorTTS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close(websocket.StatusNormalClosure, "")
		t.conn = nil
		return err
	}
	return nil
}

type lokutorPlayback struct {
	cancel context.CancelFunc
	done   chan error
}

func (p *lokutorPlayback) Stop() error {
	p.cancel()
	return nil
}

func (p *lokutorPlayback) Done() <-chan error { return p.done }
