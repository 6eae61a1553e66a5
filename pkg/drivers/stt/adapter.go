package stt

import (
	"context"
	"time"

	"github.com/voxloop/turnpipe/pkg/audio"
	"github.com/voxloop/turnpipe/pkg/turnpipe"
)

// FrameSource delivers raw PCM frames from a capture device. It is the
// boundary between a platform-specific microphone binding and this
// package; see cmd/agent for a malgo-backed implementation.
type FrameSource interface {
	Start(ctx context.Context) (<-chan []byte, error)
}

// VADTranscriptionSource turns a BatchTranscriber into a
// turnpipe.TranscriptionSource by buffering frames between the voice
// activity detector's speech-start and speech-end events and
// transcribing each utterance once it ends. Every update it emits is
// final: batch transcribers have no notion of a volatile partial
// result, so this source never emits DecisionVolatileText-triggering
// updates.
type VADTranscriptionSource struct {
	vad         audio.VADProvider
	transcriber BatchTranscriber
	frames      FrameSource
	lang        string
	logger      turnpipe.Logger
}

// NewVADTranscriptionSource constructs an adapter. vad and transcriber
// must not be shared across concurrent sources.
func NewVADTranscriptionSource(vad audio.VADProvider, transcriber BatchTranscriber, frames FrameSource, lang string, logger turnpipe.Logger) *VADTranscriptionSource {
	if logger == nil {
		logger = turnpipe.NoOpLogger{}
	}
	return &VADTranscriptionSource{
		vad:         vad,
		transcriber: transcriber,
		frames:      frames,
		lang:        lang,
		logger:      logger,
	}
}

func (a *VADTranscriptionSource) Name() string {
	return "vad+" + a.transcriber.Name()
}

func (a *VADTranscriptionSource) Start(ctx context.Context) (<-chan turnpipe.TranscriptionUpdate, error) {
	frames, err := a.frames.Start(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan turnpipe.TranscriptionUpdate, 16)
	go a.run(ctx, frames, out)
	return out, nil
}

func (a *VADTranscriptionSource) run(ctx context.Context, frames <-chan []byte, out chan<- turnpipe.TranscriptionUpdate) {
	defer close(out)

	var seq uint64
	var buf [][]byte

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-frames:
			if !ok {
				return
			}

			event, err := a.vad.Process(chunk)
			if err != nil {
				a.logger.Warn("vad processing failed", "error", err)
				continue
			}
			if event != nil && event.Type == audio.VADSpeechStart {
				buf = buf[:0]
			}
			if a.vad.IsSpeaking() {
				buf = append(buf, chunk)
			}
			if event == nil || event.Type != audio.VADSpeechEnd {
				continue
			}

			pcm := concatFrames(buf)
			buf = buf[:0]
			if len(pcm) == 0 {
				continue
			}

			text, err := a.transcriber.Transcribe(ctx, pcm, a.lang)
			if err != nil {
				a.logger.Error("transcription failed", "source", a.transcriber.Name(), "error", err)
				continue
			}
			if text == "" {
				continue
			}

			seq++
			update := turnpipe.TranscriptionUpdate{
				Seq:     seq,
				Text:    text,
				IsFinal: true,
				RecvTS:  time.Now(),
			}
			select {
			case out <- update:
			case <-ctx.Done():
				return
			}
		}
	}
}

func concatFrames(frames [][]byte) []byte {
	var total int
	for _, f := range frames {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}
