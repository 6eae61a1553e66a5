package audio

import (
	"bytes"
	"math"
	"sync"
	"time"
)

// EchoSuppressor detects microphone input that is actually the speaker
// echoing back recently played audio, using correlation against a
// rolling buffer of what was just sent to the output device. This is
// distinct from RMSVAD's amplitude gating: RMSVAD decides whether a
// frame contains speech at all, EchoSuppressor decides whether speech
// it already found is the bot's own voice leaking into the mic.
type EchoSuppressor struct {
	mu             sync.Mutex
	playedAudioBuf *bytes.Buffer
	maxBufSize     int
	echoThreshold  float64
	lastPlayedAt   time.Time

	recentPlaybackWindow time.Duration
	enabled              bool
}

// NewEchoSuppressor builds a suppressor tuned for 16-bit mono PCM at
// the sample rate the caller records RecordPlayedAudio chunks at.
func NewEchoSuppressor() *EchoSuppressor {
	return &EchoSuppressor{
		playedAudioBuf:       new(bytes.Buffer),
		maxBufSize:           176400, // ~2s at 44.1kHz, 16-bit mono
		echoThreshold:        0.55,
		recentPlaybackWindow: 1200 * time.Millisecond,
		enabled:              true,
	}
}

func (es *EchoSuppressor) SetThreshold(threshold float64) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.echoThreshold = threshold
}

func (es *EchoSuppressor) SetEnabled(enabled bool) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.enabled = enabled
}

// RecordPlayedAudio appends a chunk just written to the playback device
// to the rolling reference buffer IsEcho correlates microphone input
// against.
func (es *EchoSuppressor) RecordPlayedAudio(chunk []byte) {
	es.mu.Lock()
	defer es.mu.Unlock()

	es.playedAudioBuf.Write(chunk)
	if es.playedAudioBuf.Len() > es.maxBufSize {
		overflow := es.playedAudioBuf.Len() - es.maxBufSize
		es.playedAudioBuf.Next(overflow)
	}
	es.lastPlayedAt = time.Now()
}

// ClearEchoBuffer discards the reference buffer, used once an
// interruption has been committed and any further mic input should be
// trusted as the user's own speech.
func (es *EchoSuppressor) ClearEchoBuffer() {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.playedAudioBuf.Reset()
}

// IsEcho reports whether inputChunk correlates highly enough with
// recently played audio to be treated as the bot's own voice rather
// than the user interrupting.
func (es *EchoSuppressor) IsEcho(inputChunk []byte) bool {
	es.mu.Lock()
	enabled := es.enabled
	if !enabled || time.Since(es.lastPlayedAt) > es.recentPlaybackWindow {
		es.mu.Unlock()
		return false
	}
	reference := make([]byte, es.playedAudioBuf.Len())
	copy(reference, es.playedAudioBuf.Bytes())
	threshold := es.echoThreshold
	es.mu.Unlock()

	if len(reference) == 0 {
		return false
	}

	correlation := es.maxCorrelationAgainstReference(inputChunk, reference)
	if correlation >= threshold {
		return true
	}

	inSamples := bytesToSamples(inputChunk)
	refSamples := bytesToSamples(reference)
	if calculateEnergy(inSamples) < 1e-6 {
		return false
	}
	return maxEnvelopeCorrelation(inSamples, refSamples, 8) >= threshold
}

// maxCorrelationAgainstReference slides inputChunk over reference and
// returns the strongest correlation found, since the echo's exact
// offset inside the reference window is unknown.
func (es *EchoSuppressor) maxCorrelationAgainstReference(input, reference []byte) float64 {
	inSamples := bytesToSamples(input)
	refSamples := bytesToSamples(reference)
	if len(inSamples) == 0 || len(refSamples) < len(inSamples) {
		return es.calculateCorrelation(input, reference)
	}

	best := 0.0
	stride := len(inSamples) / 4
	if stride < 1 {
		stride = 1
	}
	for offset := 0; offset+len(inSamples) <= len(refSamples); offset += stride {
		c := pearsonCorrelation(inSamples, refSamples[offset:offset+len(inSamples)])
		if c > best {
			best = c
		}
	}
	return best
}

func (es *EchoSuppressor) calculateCorrelation(input, reference []byte) float64 {
	return pearsonCorrelation(bytesToSamples(input), bytesToSamples(reference))
}

func pearsonCorrelation(a, b []float64) float64 {
	n := len(a)
	if n > len(b) {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	a, b = a[:n], b[:n]

	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var num, denomA, denomB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		num += da * db
		denomA += da * da
		denomB += db * db
	}
	if denomA == 0 || denomB == 0 {
		return 0
	}
	return math.Abs(num / math.Sqrt(denomA*denomB))
}

// maxEnvelopeCorrelation correlates decimated energy envelopes rather
// than raw samples, which catches broadband echo (sibilants, breath
// noise) that sample-level correlation misses.
func maxEnvelopeCorrelation(inSamples, refSamples []float64, decimation int) float64 {
	inEnv := envelope(inSamples, decimation)
	refEnv := envelope(refSamples, decimation)
	if len(inEnv) == 0 || len(refEnv) < len(inEnv) {
		return pearsonCorrelation(inEnv, refEnv)
	}

	best := 0.0
	for offset := 0; offset+len(inEnv) <= len(refEnv); offset++ {
		c := pearsonCorrelation(inEnv, refEnv[offset:offset+len(inEnv)])
		if c > best {
			best = c
		}
	}
	return best
}

func envelope(samples []float64, decimation int) []float64 {
	if decimation < 1 {
		decimation = 1
	}
	out := make([]float64, 0, len(samples)/decimation+1)
	for i := 0; i < len(samples); i += decimation {
		end := i + decimation
		if end > len(samples) {
			end = len(samples)
		}
		out = append(out, calculateEnergy(samples[i:end]))
	}
	return out
}

func bytesToSamples(data []byte) []float64 {
	n := len(data) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		sample := int16(data[2*i]) | (int16(data[2*i+1]) << 8)
		out[i] = float64(sample) / 32768.0
	}
	return out
}

func calculateEnergy(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}
