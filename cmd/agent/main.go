// Command agent is a reference client for the voice turn pipeline: it
// captures microphone audio, feeds it through a VAD-gated batch
// transcriber to get TranscriptionUpdates, drives a Session/
// CascadeScheduler/InterruptionArbiter triple, and plays the resulting
// speech back out the speaker. It exists to exercise the pipeline over
// real hardware, not as a production deployment shape.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	anyllm "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/voxloop/turnpipe/pkg/audio"
	"github.com/voxloop/turnpipe/pkg/drivers/llm"
	"github.com/voxloop/turnpipe/pkg/drivers/stt"
	"github.com/voxloop/turnpipe/pkg/drivers/tts"
	"github.com/voxloop/turnpipe/pkg/observability"
	"github.com/voxloop/turnpipe/pkg/turnpipe"
)

const (
	sampleRate = 44100
	channels   = 1
)

// micFrameSource adapts a malgo duplex device's capture callback into
// the stt.FrameSource channel interface: frames arrive on the audio
// thread and are handed off through a buffered channel so VAD
// processing never blocks the device callback.
type micFrameSource struct {
	frames chan []byte
}

func newMicFrameSource() *micFrameSource {
	return &micFrameSource{frames: make(chan []byte, 64)}
}

func (m *micFrameSource) push(chunk []byte) {
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	select {
	case m.frames <- cp:
	default:
		// Drop rather than block the audio callback; a dropped frame at
		// worst costs the VAD one window of context.
	}
}

func (m *micFrameSource) Start(ctx context.Context) (<-chan []byte, error) {
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-m.frames:
				if !ok {
					return
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("note: no .env file found, using system environment variables")
	}

	groqKey := os.Getenv("GROQ_API_KEY")
	openaiKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	googleKey := os.Getenv("GOOGLE_API_KEY")
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	assemblyKey := os.Getenv("ASSEMBLYAI_API_KEY")
	lokutorKey := os.Getenv("LOKUTOR_API_KEY")

	sttProviderName := os.Getenv("STT_PROVIDER")
	if sttProviderName == "" {
		sttProviderName = "groq"
	}
	llmProviderName := os.Getenv("LLM_PROVIDER")
	if llmProviderName == "" {
		llmProviderName = "groq"
	}

	lang := os.Getenv("AGENT_LANGUAGE")
	if lang == "" {
		lang = "en"
	}

	if lokutorKey == "" {
		log.Fatal("error: LOKUTOR_API_KEY must be set")
	}

	logger := turnpipe.NewSlogLogger(slog.Default())

	// --- STT selection ---
	var transcriber stt.BatchTranscriber
	switch sttProviderName {
	case "openai":
		if openaiKey == "" {
			log.Fatal("error: OPENAI_API_KEY must be set for openai STT")
		}
		transcriber = stt.NewOpenAISTT(openaiKey, "whisper-1")
	case "deepgram":
		if deepgramKey == "" {
			log.Fatal("error: DEEPGRAM_API_KEY must be set for deepgram STT")
		}
		transcriber = stt.NewDeepgramSTT(deepgramKey)
	case "assemblyai":
		if assemblyKey == "" {
			log.Fatal("error: ASSEMBLYAI_API_KEY must be set for assemblyai STT")
		}
		transcriber = stt.NewAssemblyAISTT(assemblyKey)
	case "groq":
		fallthrough
	default:
		if groqKey == "" {
			log.Fatal("error: GROQ_API_KEY must be set for groq STT")
		}
		groqModel := os.Getenv("GROQ_STT_MODEL")
		transcriber = stt.NewGroqSTT(groqKey, groqModel)
	}
	if s, ok := transcriber.(interface{ SetSampleRate(int) }); ok {
		s.SetSampleRate(sampleRate)
	}

	// --- LLM selection ---
	var llmDriver turnpipe.LLMDriver
	switch llmProviderName {
	case "openai":
		if openaiKey == "" {
			log.Fatal("error: OPENAI_API_KEY must be set for openai LLM")
		}
		llmDriver = llm.NewOpenAILLM(openaiKey, "gpt-4o")
	case "anthropic":
		if anthropicKey == "" {
			log.Fatal("error: ANTHROPIC_API_KEY must be set for anthropic LLM")
		}
		llmDriver = llm.NewAnthropicLLM(anthropicKey, "claude-3-5-sonnet-20241022")
	case "google":
		if googleKey == "" {
			log.Fatal("error: GOOGLE_API_KEY must be set for google LLM")
		}
		llmDriver = llm.NewGoogleLLM(googleKey, "gemini-1.5-flash")
	case "groq":
		fallthrough
	default:
		if groqKey == "" {
			log.Fatal("error: GROQ_API_KEY must be set for groq LLM")
		}
		driver, err := llm.NewAnyLLM("groq", "llama-3.3-70b-versatile", anyllm.WithAPIKey(groqKey))
		if err != nil {
			log.Fatalf("error: construct groq llm driver: %v", err)
		}
		llmDriver = driver
	}

	fmt.Printf("configured: stt=%s llm=%s tts=lokutor language=%s\n", sttProviderName, llmProviderName, lang)
	fmt.Println("voice turn pipeline agent started, listening to microphone")
	fmt.Println("press ctrl+c to exit")

	ttsDriver := tts.NewLokutorTTS(lokutorKey)
	defer ttsDriver.Close()

	vad := audio.NewRMSVAD(0.02, 500*time.Millisecond)

	settings := turnpipe.DefaultSettings()
	settings.Language = lang

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMeterProvider, err := observability.InitMeterProvider(ctx, observability.Config{ServiceName: "turnpipe-agent"})
	if err != nil {
		log.Fatalf("error: init meter provider: %v", err)
	}
	defer shutdownMeterProvider(context.Background())

	metrics, err := turnpipe.NewMetrics(otel.GetMeterProvider().Meter("turnpipe"))
	if err != nil {
		log.Fatalf("error: register metrics instruments: %v", err)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	go func() {
		if err := http.ListenAndServe(metricsAddr, metricsMux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	session := turnpipe.NewSession(uuid.New(), settings, turnpipe.SystemClock, logger, nil, metrics, nil)
	defer session.Close()

	scheduler := turnpipe.NewCascadeScheduler(session, llmDriver, ttsDriver, turnpipe.SystemClock, logger, metrics)
	session.SetOnTurnCommitted(scheduler.OnTurnCommitted)

	arbiter := turnpipe.NewInterruptionArbiter(session, scheduler)
	router := turnpipe.NewEventRouter(session, arbiter, logger)

	// --- audio engine (malgo): a duplex device feeds the microphone
	// capture into the VAD/STT pipeline and drains phase 3 audio chunks
	// out the speaker. audio.EchoSuppressor correlates mic input against
	// recently played audio so the bot's own playback doesn't trigger an
	// interruption. ---
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	mic := newMicFrameSource()

	var playbackMu sync.Mutex
	var playbackBytes []byte

	echoSuppressor := audio.NewEchoSuppressor()

	var rmsMu sync.Mutex
	lastRMS := 0.0

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			var sum float64
			for i := 0; i < len(pInput)-1; i += 2 {
				sample := int16(pInput[i]) | (int16(pInput[i+1]) << 8)
				f := float64(sample) / 32768.0
				sum += f * f
			}
			rms := math.Sqrt(sum / float64(len(pInput)/2))
			rmsMu.Lock()
			lastRMS = rms
			rmsMu.Unlock()

			if rms > 0.02 && !echoSuppressor.IsEcho(pInput) {
				mic.push(pInput)
			} else {
				// Feed silence rather than nothing, so the VAD's silence
				// timer keeps advancing while the bot is speaking.
				mic.push(make([]byte, len(pInput)))
			}
		}
		if pOutput != nil {
			playbackMu.Lock()
			n := copy(pOutput, playbackBytes)
			playbackBytes = playbackBytes[n:]
			playbackMu.Unlock()
			if n > 0 {
				echoSuppressor.RecordPlayedAudio(pOutput[:n])
			}
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = channels
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = channels
	deviceConfig.SampleRate = sampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatal(err)
	}

	scheduler.SetPlaybackSink(func(chunk []byte) error {
		playbackMu.Lock()
		playbackBytes = append(playbackBytes, chunk...)
		playbackMu.Unlock()
		return nil
	})

	source := stt.NewVADTranscriptionSource(vad, transcriber, mic, lang, logger)

	go func() {
		for {
			rmsMu.Lock()
			level := lastRMS
			rmsMu.Unlock()
			meter := ""
			dots := int(level * 500)
			if dots > 40 {
				dots = 40
			}
			for i := 0; i < dots; i++ {
				meter += "|"
			}
			fmt.Printf("\r[mic energy: %-40s] rms: %.5f", meter, level)
			time.Sleep(100 * time.Millisecond)
		}
	}()

	go func() {
		for event := range session.Events() {
			switch event.Type {
			case turnpipe.EventUserTurnVisible:
				fmt.Printf("\r\033[K[user] %s\n", event.Text)
			case turnpipe.EventVolatileText:
				fmt.Printf("\r\033[K[listening] %s", event.Text)
			case turnpipe.EventAssistantResponseVisible:
				fmt.Printf("\r\033[K[assistant] %s\n", event.Text)
			case turnpipe.EventAssistantErrorVisible:
				fmt.Printf("\r\033[K[error] %s: %s\n", event.Kind, event.Detail)
			case turnpipe.EventInterruptionOccurred:
				fmt.Printf("\r\033[K[interrupted] user started talking\n")
				playbackMu.Lock()
				playbackBytes = nil
				playbackMu.Unlock()
				echoSuppressor.ClearEchoBuffer()
			case turnpipe.EventPhaseChanged:
				// Diagnostic only; the scheduler owns the phase transitions.
			}
		}
	}()

	go func() {
		if err := router.Run(ctx, source); err != nil {
			logger.Error("transcription source disconnected", "error", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Printf("\nshutting down\n")
}
