package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parley-labs/parley-core/internal/audio"
	"github.com/parley-labs/parley-core/internal/bus"
	"github.com/parley-labs/parley-core/internal/capture"
	"github.com/parley-labs/parley-core/internal/config"
	"github.com/parley-labs/parley-core/internal/dialogue"
	"github.com/parley-labs/parley-core/internal/natsserver"
	"github.com/parley-labs/parley-core/internal/session"
	"github.com/parley-labs/parley-core/internal/speak"
	"github.com/parley-labs/parley-core/internal/store"
	"github.com/parley-labs/parley-core/internal/stt"
	"github.com/parley-labs/parley-core/internal/tts"
)

// Runtime assembles the daemon: event bus, session archive, the voice and
// dialogue collaborators, the audio output, and the session service that
// drives them, all behind a small HTTP control surface.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	busConn  *bus.Client
	archive  *store.Store
	mic      *capture.Mic
	session  *session.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings everything up and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Embedded {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.embedded = embedded
	}
	busConn, err := bus.Connect(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.busConn = busConn

	archive, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	r.archive = archive

	deps, err := r.buildDeps()
	if err != nil {
		return err
	}
	r.session = session.NewService(ctx, r.cfg, deps, r.logger)
	if err := r.session.Start(); err != nil {
		return fmt.Errorf("start session service: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	r.registerSessionRoutes(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.session.Close()
	if r.mic != nil {
		r.mic.Close()
	}
	r.busConn.Close()
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if err := r.archive.Close(); err != nil {
		r.logger.Error("store close error", slog.String("error", err.Error()))
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildDeps instantiates the mode-selected collaborators.
func (r *Runtime) buildDeps() (session.Deps, error) {
	deps := session.Deps{
		Sink:     r.busConn,
		Store:    r.archive,
		Registry: audio.NewRegistry(audio.NewOtoDriver(r.cfg.Audio), r.logger),
	}

	switch r.cfg.Dialogue.Mode {
	case "ollama":
		deps.Generator = dialogue.NewOllamaGenerator(
			r.cfg.Dialogue.Endpoint, r.cfg.Dialogue.Model,
			r.cfg.Dialogue.MaxTokens, r.cfg.Dialogue.Temperature)
	case "exec":
		gen, err := dialogue.NewExecGenerator(r.cfg.Dialogue.Command)
		if err != nil {
			return deps, fmt.Errorf("dialogue collaborator: %w", err)
		}
		deps.Generator = gen
	default:
		deps.Generator = dialogue.NewMockGenerator()
	}

	switch r.cfg.TTS.Mode {
	case "exec":
		synth, err := tts.NewExecSynth(r.cfg.TTS.Command, r.cfg.TTS.SampleRate, r.cfg.TTS.Channels)
		if err != nil {
			return deps, fmt.Errorf("tts collaborator: %w", err)
		}
		deps.Synth = synth
	default:
		deps.Synth = tts.NewMockSynth(r.cfg.TTS.SampleRate)
	}

	if r.cfg.STT.Enabled {
		switch r.cfg.STT.Mode {
		case "exec":
			rec, err := stt.NewExecRecognizer(r.cfg.STT.Command)
			if err != nil {
				return deps, fmt.Errorf("stt collaborator: %w", err)
			}
			deps.Recognizer = rec
		default:
			deps.Recognizer = stt.NewMockRecognizer()
		}
	}

	if r.cfg.Speak.Enabled {
		switch r.cfg.Speak.Mode {
		case "exec":
			engine, err := speak.NewExecEngine(r.cfg.Speak.Command)
			if err != nil {
				return deps, fmt.Errorf("speak collaborator: %w", err)
			}
			deps.Engine = engine
		default:
			deps.Engine = speak.NewMockEngine()
		}
	}

	if r.cfg.Capture.Enabled && r.cfg.Capture.Microphone {
		mic, err := capture.OpenMic(r.cfg.Audio.SampleRate, r.cfg.Audio.Channels, r.logger)
		if err != nil {
			// No microphone is a degrade, not a startup failure.
			r.logger.Warn("microphone unavailable", slog.String("error", err.Error()))
		} else {
			r.mic = mic
			deps.Mic = mic
		}
	}

	return deps, nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busConn.Healthy() && r.session.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
