package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geebot-labs/geebot-core/internal/audio"
	"github.com/geebot-labs/geebot-core/internal/bus"
	"github.com/geebot-labs/geebot-core/internal/config"
	"github.com/geebot-labs/geebot-core/internal/history"
	"github.com/geebot-labs/geebot-core/internal/llm"
	"github.com/geebot-labs/geebot-core/internal/natsserver"
	"github.com/geebot-labs/geebot-core/internal/pipeline"
	"github.com/geebot-labs/geebot-core/internal/stt"
	"github.com/geebot-labs/geebot-core/internal/tts"
)

// Runtime assembles the stage providers, the orchestrator and the boundary
// surfaces, and owns their lifecycle.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	orchestrator  *pipeline.Orchestrator
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	closers []func()
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	deps, err := r.buildDeps(ctx)
	if err != nil {
		r.closeComponents()
		return err
	}
	r.orchestrator = pipeline.New(r.cfg, deps, r.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	r.registerTurnRoutes(mux)

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

	if metricHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.closeComponents()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildDeps wires the configured provider for each pipeline stage plus the
// history store and the event bus.
func (r *Runtime) buildDeps(ctx context.Context) (pipeline.Deps, error) {
	var deps pipeline.Deps

	normalizer, err := audio.NewFFmpegNormalizer(r.cfg.Audio)
	if err != nil {
		return deps, fmt.Errorf("audio normalizer: %w", err)
	}
	deps.Normalizer = normalizer

	switch r.cfg.Speech.Mode {
	case "google":
		transcriber, err := stt.NewGoogleTranscriber(ctx, r.cfg.Speech)
		if err != nil {
			return deps, fmt.Errorf("speech client: %w", err)
		}
		r.closers = append(r.closers, func() { _ = transcriber.Close() })
		deps.Transcriber = transcriber
	default:
		deps.Transcriber = stt.NewMockTranscriber()
	}

	switch r.cfg.LLM.Mode {
	case "gemini":
		generator, err := llm.NewGeminiGenerator(ctx, r.cfg.LLM)
		if err != nil {
			return deps, fmt.Errorf("gemini client: %w", err)
		}
		deps.Generator = generator
	default:
		deps.Generator = llm.NewMockGenerator()
	}

	switch r.cfg.TTS.Mode {
	case "translate":
		deps.Synthesizer = tts.NewTranslateSynthesizer(r.cfg.TTS)
	default:
		deps.Synthesizer = tts.NewMockSynthesizer()
	}

	store, err := history.Open(ctx, r.cfg.History, r.logger.With(slog.String("component", "history")))
	if err != nil {
		return deps, fmt.Errorf("history store: %w", err)
	}
	r.closers = append(r.closers, func() { _ = store.Close() })
	deps.History = store

	if r.cfg.Bus.Enabled {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "natsserver")))
		if err != nil {
			return deps, fmt.Errorf("embedded bus: %w", err)
		}
		if embedded != nil {
			r.closers = append(r.closers, embedded.Shutdown)
		}
		client, err := bus.Connect(ctx, r.cfg.Bus, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return deps, fmt.Errorf("bus connect: %w", err)
		}
		r.closers = append(r.closers, client.Close)
		deps.Bus = client
	}

	return deps, nil
}

// closeComponents tears down in reverse construction order.
func (r *Runtime) closeComponents() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
