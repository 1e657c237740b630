package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/geebot-labs/geebot-core/internal/audio"
	"github.com/geebot-labs/geebot-core/internal/bus"
	"github.com/geebot-labs/geebot-core/internal/config"
	"github.com/geebot-labs/geebot-core/internal/history"
	"github.com/geebot-labs/geebot-core/internal/llm"
	"github.com/geebot-labs/geebot-core/internal/protocol"
	"github.com/geebot-labs/geebot-core/internal/stt"
	"github.com/geebot-labs/geebot-core/internal/tts"
	"github.com/geebot-labs/geebot-core/internal/turn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Deps are the pluggable stage providers plus optional infrastructure.
type Deps struct {
	Normalizer  audio.Normalizer
	Transcriber stt.Transcriber
	Generator   llm.Generator
	Synthesizer tts.Synthesizer
	History     *history.Store
	Bus         *bus.Client
}

// Orchestrator drives one turn at a time per session through the stage
// providers. Stages run strictly in sequence; each gets its own deadline.
type Orchestrator struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer

	turnsTotal    metric.Int64Counter
	stageDuration metric.Float64Histogram

	mu     sync.Mutex
	active map[string]*activeTurn
}

type activeTurn struct {
	turn   *turn.Turn
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Orchestrator {
	meter := otel.Meter("geebot-core/pipeline")
	turnsTotal, err := meter.Int64Counter("geebot_turns_total",
		metric.WithDescription("Terminated turns by state and failure kind"))
	if err != nil {
		logger.Warn("turn counter unavailable", slog.String("error", err.Error()))
	}
	stageDuration, err := meter.Float64Histogram("geebot_stage_duration_seconds",
		metric.WithDescription("Wall time per pipeline stage"))
	if err != nil {
		logger.Warn("stage histogram unavailable", slog.String("error", err.Error()))
	}
	return &Orchestrator{
		cfg:           cfg,
		deps:          deps,
		logger:        logger.With(slog.String("component", "pipeline")),
		tracer:        otel.Tracer("geebot-core/pipeline"),
		turnsTotal:    turnsTotal,
		stageDuration: stageDuration,
		active:        make(map[string]*activeTurn),
	}
}

// RunVoiceTurn executes a full turn for captured audio and blocks until the
// turn terminates. The returned turn always carries a terminal state.
func (o *Orchestrator) RunVoiceTurn(ctx context.Context, sessionID string, clip audio.Clip) *turn.Turn {
	tn := turn.NewVoice(sessionID, clip)
	o.execute(ctx, tn)
	return tn
}

// RunTextTurn executes a typed turn. It enters the pipeline at the generation
// stage with the text standing in for a transcript, then synthesizes as usual.
func (o *Orchestrator) RunTextTurn(ctx context.Context, sessionID, text string) *turn.Turn {
	tn := turn.NewText(sessionID, text)
	o.execute(ctx, tn)
	return tn
}

// Cancel aborts a session's active turn and waits for it to terminate.
// Returns false when the session has no active turn.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	cur := o.active[sessionID]
	o.mu.Unlock()
	if cur == nil {
		return false
	}
	cur.cancel()
	<-cur.done
	return true
}

// ErrNoHistory reports an analysis request for a session without exchanges.
var ErrNoHistory = errors.New("no conversation history for session")

// Analyze runs the analysis prompt over a session's recorded history.
func (o *Orchestrator) Analyze(ctx context.Context, sessionID string) (string, error) {
	exchanges, err := o.historyWindow(ctx, sessionID, 50)
	if err != nil {
		return "", err
	}
	if len(exchanges) == 0 {
		return "", ErrNoHistory
	}
	gctx, cancel := stageContext(ctx, o.cfg.LLM.TimeoutMS)
	defer cancel()
	reply, err := o.deps.Generator.Generate(gctx, llm.AnalysisRequest(sessionID, exchanges))
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

// History exposes the session's recorded exchanges for the boundary surface.
func (o *Orchestrator) History(ctx context.Context, sessionID string, limit int) ([]history.Exchange, error) {
	if o.deps.History == nil {
		return nil, nil
	}
	return o.deps.History.Recent(ctx, sessionID, limit)
}

func (o *Orchestrator) execute(parent context.Context, tn *turn.Turn) {
	ctx, cancel := context.WithCancel(parent)
	at := &activeTurn{turn: tn, cancel: cancel, done: make(chan struct{})}
	o.register(tn.SessionID, at)
	defer o.finish(tn.SessionID, at, cancel)

	// Temp artifacts are dropped on every terminal path, cancellation included.
	defer tn.Release()
	defer o.conclude(tn)

	if tn.Kind == turn.KindVoice {
		if !o.normalize(ctx, tn) {
			return
		}
		if !o.transcribe(ctx, tn) {
			return
		}
	} else {
		if err := tn.Advance(turn.StateGenerating); err != nil {
			tn.Fail(turn.FailureGenerationService, err)
			return
		}
		o.publishState(tn)
	}

	if !o.generate(ctx, tn) {
		return
	}
	o.synthesize(ctx, tn)
}

// register installs the turn as the session's active one, cancelling and
// draining any predecessor first. A prior turn's runner never outlives its
// registration, so late results cannot touch the newer turn.
func (o *Orchestrator) register(sessionID string, at *activeTurn) {
	for {
		o.mu.Lock()
		cur := o.active[sessionID]
		if cur == nil {
			o.active[sessionID] = at
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()
		o.logger.Info("superseding active turn",
			slog.String("session_id", sessionID),
			slog.String("turn_id", cur.turn.ID))
		cur.cancel()
		<-cur.done
	}
}

func (o *Orchestrator) finish(sessionID string, at *activeTurn, cancel context.CancelFunc) {
	o.mu.Lock()
	if o.active[sessionID] == at {
		delete(o.active, sessionID)
	}
	o.mu.Unlock()
	cancel()
	close(at.done)
}

func (o *Orchestrator) normalize(ctx context.Context, tn *turn.Turn) bool {
	if err := tn.Advance(turn.StateNormalizing); err != nil {
		tn.Fail(turn.FailureTranscode, err)
		return false
	}
	o.publishState(tn)

	sctx, cancel := stageContext(ctx, o.cfg.Pipeline.NormalizeTimeoutMS)
	defer cancel()
	start := time.Now()
	ctxSpan, span := o.tracer.Start(sctx, "pipeline.normalize")
	normalized, err := o.deps.Normalizer.Normalize(ctxSpan, *tn.Input)
	span.End()
	o.recordStage(ctx, "normalize", start)

	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			tn.Fail(turn.FailureCancelled, err)
		case errors.Is(err, audio.ErrUnsupportedFormat):
			tn.Fail(turn.FailureUnsupportedFormat, err)
		case errors.Is(err, audio.ErrNoAudio):
			tn.Fail(turn.FailureNoSpeech, err)
		default:
			tn.Fail(turn.FailureTranscode, err)
		}
		return false
	}
	if err := tn.SetNormalized(normalized); err != nil {
		tn.Fail(turn.FailureTranscode, err)
		return false
	}
	return true
}

func (o *Orchestrator) transcribe(ctx context.Context, tn *turn.Turn) bool {
	if err := tn.Advance(turn.StateTranscribing); err != nil {
		tn.Fail(turn.FailureTranscriptionService, err)
		return false
	}
	o.publishState(tn)

	start := time.Now()
	transcript, err := o.transcribeWithRetry(ctx, *tn.Normalized)
	o.recordStage(ctx, "transcribe", start)

	if err == nil && strings.TrimSpace(transcript.Text) == "" {
		err = stt.ErrNoSpeech
	}
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			tn.Fail(turn.FailureCancelled, err)
		case errors.Is(err, stt.ErrNoSpeech):
			tn.Fail(turn.FailureNoSpeech, err)
		default:
			tn.Fail(turn.FailureTranscriptionService, err)
		}
		return false
	}
	if err := tn.SetTranscript(transcript); err != nil {
		tn.Fail(turn.FailureTranscriptionService, err)
		return false
	}
	o.publishTranscript(tn)
	return true
}

// transcribeWithRetry retries transient provider failures with exponential
// backoff. Non-transient failures and caller cancellation stop immediately.
func (o *Orchestrator) transcribeWithRetry(ctx context.Context, clip audio.Clip) (stt.Transcript, error) {
	attempt := func() (stt.Transcript, error) {
		sctx, cancel := stageContext(ctx, o.cfg.Speech.TimeoutMS)
		defer cancel()
		ctxSpan, span := o.tracer.Start(sctx, "pipeline.transcribe")
		transcript, err := o.deps.Transcriber.Transcribe(ctxSpan, clip)
		span.End()
		if err == nil {
			return transcript, nil
		}
		if retriable(ctx, err) {
			return stt.Transcript{}, err
		}
		return stt.Transcript{}, backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(o.cfg.Speech.RetryBackoffMS) * time.Millisecond

	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(o.cfg.Speech.MaxRetries+1)))
}

func retriable(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	var se *stt.ServiceError
	if errors.As(err, &se) {
		return se.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (o *Orchestrator) generate(ctx context.Context, tn *turn.Turn) bool {
	if tn.State() != turn.StateGenerating {
		if err := tn.Advance(turn.StateGenerating); err != nil {
			tn.Fail(turn.FailureGenerationService, err)
			return false
		}
		o.publishState(tn)
	}

	exchanges, err := o.historyWindow(ctx, tn.SessionID, o.cfg.LLM.HistoryTurns)
	if err != nil {
		o.logger.Warn("history lookup failed, generating without context",
			slog.String("session_id", tn.SessionID),
			slog.String("error", err.Error()))
		exchanges = nil
	}
	req := llm.Request{
		SessionID: tn.SessionID,
		Prompt:    tn.Transcript.Text,
		History:   exchanges,
		System:    llm.SystemPrompt(o.cfg.LLM.Profile),
	}

	start := time.Now()
	reply, err := o.generateOnce(ctx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		o.logger.Warn("generation timed out, retrying once", slog.String("turn_id", tn.ID))
		reply, err = o.generateOnce(ctx, req)
	}
	o.recordStage(ctx, "generate", start)

	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			tn.Fail(turn.FailureCancelled, err)
		case errors.Is(err, llm.ErrRefused):
			tn.Fail(turn.FailureGenerationRefused, err)
		case errors.Is(err, context.DeadlineExceeded):
			tn.Fail(turn.FailureGenerationTimeout, err)
		default:
			tn.Fail(turn.FailureGenerationService, err)
		}
		return false
	}
	if err := tn.SetReply(reply); err != nil {
		tn.Fail(turn.FailureGenerationService, err)
		return false
	}
	o.publishReply(tn)
	return true
}

func (o *Orchestrator) generateOnce(ctx context.Context, req llm.Request) (llm.Reply, error) {
	gctx, cancel := stageContext(ctx, o.cfg.LLM.TimeoutMS)
	defer cancel()
	ctxSpan, span := o.tracer.Start(gctx, "pipeline.generate")
	defer span.End()
	return o.deps.Generator.Generate(ctxSpan, req)
}

// synthesize is the only stage whose failure does not fail the turn: the
// reply already exists, so the turn degrades to text-only delivery.
func (o *Orchestrator) synthesize(ctx context.Context, tn *turn.Turn) {
	if err := tn.Advance(turn.StateSynthesizing); err != nil {
		tn.Fail(turn.FailureSynthesisService, err)
		return
	}
	o.publishState(tn)

	sctx, cancel := stageContext(ctx, o.cfg.Pipeline.SynthesizeTimeoutMS)
	defer cancel()
	start := time.Now()
	ctxSpan, span := o.tracer.Start(sctx, "pipeline.synthesize")
	clip, err := o.deps.Synthesizer.Synthesize(ctxSpan, tn.Reply.Text)
	span.End()
	o.recordStage(ctx, "synthesize", start)

	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			tn.Fail(turn.FailureCancelled, err)
			return
		}
		o.logger.Warn("synthesis failed, degrading to text",
			slog.String("turn_id", tn.ID),
			slog.String("error", err.Error()))
		if derr := tn.Degrade(err); derr != nil {
			tn.Fail(turn.FailureSynthesisService, derr)
		}
		return
	}
	if err := tn.SetAudio(clip); err != nil {
		tn.Fail(turn.FailureSynthesisService, err)
		return
	}
	if err := tn.Advance(turn.StateComplete); err != nil {
		tn.Fail(turn.FailureSynthesisService, err)
		return
	}
	o.publishAudio(tn)
}

// conclude records metrics, history and the terminal bus event for the turn.
func (o *Orchestrator) conclude(tn *turn.Turn) {
	if !tn.State().Terminal() {
		tn.Fail(turn.FailureGenerationService, errors.New("pipeline exited without terminal state"))
	}
	if o.turnsTotal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		o.turnsTotal.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("state", string(tn.State())),
				attribute.String("failure", string(tn.Failure))))
		cancel()
	}
	o.recordExchange(tn)
	o.publishState(tn)

	o.logger.Info("turn terminated",
		slog.String("session_id", tn.SessionID),
		slog.String("turn_id", tn.ID),
		slog.String("state", string(tn.State())),
		slog.String("failure", string(tn.Failure)),
		slog.Duration("elapsed", tn.EndedAt.Sub(tn.StartedAt)))
}

// recordExchange persists the turn's user and assistant text. Runs on its own
// context so a cancelled caller cannot lose a completed exchange.
func (o *Orchestrator) recordExchange(tn *turn.Turn) {
	if o.deps.History == nil || tn.Reply == nil || tn.Transcript == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.deps.History.EnsureSession(ctx, tn.SessionID, o.cfg.LLM.Profile); err != nil {
		o.logger.Warn("history session upsert failed", slog.String("error", err.Error()))
		return
	}
	err := o.deps.History.AppendExchange(ctx, history.Exchange{
		SessionID: tn.SessionID,
		TurnID:    tn.ID,
		UserText:  tn.Transcript.Text,
		ReplyText: tn.Reply.Text,
		Failure:   string(tn.Failure),
	})
	if err != nil {
		o.logger.Warn("history append failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) historyWindow(ctx context.Context, sessionID string, limit int) ([]llm.Exchange, error) {
	if o.deps.History == nil {
		return nil, nil
	}
	recent, err := o.deps.History.Recent(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	var exchanges []llm.Exchange
	for _, ex := range recent {
		if ex.UserText != "" {
			exchanges = append(exchanges, llm.Exchange{Role: "user", Content: ex.UserText})
		}
		if ex.ReplyText != "" {
			exchanges = append(exchanges, llm.Exchange{Role: "assistant", Content: ex.ReplyText})
		}
	}
	return exchanges, nil
}

func (o *Orchestrator) publishState(tn *turn.Turn) {
	o.publish(protocol.SubjectTurnState, protocol.TurnState{
		SessionID: tn.SessionID,
		TurnID:    tn.ID,
		State:     string(tn.State()),
		Failure:   string(tn.Failure),
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) publishTranscript(tn *turn.Turn) {
	o.publish(protocol.SubjectTranscript, protocol.Transcript{
		SessionID:  tn.SessionID,
		TurnID:     tn.ID,
		Text:       tn.Transcript.Text,
		Language:   tn.Transcript.Language,
		Confidence: tn.Transcript.Confidence,
		Timestamp:  time.Now().UTC(),
	})
}

func (o *Orchestrator) publishReply(tn *turn.Turn) {
	o.publish(protocol.SubjectReply, protocol.Reply{
		SessionID: tn.SessionID,
		TurnID:    tn.ID,
		Text:      tn.Reply.Text,
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) publishAudio(tn *turn.Turn) {
	o.publish(protocol.SubjectAudioReady, protocol.AudioReady{
		SessionID: tn.SessionID,
		TurnID:    tn.ID,
		Container: tn.Audio.Format.Container,
		Bytes:     len(tn.Audio.Data),
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) publish(subject string, msg any) {
	if o.deps.Bus == nil || !o.deps.Bus.Healthy() {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		o.logger.Warn("event encode failed", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := o.deps.Bus.Publish(subject, data); err != nil {
		o.logger.Warn("event publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) recordStage(ctx context.Context, stage string, start time.Time) {
	if o.stageDuration == nil {
		return
	}
	o.stageDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)))
}

func stageContext(ctx context.Context, ms int) (context.Context, context.CancelFunc) {
	if ms <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
}
