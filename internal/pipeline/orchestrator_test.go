package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geebot-labs/geebot-core/internal/audio"
	"github.com/geebot-labs/geebot-core/internal/config"
	"github.com/geebot-labs/geebot-core/internal/history"
	"github.com/geebot-labs/geebot-core/internal/llm"
	"github.com/geebot-labs/geebot-core/internal/stt"
	"github.com/geebot-labs/geebot-core/internal/tts"
	"github.com/geebot-labs/geebot-core/internal/turn"
)

type normalizeFunc func(ctx context.Context, clip audio.Clip) (audio.Clip, error)

func (f normalizeFunc) Normalize(ctx context.Context, clip audio.Clip) (audio.Clip, error) {
	return f(ctx, clip)
}

type transcribeFunc func(ctx context.Context, clip audio.Clip) (stt.Transcript, error)

func (f transcribeFunc) Transcribe(ctx context.Context, clip audio.Clip) (stt.Transcript, error) {
	return f(ctx, clip)
}

type generateFunc func(ctx context.Context, req llm.Request) (llm.Reply, error)

func (f generateFunc) Generate(ctx context.Context, req llm.Request) (llm.Reply, error) {
	return f(ctx, req)
}

type synthesizeFunc func(ctx context.Context, text string) (audio.Clip, error)

func (f synthesizeFunc) Synthesize(ctx context.Context, text string) (audio.Clip, error) {
	return f(ctx, text)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func inputClip() audio.Clip {
	return audio.Clip{Data: []byte("RIFFfake"), Format: audio.Format{Container: "wav"}}
}

func passthroughNormalizer() audio.Normalizer {
	return normalizeFunc(func(_ context.Context, clip audio.Clip) (audio.Clip, error) {
		clip.Format = audio.Format{Container: "wav", SampleRate: 16000, Channels: 1}
		return clip, nil
	})
}

func happyDeps() Deps {
	return Deps{
		Normalizer: passthroughNormalizer(),
		Transcriber: transcribeFunc(func(_ context.Context, _ audio.Clip) (stt.Transcript, error) {
			return stt.Transcript{Text: "where is my invoice", Language: "en-US"}, nil
		}),
		Generator: generateFunc(func(_ context.Context, _ llm.Request) (llm.Reply, error) {
			return llm.Reply{Text: "it is in your inbox"}, nil
		}),
		Synthesizer: synthesizeFunc(func(_ context.Context, _ string) (audio.Clip, error) {
			return audio.Clip{Data: []byte("ID3"), Format: audio.Format{Container: "mp3"}}, nil
		}),
	}
}

func TestVoiceTurnCompletes(t *testing.T) {
	o := New(config.Default(), happyDeps(), testLogger())
	tn := o.RunVoiceTurn(context.Background(), "s1", inputClip())

	if tn.State() != turn.StateComplete {
		t.Fatalf("expected complete, got %s (failure %s: %v)", tn.State(), tn.Failure, tn.Err)
	}
	if tn.Transcript == nil || tn.Reply == nil || tn.Audio == nil {
		t.Fatal("complete turn must carry transcript, reply and audio")
	}
	if tn.Audio.Format.Container != "mp3" {
		t.Fatalf("expected mp3 output, got %q", tn.Audio.Format.Container)
	}
}

func TestEmptyTranscriptFailsAsNoSpeech(t *testing.T) {
	deps := happyDeps()
	deps.Transcriber = transcribeFunc(func(_ context.Context, _ audio.Clip) (stt.Transcript, error) {
		return stt.Transcript{Text: "   "}, nil
	})
	o := New(config.Default(), deps, testLogger())
	tn := o.RunVoiceTurn(context.Background(), "s1", inputClip())

	if tn.State() != turn.StateFailed {
		t.Fatalf("expected failed, got %s", tn.State())
	}
	if tn.Failure != turn.FailureNoSpeech {
		t.Fatalf("expected no_speech failure, got %s", tn.Failure)
	}
	if tn.UserMessage == "" {
		t.Fatal("failed turn must carry a user message")
	}
}

func TestSynthesisFailureDegradesToText(t *testing.T) {
	deps := happyDeps()
	deps.Synthesizer = synthesizeFunc(func(_ context.Context, _ string) (audio.Clip, error) {
		return audio.Clip{}, &tts.ServiceError{Status: "503 Service Unavailable"}
	})
	o := New(config.Default(), deps, testLogger())
	tn := o.RunVoiceTurn(context.Background(), "s1", inputClip())

	if tn.State() != turn.StatePartialComplete {
		t.Fatalf("expected partial_complete, got %s", tn.State())
	}
	if tn.Reply == nil || tn.Reply.Text == "" {
		t.Fatal("degraded turn must keep its reply text")
	}
	if tn.Audio != nil {
		t.Fatal("degraded turn must not carry audio")
	}
	if tn.Failure != turn.FailureSynthesisService {
		t.Fatalf("expected synthesis_service failure, got %s", tn.Failure)
	}
}

func TestGenerationTimeoutRetriesOnce(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.TimeoutMS = 30

	var calls int32
	deps := happyDeps()
	deps.Generator = generateFunc(func(ctx context.Context, _ llm.Request) (llm.Reply, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-ctx.Done()
			return llm.Reply{}, ctx.Err()
		}
		return llm.Reply{Text: "second attempt answer"}, nil
	})
	o := New(cfg, deps, testLogger())
	tn := o.RunVoiceTurn(context.Background(), "s1", inputClip())

	if tn.State() != turn.StateComplete {
		t.Fatalf("expected complete after retry, got %s (failure %s: %v)", tn.State(), tn.Failure, tn.Err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected exactly 2 generation calls, got %d", got)
	}
}

func TestGenerationTimeoutTwiceFails(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.TimeoutMS = 20

	var calls int32
	deps := happyDeps()
	deps.Generator = generateFunc(func(ctx context.Context, _ llm.Request) (llm.Reply, error) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return llm.Reply{}, ctx.Err()
	})
	o := New(cfg, deps, testLogger())
	tn := o.RunVoiceTurn(context.Background(), "s1", inputClip())

	if tn.State() != turn.StateFailed || tn.Failure != turn.FailureGenerationTimeout {
		t.Fatalf("expected generation_timeout failure, got %s/%s", tn.State(), tn.Failure)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected exactly 2 generation calls, got %d", got)
	}
}

func TestRefusalNeverRetried(t *testing.T) {
	var calls int32
	deps := happyDeps()
	deps.Generator = generateFunc(func(_ context.Context, _ llm.Request) (llm.Reply, error) {
		atomic.AddInt32(&calls, 1)
		return llm.Reply{}, llm.ErrRefused
	})
	o := New(config.Default(), deps, testLogger())
	tn := o.RunVoiceTurn(context.Background(), "s1", inputClip())

	if tn.Failure != turn.FailureGenerationRefused {
		t.Fatalf("expected generation_refused, got %s", tn.Failure)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("refusal must not be retried, got %d calls", got)
	}
}

func TestTransientTranscriptionRetried(t *testing.T) {
	cfg := config.Default()
	cfg.Speech.RetryBackoffMS = 1

	var calls int32
	deps := happyDeps()
	deps.Transcriber = transcribeFunc(func(_ context.Context, _ audio.Clip) (stt.Transcript, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return stt.Transcript{}, &stt.ServiceError{Code: "UNAVAILABLE", Transient: true, Err: errors.New("upstream flap")}
		}
		return stt.Transcript{Text: "retried fine"}, nil
	})
	o := New(cfg, deps, testLogger())
	tn := o.RunVoiceTurn(context.Background(), "s1", inputClip())

	if tn.State() != turn.StateComplete {
		t.Fatalf("expected complete after retries, got %s (%v)", tn.State(), tn.Err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 transcription attempts, got %d", got)
	}
}

func TestPermanentTranscriptionNotRetried(t *testing.T) {
	var calls int32
	deps := happyDeps()
	deps.Transcriber = transcribeFunc(func(_ context.Context, _ audio.Clip) (stt.Transcript, error) {
		atomic.AddInt32(&calls, 1)
		return stt.Transcript{}, &stt.ServiceError{Code: "PERMISSION_DENIED", Transient: false, Err: errors.New("bad credentials")}
	})
	o := New(config.Default(), deps, testLogger())
	tn := o.RunVoiceTurn(context.Background(), "s1", inputClip())

	if tn.Failure != turn.FailureTranscriptionService {
		t.Fatalf("expected transcription_service failure, got %s", tn.Failure)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("permanent failure must not be retried, got %d attempts", got)
	}
}

func TestCancelMidTranscribeReleasesTempFile(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "normalized.wav")
	if err := os.WriteFile(tmpFile, []byte("RIFFnormalized"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	started := make(chan struct{})
	deps := happyDeps()
	deps.Normalizer = normalizeFunc(func(_ context.Context, _ audio.Clip) (audio.Clip, error) {
		return audio.Clip{
			Data:   []byte("RIFFnormalized"),
			Format: audio.Format{Container: "wav", SampleRate: 16000, Channels: 1},
			Path:   tmpFile,
		}, nil
	})
	deps.Transcriber = transcribeFunc(func(ctx context.Context, _ audio.Clip) (stt.Transcript, error) {
		close(started)
		<-ctx.Done()
		return stt.Transcript{}, ctx.Err()
	})

	o := New(config.Default(), deps, testLogger())
	result := make(chan *turn.Turn, 1)
	go func() {
		result <- o.RunVoiceTurn(context.Background(), "s1", inputClip())
	}()

	<-started
	if !o.Cancel("s1") {
		t.Fatal("expected an active turn to cancel")
	}
	tn := <-result

	if tn.State() != turn.StateFailed || tn.Failure != turn.FailureCancelled {
		t.Fatalf("expected cancelled failure, got %s/%s", tn.State(), tn.Failure)
	}
	if _, err := os.Stat(tmpFile); !os.IsNotExist(err) {
		t.Fatalf("expected normalized temp file removed after cancellation, stat err: %v", err)
	}
	if o.Cancel("s1") {
		t.Fatal("session must be idle after cancellation")
	}

	// Session accepts a fresh turn immediately.
	next := o.RunTextTurn(context.Background(), "s1", "still there?")
	if next.State() != turn.StateComplete {
		t.Fatalf("expected fresh turn to complete, got %s", next.State())
	}
}

func TestNewTurnSupersedesActiveOne(t *testing.T) {
	started := make(chan struct{})
	deps := happyDeps()
	deps.Transcriber = transcribeFunc(func(ctx context.Context, _ audio.Clip) (stt.Transcript, error) {
		close(started)
		<-ctx.Done()
		return stt.Transcript{}, ctx.Err()
	})

	o := New(config.Default(), deps, testLogger())
	first := make(chan *turn.Turn, 1)
	go func() {
		first <- o.RunVoiceTurn(context.Background(), "s1", inputClip())
	}()
	<-started

	second := o.RunTextTurn(context.Background(), "s1", "new utterance")
	old := <-first

	if old.Failure != turn.FailureCancelled {
		t.Fatalf("expected superseded turn cancelled, got %s", old.Failure)
	}
	if second.State() != turn.StateComplete {
		t.Fatalf("expected new turn to complete, got %s", second.State())
	}
	if second.Reply == nil || second.Reply.Text == "" {
		t.Fatal("superseding turn must carry its own reply")
	}
}

func TestHistoryFlowsIntoGeneration(t *testing.T) {
	cfg := config.Default()
	cfg.History.Path = filepath.Join(t.TempDir(), "history.db")
	store, err := history.Open(context.Background(), cfg.History, testLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var lastHistory []llm.Exchange
	deps := happyDeps()
	deps.History = store
	deps.Generator = generateFunc(func(_ context.Context, req llm.Request) (llm.Reply, error) {
		lastHistory = req.History
		return llm.Reply{Text: "noted"}, nil
	})

	o := New(cfg, deps, testLogger())
	if tn := o.RunTextTurn(context.Background(), "s1", "my name is Ada"); tn.State() != turn.StateComplete {
		t.Fatalf("first turn: %s (%v)", tn.State(), tn.Err)
	}
	if tn := o.RunTextTurn(context.Background(), "s1", "what is my name?"); tn.State() != turn.StateComplete {
		t.Fatalf("second turn: %s (%v)", tn.State(), tn.Err)
	}

	if len(lastHistory) != 2 {
		t.Fatalf("expected prior exchange as context, got %d entries", len(lastHistory))
	}
	if lastHistory[0].Role != "user" || lastHistory[0].Content != "my name is Ada" {
		t.Fatalf("unexpected first context entry: %+v", lastHistory[0])
	}
	if lastHistory[1].Role != "assistant" {
		t.Fatalf("unexpected second context entry: %+v", lastHistory[1])
	}
}

func TestAnalyzeSummarizesHistory(t *testing.T) {
	cfg := config.Default()
	cfg.History.Path = filepath.Join(t.TempDir(), "history.db")
	store, err := history.Open(context.Background(), cfg.History, testLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	deps := happyDeps()
	deps.History = store
	deps.Generator = generateFunc(func(_ context.Context, req llm.Request) (llm.Reply, error) {
		return llm.Reply{Text: "summary: billing question, calm customer"}, nil
	})

	o := New(cfg, deps, testLogger())
	if tn := o.RunTextTurn(context.Background(), "s1", "why was I charged twice?"); tn.State() != turn.StateComplete {
		t.Fatalf("turn: %s (%v)", tn.State(), tn.Err)
	}

	summary, err := o.Analyze(context.Background(), "s1")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if summary == "" {
		t.Fatal("expected non-empty analysis")
	}

	if _, err := o.Analyze(context.Background(), "no-such-session"); err == nil {
		t.Fatal("expected error for session without history")
	}
}

func TestUnsupportedFormatFails(t *testing.T) {
	deps := happyDeps()
	deps.Normalizer = normalizeFunc(func(_ context.Context, clip audio.Clip) (audio.Clip, error) {
		return audio.Clip{}, audio.ErrUnsupportedFormat
	})
	o := New(config.Default(), deps, testLogger())
	tn := o.RunVoiceTurn(context.Background(), "s1", inputClip())

	if tn.Failure != turn.FailureUnsupportedFormat {
		t.Fatalf("expected unsupported_format, got %s", tn.Failure)
	}
	if tn.UserMessage == "" {
		t.Fatal("expected a user-facing message")
	}
}

func TestGenerationTimeoutIsMeasuredPerAttempt(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.TimeoutMS = 40

	deps := happyDeps()
	deps.Generator = generateFunc(func(ctx context.Context, _ llm.Request) (llm.Reply, error) {
		select {
		case <-ctx.Done():
			return llm.Reply{}, ctx.Err()
		case <-time.After(10 * time.Millisecond):
			return llm.Reply{Text: "quick answer"}, nil
		}
	})
	o := New(cfg, deps, testLogger())
	tn := o.RunTextTurn(context.Background(), "s1", "hello")
	if tn.State() != turn.StateComplete {
		t.Fatalf("expected complete, got %s (%v)", tn.State(), tn.Err)
	}
}
