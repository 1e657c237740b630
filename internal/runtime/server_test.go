package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/geebot-labs/geebot-core/internal/audio"
	"github.com/geebot-labs/geebot-core/internal/config"
	"github.com/geebot-labs/geebot-core/internal/history"
	"github.com/geebot-labs/geebot-core/internal/llm"
	"github.com/geebot-labs/geebot-core/internal/pipeline"
	"github.com/geebot-labs/geebot-core/internal/stt"
	"github.com/geebot-labs/geebot-core/internal/tts"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.History.RetentionMode = "ephemeral"
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := history.Open(context.Background(), cfg.History, logger)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rt := New(cfg, logger)
	rt.orchestrator = pipeline.New(cfg, pipeline.Deps{
		Normalizer:  audio.NewMockNormalizer(cfg.Audio.SampleRate, cfg.Audio.Channels),
		Transcriber: stt.NewMockTranscriber(),
		Generator:   llm.NewMockGenerator(),
		Synthesizer: tts.NewMockSynthesizer(),
		History:     store,
	}, logger)

	mux := http.NewServeMux()
	rt.registerTurnRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTextTurnEndpoint(t *testing.T) {
	srv := testServer(t)

	body := `{"session_id":"s1","text":"where is my invoice?"}`
	resp, err := http.Post(srv.URL+"/v1/turns/text", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out struct {
		State string `json:"state"`
		Reply string `json:"reply"`
		Audio []byte `json:"audio"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.State != "complete" {
		t.Fatalf("expected complete turn, got %q", out.State)
	}
	if out.Reply == "" {
		t.Fatal("expected a reply")
	}
	if len(out.Audio) == 0 {
		t.Fatal("expected synthesized audio in response")
	}
}

func TestTextTurnRequiresText(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Post(srv.URL+"/v1/turns/text", "application/json", strings.NewReader(`{"session_id":"s1","text":"  "}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestVoiceTurnEndpoint(t *testing.T) {
	srv := testServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("session_id", "s1"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := mw.CreateFormFile("audio", "capture.wav")
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write([]byte("RIFFfakewavdata")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()

	resp, err := http.Post(srv.URL+"/v1/turns", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out struct {
		State      string `json:"state"`
		Transcript string `json:"transcript"`
		Reply      string `json:"reply"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.State != "complete" {
		t.Fatalf("expected complete turn, got %q", out.State)
	}
	if out.Transcript == "" || out.Reply == "" {
		t.Fatal("expected transcript and reply in response")
	}
}

func TestVoiceTurnRejectsUnknownFormat(t *testing.T) {
	srv := testServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", "notes.txt")
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write([]byte("plain text")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()

	resp, err := http.Post(srv.URL+"/v1/turns", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", resp.StatusCode)
	}
}

func TestCancelWithoutActiveTurn(t *testing.T) {
	srv := testServer(t)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/sessions/s1/turn", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHistoryEndpointEmptySession(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/v1/sessions/s1/history")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out struct {
		Exchanges []struct{} `json:"exchanges"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Exchanges) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(out.Exchanges))
	}
}

func TestAnalysisWithoutHistory(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Post(srv.URL+"/v1/sessions/empty/analysis", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
