package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/geebot-labs/geebot-core/internal/audio"
	"github.com/geebot-labs/geebot-core/internal/pipeline"
	"github.com/geebot-labs/geebot-core/internal/turn"
	"github.com/google/uuid"
)

const maxUploadBytes = 32 << 20

// turnResponse is the boundary representation of a terminated turn. Audio is
// base64-encoded by the JSON encoder.
type turnResponse struct {
	TurnID         string `json:"turn_id"`
	SessionID      string `json:"session_id"`
	State          string `json:"state"`
	Failure        string `json:"failure,omitempty"`
	Message        string `json:"message,omitempty"`
	Transcript     string `json:"transcript,omitempty"`
	Reply          string `json:"reply,omitempty"`
	Audio          []byte `json:"audio,omitempty"`
	AudioContainer string `json:"audio_container,omitempty"`
}

type textTurnRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type historyEntry struct {
	TurnID    string    `json:"turn_id"`
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	Failure   string    `json:"failure,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Runtime) registerTurnRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/turns", r.handleVoiceTurn)
	mux.HandleFunc("POST /v1/turns/text", r.handleTextTurn)
	mux.HandleFunc("DELETE /v1/sessions/{id}/turn", r.handleCancelTurn)
	mux.HandleFunc("GET /v1/sessions/{id}/history", r.handleHistory)
	mux.HandleFunc("POST /v1/sessions/{id}/analysis", r.handleAnalysis)
}

func (r *Runtime) handleVoiceTurn(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart payload")
		return
	}
	file, header, err := req.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing audio part")
		return
	}
	defer file.Close()

	container, err := audio.ContainerFromMIME(header.Header.Get("Content-Type"))
	if err != nil {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")
		if !audio.Supported(ext) {
			writeError(w, http.StatusUnsupportedMediaType, "unsupported audio format")
			return
		}
		container = ext
	}

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read audio")
		return
	}

	sessionID := req.FormValue("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	tn := r.orchestrator.RunVoiceTurn(req.Context(), sessionID, audio.Clip{
		Data:   data,
		Format: audio.Format{Container: container},
	})
	writeTurn(w, tn)
}

func (r *Runtime) handleTextTurn(w http.ResponseWriter, req *http.Request) {
	var body textTurnRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if body.SessionID == "" {
		body.SessionID = uuid.NewString()
	}

	tn := r.orchestrator.RunTextTurn(req.Context(), body.SessionID, body.Text)
	writeTurn(w, tn)
}

func (r *Runtime) handleCancelTurn(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("id")
	if !r.orchestrator.Cancel(sessionID) {
		writeError(w, http.StatusNotFound, "no active turn for session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("id")
	limit := 20
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	exchanges, err := r.orchestrator.History(req.Context(), sessionID, limit)
	if err != nil {
		r.logger.Error("history lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	entries := make([]historyEntry, 0, len(exchanges))
	for _, ex := range exchanges {
		entries = append(entries, historyEntry{
			TurnID:    ex.TurnID,
			User:      ex.UserText,
			Assistant: ex.ReplyText,
			Failure:   ex.Failure,
			CreatedAt: ex.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"exchanges":  entries,
	})
}

func (r *Runtime) handleAnalysis(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("id")
	summary, err := r.orchestrator.Analyze(req.Context(), sessionID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNoHistory) {
			writeError(w, http.StatusNotFound, "no history for session")
			return
		}
		r.logger.Error("analysis failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "analysis unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"analysis":   summary,
	})
}

func writeTurn(w http.ResponseWriter, tn *turn.Turn) {
	resp := turnResponse{
		TurnID:    tn.ID,
		SessionID: tn.SessionID,
		State:     string(tn.State()),
		Failure:   string(tn.Failure),
		Message:   tn.UserMessage,
	}
	if tn.Transcript != nil {
		resp.Transcript = tn.Transcript.Text
	}
	if tn.Reply != nil {
		resp.Reply = tn.Reply.Text
	}
	if tn.Audio != nil {
		resp.Audio = tn.Audio.Data
		resp.AudioContainer = tn.Audio.Format.Container
	}
	writeJSON(w, turnStatus(tn), resp)
}

// turnStatus maps terminal turn states onto boundary status codes. Degraded
// turns still deliver a usable reply, so they stay 200.
func turnStatus(tn *turn.Turn) int {
	switch tn.State() {
	case turn.StateComplete, turn.StatePartialComplete:
		return http.StatusOK
	}
	switch tn.Failure {
	case turn.FailureUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case turn.FailureNoSpeech, turn.FailureTranscode:
		return http.StatusUnprocessableEntity
	case turn.FailureCancelled:
		return http.StatusConflict
	case turn.FailureGenerationRefused:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
