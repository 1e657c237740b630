package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/geebot-labs/geebot-core/internal/audio"
	"github.com/geebot-labs/geebot-core/internal/config"
)

// The translate endpoint refuses very long utterances; replies are split at
// whitespace below this limit and the MP3 segments concatenated.
const maxSegmentLen = 200

// TranslateSynthesizer fetches MP3 speech from a Google-Translate-compatible
// TTS endpoint, the same service the gTTS tooling uses.
type TranslateSynthesizer struct {
	cfg    config.TTSConfig
	client *http.Client
}

func NewTranslateSynthesizer(cfg config.TTSConfig) *TranslateSynthesizer {
	return &TranslateSynthesizer{cfg: cfg, client: http.DefaultClient}
}

func (t *TranslateSynthesizer) Synthesize(ctx context.Context, text string) (audio.Clip, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return audio.Clip{}, ErrEmptyReply
	}

	var data []byte
	for _, segment := range splitSegments(text, maxSegmentLen) {
		chunk, err := t.fetchSegment(ctx, segment)
		if err != nil {
			return audio.Clip{}, err
		}
		data = append(data, chunk...)
	}
	if len(data) == 0 {
		return audio.Clip{}, &ServiceError{Err: fmt.Errorf("provider returned no audio")}
	}

	return audio.Clip{
		Data:   data,
		Format: audio.Format{Container: "mp3"},
	}, nil
}

func (t *TranslateSynthesizer) fetchSegment(ctx context.Context, segment string) ([]byte, error) {
	query := url.Values{}
	query.Set("ie", "UTF-8")
	query.Set("client", "tw-ob")
	query.Set("tl", t.cfg.Language)
	query.Set("q", segment)
	query.Set("textlen", strconv.Itoa(len(segment)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.Endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, &ServiceError{Err: err}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ServiceError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ServiceError{Status: resp.Status}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ServiceError{Err: err}
	}
	return body, nil
}

// splitSegments breaks text at whitespace so no segment exceeds limit. A
// single overlong word is passed through as its own segment.
func splitSegments(text string, limit int) []string {
	words := strings.Fields(text)
	var segments []string
	var current strings.Builder
	for _, w := range words {
		if current.Len() > 0 && current.Len()+1+len(w) > limit {
			segments = append(segments, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(w)
	}
	if current.Len() > 0 {
		segments = append(segments, current.String())
	}
	return segments
}
