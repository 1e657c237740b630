package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv2"
	"cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/geebot-labs/geebot-core/internal/audio"
	"github.com/geebot-labs/geebot-core/internal/config"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GoogleTranscriber calls Cloud Speech-to-Text v2 against a regional
// endpoint. The gRPC client is constructed once and injected; the recognizer
// resource handle is ephemeral and rebuilt for every call.
type GoogleTranscriber struct {
	client *speech.Client
	cfg    config.SpeechConfig
}

func NewGoogleTranscriber(ctx context.Context, cfg config.SpeechConfig, opts ...option.ClientOption) (*GoogleTranscriber, error) {
	endpoint := fmt.Sprintf("%s-speech.googleapis.com:443", cfg.Location)
	opts = append([]option.ClientOption{option.WithEndpoint(endpoint)}, opts...)
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &GoogleTranscriber{client: client, cfg: cfg}, nil
}

func (g *GoogleTranscriber) Close() error {
	return g.client.Close()
}

func (g *GoogleTranscriber) Transcribe(ctx context.Context, clip audio.Clip) (Transcript, error) {
	// The default recognizer ("_") is a per-call capability, never a cached
	// resource, so no server-side state outlives the turn.
	recognizer := fmt.Sprintf("projects/%s/locations/%s/recognizers/_", g.cfg.Project, g.cfg.Location)

	req := &speechpb.RecognizeRequest{
		Recognizer: recognizer,
		Config: &speechpb.RecognitionConfig{
			DecodingConfig: &speechpb.RecognitionConfig_AutoDecodingConfig{
				AutoDecodingConfig: &speechpb.AutoDetectDecodingConfig{},
			},
			Model:         g.cfg.Model,
			LanguageCodes: g.cfg.LanguageCodes,
		},
		AudioSource: &speechpb.RecognizeRequest_Content{Content: clip.Data},
	}

	resp, err := g.client.Recognize(ctx, req)
	if err != nil {
		return Transcript{}, Classify(err)
	}

	for _, result := range resp.GetResults() {
		for _, alt := range result.GetAlternatives() {
			text := strings.TrimSpace(alt.GetTranscript())
			if text == "" {
				continue
			}
			return Transcript{
				Text:       text,
				Confidence: float64(alt.GetConfidence()),
				Language:   result.GetLanguageCode(),
			}, nil
		}
	}
	return Transcript{}, ErrNoSpeech
}

// Classify maps a provider error onto the retry taxonomy: network-ish gRPC
// codes are transient, quota and auth are permanent, cancellation passes
// through untouched.
func Classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ServiceError{Code: codes.DeadlineExceeded.String(), Transient: true, Err: err}
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
			return &ServiceError{Code: s.Code().String(), Transient: true, Err: err}
		case codes.ResourceExhausted, codes.Unauthenticated, codes.PermissionDenied:
			return &ServiceError{Code: s.Code().String(), Transient: false, Err: err}
		default:
			return &ServiceError{Code: s.Code().String(), Transient: false, Err: err}
		}
	}
	return &ServiceError{Code: codes.Unknown.String(), Transient: false, Err: err}
}
