package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/geebot-labs/geebot-core/internal/config"
	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func writeFixtureWAV(t *testing.T, path string, samples int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	buf := &gaudio.IntBuffer{
		Format: &gaudio.Format{NumChannels: 1, SampleRate: 16000},
		Data:   make([]int, samples),
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close fixture encoder: %v", err)
	}
}

func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "fake_ffmpeg.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	return "/bin/sh " + script
}

func TestContainerFromMIME(t *testing.T) {
	cases := map[string]string{
		"audio/webm":             "webm",
		"audio/wav":              "wav",
		"audio/x-wav":            "wav",
		"audio/mpeg":             "mp3",
		"audio/ogg; codecs=opus": "ogg",
		"audio/x-m4a":            "m4a",
	}
	for mime, want := range cases {
		got, err := ContainerFromMIME(mime)
		if err != nil {
			t.Fatalf("ContainerFromMIME(%q): %v", mime, err)
		}
		if got != want {
			t.Fatalf("ContainerFromMIME(%q) = %q, want %q", mime, got, want)
		}
	}
	if _, err := ContainerFromMIME("audio/flac"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format error, got %v", err)
	}
}

func TestNormalizeRejectsUnsupportedContainer(t *testing.T) {
	cfg := config.Default().Audio
	n, err := NewFFmpegNormalizer(cfg)
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	_, err = n.Normalize(context.Background(), Clip{
		Data:   []byte{1, 2, 3},
		Format: Format{Container: "flac"},
	})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format error, got %v", err)
	}
}

func TestNormalizeProducesCanonicalWAV(t *testing.T) {
	fixture := filepath.Join(t.TempDir(), "fixture.wav")
	writeFixtureWAV(t, fixture, 16000)
	t.Setenv("FIXTURE_WAV", fixture)

	cfg := config.Default().Audio
	cfg.FFmpegCommand = fakeFFmpeg(t, `for out in "$@"; do :; done
cp "$FIXTURE_WAV" "$out"`)
	cfg.TempDir = t.TempDir()
	cfg.MinOutputSize = 1000

	n, err := NewFFmpegNormalizer(cfg)
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	clip, err := n.Normalize(context.Background(), Clip{
		Data:   []byte{0x1a, 0x45, 0xdf, 0xa3},
		Format: Format{Container: "webm"},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	defer clip.Release()

	if clip.Format.Container != "wav" {
		t.Fatalf("expected wav container, got %q", clip.Format.Container)
	}
	if clip.Format.SampleRate != 16000 {
		t.Fatalf("expected 16 kHz, got %d", clip.Format.SampleRate)
	}
	if clip.Format.Channels != 1 {
		t.Fatalf("expected mono, got %d channels", clip.Format.Channels)
	}
	if clip.Path == "" {
		t.Fatal("expected scoped temp file path on normalized clip")
	}
	if _, err := os.Stat(clip.Path); err != nil {
		t.Fatalf("expected temp file to exist: %v", err)
	}

	clip.Release()
	if _, err := os.Stat(clip.Path); !os.IsNotExist(err) && clip.Path != "" {
		t.Fatal("expected temp file removed after release")
	}
}

func TestNormalizeTinyOutputIsNoAudio(t *testing.T) {
	fixture := filepath.Join(t.TempDir(), "fixture.wav")
	writeFixtureWAV(t, fixture, 100)
	t.Setenv("FIXTURE_WAV", fixture)

	cfg := config.Default().Audio
	cfg.FFmpegCommand = fakeFFmpeg(t, `for out in "$@"; do :; done
cp "$FIXTURE_WAV" "$out"`)
	tmp := t.TempDir()
	cfg.TempDir = tmp
	cfg.MinOutputSize = 2000

	n, err := NewFFmpegNormalizer(cfg)
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	_, err = n.Normalize(context.Background(), Clip{
		Data:   []byte{1},
		Format: Format{Container: "ogg"},
	})
	if !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected no-audio error, got %v", err)
	}

	entries, err := os.ReadDir(tmp)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temp files cleaned up, found %d entries", len(entries))
	}
}

func TestNormalizeCancelledCleansUp(t *testing.T) {
	cfg := config.Default().Audio
	cfg.FFmpegCommand = fakeFFmpeg(t, "sleep 30")
	tmp := t.TempDir()
	cfg.TempDir = tmp

	n, err := NewFFmpegNormalizer(cfg)
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err = n.Normalize(ctx, Clip{Data: []byte{1}, Format: Format{Container: "wav"}})
	var te *TranscodeError
	if !errors.As(err, &te) {
		t.Fatalf("expected transcode error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation cause, got %v", err)
	}

	entries, err := os.ReadDir(tmp)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temp files cleaned up after cancellation, found %d", len(entries))
	}
}
