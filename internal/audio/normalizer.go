package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/geebot-labs/geebot-core/internal/config"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// ErrNoAudio reports a capture that produced no usable signal (empty or
// too-small output after transcoding).
var ErrNoAudio = errors.New("no audio captured")

// TranscodeError wraps a failed or timed-out external conversion.
type TranscodeError struct {
	Stderr string
	Err    error
}

func (e *TranscodeError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("transcode failed: %v: %s", e.Err, e.Stderr)
	}
	return fmt.Sprintf("transcode failed: %v", e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// Normalizer transcodes arbitrary supported input into the canonical layout
// required by the transcription provider.
type Normalizer interface {
	Normalize(ctx context.Context, clip Clip) (Clip, error)
}

type ffmpegNormalizer struct {
	cmd []string
	cfg config.AudioConfig
}

// NewFFmpegNormalizer builds a normalizer that shells out to ffmpeg.
func NewFFmpegNormalizer(cfg config.AudioConfig) (Normalizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.FFmpegCommand)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("ffmpeg command is empty")
	}
	return &ffmpegNormalizer{cmd: args, cfg: cfg}, nil
}

func (n *ffmpegNormalizer) Normalize(ctx context.Context, clip Clip) (Clip, error) {
	if !Supported(clip.Format.Container) {
		return Clip{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, clip.Format.Container)
	}
	if len(clip.Data) == 0 {
		return Clip{}, ErrNoAudio
	}

	tmpDir := n.cfg.TempDir
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}

	in, err := os.CreateTemp(tmpDir, "geebot_in_*."+clip.Format.Container)
	if err != nil {
		return Clip{}, fmt.Errorf("temp input file: %w", err)
	}
	defer os.Remove(in.Name())
	if _, err := in.Write(clip.Data); err != nil {
		in.Close()
		return Clip{}, fmt.Errorf("write temp input: %w", err)
	}
	if err := in.Close(); err != nil {
		return Clip{}, fmt.Errorf("close temp input: %w", err)
	}

	out, err := os.CreateTemp(tmpDir, "geebot_norm_*.wav")
	if err != nil {
		return Clip{}, fmt.Errorf("temp output file: %w", err)
	}
	outPath := out.Name()
	out.Close()

	// The output file survives into the returned clip; every other exit path
	// removes it.
	keepOutput := false
	defer func() {
		if !keepOutput {
			os.Remove(outPath)
		}
	}()

	args := append([]string{}, n.cmd[1:]...)
	args = append(args,
		"-y",
		"-i", in.Name(),
		"-ar", strconv.Itoa(n.cfg.SampleRate),
		"-ac", strconv.Itoa(n.cfg.Channels),
		outPath,
	)
	command := exec.CommandContext(ctx, n.cmd[0], args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Clip{}, &TranscodeError{Err: ctxErr}
		}
		if looksUndecodable(stderr.String()) {
			return Clip{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, clip.Format.Container)
		}
		return Clip{}, &TranscodeError{Stderr: truncate(stderr.String(), 512), Err: err}
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return Clip{}, &TranscodeError{Err: err}
	}
	if len(data) < n.cfg.MinOutputSize {
		return Clip{}, ErrNoAudio
	}

	format, err := probeWAV(data)
	if err != nil {
		return Clip{}, &TranscodeError{Err: err}
	}

	keepOutput = true
	return Clip{Data: data, Format: format, Path: outPath}, nil
}

// probeWAV reads the converted file's header so the descriptor reflects what
// ffmpeg actually produced rather than what we asked for.
func probeWAV(data []byte) (Format, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return Format{}, fmt.Errorf("probe wav: %w", err)
	}
	if dec.SampleRate == 0 || dec.NumChans == 0 {
		return Format{}, errors.New("probe wav: missing format header")
	}
	f := Format{
		Container:  "wav",
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}
	if d, err := dec.Duration(); err == nil {
		f.Duration = d
	}
	return f, nil
}

func looksUndecodable(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "invalid data found") ||
		strings.Contains(s, "unknown format") ||
		strings.Contains(s, "could not find codec")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
