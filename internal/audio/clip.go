package audio

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Format describes a clip's container and sample layout.
type Format struct {
	Container  string
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// Clip is an immutable audio payload plus its format descriptor. Path, when
// set, points at a scoped temporary file holding the same bytes; the owner of
// the clip must call Release once the clip is no longer needed.
type Clip struct {
	Data   []byte
	Format Format
	Path   string
}

// Release removes the clip's backing temp file, if any. Safe to call twice.
func (c *Clip) Release() {
	if c == nil || c.Path == "" {
		return
	}
	_ = os.Remove(c.Path)
	c.Path = ""
}

// Containers the capture widget and file upload are allowed to hand us.
var supportedContainers = map[string]bool{
	"wav":  true,
	"mp3":  true,
	"m4a":  true,
	"mp4":  true,
	"webm": true,
	"ogg":  true,
}

// ErrUnsupportedFormat reports an input container the normalizer cannot decode.
var ErrUnsupportedFormat = fmt.Errorf("unsupported audio format")

// ContainerFromMIME maps a capture/upload MIME type onto a container name.
func ContainerFromMIME(mime string) (string, error) {
	mime = strings.TrimSpace(strings.ToLower(mime))
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	sub := mime
	if i := strings.LastIndex(mime, "/"); i >= 0 {
		sub = mime[i+1:]
	}
	switch sub {
	case "wave", "x-wav", "vnd.wave":
		sub = "wav"
	case "mpeg", "mpeg3", "x-mpeg-3":
		sub = "mp3"
	case "x-m4a", "aac":
		sub = "m4a"
	}
	if !supportedContainers[sub] {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, mime)
	}
	return sub, nil
}

// Supported reports whether the container can be fed to the normalizer.
func Supported(container string) bool {
	return supportedContainers[strings.ToLower(container)]
}
