package encoder

import (
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Kind selects the ffmpeg argument set used for a stream.
type Kind int

const (
	// KindAudio is the host microphone track, stream-copied as is.
	KindAudio Kind = iota
	// KindVideo is a camera track, re-encoded and rotated to landscape.
	KindVideo
)

func (k Kind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "audio"
}

// Args builds the ffmpeg arguments reading a raw stream from stdin into output.
func Args(kind Kind, output string) []string {
	args := []string{"-y", "-i", "pipe:0"}

	if kind == KindVideo {
		// transpose=1 rotates 90 degrees clockwise
		args = append(args,
			"-c:v", "libx264",
			"-preset", "ultrafast",
			"-vf", "transpose=1",
			"-c:a", "copy",
		)
	} else {
		args = append(args, "-c", "copy")
	}

	return append(args, output)
}

// FFmpegService handles FFmpeg probing
type FFmpegService struct {
	ffmpegPath string
}

// NewFFmpegService creates a new FFmpeg service
func NewFFmpegService(ffmpegPath string) *FFmpegService {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegService{ffmpegPath: ffmpegPath}
}

// Path returns the executable used to launch encoders.
func (f *FFmpegService) Path() string {
	return f.ffmpegPath
}

// Version runs `ffmpeg -version` and returns the first line of its output.
func (f *FFmpegService) Version() (string, error) {
	output, err := exec.Command(f.ffmpegPath, "-version").Output()
	if err != nil {
		return "", errors.Wrap(err, "ffmpeg not found")
	}

	if !strings.Contains(string(output), "ffmpeg version") {
		return "", errors.New("ffmpeg not properly installed")
	}

	line, _, _ := strings.Cut(string(output), "\n")
	return strings.TrimSpace(line), nil
}
