package encoder

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newShellLauncher replaces ffmpeg with a shell script receiving the output path as $1.
func newShellLauncher(t *testing.T, script string, queueSize int, onExit func(Result)) *Launcher {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	l := NewLauncher(LauncherOptions{QueueSize: queueSize, Logger: zaptest.NewLogger(t), OnExit: onExit})
	l.command = func(kind Kind, output string) *exec.Cmd {
		return exec.Command("sh", "-c", script, "sh", output)
	}
	return l
}

func waitDone(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("encoder for %s did not exit", p.StreamID())
	}
}

func TestArgs(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		want []string
	}{
		{
			name: "host audio is stream-copied",
			kind: KindAudio,
			want: []string{"-y", "-i", "pipe:0", "-c", "copy", "out.mkv"},
		},
		{
			name: "camera video is transcoded and rotated",
			kind: KindVideo,
			want: []string{"-y", "-i", "pipe:0", "-c:v", "libx264", "-preset", "ultrafast", "-vf", "transpose=1", "-c:a", "copy", "out.mkv"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Args(tt.kind, "out.mkv"))
		})
	}
}

func TestProcess_WritesAndDrains(t *testing.T) {
	output := filepath.Join(t.TempDir(), "recording_1_cam1.mkv")
	results := make(chan Result, 1)
	l := newShellLauncher(t, `cat > "$1"`, 16, func(r Result) { results <- r })

	p, err := l.Launch("cam1", output, KindVideo)
	require.NoError(t, err)

	assert.True(t, p.Writable())
	assert.True(t, p.Write([]byte("hello ")))
	assert.True(t, p.Write([]byte("world")))

	p.Close()
	assert.False(t, p.Writable())
	assert.False(t, p.Write([]byte("late")), "writes after close are dropped")

	waitDone(t, p)

	content, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))

	r := <-results
	assert.Equal(t, "cam1", r.StreamID)
	assert.Equal(t, output, r.Output)
	assert.Equal(t, int64(11), r.Size)
	assert.Equal(t, 0, r.ExitCode)
	assert.NoError(t, r.Err)
	assert.Equal(t, uint64(11), r.Written)
	assert.Equal(t, uint64(1), p.Dropped())
}

func TestProcess_CloseIsIdempotent(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.mkv")
	l := newShellLauncher(t, `cat > "$1"`, 4, nil)

	p, err := l.Launch("host_audio", output, KindAudio)
	require.NoError(t, err)

	p.Close()
	p.Close()
	waitDone(t, p)
}

func TestProcess_ExitWithoutOutput(t *testing.T) {
	output := filepath.Join(t.TempDir(), "never-written.mkv")
	results := make(chan Result, 1)
	l := newShellLauncher(t, `exit 3`, 4, func(r Result) { results <- r })

	p, err := l.Launch("cam2", output, KindVideo)
	require.NoError(t, err)
	waitDone(t, p)

	r := <-results
	assert.Equal(t, 3, r.ExitCode)
	assert.Error(t, r.Err)
	assert.Equal(t, int64(-1), r.Size, "missing output is reported without a size")

	assert.False(t, p.Writable())
	assert.False(t, p.Write([]byte("frame")))
	p.Close()
}

func TestProcess_BrokenPipeIsSuppressed(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.mkv")
	l := newShellLauncher(t, `exec 0<&-; sleep 0.2`, 64, nil)

	p, err := l.Launch("cam3", output, KindVideo)
	require.NoError(t, err)

	chunk := bytes.Repeat([]byte{0x1}, 64*1024)
	for i := 0; i < 8; i++ {
		p.Write(chunk)
	}
	waitDone(t, p)

	assert.False(t, p.Writable())
	assert.Less(t, p.Written(), uint64(8*len(chunk)))
	p.Close()
}

func TestProcess_DropsWhenQueueIsFull(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.mkv")
	l := newShellLauncher(t, `exec sleep 30`, 1, nil)

	p, err := l.Launch("cam4", output, KindVideo)
	require.NoError(t, err)

	chunk := bytes.Repeat([]byte{0x2}, 256*1024)
	for i := 0; i < 3; i++ {
		p.Write(chunk)
	}
	assert.GreaterOrEqual(t, p.Dropped(), uint64(1))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)

	select {
	case <-p.Done():
	default:
		t.Fatal("process should be reaped after shutdown")
	}
}

func TestLauncher_LaunchFailure(t *testing.T) {
	l := NewLauncher(LauncherOptions{FFmpegPath: filepath.Join(t.TempDir(), "missing-ffmpeg"), Logger: zaptest.NewLogger(t)})

	_, err := l.Launch("cam5", filepath.Join(t.TempDir(), "out.mkv"), KindVideo)
	assert.Error(t, err)
}

func TestFFmpegService_VersionMissingBinary(t *testing.T) {
	svc := NewFFmpegService(filepath.Join(t.TempDir(), "missing-ffmpeg"))

	_, err := svc.Version()
	assert.Error(t, err)
	assert.Contains(t, svc.Path(), "missing-ffmpeg")
}

func TestScanProgressLines(t *testing.T) {
	input := "ffmpeg version 6.1\nframe=    1 fps=0.0\rframe=   30 fps=30\rvideo:12kB audio:0kB\n"
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Split(scanProgressLines)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"ffmpeg version 6.1", "frame=    1 fps=0.0", "frame=   30 fps=30", "video:12kB audio:0kB"}, lines)
}

func TestProcess_LongProgressOutputDoesNotStall(t *testing.T) {
	output := filepath.Join(t.TempDir(), "recording_1_cam1.mkv")
	script := `i=0
while [ $i -lt 3000 ]; do
	printf 'frame=%5d fps=30 q=28.0 size=    1024kB time=00:00:01.00 bitrate= 100.0kbits/s speed=1x\r' $i >&2
	i=$((i+1))
done
cat > "$1"`
	l := newShellLauncher(t, script, 16, nil)

	p, err := l.Launch("cam1", output, KindVideo)
	require.NoError(t, err)
	require.True(t, p.Write([]byte("frame data")))
	p.Close()

	waitDone(t, p)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "frame data", string(data))
}

func TestProcess_OversizedStderrLineIsDrained(t *testing.T) {
	output := filepath.Join(t.TempDir(), "recording_1_host_audio.mkv")
	script := `dd if=/dev/zero bs=1024 count=256 2>/dev/null | tr '\000' 'x' >&2
cat > "$1"`
	l := newShellLauncher(t, script, 16, nil)

	p, err := l.Launch("host_audio", output, KindAudio)
	require.NoError(t, err)
	require.True(t, p.Write([]byte("audio")))
	p.Close()

	waitDone(t, p)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "audio", string(data))
}
