package encoder

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Result describes a finished encoder process.
type Result struct {
	StreamID string
	Output   string
	Size     int64 // -1 when the output could not be stat'ed
	ExitCode int
	Err      error
	Written  uint64
	Dropped  uint64
	Duration time.Duration
}

type LauncherOptions struct {
	FFmpegPath string
	// QueueSize is the number of frames buffered per process before new frames are dropped.
	QueueSize int
	Logger    *zap.Logger
	// OnExit is called from the process' own goroutine once it has been reaped.
	OnExit func(Result)
}

// Launcher spawns one ffmpeg process per recorded stream.
type Launcher struct {
	opts    LauncherOptions
	log     *zap.Logger
	command func(kind Kind, output string) *exec.Cmd
}

func NewLauncher(opts LauncherOptions) *Launcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	l := &Launcher{opts: opts, log: log.Named("encoder")}
	l.command = func(kind Kind, output string) *exec.Cmd {
		return exec.Command(l.opts.FFmpegPath, Args(kind, output)...)
	}
	return l
}

// Process is a running encoder fed through a bounded in-memory queue.
type Process struct {
	streamID string
	output   string
	started  time.Time
	log      *zap.Logger
	onExit   func(Result)

	cmd   *exec.Cmd
	stdin io.WriteCloser
	queue chan []byte

	mu     sync.Mutex
	closed bool

	broken  atomic.Bool
	exited  atomic.Bool
	written atomic.Uint64
	dropped atomic.Uint64

	pumped chan struct{}
	done   chan struct{}
}

// Launch starts an encoder writing kind data for streamID into output.
func (l *Launcher) Launch(streamID, output string, kind Kind) (*Process, error) {
	cmd := l.command(kind, output)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stdin pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start encoder for %s", streamID)
	}

	p := &Process{
		streamID: streamID,
		output:   output,
		started:  time.Now(),
		log:      l.log.With(zap.String("stream", streamID), zap.Int("pid", cmd.Process.Pid)),
		onExit:   l.opts.OnExit,
		cmd:      cmd,
		stdin:    stdin,
		queue:    make(chan []byte, l.opts.QueueSize),
		pumped:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	p.log.Info("encoder started", zap.String("kind", kind.String()), zap.String("output", output))

	go p.pumpInput()
	go p.wait(stderr)

	return p, nil
}

func (p *Process) StreamID() string { return p.streamID }

func (p *Process) Output() string { return p.output }

// Done is closed once the process has exited, been reaped, and its input drained.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Dropped() uint64 { return p.dropped.Load() }

func (p *Process) Written() uint64 { return p.written.Load() }

// Writable reports whether Write can still accept data.
func (p *Process) Writable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && !p.exited.Load() && !p.broken.Load()
}

// Write queues data for the encoder without blocking. It returns false and
// counts a drop when the process is closing, dead, or its queue is full.
// The slice must not be modified after the call.
func (p *Process) Write(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.exited.Load() || p.broken.Load() {
		p.dropped.Add(1)
		return false
	}

	select {
	case p.queue <- data:
		return true
	default:
		if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
			p.log.Warn("encoder queue full, dropping frames", zap.Uint64("dropped", n))
		}
		return false
	}
}

// Close ends the input stream once the queued frames are written. It does not
// wait for the encoder to finish.
func (p *Process) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.queue)
}

// Shutdown closes the input and waits for the encoder to exit, killing it
// when ctx expires first.
func (p *Process) Shutdown(ctx context.Context) error {
	p.Close()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.log.Warn("encoder did not exit in time, killing it")
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return errors.Wrap(err, "failed to kill encoder")
		}
		<-p.done
		return ctx.Err()
	}
}

func (p *Process) pumpInput() {
	defer close(p.pumped)
	defer func() {
		if err := p.stdin.Close(); err != nil && !isClosedPipe(err) {
			p.log.Warn("failed to close encoder stdin", zap.Error(err))
		}
	}()

	for data := range p.queue {
		if p.broken.Load() {
			continue
		}
		if _, err := p.stdin.Write(data); err != nil {
			p.broken.Store(true)
			if isClosedPipe(err) {
				p.log.Debug("encoder input closed before all frames were written", zap.Error(err))
			} else {
				p.log.Error("encoder stdin write failed", zap.Error(err))
			}
			continue
		}
		p.written.Add(uint64(len(data)))
	}
}

func (p *Process) wait(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Split(scanProgressLines)
	for scanner.Scan() {
		if line := scanner.Bytes(); len(line) > 0 {
			p.log.Debug("ffmpeg", zap.ByteString("line", line))
		}
	}
	if err := scanner.Err(); err != nil {
		p.log.Debug("ffmpeg output no longer logged", zap.Error(err))
		// ffmpeg blocks on a full stderr pipe, so keep reading until it exits.
		_, _ = io.Copy(io.Discard, stderr)
	}

	err := p.cmd.Wait()
	p.exited.Store(true)
	p.Close()
	<-p.pumped

	result := Result{
		StreamID: p.streamID,
		Output:   p.output,
		Size:     -1,
		ExitCode: p.cmd.ProcessState.ExitCode(),
		Err:      err,
		Written:  p.written.Load(),
		Dropped:  p.dropped.Load(),
		Duration: time.Since(p.started),
	}

	fields := []zap.Field{
		zap.String("output", p.output),
		zap.Int("exit_code", result.ExitCode),
		zap.Uint64("bytes_in", result.Written),
		zap.Uint64("dropped_frames", result.Dropped),
		zap.Duration("duration", result.Duration),
	}
	if info, statErr := os.Stat(p.output); statErr == nil {
		result.Size = info.Size()
		fields = append(fields, zap.Int64("size_bytes", result.Size))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	p.log.Info("recording saved", fields...)

	if p.onExit != nil {
		p.onExit(result)
	}
	close(p.done)
}

// scanProgressLines splits on \n and on the \r ffmpeg uses to redraw its
// progress line.
func scanProgressLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func isClosedPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed)
}
