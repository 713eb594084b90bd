package archive

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mishran/internal/encoder"
	"mishran/internal/library"
)

const queueSize = 64

// Job is one finished recording waiting to be archived.
type Job struct {
	Key  string
	Path string
}

type Options struct {
	Workers      int
	MaxRetries   int
	RetryBackoff time.Duration
	// DeleteLocal removes the file once it has been uploaded.
	DeleteLocal bool
	Logger      *zap.Logger
}

// Uploader archives finished recordings with a fixed pool of workers,
// retrying failed uploads with exponential backoff.
type Uploader struct {
	store Store
	opts  Options
	log   *zap.Logger

	jobs   chan Job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool

	uploaded atomic.Uint64
	failed   atomic.Uint64
}

func NewUploader(store Store, opts Options) *Uploader {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Uploader{
		store: store,
		opts:  opts,
		log:   log.Named("archive"),
		jobs:  make(chan Job, queueSize),
	}
}

// Key is the object name a recording is stored under: its session id as a
// prefix when the file name carries one.
func Key(path string) string {
	name := filepath.Base(path)
	if sessionID, _, ok := library.ParseFileName(name); ok {
		return strconv.FormatInt(sessionID, 10) + "/" + name
	}
	return name
}

// Start spins up the workers. In-flight uploads are abandoned once ctx is done.
func (u *Uploader) Start(ctx context.Context) {
	u.ctx, u.cancel = context.WithCancel(ctx)

	for i := 0; i < u.opts.Workers; i++ {
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			u.spinWorker()
		}()
	}
}

// Enqueue schedules job and reports whether it was accepted.
func (u *Uploader) Enqueue(job Job) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		u.log.Warn("archive stopped, keeping recording local", zap.String("file", job.Path))
		return false
	}
	select {
	case u.jobs <- job:
		return true
	default:
		u.log.Warn("archive queue full, keeping recording local", zap.String("file", job.Path))
		return false
	}
}

// Archive queues a finished encoder output. Empty or missing outputs are skipped.
func (u *Uploader) Archive(r encoder.Result) {
	if r.Size <= 0 {
		u.log.Debug("nothing to archive", zap.String("stream", r.StreamID), zap.String("file", r.Output))
		return
	}
	u.Enqueue(Job{Key: Key(r.Output), Path: r.Output})
}

// Stop stops accepting jobs and waits for the queue to drain. When ctx ends
// first the remaining uploads are cancelled.
func (u *Uploader) Stop(ctx context.Context) error {
	u.mu.Lock()
	if !u.closed {
		u.closed = true
		close(u.jobs)
	}
	u.mu.Unlock()

	if u.cancel == nil {
		return nil
	}
	defer u.cancel()

	drained := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		u.cancel()
		<-drained
		return ctx.Err()
	}
}

func (u *Uploader) Uploaded() uint64 { return u.uploaded.Load() }

func (u *Uploader) Failed() uint64 { return u.failed.Load() }

func (u *Uploader) spinWorker() {
	for job := range u.jobs {
		if err := u.process(job); err != nil {
			u.failed.Add(1)
			u.log.Error("archive failed", zap.String("key", job.Key), zap.String("file", job.Path), zap.Error(err))
			continue
		}

		u.uploaded.Add(1)
		u.log.Info("recording archived", zap.String("key", job.Key))

		if u.opts.DeleteLocal {
			if err := os.Remove(job.Path); err != nil {
				u.log.Warn("failed to remove archived recording", zap.String("file", job.Path), zap.Error(err))
			}
		}
	}
}

// process uploads job, retrying up to MaxRetries times.
func (u *Uploader) process(job Job) error {
	backoff := u.opts.RetryBackoff

	for attempt := 0; ; attempt++ {
		if err := u.ctx.Err(); err != nil {
			return err
		}

		err := u.store.Put(u.ctx, job.Key, job.Path)
		if err == nil {
			return nil
		}
		if attempt == u.opts.MaxRetries {
			return err
		}

		u.log.Warn("retrying upload", zap.String("key", job.Key), zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff), zap.Error(err))

		if backoff > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-u.ctx.Done():
				return u.ctx.Err()
			}
		}
	}
}
