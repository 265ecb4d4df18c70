package retry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrWriterClosed is returned by Submit after Close.
var ErrWriterClosed = errors.New("retry: writer closed")

// ErrWriterFull is returned by Submit when the backlog is full.
var ErrWriterFull = errors.New("retry: writer backlog full")

// Job is one deferred side effect.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Writer executes jobs in submission order on a single goroutine, retrying each per Policy.
// A job that exhausts its attempts is logged and dropped.
type Writer struct {
	log    *slog.Logger
	policy Policy

	jobs chan Job

	mu     sync.RWMutex
	closed bool

	done chan struct{}
}

// NewWriter starts a Writer with the given backlog size.
func NewWriter(log *slog.Logger, policy Policy, backlog int) *Writer {
	if log == nil {
		log = slog.Default()
	}
	if backlog <= 0 {
		backlog = 1024
	}
	w := &Writer{
		log:    log,
		policy: policy.normalized(),
		jobs:   make(chan Job, backlog),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Submit enqueues a job without blocking.
func (w *Writer) Submit(job Job) error {
	if w == nil {
		return ErrWriterClosed
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.jobs <- job:
		return nil
	default:
		w.log.Error("retry.writer.full", "job", job.Name)
		return ErrWriterFull
	}
}

// Close stops accepting jobs and waits for the backlog to drain or ctx to end.
func (w *Writer) Close(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) loop() {
	defer close(w.done)
	for job := range w.jobs {
		if job.Run == nil {
			continue
		}
		err := Do(context.Background(), w.policy, job.Run)
		if err != nil {
			w.log.Error("retry.job.fail", "job", job.Name, "attempts", w.policy.Attempts, "err", err)
		}
	}
}
