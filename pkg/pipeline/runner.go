package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"voicesdr/pkg/webhook"
)

// runBudget caps one message's total pipeline time, including every
// retry. Past this point the lead has moved on anyway.
const runBudget = 5 * time.Minute

// Runner executes pipeline runs on detached goroutines so the webhook
// handler can acknowledge the gateway immediately.
type Runner struct {
	pipeline *Pipeline
	log      *slog.Logger

	wg sync.WaitGroup

	mu       sync.Mutex
	inFlight int
	closed   bool
}

// NewRunner wraps a pipeline for asynchronous dispatch.
func NewRunner(p *Pipeline, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{pipeline: p, log: log.With("component", "runner")}
}

// Dispatch starts a pipeline run in the background. It returns false
// when the runner is shutting down and the message was not accepted.
func (r *Runner) Dispatch(msg *webhook.NormalizedMessage) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.inFlight++
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			r.inFlight--
			r.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), runBudget)
		defer cancel()

		r.pipeline.Process(ctx, msg)
	}()

	return true
}

// InFlight reports how many runs are currently executing.
func (r *Runner) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// Shutdown stops accepting new runs and waits for the active ones, up to
// ctx's deadline.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	active := r.inFlight
	r.mu.Unlock()

	if active > 0 {
		r.log.Info("Waiting for in-flight pipeline runs", "count", active)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
