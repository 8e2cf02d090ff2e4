package otaflux

import "context"

// TaskRunner bounds how many callers may have a task running at once,
// fleet-wide, across its entire lifetime. Unlike a one-shot fan-out-then-
// Wait helper, each call to Run is independent: many goroutines call Run
// concurrently, each blocking only until its own slot and task are done,
// rather than waiting on every other caller's task too. The orchestrator
// holds one sized from config.max_concurrent_fetches to cap fleet-wide
// concurrent owner-path blob downloads across every device. A zero or
// negative maxConcurrency means unbounded.
type TaskRunner struct {
	limiterChan chan struct{}
}

// NewTaskRunner creates a TaskRunner bounded to maxConcurrency simultaneous
// Run calls; maxConcurrency <= 0 means unbounded.
func NewTaskRunner(maxConcurrency int) *TaskRunner {
	var limiter chan struct{}
	if maxConcurrency > 0 {
		limiter = make(chan struct{}, maxConcurrency)
	}
	return &TaskRunner{limiterChan: limiter}
}

// Run blocks until a concurrency slot is free or ctx is done, then runs
// task to completion in the caller's own goroutine, releasing the slot
// before returning.
func (tr *TaskRunner) Run(ctx context.Context, task func() error) error {
	if tr.limiterChan == nil {
		return task()
	}
	select {
	case tr.limiterChan <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-tr.limiterChan }()
	return task()
}
