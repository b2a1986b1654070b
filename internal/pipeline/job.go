package pipeline

import (
	"context"

	"github.com/fmueller/voxpipe/internal/audio"
)

// Job is a run executing on its own goroutine.
type Job struct {
	ID string

	cancel context.CancelFunc
	done   chan struct{}
	result *Result
	err    error
}

// Start begins a run in the background and returns immediately. Observer
// callbacks arrive on the job's goroutine; callers marshal them to their own
// context as needed.
func (c *Controller) Start(ctx context.Context, buf *audio.Buffer, cfg Config, obs Observer) *Job {
	runCtx, cancel := context.WithCancel(ctx)
	job := &Job{
		ID:     c.newID(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(job.done)
		defer cancel()
		job.result, job.err = c.run(runCtx, job.ID, buf, cfg, obs)
	}()
	return job
}

// Cancel asks the run to stop at its next check. The run still returns the
// stages it already finished.
func (j *Job) Cancel() {
	j.cancel()
}

func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the run ends and returns what Run would have returned.
func (j *Job) Wait() (*Result, error) {
	<-j.done
	return j.result, j.err
}
