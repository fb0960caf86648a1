// Package orchestrate fits many individuals in parallel.  Work is divided
// into one job per individual; a job runs either in the current process or
// in a child process that speaks msgpack over its standard streams.
package orchestrate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/orijitghosh/flydream/behavr"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Job is the unit of work handed to a Runner.
type Job struct {
	Index      int               `msgpack:"index"`
	Individual behavr.Individual `msgpack:"individual"`
	Params     behavr.Params     `msgpack:"params"`
}

// Reply is what a worker process writes back for a Job.
type Reply struct {
	Result *behavr.Result `msgpack:"result"`
	Error  string         `msgpack:"error,omitempty"`
}

// Runner processes a single job.  An error means the job as a whole was
// lost; per-day failures are reported inside the Result.
type Runner interface {
	Run(ctx context.Context, job Job) (*behavr.Result, error)
}

// InProcess runs jobs in the calling process.
type InProcess struct {

	// Fitter overrides the HMM fitter if not nil.
	Fitter behavr.Fitter

	Logger *zap.Logger
}

// Run implements Runner.  Panics are returned as errors.
func (r *InProcess) Run(ctx context.Context, job Job) (res *behavr.Result, err error) {

	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	pl := behavr.NewPipeline(job.Params, logger)
	if r.Fitter != nil {
		pl.Fitter = r.Fitter
	}

	return pl.ProcessIndividual(job.Individual), nil
}

// Process runs each job in a fresh child process.  The child is expected
// to call Serve.
type Process struct {

	// Path is the worker executable.
	Path string

	// Args are passed to the worker.
	Args []string

	// Env is added to the environment of the worker.
	Env []string
}

// Run implements Runner.
func (r *Process) Run(ctx context.Context, job Job) (*behavr.Result, error) {

	in, err := msgpack.Marshal(&job)
	if err != nil {
		return nil, fmt.Errorf("encoding job %d: %w", job.Index, err)
	}

	cmd := exec.CommandContext(ctx, r.Path, r.Args...)
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stderr = os.Stderr

	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("worker for %s: %w", job.Individual.ID, err)
	}

	var reply Reply
	if err := msgpack.Unmarshal(out.Bytes(), &reply); err != nil {
		return nil, fmt.Errorf("decoding reply for %s: %w", job.Individual.ID, err)
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	if reply.Result == nil {
		return nil, fmt.Errorf("worker for %s returned no result", job.Individual.ID)
	}

	return reply.Result, nil
}
