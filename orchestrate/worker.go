package orchestrate

import (
	"context"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Serve is the entry point of a worker process.  It reads one Job from r,
// runs it in process and writes a Reply to w.  A failed job is reported in
// the Reply; the returned error is for I/O problems only.
func Serve(r io.Reader, w io.Writer, logger *zap.Logger) error {

	if logger == nil {
		logger = zap.NewNop()
	}

	var job Job
	if err := msgpack.NewDecoder(r).Decode(&job); err != nil {
		return fmt.Errorf("reading job: %w", err)
	}

	logger = logger.With(zap.String("id", job.Individual.ID), zap.Int("job", job.Index))
	logger.Debug("worker started", zap.Int("days", len(job.Individual.Days)))

	var reply Reply
	res, err := (&InProcess{Logger: logger}).Run(context.Background(), job)
	if err != nil {
		logger.Error("job failed", zap.Error(err))
		reply.Error = err.Error()
	} else {
		reply.Result = res
	}

	if err := msgpack.NewEncoder(w).Encode(&reply); err != nil {
		return fmt.Errorf("writing reply: %w", err)
	}

	return nil
}
