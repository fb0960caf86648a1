package behavr

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MinIterations is the smallest number of consensus iterations used.
// Smaller requests are raised to it.
const MinIterations = 100

// DefaultLightHours is the default length of the light phase.
const DefaultLightHours = 12

// ErrInvalidParams is returned by Params.Validate.
var ErrInvalidParams = errors.New("invalid parameters")

// Params are the settings shared by every individual in a run.
type Params struct {
	Iterations  int     `msgpack:"iterations"`
	LightHours  float64 `msgpack:"light_hours"`
	MaxAttempts int     `msgpack:"max_attempts"`
	MaxEMIter   int     `msgpack:"max_em_iter"`
	Seed        uint64  `msgpack:"seed"`
}

// DefaultParams returns the default settings.
func DefaultParams() Params {
	return Params{
		Iterations:  MinIterations,
		LightHours:  DefaultLightHours,
		MaxAttempts: DefaultMaxAttempts,
		MaxEMIter:   DefaultMaxEMIter,
		Seed:        1,
	}
}

// Validate reports settings that cannot be used.  Iteration counts below
// MinIterations are not an error; see Normalize.
func (p Params) Validate() error {
	if p.Iterations < 1 {
		return fmt.Errorf("%w: iterations must be positive, got %d", ErrInvalidParams, p.Iterations)
	}
	if !(p.LightHours > 0 && p.LightHours <= 24) {
		return fmt.Errorf("%w: light phase must be in (0, 24] hours, got %v", ErrInvalidParams, p.LightHours)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be positive, got %d", ErrInvalidParams, p.MaxAttempts)
	}
	if p.MaxEMIter < 1 {
		return fmt.Errorf("%w: max EM iterations must be positive, got %d", ErrInvalidParams, p.MaxEMIter)
	}
	return nil
}

// Normalize raises Iterations to MinIterations, logging a warning when it
// does so.
func (p Params) Normalize(logger *zap.Logger) Params {
	if p.Iterations < MinIterations {
		logger.Warn("iteration count below minimum, clamping",
			zap.Int("requested", p.Iterations),
			zap.Int("used", MinIterations))
		p.Iterations = MinIterations
	}
	return p
}

// Result holds the merged output tables of a run.
type Result struct {
	RunID       string          `msgpack:"run_id"`
	Profiles    []ConsensusRow  `msgpack:"profiles"`
	TimeSpent   []StateTimeRow  `msgpack:"time_spent"`
	Transitions []TransitionRow `msgpack:"transitions"`
	Failures    []FailureRecord `msgpack:"failures"`
}

// Merge appends the tables of other to r.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	r.Profiles = append(r.Profiles, other.Profiles...)
	r.TimeSpent = append(r.TimeSpent, other.TimeSpent...)
	r.Transitions = append(r.Transitions, other.Transitions...)
	r.Failures = append(r.Failures, other.Failures...)
}

// Pipeline turns activity series into consensus tables.
type Pipeline struct {
	Params Params
	Fitter Fitter
	Gate   Gate
	Logger *zap.Logger
}

// NewPipeline returns a pipeline that fits with HMMFitter.  The parameters
// must already be valid; they are normalized here.
func NewPipeline(p Params, logger *zap.Logger) *Pipeline {

	if logger == nil {
		logger = zap.NewNop()
	}
	p = p.Normalize(logger)

	return &Pipeline{
		Params: p,
		Fitter: &HMMFitter{MaxEMIter: p.MaxEMIter, Logger: logger},
		Gate:   DefaultGate,
		Logger: logger,
	}
}

// ProcessDay runs the consensus fit and quality gate for one
// individual-day.  Exactly one of the returned values is non-nil.
func (pl *Pipeline) ProcessDay(s ActivitySeries) (*Result, *FailureRecord) {

	logger := pl.Logger.With(zap.String("id", s.ID), zap.Int("day", s.Day))

	if err := s.Validate(); err != nil {
		logger.Warn("skipping invalid series", zap.Error(err))
		return nil, &FailureRecord{ID: s.ID, Day: s.Day, Message: err.Error()}
	}

	rng := rand.New(rand.NewPCG(pl.Params.Seed, SeriesSeed(s.ID, s.Day)))
	ag := &Aggregator{
		Fitter:      pl.Fitter,
		Iterations:  pl.Params.Iterations,
		MaxAttempts: pl.Params.MaxAttempts,
		Logger:      logger,
	}

	con := ag.Run(s.Activity(), rng)
	if fr := pl.Gate.Check(s.ID, s.Day, con); fr != nil {
		logger.Info("day excluded", zap.String("reason", fr.Message))
		return nil, fr
	}

	rows := Profile(s, con, pl.Params.LightHours)
	logger.Debug("day fitted", zap.Int("successful", con.Successful))

	return &Result{
		Profiles:    rows,
		TimeSpent:   TimeSpent(s, rows),
		Transitions: Transitions(s, rows),
	}, nil
}

// ProcessIndividual runs ProcessDay for every day of one individual.
// Failures are collected, never raised.
func (pl *Pipeline) ProcessIndividual(ind Individual) *Result {

	res := &Result{}
	for _, s := range ind.Days {
		dr, fr := pl.ProcessDay(s)
		if fr != nil {
			res.Failures = append(res.Failures, *fr)
			continue
		}
		res.Merge(dr)
	}

	return res
}

// Run processes all series serially, one individual after another.
func (pl *Pipeline) Run(series []ActivitySeries) *Result {

	res := &Result{RunID: uuid.NewString()}
	for _, ind := range Partition(series) {
		res.Merge(pl.ProcessIndividual(ind))
	}

	pl.Logger.Info("run finished",
		zap.String("run_id", res.RunID),
		zap.Int("profile_rows", len(res.Profiles)),
		zap.Int("failures", len(res.Failures)))

	return res
}
