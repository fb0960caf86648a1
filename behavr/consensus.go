package behavr

import (
	"math/rand/v2"

	"go.uber.org/zap"
)

// DefaultMaxAttempts bounds the fitting attempts spent on one iteration.
const DefaultMaxAttempts = 1000

// AttemptState is the state of the retry loop of one consensus iteration.
type AttemptState int

const (
	// Attempting means no valid fit has been found yet.
	Attempting AttemptState = iota

	// Valid4StateFound means a fit occupying all NumStates states was found.
	Valid4StateFound

	// RetryExhausted means the attempt budget ran out without a valid fit.
	RetryExhausted
)

func (s AttemptState) String() string {
	switch s {
	case Attempting:
		return "Attempting"
	case Valid4StateFound:
		return "Valid4StateFound"
	case RetryExhausted:
		return "RetryExhausted"
	default:
		return "unknown"
	}
}

// IterationResult is the relabeled outcome of one successful iteration.
type IterationResult struct {
	Iteration int

	// Canonical state name at each time point
	States []string

	// Number of time points spent in each canonical state
	TimeInStates map[string]int

	// Transitions[i][j] counts moves from StateNames[i] to StateNames[j]
	Transitions [NumStates][NumStates]int
}

// Consensus is the per-time point majority vote over the successful
// iterations of one individual-day.
type Consensus struct {
	States     []string
	ErrorScore []float64

	// Number of iterations that contributed a valid path
	Successful int

	// Number of iterations requested
	Iterations int
}

// Aggregator fits an individual-day repeatedly and resolves the fits into
// a consensus.  The loops are strictly sequential.
type Aggregator struct {
	Fitter      Fitter
	Iterations  int
	MaxAttempts int
	Logger      *zap.Logger
}

func (ag *Aggregator) logger() *zap.Logger {
	if ag.Logger == nil {
		return zap.NewNop()
	}
	return ag.Logger
}

// Iterate runs the retry loop for one iteration.  It returns the relabeled
// path and Valid4StateFound, or nil and RetryExhausted.
func (ag *Aggregator) Iterate(it int, obs []float64, rng *rand.Rand) (*IterationResult, AttemptState) {

	maxAttempts := ag.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	state := Attempting
	var res *IterationResult
	attempt := 0

	for state == Attempting {

		if attempt == maxAttempts {
			state = RetryExhausted
			break
		}
		attempt++

		fit, err := ag.Fitter.Fit(obs, rng)
		if err != nil || fit == nil {
			continue
		}

		names := OrderStates(fit.Path, obs)
		if len(names) != NumStates {
			continue
		}

		res = newIterationResult(it, Relabel(fit.Path, names))
		state = Valid4StateFound
	}

	ag.logger().Debug("iteration finished",
		zap.Int("iteration", it),
		zap.Stringer("state", state),
		zap.Int("attempts", attempt))

	return res, state
}

func newIterationResult(it int, states []string) *IterationResult {

	res := &IterationResult{
		Iteration:    it,
		States:       states,
		TimeInStates: make(map[string]int, NumStates),
	}

	for t, s := range states {
		res.TimeInStates[s]++
		if t > 0 {
			res.Transitions[stateIndex(states[t-1])][stateIndex(s)]++
		}
	}

	return res
}

// Collect runs all iterations and returns the successful ones in iteration
// order.
func (ag *Aggregator) Collect(obs []float64, rng *rand.Rand) []*IterationResult {

	var results []*IterationResult
	exhausted := 0

	for it := 1; it <= ag.Iterations; it++ {
		res, state := ag.Iterate(it, obs, rng)
		if state == Valid4StateFound {
			results = append(results, res)
		} else {
			exhausted++
		}
	}

	if exhausted > 0 {
		ag.logger().Info("iterations dropped after exhausting retries",
			zap.Int("dropped", exhausted),
			zap.Int("iterations", ag.Iterations))
	}

	return results
}

// Run fits obs Iterations times and returns the consensus.  If no iteration
// succeeded, the consensus has Successful == 0 and no states.
func (ag *Aggregator) Run(obs []float64, rng *rand.Rand) *Consensus {
	return Resolve(ag.Collect(obs, rng), len(obs), ag.Iterations)
}

// Resolve computes the per-time point majority state over results.  Ties
// go to the lexicographically smallest state name.  The error score is the
// percentage of successful iterations that disagree with the majority.  Its
// denominator is len(results), not the number of iterations requested, so
// a time point on which every successful iteration agrees scores 0.
func Resolve(results []*IterationResult, ntime, iterations int) *Consensus {

	con := &Consensus{
		Successful: len(results),
		Iterations: iterations,
	}
	if len(results) == 0 {
		return con
	}

	con.States = make([]string, ntime)
	con.ErrorScore = make([]float64, ntime)

	var votes [NumStates]int
	for t := 0; t < ntime; t++ {
		votes = [NumStates]int{}
		for _, r := range results {
			votes[stateIndex(r.States[t])]++
		}

		best := 0
		for j := 1; j < NumStates; j++ {
			if votes[j] > votes[best] {
				best = j
			}
		}

		con.States[t] = StateNames[best]
		con.ErrorScore[t] = (1 - float64(votes[best])/float64(len(results))) * 100
	}

	return con
}
