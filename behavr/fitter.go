package behavr

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/orijitghosh/flydream/hmmlib"
	"go.uber.org/zap"
)

const (
	// TransLeakage is the probability that a boundary state leaks to each
	// other state in the starting transition matrix.
	TransLeakage = 1e-5

	// DefaultMaxEMIter bounds the number of EM iterations in one fit.
	DefaultMaxEMIter = 200
)

// ErrDegenerate is returned by a fit attempt whose observations cannot
// support a NumStates-state Gaussian model: fewer than NumStates distinct
// values, as in an all-zero day.
var ErrDegenerate = errors.New("degenerate observations")

// Fit is the usable part of one successful fitting attempt.
type Fit struct {

	// Viterbi state index at each time point
	Path []int

	// Per-state emission parameters, indexed by raw state
	Mean []float64
	Std  []float64

	LogLike float64
}

// Fitter performs one attempt to fit an HMM to a sequence of activity
// values.  A non-nil error means the attempt produced nothing usable; the
// caller may retry with fresh randomness drawn from rng.
type Fitter interface {
	Fit(obs []float64, rng *rand.Rand) (*Fit, error)
}

// HMMFitter fits a NumStates-state Gaussian HMM by EM from a structured
// starting transition matrix and random starting emission parameters.  It
// holds no per-fit state and may be shared between goroutines.
type HMMFitter struct {
	MaxEMIter int
	Logger    *zap.Logger
}

// Fit runs one fitting attempt.  Numerical breakdowns inside the EM,
// including panics, are returned as errors.
func (f *HMMFitter) Fit(obs []float64, rng *rand.Rand) (fit *Fit, err error) {

	defer func() {
		if r := recover(); r != nil {
			fit = nil
			err = fmt.Errorf("hmm fit panicked: %v", r)
		}
	}()

	y := Floor(obs)
	if len(y) < NumStates {
		return nil, fmt.Errorf("%w: %d observations", ErrDegenerate, len(y))
	}
	if k := distinct(y, NumStates); k < NumStates {
		return nil, fmt.Errorf("%w: %d distinct values cannot support %d states", ErrDegenerate, k, NumStates)
	}

	hmm := hmmlib.New(NumStates, len(y))
	if f.Logger != nil {
		hmm.SetLogger(f.Logger)
	}
	hmm.Obs = y
	hmm.Initialize()
	hmm.Trans = hmmlib.StructuredTrans(NumStates, TransLeakage)
	hmm.Init = hmmlib.UniformInit(NumStates)
	hmm.SetRandomStartParams(rng)

	maxiter := f.MaxEMIter
	if maxiter <= 0 {
		maxiter = DefaultMaxEMIter
	}
	if err := hmm.Fit(maxiter); err != nil {
		return nil, err
	}

	llf, err := hmm.Loglike()
	if err != nil {
		return nil, err
	}
	hmm.ReconstructStates()

	return &Fit{
		Path:    hmm.PState,
		Mean:    hmm.Mean,
		Std:     hmm.Std,
		LogLike: llf,
	}, nil
}

// distinct counts the distinct values in x, stopping once limit are found.
func distinct(x []float64, limit int) int {
	seen := make([]float64, 0, limit)
	for _, v := range x {
		found := false
		for _, u := range seen {
			if u == v {
				found = true
				break
			}
		}
		if !found {
			seen = append(seen, v)
			if len(seen) == limit {
				break
			}
		}
	}
	return len(seen)
}
