// Package hmmlib fits hidden Markov models with Gaussian emissions to a
// single observed sequence, using the EM (Baum-Welch) algorithm, and
// reconstructs the most likely state sequence with the Viterbi algorithm.
package hmmlib

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

const (
	// Minimum allowed value for the observation SD
	sdmin = 1e-6

	// Smallest random starting SD, as a fraction of the marginal SD
	minStartFrac = 0.05

	// Relative log-likelihood gain below which EM is considered converged
	convergeTol = 1e-8

	// Posterior mass below which a state is considered empty
	emptyMass = 1e-10
)

var (
	// ErrUnderflow is returned when the scaled forward probabilities vanish
	// for every state at some time point.
	ErrUnderflow = errors.New("hmmlib: probabilities underflowed")

	// ErrEmptyState is returned when a state receives no posterior mass.
	ErrEmptyState = errors.New("hmmlib: state has no posterior mass")

	// ErrNotFinite is returned when the log-likelihood is NaN or infinite.
	ErrNotFinite = errors.New("hmmlib: log-likelihood is not finite")
)

// HMM represents a hidden Markov model with one-dimensional Gaussian
// emissions for a single observed sequence.
type HMM struct {

	// Number of time points
	NTime int

	// Number of states
	NState int

	// The transition probability matrix, packed by row: Trans[i*NState+j] is
	// the probability of moving from state i to state j.
	Trans []float64

	// The initial probability distribution
	Init []float64

	// The emission means
	Mean []float64

	// The emission standard deviations
	Std []float64

	// The observations
	Obs []float64

	// The scaled forward probabilities, packed by time point
	Fprob []float64

	// The scaled backward probabilities, packed by time point
	Bprob []float64

	// The reconstructed states
	PState []int

	// The log-likelihood at each EM iteration
	LLF []float64

	Warnings warnings

	// Log emission densities, packed by time point
	lobs []float64

	// Scaled emission densities and the per-time shift that was removed
	eobs  []float64
	shift []float64

	// Forward scaling factors
	scale []float64

	// The log-likelihood for the current parameters
	llf float64

	msglogger *zap.SugaredLogger
}

type warnings struct {
	LogLikeDecreased int
	SDTruncate       int
}

// New returns an HMM value with the given size parameters.
func New(NState, NTime int) *HMM {

	hmm := &HMM{
		NTime:     NTime,
		NState:    NState,
		msglogger: zap.NewNop().Sugar(),
	}

	return hmm
}

// SetLogger provides a logger that will be used to write logging messages.
func (hmm *HMM) SetLogger(logger *zap.Logger) {
	hmm.msglogger = logger.Sugar()
}

// Initialize allocates workspaces for parameter estimation.  Call
// this after setting Obs and prior to calling Fit.
func (hmm *HMM) Initialize() {

	if len(hmm.Obs) != hmm.NTime {
		panic(fmt.Sprintf("hmmlib: len(Obs)=%d but NTime=%d", len(hmm.Obs), hmm.NTime))
	}

	n := hmm.NState * hmm.NTime
	hmm.Fprob = make([]float64, n)
	hmm.Bprob = make([]float64, n)
	hmm.lobs = make([]float64, n)
	hmm.eobs = make([]float64, n)
	hmm.shift = make([]float64, hmm.NTime)
	hmm.scale = make([]float64, hmm.NTime)

	hmm.msglogger.Debugf("%d time points, %d states", hmm.NTime, hmm.NState)
}

// GetLogObsProb returns the log density of the observation at time t
// under the emission distribution of state st.
func (hmm *HMM) GetLogObsProb(t, st int) float64 {
	z := (hmm.Obs[t] - hmm.Mean[st]) / hmm.Std[st]
	return -math.Log(hmm.Std[st]) - z*z/2 - math.Log(2*math.Pi)/2
}

// emissions fills the log and scaled emission tables for the current
// parameters.
func (hmm *HMM) emissions() {

	ns := hmm.NState
	for t := 0; t < hmm.NTime; t++ {
		row := hmm.lobs[t*ns : (t+1)*ns]
		for st := range row {
			row[st] = hmm.GetLogObsProb(t, st)
		}
		mx := floats.Max(row)
		hmm.shift[t] = mx
		erow := hmm.eobs[t*ns : (t+1)*ns]
		for st := range erow {
			erow[st] = math.Exp(row[st] - mx)
		}
	}
}

// ForwardBackward calculates the scaled forward and backward probabilities
// and the log-likelihood at the current parameter value.
func (hmm *HMM) ForwardBackward() error {

	hmm.emissions()

	if err := hmm.forward(); err != nil {
		return err
	}
	hmm.backward()

	return nil
}

// Loglike returns the log-likelihood at the current parameter value.
func (hmm *HMM) Loglike() (float64, error) {

	hmm.emissions()
	if err := hmm.forward(); err != nil {
		return 0, err
	}

	return hmm.llf, nil
}

func (hmm *HMM) forward() error {

	ns := hmm.NState
	fprob := hmm.Fprob
	var llf float64

	// Initial time point
	floats.MulTo(fprob[0:ns], hmm.Init, hmm.eobs[0:ns])

	for t := 0; t < hmm.NTime; t++ {

		cur := fprob[t*ns : (t+1)*ns]

		if t > 0 {
			prev := fprob[(t-1)*ns : t*ns]
			for st2 := 0; st2 < ns; st2++ {
				var u float64
				for st1 := 0; st1 < ns; st1++ {
					u += prev[st1] * hmm.Trans[st1*ns+st2]
				}
				cur[st2] = u * hmm.eobs[t*ns+st2]
			}
		}

		c := floats.Sum(cur)
		if !(c > 0) {
			return fmt.Errorf("forward pass at t=%d: %w", t, ErrUnderflow)
		}
		floats.Scale(1/c, cur)
		hmm.scale[t] = c
		llf += math.Log(c) + hmm.shift[t]
	}

	if math.IsNaN(llf) || math.IsInf(llf, 0) {
		return ErrNotFinite
	}
	hmm.llf = llf

	return nil
}

func (hmm *HMM) backward() {

	ns := hmm.NState
	bprob := hmm.Bprob
	wk := make([]float64, ns)

	last := bprob[(hmm.NTime-1)*ns : hmm.NTime*ns]
	for st := range last {
		last[st] = 1
	}

	for t := hmm.NTime - 2; t >= 0; t-- {

		next := bprob[(t+1)*ns : (t+2)*ns]
		floats.MulTo(wk, next, hmm.eobs[(t+1)*ns:(t+2)*ns])

		cur := bprob[t*ns : (t+1)*ns]
		for st1 := 0; st1 < ns; st1++ {
			cur[st1] = floats.Dot(hmm.Trans[st1*ns:(st1+1)*ns], wk)
		}

		hmm.normalizeMax(cur, 1)
	}
}

// posterior places the marginal state probabilities at time t into pr.
func (hmm *HMM) posterior(t int, pr []float64) {
	ns := hmm.NState
	floats.MulTo(pr, hmm.Fprob[t*ns:(t+1)*ns], hmm.Bprob[t*ns:(t+1)*ns])
	normalizeSum(pr, 0)
}

// UpdateTrans updates the transition probability matrix.
func (hmm *HMM) UpdateTrans() {

	ns := hmm.NState
	newtrans := make([]float64, ns*ns)
	joint := make([]float64, ns*ns)
	wk := make([]float64, ns)

	for t := 0; t < hmm.NTime-1; t++ {

		floats.MulTo(wk, hmm.Bprob[(t+1)*ns:(t+2)*ns], hmm.eobs[(t+1)*ns:(t+2)*ns])
		fprob := hmm.Fprob[t*ns : (t+1)*ns]

		// Joint probabilities for states (st1, st2) at times (t, t+1)
		for st1 := 0; st1 < ns; st1++ {
			for st2 := 0; st2 < ns; st2++ {
				joint[st1*ns+st2] = fprob[st1] * hmm.Trans[st1*ns+st2] * wk[st2]
			}
		}
		normalizeSum(joint, 0)

		floats.Add(newtrans, joint)
	}

	// Normalize to probabilities by row
	for st := 0; st < ns; st++ {
		normalizeSum(newtrans[st*ns:(st+1)*ns], 1/float64(ns))
	}

	hmm.Trans = newtrans
}

// UpdateInit updates the initial state probabilities.
func (hmm *HMM) UpdateInit() {
	hmm.posterior(0, hmm.Init)
	normalizeSum(hmm.Init, 1/float64(hmm.NState))
}

// UpdateObsParams updates the means and standard deviations of the
// emission distributions.  Each state has its own variance.
func (hmm *HMM) UpdateObsParams() error {

	ns := hmm.NState
	pr := make([]float64, ns)
	pt := make([]float64, ns)
	mean := make([]float64, ns)
	ss := make([]float64, ns)

	for t := 0; t < hmm.NTime; t++ {
		hmm.posterior(t, pr)
		floats.Add(pt, pr)
		floats.AddScaled(mean, hmm.Obs[t], pr)
	}

	for st := 0; st < ns; st++ {
		if pt[st] < emptyMass {
			return fmt.Errorf("state %d: %w", st, ErrEmptyState)
		}
		mean[st] /= pt[st]
	}

	for t := 0; t < hmm.NTime; t++ {
		hmm.posterior(t, pr)
		y := hmm.Obs[t]
		for st := 0; st < ns; st++ {
			r := y - mean[st]
			ss[st] += pr[st] * r * r
		}
	}

	for st := 0; st < ns; st++ {
		sd := math.Sqrt(ss[st] / pt[st])
		if sd < sdmin {
			sd = sdmin
			hmm.Warnings.SDTruncate++
		}
		ss[st] = sd
	}

	hmm.Mean = mean
	hmm.Std = ss

	return nil
}

// Fit uses the EM algorithm to estimate the structural parameters of the
// HMM.  Starting values for Trans, Init, Mean and Std must be set before
// calling Fit.  A non-nil error means the fit broke down numerically and
// the parameters should not be used.
func (hmm *HMM) Fit(maxiter int) error {

	hmm.LLF = make([]float64, 0, maxiter)

	var llf float64

	for i := 0; i < maxiter; i++ {

		if err := hmm.ForwardBackward(); err != nil {
			return fmt.Errorf("EM iteration %d: %w", i, err)
		}
		llfnew := hmm.llf

		if i > 0 {
			if llfnew < llf-1e-10 {
				hmm.msglogger.Debugf("Log-likelihood decreased by %f", llf-llfnew)
				hmm.Warnings.LogLikeDecreased++
			} else if llfnew-llf < convergeTol*math.Abs(llf) {
				hmm.msglogger.Debugf("Converged at iteration %d", i)
				break
			}
		}

		llf = llfnew
		hmm.LLF = append(hmm.LLF, llf)

		hmm.UpdateTrans()
		hmm.UpdateInit()
		if err := hmm.UpdateObsParams(); err != nil {
			return fmt.Errorf("EM iteration %d: %w", i, err)
		}
	}

	hmm.msglogger.Debugf("llf=%f %+v", llf, hmm.Warnings)

	return nil
}

// ReconstructStates uses the Viterbi algorithm to predict the sequence of
// states.  The reconstructed states are written into PState.
func (hmm *HMM) ReconstructStates() {

	ns := hmm.NState
	lpr := make([]float64, hmm.NTime*ns)
	lpt := make([]int, hmm.NTime*ns)
	wk := make([]float64, ns)

	lt := make([]float64, ns*ns)
	for j := range lt {
		lt[j] = math.Log(hmm.Trans[j])
	}

	// Beginning from initial conditions
	for st := 0; st < ns; st++ {
		lpr[st] = hmm.GetLogObsProb(0, st) + math.Log(hmm.Init[st])
	}

	for t := 1; t < hmm.NTime; t++ {
		j0 := (t - 1) * ns
		j1 := t * ns

		// From st1 to st2
		for st2 := 0; st2 < ns; st2++ {
			for st1 := 0; st1 < ns; st1++ {
				wk[st1] = lpr[j0+st1] + lt[st1*ns+st2]
			}

			// The best previous state
			jj := argmax(wk)
			lpt[j1+st2] = jj
			lpr[j1+st2] = wk[jj] + hmm.GetLogObsProb(t, st2)
		}
	}

	hmm.traceback(lpr, lpt)
}

func (hmm *HMM) traceback(lpr []float64, lpt []int) {

	ns := hmm.NState
	y := make([]int, hmm.NTime)

	a := (hmm.NTime - 1) * ns
	y[hmm.NTime-1] = argmax(lpr[a : a+ns])

	for t := hmm.NTime - 2; t >= 0; t-- {
		y[t] = lpt[(t+1)*ns+y[t+1]]
	}

	hmm.PState = y
}

// normalize the values in x to have a maximum of 1.  If the maximum is
// too small, all values are set to z.
func (hmm *HMM) normalizeMax(x []float64, z float64) float64 {
	mx := floats.Max(x)
	if mx < 1e-300 {
		for j := range x {
			x[j] = z
		}
		return 0
	}
	floats.Scale(1/mx, x)
	return mx
}

// normalize the values in x to have a sum of 1.  If the sum is too small,
// all values are set to z.
func normalizeSum(x []float64, z float64) {
	scale := floats.Sum(x)
	if scale < 1e-300 {
		for j := range x {
			x[j] = z
		}
		return
	}
	floats.Scale(1/scale, x)
}

func argmax(x []float64) int {
	j := 0
	v := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > v {
			v = x[i]
			j = i
		}
	}

	return j
}
