package hmmlib

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// StructuredTrans returns an nstate x nstate row-stochastic matrix, packed
// by row, that is used as the EM starting point for the transition
// probabilities.  The two boundary states (0 and nstate-1) leak eps to
// every other state and keep the remaining mass, while the interior states
// start uniform.
func StructuredTrans(nstate int, eps float64) []float64 {

	if nstate < 2 {
		panic(fmt.Sprintf("StructuredTrans: need at least 2 states, got %d", nstate))
	}
	if eps <= 0 || eps*float64(nstate-1) >= 1 {
		panic(fmt.Sprintf("StructuredTrans: invalid leakage %g", eps))
	}

	tr := make([]float64, nstate*nstate)
	for i := 0; i < nstate; i++ {
		row := tr[i*nstate : (i+1)*nstate]
		if i == 0 || i == nstate-1 {
			for j := range row {
				row[j] = eps
			}
			row[i] = 1 - float64(nstate-1)*eps
			continue
		}
		for j := range row {
			row[j] = 1 / float64(nstate)
		}
	}

	return tr
}

// UniformInit returns the uniform initial state distribution.
func UniformInit(nstate int) []float64 {
	v := make([]float64, nstate)
	for i := range v {
		v[i] = 1 / float64(nstate)
	}
	return v
}

// SetRandomStartParams sets randomized starting emission parameters for
// the EM optimization.  The means are seeded from the observations, with
// each new seed drawn with probability proportional to its squared distance
// from the nearest seed already chosen.  Each observation is assigned to
// its nearest seed, and the starting SD of a state is the SD of its
// cluster scaled by a random factor in [0.5, 1.5), but no smaller than
// minStartFrac times the marginal SD.  Trans and Init are left untouched.
func (hmm *HMM) SetRandomStartParams(rng *rand.Rand) {

	_, sd := stat.MeanStdDev(hmm.Obs, nil)
	if !(sd > sdmin) {
		sd = sdmin
	}

	hmm.Mean = seedMeans(hmm.Obs, hmm.NState, rng)
	sort.Float64s(hmm.Mean)

	hmm.Std = clusterSD(hmm.Obs, hmm.Mean)
	for i := range hmm.Std {
		hmm.Std[i] *= 0.5 + rng.Float64()
		if hmm.Std[i] < minStartFrac*sd {
			hmm.Std[i] = minStartFrac * sd
		}
	}
}

// clusterSD returns, for each mean, the root mean squared distance from the
// mean of the observations nearest to it.  Ties go to the lower index.
// Empty clusters get 0.
func clusterSD(obs, mean []float64) []float64 {

	ss := make([]float64, len(mean))
	n := make([]float64, len(mean))
	for _, y := range obs {
		j := 0
		for k := 1; k < len(mean); k++ {
			if math.Abs(y-mean[k]) < math.Abs(y-mean[j]) {
				j = k
			}
		}
		r := y - mean[j]
		ss[j] += r * r
		n[j]++
	}

	for j := range ss {
		if n[j] > 0 {
			ss[j] = math.Sqrt(ss[j] / n[j])
		}
	}

	return ss
}

func seedMeans(obs []float64, k int, rng *rand.Rand) []float64 {

	means := make([]float64, 0, k)
	means = append(means, obs[rng.IntN(len(obs))])

	d2 := make([]float64, len(obs))
	for len(means) < k {
		var tot float64
		for i, y := range obs {
			m := -1.0
			for _, mu := range means {
				r := (y - mu) * (y - mu)
				if m < 0 || r < m {
					m = r
				}
			}
			d2[i] = m
			tot += m
		}

		if tot <= 0 {
			means = append(means, obs[rng.IntN(len(obs))])
			continue
		}

		u := rng.Float64() * tot
		j := len(obs) - 1
		var cum float64
		for i, w := range d2 {
			cum += w
			if u < cum {
				j = i
				break
			}
		}
		means = append(means, obs[j])
	}

	return means
}
