package hmmlib

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// GenStates draws a state sequence of length NTime from the Markov chain
// given by Init and Trans.
func (hmm *HMM) GenStates(rng *rand.Rand) []int {

	rows := make([]distuv.Categorical, hmm.NState)
	for i := range rows {
		rows[i] = distuv.NewCategorical(hmm.Trans[i*hmm.NState:(i+1)*hmm.NState], rng)
	}
	init := distuv.NewCategorical(hmm.Init, rng)

	state := make([]int, hmm.NTime)
	if hmm.NTime == 0 {
		return state
	}

	state[0] = int(init.Rand())
	for t := 1; t < hmm.NTime; t++ {
		state[t] = int(rows[state[t-1]].Rand())
	}

	return state
}

// GenObs draws one Gaussian observation for each element of state, using
// the emission parameters Mean and Std.
func (hmm *HMM) GenObs(state []int, rng *rand.Rand) []float64 {

	em := make([]distuv.Normal, hmm.NState)
	for j := range em {
		em[j] = distuv.Normal{Mu: hmm.Mean[j], Sigma: hmm.Std[j], Src: rng}
	}

	obs := make([]float64, len(state))
	for t, st := range state {
		obs[t] = em[st].Rand()
	}

	return obs
}
