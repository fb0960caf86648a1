package behavr

import (
	"fmt"
	"sort"
)

// Phase labels.
const (
	Light = "light"
	Dark  = "dark"
)

// Phases lists the phase labels in output order.
var Phases = []string{Light, Dark}

// StateNames lists the canonical state names, from highest to lowest
// activity.
var StateNames = []string{"State0", "State1", "State2", "State3"}

// stateIndex maps a canonical state name to its activity rank.
func stateIndex(name string) int {
	for i, s := range StateNames {
		if s == name {
			return i
		}
	}
	panic(fmt.Sprintf("unknown state name %q", name))
}

// OrderStates assigns canonical names to the raw state indices that occur
// in path.  States are ranked by the median of the observations assigned
// to them, highest first; equal medians keep raw index order.  Only
// occupied states are named, so the returned map may have fewer than
// NumStates entries.
func OrderStates(path []int, obs []float64) map[int]string {

	if len(path) != len(obs) {
		panic(fmt.Sprintf("OrderStates: len(path)=%d, len(obs)=%d", len(path), len(obs)))
	}

	byState := make(map[int][]float64)
	for t, st := range path {
		byState[st] = append(byState[st], obs[t])
	}

	raw := make([]int, 0, len(byState))
	med := make(map[int]float64, len(byState))
	for st, v := range byState {
		raw = append(raw, st)
		med[st] = median(v)
	}
	sort.Ints(raw)
	sort.SliceStable(raw, func(i, j int) bool { return med[raw[i]] > med[raw[j]] })

	names := make(map[int]string, len(raw))
	for rank, st := range raw {
		names[st] = fmt.Sprintf("State%d", rank)
	}

	return names
}

// Relabel converts a raw state path to canonical names.
func Relabel(path []int, names map[int]string) []string {
	y := make([]string, len(path))
	for t, st := range path {
		y[t] = names[st]
	}
	return y
}

// Phase returns the light/dark label of a time offset, given the length of
// the light phase in hours.  Each 24 hour cycle begins with the light phase.
func Phase(offset int64, lightHours float64) string {
	tod := offset % secondsPerDay
	if tod < 0 {
		tod += secondsPerDay
	}
	if float64(tod) < lightHours*3600 {
		return Light
	}
	return Dark
}

func median(x []float64) float64 {
	y := append([]float64(nil), x...)
	sort.Float64s(y)
	n := len(y)
	if n%2 == 1 {
		return y[n/2]
	}
	return (y[n/2-1] + y[n/2]) / 2
}
