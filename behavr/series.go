// Package behavr infers sleep/wake behavioral states from per-minute
// locomotor activity.  Each individual-day is fitted many times with a
// 4-state Gaussian HMM, the fitted state paths are relabeled by activity
// level, and a per-minute majority vote across the fits gives the
// consensus profile.
package behavr

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
)

// NumStates is the number of hidden behavioral states.
const NumStates = 4

// MinutesPerDay is the length of a full day at minute resolution.
const MinutesPerDay = 1440

const secondsPerDay = 86400

// ErrInvalidSeries is returned by ActivitySeries.Validate.
var ErrInvalidSeries = errors.New("invalid activity series")

// Point is one observation: seconds since the start of the experiment and
// the normalized activity on a 0-100 scale.
type Point struct {
	TimeOffset int64   `msgpack:"t"`
	Activity   float64 `msgpack:"a"`
}

// ActivitySeries is the cleaned per-minute activity of one individual on
// one day.  It is never modified once constructed.
type ActivitySeries struct {
	ID       string            `msgpack:"id"`
	Genotype string            `msgpack:"genotype"`
	Day      int               `msgpack:"day"`
	Meta     map[string]string `msgpack:"meta,omitempty"`
	Points   []Point           `msgpack:"points"`
}

// Validate checks the invariants of the series.
func (s ActivitySeries) Validate() error {

	if s.ID == "" {
		return fmt.Errorf("%w: empty ID", ErrInvalidSeries)
	}
	if s.Day < 1 {
		return fmt.Errorf("%w: %s day %d: day must be >= 1", ErrInvalidSeries, s.ID, s.Day)
	}
	if len(s.Points) == 0 {
		return fmt.Errorf("%w: %s day %d: no observations", ErrInvalidSeries, s.ID, s.Day)
	}

	for i, p := range s.Points {
		if math.IsNaN(p.Activity) || p.Activity < 0 || p.Activity > 100 {
			return fmt.Errorf("%w: %s day %d: activity %v at offset %d outside [0,100]",
				ErrInvalidSeries, s.ID, s.Day, p.Activity, p.TimeOffset)
		}
		if i > 0 && p.TimeOffset <= s.Points[i-1].TimeOffset {
			return fmt.Errorf("%w: %s day %d: time offsets not increasing at %d",
				ErrInvalidSeries, s.ID, s.Day, p.TimeOffset)
		}
	}

	return nil
}

// Activity returns a copy of the activity values.
func (s ActivitySeries) Activity() []float64 {
	x := make([]float64, len(s.Points))
	for i, p := range s.Points {
		x[i] = p.Activity
	}
	return x
}

// StepSeconds returns the sampling interval of the series, taken as the
// median gap between consecutive time offsets.  Series with fewer than two
// points are assumed to be sampled once a minute.
func (s ActivitySeries) StepSeconds() int64 {

	if len(s.Points) < 2 {
		return 60
	}

	gaps := make([]int64, len(s.Points)-1)
	for i := 1; i < len(s.Points); i++ {
		gaps[i-1] = s.Points[i].TimeOffset - s.Points[i-1].TimeOffset
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })

	return gaps[len(gaps)/2]
}

// FloorEpsilon returns the value that non-positive activities are raised
// to before fitting: 1e-3, or 1% of the smallest positive value if that is
// smaller.
func FloorEpsilon(x []float64) float64 {

	eps := 1e-3
	for _, v := range x {
		if v > 0 && v/100 < eps {
			eps = v / 100
		}
	}

	return eps
}

// Floor returns a copy of x with non-positive values replaced by
// FloorEpsilon(x).  A true zero gives a degenerate Gaussian likelihood.
func Floor(x []float64) []float64 {

	eps := FloorEpsilon(x)
	y := make([]float64, len(x))
	for i, v := range x {
		if v <= 0 {
			v = eps
		}
		y[i] = v
	}

	return y
}

// Individual holds all the days of one individual, sorted by day.
type Individual struct {
	ID   string           `msgpack:"id"`
	Days []ActivitySeries `msgpack:"days"`
}

// Partition groups series by individual ID.  Individuals appear in order of
// first appearance in series.
func Partition(series []ActivitySeries) []Individual {

	var ind []Individual
	pos := make(map[string]int)

	for _, s := range series {
		j, ok := pos[s.ID]
		if !ok {
			j = len(ind)
			pos[s.ID] = j
			ind = append(ind, Individual{ID: s.ID})
		}
		ind[j].Days = append(ind[j].Days, s)
	}

	for i := range ind {
		days := ind[i].Days
		sort.SliceStable(days, func(a, b int) bool { return days[a].Day < days[b].Day })
	}

	return ind
}

// SeriesSeed returns the random stream key for one individual-day.  It
// depends only on the ID and day, so that the fit of a day does not depend
// on how the work was scheduled.
func SeriesSeed(id string, day int) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.Itoa(day)))
	return h.Sum64()
}
