package behavr

import (
	"errors"
	"math"
	"math/rand/v2"
	"reflect"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// noisyFitter labels each quarter of the sequence with its own state and
// then moves a few random time points to a random state.  One attempt in
// ten fails.
type noisyFitter struct{}

func (noisyFitter) Fit(obs []float64, rng *rand.Rand) (*Fit, error) {
	if rng.IntN(10) == 0 {
		return nil, errScripted
	}
	n := len(obs)
	path := make([]int, n)
	for t := range path {
		path[t] = t * NumStates / n
	}
	for k := 0; k < n/20; k++ {
		path[rng.IntN(n)] = rng.IntN(NumStates)
	}
	return &Fit{Path: path}, nil
}

// dayOf builds a one-minute series from activity values, starting at the
// beginning of the given day.
func dayOf(id string, day int, act []float64) ActivitySeries {
	s := ActivitySeries{ID: id, Genotype: "wt", Day: day, Meta: map[string]string{"sex": "F"}}
	base := int64(day-1) * secondsPerDay
	for t, a := range act {
		s.Points = append(s.Points, Point{TimeOffset: base + int64(t)*60, Activity: a})
	}
	return s
}

// quarters returns activity that falls in four steps over the day.
func quarters(n int) []float64 {
	x := make([]float64, n)
	for t := range x {
		x[t] = []float64{90, 60, 30, 0}[t*4/n]
	}
	return x
}

func TestClampIterations(t *testing.T) {

	core, logs := observer.New(zapcore.WarnLevel)
	p := DefaultParams()
	p.Iterations = 50

	pl := NewPipeline(p, zap.New(core))
	if pl.Params.Iterations != MinIterations {
		t.Errorf("iterations %d, want %d", pl.Params.Iterations, MinIterations)
	}
	if logs.FilterMessage("iteration count below minimum, clamping").Len() != 1 {
		t.Errorf("expected one clamp warning, got %v", logs.All())
	}

	// No warning when the request is large enough.
	core, logs = observer.New(zapcore.WarnLevel)
	p.Iterations = 150
	pl = NewPipeline(p, zap.New(core))
	if pl.Params.Iterations != 150 || logs.Len() != 0 {
		t.Errorf("unexpected clamp: %d %v", pl.Params.Iterations, logs.All())
	}
}

func TestPipelineFitterLogs(t *testing.T) {

	core, logs := observer.New(zapcore.DebugLevel)
	pl := NewPipeline(DefaultParams(), zap.New(core))

	rng := rand.New(rand.NewPCG(15, 16))
	_, _ = pl.Fitter.Fit(quarters(200), rng)

	if logs.FilterMessageSnippet("200 time points").Len() == 0 {
		t.Errorf("fitter did not log through the pipeline logger: %v", logs.All())
	}
}

func TestClampedRunMatchesMinimum(t *testing.T) {

	series := []ActivitySeries{
		dayOf("a", 1, quarters(200)),
		dayOf("a", 2, quarters(200)),
	}
	ind := Partition(series)[0]

	run := func(it int) *Result {
		p := DefaultParams()
		p.Iterations = it
		pl := NewPipeline(p, nil)
		pl.Fitter = noisyFitter{}
		return pl.ProcessIndividual(ind)
	}

	r50, r100 := run(50), run(100)
	if !reflect.DeepEqual(r50, r100) {
		t.Error("iterations=50 differs from iterations=100")
	}
	if len(r100.Profiles) != 400 {
		t.Errorf("%d profile rows, want 400", len(r100.Profiles))
	}
}

func TestTimeSpentRows(t *testing.T) {

	p := DefaultParams()
	pl := NewPipeline(p, nil)
	pl.Fitter = noisyFitter{}

	res := pl.Run([]ActivitySeries{
		dayOf("a", 1, quarters(MinutesPerDay)),
		dayOf("b", 1, quarters(MinutesPerDay)),
		dayOf("b", 2, quarters(MinutesPerDay)),
	})

	if len(res.Failures) != 0 {
		t.Fatalf("unexpected failures %v", res.Failures)
	}
	if len(res.TimeSpent) != 3*8 {
		t.Fatalf("%d time spent rows, want 24", len(res.TimeSpent))
	}
	if len(res.Transitions) != 3*16 {
		t.Fatalf("%d transition rows, want 48", len(res.Transitions))
	}

	type key struct {
		id  string
		day int
	}
	rows := make(map[key]int)
	total := make(map[key]int)
	for _, r := range res.TimeSpent {
		k := key{r.ID, r.Day}
		rows[k]++
		total[k] += r.TimeSpent
	}
	for k, n := range rows {
		if n != 8 {
			t.Errorf("%v: %d rows", k, n)
		}
		if total[k] != MinutesPerDay {
			t.Errorf("%v: %d minutes in total", k, total[k])
		}
	}

	// The quarters run State0..State3, so the dark half holds no State0.
	for _, r := range res.TimeSpent {
		if r.ID == "a" && r.StateName == "State0" && r.Phase == Dark && r.TimeSpent != 0 {
			t.Errorf("State0 in dark phase: %+v", r)
		}
	}

	for _, r := range res.Profiles {
		if r.Meta["sex"] != "F" || r.Genotype != "wt" {
			t.Fatalf("metadata not passed through: %+v", r)
		}
	}
}

func TestAllZeroDayNeverValid(t *testing.T) {

	p := DefaultParams()
	p.MaxAttempts = 5
	pl := NewPipeline(p, nil)

	res := pl.Run([]ActivitySeries{dayOf("dead", 1, make([]float64, MinutesPerDay))})

	if len(res.Profiles) != 0 || len(res.TimeSpent) != 0 {
		t.Fatalf("all-zero day produced output: %d profile rows", len(res.Profiles))
	}
	if len(res.Failures) != 1 || res.Failures[0].ID != "dead" || res.Failures[0].Day != 1 {
		t.Fatalf("expected one failure record, got %v", res.Failures)
	}
}

func TestInvalidSeriesRecorded(t *testing.T) {

	pl := NewPipeline(DefaultParams(), nil)
	pl.Fitter = noisyFitter{}

	bad := dayOf("x", 1, []float64{10, 200, 5, 5})
	res := pl.Run([]ActivitySeries{bad})
	if len(res.Failures) != 1 || res.Failures[0].ID != "x" {
		t.Fatalf("expected failure for invalid series, got %v", res.Failures)
	}
}

// fourLevelDay alternates 30 minute blocks of activity near 90 and 60
// during the first half of the day and near 30 and exactly 0 during the
// second half.
func fourLevelDay(rng *rand.Rand, id string) ActivitySeries {
	act := make([]float64, MinutesPerDay)
	for t := range act {
		blk := (t / 30) % 2
		var mu float64
		if t < MinutesPerDay/2 {
			mu = []float64{90, 60}[blk]
		} else {
			mu = []float64{30, 0}[blk]
		}
		if mu == 0 {
			continue
		}
		act[t] = math.Max(0, math.Min(100, mu+3*rng.NormFloat64()))
	}
	return dayOf(id, 1, act)
}

func TestConsensusFitSeparatesActiveAndQuiet(t *testing.T) {

	rng := rand.New(rand.NewPCG(11, 12))
	s := fourLevelDay(rng, "fly1")

	pl := NewPipeline(DefaultParams(), nil)
	res := pl.Run([]ActivitySeries{s})

	if len(res.Failures) != 0 {
		t.Fatalf("unexpected failures %v", res.Failures)
	}
	if len(res.Profiles) != MinutesPerDay {
		t.Fatalf("%d profile rows", len(res.Profiles))
	}

	half := MinutesPerDay / 2
	var activeOK, quietOK int
	for i, r := range res.Profiles {
		if r.ErrorScore < 0 || r.ErrorScore > 100 {
			t.Fatalf("error score %v out of range", r.ErrorScore)
		}
		hi := r.StateName == "State0" || r.StateName == "State1"
		if i < half && hi {
			activeOK++
		}
		if i >= half && !hi {
			quietOK++
		}
	}
	if activeOK < 95*half/100 || quietOK < 95*half/100 {
		t.Errorf("active block %d/%d in high states, quiet block %d/%d in low states",
			activeOK, half, quietOK, half)
	}

	var active, quiet int
	for _, r := range res.TimeSpent {
		if r.StateName == "State0" || r.StateName == "State1" {
			active += r.TimeSpent
		} else {
			quiet += r.TimeSpent
		}
	}
	if math.Abs(float64(active-half)) > 0.05*float64(half) || math.Abs(float64(quiet-half)) > 0.05*float64(half) {
		t.Errorf("time spent active=%d quiet=%d, want about %d each", active, quiet, half)
	}
}

// twoLevelDay is 720 minutes at activity 80 followed by 720 minutes at 0.
func twoLevelDay(id string) ActivitySeries {
	act := make([]float64, MinutesPerDay)
	for t := 0; t < MinutesPerDay/2; t++ {
		act[t] = 80
	}
	return dayOf(id, 1, act)
}

func TestFitterRejectsFewLevels(t *testing.T) {

	f := &HMMFitter{}
	rng := rand.New(rand.NewPCG(13, 14))

	for _, tc := range []struct {
		name string
		obs  []float64
	}{
		{"all zero", make([]float64, 100)},
		{"two levels", twoLevelDay("x").Activity()},
		{"three levels", []float64{0, 0, 10, 10, 50, 50, 10, 0}},
	} {
		fit, err := f.Fit(tc.obs, rng)
		if fit != nil || !errors.Is(err, ErrDegenerate) {
			t.Errorf("%s: expected ErrDegenerate, got %v", tc.name, err)
		}
	}
}

func TestTwoLevelDayExcluded(t *testing.T) {

	// A four-state fit needs four distinct values, so a day with only two
	// activity levels never yields a valid iteration.
	pl := NewPipeline(DefaultParams(), nil)
	res := pl.Run([]ActivitySeries{twoLevelDay("fly1")})

	if len(res.Profiles) != 0 || len(res.TimeSpent) != 0 || len(res.Transitions) != 0 {
		t.Fatalf("two-level day produced %d profile rows", len(res.Profiles))
	}
	if len(res.Failures) != 1 {
		t.Fatalf("expected one failure, got %v", res.Failures)
	}
	fr := res.Failures[0]
	if fr.ID != "fly1" || fr.Day != 1 || fr.Message != "no valid solution found after 100 iterations" {
		t.Errorf("unexpected failure record %+v", fr)
	}
}
