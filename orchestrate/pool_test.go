package orchestrate

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/orijitghosh/flydream/behavr"
	"go.uber.org/zap"
)

// The test binary doubles as a worker when this variable is set.
const workerEnv = "FLYDREAM_TEST_WORKER"

func TestMain(m *testing.M) {
	switch os.Getenv(workerEnv) {
	case "serve":
		if err := Serve(os.Stdin, os.Stdout, zap.NewNop()); err != nil {
			os.Exit(2)
		}
		os.Exit(0)
	case "crash":
		os.Exit(3)
	}
	os.Exit(m.Run())
}

// blockFitter labels each quarter of the sequence with its own state, then
// moves a few random points to random states.
type blockFitter struct{}

func (blockFitter) Fit(obs []float64, rng *rand.Rand) (*behavr.Fit, error) {
	n := len(obs)
	path := make([]int, n)
	for t := range path {
		path[t] = t * behavr.NumStates / n
	}
	for k := 0; k < n/10; k++ {
		path[rng.IntN(n)] = rng.IntN(behavr.NumStates)
	}
	return &behavr.Fit{Path: path}, nil
}

type panicFitter struct{}

func (panicFitter) Fit(obs []float64, rng *rand.Rand) (*behavr.Fit, error) {
	panic("boom")
}

// synth returns ndays days of four-level activity for each id.
func synth(rng *rand.Rand, ndays, ntime int, ids ...string) []behavr.ActivitySeries {

	var series []behavr.ActivitySeries
	for _, id := range ids {
		for d := 1; d <= ndays; d++ {
			s := behavr.ActivitySeries{ID: id, Genotype: "wt", Day: d, Meta: map[string]string{"sex": "M"}}
			for t := 0; t < ntime; t++ {
				mu := []float64{85, 55, 25, 2}[(t/15)%4]
				a := math.Max(0, math.Min(100, mu+2*rng.NormFloat64()))
				off := int64(d-1)*86400 + int64(t)*60
				s.Points = append(s.Points, behavr.Point{TimeOffset: off, Activity: a})
			}
			series = append(series, s)
		}
	}

	return series
}

func TestPoolMatchesSerial(t *testing.T) {

	rng := rand.New(rand.NewPCG(5, 6))
	series := synth(rng, 2, 240, "a", "b", "c", "d", "e")

	params := behavr.DefaultParams()
	params.Seed = 42

	pl := behavr.NewPipeline(params, nil)
	pl.Fitter = blockFitter{}
	serial := pl.Run(series)

	for _, workers := range []int{1, 3, 8} {

		var done atomic.Int32
		pool := &Pool{
			Workers: workers,
			Runner:  &InProcess{Fitter: blockFitter{}},
			OnDone:  func(behavr.Individual) { done.Add(1) },
		}

		par, err := pool.Run(context.Background(), behavr.Partition(series), params)
		if err != nil {
			t.Fatal(err)
		}

		if int(done.Load()) != 5 {
			t.Errorf("workers=%d: OnDone called %d times", workers, done.Load())
		}
		if par.RunID == "" || par.RunID == serial.RunID {
			t.Errorf("workers=%d: bad run id %q", workers, par.RunID)
		}
		if !reflect.DeepEqual(par.Profiles, serial.Profiles) {
			t.Errorf("workers=%d: profiles differ from serial run", workers)
		}
		if !reflect.DeepEqual(par.TimeSpent, serial.TimeSpent) {
			t.Errorf("workers=%d: time spent differs from serial run", workers)
		}
		if !reflect.DeepEqual(par.Transitions, serial.Transitions) {
			t.Errorf("workers=%d: transitions differ from serial run", workers)
		}
	}
}

// flakyRunner fails the job of one individual.
type flakyRunner struct {
	bad   string
	inner Runner
}

func (r *flakyRunner) Run(ctx context.Context, job Job) (*behavr.Result, error) {
	if job.Individual.ID == r.bad {
		return nil, errors.New("lost contact")
	}
	return r.inner.Run(ctx, job)
}

func TestPoolWorkerFailure(t *testing.T) {

	rng := rand.New(rand.NewPCG(7, 8))
	series := synth(rng, 1, 120, "a", "b", "c")

	pool := &Pool{
		Workers: 2,
		Runner:  &flakyRunner{bad: "b", inner: &InProcess{Fitter: blockFitter{}}},
	}

	res, err := pool.Run(context.Background(), behavr.Partition(series), behavr.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Failures) != 1 {
		t.Fatalf("expected one failure, got %v", res.Failures)
	}
	fr := res.Failures[0]
	if fr.ID != "b" || fr.Day != 0 || !strings.HasPrefix(fr.Message, "worker failed") {
		t.Errorf("unexpected failure record %+v", fr)
	}

	// The other individuals are unaffected and keep their order.
	if len(res.Profiles) != 240 {
		t.Fatalf("%d profile rows, want 240", len(res.Profiles))
	}
	if res.Profiles[0].ID != "a" || res.Profiles[239].ID != "c" {
		t.Errorf("profiles out of order")
	}
}

func TestInProcessRecoversPanic(t *testing.T) {

	series := synth(rand.New(rand.NewPCG(1, 2)), 1, 60, "p")
	pool := &Pool{Workers: 1, Runner: &InProcess{Fitter: panicFitter{}}}

	res, err := pool.Run(context.Background(), behavr.Partition(series), behavr.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failures) != 1 || !strings.Contains(res.Failures[0].Message, "boom") {
		t.Errorf("expected recovered panic, got %v", res.Failures)
	}
}

func TestPoolCancelled(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	series := synth(rand.New(rand.NewPCG(1, 2)), 1, 60, "a", "b")
	pool := &Pool{Workers: 2, Runner: &InProcess{Fitter: blockFitter{}}}

	if _, err := pool.Run(ctx, behavr.Partition(series), behavr.DefaultParams()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestProcessRunner(t *testing.T) {

	if testing.Short() {
		t.Skip("starts worker processes")
	}

	rng := rand.New(rand.NewPCG(9, 10))
	inds := behavr.Partition(synth(rng, 1, 240, "x", "y"))
	params := behavr.DefaultParams()

	pool := &Pool{
		Workers: 2,
		Runner:  &Process{Path: os.Args[0], Env: []string{workerEnv + "=serve"}},
	}
	sub, err := pool.Run(context.Background(), inds, params)
	if err != nil {
		t.Fatal(err)
	}

	local, err := (&Pool{Workers: 1, Runner: &InProcess{}}).Run(context.Background(), inds, params)
	if err != nil {
		t.Fatal(err)
	}

	if len(sub.Failures) != len(local.Failures) {
		t.Fatalf("failures differ: %v vs %v", sub.Failures, local.Failures)
	}
	if len(sub.Profiles) != len(local.Profiles) || len(sub.TimeSpent) != len(local.TimeSpent) {
		t.Fatalf("row counts differ: %d/%d profiles", len(sub.Profiles), len(local.Profiles))
	}
	for i := range sub.Profiles {
		a, b := sub.Profiles[i], local.Profiles[i]
		if a.ID != b.ID || a.StateName != b.StateName || a.ErrorScore != b.ErrorScore || a.Meta["sex"] != b.Meta["sex"] {
			t.Fatalf("row %d differs: %+v vs %+v", i, a, b)
		}
	}
}

func TestProcessRunnerCrash(t *testing.T) {

	inds := behavr.Partition(synth(rand.New(rand.NewPCG(3, 4)), 1, 60, "z"))
	pool := &Pool{
		Workers: 1,
		Runner:  &Process{Path: os.Args[0], Env: []string{workerEnv + "=crash"}},
	}

	res, err := pool.Run(context.Background(), inds, behavr.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failures) != 1 || res.Failures[0].ID != "z" || res.Failures[0].Day != 0 {
		t.Errorf("expected a day 0 failure for z, got %v", res.Failures)
	}
}
