// Command generate writes a synthetic activity table in the format read by
// estimate.  Each individual follows its own 4-state Markov chain with
// Gaussian activity levels, clipped to [0, 100].  A fraction of the
// individuals can be made "dead", with zero activity throughout.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/orijitghosh/flydream/behavr"
	"github.com/orijitghosh/flydream/hmmlib"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Activity levels of the four states, from most to least active.
var (
	levels = []float64{75, 40, 12, 0.5}
	spread = []float64{12, 8, 4, 0.5}
)

// persistence returns a transition matrix in which state i stays put with
// probability stay[i] and otherwise moves to a neighboring state.
func persistence(stay []float64) []float64 {

	ns := len(stay)
	tr := make([]float64, ns*ns)
	for i := 0; i < ns; i++ {
		tr[i*ns+i] = stay[i]
		switch i {
		case 0:
			tr[i*ns+1] = 1 - stay[i]
		case ns - 1:
			tr[i*ns+ns-2] = 1 - stay[i]
		default:
			tr[i*ns+i-1] = (1 - stay[i]) / 2
			tr[i*ns+i+1] = (1 - stay[i]) / 2
		}
	}

	return tr
}

// individual simulates the per-minute activity of one individual over
// ndays days.
func individual(rng *rand.Rand, ndays int, dead bool) []float64 {

	n := ndays * behavr.MinutesPerDay
	if dead {
		return make([]float64, n)
	}

	hmm := hmmlib.New(behavr.NumStates, n)
	hmm.Init = hmmlib.UniformInit(behavr.NumStates)
	hmm.Trans = persistence([]float64{0.97, 0.95, 0.95, 0.98})
	hmm.Mean = levels
	hmm.Std = spread

	state := hmm.GenStates(rng)
	x := hmm.GenObs(state, rng)
	for t := range x {
		x[t] = math.Max(0, math.Min(100, x[t]))
	}

	return x
}

func write(w io.Writer, rng *rand.Rand, nind, ndays int, genotypes []string, dead float64, logger *zap.Logger) error {

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"ID", "day", "time_offset", "activity", "genotype", "sex"}); err != nil {
		return err
	}

	isDead := distuv.Bernoulli{P: dead, Src: rng}
	isMale := distuv.Bernoulli{P: 0.5, Src: rng}

	for i := 0; i < nind; i++ {

		id := fmt.Sprintf("fly%03d", i+1)
		geno := genotypes[i%len(genotypes)]
		sex := "F"
		if isMale.Rand() == 1 {
			sex = "M"
		}
		d := isDead.Rand() == 1

		x := individual(rng, ndays, d)
		mean, sd := stat.MeanStdDev(x, nil)
		logger.Debug("individual simulated",
			zap.String("id", id),
			zap.Bool("dead", d),
			zap.Float64("mean", mean),
			zap.Float64("sd", sd))

		for t, v := range x {
			rec := []string{
				id,
				strconv.Itoa(t/behavr.MinutesPerDay + 1),
				strconv.Itoa(t * 60),
				strconv.FormatFloat(v, 'f', 3, 64),
				geno,
				sex,
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

func main() {

	var outname, genotypes string
	flag.StringVar(&outname, "outname", "", "Output file name, standard output if empty")
	flag.StringVar(&genotypes, "genotypes", "wt", "Comma separated genotypes, assigned in turn")

	var nind, ndays int
	flag.IntVar(&nind, "nind", 8, "Number of individuals")
	flag.IntVar(&ndays, "ndays", 2, "Number of days per individual")

	var dead float64
	flag.Float64Var(&dead, "dead", 0, "Probability that an individual is dead")

	var seed uint64
	flag.Uint64Var(&seed, "seed", 1, "Random seed")

	var debug bool
	flag.BoolVar(&debug, "debug", false, "Verbose logging")
	flag.Parse()

	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if nind < 1 || ndays < 1 || dead < 0 || dead > 1 {
		logger.Fatal("invalid arguments",
			zap.Int("nind", nind),
			zap.Int("ndays", ndays),
			zap.Float64("dead", dead))
	}

	out := io.Writer(os.Stdout)
	if outname != "" {
		fid, err := os.Create(outname)
		if err != nil {
			logger.Fatal("cannot create output", zap.Error(err))
		}
		defer fid.Close()
		out = fid
	}

	rng := rand.New(rand.NewPCG(seed, 0))
	if err := write(out, rng, nind, ndays, strings.Split(genotypes, ","), dead, logger); err != nil {
		logger.Fatal("writing activity table", zap.Error(err))
	}

	logger.Info("activity table written",
		zap.String("outname", outname),
		zap.Int("individuals", nind),
		zap.Int("days", ndays))
}
