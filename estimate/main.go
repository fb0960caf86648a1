// Command estimate infers consensus behavioral states from an activity
// table and writes the profile, time-in-state, transition and failure
// tables.  Run with -worker, it instead processes a single job read from
// standard input; this is how it is invoked by itself when -subprocess is
// set.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/orijitghosh/flydream/behavr"
	"github.com/orijitghosh/flydream/config"
	"github.com/orijitghosh/flydream/orchestrate"
	"github.com/orijitghosh/flydream/tables"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

type options struct {
	debug  bool
	worker bool
	cfg    *config.Config
}

// parseArgs builds the run configuration.  Settings come from the defaults,
// then the -config file, then any flags given explicitly.
func parseArgs(args []string) (*options, error) {

	fs := flag.NewFlagSet("estimate", flag.ContinueOnError)

	def := config.Default()
	var cfgname string
	fs.StringVar(&cfgname, "config", "", "YAML configuration file")

	var over config.Config
	fs.StringVar(&over.Input, "input", "", "Activity table (CSV)")
	fs.StringVar(&over.Output, "output", def.Output, "Output directory")
	fs.IntVar(&over.Iterations, "iterations", def.Iterations, "Number of consensus iterations (at least 100 are used)")
	fs.Float64Var(&over.LightHours, "light", def.LightHours, "Hours of light at the start of each day")
	fs.IntVar(&over.Workers, "workers", def.Workers, "Number of individuals fitted at once")
	fs.IntVar(&over.MaxAttempts, "max-attempts", def.MaxAttempts, "Fitting attempts per iteration")
	fs.IntVar(&over.MaxEMIter, "max-em-iter", def.MaxEMIter, "Maximum number of EM iterations per fit")
	fs.Uint64Var(&over.Seed, "seed", def.Seed, "Random seed")
	fs.BoolVar(&over.Subprocess, "subprocess", def.Subprocess, "Fit each individual in a separate worker process")
	fs.StringVar(&over.Database.Driver, "db-driver", "", "Result database driver (sqlite or postgres)")
	fs.StringVar(&over.Database.DSN, "db-dsn", "", "Result database connection string")

	opt := &options{}
	fs.BoolVar(&opt.debug, "debug", false, "Verbose logging")
	fs.BoolVar(&opt.worker, "worker", false, "Run as a worker process")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := def
	if cfgname != "" {
		var err error
		if cfg, err = config.Load(cfgname); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input":
			cfg.Input = over.Input
		case "output":
			cfg.Output = over.Output
		case "iterations":
			cfg.Iterations = over.Iterations
		case "light":
			cfg.LightHours = over.LightHours
		case "workers":
			cfg.Workers = over.Workers
		case "max-attempts":
			cfg.MaxAttempts = over.MaxAttempts
		case "max-em-iter":
			cfg.MaxEMIter = over.MaxEMIter
		case "seed":
			cfg.Seed = over.Seed
		case "subprocess":
			cfg.Subprocess = over.Subprocess
		case "db-driver":
			cfg.Database.Driver = over.Database.Driver
		case "db-dsn":
			cfg.Database.DSN = over.Database.DSN
		}
	})

	opt.cfg = cfg
	if opt.worker {
		return opt, nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Input == "" {
		return nil, fmt.Errorf("%w: an input table is required", config.ErrInvalid)
	}

	return opt, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// run carries out a complete estimation.  The progress bar is drawn on
// progress if it is not nil.
func run(ctx context.Context, cfg *config.Config, runner orchestrate.Runner, progress io.Writer, logger *zap.Logger) (*behavr.Result, error) {

	fid, err := os.Open(cfg.Input)
	if err != nil {
		return nil, err
	}
	series, err := tables.ReadActivity(fid)
	fid.Close()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Input, err)
	}

	individuals := behavr.Partition(series)
	logger.Info("activity table read",
		zap.String("input", cfg.Input),
		zap.Int("series", len(series)),
		zap.Int("individuals", len(individuals)))

	pool := &orchestrate.Pool{
		Workers: cfg.Workers,
		Runner:  runner,
		Logger:  logger,
	}
	if progress != nil {
		bar := progressbar.NewOptions(len(individuals),
			progressbar.OptionSetWriter(progress),
			progressbar.OptionSetDescription("fitting"),
			progressbar.OptionShowCount())
		pool.OnDone = func(behavr.Individual) { _ = bar.Add(1) }
		defer func() {
			_ = bar.Finish()
			fmt.Fprintln(progress)
		}()
	}

	res, err := pool.Run(ctx, individuals, cfg.Params())
	if err != nil {
		return nil, err
	}

	if err := tables.WriteResult(cfg.Output, res); err != nil {
		return nil, err
	}

	if cfg.Database.Driver != "" {
		st, err := tables.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return nil, err
		}
		if err := st.Save(ctx, res, cfg.Params().Normalize(zap.NewNop())); err != nil {
			return nil, err
		}
		logger.Info("results stored", zap.String("driver", cfg.Database.Driver), zap.String("run_id", res.RunID))
	}

	for _, fr := range res.Failures {
		logger.Warn("individual-day not included",
			zap.String("id", fr.ID),
			zap.Int("day", fr.Day),
			zap.String("reason", fr.Message))
	}

	return res, nil
}

func main() {

	opt, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "estimate: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(opt.debug)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if opt.worker {
		if err := orchestrate.Serve(os.Stdin, os.Stdout, logger); err != nil {
			logger.Fatal("worker failed", zap.Error(err))
		}
		return
	}

	cfg := opt.cfg

	var runner orchestrate.Runner = &orchestrate.InProcess{Logger: logger}
	if cfg.Subprocess {
		exe, err := os.Executable()
		if err != nil {
			logger.Fatal("cannot locate executable", zap.Error(err))
		}
		args := []string{"-worker"}
		if opt.debug {
			args = append(args, "-debug")
		}
		runner = &orchestrate.Process{Path: exe, Args: args}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := run(ctx, cfg, runner, os.Stderr, logger)
	if err != nil {
		logger.Fatal("estimation failed", zap.Error(err))
	}

	logger.Info("results written",
		zap.String("output", cfg.Output),
		zap.String("run_id", res.RunID),
		zap.Int("profile_rows", len(res.Profiles)),
		zap.Int("failures", len(res.Failures)))
}
