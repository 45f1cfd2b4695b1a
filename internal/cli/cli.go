package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"thermalign/internal/config"
	"thermalign/internal/fsutil"
	"thermalign/internal/orchestrator"
	"thermalign/internal/pipeline"
	"thermalign/internal/register"
	"thermalign/internal/server"
	"thermalign/internal/storage"
)

// Version is stamped at build time with -ldflags "-X thermalign/internal/cli.Version=...".
var Version = "dev"

type pipelineClient interface {
	Submit(ctx context.Context, job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
	Stop()
}

type pipelineFactory func(ctx context.Context, workers int, reg config.Registration) pipelineClient

type serverFunc func(ctx context.Context, addr string, store *storage.Store, runner server.Runner, feed server.Subscriber, log *slog.Logger) error

func defaultPipeline(log *slog.Logger, store *storage.Store) pipelineFactory {
	return func(ctx context.Context, workers int, reg config.Registration) pipelineClient {
		aligner := register.NewAligner(reg, log)
		return pipeline.New(ctx, workers, log, store, aligner, reg.JPEGQuality)
	}
}

// Root wires CLI commands to the orchestrator and pipeline.
type Root struct {
	cfg         *config.Config
	log         *slog.Logger
	store       *storage.Store
	pipeFactory pipelineFactory
	serveFn     serverFunc
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		cfg:         cfg,
		log:         logger,
		store:       store,
		pipeFactory: defaultPipeline(logger, store),
		serveFn:     server.Serve,
	}
}

// alignOptions carries per-invocation overrides of the configuration.
type alignOptions struct {
	workers       int
	forceFallback []string
	timeout       config.Duration
	timeoutSet    bool
}

// registration merges command-line overrides into the configured parameters.
func (r *Root) registration(opts alignOptions) config.Registration {
	reg := r.cfg.Alignment
	reg.FallbackPairs = append(append([]string(nil), reg.FallbackPairs...), opts.forceFallback...)
	if opts.timeoutSet {
		reg.EstimateTimeout = opts.timeout
	}
	return reg
}

func (r *Root) workers(requested int, sampleRGB string) int {
	workers := requested
	if workers < 1 {
		workers = r.cfg.Processing.ParallelJobs
	}
	if sampleRGB == "" {
		return max(workers, 1)
	}
	mb, err := fsutil.PairMemoryMB(sampleRGB)
	if err != nil {
		r.log.Debug("could not size workers from image header", "file", sampleRGB, "error", err)
		return max(workers, 1)
	}
	return fsutil.ClampWorkers(workers, mb, r.log)
}

func (r *Root) runAlign(ctx context.Context, out io.Writer, inputDir, outputDir string, opts alignOptions) (orchestrator.Summary, error) {
	reg := r.registration(opts)
	if err := reg.Validate(); err != nil {
		return orchestrator.Summary{}, err
	}

	planner := orchestrator.New(r.log, nil, nil)
	plan, err := planner.Plan(inputDir)
	if err != nil {
		return orchestrator.Summary{}, err
	}
	sample := ""
	if len(plan.Pairs) > 0 {
		sample = plan.Pairs[0].RGBPath
	}
	workers := r.workers(opts.workers, sample)

	r.log.Info("starting alignment",
		"input", inputDir,
		"output", outputDir,
		"workers", workers,
		"forced_fallback", len(reg.FallbackPairs),
	)

	pipe := r.pipeFactory(ctx, workers, reg)
	defer pipe.Stop()

	orch := orchestrator.New(r.log, r.store, pipe)
	orch.Progress = out
	return orch.Run(ctx, inputDir, outputDir)
}

func (r *Root) printPlan(out io.Writer, inputDir string) error {
	plan, err := orchestrator.New(r.log, nil, nil).Plan(inputDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Thermal captures: %d\n", plan.ThermalCount)
	fmt.Fprintf(out, "RGB captures:     %d\n", plan.VisibleCount)
	fmt.Fprintf(out, "Ignored files:    %d\n\n", plan.Ignored)
	for _, p := range plan.Pairs {
		fmt.Fprintf(out, "%-28s %s <-> %s (dt=%ds)\n", p.ID, filepath.Base(p.ThermalPath), filepath.Base(p.RGBPath), p.DeltaSeconds)
	}
	for _, u := range plan.Unmatched {
		fmt.Fprintf(out, "unmatched thermal: %s\n", u.Name)
	}
	fmt.Fprintf(out, "\n%d pairs\n", len(plan.Pairs))
	if len(plan.Pairs) == 0 {
		return orchestrator.ErrNoPairs
	}
	return nil
}

func (r *Root) printRuns(out io.Writer, limit int) error {
	if r.store == nil {
		return fmt.Errorf("run ledger disabled (storage.database_path is empty)")
	}
	runs, err := r.store.RecentRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}
	for _, run := range runs {
		fmt.Fprintf(out, "%s  %-9s  %s  pairs=%d ok=%d failed=%d fallback=%d  %s -> %s\n",
			run.ID, run.Status, run.CreatedAt.Format("2006-01-02 15:04:05"),
			run.PairsTotal, run.PairsSucceeded, run.PairsFailed, run.Fallbacks,
			run.InputDir, run.OutputDir)
	}
	return nil
}

func (r *Root) serve(ctx context.Context, addr string) error {
	reg := r.registration(alignOptions{})
	pipe := r.pipeFactory(ctx, r.workers(0, ""), reg)
	defer pipe.Stop()

	orch := orchestrator.New(r.log, r.store, pipe)
	return r.serveFn(ctx, addr, r.store, orch, pipe, r.log)
}
