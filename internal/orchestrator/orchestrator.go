// Package orchestrator drives one alignment run: it lists the input
// directory, pairs the captures, fans the pairs out over the worker pool and
// tallies the results.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"thermalign/internal/capture"
	"thermalign/internal/fsutil"
	"thermalign/internal/metrics"
	"thermalign/internal/pipeline"
	"thermalign/internal/register"
	"thermalign/internal/storage"
)

var (
	// ErrInputUnreadable aborts a run whose input directory cannot be listed.
	ErrInputUnreadable = errors.New("input directory unreadable")
	// ErrNoPairs aborts a run that found no thermal/RGB pair.
	ErrNoPairs = errors.New("no thermal/RGB pairs found")
)

// Submitter accepts pair jobs. *pipeline.Pipeline implements it.
type Submitter interface {
	Submit(ctx context.Context, job pipeline.Job) error
}

// Orchestrator runs alignment over whole directories.
type Orchestrator struct {
	log   *slog.Logger
	store *storage.Store
	pipe  Submitter
	// Progress receives human-readable progress lines. Nil discards them.
	Progress io.Writer
}

// Summary reports the outcome of a run.
type Summary struct {
	RunID     string
	Pairs     int
	Succeeded int
	Failed    int
	Fallbacks int
	Unmatched int
	Ignored   int
	Duration  time.Duration
	Results   []pipeline.Result
}

// New builds an orchestrator. store may be nil.
func New(log *slog.Logger, store *storage.Store, pipe Submitter) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{log: log, store: store, pipe: pipe}
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Plan lists inputDir and pairs its captures without processing anything.
func (o *Orchestrator) Plan(inputDir string) (capture.MatchResult, error) {
	files, err := fsutil.ListFiles(inputDir)
	if err != nil {
		return capture.MatchResult{}, fmt.Errorf("%w: %s: %v", ErrInputUnreadable, inputDir, err)
	}
	return capture.Match(files), nil
}

// Run aligns every pair found in inputDir into outputDir under a new run id.
func (o *Orchestrator) Run(ctx context.Context, inputDir, outputDir string) (Summary, error) {
	return o.RunWithID(ctx, NewRunID(), inputDir, outputDir)
}

// RunWithID is Run with a caller-chosen run id.
func (o *Orchestrator) RunWithID(ctx context.Context, runID, inputDir, outputDir string) (Summary, error) {
	start := time.Now()
	sum := Summary{RunID: runID}
	log := o.log.With("run", runID)

	if err := o.store.RecordRunStart(runID, inputDir, outputDir); err != nil {
		log.Warn("failed to record run start", "error", err)
	}

	sum, err := o.run(ctx, log, sum, inputDir, outputDir)
	sum.Duration = time.Since(start)

	status := "completed"
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		status = "cancelled"
	case err != nil:
		status = "failed"
	}
	if recErr := o.store.RecordRunComplete(runID, status, storage.RunSummary{
		PairsTotal:     sum.Pairs,
		PairsSucceeded: sum.Succeeded,
		PairsFailed:    sum.Failed,
		Fallbacks:      sum.Fallbacks,
		Unmatched:      sum.Unmatched,
	}, errString(err)); recErr != nil {
		log.Warn("failed to record run completion", "error", recErr)
	}
	metrics.ObserveRun(status)

	log.Info("run finished",
		"status", status,
		"pairs", sum.Pairs,
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
		"fallbacks", sum.Fallbacks,
		"duration", sum.Duration,
	)
	return sum, err
}

func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, sum Summary, inputDir, outputDir string) (Summary, error) {
	match, err := o.Plan(inputDir)
	if err != nil {
		return sum, err
	}
	sum.Pairs = len(match.Pairs)
	sum.Unmatched = len(match.Unmatched)
	sum.Ignored = match.Ignored

	log.Info("captures matched",
		"thermal", match.ThermalCount,
		"rgb", match.VisibleCount,
		"pairs", len(match.Pairs),
		"unmatched", len(match.Unmatched),
		"ignored", match.Ignored,
	)
	for _, p := range match.Pairs {
		o.printf("%s <-> %s (index %s, dt=%ds)\n", baseName(p.ThermalPath), baseName(p.RGBPath), p.Index, p.DeltaSeconds)
	}
	for _, u := range match.Unmatched {
		log.Info("no RGB candidate for thermal capture", "thermal", u.Name, "index", u.Index)
		o.printf("No RGB match for %s\n", u.Name)
	}

	if len(match.Pairs) == 0 {
		return sum, fmt.Errorf("%w in %s", ErrNoPairs, inputDir)
	}
	if err := fsutil.EnsureDir(outputDir); err != nil {
		return sum, err
	}

	reply := make(chan pipeline.Result, len(match.Pairs))
	submitted := 0
	var submitErr error
	for _, p := range match.Pairs {
		job := pipeline.Job{
			ID:        p.ID,
			RunID:     sum.RunID,
			Type:      pipeline.JobAlignPair,
			Pair:      p,
			OutputDir: outputDir,
			Reply:     reply,
		}
		if err := o.pipe.Submit(ctx, job); err != nil {
			submitErr = fmt.Errorf("submit %s: %w", p.ID, err)
			break
		}
		submitted++
	}

	for i := 0; i < submitted; i++ {
		var res pipeline.Result
		select {
		case res = <-reply:
		case <-ctx.Done():
			return sum, ctx.Err()
		}
		sum.Results = append(sum.Results, res)
		if res.OK() {
			sum.Succeeded++
			if res.Method == register.MethodFallback {
				sum.Fallbacks++
			}
		} else {
			sum.Failed++
		}
		o.printf("[%d/%d] %s\n", i+1, len(match.Pairs), describe(res))
	}

	o.printf("Done. Pairs processed: %d\n", sum.Succeeded)
	return sum, submitErr
}

func (o *Orchestrator) printf(format string, args ...any) {
	if o.Progress == nil {
		return
	}
	fmt.Fprintf(o.Progress, format, args...)
}

func describe(res pipeline.Result) string {
	id := res.Job.ID
	switch {
	case res.Error != nil:
		return fmt.Sprintf("%s: failed: %v", id, res.Error)
	case res.Method == register.MethodFallback:
		return fmt.Sprintf("%s: centered fallback (%s)", id, res.Reason)
	default:
		return fmt.Sprintf("%s: homography (%d matches, %d inliers)", id, res.Matches, res.Inliers)
	}
}

func baseName(path string) string {
	if rec, ok := capture.Parse(path); ok {
		return rec.Name
	}
	return path
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
