package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"gocv.io/x/gocv"

	"thermalign/internal/capture"
	"thermalign/internal/fsutil"
	"thermalign/internal/logging"
	"thermalign/internal/raster"
	"thermalign/internal/register"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	aligner  pairAligner
	decode   decodeFunc
	quality  int
	copyFile func(src, dst string) error
	write    func(path string, img gocv.Mat, quality int) error
}

type pairAligner interface {
	Align(ctx context.Context, rgb, thermal gocv.Mat, pairID string) register.Outcome
}

type decodeFunc func(path string) (gocv.Mat, error)

func newRouter(logger *slog.Logger, aligner *register.Aligner, quality int) Processor {
	return &router{
		log:      logger,
		aligner:  aligner,
		decode:   raster.Read,
		quality:  quality,
		copyFile: fsutil.CopyFileAtomic,
		write:    raster.Write,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobAlignPair, "":
		return r.handleAlignPair(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// handleAlignPair decodes both captures, aligns the thermal frame and writes
// the RGB copy next to the aligned thermal raster.
func (r *router) handleAlignPair(ctx context.Context, job Job) Result {
	pair := job.Pair

	rgb, err := r.decode(pair.RGBPath)
	if err != nil {
		return Result{Job: job, Stage: "decode", Error: fmt.Errorf("decode rgb: %w", err)}
	}
	defer rgb.Close()
	thermal, err := r.decode(pair.ThermalPath)
	if err != nil {
		return Result{Job: job, Stage: "decode", Error: fmt.Errorf("decode thermal: %w", err)}
	}
	defer thermal.Close()
	logging.LogProcessingStep(r.log, pair.ID, "decode", "done", map[string]any{
		"rgb":     fmt.Sprintf("%dx%d", rgb.Cols(), rgb.Rows()),
		"thermal": fmt.Sprintf("%dx%d", thermal.Cols(), thermal.Rows()),
	})

	out := r.aligner.Align(ctx, rgb, thermal, pair.ID)
	defer out.Image.Close()
	logging.LogProcessingStep(r.log, pair.ID, "align", string(out.Method), out.Meta())

	rgbName := filepath.Base(pair.RGBPath)
	rgbOut := filepath.Join(job.OutputDir, rgbName)
	alignedOut := filepath.Join(job.OutputDir, capture.AlignedName(rgbName))

	res := Result{
		Job:     job,
		Method:  out.Method,
		Reason:  out.Reason,
		Matches: out.Matches,
		Inliers: out.Inliers,
		Meta:    out.Meta(),
	}
	if err := r.copyFile(pair.RGBPath, rgbOut); err != nil {
		res.Stage = "write"
		res.Error = fmt.Errorf("copy rgb: %w", err)
		return res
	}
	if err := r.write(alignedOut, out.Image, r.quality); err != nil {
		res.Stage = "write"
		res.Error = fmt.Errorf("write aligned thermal: %w", err)
		return res
	}

	res.Outputs = []string{rgbOut, alignedOut}
	res.Meta["rgb_output"] = rgbName
	res.Meta["aligned_output"] = filepath.Base(alignedOut)
	return res
}
