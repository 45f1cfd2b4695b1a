// Package register co-registers a thermal raster onto its RGB counterpart.
//
// The aligner estimates a projective transform from SIFT correspondences and
// warps the thermal frame into the RGB frame. Whenever the estimate is missing
// or untrustworthy it falls back to a deterministic resize-and-center
// composition, so Align always yields an RGB-sized raster.
package register

import (
	"context"
	"image"
	"image/color"
	"log/slog"
	"time"

	"gocv.io/x/gocv"

	"thermalign/internal/config"
)

// Method names the path that produced an aligned raster.
type Method string

const (
	MethodHomography Method = "homography"
	MethodFallback   Method = "fallback"
)

// Reason explains why the fallback composition was used.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonOverride            Reason = "override"
	ReasonNoDescriptors       Reason = "no_descriptors"
	ReasonInsufficientMatches Reason = "insufficient_matches"
	ReasonNoTransform         Reason = "no_transform"
	ReasonDegenerate          Reason = "degenerate"
	ReasonWarpFailed          Reason = "warp_failed"
	ReasonTimeout             Reason = "timeout"
)

// Outcome is the result of Align. Image always has the RGB raster's size and
// is owned by the caller.
type Outcome struct {
	Image      gocv.Mat
	Method     Method
	Reason     Reason
	Matches    int
	Inliers    int
	Homography Homography
	Elapsed    time.Duration
}

// Meta summarises the outcome for logs and the run ledger.
func (o Outcome) Meta() map[string]any {
	meta := map[string]any{
		"method":  string(o.Method),
		"matches": o.Matches,
		"inliers": o.Inliers,
	}
	if o.Reason != ReasonNone {
		meta["reason"] = string(o.Reason)
	}
	if o.Method == MethodHomography {
		meta["det"] = o.Homography.Det()
	}
	return meta
}

// Aligner implements thermal-to-RGB registration. It holds only read-only
// configuration and is safe for concurrent use.
type Aligner struct {
	cfg       config.Registration
	overrides map[string]struct{}
	log       *slog.Logger
}

// NewAligner builds an aligner. Pair IDs in cfg.FallbackPairs bypass
// estimation and are always composited.
func NewAligner(cfg config.Registration, logger *slog.Logger) *Aligner {
	if logger == nil {
		logger = slog.Default()
	}
	overrides := make(map[string]struct{}, len(cfg.FallbackPairs))
	for _, id := range cfg.FallbackPairs {
		overrides[id] = struct{}{}
	}
	return &Aligner{cfg: cfg, overrides: overrides, log: logger}
}

// IsOverride reports whether pairID is forced onto the fallback path.
func (a *Aligner) IsOverride(pairID string) bool {
	_, ok := a.overrides[pairID]
	return ok
}

// Align maps thermal into rgb's frame. It never fails: every problem with the
// estimate or the warp degrades to Compose.
func (a *Aligner) Align(ctx context.Context, rgb, thermal gocv.Mat, pairID string) Outcome {
	start := time.Now()
	out := a.align(ctx, rgb, thermal, pairID)
	out.Elapsed = time.Since(start)
	return out
}

func (a *Aligner) align(ctx context.Context, rgb, thermal gocv.Mat, pairID string) Outcome {
	if a.IsOverride(pairID) {
		return a.fallback(thermal, rgb, pairID, Estimate{Reason: ReasonOverride})
	}

	est := a.estimate(ctx, rgb, thermal)
	if !est.OK() {
		return a.fallback(thermal, rgb, pairID, est)
	}

	warped, reason := warp(thermal, rgb, est.H)
	if reason != ReasonNone {
		est.Reason = reason
		return a.fallback(thermal, rgb, pairID, est)
	}

	a.log.Debug("homography applied",
		"pair", pairID,
		"matches", est.Matches,
		"inliers", est.Inliers,
		"h", est.H.String(),
	)
	return Outcome{
		Image:      warped,
		Method:     MethodHomography,
		Matches:    est.Matches,
		Inliers:    est.Inliers,
		Homography: est.H,
	}
}

func (a *Aligner) fallback(thermal, rgb gocv.Mat, pairID string, est Estimate) Outcome {
	a.log.Debug("using centered composition",
		"pair", pairID,
		"reason", string(est.Reason),
		"matches", est.Matches,
	)
	return Outcome{
		Image:   Compose(thermal, rgb),
		Method:  MethodFallback,
		Reason:  est.Reason,
		Matches: est.Matches,
		Inliers: est.Inliers,
	}
}

// estimate runs EstimateHomography under the configured timeout. The worker
// goroutine owns its grayscale copies, so an abandoned estimate never touches
// the caller's rasters after the timeout fires.
//
// SIFT detection cannot be interrupted. A timed-out estimate keeps running
// until detection returns, holding its grey rasters and SIFT buffers while the
// pipeline worker moves on, so peak memory can exceed the worker clamp by one
// estimate per timed-out pair still in flight. Matching polls ctx and stops
// promptly.
func (a *Aligner) estimate(ctx context.Context, rgb, thermal gocv.Mat) Estimate {
	timeout := a.cfg.EstimateTimeout.Duration
	if timeout <= 0 {
		return a.EstimateHomography(ctx, rgb, thermal)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rgbGray, thermalGray := a.prepare(rgb, thermal)
	done := make(chan Estimate, 1)
	go func() {
		defer rgbGray.Close()
		defer thermalGray.Close()
		done <- a.estimateGray(ctx, rgbGray, thermalGray)
	}()

	select {
	case est := <-done:
		return est
	case <-ctx.Done():
		return Estimate{Reason: ReasonTimeout}
	}
}

// warp applies h with bilinear sampling; pixels mapped from outside the
// thermal frame are black.
func warp(thermal, rgb gocv.Mat, h Homography) (gocv.Mat, Reason) {
	hm := h.toMat()
	defer hm.Close()

	dst := gocv.NewMat()
	gocv.WarpPerspectiveWithParams(thermal, &dst, hm, image.Pt(rgb.Cols(), rgb.Rows()),
		gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{R: 0, G: 0, B: 0, A: 0})

	if dst.Empty() || dst.Rows() != rgb.Rows() || dst.Cols() != rgb.Cols() {
		dst.Close()
		return gocv.Mat{}, ReasonWarpFailed
	}
	return dst, ReasonNone
}
