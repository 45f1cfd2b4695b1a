package register

import (
	"context"
	"errors"

	"gocv.io/x/gocv"
)

// Estimate is the result of homography estimation. When Reason is non-empty
// no usable transform was found and H must not be applied.
type Estimate struct {
	H       Homography
	Reason  Reason
	Matches int // correspondences that survived the ratio test
	Inliers int // RANSAC inliers among Matches
}

// OK reports whether H is a validated transform.
func (e Estimate) OK() bool { return e.Reason == ReasonNone }

// EstimateHomography estimates the thermal-to-RGB transform from SIFT
// correspondences. It never returns an unvalidated transform.
func (a *Aligner) EstimateHomography(ctx context.Context, rgb, thermal gocv.Mat) Estimate {
	rgbGray, thermalGray := a.prepare(rgb, thermal)
	defer rgbGray.Close()
	defer thermalGray.Close()
	return a.estimateGray(ctx, rgbGray, thermalGray)
}

// prepare inverts the thermal palette when configured and converts both
// rasters to single-channel intensity. The returned Mats are owned by the caller.
func (a *Aligner) prepare(rgb, thermal gocv.Mat) (gocv.Mat, gocv.Mat) {
	src := thermal
	if a.cfg.InvertThermal {
		inv := gocv.NewMat()
		defer inv.Close()
		gocv.BitwiseNot(thermal, &inv)
		src = inv
	}
	return toGray(rgb), toGray(src)
}

func toGray(m gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	switch m.Channels() {
	case 1:
		m.CopyTo(&gray)
	case 4:
		gocv.CvtColor(m, &gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(m, &gray, gocv.ColorBGRToGray)
	}
	return gray
}

func (a *Aligner) estimateGray(ctx context.Context, rgbGray, thermalGray gocv.Mat) Estimate {
	thermalFeat, err := detectFeatures(thermalGray, a.cfg.MaxFeatures)
	if err != nil {
		a.log.Debug("thermal feature extraction failed", "error", err)
		return Estimate{Reason: ReasonNoDescriptors}
	}
	rgbFeat, err := detectFeatures(rgbGray, a.cfg.MaxFeatures)
	if err != nil {
		a.log.Debug("rgb feature extraction failed", "error", err)
		return Estimate{Reason: ReasonNoDescriptors}
	}
	if thermalFeat.empty() || rgbFeat.empty() {
		return Estimate{Reason: ReasonNoDescriptors}
	}
	if err := ctx.Err(); err != nil {
		return Estimate{Reason: ReasonTimeout}
	}
	return a.solve(ctx, thermalFeat, rgbFeat)
}

// solve matches descriptors, applies the minimum-match gate and fits the
// homography with RANSAC.
func (a *Aligner) solve(ctx context.Context, thermalFeat, rgbFeat featureSet) Estimate {
	matches, err := ratioMatches(ctx, thermalFeat, rgbFeat, a.cfg.FlannTrees, a.cfg.FlannChecks, a.cfg.Ratio)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Estimate{Reason: ReasonTimeout}
		}
		return Estimate{Reason: ReasonNoTransform}
	}
	est := Estimate{Matches: len(matches)}
	if len(matches) < a.cfg.MinMatches {
		est.Reason = ReasonInsufficientMatches
		return est
	}

	h, inliers, ok := findHomography(matches, a.cfg.RansacThreshold)
	est.Inliers = inliers
	if !ok {
		est.Reason = ReasonNoTransform
		return est
	}
	if r := h.Check(a.cfg.DetMin, a.cfg.DetMax); r != ReasonNone {
		est.Reason = r
		return est
	}
	est.H = h
	return est
}

// findHomography solves thermal->RGB with OpenCV's RANSAC estimator.
func findHomography(matches []Correspondence, threshold float64) (Homography, int, bool) {
	n := len(matches)
	src := gocv.NewMatWithSize(n, 1, gocv.MatTypeCV64FC2)
	defer src.Close()
	dst := gocv.NewMatWithSize(n, 1, gocv.MatTypeCV64FC2)
	defer dst.Close()
	for i, m := range matches {
		src.SetDoubleAt(i, 0, m.Thermal.X)
		src.SetDoubleAt(i, 1, m.Thermal.Y)
		dst.SetDoubleAt(i, 0, m.RGB.X)
		dst.SetDoubleAt(i, 1, m.RGB.Y)
	}

	mask := gocv.NewMat()
	defer mask.Close()
	hm := gocv.FindHomography(src, &dst, gocv.HomographyMethodRANSAC, threshold, &mask, 2000, 0.995)
	defer hm.Close()

	h, ok := homographyFromMat(hm)
	inliers := 0
	if ok && !mask.Empty() {
		inliers = gocv.CountNonZero(mask)
	}
	return h, inliers, ok
}
