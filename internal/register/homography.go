package register

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// Homography is a row-major 3x3 projective transform from thermal pixel
// coordinates to RGB pixel coordinates.
type Homography [9]float64

// Identity returns the identity transform.
func Identity() Homography {
	return Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Det returns the determinant of the 3x3 matrix.
func (h Homography) Det() float64 {
	return mat.Det(mat.NewDense(3, 3, h[:]))
}

// Apply maps a thermal point into RGB space. ok is false when the point maps
// to infinity.
func (h Homography) Apply(x, y float64) (float64, float64, bool) {
	w := h[6]*x + h[7]*y + h[8]
	if w == 0 {
		return 0, 0, false
	}
	return (h[0]*x + h[1]*y + h[2]) / w, (h[3]*x + h[4]*y + h[5]) / w, true
}

// Check reports why a transform must not be applied, or "" when it is usable.
// A zero determinant, or a magnitude outside [detMin, detMax], marks the
// solution as degenerate. Only the magnitude is bounded, so a mirrored
// transform (negative determinant) with an in-range magnitude is accepted.
func (h Homography) Check(detMin, detMax float64) Reason {
	for _, v := range h {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ReasonDegenerate
		}
	}
	det := h.Det()
	if det == 0 {
		return ReasonDegenerate
	}
	if a := math.Abs(det); a < detMin || a > detMax {
		return ReasonDegenerate
	}
	return ReasonNone
}

func (h Homography) String() string {
	return fmt.Sprintf("[%.4g %.4g %.4g; %.4g %.4g %.4g; %.4g %.4g %.4g]",
		h[0], h[1], h[2], h[3], h[4], h[5], h[6], h[7], h[8])
}

// toMat builds a CV_64F 3x3 Mat for OpenCV warps. The caller closes it.
func (h Homography) toMat() gocv.Mat {
	m := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.SetDoubleAt(r, c, h[r*3+c])
		}
	}
	return m
}

// homographyFromMat reads a 3x3 CV_64F Mat. ok is false for anything else,
// including the empty Mat findHomography returns on failure.
func homographyFromMat(m gocv.Mat) (Homography, bool) {
	var h Homography
	if m.Empty() || m.Rows() != 3 || m.Cols() != 3 || m.Type() != gocv.MatTypeCV64F {
		return h, false
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			h[r*3+c] = m.GetDoubleAt(r, c)
		}
	}
	return h, true
}
