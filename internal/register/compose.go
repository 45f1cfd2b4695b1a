package register

import (
	"image"
	"math"

	"gocv.io/x/gocv"
)

// Compose resizes thermal to fit inside the RGB canvas with its aspect ratio
// preserved and centers it on a black canvas of the RGB size. The returned Mat
// is owned by the caller.
func Compose(thermal, rgb gocv.Mat) gocv.Mat {
	rgbH, rgbW := rgb.Rows(), rgb.Cols()
	canvas := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rgbH, rgbW, thermal.Type())
	if thermal.Empty() || rgbH == 0 || rgbW == 0 {
		return canvas
	}

	rect := fitRect(thermal.Rows(), thermal.Cols(), rgbH, rgbW)

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(thermal, &resized, image.Pt(rect.Dx(), rect.Dy()), 0, 0, gocv.InterpolationCubic)

	roi := canvas.Region(rect)
	defer roi.Close()
	resized.CopyTo(&roi)
	return canvas
}

// fitRect returns where a thermalH x thermalW raster lands once scaled by
// min(rgbH/thermalH, rgbW/thermalW) and centered with integer offsets.
func fitRect(thermalH, thermalW, rgbH, rgbW int) image.Rectangle {
	scale := math.Min(float64(rgbH)/float64(thermalH), float64(rgbW)/float64(thermalW))
	newH := clamp(int(float64(thermalH)*scale), 1, rgbH)
	newW := clamp(int(float64(thermalW)*scale), 1, rgbW)
	y := (rgbH - newH) / 2
	x := (rgbW - newW) / 2
	return image.Rect(x, y, x+newW, y+newH)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
