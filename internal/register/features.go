package register

import (
	"context"
	"fmt"
	"sort"

	"gocv.io/x/gocv"
)

// Point is a sub-pixel image location.
type Point struct {
	X, Y float64
}

// Correspondence pairs a thermal keypoint with the RGB keypoint it matched.
type Correspondence struct {
	Thermal Point
	RGB     Point
}

// featureSet holds keypoint locations and their descriptors copied out of
// OpenCV memory, one descriptor row per point.
type featureSet struct {
	points      []Point
	descriptors [][]float32
}

func (f featureSet) empty() bool { return len(f.descriptors) == 0 }

// detectFeatures runs SIFT on a single-channel image and keeps the maxFeatures
// keypoints with the strongest response.
func detectFeatures(gray gocv.Mat, maxFeatures int) (featureSet, error) {
	sift := gocv.NewSIFT()
	defer sift.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	kps, desc := sift.DetectAndCompute(gray, mask)
	defer desc.Close()

	if len(kps) == 0 || desc.Empty() {
		return featureSet{}, nil
	}
	if desc.Rows() != len(kps) {
		return featureSet{}, fmt.Errorf("descriptor rows %d != keypoints %d", desc.Rows(), len(kps))
	}
	if desc.Type() != gocv.MatTypeCV32F {
		return featureSet{}, fmt.Errorf("unexpected descriptor type %v", desc.Type())
	}

	data, err := desc.DataPtrFloat32()
	if err != nil {
		return featureSet{}, fmt.Errorf("read descriptors: %w", err)
	}
	cols := desc.Cols()

	order := make([]int, len(kps))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return kps[order[a]].Response > kps[order[b]].Response })
	if len(order) > maxFeatures {
		order = order[:maxFeatures]
	}

	fs := featureSet{
		points:      make([]Point, len(order)),
		descriptors: make([][]float32, len(order)),
	}
	for i, k := range order {
		fs.points[i] = Point{X: kps[k].X, Y: kps[k].Y}
		row := make([]float32, cols)
		copy(row, data[k*cols:(k+1)*cols])
		fs.descriptors[i] = row
	}
	return fs, nil
}

// ratioMatches finds the two nearest RGB descriptors of every thermal
// descriptor and keeps the match when the nearest is clearly better than the
// runner-up (d1 < ratio*d2).
func ratioMatches(ctx context.Context, thermal, rgb featureSet, trees, checks int, ratio float64) ([]Correspondence, error) {
	forest := newKDForest(rgb.descriptors, trees, checks)

	var out []Correspondence
	for i, q := range thermal.descriptors {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		nn := forest.knn(q, 2)
		if len(nn) < 2 {
			continue
		}
		if nn[0].dist < ratio*nn[1].dist {
			out = append(out, Correspondence{
				Thermal: thermal.points[i],
				RGB:     rgb.points[nn[0].index],
			})
		}
	}
	return out, nil
}
