// Package raster decodes and encodes the image files the aligner works on.
package raster

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"

	"thermalign/internal/fsutil"
)

// ErrDecode is returned when a file exists but does not hold a decodable image.
var ErrDecode = errors.New("raster: decode failed")

// Read decodes path as a 3-channel BGR raster. The caller closes the Mat.
func Read(path string) (gocv.Mat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("read %s: %w", path, err)
	}
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("%w: %s: %v", ErrDecode, path, err)
	}
	if img.Empty() {
		img.Close()
		return gocv.Mat{}, fmt.Errorf("%w: %s", ErrDecode, path)
	}
	return img, nil
}

// Encode compresses img in the format implied by ext (".jpg", ".png", ...).
// quality applies to JPEG only.
func Encode(ext string, img gocv.Mat, quality int) ([]byte, error) {
	ext = strings.ToLower(ext)
	var params []int
	if ext == ".jpg" || ext == ".jpeg" {
		params = []int{int(gocv.IMWriteJpegQuality), quality}
	}
	buf, err := gocv.IMEncodeWithParams(gocv.FileExt(ext), img, params)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ext, err)
	}
	defer buf.Close()

	b := buf.GetBytes()
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Write encodes img according to path's extension and replaces path
// atomically.
func Write(path string, img gocv.Mat, quality int) error {
	data, err := Encode(filepath.Ext(path), img, quality)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data)
}
