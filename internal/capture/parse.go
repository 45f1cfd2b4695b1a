package capture

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Modality identifies which sensor produced a capture.
type Modality int

const (
	Thermal Modality = iota
	Visible
)

func (m Modality) String() string {
	switch m {
	case Thermal:
		return "thermal"
	case Visible:
		return "visible"
	default:
		return "unknown"
	}
}

// Record is a parsed DJI capture filename.
type Record struct {
	Timestamp int64 // 14-digit YYYYMMDDhhmmss read as an integer
	Index     string
	Modality  Modality
	Name      string // base name
	Path      string
}

var djiName = regexp.MustCompile(`(?i)DJI_(\d{14})_(\d+)_([TZ])\.JPG$`)

// Parse extracts timestamp, index and modality from a DJI filename.
// Names that do not follow the convention return ok=false.
func Parse(path string) (Record, bool) {
	name := filepath.Base(path)
	m := djiName.FindStringSubmatch(name)
	if m == nil {
		return Record{}, false
	}
	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Record{}, false
	}
	rec := Record{Timestamp: ts, Index: m[2], Name: name, Path: path}
	switch strings.ToUpper(m[3]) {
	case "T":
		rec.Modality = Thermal
	case "Z":
		rec.Modality = Visible
	}
	return rec, true
}

// PairID strips the visible modality suffix and extension from an RGB filename,
// e.g. DJI_20250101120005_0001_Z.JPG -> DJI_20250101120005_0001.
func PairID(rgbName string) string {
	name := filepath.Base(rgbName)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if len(stem) >= 2 && strings.EqualFold(stem[len(stem)-2:], "_Z") {
		stem = stem[:len(stem)-2]
	}
	return stem
}

// AlignedName derives the aligned-thermal output name from the RGB filename by
// replacing the _Z suffix with _AT. The extension keeps its original case.
func AlignedName(rgbName string) string {
	name := filepath.Base(rgbName)
	ext := filepath.Ext(name)
	return PairID(name) + "_AT" + ext
}
