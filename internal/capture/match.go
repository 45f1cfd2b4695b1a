package capture

import (
	"sort"
)

// Pair links a thermal capture to the visible capture it was matched with.
type Pair struct {
	ID           string `json:"id"`
	Index        string `json:"index"`
	RGBPath      string `json:"rgb_path"`
	ThermalPath  string `json:"thermal_path"`
	DeltaSeconds int64  `json:"delta"`
}

// MatchResult is the outcome of pairing a directory listing.
type MatchResult struct {
	Pairs        []Pair
	Unmatched    []Record // thermal captures with no visible candidate left
	ThermalCount int
	VisibleCount int
	Ignored      int // names that did not parse
}

// Match assigns every thermal capture to the unused visible capture with the
// same index and the closest timestamp. Thermal captures are visited in
// ascending filename order and each visible capture is consumed at most once,
// so the assignment is greedy rather than globally optimal.
func Match(files []string) MatchResult {
	var res MatchResult
	var thermal, visible []Record
	for _, f := range files {
		rec, ok := Parse(f)
		if !ok {
			res.Ignored++
			continue
		}
		switch rec.Modality {
		case Thermal:
			thermal = append(thermal, rec)
		case Visible:
			visible = append(visible, rec)
		}
	}
	byName := func(recs []Record) {
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	}
	byName(thermal)
	byName(visible)
	res.ThermalCount = len(thermal)
	res.VisibleCount = len(visible)

	used := make(map[string]bool, len(visible))
	for _, t := range thermal {
		best := -1
		var bestDelta int64
		for i, v := range visible {
			if v.Index != t.Index || used[v.Path] {
				continue
			}
			d := absDiff(v.Timestamp, t.Timestamp)
			if best == -1 || d < bestDelta {
				best = i
				bestDelta = d
			}
		}
		if best == -1 {
			res.Unmatched = append(res.Unmatched, t)
			continue
		}
		v := visible[best]
		used[v.Path] = true
		res.Pairs = append(res.Pairs, Pair{
			ID:           PairID(v.Name),
			Index:        t.Index,
			RGBPath:      v.Path,
			ThermalPath:  t.Path,
			DeltaSeconds: bestDelta,
		})
	}
	return res
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
