package detection

import "sort"

// Candidate is a raw box before suppression
type Candidate struct {
	ClassIndex int
	Score      float64
	Box        Rect
}

// NMS runs class-aware non-maximum suppression. Candidates below
// cfg.ConfidenceThresh are discarded, the rest are visited in descending
// score order and a box is kept unless it overlaps a kept box of the same
// class by more than cfg.IoUThresh. At most cfg.MaxItems survive.
func NMS(cands []Candidate, cfg Config) []Candidate {
	filtered := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Score >= cfg.ConfidenceThresh && c.Box.Valid() {
			filtered = append(filtered, c)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Score > filtered[j].Score
	})

	kept := make([]Candidate, 0, cfg.MaxItems)
	for _, c := range filtered {
		if cfg.MaxItems > 0 && len(kept) >= cfg.MaxItems {
			break
		}
		suppressed := false
		for _, k := range kept {
			if k.ClassIndex == c.ClassIndex && k.Box.IoU(c.Box) > cfg.IoUThresh {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c)
		}
	}
	return kept
}

// ToDetections converts kept candidates with normalized boxes into
// detections for an image of w x h pixels. Normalized boxes are clamped to
// [0,1] before scaling; boxes that collapse are dropped.
func ToDetections(cands []Candidate, labels *LabelSet, w, h int) []Detection {
	dets := make([]Detection, 0, len(cands))
	for _, c := range cands {
		norm := c.Box.Clamp(1, 1)
		if !norm.Valid() {
			continue
		}
		dets = append(dets, Detection{
			ClassIndex:    c.ClassIndex,
			ClassName:     labels.Name(c.ClassIndex),
			Confidence:    c.Score,
			Box:           norm.Scale(float64(w), float64(h)),
			NormalizedBox: norm,
		})
	}
	return dets
}
