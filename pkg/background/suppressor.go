// Package background removes detections caused by the static tray the bin
// sits on, so the fixture is never reported as a deposited item.
package background

import (
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/detection"
)

// Profile describes what the fixture looks like to the detector.
type Profile struct {
	// Classes the fixture is detected as
	Classes map[string]bool
	// A lone fixture-class detection below this confidence...
	MinConfidence float64
	// ...and covering more than this share of the region is the fixture.
	AreaRatio float64
}

// DefaultProfile matches the plastic tray: it is detected as some plastic
// class, with low confidence, and fills much of the region.
func DefaultProfile() Profile {
	classes := make(map[string]bool)
	for _, l := range detection.WasteLabels {
		if detection.IsPlasticLabel(l) {
			classes[l] = true
		}
	}
	return Profile{
		Classes:       classes,
		MinConfidence: 0.50,
		AreaRatio:     0.35,
	}
}

// Suppressor filters fixture detections. The profile is fixed at
// construction; the only mutable state is the filtered counter.
type Suppressor struct {
	profile Profile
	logger  *slog.Logger

	filtered atomic.Uint64
}

// Option configures a Suppressor
type Option func(*Suppressor)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Suppressor) { s.logger = l }
}

// WithMinConfidence overrides the confidence limit
func WithMinConfidence(v float64) Option {
	return func(s *Suppressor) { s.profile.MinConfidence = v }
}

// WithAreaRatio overrides the area share limit
func WithAreaRatio(v float64) Option {
	return func(s *Suppressor) { s.profile.AreaRatio = v }
}

// WithFixtureClasses replaces the class set
func WithFixtureClasses(classes ...string) Option {
	return func(s *Suppressor) {
		s.profile.Classes = make(map[string]bool, len(classes))
		for _, c := range classes {
			s.profile.Classes[c] = true
		}
	}
}

// New creates a suppressor with the default profile
func New(opts ...Option) *Suppressor {
	s := &Suppressor{
		profile: DefaultProfile(),
		logger:  log.Component("background"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Filter returns dets without the fixture. regionWidth and regionHeight
// are the ROI size in pixels. The input slice is never modified and order
// is preserved.
//
// With one fixture-class detection it is dropped only when it is both
// uncertain and large. With several, the largest is the tray under the
// item and is dropped.
func (s *Suppressor) Filter(dets []detection.Detection, regionWidth, regionHeight float64) []detection.Detection {
	out := make([]detection.Detection, len(dets))
	copy(out, dets)

	regionArea := regionWidth * regionHeight
	if regionArea <= 0 || len(dets) == 0 {
		return out
	}

	p := s.profile

	var candidates []int
	for i, d := range dets {
		if p.Classes[d.ClassName] {
			candidates = append(candidates, i)
		}
	}

	drop := -1
	switch {
	case len(candidates) == 1:
		d := dets[candidates[0]]
		ratio := d.Box.Area() / regionArea
		if d.Confidence < p.MinConfidence && ratio > p.AreaRatio {
			drop = candidates[0]
			s.logger.Debug("fixture filtered",
				"class", d.ClassName, "confidence", d.Confidence, "area_ratio", ratio)
		}
	case len(candidates) > 1:
		sort.SliceStable(candidates, func(a, b int) bool {
			return dets[candidates[a]].Box.Area() > dets[candidates[b]].Box.Area()
		})
		drop = candidates[0]
		s.logger.Debug("largest fixture-class box filtered",
			"class", dets[drop].ClassName, "candidates", len(candidates))
	}

	if drop < 0 {
		return out
	}
	s.filtered.Add(1)
	return append(out[:drop], out[drop+1:]...)
}

// Filtered returns how many detections were removed since the last Reset
func (s *Suppressor) Filtered() uint64 {
	return s.filtered.Load()
}

// Profile returns the active profile
func (s *Suppressor) Profile() Profile {
	return s.profile
}

// Reset starts a new session
func (s *Suppressor) Reset() {
	n := s.filtered.Swap(0)
	s.logger.Debug("reset", "filtered_last_session", n)
}

// LogConfiguration logs the active profile
func (s *Suppressor) LogConfiguration() {
	p := s.Profile()
	classes := make([]string, 0, len(p.Classes))
	for c := range p.Classes {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	s.logger.Info("background suppression",
		"classes", classes,
		"min_confidence", p.MinConfidence,
		"area_ratio", p.AreaRatio)
}
