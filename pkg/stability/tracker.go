// Package stability debounces the per-frame leading detection into a
// confirmed material category.
package stability

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/detection"
)

// DefaultWindow is how long a category must lead without interruption
const DefaultWindow = 3 * time.Second

// Phase is the tracker's state
type Phase int

const (
	Empty Phase = iota
	Accumulating
	Stable
)

func (p Phase) String() string {
	switch p {
	case Empty:
		return "empty"
	case Accumulating:
		return "accumulating"
	case Stable:
		return "stable"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Clock returns the current time
type Clock func() time.Time

// State is a read-only snapshot for UI feedback
type State struct {
	Phase      Phase              `json:"phase"`
	Candidate  detection.Category `json:"candidate"`
	HasCand    bool               `json:"has_candidate"`
	Progress   float64            `json:"progress"`
	Elapsed    time.Duration      `json:"elapsed"`
	Remaining  time.Duration      `json:"remaining"`
	Label      string             `json:"label,omitempty"`
	Confidence float64            `json:"confidence,omitempty"`
}

// Tracker turns a noisy stream of leading detections into an
// edge-triggered stable category. Timing uses wall-clock deltas between
// updates, so skipped frames do not matter.
//
// Any gap or change of category resets the streak immediately.
type Tracker struct {
	window time.Duration
	clock  Clock
	logger *slog.Logger

	mu         sync.Mutex
	phase      Phase
	category   detection.Category
	start      time.Time
	last       time.Time
	label      string
	confidence float64
}

// Option configures a Tracker
type Option func(*Tracker)

// WithWindow sets the stability window
func WithWindow(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.window = d
		}
	}
}

// WithClock injects a clock, for tests and replay
func WithClock(c Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New creates an empty tracker
func New(opts ...Option) *Tracker {
	t := &Tracker{
		window: DefaultWindow,
		clock:  time.Now,
		logger: log.Component("stability"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Update feeds the leading detection of one processed frame, nil when the
// frame had none. It returns the category and true exactly once, on the
// update that completes the window. It does no I/O.
func (t *Tracker) Update(leading *detection.Detection) (detection.Category, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()

	if t.phase == Stable {
		return 0, false
	}

	if leading == nil {
		t.clearLocked("gap")
		return 0, false
	}

	cat, err := leading.Category()
	if err != nil {
		t.logger.Warn("unmapped class treated as gap", "class", leading.ClassName)
		t.clearLocked("unmapped")
		return 0, false
	}

	if t.phase == Empty || cat != t.category {
		if t.phase == Accumulating {
			t.logger.Debug("category changed", "from", t.category, "to", cat)
		}
		t.phase = Accumulating
		t.category = cat
		t.start = now
		t.last = now
		t.label = leading.ClassName
		t.confidence = leading.Confidence
		return 0, false
	}

	t.last = now
	t.label = leading.ClassName
	t.confidence = leading.Confidence

	if now.Sub(t.start) >= t.window {
		t.phase = Stable
		t.logger.Info("category stable", "category", cat, "elapsed", now.Sub(t.start))
		return cat, true
	}
	return 0, false
}

func (t *Tracker) clearLocked(reason string) {
	if t.phase == Accumulating {
		t.logger.Debug("streak reset", "reason", reason, "category", t.category, "elapsed", t.last.Sub(t.start))
	}
	t.phase = Empty
	t.start = time.Time{}
	t.last = time.Time{}
	t.label = ""
	t.confidence = 0
}

// Reset re-arms the tracker for a new session
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked("reset")
}

// elapsedLocked measures up to the last update, so progress does not
// advance between frames without evidence.
func (t *Tracker) elapsedLocked() time.Duration {
	switch t.phase {
	case Accumulating:
		return t.last.Sub(t.start)
	case Stable:
		return t.window
	}
	return 0
}

func (t *Tracker) progressLocked() float64 {
	p := float64(t.elapsedLocked()) / float64(t.window)
	if p > 1 {
		return 1
	}
	if p < 0 {
		return 0
	}
	return p
}

// Progress returns min(elapsed/window, 1)
func (t *Tracker) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progressLocked()
}

// Current returns the candidate category, if any
func (t *Tracker) Current() (detection.Category, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase == Empty {
		return 0, false
	}
	return t.category, true
}

// Remaining is the countdown shown to the user
func (t *Tracker) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration((1 - t.progressLocked()) * float64(t.window))
}

// Window returns the configured stability window
func (t *Tracker) Window() time.Duration {
	return t.window
}

// Snapshot returns the full state
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	progress := t.progressLocked()
	return State{
		Phase:      t.phase,
		Candidate:  t.category,
		HasCand:    t.phase != Empty,
		Progress:   progress,
		Elapsed:    t.elapsedLocked(),
		Remaining:  time.Duration((1 - progress) * float64(t.window)),
		Label:      t.label,
		Confidence: t.confidence,
	}
}
