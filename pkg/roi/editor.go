package roi

import (
	"errors"
	"sync"
)

// ErrLocked is returned when editing a region after the session started.
var ErrLocked = errors.New("roi: region is locked for this session")

// Editor holds the region while the operator draws it. Once Lock is called
// the region is read-only until Unlock.
type Editor struct {
	mu     sync.RWMutex
	region ROI
	locked bool

	// OnChange is called after each accepted edit
	OnChange func(ROI)
}

// NewEditor starts from initial, falling back to Default when invalid
func NewEditor(initial ROI) *Editor {
	if initial.Validate() != nil {
		initial = Default()
	}
	return &Editor{region: initial.normalize()}
}

// Get returns the current region
func (e *Editor) Get() ROI {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.region
}

// Set replaces the region
func (e *Editor) Set(r ROI) error {
	if err := r.Validate(); err != nil {
		return err
	}
	r = r.normalize()
	return e.apply(func(ROI) ROI { return r })
}

// Drag moves a handle to (x, y)
func (e *Editor) Drag(c Corner, x, y float64) (ROI, error) {
	if err := e.apply(func(cur ROI) ROI { return cur.DragCorner(c, x, y) }); err != nil {
		return ROI{}, err
	}
	return e.Get(), nil
}

// Reset restores the default region
func (e *Editor) Reset() error {
	return e.apply(func(ROI) ROI { return Default() })
}

// Lock confirms the region for the session and returns it
func (e *Editor) Lock() ROI {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locked = true
	return e.region
}

// Unlock allows edits again, after a session ends
func (e *Editor) Unlock() {
	e.mu.Lock()
	e.locked = false
	e.mu.Unlock()
}

// Locked reports whether edits are refused
func (e *Editor) Locked() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.locked
}

func (e *Editor) apply(edit func(ROI) ROI) error {
	e.mu.Lock()
	if e.locked {
		e.mu.Unlock()
		return ErrLocked
	}
	e.region = edit(e.region)
	r := e.region
	cb := e.OnChange
	e.mu.Unlock()

	if cb != nil {
		cb(r)
	}
	return nil
}
