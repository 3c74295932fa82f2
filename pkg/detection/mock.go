package detection

import (
	"context"
	"image"
	"sync"
)

// Mock is a Detector for testing. InferFunc decides the output; when nil,
// Detections is returned on every call.
type Mock struct {
	InferFunc  func(ctx context.Context, img image.Image) ([]Detection, error)
	Detections []Detection

	mu     sync.Mutex
	calls  []image.Rectangle
	closed bool
}

// Infer records the image bounds and returns the configured output
func (m *Mock) Infer(ctx context.Context, img image.Image) ([]Detection, error) {
	m.mu.Lock()
	m.calls = append(m.calls, img.Bounds())
	fn := m.InferFunc
	out := m.Detections
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, img)
	}
	cp := make([]Detection, len(out))
	copy(cp, out)
	return cp, nil
}

// Close marks the mock closed
func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Calls returns the bounds of every image passed to Infer
func (m *Mock) Calls() []image.Rectangle {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]image.Rectangle, len(m.calls))
	copy(cp, m.calls)
	return cp
}

// Closed reports whether Close was called
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
