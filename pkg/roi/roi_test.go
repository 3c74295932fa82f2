package roi

import (
	"image"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		r       ROI
		wantErr bool
	}{
		{"default", Default(), false},
		{"full", Full(), false},
		{"exact min size", ROI{0.2, 0.2, 0.3, 0.3}, false},
		{"too narrow", ROI{0.2, 0.2, 0.25, 0.5}, true},
		{"too short", ROI{0.2, 0.2, 0.5, 0.29}, true},
		{"negative", ROI{-0.1, 0, 0.5, 0.5}, true},
		{"beyond frame", ROI{0, 0, 1.1, 0.5}, true},
		{"inverted", ROI{0.8, 0.8, 0.2, 0.2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPixelRect(t *testing.T) {
	tests := []struct {
		name string
		r    ROI
		w, h int
		want image.Rectangle
	}{
		{"full frame", Full(), 640, 480, image.Rect(0, 0, 640, 480)},
		{"default", Default(), 1000, 1000, image.Rect(150, 150, 850, 850)},
		{"right edge", ROI{0.9, 0, 1, 1}, 10, 10, image.Rect(9, 0, 10, 10)},
		{"tiny frame keeps 1px", ROI{0.5, 0.5, 0.6, 0.6}, 2, 2, image.Rect(1, 1, 2, 2)},
		{"origin clamped", ROI{1, 1, 1, 1}, 100, 50, image.Rect(99, 49, 100, 50)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.PixelRect(tt.w, tt.h))
		})
	}
}

func TestMoveClampsToFrame(t *testing.T) {
	r := Default().Move(0.5, -0.5)

	assert.InDelta(t, 1.0, r.Right, 1e-9)
	assert.InDelta(t, 0.0, r.Top, 1e-9)
	assert.InDelta(t, 0.7, r.Width(), 1e-9)
	assert.InDelta(t, 0.7, r.Height(), 1e-9)
}

func TestDragCorner(t *testing.T) {
	tests := []struct {
		name   string
		corner Corner
		x, y   float64
		want   ROI
	}{
		{"top left outward", TopLeft, 0.05, 0.1, ROI{0.05, 0.1, 0.85, 0.85}},
		{"top left past opposite", TopLeft, 0.99, 0.99, ROI{0.75, 0.75, 0.85, 0.85}},
		{"bottom right inward", BottomRight, 0.5, 0.6, ROI{0.15, 0.15, 0.5, 0.6}},
		{"bottom right collapses to min", BottomRight, 0, 0, ROI{0.15, 0.15, 0.25, 0.25}},
		{"top right beyond frame", TopRight, 1.5, -1, ROI{0.15, 0, 1, 0.85}},
		{"bottom left", BottomLeft, 0.3, 0.95, ROI{0.3, 0.15, 0.85, 0.95}},
		{"center moves whole", Center, 0.6, 0.5, ROI{0.25, 0.15, 0.95, 0.85}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Default().DragCorner(tt.corner, tt.x, tt.y)
			assert.InDelta(t, tt.want.Left, got.Left, 1e-9)
			assert.InDelta(t, tt.want.Top, got.Top, 1e-9)
			assert.InDelta(t, tt.want.Right, got.Right, 1e-9)
			assert.InDelta(t, tt.want.Bottom, got.Bottom, 1e-9)
		})
	}
}

func TestDragKeepsInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := Default()
	corners := []Corner{TopLeft, TopRight, BottomLeft, BottomRight, Center}

	for i := 0; i < 5000; i++ {
		c := corners[rng.Intn(len(corners))]
		r = r.DragCorner(c, rng.Float64()*1.4-0.2, rng.Float64()*1.4-0.2)

		require.NoError(t, r.Validate(), "after drag %d of %v: %v", i, c, r)
		require.GreaterOrEqual(t, r.Width(), MinSize, "after drag %d of %v: %v", i, c, r)
		require.GreaterOrEqual(t, r.Height(), MinSize, "after drag %d of %v: %v", i, c, r)
		require.GreaterOrEqual(t, r.Left, 0.0)
		require.GreaterOrEqual(t, r.Top, 0.0)
		require.LessOrEqual(t, r.Right, 1.0)
		require.LessOrEqual(t, r.Bottom, 1.0)
	}
}

func TestMinSizeExact(t *testing.T) {
	tests := []struct {
		name string
		got  ROI
	}{
		{"bottom right onto origin", ROI{0.7, 0.7, 0.9, 0.9}.DragCorner(BottomRight, 0, 0)},
		{"top left onto far corner", ROI{0.1, 0.1, 0.3, 0.3}.DragCorner(TopLeft, 1, 1)},
		{"top right across", ROI{0.7, 0.2, 0.9, 0.9}.DragCorner(TopRight, 0, 1)},
		{"bottom left across", ROI{0.2, 0.7, 0.9, 0.9}.DragCorner(BottomLeft, 1, 0)},
		{"move into far corner", ROI{0.2, 0.2, 0.3, 0.3}.Move(0.9, 0.9)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.GreaterOrEqual(t, tt.got.Width(), MinSize, "%v", tt.got)
			assert.GreaterOrEqual(t, tt.got.Height(), MinSize, "%v", tt.got)
			assert.LessOrEqual(t, tt.got.Right, 1.0)
			assert.LessOrEqual(t, tt.got.Bottom, 1.0)
		})
	}

	r, err := New(0.2, 0.2, 0.3, 0.3)
	require.NoError(t, err, "decimal input one ulp short is accepted")
	assert.GreaterOrEqual(t, r.Width(), MinSize)
	assert.GreaterOrEqual(t, r.Height(), MinSize)

	e := NewEditor(Default())
	require.NoError(t, e.Set(ROI{0.8, 0.8, 0.9, 0.9}))
	assert.GreaterOrEqual(t, e.Get().Width(), MinSize)
	assert.LessOrEqual(t, e.Get().Right, 1.0)
}

func TestParseCorner(t *testing.T) {
	for name, want := range map[string]Corner{
		"top_left": TopLeft, "top_right": TopRight,
		"bottom_left": BottomLeft, "bottom_right": BottomRight, "center": Center,
	} {
		got, err := ParseCorner(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseCorner("middle")
	assert.Error(t, err)
}

func TestEditorLock(t *testing.T) {
	e := NewEditor(ROI{0, 0, 0.01, 0.01})
	assert.Equal(t, Default(), e.Get())

	var changes int
	e.OnChange = func(ROI) { changes++ }

	_, err := e.Drag(BottomRight, 0.5, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1, changes)

	locked := e.Lock()
	assert.True(t, e.Locked())
	assert.InDelta(t, 0.5, locked.Right, 1e-9)

	_, err = e.Drag(TopLeft, 0, 0)
	assert.ErrorIs(t, err, ErrLocked)
	assert.ErrorIs(t, e.Set(Full()), ErrLocked)
	assert.Equal(t, locked, e.Get())

	e.Unlock()
	require.NoError(t, e.Set(Full()))
	assert.Equal(t, Full(), e.Get())
	assert.Error(t, e.Set(ROI{0, 0, 0.05, 0.05}))

	require.NoError(t, e.Reset())
	assert.Equal(t, Default(), e.Get())
}
