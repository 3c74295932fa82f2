package detection

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRectGeometry(t *testing.T) {
	r := Rect{Left: 10, Top: 20, Right: 50, Bottom: 80}

	assert.Equal(t, 40.0, r.Width())
	assert.Equal(t, 60.0, r.Height())
	assert.Equal(t, 2400.0, r.Area())
	cx, cy := r.Center()
	assert.Equal(t, 30.0, cx)
	assert.Equal(t, 50.0, cy)
	assert.Equal(t, Rect{15, 15, 55, 75}, r.Offset(5, -5))
	assert.Equal(t, Rect{5, 40, 25, 160}, r.Scale(0.5, 2))
	assert.True(t, r.Valid())
	assert.False(t, Rect{10, 10, 10, 20}.Valid())
	assert.Equal(t, 0.0, Rect{10, 10, 5, 20}.Area())
}

func TestRectClamp(t *testing.T) {
	got := Rect{-0.2, 0.5, 1.3, 0.9}.Clamp(1, 1)
	assert.Equal(t, Rect{0, 0.5, 1, 0.9}, got)
}

func TestRectIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b Rect
		want float64
	}{
		{"identical", Rect{0, 0, 10, 10}, Rect{0, 0, 10, 10}, 1},
		{"disjoint", Rect{0, 0, 10, 10}, Rect{20, 20, 30, 30}, 0},
		{"half overlap", Rect{0, 0, 10, 10}, Rect{5, 0, 15, 10}, 50.0 / 150.0},
		{"contained", Rect{0, 0, 10, 10}, Rect{0, 0, 5, 10}, 0.5},
		{"degenerate", Rect{0, 0, 0, 0}, Rect{0, 0, 0, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.IoU(tt.b); !floatEquals(got, tt.want) {
				t.Errorf("IoU() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewResultFPS(t *testing.T) {
	r := NewResult(nil, 40, 640, 480)
	assert.Equal(t, 25.0, r.FPS)
	assert.Equal(t, 640, r.FrameWidth)

	assert.Equal(t, 0.0, NewResult(nil, 0, 1, 1).FPS)
}

func TestLeading(t *testing.T) {
	assert.Nil(t, Leading(nil))

	dets := []Detection{
		{ClassName: "paper", Confidence: 0.4},
		{ClassName: "glass", Confidence: 0.9},
		{ClassName: "metal", Confidence: 0.9},
	}
	best := Result{Detections: dets}.Leading()
	require.NotNil(t, best)
	assert.Equal(t, "glass", best.ClassName)

	// The returned pointer is a copy
	best.Confidence = 0
	assert.Equal(t, 0.9, dets[1].Confidence)
}

func TestCategoryForLabel(t *testing.T) {
	tests := []struct {
		label string
		want  Category
	}{
		{"plastic", Plastic},
		{"plastic-pet", Plastic},
		{"plastic-pe_hd", Plastic},
		{"plastic-pp", Plastic},
		{"plastic-ps", Plastic},
		{"plastic-others", Plastic},
		{"paper", Paper},
		{"cardboard", Paper},
		{"glass", Glass},
		{"metal", Metal},
		{"biological", Organic},
		{"trash", General},
		{" Glass ", Glass},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, err := CategoryForLabel(tt.label)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCategoryForLabelUnknown(t *testing.T) {
	_, err := CategoryForLabel("person")
	assert.True(t, errors.Is(err, ErrUnknownCategory))
}

func TestWasteLabelsAllMapped(t *testing.T) {
	for _, l := range WasteLabels {
		_, err := CategoryForLabel(l)
		assert.NoError(t, err, l)
	}
}

func TestCategoryText(t *testing.T) {
	for _, c := range Categories {
		b, err := c.MarshalText()
		require.NoError(t, err)

		var back Category
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, c, back)
	}

	_, err := Category(42).MarshalText()
	assert.ErrorIs(t, err, ErrUnknownCategory)
	assert.Equal(t, "category(42)", Category(42).String())

	var c Category
	assert.ErrorIs(t, c.UnmarshalText([]byte("styrofoam")), ErrUnknownCategory)
}

func TestCategoryPosition(t *testing.T) {
	tests := []struct {
		cat  Category
		want BinPosition
	}{
		{Plastic, BinPosition{-30, -45}},
		{Metal, BinPosition{-30, -45}},
		{Paper, BinPosition{-30, 45}},
		{Glass, BinPosition{59, -45}},
		{Organic, BinPosition{59, -45}},
		{General, BinPosition{59, 45}},
	}

	for _, tt := range tests {
		t.Run(tt.cat.String(), func(t *testing.T) {
			got, err := tt.cat.Position()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Category(-1).Position()
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestParseLabels(t *testing.T) {
	labels, err := ParseLabels(strings.NewReader(strings.Join(WasteLabels, "\n") + "\n\n"))
	require.NoError(t, err)

	assert.Equal(t, 12, labels.Len())
	assert.Equal(t, "glass", labels.Name(2))
	assert.Equal(t, "", labels.Name(12))
	assert.Equal(t, "", labels.Name(-1))

	cat, err := labels.CategoryOf(0)
	require.NoError(t, err)
	assert.Equal(t, Organic, cat)

	_, err = labels.CategoryOf(99)
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestParseLabelsRejectsUnknownClass(t *testing.T) {
	_, err := ParseLabels(strings.NewReader("glass\nperson\n"))
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestParseLabelsEmpty(t *testing.T) {
	_, err := ParseLabels(strings.NewReader("\n  \n"))
	assert.ErrorIs(t, err, ErrNoLabels)
}

func TestLoadLabelsMissingFile(t *testing.T) {
	_, err := LoadLabels("/nonexistent/labels.txt")
	assert.Error(t, err)
}
