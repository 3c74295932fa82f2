package background

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/detection"
)

func det(class string, conf, w, h float64) detection.Detection {
	return detection.Detection{
		ClassName:  class,
		Confidence: conf,
		Box:        detection.Rect{Left: 0, Top: 0, Right: w, Bottom: h},
	}
}

func names(dets []detection.Detection) []string {
	out := make([]string, 0, len(dets))
	for _, d := range dets {
		out = append(out, d.ClassName)
	}
	return out
}

func TestFilter(t *testing.T) {
	// Region is 100x100 = 10000 px²
	tests := []struct {
		name string
		in   []detection.Detection
		want []string
	}{
		{
			name: "empty",
			in:   nil,
			want: []string{},
		},
		{
			name: "lone uncertain large plastic is the tray",
			in:   []detection.Detection{det("plastic", 0.4, 80, 80)},
			want: []string{},
		},
		{
			name: "lone confident large plastic kept",
			in:   []detection.Detection{det("plastic-pet", 0.7, 80, 80)},
			want: []string{"plastic-pet"},
		},
		{
			name: "lone uncertain small plastic kept",
			in:   []detection.Detection{det("plastic", 0.3, 30, 30)},
			want: []string{"plastic"},
		},
		{
			name: "two plastics drop the largest",
			in: []detection.Detection{
				det("plastic-pp", 0.9, 20, 20),
				det("plastic", 0.8, 90, 90),
				det("glass", 0.5, 95, 95),
			},
			want: []string{"plastic-pp", "glass"},
		},
		{
			name: "other classes untouched",
			in: []detection.Detection{
				det("glass", 0.2, 99, 99),
				det("cardboard", 0.1, 99, 99),
			},
			want: []string{"glass", "cardboard"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(WithLogger(log.Discard()))
			got := s.Filter(tt.in, 100, 100)
			assert.Equal(t, tt.want, names(got))
		})
	}
}

func TestFilterDoesNotMutateInput(t *testing.T) {
	s := New(WithLogger(log.Discard()))
	in := []detection.Detection{
		det("plastic", 0.9, 10, 10),
		det("plastic", 0.9, 50, 50),
		det("metal", 0.9, 10, 10),
	}
	snapshot := make([]detection.Detection, len(in))
	copy(snapshot, in)

	out := s.Filter(in, 100, 100)
	require.Len(t, out, 2)
	assert.Equal(t, snapshot, in)

	// Idempotent for the same input
	assert.Equal(t, out, s.Filter(in, 100, 100))
}

func TestFilterZeroRegion(t *testing.T) {
	s := New(WithLogger(log.Discard()))
	in := []detection.Detection{det("plastic", 0.1, 80, 80)}
	assert.Len(t, s.Filter(in, 0, 100), 1)
}

func TestOptionsAndReset(t *testing.T) {
	s := New(
		WithLogger(log.Discard()),
		WithFixtureClasses("cardboard"),
		WithMinConfidence(0.6),
		WithAreaRatio(0.5),
	)

	p := s.Profile()
	assert.True(t, p.Classes["cardboard"])
	assert.False(t, p.Classes["plastic"])
	assert.Equal(t, 0.6, p.MinConfidence)

	out := s.Filter([]detection.Detection{det("cardboard", 0.5, 80, 80)}, 100, 100)
	assert.Empty(t, out)
	assert.Equal(t, uint64(1), s.Filtered())

	s.LogConfiguration()
	s.Reset()
	assert.Equal(t, uint64(0), s.Filtered())
}

func TestDefaultProfileCoversPlasticFamily(t *testing.T) {
	p := DefaultProfile()
	for _, c := range []string{"plastic", "plastic-pet", "plastic-pe_hd", "plastic-pp", "plastic-ps", "plastic-others"} {
		assert.True(t, p.Classes[c], c)
	}
	assert.False(t, p.Classes["glass"])
}
