// Package roi holds the operator-selected region of interest and the drag
// edits used to draw it.
package roi

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// MinSize is the smallest normalized width and height of a region.
const MinSize = 0.10

// ErrInvalid is returned for regions outside [0,1] or smaller than MinSize.
var ErrInvalid = errors.New("roi: invalid region")

// ROI is a normalized rectangle, all values in [0,1].
type ROI struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// Default is the region offered before the operator adjusts it.
func Default() ROI {
	return ROI{Left: 0.15, Top: 0.15, Right: 0.85, Bottom: 0.85}
}

// Full covers the whole frame.
func Full() ROI {
	return ROI{Left: 0, Top: 0, Right: 1, Bottom: 1}
}

// New validates and returns a region
func New(left, top, right, bottom float64) (ROI, error) {
	r := ROI{Left: left, Top: top, Right: right, Bottom: bottom}
	if err := r.Validate(); err != nil {
		return ROI{}, err
	}
	return r.normalize(), nil
}

// eps lets Validate accept decimal input such as 0.2..0.3 whose float
// difference falls an ulp short of MinSize; normalize then widens it.
const eps = 1e-9

// Validate checks bounds and minimum size
func (r ROI) Validate() error {
	for _, v := range []float64{r.Left, r.Top, r.Right, r.Bottom} {
		if math.IsNaN(v) || v < -eps || v > 1+eps {
			return fmt.Errorf("%w: %+v outside [0,1]", ErrInvalid, r)
		}
	}
	if r.Width() < MinSize-eps || r.Height() < MinSize-eps {
		return fmt.Errorf("%w: %+v smaller than %.2f", ErrInvalid, r, MinSize)
	}
	return nil
}

// normalize clamps the edges into [0,1] and widens any side that is
// short of MinSize after rounding.
func (r ROI) normalize() ROI {
	r.Left, r.Right = fit(r.Left, r.Right)
	r.Top, r.Bottom = fit(r.Top, r.Bottom)
	return r
}

func fit(lo, hi float64) (float64, float64) {
	lo, hi = clamp(lo, 0, 1), clamp(hi, 0, 1)
	if hi-lo >= MinSize {
		return lo, hi
	}
	if h := minHigh(lo); h <= 1 {
		return lo, h
	}
	return maxLow(1), 1
}

// maxLow is the largest edge below hi that still leaves MinSize.
func maxLow(hi float64) float64 {
	lo := hi - MinSize
	for hi-lo < MinSize {
		lo = math.Nextafter(lo, math.Inf(-1))
	}
	return lo
}

// minHigh is the smallest edge above lo that still leaves MinSize.
func minHigh(lo float64) float64 {
	hi := lo + MinSize
	for hi-lo < MinSize {
		hi = math.Nextafter(hi, math.Inf(1))
	}
	return hi
}

// Width returns the normalized width
func (r ROI) Width() float64 { return r.Right - r.Left }

// Height returns the normalized height
func (r ROI) Height() float64 { return r.Bottom - r.Top }

// CenterX returns the normalized horizontal center
func (r ROI) CenterX() float64 { return (r.Left + r.Right) / 2 }

// CenterY returns the normalized vertical center
func (r ROI) CenterY() float64 { return (r.Top + r.Bottom) / 2 }

// PixelRect returns the crop rectangle for a w x h frame. The origin is
// clamped to [0, dim-1] and each side is at least 1px and stays inside the
// frame.
func (r ROI) PixelRect(w, h int) image.Rectangle {
	x := clampInt(int(r.Left*float64(w)), 0, w-1)
	y := clampInt(int(r.Top*float64(h)), 0, h-1)
	cw := clampInt(int(r.Width()*float64(w)), 1, w-x)
	ch := clampInt(int(r.Height()*float64(h)), 1, h-y)
	return image.Rect(x, y, x+cw, y+ch)
}

// Move shifts the whole region by (dx, dy), stopping at the frame edges.
// The size is kept up to rounding and never drops below MinSize.
func (r ROI) Move(dx, dy float64) ROI {
	left, right := shift(r.Left+dx, r.Width())
	top, bottom := shift(r.Top+dy, r.Height())
	return ROI{Left: left, Top: top, Right: right, Bottom: bottom}
}

func shift(lo, size float64) (float64, float64) {
	lo = clamp(lo, 0, 1-size)
	hi := math.Min(lo+size, 1)
	if hi-lo < MinSize {
		lo = maxLow(hi)
	}
	return lo, hi
}

// Corner identifies a draggable handle
type Corner int

const (
	TopLeft Corner = iota
	TopRight
	BottomLeft
	BottomRight
	Center
)

// ParseCorner maps a handle name to a Corner
func ParseCorner(s string) (Corner, error) {
	switch s {
	case "top_left":
		return TopLeft, nil
	case "top_right":
		return TopRight, nil
	case "bottom_left":
		return BottomLeft, nil
	case "bottom_right":
		return BottomRight, nil
	case "center":
		return Center, nil
	}
	return 0, fmt.Errorf("roi: unknown handle %q", s)
}

// DragCorner moves one handle to the normalized point (x, y). Corners are
// clamped so the opposite edges stay at least MinSize away; Center moves
// the whole region so its center follows the point.
func (r ROI) DragCorner(c Corner, x, y float64) ROI {
	x = clamp(x, 0, 1)
	y = clamp(y, 0, 1)

	switch c {
	case TopLeft:
		r.Left = clamp(x, 0, maxLow(r.Right))
		r.Top = clamp(y, 0, maxLow(r.Bottom))
	case TopRight:
		r.Right = clamp(x, minHigh(r.Left), 1)
		r.Top = clamp(y, 0, maxLow(r.Bottom))
	case BottomLeft:
		r.Left = clamp(x, 0, maxLow(r.Right))
		r.Bottom = clamp(y, minHigh(r.Top), 1)
	case BottomRight:
		r.Right = clamp(x, minHigh(r.Left), 1)
		r.Bottom = clamp(y, minHigh(r.Top), 1)
	case Center:
		return r.Move(x-r.CenterX(), y-r.CenterY())
	}
	return r
}

func (r ROI) String() string {
	return fmt.Sprintf("[%.3f,%.3f → %.3f,%.3f]", r.Left, r.Top, r.Right, r.Bottom)
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		return lo
	}
	return math.Max(lo, math.Min(v, hi))
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
