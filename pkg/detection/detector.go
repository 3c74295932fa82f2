// Package detection defines detector output types, the closed material
// Category enumeration and the post-processing shared by detector backends.
package detection

import (
	"context"
	"image"
	"math"
)

// Rect is an axis-aligned box. Units depend on context: pixels for
// Detection.Box, [0,1] for Detection.NormalizedBox.
type Rect struct {
	Left, Top, Right, Bottom float64
}

// Width returns the horizontal extent of the box
func (r Rect) Width() float64 { return r.Right - r.Left }

// Height returns the vertical extent of the box
func (r Rect) Height() float64 { return r.Bottom - r.Top }

// Area returns the area of the box, 0 for degenerate boxes
func (r Rect) Area() float64 {
	if r.Right <= r.Left || r.Bottom <= r.Top {
		return 0
	}
	return r.Width() * r.Height()
}

// Center returns the center point of the box
func (r Rect) Center() (x, y float64) {
	return (r.Left + r.Right) / 2, (r.Top + r.Bottom) / 2
}

// Offset translates the box
func (r Rect) Offset(dx, dy float64) Rect {
	return Rect{r.Left + dx, r.Top + dy, r.Right + dx, r.Bottom + dy}
}

// Scale multiplies each axis
func (r Rect) Scale(sx, sy float64) Rect {
	return Rect{r.Left * sx, r.Top * sy, r.Right * sx, r.Bottom * sy}
}

// Clamp restricts the box to [0,w]x[0,h]
func (r Rect) Clamp(w, h float64) Rect {
	return Rect{
		Left:   math.Max(0, math.Min(r.Left, w)),
		Top:    math.Max(0, math.Min(r.Top, h)),
		Right:  math.Max(0, math.Min(r.Right, w)),
		Bottom: math.Max(0, math.Min(r.Bottom, h)),
	}
}

// Valid reports whether the box has positive width and height
func (r Rect) Valid() bool {
	return r.Left < r.Right && r.Top < r.Bottom
}

// IoU returns the intersection over union of two boxes
func (r Rect) IoU(o Rect) float64 {
	inter := Rect{
		Left:   math.Max(r.Left, o.Left),
		Top:    math.Max(r.Top, o.Top),
		Right:  math.Min(r.Right, o.Right),
		Bottom: math.Min(r.Bottom, o.Bottom),
	}.Area()
	union := r.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is one detected object
type Detection struct {
	ClassIndex    int
	ClassName     string
	Confidence    float64
	Box           Rect // pixels, full-frame space
	NormalizedBox Rect // Box divided by frame dimensions
}

// Category resolves the detection's class name into a material category
func (d Detection) Category() (Category, error) {
	return CategoryForLabel(d.ClassName)
}

// Result is the output of processing one frame. It is not modified after
// it is returned.
type Result struct {
	Detections  []Detection
	InferenceMs float64
	FPS         float64
	FrameWidth  int
	FrameHeight int
}

// NewResult fills in FPS from the inference time.
func NewResult(dets []Detection, inferenceMs float64, w, h int) Result {
	fps := 0.0
	if inferenceMs > 0 {
		fps = 1000 / inferenceMs
	}
	return Result{
		Detections:  dets,
		InferenceMs: inferenceMs,
		FPS:         fps,
		FrameWidth:  w,
		FrameHeight: h,
	}
}

// Leading returns the highest-confidence detection, or nil when empty.
func (r Result) Leading() *Detection {
	return Leading(r.Detections)
}

// Leading picks the highest-confidence detection. Ties keep the first.
func Leading(dets []Detection) *Detection {
	if len(dets) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(dets); i++ {
		if dets[i].Confidence > dets[best].Confidence {
			best = i
		}
	}
	d := dets[best]
	return &d
}

// Detector is the interface for object detection backends
type Detector interface {
	// Infer detects objects in img. Boxes are in img's pixel space.
	Infer(ctx context.Context, img image.Image) ([]Detection, error)

	// Close releases resources
	Close() error
}

// Config holds detector thresholds
type Config struct {
	ConfidenceThresh float64 // Minimum class score
	IoUThresh        float64 // NMS overlap limit
	MaxItems         int     // Detections kept after NMS
}

// DefaultConfig returns the production thresholds
func DefaultConfig() Config {
	return Config{
		ConfidenceThresh: 0.25,
		IoUThresh:        0.4,
		MaxItems:         30,
	}
}
