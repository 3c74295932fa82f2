// Package pipeline turns camera frames into detection results: rotate to
// display orientation, crop to the region of interest, infer, and map the
// boxes back into full-frame space.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/disintegration/imaging"
	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/detection"
	"github.com/teslashibe/go-sortbin/pkg/roi"
)

var (
	// ErrDecode means the frame could not be turned into an image. The
	// frame is dropped; the next one supersedes it.
	ErrDecode = errors.New("pipeline: frame decode failed")

	// ErrBadRotation is returned for rotations other than 0/90/180/270.
	ErrBadRotation = errors.New("pipeline: unsupported rotation")
)

// Frame is one camera sample. Either Image or Data (JPEG/PNG) is set.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Image     image.Image
	Data      []byte
	Rotation  int // clockwise degrees needed to reach display orientation
}

// Pipeline runs a detector on the region of interest of each frame.
type Pipeline struct {
	detector detection.Detector
	logger   *slog.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New creates a pipeline over det
func New(det detection.Detector, opts ...Option) *Pipeline {
	p := &Pipeline{
		detector: det,
		logger:   log.Component("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process crops frame to region, runs the detector and returns detections
// in full-frame coordinates.
func (p *Pipeline) Process(ctx context.Context, frame Frame, region roi.ROI) (detection.Result, error) {
	img, err := Prepare(frame)
	if err != nil {
		return detection.Result{}, err
	}

	b := img.Bounds()
	fullW, fullH := b.Dx(), b.Dy()
	crop := region.PixelRect(fullW, fullH)
	cropped := imaging.Crop(img, crop.Add(b.Min))

	start := time.Now()
	dets, err := p.detector.Infer(ctx, cropped)
	inferenceMs := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		return detection.Result{}, fmt.Errorf("pipeline: infer: %w", err)
	}

	mapped := Remap(dets, crop.Min, fullW, fullH)
	return detection.NewResult(mapped, inferenceMs, fullW, fullH), nil
}

// Prepare decodes the frame if needed and applies its rotation.
func Prepare(frame Frame) (image.Image, error) {
	img := frame.Image
	if img == nil {
		if len(frame.Data) == 0 {
			return nil, fmt.Errorf("%w: empty frame", ErrDecode)
		}
		decoded, err := imaging.Decode(bytes.NewReader(frame.Data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		img = decoded
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}
	return Rotate(img, frame.Rotation)
}

// Rotate turns img clockwise by degrees. imaging rotates counter-clockwise,
// so 90 clockwise is Rotate270.
func Rotate(img image.Image, degrees int) (image.Image, error) {
	switch ((degrees % 360) + 360) % 360 {
	case 0:
		return img, nil
	case 90:
		return imaging.Rotate270(img), nil
	case 180:
		return imaging.Rotate180(img), nil
	case 270:
		return imaging.Rotate90(img), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrBadRotation, degrees)
}

// Remap translates crop-space detections by offset, clips them to the full
// frame and recomputes normalized boxes. Detections that leave the frame
// entirely are dropped. The input is not modified.
func Remap(dets []detection.Detection, offset image.Point, fullW, fullH int) []detection.Detection {
	out := make([]detection.Detection, 0, len(dets))
	fw, fh := float64(fullW), float64(fullH)
	for _, d := range dets {
		box := d.Box.Offset(float64(offset.X), float64(offset.Y)).Clamp(fw, fh)
		if !box.Valid() {
			continue
		}
		d.Box = box
		d.NormalizedBox = box.Scale(1/fw, 1/fh)
		out = append(out, d)
	}
	return out
}
