// Package yolo runs a YOLOv8 ONNX waste model through OpenCV DNN.
package yolo

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"

	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/detection"
	"gocv.io/x/gocv"
)

// ErrModelNotFound is returned when the ONNX file does not exist.
var ErrModelNotFound = errors.New("yolo: model file not found")

// Config holds YOLO detector configuration
type Config struct {
	ModelPath  string
	LabelsPath string
	InputSize  int
	Thresholds detection.Config
}

// DefaultConfig returns production defaults for the waste model
func DefaultConfig() Config {
	return Config{
		ModelPath:  "models/waste_yolov8.onnx",
		LabelsPath: "models/labels.txt",
		InputSize:  640,
		Thresholds: detection.DefaultConfig(),
	}
}

// Detector uses YOLOv8 for waste detection
type Detector struct {
	net    gocv.Net
	labels *detection.LabelSet
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	inputSize image.Point
}

// Option configures a Detector
type Option func(*Detector)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithLabels overrides the label file with an in-memory set
func WithLabels(l *detection.LabelSet) Option {
	return func(d *Detector) { d.labels = l }
}

// New loads the model and labels. A failure here is fatal to the session.
func New(cfg Config, opts ...Option) (*Detector, error) {
	d := &Detector{
		config:    cfg,
		logger:    log.Component("yolo"),
		inputSize: image.Pt(cfg.InputSize, cfg.InputSize),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.labels == nil {
		labels, err := detection.LoadLabels(cfg.LabelsPath)
		if err != nil {
			return nil, err
		}
		d.labels = labels
	}

	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, cfg.ModelPath)
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("yolo: failed to load model from %s", cfg.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)
	d.net = net

	d.logger.Info("model loaded",
		"path", cfg.ModelPath,
		"classes", d.labels.Len(),
		"input", cfg.InputSize,
		"confidence", cfg.Thresholds.ConfidenceThresh,
		"iou", cfg.Thresholds.IoUThresh,
		"max_items", cfg.Thresholds.MaxItems)

	return d, nil
}

// Labels returns the class list the model was loaded with
func (d *Detector) Labels() *detection.LabelSet {
	return d.labels
}

// Infer finds waste items in img. Boxes are in img's pixel space.
func (d *Detector) Infer(ctx context.Context, img image.Image) ([]detection.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("yolo: convert image: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("yolo: empty image")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, d.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	cands, err := d.parseOutput(output)
	if err != nil {
		return nil, err
	}

	kept := detection.NMS(cands, d.config.Thresholds)
	b := img.Bounds()
	dets := detection.ToDetections(kept, d.labels, b.Dx(), b.Dy())

	if len(dets) > 0 {
		d.logger.Debug("detections", "count", len(dets), "candidates", len(cands))
	}
	return dets, nil
}

// parseOutput reads the [1, 4+nc, N] tensor into normalized candidates.
// Each column is (cx, cy, w, h, score_0..score_nc-1) in input pixels.
func (d *Detector) parseOutput(output gocv.Mat) ([]detection.Candidate, error) {
	dims := output.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("yolo: unexpected output rank %d", len(dims))
	}
	features, n := dims[1], dims[2]
	classes := features - 4
	if classes != d.labels.Len() {
		return nil, fmt.Errorf("yolo: model has %d classes, labels have %d", classes, d.labels.Len())
	}

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("yolo: read output: %w", err)
	}

	return decode(data, features, n, float64(d.config.InputSize), d.config.Thresholds.ConfidenceThresh), nil
}

// decode is split out of parseOutput so it can be tested without OpenCV.
func decode(data []float32, features, n int, inputSize, minScore float64) []detection.Candidate {
	var cands []detection.Candidate
	for i := 0; i < n; i++ {
		best := float32(0)
		bestClass := 0
		for c := 4; c < features; c++ {
			if s := data[c*n+i]; s > best {
				best = s
				bestClass = c - 4
			}
		}
		if float64(best) < minScore {
			continue
		}

		cx := float64(data[0*n+i]) / inputSize
		cy := float64(data[1*n+i]) / inputSize
		w := float64(data[2*n+i]) / inputSize
		h := float64(data[3*n+i]) / inputSize

		cands = append(cands, detection.Candidate{
			ClassIndex: bestClass,
			Score:      float64(best),
			Box:        detection.Rect{Left: cx - w/2, Top: cy - h/2, Right: cx + w/2, Bottom: cy + h/2},
		})
	}
	return cands
}

// Close releases the detector resources
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
