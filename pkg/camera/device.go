package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/pipeline"
	"gocv.io/x/gocv"
)

var (
	// ErrOpen is returned when the capture device cannot be opened
	ErrOpen = errors.New("camera: cannot open capture")
	// ErrStarted is returned when Frames is called twice
	ErrStarted = errors.New("camera: frames already started")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("camera: closed")
)

// maxReadFailures ends a live device stream that stopped producing frames
const maxReadFailures = 50

// Device is a gocv capture exposed as a frame source
type Device struct {
	settings *Manager
	logger   *slog.Logger

	mu      sync.Mutex
	capture *gocv.VideoCapture
	seq     uint64
	started bool
	closed  bool
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Device
type Option func(*Device)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.logger = l }
}

// Open validates cfg and opens the capture
func Open(cfg Config, opts ...Option) (*Device, error) {
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("camera: invalid config: %v", problems)
	}

	d := &Device{
		logger: log.Component("camera"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	var source interface{} = cfg.Device
	if cfg.Path != "" {
		source = cfg.Path
	}
	capture, err := gocv.OpenVideoCapture(source)
	if err != nil {
		return nil, fmt.Errorf("%w %v: %v", ErrOpen, source, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w %v", ErrOpen, source)
	}
	d.capture = capture

	d.settings = NewManager(cfg)
	d.apply(cfg)
	d.settings.OnConfigChange = func(c Config) error {
		d.apply(c)
		return nil
	}

	d.logger.Info("capture opened",
		"source", source,
		"width", cfg.Width,
		"height", cfg.Height,
		"fps", cfg.Framerate)
	return d, nil
}

// Settings exposes the runtime-adjustable configuration
func (d *Device) Settings() *Manager {
	return d.settings
}

// apply pushes cfg to the driver. Drivers ignore properties they lack.
func (d *Device) apply(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	d.capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	d.capture.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))
	if cfg.Brightness != 0 {
		d.capture.Set(gocv.VideoCaptureBrightness, 0.5+cfg.Brightness/2)
	}
	if cfg.Exposure > 0 {
		d.capture.Set(gocv.VideoCaptureAutoExposure, 1)
		d.capture.Set(gocv.VideoCaptureExposure, cfg.Exposure)
	} else {
		d.capture.Set(gocv.VideoCaptureAutoExposure, 3)
	}
	autofocus := 0.0
	if cfg.Autofocus {
		autofocus = 1
	}
	d.capture.Set(gocv.VideoCaptureAutoFocus, autofocus)
}

// Frames starts reading at the configured rate. The channel closes when ctx
// ends, the device is closed, or a file source reaches its end.
func (d *Device) Frames(ctx context.Context) (<-chan pipeline.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || isClosed(d.stop) {
		return nil, ErrClosed
	}
	if d.started {
		return nil, ErrStarted
	}
	d.started = true

	out := make(chan pipeline.Frame)
	go d.readLoop(ctx, out)
	return out, nil
}

func (d *Device) readLoop(ctx context.Context, out chan<- pipeline.Frame) {
	defer close(d.done)
	defer close(out)

	mat := gocv.NewMat()
	defer mat.Close()

	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-timer.C:
		}

		cfg := d.settings.GetConfig()
		timer.Reset(time.Second / time.Duration(cfg.Framerate))

		frame, ok := d.read(&mat, cfg)
		if !ok {
			failures++
			if cfg.Path != "" {
				d.logger.Info("capture ended", "path", cfg.Path)
				return
			}
			if failures == 1 || failures%10 == 0 {
				d.logger.Warn("capture read failed", "failures", failures)
			}
			if failures >= maxReadFailures {
				d.logger.Error("capture stopped producing frames", "failures", failures)
				return
			}
			continue
		}
		failures = 0

		select {
		case out <- frame:
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		}
	}
}

// read grabs one Mat and converts it to a frame carrying both the decoded
// image and its JPEG encoding
func (d *Device) read(mat *gocv.Mat, cfg Config) (pipeline.Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return pipeline.Frame{}, false
	}
	if ok := d.capture.Read(mat); !ok || mat.Empty() {
		return pipeline.Frame{}, false
	}

	img, err := mat.ToImage()
	if err != nil {
		d.logger.Debug("mat conversion failed", "error", err)
		return pipeline.Frame{}, false
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, *mat, []int{int(gocv.IMWriteJpegQuality), cfg.Quality})
	if err != nil {
		d.logger.Debug("jpeg encode failed", "error", err)
		return pipeline.Frame{}, false
	}
	data := append([]byte(nil), buf.GetBytes()...)
	buf.Close()

	d.seq++
	return pipeline.Frame{
		Seq:       d.seq,
		Timestamp: time.Now(),
		Image:     img,
		Data:      data,
		Rotation:  cfg.Rotation,
	}, true
}

// Close stops the read loop and releases the capture
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		started := d.started
		close(d.stop)
		d.mu.Unlock()

		if started {
			<-d.done
		}

		d.mu.Lock()
		defer d.mu.Unlock()
		d.closed = true
		d.closeErr = d.capture.Close()
	})
	return d.closeErr
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
