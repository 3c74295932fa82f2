package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/detection"
	"github.com/teslashibe/go-sortbin/pkg/roi"
)

// Filter removes detections that belong to the scene rather than to a
// deposited item. regionWidth and regionHeight are the ROI size in pixels.
type Filter interface {
	Filter(dets []detection.Detection, regionWidth, regionHeight float64) []detection.Detection
}

// Output is delivered for every processed frame
type Output struct {
	Frame      Frame
	Result     detection.Result
	Region     roi.ROI
	Suppressed int
}

// Stats tracks runner throughput
type Stats struct {
	Submitted       uint64  `json:"submitted"`
	Processed       uint64  `json:"processed"`
	Dropped         uint64  `json:"dropped"`
	Failed          uint64  `json:"failed"`
	LastInferenceMs float64 `json:"last_inference_ms"`
}

// Runner processes at most one frame at a time. Frames submitted while a
// frame is in flight are dropped, never queued, so a slow detector cannot
// make the loop fall behind.
type Runner struct {
	pipeline *Pipeline
	filter   Filter
	region   roi.ROI
	onOutput func(Output)
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	busy    atomic.Bool
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup

	submitted atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	lastMs    atomic.Uint64 // microseconds
}

// RunnerConfig wires a Runner
type RunnerConfig struct {
	Pipeline *Pipeline
	Filter   Filter // optional
	Region   roi.ROI
	// OnOutput runs on the processing goroutine and must not block.
	OnOutput func(Output)
	Logger   *slog.Logger
}

// NewRunner creates a runner bound to one session's region
func NewRunner(cfg RunnerConfig) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger
	if logger == nil {
		logger = log.Component("runner")
	}
	return &Runner{
		pipeline: cfg.Pipeline,
		filter:   cfg.Filter,
		region:   cfg.Region,
		onOutput: cfg.OnOutput,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit starts processing frame unless another frame is in flight.
// Returns false when the frame was dropped.
func (r *Runner) Submit(frame Frame) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.submitted.Add(1)
	if !r.busy.CompareAndSwap(false, true) {
		r.mu.Unlock()
		r.dropped.Add(1)
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer r.busy.Store(false)
		r.process(frame)
	}()
	return true
}

// Run submits every frame from frames until the channel closes, ctx is
// done or the runner is stopped.
func (r *Runner) Run(ctx context.Context, frames <-chan Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			r.Submit(f)
		}
	}
}

func (r *Runner) process(frame Frame) {
	res, err := r.pipeline.Process(r.ctx, frame, r.region)
	if err != nil {
		r.failed.Add(1)
		if errors.Is(err, context.Canceled) {
			return
		}
		// Decode failures self-correct on the next frame
		r.logger.Debug("frame dropped", "seq", frame.Seq, "error", err)
		return
	}

	suppressed := 0
	if r.filter != nil {
		px := r.region.PixelRect(res.FrameWidth, res.FrameHeight)
		kept := r.filter.Filter(res.Detections, float64(px.Dx()), float64(px.Dy()))
		suppressed = len(res.Detections) - len(kept)
		res.Detections = kept
	}

	r.processed.Add(1)
	r.lastMs.Store(uint64(res.InferenceMs * 1000))

	if r.onOutput != nil {
		r.onOutput(Output{Frame: frame, Result: res, Region: r.region, Suppressed: suppressed})
	}
}

// Busy reports whether a frame is in flight
func (r *Runner) Busy() bool {
	return r.busy.Load()
}

// Stats returns a snapshot of the counters
func (r *Runner) Stats() Stats {
	return Stats{
		Submitted:       r.submitted.Load(),
		Processed:       r.processed.Load(),
		Dropped:         r.dropped.Load(),
		Failed:          r.failed.Load(),
		LastInferenceMs: float64(r.lastMs.Load()) / 1000,
	}
}

// Stop refuses new frames, cancels the in-flight inference and waits for
// it to finish. Safe to call more than once.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
