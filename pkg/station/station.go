// Package station assembles one sorting bin: frames flow from a source
// through the pipeline and background filter into the stability tracker,
// whose stable signal drives the deposit orchestrator, the controller link
// and the ledger. Every component is owned by its station.
package station

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/background"
	"github.com/teslashibe/go-sortbin/pkg/controller"
	"github.com/teslashibe/go-sortbin/pkg/deposit"
	"github.com/teslashibe/go-sortbin/pkg/detection"
	"github.com/teslashibe/go-sortbin/pkg/ledger"
	"github.com/teslashibe/go-sortbin/pkg/pipeline"
	"github.com/teslashibe/go-sortbin/pkg/protocol"
	"github.com/teslashibe/go-sortbin/pkg/roi"
	"github.com/teslashibe/go-sortbin/pkg/stability"
)

var (
	ErrAlreadyStarted = errors.New("station: already started")
	ErrClosed         = errors.New("station: closed")
	ErrNoHistory      = errors.New("station: ledger keeps no history")
)

// FrameSource produces camera frames until ctx is done or it is closed.
// The channel is closed when the source stops.
type FrameSource interface {
	Frames(ctx context.Context) (<-chan pipeline.Frame, error)
	Close() error
}

// Link is the controller surface the station drives
type Link interface {
	deposit.Controller
	Connect(ctx context.Context) (controller.Session, error)
	Disconnect() error
	Snapshot() controller.Connection
	OnStateChange(cb func(controller.State))
	Step(ctx context.Context, axis controller.Axis, degrees int) error
}

var _ Link = (*controller.Link)(nil)

// StatusPublisher receives dashboard messages
type StatusPublisher interface {
	Publish(msg *protocol.Message) error
}

// PreviewPublisher receives JPEG previews of processed frames
type PreviewPublisher interface {
	BroadcastBinary(data []byte)
}

// Config wires a station. Detector, Source and Link are required.
type Config struct {
	Detector detection.Detector
	Source   FrameSource
	Link     Link
	Ledger   ledger.Ledger // optional

	SourceName        string
	Region            roi.ROI
	Window            time.Duration
	DisplayDelay      time.Duration
	ReconnectInterval time.Duration
	Background        []background.Option
}

const (
	defaultReconnect = 5 * time.Second
	statsInterval    = time.Second
	previewQuality   = 70
)

// Station runs one bin
type Station struct {
	cfg    Config
	logger *slog.Logger

	pipeline     *pipeline.Pipeline
	suppressor   *background.Suppressor
	tracker      *stability.Tracker
	orchestrator *deposit.Orchestrator
	editor       *roi.Editor

	status  StatusPublisher
	preview PreviewPublisher

	mu          sync.Mutex
	runner      *pipeline.Runner
	cancel      context.CancelFunc
	started     bool
	closed      bool
	autoConnect bool
	wg          sync.WaitGroup
	closeOnce   sync.Once
	closeErr    error
}

// Option configures a Station
type Option func(*Station)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Station) { s.logger = l }
}

// WithStatus publishes dashboard updates to p
func WithStatus(p StatusPublisher) Option {
	return func(s *Station) { s.status = p }
}

// WithPreview sends a JPEG of every processed frame to p
func WithPreview(p PreviewPublisher) Option {
	return func(s *Station) { s.preview = p }
}

// New builds a station. Nothing runs until Start.
func New(cfg Config, opts ...Option) (*Station, error) {
	switch {
	case cfg.Detector == nil:
		return nil, errors.New("station: detector is required")
	case cfg.Source == nil:
		return nil, errors.New("station: frame source is required")
	case cfg.Link == nil:
		return nil, errors.New("station: controller link is required")
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnect
	}
	if cfg.Window <= 0 {
		cfg.Window = stability.DefaultWindow
	}

	s := &Station{
		cfg:         cfg,
		logger:      log.Component("station"),
		editor:      roi.NewEditor(cfg.Region),
		autoConnect: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.pipeline = pipeline.New(cfg.Detector, pipeline.WithLogger(s.logger.With("stage", "pipeline")))
	s.suppressor = background.New(append([]background.Option{background.WithLogger(s.logger.With("stage", "background"))}, cfg.Background...)...)
	s.tracker = stability.New(stability.WithWindow(cfg.Window), stability.WithLogger(s.logger.With("stage", "stability")))

	orchOpts := []deposit.Option{
		deposit.WithLogger(s.logger.With("stage", "deposit")),
		deposit.WithResetters(s.tracker, s.suppressor),
	}
	if cfg.DisplayDelay > 0 {
		orchOpts = append(orchOpts, deposit.WithDisplayDelay(cfg.DisplayDelay))
	}
	var rec deposit.Recorder
	if cfg.Ledger != nil {
		rec = cfg.Ledger
	}
	s.orchestrator = deposit.New(cfg.Link, rec, orchOpts...)

	s.orchestrator.OnTransition(func(from, to deposit.State, sess deposit.Session) {
		s.publish(protocol.NewDepositMessage(from, to, sess))
	})
	s.orchestrator.OnRecorded(func(d ledger.Delta) {
		s.publish(protocol.NewTotalsMessage(d))
	})
	cfg.Link.OnStateChange(func(controller.State) {
		s.publish(protocol.NewConnectionMessage(cfg.Link.Snapshot()))
	})

	return s, nil
}

// Region is the ROI editor. Edits are refused while the station runs.
func (s *Station) Region() *roi.Editor {
	return s.editor
}

// Orchestrator exposes the deposit state machine
func (s *Station) Orchestrator() *deposit.Orchestrator {
	return s.orchestrator
}

// Start locks the region, starts frame processing and keeps the
// controller link connected.
func (s *Station) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	frames, err := s.cfg.Source.Frames(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("station: start frames: %w", err)
	}

	region := s.editor.Lock()
	s.runner = pipeline.NewRunner(pipeline.RunnerConfig{
		Pipeline: s.pipeline,
		Filter:   s.suppressor,
		Region:   region,
		OnOutput: func(out pipeline.Output) { s.onOutput(ctx, out) },
		Logger:   s.logger.With("stage", "runner"),
	})
	s.cancel = cancel
	s.started = true

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.runner.Run(runCtx, frames)
	}()
	go func() {
		defer s.wg.Done()
		s.maintainLink(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.publishStats(runCtx)
	}()

	s.suppressor.LogConfiguration()
	s.logger.Info("station started", "source", s.cfg.SourceName, "region", region.String(), "window", s.cfg.Window)
	s.publish(protocol.NewConnectionMessage(s.cfg.Link.Snapshot()))
	return nil
}

// onOutput runs on the runner goroutine for every processed frame. ctx
// outlives frame ingestion so Close can cancel the deposit separately.
func (s *Station) onOutput(ctx context.Context, out pipeline.Output) {
	leading := out.Result.Leading()
	cat, stable := s.tracker.Update(leading)

	s.publish(protocol.NewDetectionMessage(out))
	s.publish(protocol.NewStabilityMessage(s.tracker.Snapshot()))
	s.sendPreview(out.Frame)

	if !stable || leading == nil {
		return
	}
	if !s.orchestrator.HandleStable(ctx, cat, leading.ClassName, leading.Confidence) {
		// Without a deposit nothing re-arms the tracker; restart the streak
		// so the item is picked up once the link is back.
		s.logger.Info("stable category withheld", "category", cat, "link", s.cfg.Link.Snapshot().State, "deposit", s.orchestrator.State())
		if s.orchestrator.State() == deposit.Idle {
			s.tracker.Reset()
		}
	}
}

func (s *Station) sendPreview(f pipeline.Frame) {
	if s.preview == nil {
		return
	}
	if len(f.Data) > 0 && f.Rotation == 0 {
		s.preview.BroadcastBinary(f.Data)
		return
	}
	img, err := pipeline.Prepare(f)
	if err != nil {
		return
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(previewQuality)); err != nil {
		s.logger.Debug("preview encode failed", "error", err)
		return
	}
	s.preview.BroadcastBinary(buf.Bytes())
}

// maintainLink connects immediately and then retries whenever the link is
// down, unless the operator disconnected it.
func (s *Station) maintainLink(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReconnectInterval)
	defer ticker.Stop()

	for {
		s.tryConnect(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Station) tryConnect(ctx context.Context) {
	s.mu.Lock()
	auto := s.autoConnect
	s.mu.Unlock()
	if !auto || ctx.Err() != nil {
		return
	}

	switch s.cfg.Link.Snapshot().State {
	case controller.Connected, controller.Connecting:
		return
	}
	sess, err := s.cfg.Link.Connect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("controller connect failed", "error", err)
		}
		return
	}
	s.logger.Info("controller connected", "token", sess.Token)
}

func (s *Station) publishStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publish(protocol.NewStatsMessage(s.pipelineStats(), s.suppressor.Filtered(), s.orchestrator.Stats()))
		}
	}
}

func (s *Station) publish(msg *protocol.Message, err error) {
	if s.status == nil {
		return
	}
	if err != nil {
		s.logger.Warn("status message encode failed", "error", err)
		return
	}
	if err := s.status.Publish(msg); err != nil {
		s.logger.Warn("status publish failed", "type", msg.Type, "error", err)
	}
}

func (s *Station) pipelineStats() pipeline.Stats {
	s.mu.Lock()
	r := s.runner
	s.mu.Unlock()
	if r == nil {
		return pipeline.Stats{}
	}
	return r.Stats()
}

// Connect connects the controller now and re-enables automatic reconnects
func (s *Station) Connect(ctx context.Context) (controller.Session, error) {
	s.mu.Lock()
	s.autoConnect = true
	s.mu.Unlock()
	return s.cfg.Link.Connect(ctx)
}

// Disconnect drops the controller link and pauses automatic reconnects
// until Connect is called.
func (s *Station) Disconnect() error {
	s.mu.Lock()
	s.autoConnect = false
	s.mu.Unlock()
	return s.cfg.Link.Disconnect()
}

// Step moves one servo for calibration
func (s *Station) Step(ctx context.Context, axis controller.Axis, degrees int) error {
	return s.cfg.Link.Step(ctx, axis, degrees)
}

// History returns recent deposit sessions, oldest first
func (s *Station) History() []deposit.Session {
	return s.orchestrator.History()
}

// Recent returns the ledger's latest records, newest first
func (s *Station) Recent(ctx context.Context, limit int) ([]ledger.Delta, error) {
	lister, ok := s.cfg.Ledger.(ledger.Lister)
	if !ok {
		return nil, ErrNoHistory
	}
	return lister.Recent(ctx, limit)
}

// Close tears the station down: frames stop first, then the in-flight
// deposit is cancelled, the link is disconnected and the tracker and
// suppressor are reset. The detector and ledger are closed last.
func (s *Station) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.autoConnect = false
		runner, cancel := s.runner, s.cancel
		s.mu.Unlock()

		// 1. frames
		if cancel != nil {
			cancel()
		}
		if runner != nil {
			runner.Stop()
		}
		var errs []error
		if err := s.cfg.Source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source: %w", err))
		}

		// 2. in-flight deposit
		s.orchestrator.Cancel()

		// 3. link
		if err := s.cfg.Link.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect controller: %w", err))
		}
		s.wg.Wait()

		// 4. session state
		s.tracker.Reset()
		s.suppressor.Reset()

		s.orchestrator.Wait()
		if err := s.cfg.Detector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close detector: %w", err))
		}
		if s.cfg.Ledger != nil {
			if err := s.cfg.Ledger.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close ledger: %w", err))
			}
		}
		s.editor.Unlock()
		s.closeErr = errors.Join(errs...)
		s.logger.Info("station closed")
	})
	return s.closeErr
}
