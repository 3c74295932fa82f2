package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/teslashibe/go-sortbin/internal/config"
	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/camera"
	"github.com/teslashibe/go-sortbin/pkg/controller"
	"github.com/teslashibe/go-sortbin/pkg/detection"
	"github.com/teslashibe/go-sortbin/pkg/detection/yolo"
	"github.com/teslashibe/go-sortbin/pkg/hub"
	"github.com/teslashibe/go-sortbin/pkg/ingest"
	"github.com/teslashibe/go-sortbin/pkg/ledger"
	"github.com/teslashibe/go-sortbin/pkg/roi"
	"github.com/teslashibe/go-sortbin/pkg/station"
	"github.com/teslashibe/go-sortbin/pkg/video"
	"github.com/teslashibe/go-sortbin/pkg/web"
)

func (a *app) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the station with its dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.String("port", "", "dashboard port")
	f.String("source", "", "frame source: device, ingest, webrtc")
	f.String("controller", "", "controller address: ws:// URL or host:port")
	f.String("transport", "", "controller transport: ws, tcp")
	f.String("ledger", "", "ledger driver: sqlite, firestore, memory")
	return cmd
}

func newDetector(cfg config.Config) (*yolo.Detector, error) {
	return yolo.New(yolo.Config{
		ModelPath:  cfg.Model.Path,
		LabelsPath: cfg.Model.Labels,
		InputSize:  cfg.Model.InputSize,
		Thresholds: detection.Config{
			ConfidenceThresh: cfg.Detector.Confidence,
			IoUThresh:        cfg.Detector.IoU,
			MaxItems:         cfg.Detector.MaxItems,
		},
	})
}

func newLink(cfg config.ControllerConfig) *controller.Link {
	var t controller.Transport
	if cfg.Transport == "tcp" {
		t = controller.NewTCPTransport(cfg.Address)
	} else {
		t = controller.NewWebSocketTransport(cfg.Address)
	}
	return controller.NewLink(t, controller.WithConfig(controller.Config{
		HandshakeTimeout: cfg.HandshakeTimeout,
		AckTimeout:       cfg.AckTimeout,
	}))
}

func openLedger(ctx context.Context, cfg config.LedgerConfig) (ledger.Ledger, error) {
	return ledger.Open(ctx, ledger.Config{
		Driver:      cfg.Driver,
		Path:        cfg.Path,
		Project:     cfg.Project,
		DonorID:     cfg.DonorID,
		Credentials: cfg.Credentials,
	})
}

// source is the chosen frame source plus what the dashboard needs from it
type source struct {
	frames   station.FrameSource
	settings web.CameraSettings
	ingest   *ingest.Hub
}

func openSource(cfg config.CameraConfig) (source, error) {
	switch cfg.Source {
	case "device":
		preset := camera.GetPreset(cfg.Preset)
		if preset == nil {
			return source{}, fmt.Errorf("unknown camera preset %q (have %v)", cfg.Preset, camera.PresetNames())
		}
		camCfg := *preset
		camCfg.Device = cfg.Device
		camCfg.Path = cfg.Path
		camCfg.Framerate = cfg.FPS
		camCfg.Rotation = cfg.Rotation
		dev, err := camera.Open(camCfg)
		if err != nil {
			return source{}, err
		}
		return source{frames: dev, settings: dev.Settings()}, nil

	case "ingest":
		h := ingest.NewHub()
		return source{frames: h, ingest: h}, nil

	case "webrtc":
		return source{frames: video.NewClient(video.Config{
			SignallingURL: cfg.SignallingURL,
			Producer:      cfg.Producer,
			Rotation:      cfg.Rotation,
			FFmpegPath:    cfg.FFmpeg,
		})}, nil
	}
	return source{}, fmt.Errorf("unknown camera source %q", cfg.Source)
}

func (a *app) run(ctx context.Context) error {
	cfg := a.cfg
	logger := log.Component("run")

	region, err := roi.New(cfg.ROI.Left, cfg.ROI.Top, cfg.ROI.Right, cfg.ROI.Bottom)
	if err != nil {
		return fmt.Errorf("roi: %w", err)
	}

	det, err := newDetector(cfg)
	if err != nil {
		return err
	}

	led, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		det.Close()
		return fmt.Errorf("ledger: %w", err)
	}

	src, err := openSource(cfg.Camera)
	if err != nil {
		det.Close()
		led.Close()
		return fmt.Errorf("camera: %w", err)
	}

	statusHub := hub.New("status")
	cameraHub := hub.New("camera")

	st, err := station.New(station.Config{
		Detector:          det,
		Source:            src.frames,
		Link:              newLink(cfg.Controller),
		Ledger:            led,
		SourceName:        cfg.Camera.Source,
		Region:            region,
		Window:            cfg.Stability.Window,
		DisplayDelay:      cfg.Deposit.DisplayDelay,
		ReconnectInterval: cfg.Controller.ReconnectInterval,
	}, station.WithStatus(statusHub), station.WithPreview(cameraHub))
	if err != nil {
		det.Close()
		led.Close()
		src.frames.Close()
		return err
	}

	opts := []web.Option{web.WithHubs(statusHub, cameraHub)}
	if src.settings != nil {
		opts = append(opts, web.WithCamera(src.settings))
	}
	server := web.NewServer(web.Config{Port: cfg.Web.Port, StaticDir: cfg.Web.StaticDir}, st, opts...)
	if src.ingest != nil {
		src.ingest.RegisterRoutes(server.App())
		src.ingest.RegisterAPIRoutes(server.App().Group("/api"))
	}

	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	server.RunHubs(serverCtx)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(serverCtx) }()

	if err := st.Start(ctx); err != nil {
		stopServer()
		<-serverErr
		return errors.Join(err, st.Close())
	}
	logger.Info("station running",
		"source", cfg.Camera.Source,
		"controller", cfg.Controller.Address,
		"ledger", cfg.Ledger.Driver,
		"port", cfg.Web.Port)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-serverErr:
		logger.Error("dashboard stopped", "error", runErr)
	}

	closeErr := st.Close()
	stopServer()
	if runErr == nil {
		runErr = <-serverErr
	}
	return errors.Join(runErr, closeErr)
}
