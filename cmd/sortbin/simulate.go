package main

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/spf13/cobra"
	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/controller/sim"
	"golang.org/x/sync/errgroup"
)

type simulateFlags struct {
	ws         string
	tcp        string
	latency    time.Duration
	nak        string
	silent     bool
	legacyPong bool
}

func (a *app) simulateCmd() *cobra.Command {
	var f simulateFlags
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve a simulated bin controller",
		Long: `simulate answers the firmware line protocol (PING, DEPOSITAR, GIRO, INCL)
so a station can run without the ESP32 bridge. Point controller.address at
ws://localhost:8181/ws, or at localhost:2323 with --tcp and transport tcp.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return simulate(cmd.Context(), f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.ws, "ws", ":8181", "WebSocket listen address (empty disables)")
	fl.StringVar(&f.tcp, "tcp", "", "TCP line listen address (empty disables)")
	fl.DurationVar(&f.latency, "latency", 4*time.Second, "time a deposit takes")
	fl.StringVar(&f.nak, "nak", "", "refuse every movement with this reason")
	fl.BoolVar(&f.silent, "silent", false, "never answer movements")
	fl.BoolVar(&f.legacyPong, "legacy-pong", false, "answer PING with a bare PONG")
	return cmd
}

func simulate(ctx context.Context, f simulateFlags) error {
	if f.ws == "" && f.tcp == "" {
		return errors.New("simulate: enable --ws or --tcp")
	}
	logger := log.Component("sim")
	s := sim.New(sim.WithLogger(logger), sim.WithBehavior(sim.Behavior{
		Latency:    f.latency,
		NakReason:  f.nak,
		Silent:     f.silent,
		LegacyPong: f.legacyPong,
	}))

	g, ctx := errgroup.WithContext(ctx)
	if f.ws != "" {
		app := s.NewApp()
		ln, err := net.Listen("tcp", f.ws)
		if err != nil {
			return err
		}
		logger.Info("websocket controller listening", "addr", ln.Addr().String())
		g.Go(func() error { return app.Listener(ln) })
		g.Go(func() error {
			<-ctx.Done()
			return app.Shutdown()
		})
	}
	if f.tcp != "" {
		ln, err := net.Listen("tcp", f.tcp)
		if err != nil {
			return err
		}
		logger.Info("tcp controller listening", "addr", ln.Addr().String())
		g.Go(func() error { return s.ServeTCP(ctx, ln) })
	}

	err := g.Wait()
	logger.Info("simulator stopped", "deposits", s.Deposits(), "connections", s.Connections())
	return err
}
