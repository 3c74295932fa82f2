// sortbin - recycling station: camera, waste detector and bin controller
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/teslashibe/go-sortbin/internal/config"
	"github.com/teslashibe/go-sortbin/internal/log"
)

var version = "dev"

// app carries what PersistentPreRunE loaded to the subcommands
type app struct {
	cfgFile string
	cfg     config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "sortbin",
		Short: "Recycling station that sorts deposited waste into bins",
		Long: `sortbin watches the drop zone with a camera, classifies each item with a
YOLO model, waits for the classification to settle, then drives the bin
controller to the matching compartment and credits the donor's ledger.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: $SORTBIN_HOME/config.yaml or ./config.yaml)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		a.runCmd(),
		a.simulateCmd(),
		a.detectCmd(),
		a.ledgerCmd(),
		versionCmd(),
	)
	return root
}

// load reads the config file, environment and flags, then sets up logging
func (a *app) load(cmd *cobra.Command, _ []string) error {
	v, err := config.New(a.cfgFile)
	if err != nil {
		return err
	}
	bindings := append([]binding{{"log-level", "log.level"}}, commandBindings[cmd.Name()]...)
	for _, bind := range bindings {
		if f := cmd.Flags().Lookup(bind.flag); f != nil && f.Changed {
			v.Set(bind.key, f.Value.String())
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	log.Init(cfg.Log.Level)
	if used := v.ConfigFileUsed(); used != "" {
		log.Debug("config loaded", "file", used)
	}

	a.cfg = cfg
	return nil
}

// binding maps a flag onto a config key. Only flags the user set override
// the file and environment.
type binding struct {
	flag string
	key  string
}

var commandBindings = map[string][]binding{
	"run": {
		{"port", "web.port"},
		{"source", "camera.source"},
		{"controller", "controller.address"},
		{"transport", "controller.transport"},
		{"ledger", "ledger.driver"},
	},
	"ledger": {
		{"driver", "ledger.driver"},
	},
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "sortbin", version)
			return nil
		},
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
