package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/macrodyne/autod/config"
	"github.com/macrodyne/autod/daemon"
	"github.com/macrodyne/autod/errors"
)

// ServeCmd starts the daemon.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Start the automation daemon",
	Long: `Start the autod daemon: watch the script directory, arm schedules, join
the cluster (if enabled) and serve the control plane until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return errors.Wrap(err, "configuration failed")
	}

	printStartupBanner(cfg, verbosity)

	d, err := daemon.New(daemon.Options{Config: cfg, Verbosity: verbosity})
	if err != nil {
		return errors.Wrap(err, "daemon initialization failed")
	}
	if err := d.Start(); err != nil {
		return errors.Wrap(err, "daemon startup failed")
	}
	pterm.Success.Printfln("autod listening on port %d (Ctrl+C to stop)", d.Port())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	// First signal: graceful shutdown. A second one forces exit.
	pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()

	select {
	case <-done:
		pterm.Success.Println("autod stopped cleanly")
		return nil
	case <-sigChan:
		pterm.Warning.Println("Force shutdown, exiting immediately")
		os.Exit(1)
		return nil // unreachable
	}
}
