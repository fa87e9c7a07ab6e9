// Command brokerd is the broker daemon: it accepts client connections on a
// unix socket, hands each one a client-node subsystem (internal/clientnode),
// and exposes a read-only introspection surface (internal/admin).
package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/streamnode/brokerd/internal/logger"
)

// cmdGlobal holds flags shared by every subcommand, the same shape the
// teacher's agent binary uses for its top-level flags.
type cmdGlobal struct {
	flagLogDebug   bool
	flagLogVerbose bool
}

func main() {
	g := &cmdGlobal{}

	app := &cobra.Command{
		Use:   "brokerd",
		Short: "Multimedia client-node broker daemon",
	}

	app.PersistentFlags().BoolVar(&g.flagLogDebug, "debug", false, "Enable debug logging")
	app.PersistentFlags().BoolVar(&g.flagLogVerbose, "verbose", false, "Enable verbose logging")

	app.PersistentPreRun = func(*cobra.Command, []string) {
		logger.Configure(g.flagLogDebug, g.flagLogVerbose, nil)
	}

	run := &cmdRun{global: g}
	app.AddCommand(run.command())

	if err := app.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cmdRun struct {
	global *cmdGlobal

	flagSocket     string
	flagAdminAddr  string
	flagSweepEvery string
}

func (c *cmdRun) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the broker daemon in the foreground",
		RunE:  c.run,
	}

	cmd.Flags().StringVar(&c.flagSocket, "socket", "/run/brokerd/control.sock", "Unix socket clients connect to")
	cmd.Flags().StringVar(&c.flagAdminAddr, "admin-listen", "127.0.0.1:8443", "Admin HTTP surface listen address")
	cmd.Flags().StringVar(&c.flagSweepEvery, "sweep-schedule", "@every 1m", "cron schedule for the orphaned-memory sweep")

	return cmd
}

func (c *cmdRun) run(cmd *cobra.Command, args []string) error {
	logger.Info("brokerd starting")
	defer logger.Info("brokerd stopped")

	d, err := newDaemon(c.flagSocket, c.flagAdminAddr, c.flagSweepEvery)
	if err != nil {
		return err
	}

	chSignal := make(chan os.Signal, 1)
	signal.Notify(chSignal, unix.SIGINT, unix.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- d.serve() }()

	select {
	case sig := <-chSignal:
		logger.Info("brokerd received signal", logger.Ctx{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			logger.Error("brokerd serve failed", logger.Ctx{"err": err})
		}
	}

	d.shutdown()

	return nil
}
