// Command botfleet runs the multi-tenant bot dispatch core and its admin
// tooling.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"botfleet/internal/app"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./botfleet.json"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// cli carries the persistent flags and the app options shared by every
// subcommand.
type cli struct {
	cfgPath string
	opts    []app.Option
}

func newRootCommand(opts ...app.Option) *cobra.Command {
	c := &cli{opts: opts}

	root := &cobra.Command{
		Use:           "botfleet",
		Short:         "Multi-tenant Telegram bot fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	def := strings.TrimSpace(os.Getenv("BOTFLEET_CONFIG"))
	if def == "" {
		def = defaultConfigPath
	}
	root.PersistentFlags().StringVarP(&c.cfgPath, "config", "c", def, "config file path (.json or .yaml)")

	root.AddCommand(
		c.serveCommand(),
		c.workerCommand(),
		c.maintainCommand(),
		c.enqueueCommand(),
		c.tenantCommand(),
	)
	return root
}

// open builds the app for one command. Callers must Close it.
func (c *cli) open() (*app.App, error) {
	a, err := app.New(c.cfgPath, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", c.cfgPath, err)
	}
	return a, nil
}
