// Command docpipe runs the document pipeline from the shell and maintains
// the result cache. Configuration comes from the same environment as the
// API server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/docpipe/internal/app"
	"github.com/markdave123-py/docpipe/internal/config"
	"github.com/markdave123-py/docpipe/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globals struct {
	logLevel string
	tenant   string
}

func rootCmd() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           "docpipe",
		Short:         "Extract tables, text and patterns from documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&g.tenant, "tenant", "", "Tenant whose cache namespace is used")

	cmd.AddCommand(processCmd(g), cacheCmd(g), tokenCmd(g))
	return cmd
}

// withApp builds the application from the environment, runs fn and closes
// it. Logs go to stderr so stdout stays machine readable.
func (g *globals) withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg := config.LoadConfig()
	logger, err := logging.New(g.logLevel, "console")
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := app.NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
