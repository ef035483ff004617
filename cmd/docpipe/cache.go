package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/docpipe/internal/app"
	"github.com/markdave123-py/docpipe/internal/models"
)

var errNoCache = errors.New("CACHE_BACKEND is none")

func cacheCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the result cache",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Print hit, miss and entry counts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return g.withCache(cmd, func(a *app.App) error {
					return printJSON(cmd.OutOrStdout(), a.Cache.Stats(cmd.Context()))
				})
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Remove expired entries",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return g.withCache(cmd, func(a *app.App) error {
					n := a.Cache.ClearExpired(cmd.Context())
					return printJSON(cmd.OutOrStdout(), map[string]int{"removed": n})
				})
			},
		},
		&cobra.Command{
			Use:   "invalidate FINGERPRINT",
			Short: "Remove one entry from the --tenant namespace",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.withCache(cmd, func(a *app.App) error {
					removed := a.Cache.Invalidate(cmd.Context(), models.Fingerprint(args[0]), g.tenant)
					if err := printJSON(cmd.OutOrStdout(), map[string]bool{"removed": removed}); err != nil {
						return err
					}
					if !removed {
						return fmt.Errorf("no entry for %s", args[0])
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func (g *globals) withCache(cmd *cobra.Command, fn func(*app.App) error) error {
	return g.withApp(cmd.Context(), func(a *app.App) error {
		if a.Cache == nil {
			return errNoCache
		}
		return fn(a)
	})
}
