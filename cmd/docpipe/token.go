package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	middleware "github.com/markdave123-py/docpipe/internal/api/middlewares"
	"github.com/markdave123-py/docpipe/internal/config"
)

// tokenCmd signs an API token for --tenant with JWT_SECRET.
func tokenCmd(g *globals) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if g.tenant == "" {
				return errors.New("--tenant is required")
			}
			token, err := middleware.IssueToken(config.LoadConfig().JWTSecret, g.tenant, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
