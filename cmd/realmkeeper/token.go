package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	transportHTTP "github.com/realmkeeper/realmkeeper/internal/transport/http"
)

func newTokenCmd() *cobra.Command {
	var (
		callerID   string
		privileged bool
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			auth, err := transportHTTP.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(callerID, privileged, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&callerID, "caller", "", "caller id carried by the token")
	cmd.Flags().BoolVar(&privileged, "privileged", false, "allow tenant administration")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	_ = cmd.MarkFlagRequired("caller")
	return cmd
}
