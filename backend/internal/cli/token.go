package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"docsync/backend/internal/httpapi/middleware"
)

// NewTokenCommand 本地签发 access token，联调 WebSocket 时用
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		userID   uint64
		username string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a development access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			token, err := middleware.SignAccessToken(middleware.Secret(cfg.Auth.JWTSecret), userID, username, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().Uint64Var(&userID, "user", 1, "user id")
	cmd.Flags().StringVar(&username, "name", "dev", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
