package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/gophbot/internal/server/auth"
)

func (a *App) adminTokenCmd() *cobra.Command {
	var (
		subject  string
		validity time.Duration
	)
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Print a bearer token for the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if validity <= 0 {
				validity = a.cfg.AdminTokenValidity
			}
			token, err := auth.GenerateToken(subject, []byte(a.cfg.SecretKey), validity)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&validity, "validity", 0, "token lifetime (default from config)")
	return cmd
}
