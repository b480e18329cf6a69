package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/gophbot/internal/common"
	"github.com/dmitrijs2005/gophbot/internal/pairing"
	"github.com/dmitrijs2005/gophbot/internal/server/models"
)

// tokenSummary is what `token decode` prints. Key material is never shown.
type tokenSummary struct {
	Registered     bool            `json:"registered"`
	Me             *models.Contact `json:"me,omitempty"`
	Platform       string          `json:"platform,omitempty"`
	RegistrationID int             `json:"registrationId"`
	Keys           map[string]int  `json:"keys"`
	KeyCategories  []string        `json:"keyCategories"`
}

func summarize(state *models.AuthState) tokenSummary {
	s := tokenSummary{
		Registered:     state.Creds.Registered,
		Me:             state.Creds.Me,
		Platform:       state.Creds.Platform,
		RegistrationID: state.Creds.RegistrationID,
		Keys:           make(map[string]int, len(state.Keys)),
		KeyCategories:  make([]string, 0, len(state.Keys)),
	}
	for category, bucket := range state.Keys {
		s.Keys[category] = len(bucket)
		s.KeyCategories = append(s.KeyCategories, category)
	}
	sort.Strings(s.KeyCategories)
	return s
}

func (a *App) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Encode, inspect and import pairing tokens",
	}
	cmd.AddCommand(a.tokenEncodeCmd(), a.tokenDecodeCmd(), a.tokenImportCmd())
	return cmd
}

func (a *App) tokenEncodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encode <session-id>",
		Short: "Print the pairing token of a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(store Store) error {
				state, backend, err := store.Load(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("load %s: %w", args[0], err)
				}
				token, err := pairing.Encode(state)
				if err != nil {
					return err
				}
				a.logger.Debug(cmd.Context(), "session encoded", "session", args[0], "backend", backend)
				_, err = fmt.Fprintln(a.out, token)
				return err
			})
		},
	}
}

func (a *App) tokenDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode",
		Short: "Validate a token read from stdin and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := a.readToken()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(a.out)
			enc.SetIndent("", "  ")
			return enc.Encode(summarize(state))
		},
	}
}

func (a *App) tokenImportCmd() *cobra.Command {
	var phone string
	cmd := &cobra.Command{
		Use:   "import <session-id>",
		Short: "Store a token read from stdin under session-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := common.ValidateSessionID(id); err != nil {
				return err
			}
			state, err := a.readToken()
			if err != nil {
				return err
			}
			if phone == "" && state.Creds.Me != nil {
				phone = common.DigitsOnly(userPart(state.Creds.Me.ID))
			}
			return a.withStore(cmd.Context(), func(store Store) error {
				if err := store.Save(cmd.Context(), id, phone, state); err != nil {
					return err
				}
				_, err := fmt.Fprintf(a.out, "Session %s imported.\n", id)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number recorded with the session (default from the token)")
	return cmd
}

func (a *App) readToken() (*models.AuthState, error) {
	token, err := readSecret(a.in, a.errOut, "Pairing token: ")
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	return pairing.Decode(token)
}

// userPart strips the device and server parts of a jid.
func userPart(jid string) string {
	for i := 0; i < len(jid); i++ {
		if jid[i] == ':' || jid[i] == '@' {
			return jid[:i]
		}
	}
	return jid
}
