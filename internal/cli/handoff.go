package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/gophbot/internal/common"
	"github.com/dmitrijs2005/gophbot/internal/server/handoff"
)

func (a *App) handoffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Move sealed sessions through object storage",
	}
	cmd.AddCommand(a.handoffExportCmd(), a.handoffImportCmd(), a.handoffImportURLCmd())
	return cmd
}

func (a *App) handoffExportCmd() *cobra.Command {
	var presign time.Duration
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Seal and upload a stored session, printing the object key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withHandoff(cmd, true, func(svc *handoff.Service, objects handoff.ObjectStore) error {
				key, err := svc.Export(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintln(a.out, key); err != nil {
					return err
				}
				if presign <= 0 {
					return nil
				}
				p, err := a.newPresigner(objects)
				if err != nil {
					return err
				}
				url, err := svc.Presign(cmd.Context(), p, key, presign)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(a.out, url)
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&presign, "presign", 0, "also print a download URL valid for this long")
	return cmd
}

func (a *App) handoffImportCmd() *cobra.Command {
	var phone string
	cmd := &cobra.Command{
		Use:   "import <object-key> <session-id>",
		Short: "Download a handed-off session and store it under session-id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withHandoff(cmd, true, func(svc *handoff.Service, _ handoff.ObjectStore) error {
				if err := svc.Import(cmd.Context(), args[0], args[1], phone); err != nil {
					return err
				}
				_, err := fmt.Fprintf(a.out, "Session %s imported.\n", args[1])
				return err
			})
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number recorded with the session")
	return cmd
}

func (a *App) handoffImportURLCmd() *cobra.Command {
	var phone string
	cmd := &cobra.Command{
		Use:   "import-url <url> <session-id>",
		Short: "Store a session from a presigned URL, without bucket credentials",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withHandoff(cmd, false, func(svc *handoff.Service, _ handoff.ObjectStore) error {
				if err := svc.ImportURL(cmd.Context(), args[0], args[1], phone); err != nil {
					return err
				}
				_, err := fmt.Fprintf(a.out, "Session %s imported.\n", args[1])
				return err
			})
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number recorded with the session")
	return cmd
}

func (a *App) withHandoff(cmd *cobra.Command, needObjects bool, fn func(*handoff.Service, handoff.ObjectStore) error) error {
	passphrase, err := a.passphrase()
	if err != nil {
		return err
	}
	defer common.WipeByteArray(passphrase)

	var objects handoff.ObjectStore
	if needObjects {
		objects, err = a.newObjects(cmd.Context(), a.cfg)
		if err != nil {
			return fmt.Errorf("object storage: %w", err)
		}
	}
	return a.withStore(cmd.Context(), func(store Store) error {
		return fn(handoff.NewService(objects, a.cfg.S3Bucket, passphrase, store, a.logger), objects)
	})
}

func defaultPresigner(objects handoff.ObjectStore) (handoff.Presigner, error) {
	c, ok := objects.(*s3.Client)
	if !ok {
		return nil, errors.New("object store does not support presigning")
	}
	return handoff.NewPresigner(c), nil
}

// passphrase comes from HANDOFF_PASSPHRASE or the config, else from stdin.
func (a *App) passphrase() ([]byte, error) {
	if a.cfg.HandoffPassphrase != "" {
		return []byte(a.cfg.HandoffPassphrase), nil
	}
	p, err := readSecret(a.in, a.errOut, "Handoff passphrase: ")
	if errors.Is(err, errEmptyInput) {
		return nil, errors.New("handoff passphrase required (HANDOFF_PASSPHRASE)")
	}
	if err != nil {
		return nil, err
	}
	return []byte(p), nil
}
