package cli

import (
	"context"
	"database/sql"
	"io"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/gophbot/internal/clock"
	"github.com/dmitrijs2005/gophbot/internal/logging"
	"github.com/dmitrijs2005/gophbot/internal/server"
	"github.com/dmitrijs2005/gophbot/internal/server/config"
	"github.com/dmitrijs2005/gophbot/internal/server/handoff"
)

// Store is the slice of the auth store the commands use.
type Store = handoff.AuthStore

// App carries the streams and backends shared by the commands.
type App struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	configPath string
	verbose    bool
	cfg        *config.Config
	logger     logging.Logger

	openStore    func(ctx context.Context, cfg *config.Config, logger logging.Logger) (Store, func(), error)
	newObjects   func(ctx context.Context, cfg *config.Config) (handoff.ObjectStore, error)
	newPresigner func(handoff.ObjectStore) (handoff.Presigner, error)
}

func New(in io.Reader, out, errOut io.Writer) *App {
	return &App{
		in:         in,
		out:        out,
		errOut:     errOut,
		openStore:    openAuthStore,
		newObjects:   newS3Objects,
		newPresigner: defaultPresigner,
	}
}

func openAuthStore(ctx context.Context, cfg *config.Config, logger logging.Logger) (Store, func(), error) {
	store, conn, err := server.OpenAuthStore(ctx, cfg, clock.Real(), logger)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { closeDB(conn) }, nil
}

func closeDB(conn *sql.DB) {
	if conn != nil {
		_ = conn.Close()
	}
}

func newS3Objects(ctx context.Context, cfg *config.Config) (handoff.ObjectStore, error) {
	client, err := handoff.NewS3Client(ctx, handoff.S3Config{
		Region:       cfg.S3Region,
		Endpoint:     cfg.S3BaseEndpoint,
		AccessKey:    cfg.S3RootUser,
		SecretKey:    cfg.S3RootPassword,
		UsePathStyle: true,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Command builds the command tree.
func (a *App) Command() *cobra.Command {
	root := &cobra.Command{
		Use:           "gophbot-cli",
		Short:         "Operator tool for gophbot sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.configPath == "" {
				a.configPath = config.ConfigPathFromEnv()
			}
			cfg, err := config.LoadFile(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			level := "warn"
			if a.verbose {
				level = "debug"
			}
			a.logger = logging.New(a.errOut, "text", level)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "daemon JSON config (default $GOPHBOT_CONFIG)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log debug output to stderr")

	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	root.AddCommand(a.tokenCmd(), a.adminTokenCmd(), a.handoffCmd())
	return root
}

// Execute runs the command line in args.
func (a *App) Execute(ctx context.Context, args []string) error {
	root := a.Command()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// withStore opens the auth store for the duration of fn.
func (a *App) withStore(ctx context.Context, fn func(Store) error) error {
	store, closeFn, err := a.openStore(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(store)
}
