package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/config"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/db"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// Swapped in tests.
var (
	loadConfig = config.Load
	newLogger  = logging.New
)

type options struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "collabd",
		Short:        "Real-time collaborative editing server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML, TOML or JSON config file")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newUserCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

// setup loads and validates config and builds the logger.
func setup(opts *options) (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := newLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *options) error {
	cfg, logger, err := setup(opts)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	return srv.run(ctx)
}

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Store.Driver == "sqlite" {
				database, err := db.New(cfg.Store.SQLitePath, logger)
				if err != nil {
					return err
				}
				defer database.Close()

				version, dirty, err := database.SchemaVersion()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "projects schema at version %d (dirty: %v)\n", version, dirty)
			}

			if _, err := openAccounts(cfg.Accounts); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "accounts schema up to date")
			return nil
		},
	}
}

func newUserCmd(opts *options) *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}

	var email, username, password string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			defer logger.Sync()

			dir, err := openAccounts(cfg.Accounts)
			if err != nil {
				return err
			}
			id, err := dir.Register(cmd.Context(), email, username, password)
			if err != nil {
				return fmt.Errorf("register %s: %w", email, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", id.ID, id.Email)
			return nil
		},
	}
	add.Flags().StringVar(&email, "email", "", "account e-mail")
	add.Flags().StringVar(&username, "username", "", "display name")
	add.Flags().StringVar(&password, "password", "", "account password")
	add.MarkFlagRequired("email")
	add.MarkFlagRequired("username")
	add.MarkFlagRequired("password")

	user.AddCommand(add)
	return user
}

func newTokenCmd(opts *options) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			defer logger.Sync()

			dir, err := openAccounts(cfg.Accounts)
			if err != nil {
				return err
			}
			id, err := dir.Resolve(cmd.Context(), email)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", email, err)
			}
			token, err := dir.IssueToken(id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account e-mail")
	cmd.MarkFlagRequired("email")
	return cmd
}
