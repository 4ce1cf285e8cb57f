// Package cli defines the fieldsync-gateway command tree.
package cli

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/fieldsync/internal/logging"
	"github.com/dmitrijs2005/fieldsync/internal/server"
	"github.com/dmitrijs2005/fieldsync/internal/server/auth"
	"github.com/dmitrijs2005/fieldsync/internal/server/config"
	"github.com/spf13/cobra"
)

// NewRootCommand builds the gateway CLI. Config flags are persistent so
// every subcommand resolves the same settings.
func NewRootCommand() *cobra.Command {
	loader := &config.Loader{}

	cmd := &cobra.Command{
		Use:           "fieldsync-gateway",
		Short:         "Sync gateway for fieldsync devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	loader.Bind(cmd.PersistentFlags())

	cmd.AddCommand(newServeCommand(loader))
	cmd.AddCommand(newMigrateCommand(loader))
	cmd.AddCommand(newTokenCommand(loader))
	return cmd
}

// load resolves the config and builds the process logger. The returned
// func closes the log sink.
func load(cmd *cobra.Command, loader *config.Loader) (*config.Config, logging.Logger, func(), error) {
	cfg, err := loader.Load(cmd.Flags())
	if err != nil {
		return nil, nil, nil, err
	}
	l, closer := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	return cfg, l, func() { _ = closer.Close() }, nil
}

func newServeCommand(loader *config.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Migrate the schema and serve the gRPC API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, l, closeLog, err := load(cmd, loader)
			if err != nil {
				return err
			}
			defer closeLog()

			app, err := server.NewApp(cfg, l)
			if err != nil {
				return err
			}
			defer app.Close()

			return app.Run(cmd.Context())
		},
	}
}

func newMigrateCommand(loader *config.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, l, closeLog, err := load(cmd, loader)
			if err != nil {
				return err
			}
			defer closeLog()

			app, err := server.NewApp(cfg, l)
			if err != nil {
				return err
			}
			defer app.Close()

			v, err := app.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
			return nil
		},
	}
}

func newTokenCommand(loader *config.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "token <owner-id>",
		Short: "Issue an access token for an owner",
		Long: `Issue an access token signed with the gateway secret.

Devices present the token in the access_token metadata header. All rows
and broadcasts are scoped to the owner the token names.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loader.Load(cmd.Flags())
			if err != nil {
				return err
			}
			tok, err := auth.GenerateToken(args[0], []byte(cfg.SecretKey), cfg.TokenValidity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}
