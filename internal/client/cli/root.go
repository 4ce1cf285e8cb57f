package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/fieldsync/internal/client/config"
	"github.com/dmitrijs2005/fieldsync/internal/client/store"
	"github.com/dmitrijs2005/fieldsync/internal/logging"
	"github.com/spf13/cobra"
)

// NewRootCommand builds the agent CLI. Config flags are persistent so
// every subcommand resolves the same settings.
func NewRootCommand() *cobra.Command {
	loader := &config.Loader{}

	cmd := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Offline-first field data agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	loader.Bind(cmd.PersistentFlags())

	cmd.AddCommand(newRunCommand(loader))
	cmd.AddCommand(newStatusCommand(loader))
	cmd.AddCommand(newImportLegacyCommand(loader))
	return cmd
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
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

func newRunCommand(loader *config.Loader) *cobra.Command {
	var headless bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent with an interactive shell",
		Long: `Run the agent: keep the local store in sync with the gateway, serve the
page feed and accept edits from an interactive shell on stdin.

With --headless no shell is started and the agent runs until it is
signalled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, l, closeLog, err := load(cmd, loader)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(ctx, cfg, l)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Start(ctx); err != nil {
				return err
			}

			if headless {
				return app.Serve(ctx)
			}

			ctx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- app.Serve(ctx) }()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "fieldsync agent (type 'help' for commands)")
			runREPL(ctx, app.shellCommands(out), app.prompt, bufio.NewScanner(cmd.InOrStdin()), out)

			cancel()
			return <-done
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", false, "run without the interactive shell")
	return cmd
}

func newStatusCommand(loader *config.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the local store and remote status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, l, closeLog, err := load(cmd, loader)
			if err != nil {
				return err
			}
			defer closeLog()

			app, err := NewApp(cmd.Context(), cfg, l)
			if err != nil {
				return err
			}
			defer app.Close()

			st, err := app.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newImportLegacyCommand(loader *config.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "import-legacy <file>",
		Short: "Import a flat JSON dump of an older install",
		Long: `Import the key/value dump of an older install into the local store.

The import runs once per store; rows that already exist are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, l, closeLog, err := load(cmd, loader)
			if err != nil {
				return err
			}
			defer closeLog()

			st, err := openStore(cfg, l)
			if err != nil {
				return err
			}
			defer st.Close()

			rep, err := st.MigrateLegacy(cmd.Context(), store.LegacyFile{Path: args[0]})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
}
