package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/shikake"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	sqlitePath  string
	databaseURL string
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "shikake",
		Short: "shikake - event-driven automation engine",
		Long: `shikake matches incoming events against user-defined units
(when/if/then rules) and executes the resulting runs step by step.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.sqlitePath, "sqlite", "", "use the embedded SQLite store at this path instead of Postgres")
	root.PersistentFlags().StringVar(&flags.databaseURL, "database-url", "", "Postgres connection string (overrides DATABASE_URL)")

	root.AddCommand(
		newServeCmd(logger, flags),
		newMigrateCmd(logger, flags),
		newUnitsCmd(logger, flags),
		newAdvanceCmd(logger, flags),
		newMatchCmd(logger, flags),
	)
	return root
}

func (f *globalFlags) options(logger *slog.Logger, extra ...shikake.Option) []shikake.Option {
	opts := []shikake.Option{shikake.WithLogger(logger), shikake.WithVersion(version)}
	if f.sqlitePath != "" {
		opts = append(opts, shikake.WithSQLite(f.sqlitePath))
	}
	if f.databaseURL != "" {
		opts = append(opts, shikake.WithDatabaseURL(f.databaseURL))
	}
	return append(opts, extra...)
}

func newServeCmd(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and advance runs in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var extra []shikake.Option
			if port != 0 {
				extra = append(extra, shikake.WithPort(port))
			}
			app, err := shikake.New(flags.options(logger, extra...)...)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides SHIKAKE_PORT)")
	return cmd
}

func newMigrateCmd(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// New applies pending migrations before wiring anything else.
			app, err := shikake.New(flags.options(logger)...)
			if err != nil {
				return err
			}
			app.Close(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newUnitsCmd(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	units := &cobra.Command{
		Use:   "units",
		Short: "Manage units",
	}
	units.AddCommand(&cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Validate and create the units defined in a YAML file",
		Long: `Validate every unit in the file, then create them all. Nothing is
stored when any unit is invalid.`,
		Example: `  shikake units import units.yaml
  shikake --sqlite dev.db units import examples/units.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := shikake.New(flags.options(logger)...)
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			ids, err := app.ImportUnits(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"unit_ids": ids})
		},
	})
	return units
}

func newAdvanceCmd(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <run-id>",
		Short: "Advance a run until it completes, fails or parks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			app, err := shikake.New(flags.options(logger)...)
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			status, err := app.Advance(cmd.Context(), runID)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"run_id": runID, "status": status})
		},
	}
}

func newMatchCmd(logger *slog.Logger, flags *globalFlags) *cobra.Command {
	var advance bool
	cmd := &cobra.Command{
		Use:   "match <event.json>",
		Short: "Match one event against the stored units",
		Long: `Read an event as JSON ("-" for stdin), create a run for every unit it
matches and print the run IDs. With --advance each run is driven to
completion in-process.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			event, err := readEvent(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			app, err := shikake.New(flags.options(logger)...)
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			ids, err := app.Match(cmd.Context(), event)
			if err != nil {
				return err
			}
			if !advance {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"event_id": event.ID, "run_ids": ids})
			}

			statuses := make(map[string]shikake.RunStatus, len(ids))
			for _, id := range ids {
				status, err := app.Advance(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("advance %s: %w", id, err)
				}
				statuses[id.String()] = status
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"event_id": event.ID, "runs": statuses})
		},
	}
	cmd.Flags().BoolVar(&advance, "advance", false, "advance each created run before exiting")
	return cmd
}

func readEvent(stdin io.Reader, path string) (shikake.Event, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return shikake.Event{}, fmt.Errorf("open event: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	var event shikake.Event
	if err := json.NewDecoder(r).Decode(&event); err != nil {
		return shikake.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return event, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
