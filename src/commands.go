// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"missioncontrol/src/board"
	"missioncontrol/src/config"
	"missioncontrol/src/logging"
	"missioncontrol/src/model"
	"missioncontrol/src/processor"
	"missioncontrol/src/realtime"
	"missioncontrol/src/store"
)

var (
	envFile     string
	blockerFile string
	seedFile    string
	boardOutput string

	rootCmd = &cobra.Command{
		Use:           "missioncontrol",
		Short:         "Task board with realtime reconciliation and blocker log ingestion.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the board API, realtime session and background syncs.",
		RunE:  runServe,
	}

	syncBlockersCmd = &cobra.Command{
		Use:   "sync-blockers",
		Short: "Parse the blocker log once and replace the active blockers.",
		RunE:  runSyncBlockers,
	}

	seedCmd = &cobra.Command{
		Use:   "seed",
		Short: "Insert tasks from a YAML file. Existing ids are skipped.",
		RunE:  runSeed,
	}

	boardCmd = &cobra.Command{
		Use:   "board",
		Short: "Print the board grouped by column.",
		RunE:  runBoard,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Path to the .env file.")

	syncBlockersCmd.Flags().StringVar(&blockerFile, "file", "", "Blocker log path (defaults to BLOCKER_LOG_PATH).")
	seedCmd.Flags().StringVar(&seedFile, "file", "tasks.yml", "YAML file with a top-level tasks list.")
	boardCmd.Flags().StringVar(&boardOutput, "output", "text", "Output format: text or yaml.")

	rootCmd.AddCommand(serveCmd, syncBlockersCmd, seedCmd, boardCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logging.Log(err.Error(), slog.LevelError)
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openStore opens the configured backend. Only the postgres backend needs
// Listen to feed hub; the others publish their own writes.
func openStore(ctx context.Context, cfg *config.Config, hub *realtime.Hub) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return store.OpenPostgres(ctx, cfg.PostgresDSN())
	case config.DriverSQLite:
		return store.OpenSQLite(ctx, cfg.SQLitePath, hub)
	case config.DriverMemory:
		return store.NewMemory(hub), nil
	}
	return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
}

func openFromFlags(ctx context.Context) (*config.Config, store.Store, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(ctx, cfg, nil)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func runSyncBlockers(cmd *cobra.Command, args []string) error {
	cfg, st, err := openFromFlags(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close()

	path := blockerFile
	if path == "" {
		path = cfg.BlockerLogPath
	}
	if path == "" {
		return errors.New("no blocker log given: pass --file or set BLOCKER_LOG_PATH")
	}
	n, err := processor.SyncBlockers(cmd.Context(), st, path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Synced %d active blockers from %s\n", n, path)
	return nil
}

// SeedFile is the layout read by the seed command.
type SeedFile struct {
	Tasks []model.Task `yaml:"tasks"`
}

func runSeed(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(seedFile)
	if err != nil {
		return fmt.Errorf("could not read file '%s': %w", seedFile, err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("could not parse YAML from '%s': %w", seedFile, err)
	}

	_, st, err := openFromFlags(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close()

	inserted, skipped := 0, 0
	for _, t := range seed.Tasks {
		if t.Source == "" {
			t.Source = model.SourceImport
		}
		if t.ModifiedBy == "" {
			t.ModifiedBy = model.ModifiedBySystem
		}
		if _, err := st.InsertTask(cmd.Context(), t); err != nil {
			if errors.Is(err, store.ErrConflict) {
				skipped++
				continue
			}
			return fmt.Errorf("seed task %q: %w", t.Name, err)
		}
		inserted++
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d tasks (%d already present)\n", inserted, skipped)
	return nil
}

func runBoard(cmd *cobra.Command, args []string) error {
	_, st, err := openFromFlags(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close()

	tasks, err := st.ListTasks(cmd.Context())
	if err != nil {
		return err
	}
	columns := board.Group(tasks)

	out := cmd.OutOrStdout()
	switch boardOutput {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(map[string]any{"columns": columns}); err != nil {
			return err
		}
		return enc.Close()
	case "text":
		printBoard(out, columns)
		return nil
	}
	return fmt.Errorf("unknown output %q (want text or yaml)", boardOutput)
}

func printBoard(out io.Writer, columns []board.Column) {
	for _, col := range columns {
		fmt.Fprintf(out, "%s (%d)\n", col.Status, len(col.Tasks))
		for _, t := range col.Tasks {
			line := fmt.Sprintf("  [%s] %s (%s)", t.Priority, t.Name, t.ID)
			if t.AssignedTo != nil {
				line += " @" + *t.AssignedTo
			}
			if len(t.Blockers) > 0 {
				line += " blocked by: " + strings.Join(t.Blockers, "; ")
			}
			fmt.Fprintln(out, line)
		}
	}
}
