package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"icb-go/internal/app"
	"icb-go/internal/config"
	"icb-go/internal/history"
	"icb-go/internal/icloud"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file, overlays environment credentials and
// applies the command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaults["data_dir"]
		cfg.ApplyDefaults()
	}

	if cmd.Flags().Changed("force") {
		cfg.Force, _ = cmd.Flags().GetBool("force")
	}
	if cmd.Flags().Changed("remote-delete") {
		cfg.RemoteDelete, _ = cmd.Flags().GetBool("remote-delete")
	}
	if cmd.Flags().Changed("download-threads") {
		cfg.DownloadThreads, _ = cmd.Flags().GetInt("download-threads")
	}
	if cmd.Flags().Changed("max-retries") {
		cfg.MaxRetries, _ = cmd.Flags().GetInt("max-retries")
	}
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}

	// Anything the credentials could have leaked into is scrubbed before the
	// first operation can fail.
	os.Args = cfg.ScrubArgs(os.Args)
	return cfg, nil
}

// runOperation wires an App for the operation and drives it under signal
// handling. Interrupt and termination signals cancel the context, which
// unwinds the engines and releases the library lock.
func runOperation(cmd *cobra.Command, op app.Operation) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := app.NewApp(cfg, op)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := a.Run(ctx)
	if err := a.Close(); err != nil && runErr == nil {
		runErr = err
	}
	if icloud.IsInterrupt(runErr) {
		// Signal-delivered shutdown: the lock is released and phases have
		// unwound; this is not a failure.
		fmt.Fprintln(os.Stderr, "interrupted")
		return nil
	}
	return runErr
}

var rootCmd = &cobra.Command{
	Use:           "icb",
	Short:         "One-way iCloud Photos backup",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the library once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, app.Operation{Kind: app.OpSync})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Refresh and print the trust token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, app.Operation{Kind: app.OpToken})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive PATH",
	Short: "Freeze a local album so future syncs ignore it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, app.Operation{Kind: app.OpArchive, ArchivePath: args[0]})
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run scheduled syncs until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		schedule, _ := cmd.Flags().GetString("schedule")
		return runOperation(cmd, app.Operation{Kind: app.OpDaemon, CronExpr: schedule})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View recent sync runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := history.NewStoreFromConfig(cfg.History, cfg.DataDir, icloud.RealClock{})
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.ListRuns(limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}
		for _, r := range runs {
			duration := ""
			if r.FinishedAt.Valid {
				duration = r.FinishedAt.Time.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-8s  %s  %-8s  +%d -%d albums:%d  %s\n",
				r.ID,
				r.Operation,
				r.StartedAt.Format("2006-01-02 15:04:05"),
				r.Status,
				r.AssetsAdded,
				r.AssetsDeleted,
				r.AlbumsWritten,
				duration,
			)
		}
		return nil
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["data_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Data Dir: %s\n", defaults["data_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		cfg = cfg.Redacted()

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Username:         %s\n", cfg.Username)
		fmt.Printf("Data Dir:         %s\n", cfg.DataDir)
		fmt.Printf("Log Dir:          %s\n", cfg.LogDir)
		fmt.Printf("MFA Port:         %d\n", cfg.Port)
		fmt.Printf("Schedule:         %s\n", cfg.Schedule)
		fmt.Printf("Max Retries:      %d\n", cfg.MaxRetries)
		fmt.Printf("Download Threads: %d\n", cfg.DownloadThreads)
		fmt.Printf("Remote Delete:    %v\n", cfg.RemoteDelete)
		if cfg.Mirror.Type != "" {
			fmt.Printf("Mirror:           %s\n", cfg.Mirror.Type)
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{syncCmd, tokenCmd, archiveCmd, daemonCmd, historyCmd} {
		cmd.Flags().Bool("force", false, "Override a stale library lock")
		cmd.Flags().Int("port", 0, "MFA endpoint port")
		cmd.Flags().Int("max-retries", 0, "Retry budget for recoverable sync failures")
		cmd.Flags().Int("download-threads", 0, "Concurrent asset downloads")
	}
	archiveCmd.Flags().Bool("remote-delete", false, "Delete non-favorite remote originals after archiving")
	daemonCmd.Flags().String("schedule", "", "Cron expression (overrides config)")
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
}
