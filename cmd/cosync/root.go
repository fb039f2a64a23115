package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/cosync"
)

var (
	verbose    bool
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cosync",
	Short: "Share a workspace between collaborators in real time",
	Long: `cosync replicates a directory between the participants of a session.
The host keeps the authoritative copy and watches for drift; guests apply
what they receive and ask the host to recover documents that diverged.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}

		opts := &slog.HandlerOptions{
			Level: level,
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
		slog.SetDefault(logger)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (defaults to $COSYNC_CONFIG)")
}

// loadConfig reads the config file and lowers the log level when the file
// asks for debug output.
func loadConfig() cosync.Config {
	cfg, err := cosync.LoadConfig(configPath)
	if err != nil {
		fatal("Error loading config", err)
	}
	if !verbose {
		if level, err := cfg.Log.SlogLevel(); err == nil {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		}
	}
	return cfg
}
