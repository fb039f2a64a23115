package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aretw0/cosync/pkg/adapters/fs"
	"github.com/aretw0/cosync/pkg/core"
	"github.com/aretw0/cosync/pkg/watchdog"
)

type checksumEntry struct {
	Path   string `yaml:"path"`
	Length int64  `yaml:"length"`
	Hash   int64  `yaml:"hash"`
}

var checksumCmd = &cobra.Command{
	Use:   "checksum <dir> [files...]",
	Short: "Print the checksums the watchdog would broadcast for files",
	Long: `Print the length and hash of files as YAML. Without files every shared
file of the directory is listed. Missing files report -1 for both values.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ws, err := fs.New(fs.Config{Root: args[0], Ignore: cfg.Workspace.Ignore, Logger: slog.Default()})
		if err != nil {
			fatal("Error opening workspace", err)
		}

		entries, err := checksums(cmd.Context(), ws, args[1:])
		if err != nil {
			fatal("Error computing checksums", err)
		}

		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		if err := enc.Encode(entries); err != nil {
			fatal("Error encoding checksums", err)
		}
	},
}

func checksums(ctx context.Context, ws *fs.Workspace, files []string) ([]checksumEntry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(files) == 0 {
		listed, err := ws.Files(ctx)
		if err != nil {
			return nil, err
		}
		files = listed
	}

	entries := make([]checksumEntry, 0, len(files))
	for _, p := range files {
		p = core.CleanPath(p)
		content, err := ws.ReadFile(ctx, p)
		if errors.Is(err, core.ErrNotFound) {
			entries = append(entries, checksumEntry{Path: p, Length: core.NonExistingDoc, Hash: core.NonExistingDoc})
			continue
		}
		if err != nil {
			return nil, err
		}
		length, hash := watchdog.Checksum(content)
		entries = append(entries, checksumEntry{Path: p, Length: length, Hash: hash})
	}
	return entries, nil
}

func init() {
	rootCmd.AddCommand(checksumCmd)
}
