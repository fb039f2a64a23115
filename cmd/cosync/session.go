package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aretw0/cosync"
	changes "github.com/aretw0/cosync/pkg/adapters/lifecycle"
	"github.com/aretw0/cosync/pkg/core"
)

var (
	participant string
	sessionID   string
	hubURL      string
	redisURL    string
	readOnly    bool
	noWatch     bool
)

var hostCmd = &cobra.Command{
	Use:   "host [dir]",
	Short: "Host a session over a directory",
	Long: `Host a session over a directory. The host keeps the authoritative copy,
broadcasts document checksums and answers recovery requests.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runSession(cmd, args, true)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join [dir]",
	Short: "Join a session as a guest, replicating into a directory",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runSession(cmd, args, false)
	},
}

func runSession(cmd *cobra.Command, args []string, host bool) {
	cfg := loadConfig()

	dir := "."
	if len(args) > 0 {
		dir = args[0]
	} else if root, err := cosync.FindRoot(dir); err == nil {
		dir = root
	}

	opts := []cosync.Option{
		cosync.FromConfig(cfg),
		cosync.WithLogger(slog.Default()),
		cosync.WithHost(host),
	}
	flags := cmd.Flags()
	if flags.Changed("participant") {
		opts = append(opts, cosync.WithParticipant(participant))
	}
	if flags.Changed("session") {
		opts = append(opts, cosync.WithSessionID(sessionID))
	}
	if flags.Changed("hub") {
		opts = append(opts, cosync.WithHub(hubURL))
	}
	if flags.Changed("redis") {
		opts = append(opts, cosync.WithRedis(redisURL))
	}
	if readOnly {
		opts = append(opts, cosync.WithPermission(cosync.ReadOnlyAccess))
	}
	if noWatch {
		opts = append(opts, cosync.WithWatch(false))
	}

	inst, err := cosync.New(dir, opts...)
	if err != nil {
		fatal("Error initializing session", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := inst.Start(ctx); err != nil {
		fatal("Error starting session", err)
	}
	s := inst.Session
	slog.Info("session running", "session", s.ID(), "participant", s.Local().ID, "host", host, "dir", dir)

	if w, ok := inst.Workspace.(core.Watchable); ok {
		src := changes.NewSource(w, 0)
		if err := src.Start(ctx); err != nil {
			fatal("Error watching changes", err)
		}
		go func() {
			for e := range src.Events() {
				slog.Info("workspace change", "change", e)
			}
		}()
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inst.Stop(stopCtx); err != nil {
		fatal("Error stopping session", err)
	}
}

func init() {
	for _, cmd := range []*cobra.Command{hostCmd, joinCmd} {
		cmd.Flags().StringVarP(&participant, "participant", "p", "", "Participant ID (defaults to a random UUID)")
		cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session ID")
		cmd.Flags().StringVar(&hubURL, "hub", "", "Websocket hub URL")
		cmd.Flags().StringVar(&redisURL, "redis", "", "Redis URL, switches to the Redis transport")
		cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not watch the directory for external changes")
		rootCmd.AddCommand(cmd)
	}
	joinCmd.Flags().BoolVar(&readOnly, "read-only", false, "Join without write access")
}
