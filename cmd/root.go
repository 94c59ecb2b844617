package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/marcus/dqsync/internal/syncconfig"
)

var (
	version string
	baseDir string
	debug   bool

	logSink io.Closer
)

// SetVersion sets the version string
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "dqsync",
	Short: "Offline-first sync engine for Dequeue replicas",
	Long: `dqsync - keeps a local Dequeue replica (stacks, tasks, tags, reminders, arcs)
in sync with the server through an append-only event log.

Local edits are recorded as events and projected immediately; the daemon
pushes them, pulls remote events and settles concurrent edits.`,
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logSink != nil {
			logSink.Close()
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initEnv, initBaseDir, initLogging)

	rootCmd.PersistentFlags().StringVarP(&baseDir, "dir", "C", "", "Directory holding the .dequeue replica (default: working directory)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Write debug-level breadcrumbs to the log file")

	rootCmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Core Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)

	rootCmd.SetHelpCommandGroupID("system")
	rootCmd.SetCompletionCommandGroupID("system")
}

// initEnv loads .env files before any setting is read.
func initEnv() {
	if err := syncconfig.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

func initBaseDir() {
	if baseDir != "" {
		return
	}
	var err error
	baseDir, err = os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot determine working directory: %v\n", err)
		os.Exit(1)
	}
}

// initLogging routes slog breadcrumbs to a rotating file so they never mix
// with command output.
func initLogging() {
	level := slog.LevelInfo
	if debug || os.Getenv("DQ_DEBUG") != "" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	path, err := syncconfig.LogPath()
	if err != nil {
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, opts)))
		return
	}
	lc := syncconfig.GetLogConfig()
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAgeDays,
		Compress:   lc.Compress,
	}
	logSink = sink
	slog.SetDefault(slog.New(slog.NewTextHandler(sink, opts)))
}

// getBaseDir returns the directory holding the replica
func getBaseDir() string {
	return baseDir
}
