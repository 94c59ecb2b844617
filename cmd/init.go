package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/output"
	"github.com/marcus/dqsync/internal/syncconfig"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Create an empty local replica",
	Long:    `Creates the .dequeue directory and its SQLite replica. The first connect fills it from the server.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := getBaseDir()

		if _, err := os.Stat(filepath.Join(dir, ".dequeue", "replica.db")); err == nil {
			output.Warning(".dequeue/ already exists")
			return nil
		}

		database, err := db.Initialize(dir)
		if err != nil {
			output.Error("failed to initialize replica: %v", err)
			return err
		}
		defer database.Close()

		fmt.Println("INITIALIZED .dequeue/")

		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			output.Error("get device id: %v", err)
			return err
		}
		fmt.Printf("Device: %s\n", deviceID)
		if !syncconfig.IsAuthenticated() {
			output.Info("Set DQ_TOKEN (or write auth.json) and run 'dqsync sync' to bootstrap")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
