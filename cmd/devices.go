package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/output"
	"github.com/marcus/dqsync/internal/registry"
	"github.com/marcus/dqsync/internal/syncconfig"
)

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Short:   "List devices seen on this account",
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.Open(getBaseDir())
		if err != nil {
			output.Error("open database: %v", err)
			return err
		}
		defer database.Close()

		self, err := syncconfig.GetDeviceID()
		if err != nil {
			output.Error("get device id: %v", err)
			return err
		}

		devices, err := registry.New(database).List(context.Background())
		if err != nil {
			output.Error("list devices: %v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(devices)
		}
		if len(devices) == 0 {
			fmt.Println("No devices registered yet (run: dqsync sync)")
			return nil
		}
		for _, d := range devices {
			fmt.Println(output.FormatDevice(d, d.ID == self))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.Flags().Bool("json", false, "Output as JSON")
}
