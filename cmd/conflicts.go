package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/marcus/dqsync/internal/actor"
	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/models"
	"github.com/marcus/dqsync/internal/output"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Short:   "List concurrent-edit conflicts",
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 || limit > 1000 {
			output.Error("limit must be between 1 and 1000")
			return fmt.Errorf("invalid limit: %d", limit)
		}
		all, _ := cmd.Flags().GetBool("all")

		database, err := db.Open(getBaseDir())
		if err != nil {
			output.Error("open database: %v", err)
			return err
		}
		defer database.Close()

		conflicts, err := db.ListConflicts(database.Conn(), all, limit)
		if err != nil {
			output.Error("query conflicts: %v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(conflicts)
		}
		if len(conflicts) == 0 {
			fmt.Println("No conflicts found.")
			return nil
		}
		for _, c := range conflicts {
			fmt.Println(output.FormatConflict(c))
		}
		return nil
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the differing fields of a conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseConflictID(args[0])
		if err != nil {
			return err
		}

		database, err := db.Open(getBaseDir())
		if err != nil {
			output.Error("open database: %v", err)
			return err
		}
		defer database.Close()

		c, err := db.GetConflict(database.Conn(), id)
		if err != nil {
			output.Error("read conflict: %v", err)
			return err
		}
		if c == nil {
			output.Error("conflict #%d not found", id)
			return fmt.Errorf("not found")
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(c)
		}

		rendered, err := output.RenderConflict(*c)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		fmt.Println(rendered)
		if c.Resolved {
			output.Info("Resolved: %s", c.Resolution)
		}
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Settle a conflict by keeping the local or the remote side",
	Long: `Keeping local leaves the replica as is; the local edits push normally.
Keeping remote records events that move the entity to the remote values.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseConflictID(args[0])
		if err != nil {
			return err
		}
		keep := cmd.Flag("keep").Value.(*keepValue).resolution()

		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		md := actor.Default()
		if err := a.orch.ResolveConflict(context.Background(), id, keep, &md); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Conflict #%d resolved (%s)", id, keep)
		return nil
	},
}

func parseConflictID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		output.Error("invalid conflict id %q", s)
		return 0, fmt.Errorf("invalid conflict id: %s", s)
	}
	return id, nil
}

// keepValue is the --keep flag: local or remote.
type keepValue string

var _ pflag.Value = (*keepValue)(nil)

func (k *keepValue) String() string { return string(*k) }

func (k *keepValue) Set(s string) error {
	switch s {
	case "local", "remote":
		*k = keepValue(s)
		return nil
	}
	return fmt.Errorf("must be local or remote, got %q", s)
}

func (k *keepValue) Type() string { return "local|remote" }

func (k *keepValue) resolution() models.Resolution {
	if *k == "remote" {
		return models.ResolutionKeepRemote
	}
	return models.ResolutionKeepLocal
}

func init() {
	rootCmd.AddCommand(conflictsCmd)
	conflictsCmd.Flags().Int("limit", 20, "Max conflicts to show")
	conflictsCmd.Flags().Bool("all", false, "Include resolved conflicts")
	conflictsCmd.Flags().Bool("json", false, "Output as JSON")

	conflictsShowCmd.Flags().Bool("json", false, "Output as JSON")
	conflictsCmd.AddCommand(conflictsShowCmd)

	keep := keepValue("")
	conflictsResolveCmd.Flags().Var(&keep, "keep", "Side to keep: local or remote")
	conflictsResolveCmd.MarkFlagRequired("keep")
	conflictsCmd.AddCommand(conflictsResolveCmd)
}
