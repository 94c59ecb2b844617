package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/marcus/dqsync/internal/actor"
	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/output"
)

var recordCmd = &cobra.Command{
	Use:   "record <event-type> [entity-id]",
	Short: "Record a local edit as an event",
	Long: `Records one local mutation and projects it onto the replica immediately.
The event is pushed on the next sync.

Event types are <entity>.<action>, e.g. container.created, work_item.updated,
tag.deleted, work_item.linked. A created entity gets a fresh id when none is given.

Field values are parsed as JSON when possible, otherwise taken as strings.

Examples:
  dqsync record container.created --set title=Groceries --set sort_order=1
  dqsync record work_item.updated w1 --set title="Buy milk" --clear notes
  dqsync record work_item.linked w1 --relation container --target c1
  dqsync record tag.deleted t3 --actor agent:cleanup`,
	GroupID: "core",
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType := events.Type(args[0])
		_, action, err := events.ParseType(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		var entityID string
		if len(args) > 1 {
			entityID = args[1]
		} else if action == events.ActionCreated {
			entityID = uuid.NewString()
		} else {
			output.Error("%s needs an entity id", eventType)
			return fmt.Errorf("missing entity id")
		}

		sets, _ := cmd.Flags().GetStringArray("set")
		clears, _ := cmd.Flags().GetStringSlice("clear")
		relation, _ := cmd.Flags().GetString("relation")
		target, _ := cmd.Flags().GetString("target")
		payload, err := buildPayload(action, sets, clears, relation, target)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		var md *actor.Metadata
		if s, _ := cmd.Flags().GetString("actor"); s != "" {
			m, ok := actor.Parse(s)
			if !ok {
				output.Error("invalid actor %q (want human, agent or agent:<id>)", s)
				return fmt.Errorf("invalid actor")
			}
			md = &m
		}

		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		jsonOut, _ := cmd.Flags().GetBool("json")
		ev, err := a.orch.Recorder().Record(context.Background(), eventType, entityID, payload, md)
		if err != nil {
			reportError(jsonOut, err)
			return err
		}

		if jsonOut {
			return output.JSON(ev)
		}
		output.Success("%s", output.FormatEvent(ev))
		return nil
	},
}

// buildPayload assembles the payload for an action from command-line flags.
// Delete and restore carry none.
func buildPayload(action events.Action, sets, clears []string, relation, target string) (events.Payload, error) {
	switch action {
	case events.ActionCreated:
		if len(clears) > 0 {
			return nil, fmt.Errorf("--clear is only valid for updates")
		}
		fields, err := parseAssignments(sets)
		if err != nil {
			return nil, err
		}
		return events.CreatePayload{Fields: fields}, nil

	case events.ActionUpdated:
		fields, err := parseAssignments(sets)
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 && len(clears) == 0 {
			return nil, fmt.Errorf("an update needs --set or --clear")
		}
		return events.PatchPayload{Set: fields, Clear: clears}, nil

	case events.ActionLinked, events.ActionUnlinked:
		if relation == "" || target == "" {
			return nil, fmt.Errorf("links need --relation and --target")
		}
		return events.LinkPayload{Relation: relation, TargetID: target}, nil
	}
	if len(sets) > 0 || len(clears) > 0 {
		return nil, fmt.Errorf("%s takes no fields", action)
	}
	return nil, nil
}

// parseAssignments turns key=value pairs into raw JSON field values.
func parseAssignments(pairs []string) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage, len(pairs))
	for _, p := range pairs {
		key, val, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q (want key=value)", p)
		}
		if json.Valid([]byte(val)) {
			fields[key] = json.RawMessage(val)
			continue
		}
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		fields[key] = b
	}
	return fields, nil
}

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.Flags().StringArray("set", nil, "Field assignment key=value (repeatable)")
	recordCmd.Flags().StringSlice("clear", nil, "Fields to empty on update")
	recordCmd.Flags().String("relation", "", "Relation name for link events")
	recordCmd.Flags().String("target", "", "Target entity id for link events")
	recordCmd.Flags().String("actor", "", "Attribute the event: human, agent or agent:<id>")
	recordCmd.Flags().Bool("json", false, "Output the recorded event as JSON")
}
