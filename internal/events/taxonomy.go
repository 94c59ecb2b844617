package events

import (
	"fmt"
	"strings"
)

// EntityType represents the canonical entity types in the sync system.
// Values double as local table names.
type EntityType string

// Action is the verb half of an event type.
type Action string

// Canonical entity types
const (
	EntityGroupings  EntityType = "groupings"
	EntityTags       EntityType = "tags"
	EntityContainers EntityType = "containers"
	EntityWorkItems  EntityType = "work_items"
	EntityReminders  EntityType = "reminders"
)

// Canonical actions
const (
	ActionCreated  Action = "created"
	ActionUpdated  Action = "updated"
	ActionDeleted  Action = "deleted"
	ActionRestored Action = "restored"
	ActionLinked   Action = "linked"
	ActionUnlinked Action = "unlinked"
)

// DependencyOrder lists entity types parents-first. Snapshot population and
// full rebuilds insert in this order.
var DependencyOrder = []EntityType{
	EntityGroupings,
	EntityTags,
	EntityContainers,
	EntityWorkItems,
	EntityReminders,
}

var singular = map[EntityType]string{
	EntityGroupings:  "grouping",
	EntityTags:       "tag",
	EntityContainers: "container",
	EntityWorkItems:  "work_item",
	EntityReminders:  "reminder",
}

// Relation describes a reference an entity can hold to another entity.
type Relation struct {
	Name    string
	Targets []EntityType
	// Column is the foreign-key column for single-valued relations.
	// Empty for tag links, which live in entity_tags.
	Column string
	Many   bool
}

// AllowsTarget reports whether target is a valid referent type.
func (r Relation) AllowsTarget(target EntityType) bool {
	for _, t := range r.Targets {
		if t == target {
			return true
		}
	}
	return false
}

// Relation names
const (
	RelContainer = "container"
	RelGrouping  = "grouping"
	RelTag       = "tag"
	RelParent    = "parent"
)

var relations = map[EntityType]map[string]Relation{
	EntityContainers: {
		RelGrouping: {Name: RelGrouping, Targets: []EntityType{EntityGroupings}, Column: "grouping_id"},
		RelTag:      {Name: RelTag, Targets: []EntityType{EntityTags}, Many: true},
	},
	EntityWorkItems: {
		RelContainer: {Name: RelContainer, Targets: []EntityType{EntityContainers}, Column: "container_id"},
		RelTag:       {Name: RelTag, Targets: []EntityType{EntityTags}, Many: true},
	},
	EntityReminders: {
		RelParent: {Name: RelParent, Targets: []EntityType{EntityContainers, EntityWorkItems, EntityGroupings}, Column: "parent_id"},
	},
}

// RelationFor returns the named relation for an entity type.
func RelationFor(et EntityType, name string) (Relation, bool) {
	r, ok := relations[et][name]
	return r, ok
}

// AllEntityTypes returns all valid entity types.
func AllEntityTypes() map[EntityType]bool {
	return map[EntityType]bool{
		EntityGroupings:  true,
		EntityTags:       true,
		EntityContainers: true,
		EntityWorkItems:  true,
		EntityReminders:  true,
	}
}

// AllActions returns all valid actions.
func AllActions() map[Action]bool {
	return map[Action]bool{
		ActionCreated:  true,
		ActionUpdated:  true,
		ActionDeleted:  true,
		ActionRestored: true,
		ActionLinked:   true,
		ActionUnlinked: true,
	}
}

// IsValidEntityType checks if the given entity type string is valid.
func IsValidEntityType(et string) bool {
	return AllEntityTypes()[EntityType(et)]
}

// NormalizeEntityType normalizes an entity type string to its canonical form.
// Handles singular, plural and hyphenated (REST resource) forms.
func NormalizeEntityType(entityType string) (EntityType, bool) {
	switch strings.ToLower(strings.ReplaceAll(entityType, "-", "_")) {
	case "grouping", "groupings", "arc", "arcs":
		return EntityGroupings, true
	case "tag", "tags":
		return EntityTags, true
	case "container", "containers", "stack", "stacks":
		return EntityContainers, true
	case "work_item", "work_items", "task", "tasks":
		return EntityWorkItems, true
	case "reminder", "reminders":
		return EntityReminders, true
	default:
		return "", false
	}
}

// Type is a full event discriminant such as "work_item.updated".
type Type string

// TypeOf builds the event type for an entity and action.
func TypeOf(et EntityType, a Action) Type {
	return Type(singular[et] + "." + string(a))
}

// ParseType splits an event type into its entity type and action.
func ParseType(t string) (EntityType, Action, error) {
	entity, action, ok := strings.Cut(t, ".")
	if !ok {
		return "", "", fmt.Errorf("malformed event type %q", t)
	}
	et, ok := NormalizeEntityType(entity)
	if !ok {
		return "", "", fmt.Errorf("unknown entity in event type %q", t)
	}
	a := Action(action)
	if !AllActions()[a] {
		return "", "", fmt.Errorf("unknown action in event type %q", t)
	}
	if (a == ActionLinked || a == ActionUnlinked) && len(relations[et]) == 0 {
		return "", "", fmt.Errorf("%s has no relations", et)
	}
	return et, a, nil
}
