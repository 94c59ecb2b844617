package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SchemaVersion is the payload envelope version written by this client.
const SchemaVersion = 1

// ErrUnsupportedVersion is returned for payloads written by a newer schema.
var ErrUnsupportedVersion = errors.New("unsupported payload schema version")

// Payload is the sum type over every event body. Exactly one concrete type
// exists per Action; Decode picks it from the discriminant.
type Payload interface {
	action() Action
}

// CreatePayload carries the initial field values of a new entity.
type CreatePayload struct {
	Fields map[string]json.RawMessage `json:"fields"`
}

// PatchPayload overwrites only the fields present in Set. A JSON null in
// Set means "unchanged"; fields are emptied only when listed in Clear.
type PatchPayload struct {
	Set   map[string]json.RawMessage `json:"set,omitempty"`
	Clear []string                   `json:"clear,omitempty"`
}

// DeletePayload soft-deletes an entity.
type DeletePayload struct{}

// RestorePayload reverses a soft delete.
type RestorePayload struct{}

// LinkPayload wires or unwires a relationship.
type LinkPayload struct {
	Relation   string     `json:"relation"`
	TargetType EntityType `json:"target_type"`
	TargetID   string     `json:"target_id"`
}

func (CreatePayload) action() Action  { return ActionCreated }
func (PatchPayload) action() Action   { return ActionUpdated }
func (DeletePayload) action() Action  { return ActionDeleted }
func (RestorePayload) action() Action { return ActionRestored }
func (LinkPayload) action() Action    { return ActionLinked }

// Matches reports whether p is the payload type for action a.
func Matches(p Payload, a Action) bool {
	if p == nil {
		return false
	}
	if a == ActionUnlinked {
		return p.action() == ActionLinked
	}
	return p.action() == a
}

// PayloadFor returns the empty payload for actions that carry no data.
func PayloadFor(a Action) (Payload, bool) {
	switch a {
	case ActionCreated:
		return CreatePayload{}, true
	case ActionUpdated:
		return PatchPayload{}, true
	case ActionDeleted:
		return DeletePayload{}, true
	case ActionRestored:
		return RestorePayload{}, true
	}
	return nil, false
}

type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Data          json.RawMessage `json:"data"`
}

// Encode wraps a payload in the versioned envelope.
func Encode(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(envelope{SchemaVersion: SchemaVersion, Data: data})
}

// MustEncode is Encode for payloads known to marshal, such as literals in tests.
func MustEncode(p Payload) []byte {
	b, err := Encode(p)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses raw using the event type as discriminant. Legacy payloads
// without an envelope are accepted as version 0.
func Decode(eventType string, raw []byte) (EntityType, Action, Payload, error) {
	et, action, err := ParseType(eventType)
	if err != nil {
		return "", "", nil, err
	}

	var env envelope
	data := json.RawMessage(raw)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return "", "", nil, fmt.Errorf("decode %s envelope: %w", eventType, err)
		}
		if env.SchemaVersion > SchemaVersion {
			return "", "", nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.SchemaVersion)
		}
		if env.Data != nil {
			data = env.Data
		}
	}

	var p Payload
	switch action {
	case ActionCreated:
		var cp CreatePayload
		err = unmarshalOptional(data, &cp)
		p = cp
	case ActionUpdated:
		var pp PatchPayload
		err = unmarshalOptional(data, &pp)
		p = pp
	case ActionDeleted:
		p = DeletePayload{}
	case ActionRestored:
		p = RestorePayload{}
	case ActionLinked, ActionUnlinked:
		var lp LinkPayload
		err = unmarshalOptional(data, &lp)
		if err == nil {
			err = validateLink(et, lp)
		}
		p = lp
	}
	if err != nil {
		return "", "", nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return et, action, p, nil
}

func unmarshalOptional(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

func validateLink(et EntityType, lp LinkPayload) error {
	rel, ok := RelationFor(et, lp.Relation)
	if !ok {
		return fmt.Errorf("%s has no relation %q", et, lp.Relation)
	}
	if lp.TargetID == "" {
		return fmt.Errorf("relation %q: empty target id", lp.Relation)
	}
	if lp.TargetType == "" && len(rel.Targets) == 1 {
		return nil
	}
	if !rel.AllowsTarget(lp.TargetType) {
		return fmt.Errorf("relation %q cannot target %q", lp.Relation, lp.TargetType)
	}
	return nil
}

// Target returns the referent type, filling in the only legal type when the
// payload left it out.
func (lp LinkPayload) Target(et EntityType) EntityType {
	if lp.TargetType != "" {
		return lp.TargetType
	}
	if rel, ok := RelationFor(et, lp.Relation); ok && len(rel.Targets) == 1 {
		return rel.Targets[0]
	}
	return ""
}

// Fields builds a raw field map from plain Go values.
func Fields(kv map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(kv))
	for k, v := range kv {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}
