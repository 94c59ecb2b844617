package events

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNormalizeEntityType(t *testing.T) {
	tests := []struct {
		input    string
		expected EntityType
		valid    bool
	}{
		{"container", EntityContainers, true},
		{"containers", EntityContainers, true},
		{"Stack", EntityContainers, true},
		{"work_item", EntityWorkItems, true},
		{"work-items", EntityWorkItems, true},
		{"TASK", EntityWorkItems, true},
		{"tag", EntityTags, true},
		{"reminders", EntityReminders, true},
		{"arc", EntityGroupings, true},
		{"groupings", EntityGroupings, true},

		{"", "", false},
		{"device", "", false},
		{"conflicts", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := NormalizeEntityType(tt.input)
			if ok != tt.valid {
				t.Fatalf("NormalizeEntityType(%q) valid = %v, want %v", tt.input, ok, tt.valid)
			}
			if got != tt.expected {
				t.Errorf("NormalizeEntityType(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestTypeOfRoundTrip(t *testing.T) {
	for et := range AllEntityTypes() {
		for a := range AllActions() {
			if (a == ActionLinked || a == ActionUnlinked) && len(relations[et]) == 0 {
				continue
			}
			typ := TypeOf(et, a)
			gotET, gotA, err := ParseType(string(typ))
			if err != nil {
				t.Fatalf("ParseType(%q): %v", typ, err)
			}
			if gotET != et || gotA != a {
				t.Errorf("ParseType(%q) = %s/%s, want %s/%s", typ, gotET, gotA, et, a)
			}
		}
	}
}

func TestParseTypeRejects(t *testing.T) {
	for _, s := range []string{"", "container", "container.exploded", "widget.created", "tag.linked"} {
		if _, _, err := ParseType(s); err == nil {
			t.Errorf("ParseType(%q): expected error", s)
		}
	}
}

func TestDecodeByDiscriminant(t *testing.T) {
	fields, err := Fields(map[string]any{"title": "Inbox"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		typ     Type
		payload Payload
		check   func(t *testing.T, p Payload)
	}{
		{
			name:    "create",
			typ:     TypeOf(EntityContainers, ActionCreated),
			payload: CreatePayload{Fields: fields},
			check: func(t *testing.T, p Payload) {
				cp, ok := p.(CreatePayload)
				if !ok {
					t.Fatalf("got %T, want CreatePayload", p)
				}
				if string(cp.Fields["title"]) != `"Inbox"` {
					t.Errorf("title = %s", cp.Fields["title"])
				}
			},
		},
		{
			name:    "patch with clear",
			typ:     TypeOf(EntityWorkItems, ActionUpdated),
			payload: PatchPayload{Set: fields, Clear: []string{"due_at"}},
			check: func(t *testing.T, p Payload) {
				pp, ok := p.(PatchPayload)
				if !ok {
					t.Fatalf("got %T, want PatchPayload", p)
				}
				if len(pp.Clear) != 1 || pp.Clear[0] != "due_at" {
					t.Errorf("clear = %v", pp.Clear)
				}
			},
		},
		{
			name:    "link",
			typ:     TypeOf(EntityWorkItems, ActionLinked),
			payload: LinkPayload{Relation: RelContainer, TargetID: "c1"},
			check: func(t *testing.T, p Payload) {
				lp, ok := p.(LinkPayload)
				if !ok {
					t.Fatalf("got %T, want LinkPayload", p)
				}
				if lp.Target(EntityWorkItems) != EntityContainers {
					t.Errorf("target = %q", lp.Target(EntityWorkItems))
				}
			},
		},
		{
			name:    "delete",
			typ:     TypeOf(EntityTags, ActionDeleted),
			payload: DeletePayload{},
			check: func(t *testing.T, p Payload) {
				if _, ok := p.(DeletePayload); !ok {
					t.Fatalf("got %T, want DeletePayload", p)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := MustEncode(tt.payload)
			_, _, p, err := Decode(string(tt.typ), raw)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			tt.check(t, p)
		})
	}
}

func TestDecodeRejectsNewerSchema(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"schema_version": SchemaVersion + 1, "data": map[string]any{}})
	_, _, _, err := Decode(string(TypeOf(EntityTags, ActionUpdated)), raw)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("err = %v, want ErrUnsupportedVersion", err)
	}
}

func TestDecodeRejectsBadLinkTarget(t *testing.T) {
	raw := MustEncode(LinkPayload{Relation: RelParent, TargetType: EntityTags, TargetID: "t1"})
	if _, _, _, err := Decode(string(TypeOf(EntityReminders, ActionLinked)), raw); err == nil {
		t.Fatal("expected error for reminder parent pointing at a tag")
	}
}

func TestDecodeLegacyPayloadWithoutEnvelope(t *testing.T) {
	_, _, p, err := Decode(string(TypeOf(EntityTags, ActionDeleted)), nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := p.(DeletePayload); !ok {
		t.Fatalf("got %T", p)
	}
}
