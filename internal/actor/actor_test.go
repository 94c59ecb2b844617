package actor

import (
	"testing"

	"github.com/marcus/dqsync/internal/models"
)

func TestMetadataString(t *testing.T) {
	tests := []struct {
		name     string
		md       Metadata
		expected string
	}{
		{"human", Human(), "human"},
		{"agent with id", Agent("reconcile"), "agent:reconcile"},
		{"agent without id", Metadata{Type: models.ActorAgent}, "agent"},
		{"special chars sanitized", Agent("my/agent:1"), "agent:my_agent_1"},
		{"long id truncated", Agent("this-is-a-very-long-agent-id-that-exceeds-limit"), "agent:this-is-a-very-long-agent-id-tha"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.md.String(); got != tt.expected {
				t.Errorf("String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  Metadata
		ok    bool
	}{
		{"human", Human(), true},
		{"HUMAN", Human(), true},
		{"agent", Metadata{Type: models.ActorAgent}, true},
		{"agent:codex", Agent("codex"), true},
		{" agent:ci ", Agent("ci"), true},
		{"robot", Metadata{}, false},
		{"", Metadata{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Parse(%q) = %+v, %v; want %+v, %v", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestDefaultHonoursOverride(t *testing.T) {
	t.Setenv("DQ_ACTOR", "agent:ci")
	if got := Default(); got != Agent("ci") {
		t.Errorf("Default() = %+v, want agent:ci", got)
	}

	t.Setenv("DQ_ACTOR", "human")
	if got := Default(); got.Type != models.ActorHuman {
		t.Errorf("Default() = %+v, want human", got)
	}
}

func TestMatchAgent(t *testing.T) {
	tests := []struct {
		process string
		want    string
	}{
		{"claude", "claude-code"},
		{"/Applications/Cursor.app/Contents/MacOS/Cursor", "cursor"},
		{"codex-cli", "codex"},
		{"zsh", ""},
		{"bash", ""},
	}
	for _, tt := range tests {
		if got := matchAgent(tt.process); got != tt.want {
			t.Errorf("matchAgent(%q) = %q, want %q", tt.process, got, tt.want)
		}
	}
}
