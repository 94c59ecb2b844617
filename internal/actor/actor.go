// Package actor decides who an event is attributed to: a human at the
// keyboard or an automated agent driving the CLI.
package actor

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/marcus/dqsync/internal/models"
)

// Metadata tags an event with its producer.
type Metadata struct {
	Type models.ActorType
	ID   string // optional; agent name or explicit override
}

// Human returns human metadata with no id.
func Human() Metadata {
	return Metadata{Type: models.ActorHuman}
}

// Agent returns agent metadata for a named automation.
func Agent(id string) Metadata {
	return Metadata{Type: models.ActorAgent, ID: id}
}

// String renders "human" or "agent:<id>".
func (m Metadata) String() string {
	if m.ID == "" {
		return string(m.Type)
	}
	return fmt.Sprintf("%s:%s", m.Type, sanitize(m.ID))
}

// sanitize keeps ids printable and short.
func sanitize(s string) string {
	result := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '_'
	}, s)
	if len(result) > 32 {
		result = result[:32]
	}
	return result
}

// agentPatterns maps process name substrings to agent ids
var agentPatterns = map[string]string{
	"claude":   "claude-code",
	"cursor":   "cursor",
	"codex":    "codex",
	"windsurf": "windsurf",
	"aider":    "aider",
	"copilot":  "copilot",
	"gemini":   "gemini",
}

// Cache the process tree walk (won't change during process lifetime)
var (
	cachedAncestor     string
	cachedAncestorOnce sync.Once
)

// Default returns the metadata for events recorded without an explicit actor.
// DQ_ACTOR=human|agent[:id] overrides detection; otherwise the process
// ancestry is checked for a known agent and everything else is human.
func Default() Metadata {
	if v := os.Getenv("DQ_ACTOR"); v != "" {
		if m, ok := Parse(v); ok {
			return m
		}
	}

	cachedAncestorOnce.Do(func() {
		cachedAncestor = detectAgentAncestor()
	})
	if cachedAncestor != "" {
		return Agent(cachedAncestor)
	}
	return Human()
}

// Parse reads "human", "agent" or "agent:<id>".
func Parse(s string) (Metadata, bool) {
	kind, id, _ := strings.Cut(strings.TrimSpace(s), ":")
	switch strings.ToLower(kind) {
	case string(models.ActorHuman):
		return Metadata{Type: models.ActorHuman, ID: id}, true
	case string(models.ActorAgent):
		return Metadata{Type: models.ActorAgent, ID: id}, true
	}
	return Metadata{}, false
}

// detectAgentAncestor walks up the process tree looking for known agent processes
func detectAgentAncestor() string {
	pid := os.Getppid()

	for depth := 0; depth < 15; depth++ {
		name, ppid, err := getProcessInfo(pid)
		if err != nil {
			break
		}
		if id := matchAgent(name); id != "" {
			return id
		}
		if ppid <= 1 {
			break
		}
		pid = ppid
	}
	return ""
}

func matchAgent(processName string) string {
	nameLower := strings.ToLower(processName)
	for pattern, id := range agentPatterns {
		if strings.Contains(nameLower, pattern) {
			return id
		}
	}
	return ""
}

// getProcessInfo returns process name and parent PID for a given PID
func getProcessInfo(pid int) (name string, ppid int, err error) {
	out, err := exec.Command("ps", "-o", "ppid=,comm=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return "", 0, err
	}

	line := strings.TrimSpace(string(out))
	if line == "" {
		return "", 0, fmt.Errorf("process not found: %d", pid)
	}

	parts := strings.Fields(line)
	if len(parts) < 2 {
		return "", 0, fmt.Errorf("unexpected ps output: %s", line)
	}

	ppid, err = strconv.Atoi(parts[0])
	if err != nil {
		return "", 0, err
	}

	// Join remaining parts as command name (may contain spaces)
	name = strings.Join(parts[1:], " ")
	return name, ppid, nil
}
