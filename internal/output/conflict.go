package output

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/marcus/dqsync/internal/models"
)

const (
	defaultConflictWidth = 80
	minConflictWidth     = 20
)

// RenderConflict renders a conflict's field diff for the terminal. If the
// markdown renderer fails the plain markdown is returned, indented.
func RenderConflict(c models.Conflict) (string, error) {
	md, err := ConflictMarkdown(c)
	if err != nil {
		return "", err
	}
	out, err := renderMarkdown(md, terminalWidth())
	if err != nil {
		return IndentString(md, 2), nil
	}
	return out, nil
}

// terminalWidth reads the stdout width, then $COLUMNS, then the default.
func terminalWidth() int {
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}
	if cols, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && cols > 0 {
		return cols
	}
	return defaultConflictWidth
}

func renderMarkdown(text string, width int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(width, minConflictWidth)),
	)
	if err != nil {
		return "", err
	}
	rendered, err := renderer.Render(text)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(rendered, "\n"), nil
}

// ConflictMarkdown renders the differing fields of a conflict as a markdown
// table for RenderConflict. Fields equal on both sides are left out.
func ConflictMarkdown(c models.Conflict) (string, error) {
	var local, remote map[string]any
	if err := json.Unmarshal([]byte(c.LocalSnapshot), &local); err != nil {
		return "", fmt.Errorf("local snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(c.RemoteSnapshot), &remote); err != nil {
		return "", fmt.Errorf("remote snapshot: %w", err)
	}

	keys := make(map[string]bool, len(local)+len(remote))
	for k := range local {
		keys[k] = true
	}
	for k := range remote {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Conflict #%d: %s `%s`\n\n", c.ID, c.EntityType, c.EntityID)
	fmt.Fprintf(&sb, "Remote edit from `%s` at %s.\n\n", orDash(c.RemoteDeviceID), c.RemoteAt.UTC().Format(time.RFC3339))
	sb.WriteString("| field | local | remote |\n|---|---|---|\n")
	rows := 0
	for _, k := range sorted {
		lv, rv := cell(local[k]), cell(remote[k])
		if lv == rv {
			continue
		}
		fmt.Fprintf(&sb, "| %s | %s | %s |\n", k, lv, rv)
		rows++
	}
	if rows == 0 {
		sb.WriteString("| (none) | | |\n")
	}
	return sb.String(), nil
}

func cell(v any) string {
	if v == nil {
		return "-"
	}
	var s string
	switch x := v.(type) {
	case string:
		s = x
	default:
		b, _ := json.Marshal(x)
		s = string(b)
	}
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, "|", `\|`)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
