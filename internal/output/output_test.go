package output

import (
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/term"

	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/models"
)

// TestFormatTimeAgo covers each bucket of the relative formatter
func TestFormatTimeAgo(t *testing.T) {
	tests := []struct {
		ago      time.Duration
		expected string
	}{
		{0, "just now"},
		{59 * time.Second, "just now"},
		{1 * time.Minute, "1m ago"},
		{59 * time.Minute, "59m ago"},
		{1 * time.Hour, "1h ago"},
		{23 * time.Hour, "23h ago"},
		{24 * time.Hour, "1d ago"},
		{6 * 24 * time.Hour, "6d ago"},
	}
	for _, tc := range tests {
		if got := FormatTimeAgo(time.Now().Add(-tc.ago)); got != tc.expected {
			t.Errorf("FormatTimeAgo(-%v) = %q, want %q", tc.ago, got, tc.expected)
		}
	}
}

func TestFormatTimeAgoDate(t *testing.T) {
	tm := time.Now().Add(-30 * 24 * time.Hour)
	if got := FormatTimeAgo(tm); got != tm.Format("2006-01-02") {
		t.Errorf("FormatTimeAgo(30 days) = %q", got)
	}
}

func TestFormatSyncState(t *testing.T) {
	for _, s := range []models.SyncState{models.SyncPending, models.SyncSynced, models.SyncConflict, "weird"} {
		if got := FormatSyncState(s); !strings.Contains(got, string(s)) {
			t.Errorf("FormatSyncState(%q) = %q", s, got)
		}
	}
}

func TestFormatEvent(t *testing.T) {
	ev := events.Event{
		Type:      "work_item.updated",
		EntityID:  "w-1",
		Revision:  3,
		ActorType: models.ActorAgent,
		ActorID:   "reconcile",
		Timestamp: time.Now(),
		SyncState: models.SyncPending,
	}
	got := FormatEvent(ev)
	for _, want := range []string{"work_item.updated", "w-1", "r3", "agent:reconcile", "just now", "pending"} {
		if !strings.Contains(got, want) {
			t.Errorf("FormatEvent missing %q: %s", want, got)
		}
	}
}

func TestFormatConflict(t *testing.T) {
	c := models.Conflict{ID: 7, EntityType: "containers", EntityID: "c1", LocalRevision: 3, RemoteRevision: 4, RemoteDeviceID: "dev-b"}
	got := FormatConflict(c)
	for _, want := range []string{"#7", "containers/c1", "local r3 vs remote r4", "dev-b", "open"} {
		if !strings.Contains(got, want) {
			t.Errorf("FormatConflict missing %q: %s", want, got)
		}
	}
	c.Resolved, c.Resolution = true, models.ResolutionKeepRemote
	if got := FormatConflict(c); !strings.Contains(got, "keep_remote") {
		t.Errorf("resolved conflict: %s", got)
	}
}

func TestConflictMarkdownListsOnlyDifferences(t *testing.T) {
	c := models.Conflict{
		ID:             2,
		EntityType:     "work_items",
		EntityID:       "w1",
		LocalSnapshot:  `{"title":"call mum","detail":"a|b","sort_order":1,"tag_ids":["t1"]}`,
		RemoteSnapshot: `{"title":"call dad","detail":"a|b","sort_order":2,"tag_ids":["t1"]}`,
		RemoteAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	md, err := ConflictMarkdown(c)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(md, "| title | call mum | call dad |") {
		t.Errorf("missing title row:\n%s", md)
	}
	if !strings.Contains(md, "| sort_order | 1 | 2 |") {
		t.Errorf("missing sort_order row:\n%s", md)
	}
	if strings.Contains(md, "| detail ") || strings.Contains(md, "| tag_ids ") {
		t.Errorf("equal fields should be omitted:\n%s", md)
	}
	if !strings.Contains(md, "2026-03-01T12:00:00Z") {
		t.Errorf("missing remote time:\n%s", md)
	}

	c.LocalSnapshot = "not json"
	if _, err := ConflictMarkdown(c); err == nil {
		t.Error("expected error for bad snapshot")
	}
}

func TestFormatDevice(t *testing.T) {
	d := models.Device{ID: "dev-a", Name: "laptop", Platform: "linux", LastActiveAt: time.Now()}
	got := FormatDevice(d, true)
	for _, want := range []string{"laptop (dev-a)", "linux", "just now", "this device"} {
		if !strings.Contains(got, want) {
			t.Errorf("FormatDevice missing %q: %s", want, got)
		}
	}
	if strings.Contains(FormatDevice(d, false), "this device") {
		t.Error("non-self device marked as self")
	}
}

func TestSectionHeader(t *testing.T) {
	if got := SectionHeader("pending"); got != "\nPENDING:\n" {
		t.Errorf("SectionHeader = %q", got)
	}
}

func TestIndentString(t *testing.T) {
	if got := IndentString("a\nb", 2); got != "  a\n  b" {
		t.Errorf("IndentString = %q", got)
	}
	if got := IndentString("", 4); got != "" {
		t.Errorf("IndentString(empty) = %q", got)
	}
}

func TestRenderMarkdownBlank(t *testing.T) {
	out, err := renderMarkdown("   ", 40)
	if err != nil || out != "" {
		t.Errorf("renderMarkdown(blank) = %q, %v", out, err)
	}
}

func TestTerminalWidthFromColumns(t *testing.T) {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		t.Skip("stdout is a terminal")
	}
	t.Setenv("COLUMNS", "132")
	if got := terminalWidth(); got != 132 {
		t.Errorf("terminalWidth() = %d, want 132", got)
	}
}
