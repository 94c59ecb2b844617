// Package reconcile merges duplicate entities that appear when several
// devices create "the same" tag or stack while offline.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/marcus/dqsync/internal/actor"
	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/events"
)

// EventRecorder records local events inside a caller-owned transaction.
// *sync.Recorder implements it.
type EventRecorder interface {
	RecordTx(tx *sql.Tx, eventType events.Type, entityID string, payload events.Payload, md *actor.Metadata) (events.Event, error)
}

// Actor attributes every reconciliation event.
var Actor = actor.Agent("reconcile")

// Report summarises one run.
type Report struct {
	TagGroups       int
	ContainerGroups int
	Merged          int // duplicates soft-deleted
	Events          int // events recorded
}

// Runner finds duplicate groups and merges each into its canonical entity.
type Runner struct {
	store    *db.DB
	recorder EventRecorder
}

// New creates a runner.
func New(store *db.DB, recorder EventRecorder) *Runner {
	return &Runner{store: store, recorder: recorder}
}

// candidate is a live entity considered for merging.
type candidate struct {
	id      string
	created time.Time
}

// group is a set of duplicates; the first member is canonical.
type group []candidate

func canonicalFirst(g group) group {
	sort.Slice(g, func(i, j int) bool {
		if !g[i].created.Equal(g[j].created) {
			return g[i].created.Before(g[j].created)
		}
		return g[i].id < g[j].id
	})
	return g
}

// Run merges duplicate tags, then duplicate containers. Each group commits in
// its own transaction; rerunning after success finds nothing to do.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	var rep Report

	tagGroups, err := r.duplicateTags()
	if err != nil {
		return rep, err
	}
	for _, g := range tagGroups {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		n, merged, err := r.mergeGroup(ctx, g, r.mergeTag)
		if err != nil {
			return rep, fmt.Errorf("merge tags into %s: %w", g[0].id, err)
		}
		rep.TagGroups++
		rep.Events += n
		rep.Merged += merged
	}

	containerGroups, err := r.duplicateContainers()
	if err != nil {
		return rep, err
	}
	for _, g := range containerGroups {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		n, merged, err := r.mergeGroup(ctx, g, r.mergeContainer)
		if err != nil {
			return rep, fmt.Errorf("merge containers into %s: %w", g[0].id, err)
		}
		rep.ContainerGroups++
		rep.Events += n
		rep.Merged += merged
	}

	if rep.Merged > 0 {
		slog.Info("reconcile complete", "tag_groups", rep.TagGroups, "container_groups", rep.ContainerGroups,
			"merged", rep.Merged, "events", rep.Events)
	}
	return rep, nil
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func groupsOf(keys []string, members map[string]group) []group {
	var out []group
	for _, k := range keys {
		if g := members[k]; len(g) > 1 {
			out = append(out, canonicalFirst(g))
		}
	}
	return out
}

func (r *Runner) duplicateTags() ([]group, error) {
	tags, err := db.ListTags(r.store.Conn(), false)
	if err != nil {
		return nil, err
	}
	members := map[string]group{}
	var keys []string
	for _, t := range tags {
		k := normalizeKey(t.Name)
		if k == "" {
			continue
		}
		if _, ok := members[k]; !ok {
			keys = append(keys, k)
		}
		members[k] = append(members[k], candidate{id: t.ID, created: t.CreatedAt})
	}
	return groupsOf(keys, members), nil
}

func (r *Runner) duplicateContainers() ([]group, error) {
	containers, err := db.ListContainers(r.store.Conn(), false)
	if err != nil {
		return nil, err
	}
	members := map[string]group{}
	var keys []string
	for _, c := range containers {
		title := normalizeKey(c.Title)
		if title == "" {
			continue
		}
		k := c.GroupingID + "\x00" + title
		if _, ok := members[k]; !ok {
			keys = append(keys, k)
		}
		members[k] = append(members[k], candidate{id: c.ID, created: c.CreatedAt})
	}
	return groupsOf(keys, members), nil
}

type mergeFunc func(tx *sql.Tx, canonical, dup string) (int, error)

// mergeGroup folds every duplicate into the canonical member in one
// transaction. Members deleted since the scan are skipped.
func (r *Runner) mergeGroup(ctx context.Context, g group, merge mergeFunc) (int, int, error) {
	recorded, merged := 0, 0
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		recorded, merged = 0, 0
		for _, dup := range g[1:] {
			n, err := merge(tx, g[0].id, dup.id)
			if err != nil {
				return err
			}
			if n > 0 {
				merged++
			}
			recorded += n
		}
		return nil
	})
	return recorded, merged, err
}

func (r *Runner) record(tx *sql.Tx, t events.Type, id string, p events.Payload) error {
	md := Actor
	_, err := r.recorder.RecordTx(tx, t, id, p, &md)
	return err
}

func live(tx *sql.Tx, table, id string) (bool, error) {
	m, err := db.GetMeta(tx, table, id)
	if err != nil {
		return false, err
	}
	return m != nil && !m.IsDeleted, nil
}

// mergeTag moves every link from dup to canonical, then deletes dup.
func (r *Runner) mergeTag(tx *sql.Tx, canonical, dup string) (int, error) {
	ok, err := live(tx, "tags", dup)
	if err != nil || !ok {
		return 0, err
	}

	links, err := db.TagLinksFor(tx, dup)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, l := range links {
		et := events.EntityType(l.EntityType)
		unlink := events.LinkPayload{Relation: events.RelTag, TargetType: events.EntityTags, TargetID: dup}
		if err := r.record(tx, events.TypeOf(et, events.ActionUnlinked), l.EntityID, unlink); err != nil {
			return n, err
		}
		n++

		current, err := db.TagIDs(tx, l.EntityType, l.EntityID)
		if err != nil {
			return n, err
		}
		if contains(current, canonical) {
			continue
		}
		link := events.LinkPayload{Relation: events.RelTag, TargetType: events.EntityTags, TargetID: canonical}
		if err := r.record(tx, events.TypeOf(et, events.ActionLinked), l.EntityID, link); err != nil {
			return n, err
		}
		n++
	}

	if err := r.record(tx, events.TypeOf(events.EntityTags, events.ActionDeleted), dup, nil); err != nil {
		return n, err
	}
	slog.Debug("reconcile: merged tag", "dup", dup, "into", canonical, "links", len(links))
	return n + 1, nil
}

// mergeContainer re-points work items, reminders and tags from dup to
// canonical, then deletes dup.
func (r *Runner) mergeContainer(tx *sql.Tx, canonical, dup string) (int, error) {
	ok, err := live(tx, "containers", dup)
	if err != nil || !ok {
		return 0, err
	}
	n := 0

	items, err := db.ReferencingIDs(tx, "work_items", "container_id", dup)
	if err != nil {
		return n, err
	}
	for _, id := range items {
		move := events.LinkPayload{Relation: events.RelContainer, TargetType: events.EntityContainers, TargetID: canonical}
		if err := r.record(tx, events.TypeOf(events.EntityWorkItems, events.ActionLinked), id, move); err != nil {
			return n, err
		}
		n++
	}

	reminders, err := db.ReferencingIDs(tx, "reminders", "parent_id", dup)
	if err != nil {
		return n, err
	}
	for _, id := range reminders {
		rem, err := db.GetReminder(tx, id)
		if err != nil {
			return n, err
		}
		if rem == nil || rem.ParentType != string(events.EntityContainers) {
			continue
		}
		attach := events.LinkPayload{Relation: events.RelParent, TargetType: events.EntityContainers, TargetID: canonical}
		if err := r.record(tx, events.TypeOf(events.EntityReminders, events.ActionLinked), id, attach); err != nil {
			return n, err
		}
		n++
	}

	dupTags, err := db.TagIDs(tx, "containers", dup)
	if err != nil {
		return n, err
	}
	canonTags, err := db.TagIDs(tx, "containers", canonical)
	if err != nil {
		return n, err
	}
	for _, tag := range dupTags {
		if contains(canonTags, tag) {
			continue
		}
		link := events.LinkPayload{Relation: events.RelTag, TargetType: events.EntityTags, TargetID: tag}
		if err := r.record(tx, events.TypeOf(events.EntityContainers, events.ActionLinked), canonical, link); err != nil {
			return n, err
		}
		n++
	}

	if err := r.record(tx, events.TypeOf(events.EntityContainers, events.ActionDeleted), dup, nil); err != nil {
		return n, err
	}
	slog.Debug("reconcile: merged container", "dup", dup, "into", canonical, "work_items", len(items))
	return n + 1, nil
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
