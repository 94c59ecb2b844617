package db

import (
	"database/sql"
	"fmt"

	"github.com/marcus/dqsync/internal/models"
)

// queryList runs query and scans every row with scan.
func queryList[T any](q Querier, query string, scan func(scanner) (T, error), args ...any) ([]T, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func queryOne[T any](q Querier, query string, scan func(scanner) (T, error), args ...any) (*T, error) {
	v, err := scan(q.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func deletedFilter(includeDeleted bool) string {
	if includeDeleted {
		return ""
	}
	return " WHERE is_deleted = 0"
}

const groupingSelect = `SELECT ` + metaSelect + `, title, COALESCE(detail, ''), status, sort_order FROM groupings`

func scanGrouping(s scanner) (models.Grouping, error) {
	var g models.Grouping
	ms := newMetaScan(&g.Meta)
	var status string
	if err := s.Scan(append(ms.dest(), &g.Title, &g.Detail, &status, &g.SortOrder)...); err != nil {
		return g, err
	}
	g.Status = models.Status(status)
	return g, ms.finish()
}

// GetGrouping returns a grouping by id, or nil.
func GetGrouping(q Querier, id string) (*models.Grouping, error) {
	g, err := queryOne(q, groupingSelect+` WHERE id = ?`, scanGrouping, id)
	if err != nil {
		return nil, fmt.Errorf("get grouping %s: %w", id, err)
	}
	return g, nil
}

// ListGroupings returns groupings in display order.
func ListGroupings(q Querier, includeDeleted bool) ([]models.Grouping, error) {
	gs, err := queryList(q, groupingSelect+deletedFilter(includeDeleted)+` ORDER BY sort_order, created_at, id`, scanGrouping)
	if err != nil {
		return nil, fmt.Errorf("list groupings: %w", err)
	}
	return gs, nil
}

const tagSelect = `SELECT ` + metaSelect + `, name, COALESCE(color, '') FROM tags`

func scanTag(s scanner) (models.Tag, error) {
	var t models.Tag
	ms := newMetaScan(&t.Meta)
	if err := s.Scan(append(ms.dest(), &t.Name, &t.Color)...); err != nil {
		return t, err
	}
	return t, ms.finish()
}

// GetTag returns a tag by id, or nil.
func GetTag(q Querier, id string) (*models.Tag, error) {
	t, err := queryOne(q, tagSelect+` WHERE id = ?`, scanTag, id)
	if err != nil {
		return nil, fmt.Errorf("get tag %s: %w", id, err)
	}
	return t, nil
}

// ListTags returns tags ordered by creation time then id.
func ListTags(q Querier, includeDeleted bool) ([]models.Tag, error) {
	ts, err := queryList(q, tagSelect+deletedFilter(includeDeleted)+` ORDER BY created_at, id`, scanTag)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	return ts, nil
}

const containerSelect = `SELECT ` + metaSelect + `, title, COALESCE(detail, ''), status, sort_order, COALESCE(grouping_id, '') FROM containers`

func scanContainer(s scanner) (models.Container, error) {
	var c models.Container
	ms := newMetaScan(&c.Meta)
	var status string
	if err := s.Scan(append(ms.dest(), &c.Title, &c.Detail, &status, &c.SortOrder, &c.GroupingID)...); err != nil {
		return c, err
	}
	c.Status = models.Status(status)
	return c, ms.finish()
}

// GetContainer returns a container with its tag ids, or nil.
func GetContainer(q Querier, id string) (*models.Container, error) {
	c, err := queryOne(q, containerSelect+` WHERE id = ?`, scanContainer, id)
	if err != nil {
		return nil, fmt.Errorf("get container %s: %w", id, err)
	}
	if c == nil {
		return nil, nil
	}
	if c.TagIDs, err = TagIDs(q, "containers", id); err != nil {
		return nil, err
	}
	return c, nil
}

// ListContainers returns containers ordered by creation time then id. Tag ids
// are not loaded.
func ListContainers(q Querier, includeDeleted bool) ([]models.Container, error) {
	cs, err := queryList(q, containerSelect+deletedFilter(includeDeleted)+` ORDER BY created_at, id`, scanContainer)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	return cs, nil
}

const workItemSelect = `SELECT ` + metaSelect + `, COALESCE(container_id, ''), title, COALESCE(detail, ''), status, sort_order, due_at, completed_at FROM work_items`

func scanWorkItem(s scanner) (models.WorkItem, error) {
	var w models.WorkItem
	ms := newMetaScan(&w.Meta)
	var status string
	var due, completed sql.NullString
	if err := s.Scan(append(ms.dest(), &w.ContainerID, &w.Title, &w.Detail, &status, &w.SortOrder, &due, &completed)...); err != nil {
		return w, err
	}
	w.Status = models.Status(status)
	var err error
	if w.DueAt, err = parseNullTime(due); err != nil {
		return w, err
	}
	if w.CompletedAt, err = parseNullTime(completed); err != nil {
		return w, err
	}
	return w, ms.finish()
}

// GetWorkItem returns a work item with its tag ids, or nil.
func GetWorkItem(q Querier, id string) (*models.WorkItem, error) {
	w, err := queryOne(q, workItemSelect+` WHERE id = ?`, scanWorkItem, id)
	if err != nil {
		return nil, fmt.Errorf("get work item %s: %w", id, err)
	}
	if w == nil {
		return nil, nil
	}
	if w.TagIDs, err = TagIDs(q, "work_items", id); err != nil {
		return nil, err
	}
	return w, nil
}

// ListWorkItems returns work items ordered by container then sort order.
// Tag ids are not loaded.
func ListWorkItems(q Querier, includeDeleted bool) ([]models.WorkItem, error) {
	ws, err := queryList(q, workItemSelect+deletedFilter(includeDeleted)+` ORDER BY container_id, sort_order, created_at, id`, scanWorkItem)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	return ws, nil
}

const reminderSelect = `SELECT ` + metaSelect + `, COALESCE(parent_type, ''), COALESCE(parent_id, ''), remind_at, status, snoozed_until FROM reminders`

func scanReminder(s scanner) (models.Reminder, error) {
	var r models.Reminder
	ms := newMetaScan(&r.Meta)
	var status string
	var remindAt, snoozed sql.NullString
	if err := s.Scan(append(ms.dest(), &r.ParentType, &r.ParentID, &remindAt, &status, &snoozed)...); err != nil {
		return r, err
	}
	r.Status = models.Status(status)
	at, err := parseNullTime(remindAt)
	if err != nil {
		return r, err
	}
	if at != nil {
		r.RemindAt = *at
	}
	if r.SnoozedUntil, err = parseNullTime(snoozed); err != nil {
		return r, err
	}
	return r, ms.finish()
}

// GetReminder returns a reminder by id, or nil.
func GetReminder(q Querier, id string) (*models.Reminder, error) {
	r, err := queryOne(q, reminderSelect+` WHERE id = ?`, scanReminder, id)
	if err != nil {
		return nil, fmt.Errorf("get reminder %s: %w", id, err)
	}
	return r, nil
}

// ListReminders returns reminders ordered by fire time.
func ListReminders(q Querier, includeDeleted bool) ([]models.Reminder, error) {
	rs, err := queryList(q, reminderSelect+deletedFilter(includeDeleted)+` ORDER BY remind_at, id`, scanReminder)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	return rs, nil
}
