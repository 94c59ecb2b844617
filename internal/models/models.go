package models

import (
	"time"
)

// SyncState represents where an entity or event sits in the upload pipeline
type SyncState string

const (
	SyncPending  SyncState = "pending"
	SyncSynced   SyncState = "synced"
	SyncConflict SyncState = "conflict"
)

// ActorType distinguishes who produced an event
type ActorType string

const (
	ActorHuman ActorType = "human"
	ActorAgent ActorType = "agent"
)

// Status is the lifecycle status shared by stacks, tasks, arcs and reminders
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
	StatusSnoozed   Status = "snoozed"
	StatusFired     Status = "fired"
)

// Meta holds the sync bookkeeping columns every entity table carries
type Meta struct {
	ID                 string     `json:"id"`
	Revision           int64      `json:"revision"`
	LastSyncedRevision int64      `json:"last_synced_revision"`
	SyncState          SyncState  `json:"sync_state"`
	LastSyncedAt       *time.Time `json:"last_synced_at,omitempty"`
	IsDeleted          bool       `json:"is_deleted"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	ServerID           string     `json:"server_id,omitempty"`
}

// HasPendingEdits reports whether the entity carries local edits the server has not seen
func (m Meta) HasPendingEdits() bool {
	return m.SyncState == SyncPending && m.Revision > m.LastSyncedRevision
}

// Grouping is a higher-level arc that groups containers
type Grouping struct {
	Meta
	Title     string `json:"title"`
	Detail    string `json:"detail,omitempty"`
	Status    Status `json:"status"`
	SortOrder int64  `json:"sort_order"`
}

// Tag is a label attachable to containers and work items
type Tag struct {
	Meta
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Container is a stack of work items
type Container struct {
	Meta
	Title      string   `json:"title"`
	Detail     string   `json:"detail,omitempty"`
	Status     Status   `json:"status"`
	SortOrder  int64    `json:"sort_order"`
	GroupingID string   `json:"grouping_id,omitempty"`
	TagIDs     []string `json:"tag_ids,omitempty"`
}

// WorkItem is a single task inside a container
type WorkItem struct {
	Meta
	ContainerID string     `json:"container_id"`
	Title       string     `json:"title"`
	Detail      string     `json:"detail,omitempty"`
	Status      Status     `json:"status"`
	SortOrder   int64      `json:"sort_order"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	TagIDs      []string   `json:"tag_ids,omitempty"`
}

// Reminder fires for a container, work item or grouping
type Reminder struct {
	Meta
	ParentType   string     `json:"parent_type"`
	ParentID     string     `json:"parent_id"`
	RemindAt     time.Time  `json:"remind_at"`
	Status       Status     `json:"status"`
	SnoozedUntil *time.Time `json:"snoozed_until,omitempty"`
}

// Device is a known installation for the account
type Device struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name,omitempty"`
	Platform     string    `json:"platform,omitempty"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Resolution records how a conflict was settled
type Resolution string

const (
	ResolutionNone       Resolution = ""
	ResolutionKeepLocal  Resolution = "keep_local"
	ResolutionKeepRemote Resolution = "keep_remote"
)

// Conflict captures a concurrent-edit divergence between this device and a remote one
type Conflict struct {
	ID             int64      `json:"id"`
	EntityType     string     `json:"entity_type"`
	EntityID       string     `json:"entity_id"`
	LocalRevision  int64      `json:"local_revision"`
	RemoteRevision int64      `json:"remote_revision"`
	LocalSnapshot  string     `json:"local_snapshot"`
	RemoteSnapshot string     `json:"remote_snapshot"`
	RemoteEventID  string     `json:"remote_event_id"`
	RemoteDeviceID string     `json:"remote_device_id,omitempty"`
	RemoteAt       time.Time  `json:"remote_at"`
	DetectedAt     time.Time  `json:"detected_at"`
	Resolved       bool       `json:"resolved"`
	Resolution     Resolution `json:"resolution,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}
