package models

import "encoding/json"

// EventType names a committed state change in a zone's queue
type EventType string

const (
	EventEntryJoined      EventType = "entry_joined"
	EventLocationRecorded EventType = "location_recorded"
	EventLocationLapsed   EventType = "location_lapsed" // no fix for a whole grace period
	EventLoadingStarted   EventType = "loading_started"
	EventEntryDeparted    EventType = "entry_departed"
	EventEntrySkipped     EventType = "entry_skipped"
	EventEntryRemoved     EventType = "entry_removed"
)

// ActorRole identifies who issued a command
type ActorRole string

const (
	RoleDriver   ActorRole = "driver"
	RoleMarshal  ActorRole = "marshal"
	RoleOperator ActorRole = "operator"
	RoleSystem   ActorRole = "system"
)

// QueueEvent is one row of a zone's append-only audit log.
// Replaying a zone's events in Seq order rebuilds its queue exactly.
type QueueEvent struct {
	ZoneID     string          `json:"zone_id" db:"zone_id"`
	Seq        int64           `json:"seq" db:"seq"`
	EventID    string          `json:"event_id" db:"event_id"`
	Type       EventType       `json:"event_type" db:"event_type"`
	EntryID    string          `json:"entry_id" db:"entry_id"`
	ActorID    string          `json:"actor_id" db:"actor_id"`
	ActorRole  ActorRole       `json:"actor_role" db:"actor_role"`
	OccurredAt int64           `json:"occurred_at" db:"occurred_at"` // unix milliseconds
	Payload    json.RawMessage `json:"payload" db:"-"`
}
