package queue

import "rankqueue-backend/internal/models"

// ZoneUpdate is a committed event plus the state it produced, as fanned out to subscribers
type ZoneUpdate struct {
	ZoneID    string              `json:"zone_id"`
	Seq       int64               `json:"seq"`
	Event     models.QueueEvent   `json:"event"`
	Entry     models.QueueEntry   `json:"entry"`
	Requeued  *models.QueueEntry  `json:"requeued,omitempty"`
	Positions []PositionChange    `json:"positions,omitempty"`
}

// Broadcaster receives every committed update of every zone, in commit order per zone.
// Publish is called from the zone's actor and must not block.
type Broadcaster interface {
	Publish(update ZoneUpdate)
}

// Broadcasters fans an update out to several sinks
type Broadcasters []Broadcaster

func (bs Broadcasters) Publish(update ZoneUpdate) {
	for _, b := range bs {
		if b != nil {
			b.Publish(update)
		}
	}
}

// NotificationKind names a driver-facing notification trigger
type NotificationKind string

const (
	NotifyNextInLine   NotificationKind = "next_in_line"
	NotifyGraceStarted NotificationKind = "grace_started"
	NotifyAutoSkipped  NotificationKind = "auto_skipped"
	NotifyAutoRemoved  NotificationKind = "auto_removed"
)

// Notification is the event that should reach a driver's device. Delivery is someone else's job.
type Notification struct {
	Kind          NotificationKind `json:"kind"`
	ZoneID        string           `json:"zone_id"`
	EntryID       string           `json:"entry_id"`
	DriverID      string           `json:"driver_id"`
	Position      int              `json:"position,omitempty"`
	GraceDeadline int64            `json:"grace_deadline,omitempty"` // unix milliseconds
}

// Notifier receives notification triggers; like Publish it must not block.
type Notifier interface {
	Notify(n Notification)
}

// Notifiers fans a notification out to several sinks
type Notifiers []Notifier

func (ns Notifiers) Notify(n Notification) {
	for _, x := range ns {
		if x != nil {
			x.Notify(n)
		}
	}
}

type nopSink struct{}

func (nopSink) Publish(ZoneUpdate)  {}
func (nopSink) Notify(Notification) {}
