package models

// EntryStatus represents where a queue entry is in its lifecycle
type EntryStatus string

const (
	EntryStatusWaiting  EntryStatus = "waiting"  // In the queue
	EntryStatusLoading  EntryStatus = "loading"  // At the front, passengers boarding
	EntryStatusDeparted EntryStatus = "departed" // Left the zone with passengers
	EntryStatusSkipped  EntryStatus = "skipped"  // Sent to the tail (re-queued as a new entry)
	EntryStatusRemoved  EntryStatus = "removed"  // Ejected or left voluntarily
)

// IsTerminal reports whether the status can never change again
func (s EntryStatus) IsTerminal() bool {
	switch s {
	case EntryStatusDeparted, EntryStatusSkipped, EntryStatusRemoved:
		return true
	}
	return false
}

// QueueEntry is a driver's place in a zone's queue.
// All timestamps are unix milliseconds.
type QueueEntry struct {
	ID                 string       `json:"id" db:"id"`
	ZoneID             string       `json:"zone_id" db:"zone_id"`
	DriverID           string       `json:"driver_id" db:"driver_id"`
	VehicleID          *string      `json:"vehicle_id,omitempty" db:"vehicle_id"`
	Ticket             int64        `json:"ticket" db:"ticket"`     // Monotonic per-zone join counter, never reused
	Position           int          `json:"position" db:"position"` // 1-based, 0 once terminal
	Status             EntryStatus  `json:"status" db:"status"`
	JoinedAt           int64        `json:"joined_at" db:"joined_at"`
	LoadingStartedAt   *int64       `json:"loading_started_at,omitempty" db:"loading_started_at"`
	TerminalAt         *int64       `json:"terminal_at,omitempty" db:"terminal_at"`
	TerminalReason     *string      `json:"terminal_reason,omitempty" db:"terminal_reason"`
	Latitude           float64      `json:"latitude" db:"latitude"`
	Longitude          float64      `json:"longitude" db:"longitude"`
	LastLocationUpdate int64        `json:"last_location_update" db:"last_location_update"`
	Verified           bool         `json:"verified" db:"verified"`
	DistanceFromZone   float64      `json:"distance_from_zone" db:"distance_from_zone"` // Meters from the zone center
	UnverifiedSince    *int64       `json:"unverified_since,omitempty" db:"unverified_since"`
	SkipCount          int          `json:"skip_count" db:"skip_count"`
	Notes              string       `json:"notes" db:"notes"`
	Zone               ZoneSnapshot `json:"zone" db:"zone_snapshot"`
}

// Clone returns a deep copy so callers never share pointers with the queue
func (e *QueueEntry) Clone() QueueEntry {
	c := *e
	c.VehicleID = cloneString(e.VehicleID)
	c.LoadingStartedAt = cloneInt64(e.LoadingStartedAt)
	c.TerminalAt = cloneInt64(e.TerminalAt)
	c.TerminalReason = cloneString(e.TerminalReason)
	c.UnverifiedSince = cloneInt64(e.UnverifiedSince)
	return c
}

// AppendNote adds a line to the free-text notes
func (e *QueueEntry) AppendNote(note string) {
	if note == "" {
		return
	}
	if e.Notes == "" {
		e.Notes = note
		return
	}
	e.Notes += "\n" + note
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt64(i *int64) *int64 {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
