package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"rankqueue-backend/internal/models"
)

// EventLog is the durable, append-only source of truth for every zone.
//
// Append must write the event and upsert the changed entry rows atomically.
// Appending an event whose (zone, seq) already holds the same EventID is a
// success, so a retry after an ambiguous failure is safe. A different EventID
// at that sequence must return ErrSequenceExists.
type EventLog interface {
	Append(ctx context.Context, ev models.QueueEvent, changed []models.QueueEntry) error
	Load(ctx context.Context, zoneID string, afterSeq int64) ([]models.QueueEvent, error)
}

// MemoryLog is an in-process EventLog used when no database is configured and in tests
type MemoryLog struct {
	mu      sync.RWMutex
	events  map[string][]models.QueueEvent
	entries map[string]models.QueueEntry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		events:  make(map[string][]models.QueueEvent),
		entries: make(map[string]models.QueueEntry),
	}
}

func (l *MemoryLog) Append(ctx context.Context, ev models.QueueEvent, changed []models.QueueEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Seq < 1 {
		return permanent(fmt.Errorf("invalid sequence %d", ev.Seq))
	}
	zone := l.events[ev.ZoneID]
	if n := int64(len(zone)); ev.Seq <= n {
		if zone[ev.Seq-1].EventID == ev.EventID {
			return nil
		}
		return ErrSequenceExists
	} else if ev.Seq != n+1 {
		return ErrSequenceExists
	}

	cp := ev
	cp.Payload = append([]byte(nil), ev.Payload...)
	l.events[ev.ZoneID] = append(zone, cp)
	for _, e := range changed {
		l.entries[e.ID] = e.Clone()
	}
	return nil
}

func (l *MemoryLog) Load(ctx context.Context, zoneID string, afterSeq int64) ([]models.QueueEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.QueueEvent
	for _, ev := range l.events[zoneID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Entries returns the persisted entry rows of a zone ordered by ticket
func (l *MemoryLog) Entries(zoneID string) []models.QueueEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.QueueEntry
	for _, e := range l.entries {
		if e.ZoneID == zoneID {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}
