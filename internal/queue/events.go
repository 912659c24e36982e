package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rankqueue-backend/internal/models"
)

// ErrCorruptLog means an event could not be applied to the state built from
// the events before it.
var ErrCorruptLog = errors.New("event log does not replay cleanly")

type joinedPayload struct {
	Entry models.QueueEntry `json:"entry"`
}

type locationPayload struct {
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	Timestamp       int64   `json:"timestamp"`
	DistanceMeters  float64 `json:"distance_meters"`
	Verified        bool    `json:"verified"`
	VerifiedChanged bool    `json:"verified_changed"`
	UnverifiedSince *int64  `json:"unverified_since,omitempty"`
}

type lapsedPayload struct {
	LastSeen        int64 `json:"last_seen"`
	UnverifiedSince int64 `json:"unverified_since"`
}

type loadingPayload struct {
	StartedAt int64 `json:"started_at"`
}

type departedPayload struct {
	DepartedAt int64 `json:"departed_at"`
}

type skippedPayload struct {
	Reason    string            `json:"reason"`
	SkippedAt int64             `json:"skipped_at"`
	Requeued  models.QueueEntry `json:"requeued"`
}

type removedPayload struct {
	Reason    string `json:"reason"`
	RemovedAt int64  `json:"removed_at"`
}

// Applied describes what a single event changed
type Applied struct {
	Entry     models.QueueEntry   // the event's own entry after the change
	Requeued  *models.QueueEntry  // new tail entry created by a skip
	Positions []PositionChange    // entries that moved
	Changed   []models.QueueEntry // every entry row touched, for persistence
}

func encodePayload(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// payloads are plain structs; failure here is a programming error
		panic(fmt.Sprintf("queue: encode payload: %v", err))
	}
	return b
}

// Apply folds one event into the store. It is the only code path that mutates
// queue state, for live commands and for replay alike.
func Apply(s *Store, ev models.QueueEvent) (Applied, error) {
	if ev.ZoneID != s.zoneID {
		return Applied{}, fmt.Errorf("%w: event for zone %s applied to %s", ErrCorruptLog, ev.ZoneID, s.zoneID)
	}
	if ev.Seq != s.lastSeq+1 {
		return Applied{}, fmt.Errorf("%w: seq %d after %d", ErrCorruptLog, ev.Seq, s.lastSeq)
	}

	var (
		out Applied
		err error
	)
	switch ev.Type {
	case models.EventEntryJoined:
		out, err = applyJoined(s, ev)
	case models.EventLocationRecorded:
		out, err = applyLocation(s, ev)
	case models.EventLocationLapsed:
		out, err = applyLapsed(s, ev)
	case models.EventLoadingStarted:
		out, err = applyLoading(s, ev)
	case models.EventEntryDeparted:
		out, err = applyDeparted(s, ev)
	case models.EventEntrySkipped:
		out, err = applySkipped(s, ev)
	case models.EventEntryRemoved:
		out, err = applyRemoved(s, ev)
	default:
		err = fmt.Errorf("unknown event type %q", ev.Type)
	}
	if err != nil {
		return Applied{}, fmt.Errorf("%w: seq %d (%s): %v", ErrCorruptLog, ev.Seq, ev.Type, err)
	}

	s.lastSeq = ev.Seq
	out.Changed = collectChanged(s, out)
	return out, nil
}

func applyJoined(s *Store, ev models.QueueEvent) (Applied, error) {
	var p joinedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return Applied{}, err
	}
	e := p.Entry.Clone()
	if e.ID != ev.EntryID {
		return Applied{}, fmt.Errorf("payload entry %s does not match %s", e.ID, ev.EntryID)
	}
	if err := s.TryAppend(&e); err != nil {
		return Applied{}, err
	}
	if e.Ticket != p.Entry.Ticket || e.Position != p.Entry.Position {
		return Applied{}, fmt.Errorf("entry %s landed at ticket %d position %d, log says %d/%d",
			e.ID, e.Ticket, e.Position, p.Entry.Ticket, p.Entry.Position)
	}
	return Applied{Entry: e.Clone()}, nil
}

func applyLocation(s *Store, ev models.QueueEvent) (Applied, error) {
	var p locationPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return Applied{}, err
	}
	e, ok := s.active[ev.EntryID]
	if !ok {
		return Applied{}, ErrNotInQueue
	}
	e.Latitude = p.Latitude
	e.Longitude = p.Longitude
	e.LastLocationUpdate = p.Timestamp
	e.DistanceFromZone = p.DistanceMeters
	e.Verified = p.Verified
	e.UnverifiedSince = p.UnverifiedSince
	return Applied{Entry: e.Clone()}, nil
}

func applyLapsed(s *Store, ev models.QueueEvent) (Applied, error) {
	var p lapsedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return Applied{}, err
	}
	e, ok := s.active[ev.EntryID]
	if !ok {
		return Applied{}, ErrNotInQueue
	}
	since := p.UnverifiedSince
	e.Verified = false
	e.UnverifiedSince = &since
	return Applied{Entry: e.Clone()}, nil
}

func applyLoading(s *Store, ev models.QueueEvent) (Applied, error) {
	var p loadingPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return Applied{}, err
	}
	if e, ok := s.active[ev.EntryID]; ok && e.Position != 1 {
		return Applied{}, ErrWrongPosition
	}
	e, err := s.CompareAndSetStatus(ev.EntryID, []models.EntryStatus{models.EntryStatusWaiting}, models.EntryStatusLoading, p.StartedAt)
	if err != nil {
		return Applied{}, err
	}
	return Applied{Entry: e.Clone()}, nil
}

func applyDeparted(s *Store, ev models.QueueEvent) (Applied, error) {
	var p departedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return Applied{}, err
	}
	e, err := s.CompareAndSetStatus(ev.EntryID, []models.EntryStatus{models.EntryStatusLoading}, models.EntryStatusDeparted, p.DepartedAt)
	if err != nil {
		return Applied{}, err
	}
	if e.LoadingStartedAt != nil {
		s.loading.add(time.Duration(p.DepartedAt-*e.LoadingStartedAt) * time.Millisecond)
	}
	changes := s.RenumberAfterRemoval(e.ID)
	return Applied{Entry: e.Clone(), Positions: changes}, nil
}

func applySkipped(s *Store, ev models.QueueEvent) (Applied, error) {
	var p skippedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return Applied{}, err
	}
	e, err := s.CompareAndSetStatus(ev.EntryID, []models.EntryStatus{models.EntryStatusWaiting}, models.EntryStatusSkipped, p.SkippedAt)
	if err != nil {
		return Applied{}, err
	}
	reason := p.Reason
	e.TerminalReason = &reason
	e.AppendNote("skipped: " + reason)
	changes := s.RenumberAfterRemoval(e.ID)

	next := p.Requeued.Clone()
	if next.DriverID != e.DriverID {
		return Applied{}, fmt.Errorf("requeued entry belongs to %s, not %s", next.DriverID, e.DriverID)
	}
	if err := s.TryAppend(&next); err != nil {
		return Applied{}, err
	}
	if next.Ticket != p.Requeued.Ticket || next.Position != p.Requeued.Position {
		return Applied{}, fmt.Errorf("requeued entry landed at ticket %d position %d, log says %d/%d",
			next.Ticket, next.Position, p.Requeued.Ticket, p.Requeued.Position)
	}
	requeued := next.Clone()
	return Applied{Entry: e.Clone(), Requeued: &requeued, Positions: changes}, nil
}

func applyRemoved(s *Store, ev models.QueueEvent) (Applied, error) {
	var p removedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return Applied{}, err
	}
	e, err := s.CompareAndSetStatus(ev.EntryID,
		[]models.EntryStatus{models.EntryStatusWaiting, models.EntryStatusLoading},
		models.EntryStatusRemoved, p.RemovedAt)
	if err != nil {
		return Applied{}, err
	}
	reason := p.Reason
	e.TerminalReason = &reason
	e.AppendNote("removed: " + reason)
	changes := s.RenumberAfterRemoval(e.ID)
	return Applied{Entry: e.Clone(), Positions: changes}, nil
}

// collectChanged gathers post-change copies of every entry an event touched
func collectChanged(s *Store, a Applied) []models.QueueEntry {
	seen := map[string]bool{}
	var out []models.QueueEntry
	add := func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		if e, ok := s.Lookup(id); ok {
			out = append(out, e.Clone())
		}
	}
	add(a.Entry.ID)
	if a.Requeued != nil {
		add(a.Requeued.ID)
	}
	for _, pc := range a.Positions {
		add(pc.EntryID)
	}
	return out
}

// Replay rebuilds a zone's store from its full event log
func Replay(zoneID string, events []models.QueueEvent, estimateWindow int) (*Store, error) {
	s := NewStore(zoneID, estimateWindow)
	for _, ev := range events {
		if _, err := Apply(s, ev); err != nil {
			return nil, err
		}
	}
	s.settle()
	return s, nil
}
