package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"rankqueue-backend/internal/models"
	"rankqueue-backend/internal/queue"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// EventLog is the Postgres-backed queue.EventLog
type EventLog struct {
	db *sqlx.DB
}

func NewEventLog(db *sqlx.DB) *EventLog {
	return &EventLog{db: db}
}

type eventRow struct {
	ZoneID     string `db:"zone_id"`
	Seq        int64  `db:"seq"`
	EventID    string `db:"event_id"`
	EventType  string `db:"event_type"`
	EntryID    string `db:"entry_id"`
	ActorID    string `db:"actor_id"`
	ActorRole  string `db:"actor_role"`
	OccurredAt int64  `db:"occurred_at"`
	Payload    []byte `db:"payload"`
}

func (r eventRow) toEvent() models.QueueEvent {
	return models.QueueEvent{
		ZoneID:     r.ZoneID,
		Seq:        r.Seq,
		EventID:    r.EventID,
		Type:       models.EventType(r.EventType),
		EntryID:    r.EntryID,
		ActorID:    r.ActorID,
		ActorRole:  models.ActorRole(r.ActorRole),
		OccurredAt: r.OccurredAt,
		Payload:    json.RawMessage(r.Payload),
	}
}

const upsertEntry = `
	INSERT INTO queue_entries (
		id, zone_id, driver_id, vehicle_id, ticket, position, status, joined_at,
		loading_started_at, terminal_at, terminal_reason, latitude, longitude,
		last_location_update, verified, distance_from_zone, unverified_since,
		skip_count, notes, zone_snapshot
	) VALUES (
		:id, :zone_id, :driver_id, :vehicle_id, :ticket, :position, :status, :joined_at,
		:loading_started_at, :terminal_at, :terminal_reason, :latitude, :longitude,
		:last_location_update, :verified, :distance_from_zone, :unverified_since,
		:skip_count, :notes, :zone_snapshot
	)
	ON CONFLICT (id) DO UPDATE SET
		position = EXCLUDED.position,
		status = EXCLUDED.status,
		loading_started_at = EXCLUDED.loading_started_at,
		terminal_at = EXCLUDED.terminal_at,
		terminal_reason = EXCLUDED.terminal_reason,
		latitude = EXCLUDED.latitude,
		longitude = EXCLUDED.longitude,
		last_location_update = EXCLUDED.last_location_update,
		verified = EXCLUDED.verified,
		distance_from_zone = EXCLUDED.distance_from_zone,
		unverified_since = EXCLUDED.unverified_since,
		skip_count = EXCLUDED.skip_count,
		notes = EXCLUDED.notes`

// Append writes the event and the entry rows it changed in one transaction.
// A retry of an event that already committed is recognised by its event_id.
func (l *EventLog) Append(ctx context.Context, ev models.QueueEvent, changed []models.QueueEntry) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO queue_events (zone_id, seq, event_id, event_type, entry_id, actor_id, actor_role, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`,
		ev.ZoneID, ev.Seq, ev.EventID, string(ev.Type), ev.EntryID, ev.ActorID, string(ev.ActorRole), ev.OccurredAt, []byte(ev.Payload))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}

	if n == 0 {
		var existing string
		err := tx.GetContext(ctx, &existing, `SELECT event_id FROM queue_events WHERE zone_id = $1 AND seq = $2`, ev.ZoneID, ev.Seq)
		switch {
		case err == nil && existing == ev.EventID:
			// the earlier attempt committed, entry rows included
			return nil
		case err == nil, errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("%w: zone %s seq %d", queue.ErrSequenceExists, ev.ZoneID, ev.Seq)
		default:
			return fmt.Errorf("failed to check existing event: %w", err)
		}
	}

	for _, e := range changed {
		if _, err := tx.NamedExecContext(ctx, upsertEntry, e); err != nil {
			if isUniqueViolation(err) {
				// the entry table disagrees with the log; the zone has to rebuild
				return fmt.Errorf("%w: entry %s: %v", queue.ErrSequenceExists, e.ID, err)
			}
			return fmt.Errorf("failed to upsert entry %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}

// Load returns a zone's events after afterSeq in sequence order
func (l *EventLog) Load(ctx context.Context, zoneID string, afterSeq int64) ([]models.QueueEvent, error) {
	var rows []eventRow
	err := l.db.SelectContext(ctx, &rows, `
		SELECT zone_id, seq, event_id, event_type, entry_id, actor_id, actor_role, occurred_at, payload
		FROM queue_events
		WHERE zone_id = $1 AND seq > $2
		ORDER BY seq ASC`, zoneID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for zone %s: %w", zoneID, err)
	}

	events := make([]models.QueueEvent, len(rows))
	for i, r := range rows {
		events[i] = r.toEvent()
	}
	return events, nil
}

// EntriesForDriver returns a driver's entries across zones, newest first
func (l *EventLog) EntriesForDriver(ctx context.Context, driverID string, limit int) ([]models.QueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []models.QueueEntry
	err := l.db.SelectContext(ctx, &entries, `
		SELECT * FROM queue_entries
		WHERE driver_id = $1
		ORDER BY joined_at DESC
		LIMIT $2`, driverID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries for driver %s: %w", driverID, err)
	}
	return entries, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
