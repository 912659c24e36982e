package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rankqueue-backend/internal/models"
	"rankqueue-backend/internal/queue"

	"github.com/jmoiron/sqlx"
)

// ZoneRepository stores loading zone definitions in Postgres
type ZoneRepository struct {
	db *sqlx.DB
}

func NewZoneRepository(db *sqlx.DB) *ZoneRepository {
	return &ZoneRepository{db: db}
}

func (r *ZoneRepository) List(ctx context.Context) ([]models.LoadingZone, error) {
	var zones []models.LoadingZone
	if err := r.db.SelectContext(ctx, &zones, `SELECT * FROM loading_zones ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}
	return zones, nil
}

func (r *ZoneRepository) Get(ctx context.Context, id string) (models.LoadingZone, error) {
	var z models.LoadingZone
	err := r.db.GetContext(ctx, &z, `SELECT * FROM loading_zones WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LoadingZone{}, fmt.Errorf("%w: %s", queue.ErrZoneNotFound, id)
	}
	if err != nil {
		return models.LoadingZone{}, fmt.Errorf("failed to get zone %s: %w", id, err)
	}
	return z, nil
}

func (r *ZoneRepository) Create(ctx context.Context, z models.LoadingZone) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO loading_zones (
			id, name, zone_type, center_latitude, center_longitude, radius_meters,
			requires_marshal, marshal_id, opens_at, closes_at, timezone,
			grace_period_seconds, boundary_policy, is_active, created_at, updated_at
		) VALUES (
			:id, :name, :zone_type, :center_latitude, :center_longitude, :radius_meters,
			:requires_marshal, :marshal_id, :opens_at, :closes_at, :timezone,
			:grace_period_seconds, :boundary_policy, :is_active, :created_at, :updated_at
		)`, z)
	return err
}

func (r *ZoneRepository) Update(ctx context.Context, z models.LoadingZone) error {
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE loading_zones SET
			name = :name,
			center_latitude = :center_latitude,
			center_longitude = :center_longitude,
			radius_meters = :radius_meters,
			requires_marshal = :requires_marshal,
			marshal_id = :marshal_id,
			opens_at = :opens_at,
			closes_at = :closes_at,
			timezone = :timezone,
			grace_period_seconds = :grace_period_seconds,
			boundary_policy = :boundary_policy,
			is_active = :is_active,
			updated_at = :updated_at
		WHERE id = :id`, z)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", queue.ErrZoneNotFound, z.ID)
	}
	return nil
}
