package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"rankqueue-backend/internal/geo"
)

// ZoneType describes what kind of place a loading zone serves
type ZoneType string

const (
	ZoneTypeRank     ZoneType = "rank"
	ZoneTypeStation  ZoneType = "station"
	ZoneTypeMall     ZoneType = "mall"
	ZoneTypeHospital ZoneType = "hospital"
)

// BoundaryPolicy decides what happens when an unverified entry's grace period runs out
type BoundaryPolicy string

const (
	BoundaryStrict  BoundaryPolicy = "strict"  // remove the entry
	BoundaryLenient BoundaryPolicy = "lenient" // skip the entry to the tail
)

const (
	DefaultRadiusMeters       = 50
	DefaultGracePeriodSeconds = 300
)

// AuthMode is the tag of an Authorization variant
type AuthMode string

const (
	AuthMarshalRequired AuthMode = "marshal_required"
	AuthSelfService     AuthMode = "self_service"
)

// Authorization is either MarshalRequired(marshalID) or SelfService.
// An empty MarshalID under MarshalRequired means any marshal may act.
type Authorization struct {
	Mode      AuthMode `json:"mode"`
	MarshalID string   `json:"marshal_id,omitempty"`
}

func MarshalRequired(marshalID string) Authorization {
	return Authorization{Mode: AuthMarshalRequired, MarshalID: marshalID}
}

func SelfService() Authorization {
	return Authorization{Mode: AuthSelfService}
}

// LoadingZone is a geofenced loading area (taxi rank, station, mall, hospital bay)
type LoadingZone struct {
	ID                 string         `json:"id" db:"id"`
	Name               string         `json:"name" db:"name"`
	ZoneType           ZoneType       `json:"zone_type" db:"zone_type"`
	CenterLatitude     float64        `json:"center_latitude" db:"center_latitude"`
	CenterLongitude    float64        `json:"center_longitude" db:"center_longitude"`
	RadiusMeters       int            `json:"radius_meters" db:"radius_meters"`
	RequiresMarshal    bool           `json:"requires_marshal" db:"requires_marshal"`
	MarshalID          *string        `json:"marshal_id,omitempty" db:"marshal_id"`
	OpensAt            string         `json:"opens_at" db:"opens_at"`   // "HH:MM", empty = always open
	ClosesAt           string         `json:"closes_at" db:"closes_at"` // "HH:MM", may be earlier than OpensAt (overnight)
	Timezone           string         `json:"timezone" db:"timezone"`   // IANA name, empty = UTC
	GracePeriodSeconds int            `json:"grace_period_seconds" db:"grace_period_seconds"`
	BoundaryPolicy     BoundaryPolicy `json:"boundary_policy" db:"boundary_policy"`
	IsActive           bool           `json:"is_active" db:"is_active"`
	CreatedAt          int64          `json:"created_at" db:"created_at"`
	UpdatedAt          int64          `json:"updated_at" db:"updated_at"`
}

// Center returns the zone's center point
func (z *LoadingZone) Center() geo.Point {
	return geo.Point{Latitude: z.CenterLatitude, Longitude: z.CenterLongitude}
}

// Authorization resolves the zone's marshal requirement into a tagged variant
func (z *LoadingZone) Authorization() Authorization {
	if !z.RequiresMarshal {
		return SelfService()
	}
	if z.MarshalID != nil {
		return MarshalRequired(*z.MarshalID)
	}
	return MarshalRequired("")
}

// GracePeriod returns the configured grace period, falling back to the default
func (z *LoadingZone) GracePeriod() time.Duration {
	if z.GracePeriodSeconds <= 0 {
		return DefaultGracePeriodSeconds * time.Second
	}
	return time.Duration(z.GracePeriodSeconds) * time.Second
}

// Snapshot captures the rules an entry is held to for its whole lifetime
func (z *LoadingZone) Snapshot() ZoneSnapshot {
	policy := z.BoundaryPolicy
	if policy == "" {
		policy = BoundaryLenient
	}
	return ZoneSnapshot{
		CenterLatitude:     z.CenterLatitude,
		CenterLongitude:    z.CenterLongitude,
		RadiusMeters:       z.RadiusMeters,
		Authorization:      z.Authorization(),
		BoundaryPolicy:     policy,
		GracePeriodSeconds: int(z.GracePeriod() / time.Second),
	}
}

// Validate checks the administrative fields of a zone definition
func (z *LoadingZone) Validate() error {
	if strings.TrimSpace(z.Name) == "" {
		return errors.New("name is required")
	}
	if err := z.Center().Validate(); err != nil {
		return err
	}
	if z.RadiusMeters <= 0 {
		return errors.New("radius_meters must be positive")
	}
	switch z.ZoneType {
	case ZoneTypeRank, ZoneTypeStation, ZoneTypeMall, ZoneTypeHospital:
	default:
		return fmt.Errorf("unknown zone_type %q", z.ZoneType)
	}
	switch z.BoundaryPolicy {
	case BoundaryStrict, BoundaryLenient:
	default:
		return fmt.Errorf("unknown boundary_policy %q", z.BoundaryPolicy)
	}
	if z.GracePeriodSeconds < 0 {
		return errors.New("grace_period_seconds must not be negative")
	}
	if (z.OpensAt == "") != (z.ClosesAt == "") {
		return errors.New("opens_at and closes_at must be set together")
	}
	if z.OpensAt != "" {
		if _, err := parseClock(z.OpensAt); err != nil {
			return fmt.Errorf("opens_at: %w", err)
		}
		if _, err := parseClock(z.ClosesAt); err != nil {
			return fmt.Errorf("closes_at: %w", err)
		}
	}
	if z.Timezone != "" {
		if _, err := time.LoadLocation(z.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	return nil
}

// IsOpenAt reports whether t falls inside the zone's operating-hours window
func (z *LoadingZone) IsOpenAt(t time.Time) bool {
	if z.OpensAt == "" || z.ClosesAt == "" {
		return true
	}
	opens, err := parseClock(z.OpensAt)
	if err != nil {
		return false
	}
	closes, err := parseClock(z.ClosesAt)
	if err != nil {
		return false
	}

	loc := time.UTC
	if z.Timezone != "" {
		if l, err := time.LoadLocation(z.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if opens == closes {
		return true
	}
	if opens < closes {
		return minute >= opens && minute < closes
	}
	// window wraps past midnight
	return minute >= opens || minute < closes
}

// parseClock turns "HH:MM" into minutes since midnight
func parseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// ZoneSnapshot is the copy of a zone's rules stored on each queue entry at join time.
// Later edits to the zone never touch it.
type ZoneSnapshot struct {
	CenterLatitude     float64        `json:"center_latitude"`
	CenterLongitude    float64        `json:"center_longitude"`
	RadiusMeters       int            `json:"radius_meters"`
	Authorization      Authorization  `json:"authorization"`
	BoundaryPolicy     BoundaryPolicy `json:"boundary_policy"`
	GracePeriodSeconds int            `json:"grace_period_seconds"`
}

// Circle returns the geofence the entry was admitted under
func (s ZoneSnapshot) Circle() geo.Circle {
	return geo.Circle{
		Center:       geo.Point{Latitude: s.CenterLatitude, Longitude: s.CenterLongitude},
		RadiusMeters: float64(s.RadiusMeters),
	}
}

func (s ZoneSnapshot) GracePeriod() time.Duration {
	return time.Duration(s.GracePeriodSeconds) * time.Second
}

// Value stores the snapshot as JSONB
func (s ZoneSnapshot) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan reads the snapshot back from a JSONB column
func (s *ZoneSnapshot) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	case nil:
		*s = ZoneSnapshot{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into ZoneSnapshot", src)
	}
}
