package zones

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"rankqueue-backend/internal/models"
	"rankqueue-backend/internal/queue"

	"github.com/google/uuid"
)

// ErrInvalidZone wraps validation failures of a zone definition
var ErrInvalidZone = errors.New("invalid zone definition")

// Repository persists zone definitions. Get returns queue.ErrZoneNotFound for unknown IDs.
type Repository interface {
	List(ctx context.Context) ([]models.LoadingZone, error)
	Get(ctx context.Context, id string) (models.LoadingZone, error)
	Create(ctx context.Context, zone models.LoadingZone) error
	Update(ctx context.Context, zone models.LoadingZone) error
}

// Defaults fill in fields an operator left out when creating a zone
type Defaults struct {
	RadiusMeters       int
	GracePeriodSeconds int
}

// Registry is a read-mostly cache of zone definitions in front of a Repository.
// Queue entries copy what they need at join time, so edits here only affect new joins.
type Registry struct {
	repo     Repository
	defaults Defaults

	mu    sync.RWMutex
	zones map[string]models.LoadingZone
}

func NewRegistry(repo Repository, defaults Defaults) *Registry {
	if defaults.RadiusMeters <= 0 {
		defaults.RadiusMeters = models.DefaultRadiusMeters
	}
	if defaults.GracePeriodSeconds <= 0 {
		defaults.GracePeriodSeconds = models.DefaultGracePeriodSeconds
	}
	return &Registry{
		repo:     repo,
		defaults: defaults,
		zones:    make(map[string]models.LoadingZone),
	}
}

// Load fills the cache from the repository
func (r *Registry) Load(ctx context.Context) error {
	zones, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load zones: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.zones = make(map[string]models.LoadingZone, len(zones))
	for _, z := range zones {
		r.zones[z.ID] = z
	}
	log.Printf("✅ [ZONES] Loaded %d loading zones", len(zones))
	return nil
}

// GetZone returns a zone by ID, going to the repository on a cache miss
func (r *Registry) GetZone(ctx context.Context, id string) (models.LoadingZone, error) {
	r.mu.RLock()
	z, ok := r.zones[id]
	r.mu.RUnlock()
	if ok {
		return z, nil
	}

	z, err := r.repo.Get(ctx, id)
	if err != nil {
		return models.LoadingZone{}, err
	}
	r.mu.Lock()
	r.zones[z.ID] = z
	r.mu.Unlock()
	return z, nil
}

// ListZones returns every cached zone ordered by name
func (r *Registry) ListZones() []models.LoadingZone {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.LoadingZone, 0, len(r.zones))
	for _, z := range r.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ListActiveZones returns zones currently accepting drivers
func (r *Registry) ListActiveZones() []models.LoadingZone {
	var out []models.LoadingZone
	for _, z := range r.ListZones() {
		if z.IsActive {
			out = append(out, z)
		}
	}
	return out
}

// IDs lists every known zone ID, used to recover queues at startup
func (r *Registry) IDs() []string {
	zones := r.ListZones()
	ids := make([]string, len(zones))
	for i, z := range zones {
		ids[i] = z.ID
	}
	return ids
}

// CreateZone validates and stores a new zone
func (r *Registry) CreateZone(ctx context.Context, z models.LoadingZone) (models.LoadingZone, error) {
	if z.ID == "" {
		z.ID = uuid.New().String()
	}
	if z.RadiusMeters == 0 {
		z.RadiusMeters = r.defaults.RadiusMeters
	}
	if z.GracePeriodSeconds == 0 {
		z.GracePeriodSeconds = r.defaults.GracePeriodSeconds
	}
	if z.BoundaryPolicy == "" {
		z.BoundaryPolicy = models.BoundaryLenient
	}
	if z.ZoneType == "" {
		z.ZoneType = models.ZoneTypeRank
	}
	now := time.Now().Unix()
	z.CreatedAt = now
	z.UpdatedAt = now

	if err := z.Validate(); err != nil {
		return models.LoadingZone{}, fmt.Errorf("%w: %v", ErrInvalidZone, err)
	}
	if err := r.repo.Create(ctx, z); err != nil {
		return models.LoadingZone{}, fmt.Errorf("failed to create zone: %w", err)
	}

	r.mu.Lock()
	r.zones[z.ID] = z
	r.mu.Unlock()
	log.Printf("✅ [ZONES] Created zone %s (%s, radius %dm, %s)", z.ID, z.Name, z.RadiusMeters, z.BoundaryPolicy)
	return z, nil
}

// ZonePatch holds the fields an operator may change; nil means unchanged
type ZonePatch struct {
	Name               *string                `json:"name"`
	CenterLatitude     *float64               `json:"center_latitude"`
	CenterLongitude    *float64               `json:"center_longitude"`
	RadiusMeters       *int                   `json:"radius_meters"`
	RequiresMarshal    *bool                  `json:"requires_marshal"`
	MarshalID          *string                `json:"marshal_id"`
	OpensAt            *string                `json:"opens_at"`
	ClosesAt           *string                `json:"closes_at"`
	Timezone           *string                `json:"timezone"`
	GracePeriodSeconds *int                   `json:"grace_period_seconds"`
	BoundaryPolicy     *models.BoundaryPolicy `json:"boundary_policy"`
	IsActive           *bool                  `json:"is_active"`
}

// UpdateZone applies a patch. Entries already queued keep the rules they joined under.
func (r *Registry) UpdateZone(ctx context.Context, id string, p ZonePatch) (models.LoadingZone, error) {
	z, err := r.GetZone(ctx, id)
	if err != nil {
		return models.LoadingZone{}, err
	}

	if p.Name != nil {
		z.Name = *p.Name
	}
	if p.CenterLatitude != nil {
		z.CenterLatitude = *p.CenterLatitude
	}
	if p.CenterLongitude != nil {
		z.CenterLongitude = *p.CenterLongitude
	}
	if p.RadiusMeters != nil {
		z.RadiusMeters = *p.RadiusMeters
	}
	if p.RequiresMarshal != nil {
		z.RequiresMarshal = *p.RequiresMarshal
	}
	if p.MarshalID != nil {
		if *p.MarshalID == "" {
			z.MarshalID = nil
		} else {
			m := *p.MarshalID
			z.MarshalID = &m
		}
	}
	if p.OpensAt != nil {
		z.OpensAt = *p.OpensAt
	}
	if p.ClosesAt != nil {
		z.ClosesAt = *p.ClosesAt
	}
	if p.Timezone != nil {
		z.Timezone = *p.Timezone
	}
	if p.GracePeriodSeconds != nil {
		z.GracePeriodSeconds = *p.GracePeriodSeconds
	}
	if p.BoundaryPolicy != nil {
		z.BoundaryPolicy = *p.BoundaryPolicy
	}
	if p.IsActive != nil {
		z.IsActive = *p.IsActive
	}
	z.UpdatedAt = time.Now().Unix()

	if err := z.Validate(); err != nil {
		return models.LoadingZone{}, fmt.Errorf("%w: %v", ErrInvalidZone, err)
	}
	if err := r.repo.Update(ctx, z); err != nil {
		return models.LoadingZone{}, fmt.Errorf("failed to update zone: %w", err)
	}

	r.mu.Lock()
	r.zones[z.ID] = z
	r.mu.Unlock()
	log.Printf("✅ [ZONES] Updated zone %s (%s)", z.ID, z.Name)
	return z, nil
}

// MemoryRepository keeps zones in process memory
type MemoryRepository struct {
	mu    sync.RWMutex
	zones map[string]models.LoadingZone
}

func NewMemoryRepository(seed ...models.LoadingZone) *MemoryRepository {
	m := &MemoryRepository{zones: make(map[string]models.LoadingZone)}
	for _, z := range seed {
		m.zones[z.ID] = z
	}
	return m
}

func (m *MemoryRepository) List(ctx context.Context) ([]models.LoadingZone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.LoadingZone, 0, len(m.zones))
	for _, z := range m.zones {
		out = append(out, z)
	}
	return out, nil
}

func (m *MemoryRepository) Get(ctx context.Context, id string) (models.LoadingZone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	z, ok := m.zones[id]
	if !ok {
		return models.LoadingZone{}, fmt.Errorf("%w: %s", queue.ErrZoneNotFound, id)
	}
	return z, nil
}

func (m *MemoryRepository) Create(ctx context.Context, z models.LoadingZone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.zones[z.ID]; ok {
		return fmt.Errorf("zone %s already exists", z.ID)
	}
	m.zones[z.ID] = z
	return nil
}

func (m *MemoryRepository) Update(ctx context.Context, z models.LoadingZone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.zones[z.ID]; !ok {
		return fmt.Errorf("%w: %s", queue.ErrZoneNotFound, z.ID)
	}
	m.zones[z.ID] = z
	return nil
}
