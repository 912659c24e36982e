package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"rankqueue-backend/internal/geo"
	"rankqueue-backend/internal/models"
)

// ZoneSource resolves zone definitions; the zone registry satisfies it
type ZoneSource interface {
	GetZone(ctx context.Context, zoneID string) (models.LoadingZone, error)
}

// Actor is whoever issues a command
type Actor struct {
	ID   string           `json:"id"`
	Role models.ActorRole `json:"role"`
}

// SystemActor is used for grace-period expiry
func SystemActor() Actor {
	return Actor{ID: "system", Role: models.RoleSystem}
}

// Options configures a Coordinator. Log and Zones are required.
type Options struct {
	Log                    EventLog
	Zones                  ZoneSource
	Clock                  Clock
	Broadcaster            Broadcaster
	Notifier               Notifier
	Retry                  RetryPolicy
	MaxFixAge              time.Duration // how old a join fix may be
	MaxClockSkew           time.Duration // how far ahead of our clock a fix may be stamped
	DefaultLoadingDuration time.Duration // wait estimate before any history exists
	EstimateWindow         int           // departures in the moving average
	MaxAutoSkips           int           // lenient zones remove instead of skipping past this
	CommandBuffer          int           // per-zone command queue length
	AppendTimeout          time.Duration // per-attempt persistence timeout
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.Broadcaster == nil {
		o.Broadcaster = nopSink{}
	}
	if o.Notifier == nil {
		o.Notifier = nopSink{}
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = DefaultRetryPolicy()
	}
	if o.MaxFixAge <= 0 {
		o.MaxFixAge = 30 * time.Second
	}
	if o.MaxClockSkew <= 0 {
		o.MaxClockSkew = 5 * time.Second
	}
	if o.DefaultLoadingDuration <= 0 {
		o.DefaultLoadingDuration = 3 * time.Minute
	}
	if o.EstimateWindow <= 0 {
		o.EstimateWindow = 20
	}
	if o.MaxAutoSkips <= 0 {
		o.MaxAutoSkips = 3
	}
	if o.CommandBuffer <= 0 {
		o.CommandBuffer = 64
	}
	if o.AppendTimeout <= 0 {
		o.AppendTimeout = 5 * time.Second
	}
}

// Coordinator owns one actor goroutine per zone. Every command for a zone is
// executed by that zone's actor, so position allocation, renumbering and status
// changes never race; different zones run fully in parallel.
type Coordinator struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	actors map[string]*zoneActor
	wg     sync.WaitGroup
}

func NewCoordinator(opts Options) *Coordinator {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		actors: make(map[string]*zoneActor),
	}
}

// Close stops every zone actor and its grace timers
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) actorFor(ctx context.Context, zoneID string) (*zoneActor, error) {
	if _, err := c.opts.Zones.GetZone(ctx, zoneID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if a, ok := c.actors[zoneID]; ok {
		return a, nil
	}
	a := newZoneActor(c, zoneID)
	c.actors[zoneID] = a
	c.wg.Add(1)
	go a.run()
	return a, nil
}

// Recover loads the given zones from the event log so that their grace timers
// are re-armed before any client reconnects.
func (c *Coordinator) Recover(ctx context.Context, zoneIDs []string) error {
	for _, id := range zoneIDs {
		if err := c.Rebuild(ctx, id); err != nil {
			return fmt.Errorf("recover zone %s: %w", id, err)
		}
	}
	return nil
}

// JoinRequest asks to admit a driver into a zone's queue
type JoinRequest struct {
	DriverID  string    `json:"driver_id"`
	VehicleID string    `json:"vehicle_id,omitempty"`
	ZoneID    string    `json:"zone_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	FixTime   time.Time `json:"fix_time"`
	Notes     string    `json:"notes,omitempty"`
}

// JoinResult is the admitted entry with its position and wait estimate
type JoinResult struct {
	Entry                models.QueueEntry `json:"entry"`
	Position             int               `json:"position"`
	EstimatedWait        time.Duration     `json:"-"`
	EstimatedWaitSeconds int64             `json:"estimated_wait_seconds"`
}

// Join admits a driver who is physically inside the zone
func (c *Coordinator) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	point := geo.Point{Latitude: req.Latitude, Longitude: req.Longitude}
	if err := point.Validate(); err != nil {
		return JoinResult{}, err
	}

	now := c.opts.Clock.Now()
	if req.FixTime.IsZero() {
		req.FixTime = now
	}
	if age := now.Sub(req.FixTime); age > c.opts.MaxFixAge {
		return JoinResult{}, fmt.Errorf("%w: fix is %s old, limit %s", ErrStaleLocation, age.Round(time.Second), c.opts.MaxFixAge)
	}
	if err := c.checkNotAhead(req.FixTime, now); err != nil {
		return JoinResult{}, err
	}

	zone, err := c.opts.Zones.GetZone(ctx, req.ZoneID)
	if err != nil {
		return JoinResult{}, err
	}
	if !zone.IsActive || !zone.IsOpenAt(now) {
		return JoinResult{}, ErrZoneClosed
	}

	a, err := c.actorFor(ctx, req.ZoneID)
	if err != nil {
		return JoinResult{}, err
	}
	return call(ctx, a, func() (JoinResult, error) {
		return a.join(req, zone)
	})
}

// Leave lets a driver drop out of the queue voluntarily
func (c *Coordinator) Leave(ctx context.Context, zoneID, driverID string) (models.QueueEntry, error) {
	a, err := c.actorFor(ctx, zoneID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	return call(ctx, a, func() (models.QueueEntry, error) {
		return a.leave(driverID)
	})
}

// LocationUpdate is a driver's GPS ping
type LocationUpdate struct {
	DriverID  string    `json:"driver_id"`
	ZoneID    string    `json:"zone_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// VerificationResult tells the driver whether they still count as present
type VerificationResult struct {
	EntryID        string     `json:"entry_id"`
	Position       int        `json:"position"`
	Verified       bool       `json:"verified"`
	Changed        bool       `json:"changed"`
	DistanceMeters float64    `json:"distance_meters"`
	OverageMeters  float64    `json:"overage_meters,omitempty"`
	GraceDeadline  *time.Time `json:"grace_deadline,omitempty"`
}

// SubmitLocation re-verifies a queued driver's presence
func (c *Coordinator) SubmitLocation(ctx context.Context, u LocationUpdate) (VerificationResult, error) {
	point := geo.Point{Latitude: u.Latitude, Longitude: u.Longitude}
	if err := point.Validate(); err != nil {
		return VerificationResult{}, err
	}
	now := c.opts.Clock.Now()
	if u.Timestamp.IsZero() {
		u.Timestamp = now
	}
	if err := c.checkNotAhead(u.Timestamp, now); err != nil {
		return VerificationResult{}, err
	}
	a, err := c.actorFor(ctx, u.ZoneID)
	if err != nil {
		return VerificationResult{}, err
	}
	return call(ctx, a, func() (VerificationResult, error) {
		return a.submitLocation(u)
	})
}

// checkNotAhead rejects fixes stamped in the future. Accepting one would make
// every later honest ping look stale.
func (c *Coordinator) checkNotAhead(fix, now time.Time) error {
	if ahead := fix.Sub(now); ahead > c.opts.MaxClockSkew {
		return fmt.Errorf("%w: fix is %s ahead of server time, limit %s", ErrStaleLocation, ahead.Round(time.Second), c.opts.MaxClockSkew)
	}
	return nil
}

// StartLoading moves the entry at position 1 from waiting to loading
func (c *Coordinator) StartLoading(ctx context.Context, actor Actor, zoneID, entryID string) (models.QueueEntry, error) {
	a, err := c.actorFor(ctx, zoneID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	return call(ctx, a, func() (models.QueueEntry, error) {
		return a.startLoading(actor, entryID)
	})
}

// MarkDeparted completes a loading entry and renumbers the queue
func (c *Coordinator) MarkDeparted(ctx context.Context, actor Actor, zoneID, entryID string) (models.QueueEntry, error) {
	a, err := c.actorFor(ctx, zoneID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	return call(ctx, a, func() (models.QueueEntry, error) {
		return a.markDeparted(actor, entryID)
	})
}

// Skip sends a waiting entry to the tail. The original entry is archived as
// skipped and the returned entry is its replacement at the back of the queue.
func (c *Coordinator) Skip(ctx context.Context, actor Actor, zoneID, entryID, reason string) (models.QueueEntry, error) {
	a, err := c.actorFor(ctx, zoneID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	return call(ctx, a, func() (models.QueueEntry, error) {
		return a.skip(actor, entryID, reason)
	})
}

// Remove ejects a waiting or loading entry
func (c *Coordinator) Remove(ctx context.Context, actor Actor, zoneID, entryID, reason string) (models.QueueEntry, error) {
	a, err := c.actorFor(ctx, zoneID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	return call(ctx, a, func() (models.QueueEntry, error) {
		return a.remove(actor, entryID, reason)
	})
}

// Snapshot returns a consistent copy of the zone's active queue
func (c *Coordinator) Snapshot(ctx context.Context, zoneID string) (QueueSnapshot, error) {
	a, err := c.actorFor(ctx, zoneID)
	if err != nil {
		return QueueSnapshot{}, err
	}
	return call(ctx, a, func() (QueueSnapshot, error) {
		return a.store.Snapshot(), nil
	})
}

// Entry looks up any entry of the zone, including archived ones
func (c *Coordinator) Entry(ctx context.Context, zoneID, entryID string) (models.QueueEntry, error) {
	a, err := c.actorFor(ctx, zoneID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	return call(ctx, a, func() (models.QueueEntry, error) {
		e, ok := a.store.Lookup(entryID)
		if !ok {
			return models.QueueEntry{}, ErrEntryNotFound
		}
		return e.Clone(), nil
	})
}

// Archived lists the zone's terminal entries
func (c *Coordinator) Archived(ctx context.Context, zoneID string) ([]models.QueueEntry, error) {
	a, err := c.actorFor(ctx, zoneID)
	if err != nil {
		return nil, err
	}
	return call(ctx, a, func() ([]models.QueueEntry, error) {
		return a.store.Archived(), nil
	})
}

// Events reads the zone's audit log straight from durable storage
func (c *Coordinator) Events(ctx context.Context, zoneID string, afterSeq int64) ([]models.QueueEvent, error) {
	if _, err := c.opts.Zones.GetZone(ctx, zoneID); err != nil {
		return nil, err
	}
	return c.opts.Log.Load(ctx, zoneID, afterSeq)
}

// Rebuild discards the zone's in-memory queue and replays it from the log
func (c *Coordinator) Rebuild(ctx context.Context, zoneID string) error {
	a, err := c.actorFor(ctx, zoneID)
	if err != nil {
		return err
	}
	_, err = call(ctx, a, func() (struct{}, error) { return struct{}{}, nil }, withRebuild())
	return err
}

type callOption func(*callConfig)

type callConfig struct {
	rebuild bool
}

func withRebuild() callOption {
	return func(c *callConfig) { c.rebuild = true }
}

// call runs fn on the zone's actor goroutine and waits for its result.
//
// ctx is checked once more when the actor picks the command up. After that the
// command runs to completion; if ctx ends while waiting for the result the
// caller gets ctx.Err() although the command may have committed. Callers treat
// that outcome as unknown and resync from Snapshot or Events.
func call[T any](ctx context.Context, a *zoneActor, fn func() (T, error), opts ...callOption) (T, error) {
	var cfg callConfig
	for _, o := range opts {
		o(&cfg)
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	cmd := func() {
		if err := ctx.Err(); err != nil {
			done <- result{err: err}
			return
		}
		if cfg.rebuild {
			a.dirty = true
		}
		if err := a.ensureLoaded(); err != nil {
			done <- result{err: err}
			return
		}
		v, err := fn()
		done <- result{v: v, err: err}
	}

	var zero T
	select {
	case a.cmds <- cmd:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-a.c.ctx.Done():
		return zero, ErrClosed
	}

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-a.c.ctx.Done():
		return zero, ErrClosed
	}
}

func logCommandError(zoneID, op string, err error) {
	log.Printf("❌ [QUEUE] zone %s: %s failed: %v", zoneID, op, err)
}
