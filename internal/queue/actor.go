package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"rankqueue-backend/internal/geo"
	"rankqueue-backend/internal/models"

	"github.com/google/uuid"
)

// zoneActor is the single writer of one zone's queue
type zoneActor struct {
	c      *Coordinator
	zoneID string
	store  *Store
	grace  *GracePeriodScheduler
	cmds   chan func()
	loaded bool
	dirty  bool // in-memory state may have diverged from the log
}

func newZoneActor(c *Coordinator, zoneID string) *zoneActor {
	return &zoneActor{
		c:      c,
		zoneID: zoneID,
		store:  NewStore(zoneID, c.opts.EstimateWindow),
		grace:  NewGracePeriodScheduler(c.opts.Clock),
		cmds:   make(chan func(), c.opts.CommandBuffer),
	}
}

func (a *zoneActor) run() {
	defer a.c.wg.Done()
	defer a.grace.StopAll()

	for {
		select {
		case cmd := <-a.cmds:
			cmd()
		case <-a.c.ctx.Done():
			return
		}
	}
}

// post enqueues an internal command without waiting for it
func (a *zoneActor) post(cmd func()) {
	select {
	case a.cmds <- cmd:
	case <-a.c.ctx.Done():
	}
}

func (a *zoneActor) now() time.Time { return a.c.opts.Clock.Now() }

// ensureLoaded replays the event log when the actor starts or after a
// persistence failure left the in-memory queue in doubt.
func (a *zoneActor) ensureLoaded() error {
	if a.loaded && !a.dirty {
		return nil
	}

	var events []models.QueueEvent
	err := a.c.opts.Retry.Do(a.c.ctx, "load zone "+a.zoneID, func(ctx context.Context) error {
		var err error
		events, err = a.c.opts.Log.Load(ctx, a.zoneID, 0)
		return err
	})
	if err != nil {
		return err
	}

	store, err := Replay(a.zoneID, events, a.c.opts.EstimateWindow)
	if err != nil {
		log.Printf("❌ [QUEUE] zone %s: replay failed: %v", a.zoneID, err)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	a.grace.StopAll()
	a.store = store
	a.loaded = true
	a.dirty = false

	unverified := 0
	for _, e := range store.Active() {
		if !e.Verified {
			unverified++
		}
		a.watch(e)
	}
	log.Printf("✅ [QUEUE] zone %s loaded: %d events, %d active entries, %d in grace", a.zoneID, len(events), store.Len(), unverified)
	return nil
}

// commit writes ev to the log and only then swaps in the new state.
func (a *zoneActor) commit(ev models.QueueEvent) (Applied, error) {
	ev.ZoneID = a.zoneID
	ev.Seq = a.store.LastSeq() + 1
	ev.EventID = uuid.NewString()

	next := a.store.Clone()
	applied, err := Apply(next, ev)
	if err != nil {
		return Applied{}, err
	}

	err = a.c.opts.Retry.Do(a.c.ctx, string(ev.Type), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, a.c.opts.AppendTimeout)
		defer cancel()
		err := a.c.opts.Log.Append(ctx, ev, applied.Changed)
		if errors.Is(err, ErrSequenceExists) {
			return permanent(err)
		}
		return err
	})
	if err != nil {
		// the append may or may not have landed; the log decides on next load
		a.dirty = true
		logCommandError(a.zoneID, string(ev.Type), err)
		return Applied{}, err
	}

	next.settle()
	a.store = next
	a.c.opts.Broadcaster.Publish(ZoneUpdate{
		ZoneID:    a.zoneID,
		Seq:       ev.Seq,
		Event:     ev,
		Entry:     applied.Entry,
		Requeued:  applied.Requeued,
		Positions: applied.Positions,
	})
	return applied, nil
}

func (a *zoneActor) join(req JoinRequest, zone models.LoadingZone) (JoinResult, error) {
	if _, ok := a.store.ActiveByDriver(req.DriverID); ok {
		return JoinResult{}, ErrAlreadyQueued
	}

	snap := zone.Snapshot()
	point := geo.Point{Latitude: req.Latitude, Longitude: req.Longitude}
	inside, dist, err := geo.IsWithinZone(point, snap.Circle())
	if err != nil {
		return JoinResult{}, err
	}
	if !inside {
		return JoinResult{}, fmt.Errorf("%w: %.1fm from center, radius %dm", ErrOutOfRange, dist, snap.RadiusMeters)
	}

	now := a.now().UnixMilli()
	entry := models.QueueEntry{
		ID:                 uuid.NewString(),
		ZoneID:             a.zoneID,
		DriverID:           req.DriverID,
		Ticket:             a.store.NextTicket(),
		Position:           a.store.Len() + 1,
		Status:             models.EntryStatusWaiting,
		JoinedAt:           now,
		Latitude:           req.Latitude,
		Longitude:          req.Longitude,
		LastLocationUpdate: req.FixTime.UnixMilli(),
		Verified:           true,
		DistanceFromZone:   dist,
		Notes:              req.Notes,
		Zone:               snap,
	}
	if req.VehicleID != "" {
		v := req.VehicleID
		entry.VehicleID = &v
	}

	applied, err := a.commit(models.QueueEvent{
		Type:       models.EventEntryJoined,
		EntryID:    entry.ID,
		ActorID:    req.DriverID,
		ActorRole:  models.RoleDriver,
		OccurredAt: now,
		Payload:    encodePayload(joinedPayload{Entry: entry}),
	})
	if err != nil {
		return JoinResult{}, err
	}

	e := applied.Entry
	a.watch(&e)
	wait := a.store.EstimatedWait(e.Position, a.c.opts.DefaultLoadingDuration)
	log.Printf("✅ [QUEUE] zone %s: driver %s joined at position %d (%.1fm from center, est. wait %s)",
		a.zoneID, e.DriverID, e.Position, dist, wait.Round(time.Second))
	if e.Position == 1 {
		a.notify(NotifyNextInLine, e, 0)
	}
	return JoinResult{
		Entry:                e,
		Position:             e.Position,
		EstimatedWait:        wait,
		EstimatedWaitSeconds: int64(wait / time.Second),
	}, nil
}

func (a *zoneActor) submitLocation(u LocationUpdate) (VerificationResult, error) {
	e, ok := a.store.ActiveByDriver(u.DriverID)
	if !ok {
		return VerificationResult{}, ErrNotInQueue
	}
	// a re-sent fix carries the same timestamp and is accepted again
	ts := u.Timestamp.UnixMilli()
	if ts < e.LastLocationUpdate {
		return VerificationResult{}, fmt.Errorf("%w: %d before %d", ErrStaleLocation, ts, e.LastLocationUpdate)
	}

	circle := e.Zone.Circle()
	inside, dist, err := geo.IsWithinZone(geo.Point{Latitude: u.Latitude, Longitude: u.Longitude}, circle)
	if err != nil {
		return VerificationResult{}, err
	}

	p := locationPayload{
		Latitude:        u.Latitude,
		Longitude:       u.Longitude,
		Timestamp:       ts,
		DistanceMeters:  dist,
		Verified:        inside,
		VerifiedChanged: inside != e.Verified,
	}
	if !inside {
		if e.UnverifiedSince != nil {
			since := *e.UnverifiedSince
			p.UnverifiedSince = &since
		} else {
			since := a.now().UnixMilli()
			p.UnverifiedSince = &since
		}
	}

	applied, err := a.commit(models.QueueEvent{
		Type:       models.EventLocationRecorded,
		EntryID:    e.ID,
		ActorID:    u.DriverID,
		ActorRole:  models.RoleDriver,
		OccurredAt: a.now().UnixMilli(),
		Payload:    encodePayload(p),
	})
	if err != nil {
		return VerificationResult{}, err
	}

	entry := applied.Entry
	res := VerificationResult{
		EntryID:        entry.ID,
		Position:       entry.Position,
		Verified:       inside,
		Changed:        p.VerifiedChanged,
		DistanceMeters: dist,
	}
	if inside {
		a.grace.Cancel(entry.ID)
		if p.VerifiedChanged {
			log.Printf("✅ [QUEUE] zone %s: driver %s back inside, grace timer cancelled", a.zoneID, entry.DriverID)
		}
		a.watch(&entry)
		return res, nil
	}

	res.OverageMeters = dist - circle.RadiusMeters
	if p.VerifiedChanged {
		// drop the silence timer, the grace period replaces it
		a.grace.Cancel(entry.ID)
	}
	deadline, started := a.startGrace(&entry)
	res.GraceDeadline = &deadline
	if started {
		log.Printf("⚠️  [QUEUE] zone %s: driver %s is %.1fm outside, grace period until %s",
			a.zoneID, entry.DriverID, res.OverageMeters, deadline.Format(time.RFC3339))
		a.notify(NotifyGraceStarted, entry, deadline.UnixMilli())
	}
	return res, nil
}

// watch arms the entry's one timer. An unverified entry runs out its grace
// period; a verified one lapses once a whole grace period passes without a fix.
func (a *zoneActor) watch(e *models.QueueEntry) (time.Time, bool) {
	if !e.Verified {
		return a.startGrace(e)
	}
	lastFix := time.UnixMilli(e.LastLocationUpdate)
	remaining := lastFix.Add(e.Zone.GracePeriod()).Sub(a.now())
	if remaining < 0 {
		remaining = 0
	}
	return a.grace.Start(e.ID, remaining, a.onGraceExpired)
}

// startGrace arms the entry's timer for whatever is left of its grace period
func (a *zoneActor) startGrace(e *models.QueueEntry) (time.Time, bool) {
	remaining := e.Zone.GracePeriod()
	if e.UnverifiedSince != nil {
		elapsed := a.now().Sub(time.UnixMilli(*e.UnverifiedSince))
		remaining -= elapsed
	}
	if remaining < 0 {
		remaining = 0
	}
	return a.grace.Start(e.ID, remaining, a.onGraceExpired)
}

// onGraceExpired runs on the timer's goroutine and hands the expiry to the actor
func (a *zoneActor) onGraceExpired(entryID string, gen uint64) {
	go a.post(func() {
		if err := a.ensureLoaded(); err != nil {
			logCommandError(a.zoneID, "grace expiry", err)
			return
		}
		if err := a.expire(entryID, gen); err != nil {
			if errors.Is(err, ErrAlreadyTerminal) {
				log.Printf("ℹ️  [QUEUE] zone %s: grace expiry for %s ignored, entry already terminal", a.zoneID, entryID)
				return
			}
			logCommandError(a.zoneID, "grace expiry", err)
		}
	})
}

// expire applies the zone policy to an entry whose grace period ran out, or
// whose driver went silent for as long.
func (a *zoneActor) expire(entryID string, gen uint64) error {
	e, ok := a.store.Lookup(entryID)
	if !ok {
		a.grace.Claim(entryID, gen)
		return ErrEntryNotFound
	}
	if e.Status.IsTerminal() {
		a.grace.Claim(entryID, gen)
		return ErrAlreadyTerminal
	}
	if !a.grace.Claim(entryID, gen) {
		// cancelled or re-armed after this timer fired
		return nil
	}
	reason := fmt.Sprintf("grace period of %s expired outside the zone", e.Zone.GracePeriod())
	if e.Verified {
		lapsed, err := a.lapse(e)
		if err != nil {
			return err
		}
		e = lapsed
		reason = fmt.Sprintf("no location update for %s", e.Zone.GracePeriod())
	}

	system := SystemActor()
	removeIt := e.Zone.BoundaryPolicy == models.BoundaryStrict ||
		e.Status == models.EntryStatusLoading ||
		e.SkipCount >= a.c.opts.MaxAutoSkips

	if removeIt {
		removed, err := a.remove(system, entryID, reason)
		if err != nil {
			return err
		}
		a.notify(NotifyAutoRemoved, removed, 0)
		return nil
	}

	requeued, err := a.skip(system, entryID, reason)
	if err != nil {
		return err
	}
	a.notify(NotifyAutoSkipped, requeued, 0)
	return nil
}

// lapse records that a verified driver stopped reporting. The entry counts as
// unverified from its last fix, so its grace period has already run out.
func (a *zoneActor) lapse(e *models.QueueEntry) (*models.QueueEntry, error) {
	system := SystemActor()
	applied, err := a.commit(models.QueueEvent{
		Type:       models.EventLocationLapsed,
		EntryID:    e.ID,
		ActorID:    system.ID,
		ActorRole:  system.Role,
		OccurredAt: a.now().UnixMilli(),
		Payload:    encodePayload(lapsedPayload{LastSeen: e.LastLocationUpdate, UnverifiedSince: e.LastLocationUpdate}),
	})
	if err != nil {
		return nil, err
	}
	log.Printf("⚠️  [QUEUE] zone %s: driver %s silent since %s, no longer verified",
		a.zoneID, applied.Entry.DriverID, time.UnixMilli(e.LastLocationUpdate).UTC().Format(time.RFC3339))
	lapsed, _ := a.store.Lookup(e.ID)
	return lapsed, nil
}

// canMarshal reports whether actor may act as the entry's marshal.
// Operators administer every zone and may stand in for its marshal.
func canMarshal(e *models.QueueEntry, actor Actor) bool {
	switch actor.Role {
	case models.RoleSystem, models.RoleOperator:
		return true
	case models.RoleMarshal:
		auth := e.Zone.Authorization
		if auth.Mode == models.AuthMarshalRequired && auth.MarshalID != "" {
			return actor.ID == auth.MarshalID
		}
		return true
	}
	return false
}

// canAdvance covers start-loading and departure, where self-service drivers may self-attest
func canAdvance(e *models.QueueEntry, actor Actor) bool {
	if canMarshal(e, actor) {
		return true
	}
	return e.Zone.Authorization.Mode == models.AuthSelfService &&
		actor.Role == models.RoleDriver &&
		actor.ID == e.DriverID
}

// lookupLive returns an active entry or the error that explains why it isn't
func (a *zoneActor) lookupLive(entryID string) (*models.QueueEntry, error) {
	e, ok := a.store.Lookup(entryID)
	if !ok {
		return nil, ErrEntryNotFound
	}
	if e.Status.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	return e, nil
}

func (a *zoneActor) startLoading(actor Actor, entryID string) (models.QueueEntry, error) {
	e, err := a.lookupLive(entryID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if !canAdvance(e, actor) {
		return models.QueueEntry{}, ErrNotAuthorized
	}
	if e.Status != models.EntryStatusWaiting {
		return models.QueueEntry{}, fmt.Errorf("%w: entry is %s", ErrInvalidTransition, e.Status)
	}
	if e.Position != 1 {
		return models.QueueEntry{}, fmt.Errorf("%w: entry is at position %d", ErrWrongPosition, e.Position)
	}

	now := a.now().UnixMilli()
	applied, err := a.commit(models.QueueEvent{
		Type:       models.EventLoadingStarted,
		EntryID:    e.ID,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		OccurredAt: now,
		Payload:    encodePayload(loadingPayload{StartedAt: now}),
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	log.Printf("🚕 [QUEUE] zone %s: driver %s started loading", a.zoneID, applied.Entry.DriverID)
	return applied.Entry, nil
}

func (a *zoneActor) markDeparted(actor Actor, entryID string) (models.QueueEntry, error) {
	e, err := a.lookupLive(entryID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if !canAdvance(e, actor) {
		return models.QueueEntry{}, ErrNotAuthorized
	}
	if e.Status != models.EntryStatusLoading {
		return models.QueueEntry{}, fmt.Errorf("%w: entry is %s", ErrInvalidTransition, e.Status)
	}

	now := a.now().UnixMilli()
	applied, err := a.commit(models.QueueEvent{
		Type:       models.EventEntryDeparted,
		EntryID:    e.ID,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		OccurredAt: now,
		Payload:    encodePayload(departedPayload{DepartedAt: now}),
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	a.grace.Cancel(e.ID)
	a.afterRenumber(applied)
	log.Printf("🏁 [QUEUE] zone %s: driver %s departed, %d entries moved up", a.zoneID, applied.Entry.DriverID, len(applied.Positions))
	return applied.Entry, nil
}

func (a *zoneActor) skip(actor Actor, entryID, reason string) (models.QueueEntry, error) {
	e, err := a.lookupLive(entryID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if !canMarshal(e, actor) {
		return models.QueueEntry{}, ErrNotAuthorized
	}
	if e.Status != models.EntryStatusWaiting {
		return models.QueueEntry{}, fmt.Errorf("%w: entry is %s", ErrInvalidTransition, e.Status)
	}
	if reason == "" {
		reason = "skipped"
	}

	now := a.now().UnixMilli()
	requeued := e.Clone()
	requeued.ID = uuid.NewString()
	requeued.Ticket = a.store.NextTicket()
	requeued.Position = a.store.Len() // one leaves, one joins the tail
	requeued.Status = models.EntryStatusWaiting
	requeued.JoinedAt = now
	requeued.LoadingStartedAt = nil
	requeued.TerminalAt = nil
	requeued.TerminalReason = nil
	requeued.SkipCount = e.SkipCount + 1
	requeued.Notes = fmt.Sprintf("requeued from %s: %s", e.ID, reason)
	if !requeued.Verified {
		requeued.UnverifiedSince = &now
	}

	applied, err := a.commit(models.QueueEvent{
		Type:       models.EventEntrySkipped,
		EntryID:    e.ID,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		OccurredAt: now,
		Payload:    encodePayload(skippedPayload{Reason: reason, SkippedAt: now, Requeued: requeued}),
	})
	if err != nil {
		return models.QueueEntry{}, err
	}

	a.grace.Cancel(e.ID)
	next := *applied.Requeued
	a.watch(&next)
	a.afterRenumber(applied)
	if next.Position == 1 {
		a.notify(NotifyNextInLine, next, 0)
	}
	log.Printf("⏭️  [QUEUE] zone %s: driver %s skipped to position %d (%s)", a.zoneID, next.DriverID, next.Position, reason)
	return next, nil
}

func (a *zoneActor) remove(actor Actor, entryID, reason string) (models.QueueEntry, error) {
	e, err := a.lookupLive(entryID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if !canMarshal(e, actor) {
		return models.QueueEntry{}, ErrNotAuthorized
	}
	if reason == "" {
		reason = "removed"
	}
	return a.commitRemoval(e, actor, reason)
}

func (a *zoneActor) leave(driverID string) (models.QueueEntry, error) {
	e, ok := a.store.ActiveByDriver(driverID)
	if !ok {
		return models.QueueEntry{}, ErrNotInQueue
	}
	return a.commitRemoval(e, Actor{ID: driverID, Role: models.RoleDriver}, "left the queue")
}

func (a *zoneActor) commitRemoval(e *models.QueueEntry, actor Actor, reason string) (models.QueueEntry, error) {
	now := a.now().UnixMilli()
	applied, err := a.commit(models.QueueEvent{
		Type:       models.EventEntryRemoved,
		EntryID:    e.ID,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		OccurredAt: now,
		Payload:    encodePayload(removedPayload{Reason: reason, RemovedAt: now}),
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	a.grace.Cancel(e.ID)
	a.afterRenumber(applied)
	log.Printf("🚫 [QUEUE] zone %s: driver %s removed by %s (%s)", a.zoneID, applied.Entry.DriverID, actor.Role, reason)
	return applied.Entry, nil
}

// afterRenumber tells whoever just reached the front
func (a *zoneActor) afterRenumber(applied Applied) {
	for _, pc := range applied.Positions {
		if pc.To == 1 && pc.From != 1 {
			if e, ok := a.store.Lookup(pc.EntryID); ok {
				a.notify(NotifyNextInLine, *e, 0)
			}
		}
	}
}

func (a *zoneActor) notify(kind NotificationKind, e models.QueueEntry, graceDeadline int64) {
	a.c.opts.Notifier.Notify(Notification{
		Kind:          kind,
		ZoneID:        a.zoneID,
		EntryID:       e.ID,
		DriverID:      e.DriverID,
		Position:      e.Position,
		GraceDeadline: graceDeadline,
	})
}
