package queue

import (
	"fmt"
	"sort"

	"rankqueue-backend/internal/models"
)

// PositionChange records an entry whose position moved because of a commit
type PositionChange struct {
	EntryID  string `json:"entry_id"`
	DriverID string `json:"driver_id"`
	From     int    `json:"from"`
	To       int    `json:"to"`
}

// Store is one zone's queue: active entries in position order plus the archive
// of terminal entries. It is not safe for concurrent use; only the zone's actor
// touches it, and readers get copies through Snapshot.
//
// The archive map is shared by a store and its clones. Entries archived by a
// clone sit in archived until settle folds them in.
type Store struct {
	zoneID     string
	order      []*models.QueueEntry          // index i holds position i+1
	active     map[string]*models.QueueEntry // entryID -> entry
	byDriver   map[string]*models.QueueEntry // driverID -> active entry
	archive    map[string]*models.QueueEntry // settled terminal entries, kept for disputes
	archived   map[string]*models.QueueEntry // terminal since the last settle
	nextTicket int64
	lastSeq    int64
	loading    *waitEstimator
}

func NewStore(zoneID string, estimateWindow int) *Store {
	return &Store{
		zoneID:     zoneID,
		active:     make(map[string]*models.QueueEntry),
		byDriver:   make(map[string]*models.QueueEntry),
		archive:    make(map[string]*models.QueueEntry),
		archived:   make(map[string]*models.QueueEntry),
		nextTicket: 1,
		loading:    newWaitEstimator(estimateWindow),
	}
}

// Clone copies the active queue. Commands mutate a clone and swap it in only
// after the event log accepted the change. Settled archive entries never
// change and are not copied.
func (s *Store) Clone() *Store {
	c := &Store{
		zoneID:     s.zoneID,
		order:      make([]*models.QueueEntry, len(s.order)),
		active:     make(map[string]*models.QueueEntry, len(s.active)),
		byDriver:   make(map[string]*models.QueueEntry, len(s.byDriver)),
		archive:    s.archive,
		archived:   make(map[string]*models.QueueEntry, len(s.archived)),
		nextTicket: s.nextTicket,
		lastSeq:    s.lastSeq,
		loading:    s.loading.clone(),
	}
	for i, e := range s.order {
		cp := e.Clone()
		c.order[i] = &cp
		c.active[cp.ID] = &cp
		c.byDriver[cp.DriverID] = &cp
	}
	for id, e := range s.archived {
		c.archived[id] = e
	}
	return c
}

// settle moves entries archived since the last settle into the shared archive.
// Only the store the actor keeps after a commit may settle.
func (s *Store) settle() {
	for id, e := range s.archived {
		s.archive[id] = e
	}
	clear(s.archived)
}

func (s *Store) lookupArchived(entryID string) (*models.QueueEntry, bool) {
	if e, ok := s.archived[entryID]; ok {
		return e, true
	}
	e, ok := s.archive[entryID]
	return e, ok
}

func (s *Store) ZoneID() string    { return s.zoneID }
func (s *Store) LastSeq() int64    { return s.lastSeq }
func (s *Store) NextTicket() int64 { return s.nextTicket }
func (s *Store) Len() int          { return len(s.order) }

// ActiveByDriver returns the driver's non-terminal entry, if any
func (s *Store) ActiveByDriver(driverID string) (*models.QueueEntry, bool) {
	e, ok := s.byDriver[driverID]
	return e, ok
}

// Lookup finds an entry by ID among active and archived entries
func (s *Store) Lookup(entryID string) (*models.QueueEntry, bool) {
	if e, ok := s.active[entryID]; ok {
		return e, true
	}
	return s.lookupArchived(entryID)
}

// TryAppend adds a new waiting entry at the tail, assigning its ticket and position.
func (s *Store) TryAppend(e *models.QueueEntry) error {
	if _, ok := s.byDriver[e.DriverID]; ok {
		return ErrAlreadyQueued
	}
	if _, ok := s.active[e.ID]; ok {
		return fmt.Errorf("entry %s already present", e.ID)
	}
	if _, ok := s.lookupArchived(e.ID); ok {
		return fmt.Errorf("entry %s already archived", e.ID)
	}

	e.ZoneID = s.zoneID
	e.Ticket = s.nextTicket
	e.Position = len(s.order) + 1
	e.Status = models.EntryStatusWaiting
	s.nextTicket++

	s.order = append(s.order, e)
	s.active[e.ID] = e
	s.byDriver[e.DriverID] = e
	return nil
}

// CompareAndSetStatus moves an entry to next only if its current status is one
// of expect. Moving to a terminal status archives the entry; the caller must
// follow with RenumberAfterRemoval.
func (s *Store) CompareAndSetStatus(entryID string, expect []models.EntryStatus, next models.EntryStatus, at int64) (*models.QueueEntry, error) {
	e, ok := s.active[entryID]
	if !ok {
		if _, archived := s.lookupArchived(entryID); archived {
			return nil, ErrAlreadyTerminal
		}
		return nil, ErrEntryNotFound
	}

	allowed := false
	for _, st := range expect {
		if e.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: entry is %s", ErrInvalidTransition, e.Status)
	}

	e.Status = next
	if next == models.EntryStatusLoading {
		e.LoadingStartedAt = &at
	}
	if next.IsTerminal() {
		e.TerminalAt = &at
		delete(s.active, e.ID)
		delete(s.byDriver, e.DriverID)
		s.archived[e.ID] = e
	}
	return e, nil
}

// RenumberAfterRemoval drops an archived entry from the order and shifts
// everyone behind it forward by one.
func (s *Store) RenumberAfterRemoval(entryID string) []PositionChange {
	idx := -1
	for i, e := range s.order {
		if e.ID == entryID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	removed := s.order[idx]
	removed.Position = 0
	s.order = append(s.order[:idx], s.order[idx+1:]...)

	changes := make([]PositionChange, 0, len(s.order)-idx)
	for i := idx; i < len(s.order); i++ {
		e := s.order[i]
		from := e.Position
		e.Position = i + 1
		changes = append(changes, PositionChange{EntryID: e.ID, DriverID: e.DriverID, From: from, To: e.Position})
	}
	return changes
}

// Head returns the entry at position 1
func (s *Store) Head() (*models.QueueEntry, bool) {
	if len(s.order) == 0 {
		return nil, false
	}
	return s.order[0], true
}

// LoadingEntry returns the entry currently loading, if any
func (s *Store) LoadingEntry() (*models.QueueEntry, bool) {
	for _, e := range s.order {
		if e.Status == models.EntryStatusLoading {
			return e, true
		}
	}
	return nil, false
}

// Active returns live entries in position order (shared pointers, actor use only)
func (s *Store) Active() []*models.QueueEntry {
	out := make([]*models.QueueEntry, len(s.order))
	copy(out, s.order)
	return out
}

// QueueSnapshot is a consistent point-in-time copy of a zone's queue
type QueueSnapshot struct {
	ZoneID  string              `json:"zone_id"`
	Seq     int64               `json:"seq"`
	Entries []models.QueueEntry `json:"entries"`
}

// Snapshot copies every active entry in position order
func (s *Store) Snapshot() QueueSnapshot {
	entries := make([]models.QueueEntry, len(s.order))
	for i, e := range s.order {
		entries[i] = e.Clone()
	}
	return QueueSnapshot{ZoneID: s.zoneID, Seq: s.lastSeq, Entries: entries}
}

// Archived copies terminal entries ordered by ticket
func (s *Store) Archived() []models.QueueEntry {
	out := make([]models.QueueEntry, 0, len(s.archive)+len(s.archived))
	for _, e := range s.archive {
		out = append(out, e.Clone())
	}
	for _, e := range s.archived {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// CheckInvariants verifies the queue's structural rules
func (s *Store) CheckInvariants() error {
	loading := 0
	for i, e := range s.order {
		if e.Position != i+1 {
			return fmt.Errorf("entry %s at index %d has position %d", e.ID, i, e.Position)
		}
		if e.Status.IsTerminal() {
			return fmt.Errorf("terminal entry %s still in order", e.ID)
		}
		if e.Status == models.EntryStatusLoading {
			loading++
			if e.Position != 1 {
				return fmt.Errorf("loading entry %s at position %d", e.ID, e.Position)
			}
		}
		if e.Verified && e.DistanceFromZone > float64(e.Zone.RadiusMeters) {
			return fmt.Errorf("entry %s verified at %.2fm outside radius %dm", e.ID, e.DistanceFromZone, e.Zone.RadiusMeters)
		}
		if i > 0 && s.order[i-1].Ticket >= e.Ticket {
			return fmt.Errorf("entry %s ticket %d not after %d", e.ID, e.Ticket, s.order[i-1].Ticket)
		}
		if s.byDriver[e.DriverID] != e || s.active[e.ID] != e {
			return fmt.Errorf("index mismatch for entry %s", e.ID)
		}
	}
	if loading > 1 {
		return fmt.Errorf("%d entries loading", loading)
	}
	if len(s.active) != len(s.order) || len(s.byDriver) != len(s.order) {
		return fmt.Errorf("index sizes active=%d drivers=%d order=%d", len(s.active), len(s.byDriver), len(s.order))
	}
	return nil
}
