package queue

import (
	"fmt"
	"testing"
	"time"

	"rankqueue-backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntry(id, driver string) *models.QueueEntry {
	return &models.QueueEntry{
		ID:       id,
		DriverID: driver,
		Verified: true,
		Zone:     models.ZoneSnapshot{RadiusMeters: 50, GracePeriodSeconds: 60},
	}
}

func fillStore(t *testing.T, n int) *Store {
	t.Helper()
	s := NewStore("z1", 20)
	for i := 1; i <= n; i++ {
		require.NoError(t, s.TryAppend(newEntry(fmt.Sprintf("e%d", i), fmt.Sprintf("d%d", i))))
	}
	return s
}

func TestStore_TryAppendAssignsTicketAndPosition(t *testing.T) {
	s := fillStore(t, 3)

	for i, e := range s.Active() {
		assert.Equal(t, int64(i+1), e.Ticket)
		assert.Equal(t, i+1, e.Position)
		assert.Equal(t, models.EntryStatusWaiting, e.Status)
		assert.Equal(t, "z1", e.ZoneID)
	}
	assert.Equal(t, int64(4), s.NextTicket())

	err := s.TryAppend(newEntry("e9", "d2"))
	assert.ErrorIs(t, err, ErrAlreadyQueued)
	require.NoError(t, s.CheckInvariants())
}

func TestStore_CompareAndSetStatus(t *testing.T) {
	s := fillStore(t, 2)

	_, err := s.CompareAndSetStatus("e1", []models.EntryStatus{models.EntryStatusLoading}, models.EntryStatusDeparted, 10)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	e, err := s.CompareAndSetStatus("e1", []models.EntryStatus{models.EntryStatusWaiting}, models.EntryStatusLoading, 10)
	require.NoError(t, err)
	require.NotNil(t, e.LoadingStartedAt)
	assert.Equal(t, int64(10), *e.LoadingStartedAt)

	e, err = s.CompareAndSetStatus("e1", []models.EntryStatus{models.EntryStatusLoading}, models.EntryStatusDeparted, 20)
	require.NoError(t, err)
	require.NotNil(t, e.TerminalAt)
	s.RenumberAfterRemoval("e1")

	_, err = s.CompareAndSetStatus("e1", []models.EntryStatus{models.EntryStatusLoading}, models.EntryStatusRemoved, 30)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	_, err = s.CompareAndSetStatus("nope", []models.EntryStatus{models.EntryStatusWaiting}, models.EntryStatusRemoved, 30)
	assert.ErrorIs(t, err, ErrEntryNotFound)

	_, ok := s.ActiveByDriver("d1")
	assert.False(t, ok)
	require.NoError(t, s.CheckInvariants())
}

func TestStore_RenumberAfterRemoval(t *testing.T) {
	s := fillStore(t, 4)

	_, err := s.CompareAndSetStatus("e2", []models.EntryStatus{models.EntryStatusWaiting}, models.EntryStatusRemoved, 1)
	require.NoError(t, err)
	changes := s.RenumberAfterRemoval("e2")

	assert.Equal(t, []PositionChange{
		{EntryID: "e3", DriverID: "d3", From: 3, To: 2},
		{EntryID: "e4", DriverID: "d4", From: 4, To: 3},
	}, changes)

	archived, ok := s.Lookup("e2")
	require.True(t, ok)
	assert.Equal(t, 0, archived.Position)
	assert.Equal(t, 3, s.Len())
	require.NoError(t, s.CheckInvariants())

	// tickets keep growing even though positions were reused
	require.NoError(t, s.TryAppend(newEntry("e5", "d5")))
	e5, _ := s.Lookup("e5")
	assert.Equal(t, int64(5), e5.Ticket)
	assert.Equal(t, 4, e5.Position)
}

func TestStore_CloneIsIndependent(t *testing.T) {
	s := fillStore(t, 2)
	c := s.Clone()

	_, err := c.CompareAndSetStatus("e1", []models.EntryStatus{models.EntryStatusWaiting}, models.EntryStatusRemoved, 1)
	require.NoError(t, err)
	c.RenumberAfterRemoval("e1")

	assert.Equal(t, 2, s.Len())
	head, ok := s.Head()
	require.True(t, ok)
	assert.Equal(t, "e1", head.ID)
	assert.Equal(t, models.EntryStatusWaiting, head.Status)
	require.NoError(t, s.CheckInvariants())
	require.NoError(t, c.CheckInvariants())
}

func TestStore_CloneSharesSettledArchive(t *testing.T) {
	waiting := []models.EntryStatus{models.EntryStatusWaiting}
	s := fillStore(t, 3)
	_, err := s.CompareAndSetStatus("e1", waiting, models.EntryStatusRemoved, 1)
	require.NoError(t, err)
	s.RenumberAfterRemoval("e1")
	s.settle()

	c := s.Clone()
	assert.Empty(t, c.archived, "settled entries are shared, not copied")
	_, ok := c.Lookup("e1")
	assert.True(t, ok)

	_, err = c.CompareAndSetStatus("e2", waiting, models.EntryStatusRemoved, 2)
	require.NoError(t, err)
	c.RenumberAfterRemoval("e2")

	// an uncommitted clone leaves the live archive alone
	assert.Len(t, s.Archived(), 1)
	assert.Len(t, c.Archived(), 2)
	_, err = c.CompareAndSetStatus("e2", waiting, models.EntryStatusRemoved, 3)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	c.settle()
	next := c.Clone()
	assert.Empty(t, next.archived)
	assert.Len(t, next.Archived(), 2)
	require.NoError(t, next.CheckInvariants())
}

func TestStore_CheckInvariantsCatchesVerifiedOutsideRadius(t *testing.T) {
	s := fillStore(t, 1)
	head, _ := s.Head()
	head.DistanceFromZone = 51
	assert.Error(t, s.CheckInvariants())
}

func TestWaitEstimator_MovingAverage(t *testing.T) {
	w := newWaitEstimator(3)
	assert.Equal(t, 2*time.Minute, w.average(2*time.Minute))

	w.add(1 * time.Minute)
	w.add(2 * time.Minute)
	w.add(3 * time.Minute)
	assert.Equal(t, 2*time.Minute, w.average(0))

	// oldest sample drops out
	w.add(6 * time.Minute)
	assert.Equal(t, 11*time.Minute/3, w.average(0))
}

func TestStore_EstimatedWait(t *testing.T) {
	s := fillStore(t, 3)
	assert.Equal(t, time.Duration(0), s.EstimatedWait(1, 3*time.Minute))
	assert.Equal(t, 6*time.Minute, s.EstimatedWait(3, 3*time.Minute))

	s.loading.add(time.Minute)
	assert.Equal(t, 2*time.Minute, s.EstimatedWait(3, 3*time.Minute))
}

func TestGracePeriodScheduler(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	g := NewGracePeriodScheduler(clock)

	var fired []uint64
	fire := func(_ string, gen uint64) { fired = append(fired, gen) }

	deadline, started := g.Start("e1", time.Minute, fire)
	require.True(t, started)
	assert.True(t, deadline.Equal(time.Unix(60, 0)))

	again, started := g.Start("e1", 5*time.Minute, fire)
	assert.False(t, started)
	assert.True(t, deadline.Equal(again))
	assert.Equal(t, 1, g.Len())

	assert.True(t, g.Cancel("e1"))
	clock.Advance(2 * time.Minute)
	assert.Empty(t, fired)

	g.Start("e1", time.Minute, fire)
	clock.Advance(time.Minute)
	require.Len(t, fired, 1)
	assert.False(t, g.Claim("e1", fired[0]-1))
	assert.True(t, g.Claim("e1", fired[0]))
	assert.False(t, g.Claim("e1", fired[0]))
	assert.Equal(t, 0, g.Len())
}

func TestApply_RejectsSequenceGap(t *testing.T) {
	s := NewStore("z1", 20)
	ev := models.QueueEvent{
		ZoneID:  "z1",
		Seq:     2,
		Type:    models.EventEntryJoined,
		EntryID: "e1",
		Payload: encodePayload(joinedPayload{Entry: *newEntry("e1", "d1")}),
	}
	_, err := Apply(s, ev)
	assert.ErrorIs(t, err, ErrCorruptLog)
	assert.Equal(t, int64(0), s.LastSeq())
}

func TestReplay_RejectsMismatchedTicket(t *testing.T) {
	e := newEntry("e1", "d1")
	e.Ticket = 7
	e.Position = 1
	events := []models.QueueEvent{{
		ZoneID:  "z1",
		Seq:     1,
		Type:    models.EventEntryJoined,
		EntryID: "e1",
		Payload: encodePayload(joinedPayload{Entry: *e}),
	}}
	_, err := Replay("z1", events, 20)
	assert.ErrorIs(t, err, ErrCorruptLog)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "out_of_range", ErrorCode(fmt.Errorf("%w: 51m", ErrOutOfRange)))
	assert.Equal(t, "persistence_unavailable", ErrorCode(fmt.Errorf("%w: append", ErrPersistence)))
	assert.Equal(t, "invalid_coordinate", ErrorCode(ErrInvalidCoordinate))
	assert.Equal(t, "internal", ErrorCode(fmt.Errorf("boom")))
}
