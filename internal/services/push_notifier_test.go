package services

import (
	"context"
	"sync"
	"testing"

	"rankqueue-backend/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePush struct {
	mu     sync.Mutex
	tokens map[string][]string
	sent   []PushMessage
	stale  []string
}

func (f *fakePush) FCMTokens(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens[userID]...), nil
}

func (f *fakePush) DeleteFCMToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for user, list := range f.tokens {
		kept := list[:0]
		for _, t := range list {
			if t != token {
				kept = append(kept, t)
			}
		}
		f.tokens[user] = kept
	}
	return nil
}

func (f *fakePush) SendToTokens(_ context.Context, tokens []string, msg PushMessage) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	var stale []string
	for _, t := range tokens {
		for _, s := range f.stale {
			if t == s {
				stale = append(stale, t)
			}
		}
	}
	return stale, nil
}

func TestBuildQueueMessage(t *testing.T) {
	tests := []struct {
		name  string
		n     queue.Notification
		title string
		body  string
	}{
		{
			name:  "next in line",
			n:     queue.Notification{Kind: queue.NotifyNextInLine, ZoneID: "z1", EntryID: "e1", Position: 1},
			title: "You're next!",
			body:  "You're at the front of the queue. Pull forward when the marshal calls you.",
		},
		{
			name:  "grace started",
			n:     queue.Notification{Kind: queue.NotifyGraceStarted, ZoneID: "z1", EntryID: "e1", GraceDeadline: 1772453100000},
			title: "Return to the loading zone",
			body:  "You've left the zone. Come back before 12:05 UTC to keep your place.",
		},
		{
			name:  "auto skipped",
			n:     queue.Notification{Kind: queue.NotifyAutoSkipped, ZoneID: "z1", EntryID: "e2", Position: 4},
			title: "Moved to the back of the queue",
			body:  "Your grace period ran out while you were outside the zone. You're now number 4.",
		},
		{
			name:  "auto removed",
			n:     queue.Notification{Kind: queue.NotifyAutoRemoved, ZoneID: "z1", EntryID: "e1"},
			title: "Removed from the queue",
			body:  "Your grace period ran out while you were outside the zone. Join again when you're back.",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := BuildQueueMessage(tc.n)
			assert.Equal(t, tc.title, msg.Title)
			assert.Equal(t, tc.body, msg.Body)
			assert.Equal(t, string(tc.n.Kind), msg.Data["type"])
			assert.Equal(t, tc.n.EntryID, msg.Data["entry_id"])
		})
	}

	msg := BuildQueueMessage(queue.Notification{Kind: queue.NotifyGraceStarted, GraceDeadline: 1772453100000})
	assert.Equal(t, "1772453100000", msg.Data["grace_deadline"])
	_, hasPosition := msg.Data["position"]
	assert.False(t, hasPosition)
}

func TestPushNotifierDeliversAndPrunes(t *testing.T) {
	fake := &fakePush{
		tokens: map[string][]string{"d1": {"good", "gone"}},
		stale:  []string{"gone"},
	}
	p := NewPushNotifier(fake, fake, 4)
	go p.Run(context.Background())

	p.Notify(queue.Notification{Kind: queue.NotifyNextInLine, DriverID: "d1", ZoneID: "z1", EntryID: "e1", Position: 1})
	p.Notify(queue.Notification{Kind: queue.NotifyNextInLine, DriverID: "nobody", ZoneID: "z1", EntryID: "e9", Position: 1})
	p.Close()

	require.Len(t, fake.sent, 1, "drivers without devices are skipped")
	assert.Equal(t, "You're next!", fake.sent[0].Title)
	assert.Equal(t, []string{"good"}, fake.tokens["d1"])

	// Notify after Close is ignored
	p.Notify(queue.Notification{Kind: queue.NotifyAutoRemoved, DriverID: "d1"})
	assert.Len(t, fake.sent, 1)
}
