package services

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"rankqueue-backend/internal/queue"
)

// PushSender delivers a message to device tokens; *FCMService satisfies it
type PushSender interface {
	SendToTokens(ctx context.Context, tokens []string, msg PushMessage) ([]string, error)
}

// TokenStore resolves and prunes a user's device tokens
type TokenStore interface {
	FCMTokens(ctx context.Context, userID string) ([]string, error)
	DeleteFCMToken(ctx context.Context, token string) error
}

// BuildQueueMessage renders a queue notification for a driver's phone
func BuildQueueMessage(n queue.Notification) PushMessage {
	msg := PushMessage{
		Data: map[string]string{
			"type":     string(n.Kind),
			"zone_id":  n.ZoneID,
			"entry_id": n.EntryID,
		},
	}
	if n.Position > 0 {
		msg.Data["position"] = strconv.Itoa(n.Position)
	}
	if n.GraceDeadline > 0 {
		msg.Data["grace_deadline"] = strconv.FormatInt(n.GraceDeadline, 10)
	}

	switch n.Kind {
	case queue.NotifyNextInLine:
		msg.Title = "You're next!"
		msg.Body = "You're at the front of the queue. Pull forward when the marshal calls you."
	case queue.NotifyGraceStarted:
		msg.Title = "Return to the loading zone"
		msg.Body = "You've left the zone. Come back before the grace period ends to keep your place."
		if n.GraceDeadline > 0 {
			deadline := time.UnixMilli(n.GraceDeadline).UTC().Format("15:04 MST")
			msg.Body = fmt.Sprintf("You've left the zone. Come back before %s to keep your place.", deadline)
		}
	case queue.NotifyAutoSkipped:
		msg.Title = "Moved to the back of the queue"
		msg.Body = "Your grace period ran out while you were outside the zone."
		if n.Position > 0 {
			msg.Body = fmt.Sprintf("Your grace period ran out while you were outside the zone. You're now number %d.", n.Position)
		}
	case queue.NotifyAutoRemoved:
		msg.Title = "Removed from the queue"
		msg.Body = "Your grace period ran out while you were outside the zone. Join again when you're back."
	default:
		msg.Title = "Queue update"
		msg.Body = "Your place in the queue has changed."
	}
	return msg
}

// PushNotifier delivers queue notifications to drivers' devices in the background.
// Notify never blocks; a full buffer drops the notification.
type PushNotifier struct {
	sender PushSender
	tokens TokenStore
	queue  chan queue.Notification
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewPushNotifier(sender PushSender, tokens TokenStore, buffer int) *PushNotifier {
	if buffer <= 0 {
		buffer = 256
	}
	return &PushNotifier{
		sender: sender,
		tokens: tokens,
		queue:  make(chan queue.Notification, buffer),
		done:   make(chan struct{}),
	}
}

// Notify implements queue.Notifier
func (p *PushNotifier) Notify(n queue.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- n:
	default:
		log.Printf("⚠️ [PUSH] Buffer full, dropped %s for driver %s", n.Kind, n.DriverID)
	}
}

// Run delivers notifications until Close is called
func (p *PushNotifier) Run(ctx context.Context) {
	defer close(p.done)
	for n := range p.queue {
		p.deliver(ctx, n)
	}
}

func (p *PushNotifier) deliver(ctx context.Context, n queue.Notification) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tokens, err := p.tokens.FCMTokens(ctx, n.DriverID)
	if err != nil {
		log.Printf("❌ [PUSH] Failed to load tokens for %s: %v", n.DriverID, err)
		return
	}
	if len(tokens) == 0 {
		return
	}

	stale, err := p.sender.SendToTokens(ctx, tokens, BuildQueueMessage(n))
	if err != nil {
		log.Printf("❌ [PUSH] Failed to send %s to %s: %v", n.Kind, n.DriverID, err)
		return
	}
	for _, t := range stale {
		if err := p.tokens.DeleteFCMToken(ctx, t); err != nil {
			log.Printf("⚠️ [PUSH] Failed to delete stale token: %v", err)
		}
	}
	log.Printf("📱 [PUSH] %s sent to %s (%d devices)", n.Kind, n.DriverID, len(tokens)-len(stale))
}

// Close stops accepting notifications and waits for a started Run to drain
func (p *PushNotifier) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}
