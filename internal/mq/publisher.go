package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"rankqueue-backend/internal/queue"
)

// Sender is the broker operation the publisher needs; *RabbitMQ satisfies it
type Sender interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// RoutingKey is "zone.<zoneID>.<event type>", so consumers can bind per zone or per event
func RoutingKey(u queue.ZoneUpdate) string {
	return fmt.Sprintf("zone.%s.%s", u.ZoneID, u.Event.Type)
}

// EventPublisher forwards committed zone updates to the broker from its own
// goroutine. Publish never blocks the zone actor; when the buffer is full the
// update is dropped and counted, since the event log stays the source of truth.
type EventPublisher struct {
	sender  Sender
	updates chan queue.ZoneUpdate
	done    chan struct{}

	mu      sync.Mutex
	dropped int
	closed  bool
}

func NewEventPublisher(sender Sender, buffer int) *EventPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &EventPublisher{
		sender:  sender,
		updates: make(chan queue.ZoneUpdate, buffer),
		done:    make(chan struct{}),
	}
}

// Publish implements queue.Broadcaster
func (p *EventPublisher) Publish(update queue.ZoneUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.updates <- update:
	default:
		p.dropped++
		log.Printf("⚠️ [MQ] Publish buffer full, dropped zone %s seq %d (%d dropped)", update.ZoneID, update.Seq, p.dropped)
	}
}

// Run drains the buffer until Close is called
func (p *EventPublisher) Run(ctx context.Context) {
	defer close(p.done)
	for update := range p.updates {
		body, err := json.Marshal(update)
		if err != nil {
			log.Printf("❌ [MQ] Failed to marshal zone update: %v", err)
			continue
		}
		if err := p.sender.Publish(ctx, ZoneEventsExchange, RoutingKey(update), body); err != nil {
			log.Printf("❌ [MQ] Failed to publish zone %s seq %d: %v", update.ZoneID, update.Seq, err)
		}
	}
}

// Close stops accepting updates and waits for a started Run to flush what is buffered
func (p *EventPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.updates)
	p.mu.Unlock()
	<-p.done
}

// Dropped reports how many updates were discarded because the buffer was full
func (p *EventPublisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}
