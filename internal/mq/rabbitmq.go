package mq

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ZoneEventsExchange is the topic exchange queue updates are published to
const ZoneEventsExchange = "queue_events"

// RabbitMQ holds one connection and channel to the broker
type RabbitMQ struct {
	url    string
	conn   *amqp.Connection
	ch     *amqp.Channel
	mu     sync.RWMutex
	closed bool
}

// Connect dials the broker, retrying with backoff, and declares the exchange
func Connect(ctx context.Context, url string, maxRetries int) (*RabbitMQ, error) {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	mq := &RabbitMQ{url: url}
	retryDelay := 1 * time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		log.Printf("🐇 [MQ] Connecting to RabbitMQ (attempt %d/%d)", attempt, maxRetries)

		err := mq.connect()
		if err == nil {
			if err := mq.declareTopology(); err != nil {
				mq.Close()
				return nil, err
			}
			log.Printf("✅ [MQ] Connected, publishing to exchange %q", ZoneEventsExchange)
			return mq, nil
		}

		log.Printf("⚠️ [MQ] Connection attempt %d failed: %v", attempt, err)
		if attempt == maxRetries {
			return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxRetries, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
			retryDelay = time.Duration(float64(retryDelay) * 1.5)
			if retryDelay > 30*time.Second {
				retryDelay = 30 * time.Second
			}
		}
	}

	return nil, fmt.Errorf("unexpected error: retry loop completed without success")
}

func (mq *RabbitMQ) connect() error {
	conn, err := amqp.Dial(mq.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	mq.mu.Lock()
	mq.conn = conn
	mq.ch = ch
	mq.mu.Unlock()
	return nil
}

func (mq *RabbitMQ) declareTopology() error {
	mq.mu.RLock()
	ch := mq.ch
	mq.mu.RUnlock()

	if err := ch.ExchangeDeclare(
		ZoneEventsExchange, // name
		"topic",            // type
		true,               // durable
		false,              // auto-deleted
		false,              // internal
		false,              // no-wait
		nil,                // args
	); err != nil {
		return fmt.Errorf("declare %s: %w", ZoneEventsExchange, err)
	}
	return nil
}

// Publish sends one persistent JSON message to an exchange
func (mq *RabbitMQ) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	mq.mu.RLock()
	ch := mq.ch
	mq.mu.RUnlock()

	if ch == nil {
		return fmt.Errorf("rabbitmq channel not available")
	}

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return ch.PublishWithContext(
		publishCtx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
}

// Close closes the channel and connection once
func (mq *RabbitMQ) Close() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return
	}
	mq.closed = true

	if mq.ch != nil {
		_ = mq.ch.Close()
	}
	if mq.conn != nil {
		_ = mq.conn.Close()
	}
	log.Println("🐇 [MQ] Connection closed")
}
