package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/metrics"
	"github.com/transfa/ledger-service/pkg/rabbitmq"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
)

// OutboxDispatcher publishes transaction events written by the store to the event exchange.
type OutboxDispatcher struct {
	repo                store.Repository
	exchange            string
	dial                func() (rabbitmq.Publisher, error)
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	producer            rabbitmq.Publisher
}

func NewOutboxDispatcher(repo store.Repository, rabbitURL, exchange string) *OutboxDispatcher {
	return &OutboxDispatcher{
		repo:     repo,
		exchange: exchange,
		dial: func() (rabbitmq.Publisher, error) {
			return rabbitmq.NewEventProducer(rabbitURL)
		},
		batchSize:           defaultBatchSize,
		pollInterval:        defaultPollInterval,
		staleProcessingTime: defaultStaleProcessing,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closeProducer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.flushOnce(ctx); err != nil {
				log.Printf("level=warn component=outbox msg=\"flush failed\" err=%v", err)
			}
		}
	}
}

func (d *OutboxDispatcher) flushOnce(ctx context.Context) error {
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, d.staleProcessingTime)
	if err != nil {
		return err
	}

	for _, message := range messages {
		if err := d.publishMessage(ctx, message); err != nil {
			retryAfter := time.Duration(retryDelaySeconds(message.Attempts)) * time.Second
			metrics.IncOutbox("failed")
			log.Printf("level=warn component=outbox message_id=%d routing_key=%s attempts=%d retry_in=%s err=%v", message.ID, message.RoutingKey, message.Attempts, retryAfter, err)
			if markErr := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error()); markErr != nil {
				log.Printf("level=warn component=outbox message_id=%d msg=\"mark failed\" err=%v", message.ID, markErr)
			}
			continue
		}
		metrics.IncOutbox("published")
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			log.Printf("level=warn component=outbox message_id=%d msg=\"mark published failed\" err=%v", message.ID, err)
		}
	}
	return nil
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	if d.producer == nil {
		producer, err := d.dial()
		if err != nil {
			return err
		}
		d.producer = producer
	}

	if err := d.producer.Publish(ctx, d.exchange, message.RoutingKey, json.RawMessage(message.Payload)); err != nil {
		d.closeProducer()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closeProducer() {
	if d.producer != nil {
		d.producer.Close()
		d.producer = nil
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << minInt(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
