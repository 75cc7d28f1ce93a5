// Package kafka publishes newly stored readings to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"libresync/internal/domain"
	"libresync/internal/ports"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReadingEvent is the message value for a newly stored reading.
type ReadingEvent struct {
	Key     time.Time      `json:"key"`
	Reading domain.Reading `json:"reading"`
}

// PublishingStore forwards to a store and publishes every reading the store reports as new.
// A failed publish is logged and does not fail the upsert.
type PublishingStore struct {
	ports.Store
	log    *zap.SugaredLogger
	writer MessageWriter
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

func NewPublishingStore(log *zap.SugaredLogger, store ports.Store, writer MessageWriter) *PublishingStore {
	return &PublishingStore{
		Store:  store,
		log:    log.With("component", "kafka-publisher"),
		writer: writer,
	}
}

func (p *PublishingStore) Upsert(ctx context.Context, reading domain.Reading, dedupKey time.Time) (bool, error) {
	wasNew, err := p.Store.Upsert(ctx, reading, dedupKey)
	if err != nil || !wasNew {
		return wasNew, err
	}

	if err := p.publish(ctx, reading, dedupKey); err != nil {
		p.log.Warnw("failed to publish reading", "timestamp", dedupKey, "error", err)
	}
	return true, nil
}

func (p *PublishingStore) publish(ctx context.Context, reading domain.Reading, dedupKey time.Time) error {
	value, err := json.Marshal(ReadingEvent{Key: dedupKey, Reading: reading})
	if err != nil {
		return errors.Wrap(err, "failed to encode reading event")
	}

	msg := kafka.Message{
		Key:   []byte(dedupKey.UTC().Format(time.RFC3339)),
		Value: value,
		Time:  reading.Timestamp,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	return nil
}

func (p *PublishingStore) Close() error {
	return p.writer.Close()
}
