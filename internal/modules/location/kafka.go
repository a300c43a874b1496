// README: Kafka transport for location samples: producer keyed by driver, at-least-once consumer.
package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"dispatch/internal/config"
	"dispatch/internal/logging"
	"dispatch/internal/modules/driver"
)

const maxBackoff = 30 * time.Second

// KafkaProducer enqueues samples on the location topic. Keys are driver ids so
// one driver's samples stay on one partition.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(cfg config.KafkaConfig) *KafkaProducer {
	return &KafkaProducer{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (p *KafkaProducer) Enqueue(ctx context.Context, sm Sample) error {
	b, err := json.Marshal(sm)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(sm.DriverID), Value: b})
}

func (p *KafkaProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

type Ingester interface {
	Ingest(ctx context.Context, sm Sample) (Result, error)
}

// KafkaConsumer feeds the location topic into Ingest. Offsets are committed only
// after a message is handled, so a crash replays it; Ingest is idempotent.
type KafkaConsumer struct {
	reader *kafka.Reader
	ingest Ingester
	log    logrus.FieldLogger
}

func NewKafkaConsumer(cfg config.KafkaConfig, ingest Ingester, log logrus.FieldLogger) *KafkaConsumer {
	if log == nil {
		log = logging.Discard()
	}
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		ingest: ingest,
		log:    log.WithField("topic", cfg.Topic),
	}
}

func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	c.log.Info("location consumer started")

	backoff := time.Second
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).WithField("backoff", backoff).Warn("kafka read error")
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		if err := c.handleWithRetry(ctx, m.Value); err != nil {
			// Only a cancelled context gets here; leave the offset uncommitted.
			return nil
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Warn("kafka commit failed")
		}
	}
}

// handleWithRetry retries transient failures until they succeed or ctx ends.
func (c *KafkaConsumer) handleWithRetry(ctx context.Context, value []byte) error {
	delay := 200 * time.Millisecond
	for {
		err := handleMessage(ctx, value, c.ingest)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			c.log.WithError(err).Warn("dropping location message")
			return nil
		}
		c.log.WithError(err).WithField("retry_in", delay).Warn("location ingest failed")
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay = min(delay*2, maxBackoff)
	}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// handleMessage decodes and ingests one message. Malformed or invalid samples are
// permanent failures; anything else is worth retrying.
func handleMessage(ctx context.Context, value []byte, ingest Ingester) error {
	var sm Sample
	if err := json.Unmarshal(value, &sm); err != nil {
		return permanentError{fmt.Errorf("decode sample: %w", err)}
	}
	if _, err := ingest.Ingest(ctx, sm); err != nil {
		if errors.Is(err, ErrInvalidSample) || errors.Is(err, driver.ErrNotFound) {
			return permanentError{err}
		}
		return err
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
