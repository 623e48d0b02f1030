package mqx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"microblog-platform/shared/config"
	"microblog-platform/shared/events"
	"microblog-platform/shared/logx"
	"microblog-platform/shared/metricsx"
)

type Producer struct {
	writer *kafka.Writer
}

// NewProducer builds a synchronous writer: Publish returns only after the
// broker acknowledges the write, so callers know whether the event is
// durable before deciding how to log a failure.
func NewProducer(cfg config.Config) (*Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		MaxAttempts:  maxInt(cfg.KafkaRetryMax, 1),
		BatchTimeout: time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return &Producer{writer: w}, nil
}

func (p *Producer) Publish(ctx context.Context, topic string, key []byte, env events.Envelope, headers map[string]string) error {
	if p == nil || p.writer == nil {
		return errors.New("producer not initialized")
	}
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}

	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
		attribute.String("event.type", env.EventType),
	)
	defer span.End()

	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	if len(headers) > 0 {
		msg.Headers = make([]kafka.Header, 0, len(headers))
		for k, v := range headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metricsx.IncEventPublishFailure(topic)
		return err
	}
	return nil
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Handler processes one delivered event. A failing handler is retried in
// place until it succeeds or the subscription stops; handlers must still be
// idempotent because a crash before commit redelivers the message.
type Handler func(ctx context.Context, env events.Envelope) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
	Close() error
}

// Subscriber is a durable, named consumer-group subscription on one topic.
type Subscriber struct {
	reader  messageReader
	topic   string
	group   string
	handler Handler
	logger  logx.Logger

	// retryWait overrides the initial backoff; tests shrink it.
	retryWait time.Duration
}

func NewSubscriber(cfg config.Config, topic string, groupID string, handler Handler, logger logx.Logger) (*Subscriber, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}
	if groupID == "" {
		return nil, errors.New("KAFKA_CONSUMER_GROUP is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	return &Subscriber{reader: reader, topic: topic, group: groupID, handler: handler, logger: logger}, nil
}

// Run consumes until ctx is canceled. Fetch failures (broker down,
// rebalance) back off with a capped delay and the loop reconnects through
// the reader. A failing handler is retried in place with the same backoff:
// kafka commits are per-partition offsets, not per-message acks, so
// fetching onward and committing a later message would advance the group
// offset past the failed one and lose it without redelivery. A message
// whose envelope cannot be decoded is committed and skipped, since
// redelivering it can never succeed.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := s.initialBackoff()
	const maxBackoff = 30 * time.Second

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("topic", s.topic),
				slog.String("group", s.group),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = minDuration(backoff*2, maxBackoff)
			continue
		}
		backoff = s.initialBackoff()

		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", s.topic),
		)

		var env events.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			span.End()
			s.logger.Error(ctx, "event_decode_failed", "skipping undecodable message",
				slog.String("topic", s.topic),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
			_ = s.reader.CommitMessages(ctx, msg)
			continue
		}

		handleBackoff := s.initialBackoff()
		for attempt := 1; ; attempt++ {
			err := s.handler(spanCtx, env)
			if err == nil {
				break
			}
			s.logger.Error(ctx, "event_handle_failed", "handler failed, retrying in place",
				slog.String("topic", s.topic),
				slog.Int64("offset", msg.Offset),
				slog.String("event_id", env.EventID.String()),
				slog.String("event_type", env.EventType),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				span.End()
				return ctx.Err()
			case <-time.After(handleBackoff):
			}
			handleBackoff = minDuration(handleBackoff*2, maxBackoff)
		}
		span.End()

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			s.logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("topic", s.topic),
				slog.String("error", err.Error()),
			)
		}
		stats := s.reader.Stats()
		metricsx.SetKafkaLag(s.topic, s.group, stats.Lag)
	}
}

func (s *Subscriber) initialBackoff() time.Duration {
	if s.retryWait > 0 {
		return s.retryWait
	}
	return 500 * time.Millisecond
}

func (s *Subscriber) Close() error {
	if s == nil || s.reader == nil {
		return nil
	}
	return s.reader.Close()
}

func maxInt(a int, b int) int {
	if a > b {
		return a
	}
	return b
}

func minDuration(a time.Duration, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
