// Package kafka publishes wallet events to a Kafka topic.
//
// Messages are keyed by user ID, so every event for one wallet lands on the
// same partition in commit order.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/warp/coin-ledger/wallet"
)

var publishErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wallet_event_publish_errors_total",
	Help: "Wallet events that could not be written to Kafka",
})

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer  MessageWriter
	timeout time.Duration
	logger  *zap.Logger
}

// NewWriter builds a synchronous writer for the wallet event topic.
func NewWriter(brokers []string, topic string, logger *zap.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Compression:  kafka.Snappy,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(msg, args...))
		}),
	}
}

func NewPublisher(w MessageWriter, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{writer: w, timeout: 5 * time.Second, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, ev wallet.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		publishErrors.Inc()
		return fmt.Errorf("marshal event: %w", err)
	}

	// The ledger write already committed; do not let a cancelled request
	// context drop the event.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.UserID),
		Value: data,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_kind", Value: []byte(ev.Kind)},
		},
	})
	if err != nil {
		publishErrors.Inc()
		return fmt.Errorf("write event: %w", err)
	}
	p.logger.Debug("wallet event published",
		zap.String("kind", string(ev.Kind)),
		zap.String("user_id", string(ev.UserID)),
	)
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ wallet.Publisher = (*Publisher)(nil)
