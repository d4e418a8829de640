// Package relay mirrors the live alert feed onto a Kafka topic so that
// downstream consumers can follow it without holding a websocket open.
//
// The relay is just another fan-out subscriber. A write failure is logged
// and the alert is skipped; the relay never holds back the live feed.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"alertfeed/fanout"
	"alertfeed/metrics"
	"alertfeed/util/goroutine"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	// writeTimeout is the maximum time to wait for a Kafka write operation.
	writeTimeout = 10 * time.Second

	// DefaultDedupSize is how many recently relayed ids are remembered.
	DefaultDedupSize = 10000
)

// Writer is the subset of *kafka.Writer the relay uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Source hands out live subscriptions.
type Source interface {
	Subscribe() (*fanout.Subscriber, error)
	Unsubscribe(s *fanout.Subscriber)
}

// NewKafkaWriter builds a synchronous writer keyed by alert id.
func NewKafkaWriter(brokers []string, topic string) (*kafka.Writer, error) {
	var addrs []string
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("brokers cannot be empty")
	}
	if topic == "" {
		return nil, errors.New("topic cannot be empty")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		WriteTimeout:           writeTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}, nil
}

// Relay copies hub deliveries to a Writer.
type Relay struct {
	source Source
	writer Writer
	seen   *lru.Cache[string, struct{}]
	logger *zap.SugaredLogger
}

// New creates a Relay. dedupSize < 1 selects DefaultDedupSize.
func New(source Source, writer Writer, dedupSize int, logger *zap.SugaredLogger) (*Relay, error) {
	if source == nil || writer == nil || logger == nil {
		return nil, errors.New("relay: source, writer and logger are required")
	}
	if dedupSize < 1 {
		dedupSize = DefaultDedupSize
	}
	seen, err := lru.New[string, struct{}](dedupSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	return &Relay{source: source, writer: writer, seen: seen, logger: logger}, nil
}

// Run relays until ctx is cancelled or the hub closes. When the hub drops
// the relay for falling behind it resubscribes; alerts published in between
// are not relayed.
func (r *Relay) Run(ctx context.Context) (err error) {
	defer goroutine.RecoverInto("kafka-relay", r.logger, func(p any) { err = fmt.Errorf("relay panicked: %v", p) })

	for {
		sub, err := r.source.Subscribe()
		if errors.Is(err, fanout.ErrHubClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("relay subscribe: %w", err)
		}

		if done := r.pump(ctx, sub); done {
			r.source.Unsubscribe(sub)
			return nil
		}
		r.logger.Warnw("Kafka relay fell behind and was dropped, resubscribing")
	}
}

// pump returns true when the relay should stop, false when it was dropped.
func (r *Relay) pump(ctx context.Context, sub *fanout.Subscriber) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case <-sub.Done():
			return !sub.Dropped()
		case d := <-sub.Deliveries():
			r.handle(ctx, d)
		}
	}
}

func (r *Relay) handle(ctx context.Context, d fanout.Delivery) {
	id := d.Alert.ID
	if r.seen.Contains(id) {
		metrics.RelayPublished.WithLabelValues("duplicate").Inc()
		return
	}

	msg := kafka.Message{
		Key:   []byte(id),
		Value: d.Encoded,
		Headers: []kafka.Header{
			{Key: "alert_id", Value: []byte(id)},
			{Key: "index", Value: []byte(strconv.FormatUint(d.Alert.Index, 10))},
			{Key: "level", Value: []byte(d.Alert.Severity)},
		},
		Time: d.Alert.IngestedAt,
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		metrics.RelayPublished.WithLabelValues("failed").Inc()
		r.logger.Warnw("Failed to relay alert to Kafka", "alert", id, "index", d.Alert.Index, "error", err)
		return
	}
	r.seen.Add(id, struct{}{})
	metrics.RelayPublished.WithLabelValues("ok").Inc()
}

// Close closes the underlying writer.
func (r *Relay) Close() error {
	r.logger.Info("Closing Kafka relay")
	return r.writer.Close()
}
