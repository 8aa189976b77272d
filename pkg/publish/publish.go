// Package publish delivers finished deal reports to downstream sinks.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/phenomenon0/dealscout/pkg/pipeline"
)

// Publisher delivers one report to a sink.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, report *pipeline.Report) error
}

// messageWriter abstracts kafka.Writer for testability.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per deal, keyed by ASIN.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	var addrs []string
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return &KafkaPublisher{
		topic: topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(addrs...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// NewKafkaPublisherWith injects a writer; used by tests.
func NewKafkaPublisherWith(w messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic}
}

// Name implements Publisher.
func (k *KafkaPublisher) Name() string { return "kafka" }

// Publish implements Publisher. An empty report writes nothing.
func (k *KafkaPublisher) Publish(ctx context.Context, report *pipeline.Report) error {
	if report == nil || len(report.Deals) == 0 {
		return nil
	}

	headers := []kafka.Header{
		{Key: "run-id", Value: []byte(report.RunID)},
		{Key: "generated-at", Value: []byte(report.GeneratedAt.UTC().Format(time.RFC3339))},
		{Key: "count", Value: []byte(strconv.Itoa(len(report.Deals)))},
	}

	msgs := make([]kafka.Message, 0, len(report.Deals))
	for i := range report.Deals {
		b, err := json.Marshal(&report.Deals[i])
		if err != nil {
			return fmt.Errorf("marshal deal %s: %w", report.Deals[i].ASIN, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(report.Deals[i].ASIN),
			Value:   b,
			Headers: headers,
			Time:    report.GeneratedAt,
		})
	}

	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write to %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

// Broadcaster is the subset of the stream hub used for digests.
type Broadcaster interface {
	BroadcastDigest(digest interface{})
}

// StreamPublisher pushes reports to stream subscribers.
type StreamPublisher struct {
	hub Broadcaster
}

// NewStreamPublisher wraps a hub.
func NewStreamPublisher(hub Broadcaster) *StreamPublisher {
	return &StreamPublisher{hub: hub}
}

// Name implements Publisher.
func (s *StreamPublisher) Name() string { return "stream" }

// Publish implements Publisher.
func (s *StreamPublisher) Publish(_ context.Context, report *pipeline.Report) error {
	if report == nil {
		return nil
	}
	s.hub.BroadcastDigest(report)
	return nil
}

// Result reports the outcome of one sink delivery.
type Result struct {
	Sink     string
	Err      error
	Duration time.Duration
}

// Fanout publishes to every sink in order. A failing sink does not stop the
// others; all failures are joined in the returned error.
type Fanout struct {
	sinks    []Publisher
	onResult []func(Result)
}

// NewFanout creates a fanout over sinks. Nil sinks are skipped.
func NewFanout(sinks ...Publisher) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// OnResult registers a per-delivery callback.
func (f *Fanout) OnResult(fn func(Result)) {
	f.onResult = append(f.onResult, fn)
}

// Len returns the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

// Name implements Publisher.
func (f *Fanout) Name() string { return "fanout" }

// Publish implements Publisher.
func (f *Fanout) Publish(ctx context.Context, report *pipeline.Report) error {
	var errs []error
	for _, s := range f.sinks {
		start := time.Now()
		err := s.Publish(ctx, report)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
		res := Result{Sink: s.Name(), Err: err, Duration: time.Since(start)}
		for _, cb := range f.onResult {
			cb(res)
		}
	}
	return errors.Join(errs...)
}
