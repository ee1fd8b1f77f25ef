package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/home-dispatch/internal/broadcast"
	"github.com/example/home-dispatch/internal/models"
	"github.com/example/home-dispatch/internal/observability"
	"github.com/example/home-dispatch/internal/tracking"
)

const (
	writeTimeout = 2 * time.Second
	batchTimeout = 10 * time.Millisecond
)

// Ping is the wire shape of a location report on the ingest topic.
type Ping struct {
	WorkerID   string     `json:"worker_id"`
	Lat        float64    `json:"lat"`
	Lon        float64    `json:"lon"`
	Accuracy   *float64   `json:"accuracy,omitempty"`
	RequestID  *string    `json:"request_id,omitempty"`
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
}

func (p Ping) Input() tracking.LocationInput {
	return tracking.LocationInput{
		WorkerID:   p.WorkerID,
		Coordinate: models.Coordinate{Lat: p.Lat, Lon: p.Lon},
		Accuracy:   p.Accuracy,
		RequestID:  p.RequestID,
		RecordedAt: p.RecordedAt,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer messageWriter
}

// newWriter flushes partial batches after batchTimeout instead of the
// library's one second default. Async writers report failures through
// Completion rather than to the caller.
func newWriter(brokers []string, topic string, async bool) *kafka.Writer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		Async:        async,
	}
	if async {
		w.Completion = func(msgs []kafka.Message, err error) {
			if err != nil {
				observability.PublishFailuresTotal.WithLabelValues("event_sink").Add(float64(len(msgs)))
			}
		}
	}
	return w
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	return &KafkaProducer{writer: newWriter(brokers, topic, false)}
}

// PublishLocation enqueues a ping keyed by worker so one worker's pings stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, p Ping) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(p.WorkerID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// EventSink mirrors broadcast events onto a Kafka topic for downstream
// consumers such as analytics. It satisfies broadcast.Publisher. Writes
// are fire and forget so a slow broker never holds up a transition.
type EventSink struct {
	writer messageWriter
}

func NewEventSink(brokers []string, topic string) *EventSink {
	return &EventSink{writer: newWriter(brokers, topic, true)}
}

type sinkRecord struct {
	Group broadcast.Group `json:"group"`
	Event broadcast.Event `json:"event"`
}

func (s *EventSink) Publish(ctx context.Context, group broadcast.Group, ev broadcast.Event) error {
	b, err := json.Marshal(sinkRecord{Group: group, Event: ev})
	if err != nil {
		return err
	}
	key := ev.RequestID
	if key == "" {
		key = ev.WorkerID
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (s *EventSink) Close() error {
	if s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
