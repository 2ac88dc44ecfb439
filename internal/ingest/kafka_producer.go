package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// KafkaProducer publishes driver locations and ride lifecycle events.
// Locations feed the consumer that maintains the Redis geo index; ride
// events feed whatever downstream wants an audit/analytics stream.
type KafkaProducer struct {
	locations *kafka.Writer
	events    *kafka.Writer
}

func NewKafkaProducer(brokers []string, locationTopic, eventTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.LeastBytes{}}),
		events:    kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: eventTopic, Balancer: &kafka.LeastBytes{}}),
	}
}

func (k *KafkaProducer) PublishLocation(d models.Driver) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(d)
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b})
}

// Publish implements the rides.EventSink contract. Keyed by ride id so
// per-ride ordering survives partitioning.
func (k *KafkaProducer) Publish(ctx context.Context, ev models.Event) error {
	b, _ := json.Marshal(ev)
	return k.events.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RideID), Value: b})
}

func (k *KafkaProducer) Close() error {
	var err error
	if k.locations != nil {
		err = k.locations.Close()
	}
	if k.events != nil {
		if e := k.events.Close(); err == nil {
			err = e
		}
	}
	return err
}
