// Package sink implements the downstream authoritative datastore an
// Update's Execute eventually flushes to. RedisSink writes to the shared
// store itself (the default, always available); KafkaSink publishes the
// flushed document onto a topic for out-of-process consumers.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"refhub/keys"
	"refhub/logger"
	"refhub/store"
)

// Sink receives a resource's fully-merged document once an Update's
// execute() elects to flush it.
type Sink interface {
	Flush(ctx context.Context, resourceID string, doc json.RawMessage) error
	Close() error
}

// RedisSink writes the flushed document to the canonical downstream key
// (keys.DownstreamWrite) in the shared store. This is the default sink:
// every Update can rely on it being present even when no Kafka topic is
// configured.
type RedisSink struct {
	store *store.Client
}

func NewRedisSink(s *store.Client) *RedisSink {
	return &RedisSink{store: s}
}

func (s *RedisSink) Flush(ctx context.Context, resourceID string, doc json.RawMessage) error {
	return s.store.Set(ctx, keys.DownstreamWrite(resourceID), string(doc))
}

func (s *RedisSink) Close() error { return nil }

// KafkaSink publishes every flushed document onto a Kafka topic, keyed by
// resource id, for consumers outside the coordination layer's own store. It
// does not also write the downstream Redis key; that is RedisSink's job.
type KafkaSink struct {
	client *kgo.Client
	topic  string
}

// NewKafkaSink dials brokers and verifies topic exists before returning,
// so a misconfigured topic fails at startup rather than on the first flush.
func NewKafkaSink(ctx context.Context, brokers []string, topic string) (*KafkaSink, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RecordPartitioner(kgo.RoundRobinPartitioner()),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.ProducerLinger(50*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("sink: new kafka client: %w", err)
	}

	admin := kadm.NewClient(cl)
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	metadata, err := admin.ListTopics(listCtx)
	if err != nil {
		cl.Close()
		return nil, fmt.Errorf("sink: list topics: %w", err)
	}
	if _, ok := metadata[topic]; !ok {
		cl.Close()
		return nil, fmt.Errorf("sink: topic %q does not exist", topic)
	}

	return &KafkaSink{client: cl, topic: topic}, nil
}

func (s *KafkaSink) Flush(ctx context.Context, resourceID string, doc json.RawMessage) error {
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(resourceID),
		Value: doc,
	}

	resultCh := make(chan error, 1)
	s.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		resultCh <- err
	})

	select {
	case err := <-resultCh:
		if err != nil {
			logger.Error("kafka sink flush failed", "resource_id", resourceID, "error", err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *KafkaSink) Close() error {
	s.client.Close()
	return nil
}
