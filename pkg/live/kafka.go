package live

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaFeed is a Feed over a shared event topic. Each subscription gets its
// own reader with a unique group id so every consumer sees the full stream
// (fan-out), filtered client-side by table and predicate.
type KafkaFeed struct {
	brokers []string
	topic   string
	log     *zap.Logger

	producer *kafka.Writer

	mu      sync.Mutex
	readers map[*Subscription]*subReader
}

type subReader struct {
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
}

func NewKafkaFeed(brokers []string, topic string, log *zap.Logger) *KafkaFeed {
	return &KafkaFeed{
		brokers: brokers,
		topic:   topic,
		log:     log,
		producer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		readers: make(map[*Subscription]*subReader),
	}
}

func (f *KafkaFeed) Subscribe(ctx context.Context, table string, filter Filter) (*Subscription, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: f.brokers,
		Topic:   f.topic,
		// Unique group for fanout (every subscriber sees every event)
		GroupID:     fmt.Sprintf("chatcore-%s-%d", table, time.Now().UnixNano()),
		StartOffset: kafka.LastOffset,
		MinBytes:    10e3,
		MaxBytes:    10e6,
	})

	readCtx, cancel := context.WithCancel(context.Background())
	sr := &subReader{reader: reader, cancel: cancel, done: make(chan struct{})}
	sub := NewSubscription(table, filter, f.remove)

	f.mu.Lock()
	f.readers[sub] = sr
	f.mu.Unlock()

	go f.consume(readCtx, sr, sub)
	return sub, nil
}

func (f *KafkaFeed) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return f.producer.WriteMessages(ctx, kafka.Message{
		Value: value,
		Time:  time.Now(),
	})
}

func (f *KafkaFeed) Close() error {
	f.mu.Lock()
	subs := make([]*Subscription, 0, len(f.readers))
	for sub := range f.readers {
		subs = append(subs, sub)
	}
	f.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return f.producer.Close()
}

// remove stops the subscription's reader and waits for its consume loop to
// exit, so the caller can safely close the event channel afterwards.
func (f *KafkaFeed) remove(sub *Subscription) {
	f.mu.Lock()
	sr, ok := f.readers[sub]
	delete(f.readers, sub)
	f.mu.Unlock()
	if !ok {
		return
	}
	sr.cancel()
	sr.reader.Close()
	<-sr.done
}

func (f *KafkaFeed) consume(ctx context.Context, sr *subReader, sub *Subscription) {
	defer close(sr.done)
	for {
		m, err := sr.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.log.Warn("kafka feed read error", zap.Error(err))
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			f.log.Warn("malformed feed event", zap.Error(err))
			continue
		}
		sub.Deliver(ev)
	}
}
