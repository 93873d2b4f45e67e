package syncbus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stdErrors "errors"
	"strings"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	lockerrors "github.com/mirkobrombin/go-redlock/v1/errors"
)

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan struct{}
}

// KafkaBus implements Bus over Kafka. Every event key maps to its own
// topic and all events go to partition 0 of it.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	client   sarama.Client

	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers. A nil
// cfg uses sarama's defaults.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewManualPartitioner
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, mapKafkaErr(err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, mapKafkaErr(err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, mapKafkaErr(err)
	}
	b := NewKafkaBusFromClients(producer, consumer)
	b.client = client
	return b, nil
}

// NewKafkaBusFromClients builds a KafkaBus on an existing producer and
// consumer. The bus takes ownership of both.
func NewKafkaBusFromClients(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaBus {
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}
}

const (
	maxTopicLen  = 249
	topicHashLen = 16
)

// topic maps an event key to a legal topic name. Keys made of
// [A-Za-z0-9_-] and ':' map one to one ("unlock:orders" becomes
// "redlock.unlock.orders"). Any other key, or one too long for a topic,
// gets a readable prefix plus a hash of the full key, so distinct keys
// never share a topic.
func topic(key string) string {
	lossless := true
	mapped := strings.Map(func(r rune) rune {
		switch {
		case isPlain(r):
			return r
		case r == ':':
			return '.'
		}
		lossless = false
		return '_'
	}, key)
	t := subjectPrefix + mapped
	if lossless && len(t) <= maxTopicLen {
		return t
	}
	sum := sha256.Sum256([]byte(key))
	suffix := "-" + hex.EncodeToString(sum[:])[:topicHashLen]
	if len(t) > maxTopicLen-len(suffix) {
		t = t[:maxTopicLen-len(suffix)]
	}
	return t + suffix
}

func mapKafkaErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded), stdErrors.Is(err, sarama.ErrRequestTimedOut):
		return lockerrors.ErrTimeout
	case stdErrors.Is(err, sarama.ErrClosedClient), stdErrors.Is(err, sarama.ErrOutOfBrokers):
		return lockerrors.ErrConnectionClosed
	}
	return err
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	_, span := tracer.Start(ctx, "KafkaBus.Publish", trace.WithAttributes(attribute.String("redlock.bus.key", key)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return mapKafkaErr(err)
	}
	msg := &sarama.ProducerMessage{Topic: topic(key), Partition: 0, Value: sarama.StringEncoder("1")}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return mapKafkaErr(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. Only events published after the
// call are delivered. The subscription ends when ctx is done.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapKafkaErr(err)
	}
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(topic(key), 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, mapKafkaErr(err)
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[key] = sub
		go b.dispatch(sub)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(sub *kafkaSubscription) {
	for range sub.pc.Messages() {
		b.mu.Lock()
		for _, ch := range sub.chans {
			select {
			case ch <- struct{}{}:
				b.delivered.Add(1)
			default:
			}
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, key)
	b.mu.Unlock()
	return mapKafkaErr(sub.pc.Close())
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close ends every subscription and releases the producer and consumer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*kafkaSubscription)
	for _, sub := range subs {
		for _, ch := range sub.chans {
			close(ch)
		}
		sub.chans = nil
	}
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		errs = append(errs, sub.pc.Close())
	}
	errs = append(errs, b.producer.Close(), b.consumer.Close())
	if b.client != nil && !b.client.Closed() {
		errs = append(errs, b.client.Close())
	}
	return stdErrors.Join(errs...)
}
