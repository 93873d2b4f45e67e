package syncbus

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"

	lockerrors "github.com/mirkobrombin/go-redlock/v1/errors"
)

func newMockKafkaBus(t *testing.T) (*KafkaBus, *mocks.SyncProducer, *mocks.Consumer) {
	t.Helper()
	producer := mocks.NewSyncProducer(t, nil)
	consumer := mocks.NewConsumer(t, nil)
	return NewKafkaBusFromClients(producer, consumer), producer, consumer
}

func TestKafkaBusPublishAndMetrics(t *testing.T) {
	bus, producer, _ := newMockKafkaBus(t)
	defer bus.Close()
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != "1" {
			return errors.New("unexpected payload")
		}
		return nil
	})
	if err := bus.Publish(context.Background(), "unlock:r"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if m := bus.Metrics(); m.Published != 1 {
		t.Fatalf("expected published 1 got %d", m.Published)
	}
}

func TestKafkaBusPublishFailureIsMapped(t *testing.T) {
	bus, producer, _ := newMockKafkaBus(t)
	defer bus.Close()
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	err := bus.Publish(context.Background(), "unlock:r")
	if !errors.Is(err, lockerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if m := bus.Metrics(); m.Published != 0 {
		t.Fatalf("failed publish counted: %+v", m)
	}
}

func TestKafkaBusDeliversToEverySubscriber(t *testing.T) {
	bus, _, consumer := newMockKafkaBus(t)
	defer bus.Close()
	pc := consumer.ExpectConsumePartition(topic("unlock:r"), 0, sarama.OffsetNewest)

	ctx := context.Background()
	first, err := bus.Subscribe(ctx, "unlock:r")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := bus.Subscribe(ctx, "unlock:r")
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	pc.YieldMessage(&sarama.ConsumerMessage{Value: []byte("1")})

	for i, ch := range []chan struct{}{first, second} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d not notified", i)
		}
	}
	if m := bus.Metrics(); m.Delivered != 2 {
		t.Fatalf("expected delivered 2 got %d", m.Delivered)
	}
}

func TestKafkaBusContextBasedUnsubscribe(t *testing.T) {
	bus, _, consumer := newMockKafkaBus(t)
	defer bus.Close()
	consumer.ExpectConsumePartition(topic("unlock:r"), 0, sarama.OffsetNewest)

	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "unlock:r")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["unlock:r"]; ok {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestKafkaBusCloseEndsSubscriptions(t *testing.T) {
	bus, _, consumer := newMockKafkaBus(t)
	consumer.ExpectConsumePartition(topic("unlock:r"), 0, sarama.OffsetNewest)
	ch, err := bus.Subscribe(context.Background(), "unlock:r")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed")
	}
}

func TestTopicMapping(t *testing.T) {
	if got := topic("unlock:orders"); got != "redlock.unlock.orders" {
		t.Fatalf("unexpected topic %q", got)
	}

	legal := func(s string) bool {
		for _, r := range s {
			if !isPlain(r) && r != '.' {
				return false
			}
		}
		return len(s) <= maxTopicLen
	}
	keys := []string{
		"lock:a b/c",
		"lock:a_b_c",
		"lock:a.b.c",
		"unlock:ünïcödé-1",
		"unlock:" + strings.Repeat("x", 500) + "1",
		"unlock:" + strings.Repeat("x", 500) + "2",
	}
	seen := make(map[string]string)
	for _, k := range keys {
		got := topic(k)
		if !legal(got) {
			t.Fatalf("topic(%q) = %q is not a legal topic name", k, got)
		}
		if other, dup := seen[got]; dup {
			t.Fatalf("%q and %q share topic %q", other, k, got)
		}
		seen[got] = k
	}
	if got := topic("lock:a b/c"); !strings.HasPrefix(got, "redlock.lock.a_b_c-") {
		t.Fatalf("lost the readable prefix: %q", got)
	}
}

// Runs against a real broker when REDLOCK_TEST_KAFKA_ADDR is set.
func TestKafkaBusIntegration(t *testing.T) {
	addr := os.Getenv("REDLOCK_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("REDLOCK_TEST_KAFKA_ADDR not set, skipping Kafka integration test")
	}
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	bus, err := NewKafkaBus([]string{addr}, cfg)
	if err != nil {
		t.Fatalf("NewKafkaBus: %v", err)
	}
	defer bus.Close()

	key := "unlock:" + uuid.NewString()
	ctx := context.Background()
	// The first publish creates the topic on brokers that auto-create.
	if err := bus.Publish(ctx, key); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ch, err := bus.Subscribe(ctx, key)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(time.Second)
	if err := bus.Publish(ctx, key); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for publish")
	}
}
