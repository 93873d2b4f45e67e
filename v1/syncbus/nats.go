package syncbus

import (
	"context"
	"encoding/hex"
	stdErrors "errors"
	"strings"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	lockerrors "github.com/mirkobrombin/go-redlock/v1/errors"
)

const subjectPrefix = "redlock."

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan struct{}
}

// NATSBus implements Bus over NATS core subjects.
type NATSBus struct {
	conn *nats.Conn

	mu        sync.Mutex
	subs      map[string]*natsSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, subs: make(map[string]*natsSubscription)}
}

// subject maps an event key to a NATS subject. The event name stays
// readable and the resource is hex encoded, so dots, wildcards and spaces
// in resource names never reach the subject syntax: "unlock:orders" becomes
// "redlock.unlock.6f7264657273".
func subject(key string) string {
	event, resource, ok := strings.Cut(key, ":")
	if !ok {
		return subjectPrefix + hex.EncodeToString([]byte(key))
	}
	return subjectPrefix + sanitizeToken(event) + "." + hex.EncodeToString([]byte(resource))
}

// sanitizeToken keeps [A-Za-z0-9_-] and replaces anything else with '_'.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		if isPlain(r) {
			return r
		}
		return '_'
	}, s)
}

func isPlain(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_'
}

func mapNATSErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded), stdErrors.Is(err, nats.ErrTimeout):
		return lockerrors.ErrTimeout
	case stdErrors.Is(err, nats.ErrConnectionClosed):
		return lockerrors.ErrConnectionClosed
	}
	return err
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	_, span := tracer.Start(ctx, "NATSBus.Publish", trace.WithAttributes(attribute.String("redlock.bus.key", key)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return mapNATSErr(err)
	}
	if err := b.conn.Publish(subject(key), []byte("1")); err != nil {
		return mapNATSErr(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is
// done.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapNATSErr(err)
	}
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		sub = &natsSubscription{}
		ns, err := b.conn.Subscribe(subject(key), func(_ *nats.Msg) {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, c := range sub.chans {
				select {
				case c <- struct{}{}:
					b.delivered.Add(1)
				default:
				}
			}
		})
		if err != nil {
			b.mu.Unlock()
			return nil, mapNATSErr(err)
		}
		sub.sub = ns
		b.subs[key] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	// Make sure the server knows about the interest before returning, so a
	// publish issued right after Subscribe is not lost.
	if err := b.conn.Flush(); err != nil {
		_ = b.Unsubscribe(context.Background(), key, ch)
		return nil, mapNATSErr(err)
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
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
	if err := sub.sub.Unsubscribe(); err != nil && !stdErrors.Is(err, nats.ErrConnectionClosed) {
		return mapNATSErr(err)
	}
	return nil
}

// Close ends every subscription. The connection stays open.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, sub := range b.subs {
		_ = sub.sub.Unsubscribe()
		for _, ch := range sub.chans {
			close(ch)
		}
		delete(b.subs, key)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
