// Package bus ties the partition store, subscription registry, consumer
// group coordinator and dead-letter manager into one publish/subscribe
// surface. Delivery is synchronous: Publish appends the event, then fans
// it out to every matching subscription before returning.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/veldtlabs/ebus/internal/dlq"
	"github.com/veldtlabs/ebus/internal/group"
	"github.com/veldtlabs/ebus/internal/sub"
	"github.com/veldtlabs/ebus/internal/topic"
	"github.com/veldtlabs/ebus/pkg/id"
	logpkg "github.com/veldtlabs/ebus/pkg/log"
)

// Metrics receives bus-level counters. Implementations must be safe for
// concurrent use.
type Metrics interface {
	EventPublished(topic string, partition int, bytes int)
	EventDelivered(topic string, ok bool)
}

type nopMetrics struct{}

func (nopMetrics) EventPublished(string, int, int) {}
func (nopMetrics) EventDelivered(string, bool)     {}

// Options wires the bus's collaborators. Store and Subs are required;
// Groups, DLQ, Logger and Metrics are optional.
type Options struct {
	Store   *topic.Store
	Subs    *sub.Registry
	Groups  *group.Coordinator
	DLQ     *dlq.Manager
	Logger  logpkg.Logger
	Metrics Metrics
	NowMs   func() int64
}

// Bus is the single ordering point for publish and the owner of the
// subscription lifecycle.
type Bus struct {
	store   *topic.Store
	subs    *sub.Registry
	groups  *group.Coordinator
	dlq     *dlq.Manager
	logger  logpkg.Logger
	metrics Metrics
	ids     *id.Generator
	nowMs   func() int64

	mu     sync.RWMutex
	routes map[string]string // subscription id -> dead-letter queue name
}

// New assembles a bus from its collaborators.
func New(opts Options) (*Bus, error) {
	if opts.Store == nil || opts.Subs == nil {
		return nil, fmt.Errorf("bus: store and registry are required")
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Groups == nil {
		opts.Groups = group.NewCoordinator(opts.Logger)
	}
	if opts.NowMs == nil {
		opts.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	return &Bus{
		store:   opts.Store,
		subs:    opts.Subs,
		groups:  opts.Groups,
		dlq:     opts.DLQ,
		logger:  opts.Logger.With(logpkg.Component("bus")),
		metrics: opts.Metrics,
		ids:     id.NewGenerator(),
		nowMs:   opts.NowMs,
		routes:  map[string]string{},
	}, nil
}

// Store exposes the underlying topic store for read paths (tail, stats).
func (b *Bus) Store() *topic.Store { return b.store }

// Groups exposes the consumer group coordinator.
func (b *Bus) Groups() *group.Coordinator { return b.groups }

// SubscribeOptions describes a new consumer. DeadLetter names the queue
// that captures this consumer's failed deliveries; empty means failures
// are counted but not retained. BatchSize only applies to AckBatch
// consumers: the cursor commits every BatchSize successful deliveries.
type SubscribeOptions struct {
	Topic       string
	Group       string
	Delivery    sub.DeliveryMode
	Ack         sub.AckMode
	BatchSize   int
	Types       []string
	KeyContains string
	Filter      string
	Handler     sub.Handler
	DeadLetter  string
}

// Subscribe registers a consumer on an existing topic. Grouped consumers
// join their group and receive only the partitions assigned to them.
func (b *Bus) Subscribe(opts SubscribeOptions) (*sub.Subscription, error) {
	t, err := b.store.Get(opts.Topic)
	if err != nil {
		return nil, err
	}
	if opts.DeadLetter != "" {
		if b.dlq == nil {
			return nil, fmt.Errorf("subscribe %q: dead-letter queue %q: no manager configured", opts.Topic, opts.DeadLetter)
		}
		if _, err := b.dlq.Queue(opts.DeadLetter); err != nil {
			return nil, fmt.Errorf("subscribe %q: %w", opts.Topic, err)
		}
	}
	s, err := b.subs.Add(sub.Options{
		Topic:       opts.Topic,
		Group:       opts.Group,
		Delivery:    opts.Delivery,
		Ack:         opts.Ack,
		BatchSize:   opts.BatchSize,
		Types:       opts.Types,
		KeyContains: opts.KeyContains,
		Filter:      opts.Filter,
		Handler:     opts.Handler,
	})
	if err != nil {
		return nil, err
	}
	if opts.Group != "" {
		gen := b.groups.Join(opts.Group, opts.Topic, t.Partitions, s.ID)
		b.logger.Info("consumer joined group",
			logpkg.Str("group", opts.Group),
			logpkg.Str("sub", s.ID),
			logpkg.Uint64("generation", gen))
	}
	if opts.DeadLetter != "" {
		b.mu.Lock()
		b.routes[s.ID] = opts.DeadLetter
		b.mu.Unlock()
	}
	return s, nil
}

// Unsubscribe removes a consumer. Grouped consumers leave their group,
// triggering a rebalance for the remaining members.
func (b *Bus) Unsubscribe(subscriptionID string) error {
	s, err := b.subs.Remove(subscriptionID)
	if err != nil {
		return err
	}
	if s.Group != "" {
		if err := b.groups.Leave(s.Group, s.ID); err != nil {
			b.logger.Warn("leave group failed",
				logpkg.Str("group", s.Group), logpkg.Err(err))
		}
	}
	b.mu.Lock()
	delete(b.routes, s.ID)
	b.mu.Unlock()
	return nil
}

func (b *Bus) deadLetterQueue(subscriptionID string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.routes[subscriptionID]
}
