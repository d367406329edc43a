// Package eventbus is the in-process pub/sub spine for pipeline activity.
// Stages publish what happened; loosely coupled consumers (stats, future
// notifiers) subscribe without the pipeline knowing them.
package eventbus

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Topics published by the pipeline.
const (
	TopicAssessment    = "assessment"
	TopicDecision      = "decision"
	TopicDecoyDeployed = "decoy.deployed"
	TopicDecoyRetired  = "decoy.retired"
	TopicInteraction   = "interaction"
	TopicReconciled    = "weights.reconciled"
)

// Event is one cross-component message.
type Event struct {
	Topic   string
	Entity  string
	Payload any
}

// Subscriber receives events for its topics.
type Subscriber interface {
	Handle(ctx context.Context, evt Event)
	Topics() []string
}

var (
	mBusPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "bus", Name: "published_total",
		Help: "Events accepted onto the bus",
	}, []string{"topic"})
	mBusDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shadowwall", Subsystem: "bus", Name: "dropped_total",
		Help: "Events dropped at a full bus queue",
	})
)

func init() {
	_ = prometheus.Register(mBusPublished)
	_ = prometheus.Register(mBusDropped)
}

// Bus is a minimal buffered in-memory pub/sub bus.
type Bus struct {
	mu    sync.RWMutex
	subs  map[string][]Subscriber
	queue chan Event
	stop  chan struct{}
	once  sync.Once
}

// NewBus constructs a Bus and starts its dispatch loop.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		subs:  make(map[string][]Subscriber),
		queue: make(chan Event, buffer),
		stop:  make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	for {
		select {
		case evt := <-b.queue:
			b.dispatch(evt)
		case <-b.stop:
			return
		}
	}
}

// Close stops dispatching. Safe to call more than once.
func (b *Bus) Close() { b.once.Do(func() { close(b.stop) }) }

// Register adds a subscriber for its declared topics.
func (b *Bus) Register(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range sub.Topics() {
		b.subs[t] = append(b.subs[t], sub)
	}
}

// Publish enqueues an event, waiting if the queue is full.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	select {
	case b.queue <- evt:
		mBusPublished.WithLabelValues(evt.Topic).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublish enqueues without blocking; the pipeline's hot path must not
// wait on observers.
func (b *Bus) TryPublish(evt Event) bool {
	select {
	case b.queue <- evt:
		mBusPublished.WithLabelValues(evt.Topic).Inc()
		return true
	default:
		mBusDropped.Inc()
		return false
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[evt.Topic]...)
	b.mu.RUnlock()
	for _, s := range subs {
		s.Handle(context.Background(), evt)
	}
}

// ActivityCounter tallies events per topic. It subscribes to everything and
// backs the operator stats endpoint.
type ActivityCounter struct {
	mu     sync.RWMutex
	counts map[string]uint64
}

// NewActivityCounter returns a counter ready to Register.
func NewActivityCounter() *ActivityCounter {
	return &ActivityCounter{counts: make(map[string]uint64)}
}

func (c *ActivityCounter) Topics() []string {
	return []string{
		TopicAssessment, TopicDecision, TopicDecoyDeployed,
		TopicDecoyRetired, TopicInteraction, TopicReconciled,
	}
}

func (c *ActivityCounter) Handle(_ context.Context, evt Event) {
	c.mu.Lock()
	c.counts[evt.Topic]++
	c.mu.Unlock()
}

// Snapshot copies the current tallies.
func (c *ActivityCounter) Snapshot() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}
