package transfer

import (
	"context"
	"sync"

	stateflow "github.com/goliatone/go-stateflow"
	"github.com/goliatone/go-stateflow/engine"
)

// Subscriber consumes transfer events after the transaction that recorded
// them commits. Returning an error marks the delivery failed; it is logged
// and never propagates back into reconciliation.
type Subscriber interface {
	HandleEvent(ctx context.Context, ev *Event) error
}

type SubscriberFunc func(ctx context.Context, ev *Event) error

func (f SubscriberFunc) HandleEvent(ctx context.Context, ev *Event) error {
	return f(ctx, ev)
}

// Subscription detaches a subscriber. Unsubscribing twice is a no-op.
type Subscription interface {
	Unsubscribe()
}

type subscriberNode struct {
	sub Subscriber
}

// Dispatcher fans committed events out to subscribers, either per event type
// or across all of them. Delivery is synchronous and in registration order;
// subscriber panics are contained so one consumer cannot poison the rest.
type Dispatcher struct {
	mu     sync.RWMutex
	byType map[EventType][]*subscriberNode
	all    []*subscriberNode
	logger engine.Logger
}

type DispatcherOption func(*Dispatcher)

func WithDispatcherLogger(logger engine.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		byType: make(map[EventType][]*subscriberNode),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = loggerOrDefault(d.logger)
	return d
}

// Subscribe registers sub for events of the given type.
func (d *Dispatcher) Subscribe(evType EventType, sub Subscriber) Subscription {
	if sub == nil {
		return noopSubscription{}
	}
	node := &subscriberNode{sub: sub}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.byType[evType] = append(d.byType[evType], node)

	return &subscription{dispatcher: d, evType: evType, node: node}
}

// SubscribeAll registers sub for every event regardless of type.
func (d *Dispatcher) SubscribeAll(sub Subscriber) Subscription {
	if sub == nil {
		return noopSubscription{}
	}
	node := &subscriberNode{sub: sub}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.all = append(d.all, node)

	return &subscription{dispatcher: d, all: true, node: node}
}

// Dispatch delivers each event to its subscribers. Handler errors and panics
// are logged and contained; dispatch never fails the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, events ...*Event) {
	if d == nil {
		return
	}
	for _, ev := range events {
		if ev == nil {
			continue
		}
		for _, node := range d.subscribersFor(ev.Type) {
			d.deliver(ctx, node.sub, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub Subscriber, ev *Event) {
	err := stateflow.CapturePanic(func() error {
		return sub.HandleEvent(ctx, ev)
	})
	if err != nil {
		logWith(d.logger, map[string]any{
			"event_id":   ev.ID,
			"event_type": string(ev.Type),
			"request_id": ev.RequestID,
		}).Error("event subscriber failed: %v", err)
	}
}

// subscribersFor snapshots the delivery list so handlers can subscribe or
// unsubscribe without deadlocking mid-dispatch.
func (d *Dispatcher) subscribersFor(evType EventType) []*subscriberNode {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*subscriberNode, 0, len(d.byType[evType])+len(d.all))
	out = append(out, d.byType[evType]...)
	out = append(out, d.all...)
	return out
}

type subscription struct {
	dispatcher *Dispatcher
	evType     EventType
	all        bool
	node       *subscriberNode
	once       sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		d := s.dispatcher
		d.mu.Lock()
		defer d.mu.Unlock()

		if s.all {
			d.all = removeNode(d.all, s.node)
			return
		}
		d.byType[s.evType] = removeNode(d.byType[s.evType], s.node)
	})
}

func removeNode(nodes []*subscriberNode, target *subscriberNode) []*subscriberNode {
	out := make([]*subscriberNode, 0, len(nodes))
	for _, node := range nodes {
		if node != target {
			out = append(out, node)
		}
	}
	return out
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}
