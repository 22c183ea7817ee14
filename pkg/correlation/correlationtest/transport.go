// Package correlationtest provides an in-memory correlation.Transport for tests.
package correlationtest

import (
	"context"
	"sync"

	"github.com/argus-labs/world-engine-client/pkg/correlation"
	"github.com/rotisserie/eris"
)

// Handler answers a unary call.
type Handler func(ctx context.Context, payload []byte) (correlation.Ack, error)

// Transport routes unary calls to registered handlers and delivers published events to live
// subscriptions. It counts listeners so tests can check that subscriptions are released.
type Transport struct {
	mu           sync.Mutex
	handlers     map[string]Handler
	subs         map[string]map[*subscription]struct{}
	calls        map[string]int
	subscribeErr error
	gates        map[string]chan struct{}
	held         map[string]int
}

var _ correlation.Transport = (*Transport)(nil)

func New() *Transport {
	return &Transport{
		handlers: make(map[string]Handler),
		subs:     make(map[string]map[*subscription]struct{}),
		calls:    make(map[string]int),
		gates:    make(map[string]chan struct{}),
		held:     make(map[string]int),
	}
}

// Handle registers h for calls named name.
func (t *Transport) Handle(name string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[name] = h
}

// FailSubscribe makes subsequent subscriptions fail with err. Pass nil to restore them.
func (t *Transport) FailSubscribe(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeErr = err
}

// HoldSubscribe makes subscriptions to category block until the returned release is called.
func (t *Transport) HoldSubscribe(category string) (release func()) {
	gate := make(chan struct{})
	t.mu.Lock()
	t.gates[category] = gate
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.gates, category)
			t.mu.Unlock()
			close(gate)
		})
	}
}

// Held returns how many subscriptions to category are blocked by HoldSubscribe.
func (t *Transport) Held(category string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held[category]
}

// CloseSubscriptions ends every live subscription of category from the transport side, the way
// a dropped connection does. It must not race with Publish on the same category.
func (t *Transport) CloseSubscriptions(category string) {
	t.mu.Lock()
	subs := t.subs[category]
	delete(t.subs, category)
	t.mu.Unlock()

	for s := range subs {
		s.once.Do(func() {
			close(s.closed)
			close(s.events)
		})
	}
}

func (t *Transport) UnaryCall(ctx context.Context, name string, payload []byte) (correlation.Ack, error) {
	t.mu.Lock()
	h, ok := t.handlers[name]
	t.calls[name]++
	t.mu.Unlock()

	if !ok {
		return correlation.Ack{}, &correlation.TransportError{Op: name, StatusCode: 404, Body: "no handler"}
	}
	return h(ctx, payload)
}

func (t *Transport) Subscribe(ctx context.Context, category string) (correlation.Subscription, error) {
	t.mu.Lock()
	gate := t.gates[category]
	if gate != nil {
		t.held[category]++
	}
	t.mu.Unlock()
	if gate != nil {
		var err error
		select {
		case <-gate:
		case <-ctx.Done():
			err = ctx.Err()
		}
		t.mu.Lock()
		t.held[category]--
		t.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.subscribeErr != nil {
		return nil, t.subscribeErr
	}
	s := &subscription{
		t:        t,
		category: category,
		events:   make(chan correlation.Event, 64),
		closed:   make(chan struct{}),
	}
	if t.subs[category] == nil {
		t.subs[category] = make(map[*subscription]struct{})
	}
	t.subs[category][s] = struct{}{}
	return s, nil
}

// Publish delivers ev to every subscription of ev.Category and returns how many received it.
func (t *Transport) Publish(ev correlation.Event) int {
	t.mu.Lock()
	targets := make([]*subscription, 0, len(t.subs[ev.Category]))
	for s := range t.subs[ev.Category] {
		targets = append(targets, s)
	}
	t.mu.Unlock()

	n := 0
	for _, s := range targets {
		select {
		case s.events <- ev:
			n++
		case <-s.closed:
		}
	}
	return n
}

// Listeners returns the number of live subscriptions for category.
func (t *Transport) Listeners(category string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[category])
}

// Calls returns how many unary calls named name were made.
func (t *Transport) Calls(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[name]
}

type subscription struct {
	t        *Transport
	category string
	events   chan correlation.Event
	closed   chan struct{}
	once     sync.Once
}

func (s *subscription) Events() <-chan correlation.Event { return s.events }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.t.mu.Lock()
		delete(s.t.subs[s.category], s)
		if len(s.t.subs[s.category]) == 0 {
			delete(s.t.subs, s.category)
		}
		s.t.mu.Unlock()
		close(s.closed)
	})
}

// ErrUnavailable is a canned transport failure.
var ErrUnavailable = eris.New("backend unavailable")
