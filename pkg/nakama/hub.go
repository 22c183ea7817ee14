package nakama

import (
	"sync"

	"github.com/argus-labs/world-engine-client/pkg/correlation"
	"github.com/rs/zerolog"
)

// hub fans notifications out to subscriptions by subject.
type hub struct {
	log     zerolog.Logger
	bufSize int

	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
}

func newHub(log zerolog.Logger, bufSize int) *hub {
	return &hub{
		log:     log,
		bufSize: bufSize,
		subs:    make(map[*subscription]struct{}),
	}
}

func (h *hub) subscribe(subject string) *subscription {
	s := &subscription{
		h:       h,
		subject: subject,
		events:  make(chan correlation.Event, h.bufSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.events)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

func (h *hub) unsubscribe(s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}

// dispatch delivers ev to every subscription of its subject without blocking.
func (h *hub) dispatch(ev correlation.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for s := range h.subs {
		if s.subject != ev.Category {
			continue
		}
		select {
		case s.events <- ev:
			n++
		default:
			h.log.Warn().Str("subject", ev.Category).Msg("Subscriber is not keeping up, dropping notification")
		}
	}
	return n
}

// subscribers returns the number of subscriptions for subject.
func (h *hub) subscribers(subject string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for s := range h.subs {
		if s.subject == subject {
			n++
		}
	}
	return n
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		close(s.events)
		delete(h.subs, s)
	}
}

type subscription struct {
	h       *hub
	subject string
	events  chan correlation.Event
}

func (s *subscription) Events() <-chan correlation.Event { return s.events }

func (s *subscription) Unsubscribe() { s.h.unsubscribe(s) }
