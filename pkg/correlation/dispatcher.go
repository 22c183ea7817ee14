package correlation

import (
	"context"
	"sync"

	"github.com/argus-labs/world-engine-client/pkg/assert"
	"github.com/coocood/freecache"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// dispatcher shares one transport subscription per event category between all pending calls of
// that category. The subscription is opened when the first call registers and closed when the
// last one leaves.
type dispatcher struct {
	transport Transport
	codec     Codec
	log       zerolog.Logger

	// resolved remembers recently matched keys so late duplicates can be told apart from events
	// nobody is waiting for.
	resolved    *freecache.Cache
	resolvedTTL int

	// recent holds every receipt decoded on an open subscription, keyed by tx hash, so a call
	// whose key is learned after its receipt arrived can still claim it.
	recent *freecache.Cache

	mu       sync.Mutex
	streams  map[string]*stream
	inflight int
}

type stream struct {
	category string
	sub      Subscription
	records  map[uuid.UUID]*pending
	stop     chan struct{}
	once     sync.Once
}

func (s *stream) close() {
	s.once.Do(func() {
		close(s.stop)
		s.sub.Unsubscribe()
	})
}

func newDispatcher(transport Transport, codec Codec, log zerolog.Logger, cfg Config) *dispatcher {
	return &dispatcher{
		transport:   transport,
		codec:       codec,
		log:         log,
		resolved:    freecache.NewCache(cfg.ResolvedCacheBytes),
		resolvedTTL: int(cfg.ResolvedTTL.Seconds()),
		recent:      freecache.NewCache(cfg.RecentCacheBytes),
		streams:     make(map[string]*stream),
	}
}

// register adds p to the dispatcher, subscribing to its category if needed. Once register returns
// nil every event of the category is delivered to p until deregister.
//
// Subscribe runs without d.mu held so a slow subscription does not stall delivery on other
// categories. If two calls race to open the same category the loser's subscription is released.
func (d *dispatcher) register(ctx context.Context, p *pending) error {
	if d.attach(p) {
		return nil
	}

	sub, err := d.transport.Subscribe(ctx, p.category)
	if err != nil {
		return eris.Wrapf(err, "failed to subscribe to %s events", p.category)
	}
	s := &stream{
		category: p.category,
		sub:      sub,
		records:  make(map[uuid.UUID]*pending),
		stop:     make(chan struct{}),
	}

	d.mu.Lock()
	if d.attachLocked(p) {
		d.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	d.streams[p.category] = s
	d.addLocked(s, p)
	d.mu.Unlock()

	go d.pump(s)
	d.log.Debug().Str("category", p.category).Msg("Opened event subscription")
	return nil
}

// attach adds p to the open stream of its category and reports whether there was one.
func (d *dispatcher) attach(p *pending) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attachLocked(p)
}

func (d *dispatcher) attachLocked(p *pending) bool {
	s, ok := d.streams[p.category]
	if !ok {
		return false
	}
	d.addLocked(s, p)
	return true
}

func (d *dispatcher) addLocked(s *stream, p *pending) {
	_, dup := s.records[p.id]
	assert.That(!dup, "pending call %s registered twice", p.id)
	s.records[p.id] = p
	p.stream = s
	d.inflight++
}

// deregister removes p. It is safe to call more than once.
func (d *dispatcher) deregister(p *pending) {
	d.mu.Lock()
	s := p.stream
	if s == nil {
		d.mu.Unlock()
		return
	}
	p.stream = nil
	d.inflight--
	delete(s.records, p.id)
	empty := len(s.records) == 0
	if empty && d.streams[s.category] == s {
		delete(d.streams, s.category)
	}
	d.mu.Unlock()

	if empty {
		s.close()
		d.log.Debug().Str("category", s.category).Msg("Closed event subscription")
	}
}

// pending returns the number of registered calls, including those left on a subscription the
// transport closed.
func (d *dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight
}

func (d *dispatcher) markResolved(key string) {
	d.recent.Del([]byte(key))
	if err := d.resolved.Set([]byte(key), nil, d.resolvedTTL); err != nil {
		d.log.Debug().Err(err).Str("tx_hash", key).Msg("Failed to remember resolved key")
	}
}

func (d *dispatcher) pump(s *stream) {
	events := s.sub.Events()
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-events:
			if !ok {
				// Calls already attached to s can only time out. The next call opens a fresh
				// subscription.
				d.mu.Lock()
				if d.streams[s.category] == s {
					delete(d.streams, s.category)
				}
				d.mu.Unlock()
				d.log.Warn().Str("category", s.category).Msg("Event subscription closed by transport")
				return
			}
			d.deliver(s, ev)
		}
	}
}

func (d *dispatcher) deliver(s *stream, ev Event) {
	if ev.Category != "" && ev.Category != s.category {
		d.log.Debug().
			Str("category", s.category).
			Str("event_category", ev.Category).
			Msg("Ignoring event of another category")
		return
	}

	receipt, err := d.decode(ev)
	if err != nil {
		d.log.Warn().Err(err).Str("category", s.category).Msg("Ignoring event without usable correlation key")
		return
	}

	// Remember the receipt before fanning out while some call still awaits its ack. A call that
	// learns its key after this point finds it in recent; one that learned it before sees it below.
	cached := false
	if d.awaitingKey(s) {
		cached = d.remember(receipt)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	claimed := false
	for _, p := range s.records {
		key := p.expectedKey()
		switch {
		case key == receipt.TxHash:
			claimed = true
		case key == "" && !cached:
			// Too large for recent, so the call has to see it while its ack is outstanding.
		default:
			continue
		}
		select {
		case p.inbox <- receipt:
		default:
			d.log.Warn().
				Str("operation", p.name).
				Str("operation_id", p.id.String()).
				Str("tx_hash", receipt.TxHash).
				Msg("Pending call inbox full, dropping event")
		}
	}

	if claimed {
		return
	}
	if _, err := d.resolved.Get([]byte(receipt.TxHash)); err == nil {
		d.log.Debug().Str("tx_hash", receipt.TxHash).Msg("Late event for an already resolved call")
		return
	}
	d.log.Debug().Str("tx_hash", receipt.TxHash).Msg("Event matches no pending call with a known key")
}

func (d *dispatcher) awaitingKey(s *stream) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range s.records {
		if p.expectedKey() == "" {
			return true
		}
	}
	return false
}

// remember stores receipt in the recent cache and reports whether it fit.
func (d *dispatcher) remember(receipt Receipt) bool {
	b, err := json.Marshal(receipt)
	if err != nil {
		return false
	}
	if err := d.recent.Set([]byte(receipt.TxHash), b, d.resolvedTTL); err != nil {
		d.log.Debug().Err(err).Str("tx_hash", receipt.TxHash).Int("size", len(b)).Msg("Receipt not cached")
		return false
	}
	return true
}

// recall returns a receipt for key seen before the key was known.
func (d *dispatcher) recall(key string) (Receipt, bool) {
	b, err := d.recent.Get([]byte(key))
	if err != nil {
		return Receipt{}, false
	}
	var receipt Receipt
	if err := json.Unmarshal(b, &receipt); err != nil {
		return Receipt{}, false
	}
	return receipt, true
}

// decode reads the receipt carried by ev, keyed by ev.Key when the transport supplied one.
func (d *dispatcher) decode(ev Event) (Receipt, error) {
	return d.codec.DecodeReceipt(ev.Body, ev.Key)
}
