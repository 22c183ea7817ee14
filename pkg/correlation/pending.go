package correlation

import (
	"sync/atomic"
	"time"

	"github.com/argus-labs/world-engine-client/pkg/assert"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// pending is the record of one in-flight correlated call. Receipts carrying its key are buffered in
// inbox. Receipts that arrive before the key is known are kept by the dispatcher and recalled once
// the ack is in.
type pending struct {
	id          uuid.UUID
	name        string
	category    string
	payloadHash string
	issuedAt    time.Time
	deadline    time.Time

	key      atomic.Pointer[string]
	resolved atomic.Bool
	inbox    chan Receipt

	// stream is the subscription p is attached to. Guarded by the dispatcher's mutex.
	stream *stream
}

func newPending(call Call, payload []byte, inboxSize int) *pending {
	return &pending{
		id:          uuid.New(),
		name:        call.Name,
		category:    call.Category,
		payloadHash: crypto.Keccak256Hash(payload).Hex(),
		inbox:       make(chan Receipt, inboxSize),
	}
}

// issue stamps the time the unary call was sent. The deadline runs from here.
func (p *pending) issue(now time.Time, timeout time.Duration) {
	p.issuedAt = now
	p.deadline = now.Add(timeout)
}

func (p *pending) setKey(key string) {
	ok := p.key.CompareAndSwap(nil, &key)
	assert.That(ok, "correlation key of %s set twice", p.id)
}

// expectedKey returns the correlation key, or "" while the ack is outstanding or carried none.
func (p *pending) expectedKey() string {
	if k := p.key.Load(); k != nil {
		return *k
	}
	return ""
}

// resolve marks the record consumed. It reports false if it already was.
func (p *pending) resolve() bool {
	return p.resolved.CompareAndSwap(false, true)
}
