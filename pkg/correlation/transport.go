package correlation

import "context"

// Ack is the response to a unary call.
type Ack struct {
	Payload    []byte
	StatusCode int
}

// Subscription is a live push subscription for one event category.
type Subscription interface {
	Events() <-chan Event
	Unsubscribe()
}

// Transport is the authenticated connection to the backend. Implementations report failed unary
// calls with *TransportError where they can; other errors are wrapped by the engine.
type Transport interface {
	UnaryCall(ctx context.Context, name string, payload []byte) (Ack, error)
	Subscribe(ctx context.Context, category string) (Subscription, error)
}

// SessionGuard ensures the credential is valid before a call is issued.
type SessionGuard interface {
	Ensure(ctx context.Context) error
}
