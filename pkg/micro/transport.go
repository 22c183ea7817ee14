package micro

import (
	"context"
	"errors"
	"sync"

	"github.com/argus-labs/world-engine-client/pkg/correlation"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// KeyHeader carries the correlation key of an event out of band.
const KeyHeader = "Correlation-Key"

var _ correlation.Transport = (*Client)(nil)

// Response is the reply to a unary call.
type Response struct {
	Code    codes.Code      `json:"code"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UnaryCall sends payload to the RPC subject of name and waits for the reply. A reply with a
// non-OK code is returned as a *correlation.TransportError carrying the code as its status.
func (c *Client) UnaryCall(ctx context.Context, name string, payload []byte) (correlation.Ack, error) {
	msg, err := c.RequestWithContext(ctx, c.RPCSubject(name), payload)
	if err != nil {
		tErr := &correlation.TransportError{Op: name, Err: eris.Wrap(err, "failed to send request")}
		if errors.Is(err, nats.ErrNoResponders) {
			tErr.StatusCode = int(codes.Unavailable)
		}
		return correlation.Ack{}, tErr
	}

	var res Response
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return correlation.Ack{}, &correlation.TransportError{
			Op:  name,
			Err: &correlation.ParseError{What: "response", Err: err},
		}
	}
	if res.Code != codes.OK {
		return correlation.Ack{}, &correlation.TransportError{
			Op:         name,
			StatusCode: int(res.Code),
			Body:       res.Message,
		}
	}
	return correlation.Ack{Payload: res.Payload, StatusCode: int(codes.OK)}, nil
}

// Subscribe delivers events published on the event subject of category.
func (c *Client) Subscribe(_ context.Context, category string) (correlation.Subscription, error) {
	s := &subscription{
		events: make(chan correlation.Event, c.natsConfig.EventBuffer),
	}

	subject := c.EventSubject(category)
	sub, err := c.Conn.Subscribe(subject, func(msg *nats.Msg) {
		ev := correlation.Event{Category: category, Body: msg.Data}
		if msg.Header != nil {
			ev.Key = msg.Header.Get(KeyHeader)
		}
		select {
		case s.events <- ev:
		default:
			c.log.Warn().Str("subject", subject).Msg("Subscriber is not keeping up, dropping event")
		}
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to subscribe to %s", subject)
	}

	s.unsubscribe = func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.log.Warn().Err(err).Str("subject", subject).Msg("Failed to unsubscribe")
		}
	}
	return s, nil
}

type subscription struct {
	events      chan correlation.Event
	unsubscribe func()
	once        sync.Once
}

func (s *subscription) Events() <-chan correlation.Event { return s.events }

func (s *subscription) Unsubscribe() { s.once.Do(s.unsubscribe) }

// -------------------------------------------------------------------------------------------------
// Serving side
// -------------------------------------------------------------------------------------------------

// Handler answers a unary call with a JSON payload. Errors created with grpc/status keep their
// code; any other error is reported as codes.Internal.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Serve answers unary calls named name with h until the returned subscription is unsubscribed.
func (c *Client) Serve(name string, h Handler) (*nats.Subscription, error) {
	subject := c.RPCSubject(name)
	sub, err := c.Conn.Subscribe(subject, func(msg *nats.Msg) {
		payload, err := h(context.Background(), msg.Data)

		res := Response{Code: codes.OK, Payload: payload}
		if err != nil {
			code := codes.Internal
			if st, ok := status.FromError(err); ok {
				code = st.Code()
			}
			res = Response{Code: code, Message: status.Convert(err).Message()}
		}
		b, err := json.Marshal(res)
		if err != nil {
			c.log.Error().Err(err).Str("subject", subject).Msg("Failed to marshal response")
			return
		}
		if err := msg.Respond(b); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("Failed to respond")
		}
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to serve %s", subject)
	}
	return sub, nil
}

// PublishEvent publishes body on the event subject of category, with key in the correlation
// header when it is not empty.
func (c *Client) PublishEvent(category, key string, body []byte) error {
	msg := nats.NewMsg(c.EventSubject(category))
	msg.Data = body
	if key != "" {
		msg.Header.Set(KeyHeader, key)
	}
	if err := c.PublishMsg(msg); err != nil {
		return eris.Wrapf(err, "failed to publish %s event", category)
	}
	return nil
}
