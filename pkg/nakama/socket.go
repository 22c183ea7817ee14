package nakama

import (
	"context"
	"net/http"
	"time"

	"github.com/argus-labs/world-engine-client/pkg/correlation"
	"github.com/gorilla/websocket"
	"github.com/heroiclabs/nakama-common/rtapi"
	"github.com/rotisserie/eris"
)

const backfillLimit = 100

// Subscribers returns the number of live subscriptions for subject.
func (c *Client) Subscribers(subject string) int {
	return c.hub.subscribers(subject)
}

// ensureSocket opens the realtime socket if it is not open yet. On first connect it moves the
// notification cursor past what is already stored, so a later backfill replays only what was
// missed while disconnected.
func (c *Client) ensureSocket(ctx context.Context) error {
	opened, err := c.openSocket(ctx)
	if err != nil || !opened {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HTTPTimeout)
	defer cancel()
	cursor, skipped, err := c.drainNotifications(ctx, "", nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to read notification cursor")
		return nil
	}

	c.sockMu.Lock()
	if c.cursor == "" {
		c.cursor = cursor
	}
	c.sockMu.Unlock()
	c.log.Debug().Int("skipped", skipped).Str("cursor", cursor).Msg("Notification cursor positioned")
	return nil
}

func (c *Client) openSocket(ctx context.Context) (bool, error) {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()

	if c.closed {
		return false, ErrClosed
	}
	if c.conn != nil {
		return false, nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	c.conn = conn
	go c.readLoop(conn)

	c.log.Info().Str("address", c.cfg.Address).Msg("Connected to Nakama realtime socket")
	return true, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	token := c.Token()
	if token == "" {
		return nil, &correlation.TransportError{Op: "websocket", StatusCode: http.StatusUnauthorized, Err: ErrNotAuthenticated}
	}
	u, err := c.cfg.socketURL(token)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		tErr := &correlation.TransportError{Op: "websocket", Err: eris.Wrap(err, "websocket dial failed")}
		if resp != nil {
			tErr.StatusCode = resp.StatusCode
		}
		return nil, tErr
	}
	return conn, nil
}

// readLoop drains conn and dispatches notifications. When the socket breaks it reconnects and
// replays stored notifications that may have been missed, until the client is closed.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.log.Warn().Err(err).Msg("Read from websocket failed, reconnecting")
			if conn = c.reconnect(); conn == nil {
				return
			}
			c.backfill()
			continue
		}
		if messageType != websocket.TextMessage {
			c.log.Warn().Int("message_type", messageType).Msg("Unexpected message type on websocket")
			continue
		}
		c.handleEnvelope(message)
	}
}

func (c *Client) handleEnvelope(message []byte) {
	var envelope rtapi.Envelope
	if err := unmarshalOpts.Unmarshal(message, &envelope); err != nil {
		c.log.Warn().Err(err).Msg("Unable to unmarshal realtime envelope")
		return
	}

	switch msg := envelope.GetMessage().(type) {
	case *rtapi.Envelope_Notifications:
		for _, n := range msg.Notifications.GetNotifications() {
			ev := toEvent(n)
			if c.hub.dispatch(ev) == 0 {
				c.log.Debug().Str("subject", ev.Category).Msg("Notification has no subscriber")
			}
		}
	case *rtapi.Envelope_Error:
		c.log.Warn().
			Int32("code", msg.Error.GetCode()).
			Str("message", msg.Error.GetMessage()).
			Msg("Realtime error from Nakama")
	default:
		c.log.Debug().Msg("Ignoring realtime message")
	}
}

// reconnect replaces the socket, retrying until it succeeds or the client is closed.
func (c *Client) reconnect() *websocket.Conn {
	for tries := 1; ; tries++ {
		c.sockMu.Lock()
		if c.closed {
			c.sockMu.Unlock()
			return nil
		}
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HTTPTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			c.conn = conn
			c.sockMu.Unlock()
			c.log.Info().Int("attempts", tries).Msg("Reconnected to Nakama realtime socket")
			return conn
		}
		c.sockMu.Unlock()

		c.log.Warn().Err(err).Int("attempt", tries).Msg("Websocket reconnect failed")
		select {
		case <-c.done:
			return nil
		case <-time.After(c.cfg.ReconnectWait):
		}
	}
}

// backfill re-dispatches stored notifications, which covers receipts sent while disconnected.
// Duplicates are harmless since a correlated call resolves only once.
func (c *Client) backfill() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HTTPTimeout)
	defer cancel()

	c.sockMu.Lock()
	cursor := c.cursor
	c.sockMu.Unlock()

	next, n, err := c.drainNotifications(ctx, cursor, func(ev correlation.Event) { c.hub.dispatch(ev) })
	if next != cursor {
		c.sockMu.Lock()
		c.cursor = next
		c.sockMu.Unlock()
	}
	if err != nil {
		c.log.Warn().Err(err).Int("count", n).Msg("Failed to backfill notifications after reconnect")
		return
	}
	c.log.Debug().Int("count", n).Msg("Backfilled notifications")
}

// drainNotifications pages through stored notifications from cursor until the store is exhausted,
// passing each to fn when fn is not nil. It returns the last cursor reached and the number of
// notifications read, also when a page fails.
func (c *Client) drainNotifications(ctx context.Context, cursor string, fn func(correlation.Event)) (string, int, error) {
	n := 0
	for {
		events, next, err := c.ListNotifications(ctx, backfillLimit, cursor)
		if err != nil {
			return cursor, n, err
		}
		if fn != nil {
			for _, ev := range events {
				fn(ev)
			}
		}
		n += len(events)

		if next == "" || next == cursor || len(events) < backfillLimit {
			if next != "" {
				cursor = next
			}
			return cursor, n, nil
		}
		cursor = next
	}
}

func (c *Client) isClosed() bool {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	return c.closed
}
