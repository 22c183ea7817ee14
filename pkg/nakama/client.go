// Package nakama implements the correlation transport over a Nakama server: RPCs over HTTP and
// push notifications over the realtime websocket.
package nakama

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/argus-labs/world-engine-client/pkg/correlation"
	"github.com/argus-labs/world-engine-client/pkg/session"
	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/heroiclabs/nakama-common/api"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const maxResponseBytes = 4 << 20

var (
	// ErrNotAuthenticated is returned by calls made before a session exists.
	ErrNotAuthenticated = eris.New("not authenticated")
	// ErrClosed is returned by calls made after Close.
	ErrClosed = eris.New("client is closed")
)

var unmarshalOpts = protojson.UnmarshalOptions{DiscardUnknown: true}

// Client is a Nakama client. It implements correlation.Transport and session.Authenticator.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
	now  func() time.Time

	mu   sync.RWMutex
	cred credential

	hub *hub

	sockMu sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
	cursor string
}

var (
	_ correlation.Transport = (*Client)(nil)
	_ session.Authenticator = (*Client)(nil)
)

// NewClient creates a Nakama client. Configuration is read from the environment and may be
// overridden with options. No connection is made until the first call.
func NewClient(opts ...ClientOption) (*Client, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse Nakama config")
	}

	c := &Client{
		cfg:  cfg,
		log:  zerolog.Nop(),
		now:  time.Now,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.cfg.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid Nakama config")
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: c.cfg.HTTPTimeout}
	}
	c.hub = newHub(c.log, c.cfg.NotificationBuffer)

	return c, nil
}

// -------------------------------------------------------------------------------------------------
// Authentication
// -------------------------------------------------------------------------------------------------

// AuthenticateDevice creates or resumes the account of id.DeviceID and stores the session.
func (c *Client) AuthenticateDevice(ctx context.Context, id session.Identity) error {
	if id.DeviceID == "" {
		return eris.New("device id is required")
	}

	query := url.Values{}
	query.Set("create", "true")
	if id.Username != "" {
		query.Set("username", id.Username)
	}
	body, err := protojson.Marshal(&api.AccountDevice{Id: id.DeviceID})
	if err != nil {
		return eris.Wrap(err, "failed to marshal device account")
	}

	var sess api.Session
	if err := c.doServerKey(ctx, "/v2/account/authenticate/device", query, body, &sess); err != nil {
		return &correlation.AuthError{Stage: "authenticate device", Err: err}
	}
	if err := c.setSession(&sess); err != nil {
		return &correlation.AuthError{Stage: "authenticate device", Err: err}
	}

	c.log.Info().Str("user_id", c.UserID()).Str("device_id", id.DeviceID).Msg("Authenticated device")
	return nil
}

// Reauthenticate discards the current session and authenticates id again.
func (c *Client) Reauthenticate(ctx context.Context, id session.Identity) error {
	return c.AuthenticateDevice(ctx, id)
}

// RefreshCredential exchanges the refresh token for a new session.
func (c *Client) RefreshCredential(ctx context.Context) error {
	c.mu.RLock()
	refreshToken := c.cred.refreshToken
	refreshExpiresAt := c.cred.refreshExpiresAt
	c.mu.RUnlock()

	if refreshToken == "" {
		return &correlation.AuthError{Stage: "refresh", Err: ErrNotAuthenticated}
	}
	if !refreshExpiresAt.IsZero() && !c.now().Before(refreshExpiresAt) {
		return &correlation.AuthError{Stage: "refresh", Err: eris.New("refresh token expired")}
	}

	body, err := protojson.Marshal(&api.SessionRefreshRequest{Token: refreshToken})
	if err != nil {
		return eris.Wrap(err, "failed to marshal refresh request")
	}

	var sess api.Session
	if err := c.doServerKey(ctx, "/v2/account/session/refresh", nil, body, &sess); err != nil {
		return &correlation.AuthError{Stage: "refresh", Err: err}
	}
	if sess.GetRefreshToken() == "" {
		sess.RefreshToken = refreshToken
	}
	if err := c.setSession(&sess); err != nil {
		return &correlation.AuthError{Stage: "refresh", Err: err}
	}

	c.log.Debug().Time("expires_at", c.ExpiresAt()).Msg("Refreshed session")
	return nil
}

// CredentialIsNearExpiry reports whether the session is missing or expires within grace.
func (c *Client) CredentialIsNearExpiry(grace time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cred.token == "" {
		return true
	}
	return !c.now().Add(grace).Before(c.cred.expiresAt)
}

// Token returns the current session token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cred.token
}

// UserID returns the user id of the current session.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cred.userID
}

// ExpiresAt returns the expiry of the current session token.
func (c *Client) ExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cred.expiresAt
}

func (c *Client) setSession(sess *api.Session) error {
	cred, err := newCredential(sess.GetToken(), sess.GetRefreshToken())
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()
	return nil
}

// -------------------------------------------------------------------------------------------------
// Transport
// -------------------------------------------------------------------------------------------------

// UnaryCall invokes the RPC name with payload as its raw body.
func (c *Client) UnaryCall(ctx context.Context, name string, payload []byte) (correlation.Ack, error) {
	token := c.Token()
	if token == "" {
		return correlation.Ack{}, &correlation.TransportError{
			Op:         name,
			StatusCode: http.StatusUnauthorized,
			Err:        ErrNotAuthenticated,
		}
	}
	if payload == nil {
		payload = []byte("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Address+"/v2/rpc/"+name+"?unwrap", bytes.NewReader(payload))
	if err != nil {
		return correlation.Ack{}, eris.Wrapf(err, "failed to create request for %s", name)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	status, body, err := c.do(req)
	if err != nil {
		return correlation.Ack{}, &correlation.TransportError{Op: name, Err: err}
	}
	if status != http.StatusOK {
		return correlation.Ack{}, &correlation.TransportError{Op: name, StatusCode: status, Body: errorMessage(body)}
	}
	return correlation.Ack{Payload: body, StatusCode: status}, nil
}

// Subscribe returns the notifications whose subject equals category. The realtime socket is
// opened on first use.
func (c *Client) Subscribe(ctx context.Context, category string) (correlation.Subscription, error) {
	if err := c.ensureSocket(ctx); err != nil {
		return nil, err
	}
	return c.hub.subscribe(category), nil
}

// ListNotifications fetches up to limit stored notifications newer than cursor and returns them with
// the cursor to pass next time.
func (c *Client) ListNotifications(ctx context.Context, limit int, cursor string) ([]correlation.Event, string, error) {
	token := c.Token()
	if token == "" {
		return nil, "", ErrNotAuthenticated
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		query.Set("cacheable_cursor", cursor)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Address+"/v2/notification?"+query.Encode(), nil)
	if err != nil {
		return nil, "", eris.Wrap(err, "failed to create notification request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	status, body, err := c.do(req)
	if err != nil {
		return nil, "", &correlation.TransportError{Op: "list notifications", Err: err}
	}
	if status != http.StatusOK {
		return nil, "", &correlation.TransportError{Op: "list notifications", StatusCode: status, Body: errorMessage(body)}
	}

	var list api.NotificationList
	if err := unmarshalOpts.Unmarshal(body, &list); err != nil {
		return nil, "", &correlation.ParseError{What: "notification list", Err: err}
	}
	events := make([]correlation.Event, 0, len(list.GetNotifications()))
	for _, n := range list.GetNotifications() {
		events = append(events, toEvent(n))
	}
	return events, list.GetCacheableCursor(), nil
}

// Close closes the realtime socket and ends every subscription.
func (c *Client) Close() {
	c.sockMu.Lock()
	if c.closed {
		c.sockMu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.sockMu.Unlock()

	c.hub.close()
	c.log.Info().Msg("Nakama client closed")
}

func (c *Client) doServerKey(ctx context.Context, path string, query url.Values, body []byte, out proto.Message) error {
	u := c.cfg.Address + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return eris.Wrapf(err, "failed to create request to %s", path)
	}
	req.SetBasicAuth(c.cfg.ServerKey, "")
	req.Header.Set("Content-Type", "application/json")

	status, resp, err := c.do(req)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &correlation.TransportError{Op: path, StatusCode: status, Body: errorMessage(resp)}
	}
	if err := unmarshalOpts.Unmarshal(resp, out); err != nil {
		return &correlation.ParseError{What: path + " response", Err: err}
	}
	return nil
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, eris.Wrapf(err, "request to %q failed", req.URL.Path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, eris.Wrapf(err, "failed reading body in resp, status code: %d", resp.StatusCode)
	}
	return resp.StatusCode, body, nil
}

// errorMessage extracts the message of a Nakama error body, falling back to the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return e.Message
	}
	return string(body)
}

func toEvent(n *api.Notification) correlation.Event {
	return correlation.Event{
		Category:   n.GetSubject(),
		Body:       []byte(n.GetContent()),
		Persistent: n.GetPersistent(),
	}
}

// -------------------------------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------------------------------

// ClientOption defines a function that can modify a Client.
type ClientOption func(*Client)

// WithLogger returns a ClientOption that sets the logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// WithConfig returns a ClientOption that replaces the configuration read from the environment.
func WithConfig(cfg Config) ClientOption {
	return func(c *Client) {
		c.cfg = cfg
	}
}

// WithAddress returns a ClientOption that sets the server address.
func WithAddress(addr string) ClientOption {
	return func(c *Client) {
		c.cfg.Address = addr
	}
}

// WithHTTPClient returns a ClientOption that sets the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}
