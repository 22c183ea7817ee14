// Package session keeps the backend credential usable before calls are issued.
package session

import (
	"context"
	"time"

	"github.com/argus-labs/world-engine-client/pkg/correlation"
	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Identity is what the client authenticates as.
type Identity struct {
	DeviceID string
	Username string
}

// Authenticator manages a credential with an expiry.
type Authenticator interface {
	// CredentialIsNearExpiry reports whether the credential expires within grace, or is missing.
	CredentialIsNearExpiry(grace time.Duration) bool
	RefreshCredential(ctx context.Context) error
	Reauthenticate(ctx context.Context, id Identity) error
}

// Config holds the environment configuration of the guard.
type Config struct {
	// GraceWindow is how long before expiry the credential is renewed.
	GraceWindow time.Duration `env:"SESSION_GRACE_WINDOW" envDefault:"5m"`
}

// Guard renews the credential when it is close to expiry. It refreshes first and falls back to
// re-authenticating; when both fail the caller gets a *correlation.AuthError.
type Guard struct {
	auth  Authenticator
	id    Identity
	grace time.Duration
	log   zerolog.Logger
	group singleflight.Group
}

var _ correlation.SessionGuard = (*Guard)(nil)

// NewGuard creates a guard for auth acting as id.
func NewGuard(auth Authenticator, id Identity, opts ...GuardOption) (*Guard, error) {
	if auth == nil {
		return nil, eris.New("authenticator is required")
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse session config")
	}

	g := &Guard{
		auth:  auth,
		id:    id,
		grace: cfg.GraceWindow,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.grace < 0 {
		return nil, eris.New("grace window cannot be negative")
	}
	return g, nil
}

// Ensure blocks until the credential is valid for at least the grace window. Concurrent callers
// share one renewal.
func (g *Guard) Ensure(ctx context.Context) error {
	if !g.auth.CredentialIsNearExpiry(g.grace) {
		return nil
	}

	// The renewal outlives any single caller so one cancelled call does not fail the others.
	ch := g.group.DoChan("renew", func() (any, error) {
		return nil, g.renew(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return &correlation.AuthError{Stage: "ensure", Err: ctx.Err()}
	}
}

func (g *Guard) renew(ctx context.Context) error {
	err := g.auth.RefreshCredential(ctx)
	if err == nil {
		g.log.Debug().Msg("Refreshed session")
		return nil
	}
	g.log.Warn().Err(err).Msg("Session refresh failed, re-authenticating")

	if err := g.auth.Reauthenticate(ctx, g.id); err != nil {
		g.log.Error().Err(err).Str("device_id", g.id.DeviceID).Msg("Re-authentication failed")
		return &correlation.AuthError{Stage: "reauthenticate", Err: eris.Wrap(err, "refresh and re-authentication failed")}
	}
	g.log.Info().Str("device_id", g.id.DeviceID).Msg("Re-authenticated")
	return nil
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithLogger sets the guard's logger.
func WithLogger(log zerolog.Logger) GuardOption {
	return func(g *Guard) {
		g.log = log
	}
}

// WithGraceWindow overrides the grace window read from the environment.
func WithGraceWindow(d time.Duration) GuardOption {
	return func(g *Guard) {
		g.grace = d
	}
}
