// Package correlation turns a unary call whose real result arrives later on a push channel into a
// single operation with one of three outcomes: Success, Failure or Timeout.
//
// A correlated call subscribes to its event category before the unary call is sent, reads the
// correlation key from the acknowledgement, and resolves with the first event carrying the same
// key. Calls that see no such event before their deadline resolve as Timeout, which means the
// result is unknown, not that the transaction failed.
package correlation

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Completion selects what completes a call.
type Completion uint8

const (
	// CompletionEvent completes the call with the push event matching the ack's key.
	CompletionEvent Completion = iota
	// CompletionAck completes the call with the acknowledgement alone.
	CompletionAck
)

// Call describes one backend operation.
type Call struct {
	Name       string
	Category   string        // defaults to DefaultCategory
	Completion Completion
	Timeout    time.Duration // defaults to Config.DefaultTimeout
}

// Engine issues correlated and simple calls over a shared Transport.
type Engine struct {
	transport  Transport
	guard      SessionGuard
	codec      Codec
	log        zerolog.Logger
	tracer     trace.Tracer
	cfg        Config
	dispatcher *dispatcher
	now        func() time.Time
}

// NewEngine creates an engine over transport. Configuration is read from the environment and may
// be overridden with options.
func NewEngine(transport Transport, opts ...Option) (*Engine, error) {
	if transport == nil {
		return nil, eris.New("transport is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		transport: transport,
		codec:     JSONCodec{KeyField: DefaultKeyField},
		log:       zerolog.Nop(),
		tracer:    noop.NewTracerProvider().Tracer("correlation"),
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.cfg.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid correlation config")
	}

	e.dispatcher = newDispatcher(e.transport, e.codec, e.log, e.cfg)
	return e, nil
}

// Pending returns the number of correlated calls currently waiting for an event.
func (e *Engine) Pending() int {
	return e.dispatcher.pending()
}

// CorrelatedCall performs call and waits for its outcome. Transport and authentication failures
// are returned as Failure immediately; a call with no matching event before its deadline returns
// Timeout. Cancelling ctx returns Failure wrapping ErrCancelled. Every path removes the call's
// subscription interest before returning.
func (e *Engine) CorrelatedCall(ctx context.Context, call Call, payload []byte) Outcome[Receipt] {
	call = e.withDefaults(call)

	ctx, span := e.tracer.Start(ctx, "correlation.CorrelatedCall", trace.WithAttributes(
		attribute.String("operation", call.Name),
		attribute.String("category", call.Category),
		attribute.Int64("timeout_ms", call.Timeout.Milliseconds()),
	))
	defer span.End()

	out := e.correlatedCall(ctx, span, call, payload)
	if out.IsSuccess() {
		span.SetAttributes(attribute.String("tx_hash", out.Value.TxHash))
	}
	endSpan(span, out.Kind, out.Err)
	return out
}

// SimpleCall performs a unary call whose acknowledgement is the result.
func (e *Engine) SimpleCall(ctx context.Context, name string, payload []byte) Outcome[[]byte] {
	ctx, span := e.tracer.Start(ctx, "correlation.SimpleCall", trace.WithAttributes(
		attribute.String("operation", name),
	))
	defer span.End()

	out := e.simpleCall(ctx, name, payload)
	endSpan(span, out.Kind, out.Err)
	return out
}

// CorrelatedCallAsync starts CorrelatedCall in the background.
func (e *Engine) CorrelatedCallAsync(ctx context.Context, call Call, payload []byte) *Future[Receipt] {
	f := newFuture[Receipt]()
	go func() {
		f.complete(e.CorrelatedCall(ctx, call, payload))
	}()
	return f
}

// SimpleCallAsync starts SimpleCall in the background.
func (e *Engine) SimpleCallAsync(ctx context.Context, name string, payload []byte) *Future[[]byte] {
	f := newFuture[[]byte]()
	go func() {
		f.complete(e.SimpleCall(ctx, name, payload))
	}()
	return f
}

func (e *Engine) simpleCall(ctx context.Context, name string, payload []byte) Outcome[[]byte] {
	if err := e.ensureSession(ctx); err != nil {
		return Failure[[]byte](err)
	}
	ack, err := e.unaryCall(ctx, name, payload)
	if err != nil {
		return Failure[[]byte](err)
	}
	return Success(ack.Payload)
}

func (e *Engine) correlatedCall(
	ctx context.Context,
	span trace.Span,
	call Call,
	payload []byte,
) Outcome[Receipt] {
	if err := e.ensureSession(ctx); err != nil {
		return Failure[Receipt](err)
	}

	if call.Completion == CompletionAck {
		ack, err := e.unaryCall(ctx, call.Name, payload)
		if err != nil {
			return Failure[Receipt](err)
		}
		key, _ := e.codec.AckKey(ack.Payload)
		return Success(Receipt{TxHash: key, Success: true, Result: ack.Payload})
	}

	p := newPending(call, payload, e.cfg.InboxSize)
	log := e.log.With().
		Str("operation", call.Name).
		Str("operation_id", p.id.String()).
		Str("payload_hash", p.payloadHash).
		Logger()
	span.SetAttributes(
		attribute.String("operation_id", p.id.String()),
		attribute.String("payload_hash", p.payloadHash),
	)

	// Subscribe BEFORE sending the request so an event published right after the ack is not missed.
	if err := e.dispatcher.register(ctx, p); err != nil {
		return Failure[Receipt](asTransportError("subscribe "+call.Category, err))
	}
	defer e.dispatcher.deregister(p)

	p.issue(e.now(), call.Timeout)
	timer := time.NewTimer(call.Timeout)
	defer timer.Stop()

	unaryCtx, cancel := context.WithDeadline(ctx, p.deadline)
	defer cancel()

	ack, err := e.unaryCall(unaryCtx, call.Name, payload)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return Failure[Receipt](cancelled(ctx))
		case errors.Is(unaryCtx.Err(), context.DeadlineExceeded):
			log.Warn().Msg("Unary call did not complete before the deadline")
			return Timeout[Receipt]()
		default:
			log.Warn().Err(err).Msg("Unary call failed")
			return Failure[Receipt](err)
		}
	}

	if emptyAck(ack.Payload) {
		// Nothing to correlate: the call completed with the ack itself.
		log.Debug().Msg("Empty ack, call complete")
		return Success(Receipt{Success: true})
	}

	key, err := e.codec.AckKey(ack.Payload)
	if err != nil {
		// Without a key no event can be attributed to this call; it can only time out.
		log.Warn().Err(err).Msg("Ack carries no correlation key")
	} else {
		p.setKey(key)
		log = log.With().Str("tx_hash", key).Logger()
		if receipt, ok := e.dispatcher.recall(key); ok && p.resolve() {
			return e.settle(log, p, receipt)
		}
		log.Debug().Msg("Awaiting receipt")
	}

	for {
		select {
		case <-ctx.Done():
			return Failure[Receipt](cancelled(ctx))

		case <-timer.C:
			log.Warn().Dur("timeout", call.Timeout).Msg("Timed out waiting for receipt")
			return Timeout[Receipt]()

		case receipt := <-p.inbox:
			if key == "" || receipt.TxHash != key {
				continue
			}
			if !p.resolve() {
				continue
			}
			return e.settle(log, p, receipt)
		}
	}
}

// settle completes p with receipt. The caller must have won p.resolve.
func (e *Engine) settle(log zerolog.Logger, p *pending, receipt Receipt) Outcome[Receipt] {
	e.dispatcher.markResolved(receipt.TxHash)
	log.Debug().
		Bool("success", receipt.Success).
		Dur("latency", e.now().Sub(p.issuedAt)).
		Msg("Received receipt")
	return Success(receipt)
}

// emptyAck reports whether an ack has no body to correlate. "null" counts as empty; "{}" does not,
// it is an object that lacks a key.
func emptyAck(payload []byte) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func (e *Engine) ensureSession(ctx context.Context) error {
	if e.guard == nil {
		return nil
	}
	err := e.guard.Ensure(ctx)
	if err == nil {
		return nil
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	return &AuthError{Stage: "ensure session", Err: err}
}

func (e *Engine) unaryCall(ctx context.Context, name string, payload []byte) (Ack, error) {
	ack, err := e.transport.UnaryCall(ctx, name, payload)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Ack{}, cancelled(ctx)
		}
		return Ack{}, asTransportError(name, err)
	}
	return ack, nil
}

func (e *Engine) withDefaults(call Call) Call {
	if call.Category == "" {
		call.Category = DefaultCategory
	}
	if call.Timeout <= 0 {
		call.Timeout = e.cfg.DefaultTimeout
	}
	return call
}

func asTransportError(op string, err error) error {
	var tErr *TransportError
	if errors.As(err, &tErr) {
		return tErr
	}
	return &TransportError{Op: op, Err: err}
}

func cancelled(ctx context.Context) error {
	return eris.Wrap(ErrCancelled, context.Cause(ctx).Error())
}

func endSpan(span trace.Span, kind OutcomeKind, err error) {
	span.SetAttributes(attribute.String("outcome", kind.String()))
	if kind == OutcomeSuccess {
		span.SetStatus(otelcodes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}

// -------------------------------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------------------------------

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithTracer sets the tracer used for call spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithCodec replaces the JSON codec keyed on "txHash".
func WithCodec(codec Codec) Option {
	return func(e *Engine) {
		if codec != nil {
			e.codec = codec
		}
	}
}

// WithSessionGuard makes every call wait for guard.Ensure before it is issued.
func WithSessionGuard(guard SessionGuard) Option {
	return func(e *Engine) {
		e.guard = guard
	}
}

// WithConfig overrides the configuration read from the environment.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithDefaultTimeout overrides the default timeout of event-completed calls.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.cfg.DefaultTimeout = d
	}
}
