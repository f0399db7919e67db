// Package bridge consumes backend events from the shared bus and routes the
// ones that prove fresh, unique and authentic.
//
// Every envelope moves through a fixed pipeline:
//
//	RECEIVED -> PARSED -> TIMESTAMP_OK -> NONCE_OK -> SIGNATURE_OK -> ROUTED
//
// and stops in REJECTED at the first failed check. The nonce is claimed
// before the signature is checked, so a flood of identical replays costs one
// store round trip each and no HMAC.
package bridge

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nmxmxh/chatrelay/internal/event"
	"github.com/nmxmxh/chatrelay/internal/router"
	"github.com/nmxmxh/chatrelay/internal/signature"
	"github.com/nmxmxh/chatrelay/pkg/errors"
	"github.com/nmxmxh/chatrelay/pkg/metrics"
	"github.com/nmxmxh/chatrelay/pkg/redis"
)

// Stage is a pipeline state.
type Stage string

const (
	StageReceived    Stage = "received"
	StageParsed      Stage = "parsed"
	StageTimestampOK Stage = "timestamp_ok"
	StageNonceOK     Stage = "nonce_ok"
	StageSignatureOK Stage = "signature_ok"
	StageRouted      Stage = "routed"
	StageRejected    Stage = "rejected"
)

// DefaultWindow is the freshness tolerance and replay window.
const DefaultWindow = 60 * time.Second

// Result is the outcome of one envelope.
type Result struct {
	// Stage is StageRouted or StageRejected.
	Stage Stage
	// Passed is the last stage the envelope completed.
	Passed Stage
	// Err is the rejection cause, or the router's error for routed envelopes.
	Err error
	// EventType is set once the envelope parsed.
	EventType string
}

// Claimer marks nonces as used.
type Claimer interface {
	Claim(ctx context.Context, nonce string) (replayed bool, err error)
}

// Router receives verified events.
type Router interface {
	Route(ctx context.Context, ev event.Event, origin *router.Origin) error
}

// Auditor records rejected envelopes.
type Auditor interface {
	Record(ctx context.Context, reason string, raw []byte, cause error) error
}

// Subscriber opens pub/sub subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *goredis.PubSub
}

// Config configures a Listener.
type Config struct {
	Channel string
	Secret  []byte
	Window  time.Duration
}

// Listener verifies and routes bridge envelopes.
type Listener struct {
	sub       Subscriber
	ledger    Claimer
	router    Router
	audit     Auditor
	channel   string
	secret    []byte
	window    time.Duration
	now       func() time.Time
	tracer    trace.Tracer
	log       *zap.Logger
	ready     chan struct{}
	readyOnce sync.Once
}

// New returns a Listener. audit may be nil.
func New(sub Subscriber, ledger Claimer, r Router, audit Auditor, cfg Config, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Channel == "" {
		cfg.Channel = redis.DefaultBridgeChannel
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Listener{
		sub:     sub,
		ledger:  ledger,
		router:  r,
		audit:   audit,
		channel: cfg.Channel,
		secret:  cfg.Secret,
		window:  cfg.Window,
		now:     time.Now,
		tracer:  otel.Tracer("github.com/nmxmxh/chatrelay/internal/bridge"),
		log:     log.With(zap.String("module", "bridge"), zap.String("channel", cfg.Channel)),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the channel subscription is established.
func (l *Listener) Ready() <-chan struct{} { return l.ready }

// Handle runs one raw message through the pipeline.
func (l *Listener) Handle(ctx context.Context, raw []byte) (res Result) {
	start := time.Now()
	ctx, span := l.tracer.Start(ctx, "bridge.handle", trace.WithSpanKind(trace.SpanKindConsumer))
	defer func() {
		metrics.BridgeLatency.Observe(time.Since(start).Seconds())
		metrics.BridgeEnvelopes.WithLabelValues(string(res.Stage)).Inc()
		span.SetAttributes(
			attribute.String("chat.event_type", res.EventType),
			attribute.String("chat.stage", string(res.Stage)),
			attribute.String("chat.passed", string(res.Passed)),
		)
		if res.Stage == StageRejected {
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
	}()

	res = Result{Passed: StageReceived}
	reject := func(reason string, err error) Result {
		res.Stage = StageRejected
		res.Err = err
		l.rejected(ctx, reason, raw, res)
		return res
	}

	env, err := Parse(raw)
	if err != nil {
		return reject("malformed", err)
	}
	res.EventType = env.EventType
	ev, err := env.Event()
	if err != nil {
		return reject("malformed", err)
	}
	res.Passed = StageParsed

	skew := math.Abs(float64(l.now().UnixNano())/1e9 - env.EventTime)
	if skew > l.window.Seconds() {
		return reject("stale", errors.Wrap(errors.ErrStaleEvent, fmt.Sprintf("clock skew %.1fs", skew)))
	}
	res.Passed = StageTimestampOK

	replayed, err := l.ledger.Claim(ctx, env.Nonce)
	switch {
	case err != nil && errors.Is(err, errors.ErrSharedStoreUnavailable):
		return reject("store_unavailable", err)
	case err != nil:
		return reject("malformed", err)
	case replayed:
		return reject("replay", errors.Wrap(errors.ErrReplayDetected, "nonce "+env.Nonce))
	}
	res.Passed = StageNonceOK

	if !signature.Verify(env.Fields, l.secret) {
		return reject("signature", errors.ErrSignatureInvalid)
	}
	res.Passed = StageSignatureOK

	res.Stage = StageRouted
	res.Err = l.router.Route(ctx, ev, nil)
	res.Passed = StageRouted
	l.log.Debug("Routed bridge event", zap.String("event", env.EventType), zap.String("nonce", env.Nonce))
	return res
}

// rejected logs, counts and audits a rejection at the severity of its cause.
func (l *Listener) rejected(ctx context.Context, reason string, raw []byte, res Result) {
	fields := []zap.Field{
		zap.String("reason", reason),
		zap.String("event", res.EventType),
		zap.String("passed", string(res.Passed)),
		zap.Error(res.Err),
	}
	switch reason {
	case "signature", "store_unavailable":
		l.log.Error("Bridge envelope rejected", fields...)
	default:
		l.log.Warn("Bridge envelope rejected", fields...)
	}
	if reason != "malformed" {
		metrics.SecuritySignals.WithLabelValues(reason).Inc()
	}
	if l.audit != nil {
		if err := l.audit.Record(ctx, reason, raw, res.Err); err != nil {
			l.log.Debug("Audit record failed", zap.Error(err))
		}
	}
}

// Run consumes the bridge channel until ctx is cancelled. A broken
// subscription is re-established with exponential backoff; message failures
// never stop the loop.
func (l *Listener) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		return l.consume(ctx)
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		l.log.Warn("Bridge subscription lost, retrying", zap.Error(err), zap.Duration("retry_in", next))
	})
	if err != nil && !stderrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (l *Listener) consume(ctx context.Context) error {
	sub := l.sub.Subscribe(ctx, l.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("subscribe %s: %w", l.channel, err)
	}
	l.readyOnce.Do(func() { close(l.ready) })
	l.log.Info("Subscribed to bridge channel")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("bridge channel %s closed", l.channel)
			}
			l.Handle(ctx, []byte(msg.Payload))
		}
	}
}
