// Package nonce implements the cluster-wide single-use token store that backs
// replay detection on the bridge channel.
package nonce

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	cb "github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nmxmxh/chatrelay/pkg/errors"
	"github.com/nmxmxh/chatrelay/pkg/redis"
)

// Store is the subset of the Redis client the ledger needs.
type Store interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
}

// Config tunes the ledger.
type Config struct {
	// TTL is how long a claimed nonce stays claimed. It equals the replay window.
	TTL time.Duration
	// Timeout bounds a single claim round trip.
	Timeout time.Duration
	// MaxFailures is the number of consecutive store failures that opens the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing the store again.
	OpenTimeout time.Duration
}

// Ledger claims nonces with SET NX EX so each one is accepted at most once per
// TTL across every node sharing the store.
type Ledger struct {
	store   Store
	keys    *redis.KeyBuilder
	ttl     time.Duration
	timeout time.Duration
	breaker *cb.CircuitBreaker
	log     *zap.Logger
}

// NewLedger returns a Ledger over store.
func NewLedger(store Store, cfg Config, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = redis.TTLNonce
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	log = log.With(zap.String("module", "nonce"))

	maxFailures := cfg.MaxFailures
	settings := cb.Settings{
		Name:        "NonceStoreCB",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Warn("Circuit breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &Ledger{
		store:   store,
		keys:    redis.NewKeyBuilder(redis.NamespaceChat, redis.ContextNonce),
		ttl:     cfg.TTL,
		timeout: cfg.Timeout,
		breaker: cb.NewCircuitBreaker(settings),
		log:     log,
	}
}

// Claim marks nonce as used and reports whether it had already been used.
//
// Claim fails closed: when the store errors, times out or the breaker is open
// it returns replayed=true together with an error wrapping
// ErrSharedStoreUnavailable.
func (l *Ledger) Claim(ctx context.Context, nonce string) (replayed bool, err error) {
	if nonce == "" {
		return true, errors.Wrap(errors.ErrMalformedInput, "empty nonce")
	}
	key := l.keys.Build(nonce)

	result, err := l.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()
		return l.store.SetNX(callCtx, key, "1", l.ttl).Result()
	})
	if err != nil {
		l.log.Error("Nonce store unavailable, rejecting", zap.String("nonce", nonce), zap.Error(err))
		return true, errors.Wrap(errors.ErrSharedStoreUnavailable, err.Error())
	}

	created, _ := result.(bool)
	return !created, nil
}

// State returns the breaker state, for health reporting.
func (l *Ledger) State() cb.State {
	return l.breaker.State()
}
