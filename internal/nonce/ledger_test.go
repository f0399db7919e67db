package nonce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	cb "github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chaterrors "github.com/nmxmxh/chatrelay/pkg/errors"
)

// memStore is an in-memory SET NX EX.
type memStore struct {
	mu    sync.Mutex
	keys  map[string]time.Time
	now   func() time.Time
	err   error
	block bool
	calls int32
	ttls  []time.Duration
}

func newMemStore() *memStore {
	return &memStore{keys: map[string]time.Time{}, now: time.Now}
}

func (m *memStore) SetNX(ctx context.Context, key string, _ interface{}, ttl time.Duration) *goredis.BoolCmd {
	atomic.AddInt32(&m.calls, 1)
	cmd := goredis.NewBoolCmd(ctx)
	if m.block {
		<-ctx.Done()
		cmd.SetErr(ctx.Err())
		return cmd
	}
	if m.err != nil {
		cmd.SetErr(m.err)
		return cmd
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttls = append(m.ttls, ttl)
	if exp, ok := m.keys[key]; ok && m.now().Before(exp) {
		cmd.SetVal(false)
		return cmd
	}
	m.keys[key] = m.now().Add(ttl)
	cmd.SetVal(true)
	return cmd
}

func TestClaim(t *testing.T) {
	store := newMemStore()
	l := NewLedger(store, Config{}, nil)

	replayed, err := l.Claim(context.Background(), "n1")
	require.NoError(t, err)
	assert.False(t, replayed)

	replayed, err = l.Claim(context.Background(), "n1")
	require.NoError(t, err)
	assert.True(t, replayed)

	replayed, err = l.Claim(context.Background(), "n2")
	require.NoError(t, err)
	assert.False(t, replayed)

	_, ok := store.keys["chat:nonce:n1"]
	assert.True(t, ok)
	assert.Equal(t, 60*time.Second, store.ttls[0])
}

func TestClaimReusableAfterTTL(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	l := NewLedger(store, Config{}, nil)

	replayed, err := l.Claim(context.Background(), "n1")
	require.NoError(t, err)
	require.False(t, replayed)

	now = now.Add(61 * time.Second)
	replayed, err = l.Claim(context.Background(), "n1")
	require.NoError(t, err)
	assert.False(t, replayed)
}

func TestClaimConcurrent(t *testing.T) {
	l := NewLedger(newMemStore(), Config{}, nil)

	var fresh int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replayed, err := l.Claim(context.Background(), "same")
			if err == nil && !replayed {
				atomic.AddInt32(&fresh, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fresh)
}

func TestClaimFailsClosed(t *testing.T) {
	t.Run("store error", func(t *testing.T) {
		store := newMemStore()
		store.err = errors.New("connection refused")
		l := NewLedger(store, Config{}, nil)

		replayed, err := l.Claim(context.Background(), "n1")
		assert.True(t, replayed)
		assert.True(t, chaterrors.Is(err, chaterrors.ErrSharedStoreUnavailable))
	})

	t.Run("timeout", func(t *testing.T) {
		store := newMemStore()
		store.block = true
		l := NewLedger(store, Config{Timeout: 20 * time.Millisecond}, nil)

		start := time.Now()
		replayed, err := l.Claim(context.Background(), "n1")
		assert.True(t, replayed)
		assert.True(t, chaterrors.Is(err, chaterrors.ErrSharedStoreUnavailable))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("breaker open", func(t *testing.T) {
		store := newMemStore()
		store.err = errors.New("down")
		l := NewLedger(store, Config{MaxFailures: 2, OpenTimeout: time.Minute}, nil)

		for i := 0; i < 2; i++ {
			_, _ = l.Claim(context.Background(), "n")
		}
		require.Equal(t, cb.StateOpen, l.State())

		store.err = nil
		calls := atomic.LoadInt32(&store.calls)
		replayed, err := l.Claim(context.Background(), "fresh")
		assert.True(t, replayed)
		assert.True(t, chaterrors.Is(err, chaterrors.ErrSharedStoreUnavailable))
		assert.Equal(t, calls, atomic.LoadInt32(&store.calls), "open breaker must not reach the store")
	})
}

func TestClaimEmptyNonce(t *testing.T) {
	store := newMemStore()
	l := NewLedger(store, Config{}, nil)

	replayed, err := l.Claim(context.Background(), "")
	assert.True(t, replayed)
	assert.True(t, chaterrors.Is(err, chaterrors.ErrMalformedInput))
	assert.Zero(t, atomic.LoadInt32(&store.calls))
}
