package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nmxmxh/chatrelay/internal/cluster"
	"github.com/nmxmxh/chatrelay/internal/event"
	"github.com/nmxmxh/chatrelay/internal/lifecycle"
	"github.com/nmxmxh/chatrelay/internal/nonce"
	"github.com/nmxmxh/chatrelay/internal/policy"
	"github.com/nmxmxh/chatrelay/internal/presence"
	"github.com/nmxmxh/chatrelay/internal/router"
	"github.com/nmxmxh/chatrelay/internal/signature"
	chaterrors "github.com/nmxmxh/chatrelay/pkg/errors"
	"github.com/nmxmxh/chatrelay/pkg/json"
)

var (
	secret = []byte("bridge-secret")
	now    = time.Unix(1_760_000_000, 0)
)

type fakeLedger struct {
	mu     sync.Mutex
	claims []string
	seen   map[string]bool
	err    error
}

func (f *fakeLedger) Claim(_ context.Context, n string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, n)
	if f.err != nil {
		return true, f.err
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	replayed := f.seen[n]
	f.seen[n] = true
	return replayed, nil
}

type fakeRouter struct {
	mu     sync.Mutex
	events []event.Event
}

func (f *fakeRouter) Route(_ context.Context, ev event.Event, origin *router.Origin) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if origin != nil {
		return errors.New("bridge events must have no origin")
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRouter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeAudit struct{ reasons []string }

func (f *fakeAudit) Record(_ context.Context, reason string, _ []byte, _ error) error {
	f.reasons = append(f.reasons, reason)
	return nil
}

// envelope builds a signed raw envelope.
func envelope(t *testing.T, fields map[string]interface{}) []byte {
	t.Helper()
	sig, err := signature.Sign(fields, secret)
	require.NoError(t, err)
	signed := map[string]interface{}{"signature": sig}
	for k, v := range fields {
		signed[k] = v
	}
	raw, err := json.Marshal(signed)
	require.NoError(t, err)
	return raw
}

func newMsg(nonceID string, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"nonce":      nonceID,
		"eventTime":  at.Unix(),
		"eventType":  "newMsg",
		"chatRoomId": "42",
		"memberIds":  []interface{}{"u1", "u2"},
		"content":    "see https://example.com/a",
	}
}

func newListener(l Claimer, r Router, a Auditor) *Listener {
	lis := New(nil, l, r, a, Config{Secret: secret}, nil)
	lis.now = func() time.Time { return now }
	return lis
}

func TestHandleValid(t *testing.T) {
	ledger, rt := &fakeLedger{}, &fakeRouter{}
	l := newListener(ledger, rt, nil)

	res := l.Handle(context.Background(), envelope(t, newMsg("n1", now)))
	require.NoError(t, res.Err)
	assert.Equal(t, StageRouted, res.Stage)
	assert.Equal(t, StageRouted, res.Passed)
	assert.Equal(t, "newMsg", res.EventType)

	require.Len(t, rt.events, 1)
	ev := rt.events[0]
	assert.Equal(t, "newMsg", ev.Type)
	assert.Equal(t, "42", ev.Body.ChatRoomID)
	assert.Equal(t, []string{"u1", "u2"}, ev.Body.MemberIDs)
	assert.Equal(t, []string{"nonce", "signature"}, ev.Body.Missing([]string{"nonce", "signature"}), "envelope fields are not payload")
}

func TestHandleReplay(t *testing.T) {
	ledger, rt := &fakeLedger{}, &fakeRouter{}
	l := newListener(ledger, rt, nil)
	raw := envelope(t, newMsg("n1", now))

	require.Equal(t, StageRouted, l.Handle(context.Background(), raw).Stage)
	res := l.Handle(context.Background(), raw)
	assert.Equal(t, StageRejected, res.Stage)
	assert.Equal(t, StageTimestampOK, res.Passed)
	assert.True(t, chaterrors.Is(res.Err, chaterrors.ErrReplayDetected))
	assert.Equal(t, 1, rt.count())
}

func TestHandleStaleNeverClaimsNonce(t *testing.T) {
	for _, offset := range []time.Duration{-120 * time.Second, 120 * time.Second, -61 * time.Second} {
		t.Run(offset.String(), func(t *testing.T) {
			ledger, rt := &fakeLedger{}, &fakeRouter{}
			l := newListener(ledger, rt, nil)

			res := l.Handle(context.Background(), envelope(t, newMsg("n-old", now.Add(offset))))
			assert.Equal(t, StageRejected, res.Stage)
			assert.Equal(t, StageParsed, res.Passed)
			assert.True(t, chaterrors.Is(res.Err, chaterrors.ErrStaleEvent))
			assert.Empty(t, ledger.claims, "stale envelopes never reach the nonce ledger")
			assert.Zero(t, rt.count())
		})
	}
}

func TestHandleWithinWindow(t *testing.T) {
	l := newListener(&fakeLedger{}, &fakeRouter{}, nil)
	res := l.Handle(context.Background(), envelope(t, newMsg("n-edge", now.Add(-60*time.Second))))
	assert.Equal(t, StageRouted, res.Stage)
}

func TestHandleBadSignatureConsumesNonce(t *testing.T) {
	ledger, rt := &fakeLedger{}, &fakeRouter{}
	l := newListener(ledger, rt, nil)

	raw := envelope(t, newMsg("n1", now))
	var tampered map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &tampered))
	tampered["content"] = "forged"
	forged, err := json.Marshal(tampered)
	require.NoError(t, err)

	res := l.Handle(context.Background(), forged)
	assert.Equal(t, StageRejected, res.Stage)
	assert.Equal(t, StageNonceOK, res.Passed)
	assert.True(t, chaterrors.Is(res.Err, chaterrors.ErrSignatureInvalid))
	assert.Equal(t, []string{"n1"}, ledger.claims)
	assert.Zero(t, rt.count())

	// The genuine envelope with the same nonce is now a replay.
	res = l.Handle(context.Background(), raw)
	assert.True(t, chaterrors.Is(res.Err, chaterrors.ErrReplayDetected))
}

func TestHandleMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"nonce":`},
		{"not object", `[1,2,3]`},
		{"null", `null`},
		{"missing eventType", `{"nonce":"n","eventTime":1,"signature":"00"}`},
		{"missing signature", `{"nonce":"n","eventTime":1,"eventType":"newMsg"}`},
		{"missing nonce", `{"eventTime":1,"eventType":"newMsg","signature":"00"}`},
		{"bad eventTime", `{"nonce":"n","eventTime":"soon","eventType":"newMsg","signature":"00"}`},
		{"bool eventTime", `{"nonce":"n","eventTime":true,"eventType":"newMsg","signature":"00"}`},
		{"bad memberIds", `{"nonce":"n","eventTime":1,"eventType":"newMsg","signature":"00","memberIds":"u1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := &fakeLedger{}
			l := newListener(ledger, &fakeRouter{}, nil)
			res := l.Handle(context.Background(), []byte(tt.raw))
			assert.Equal(t, StageRejected, res.Stage)
			assert.Equal(t, StageReceived, res.Passed)
			assert.True(t, chaterrors.Is(res.Err, chaterrors.ErrMalformedInput))
			assert.Empty(t, ledger.claims)
		})
	}
}

func TestHandleNumericNonce(t *testing.T) {
	ledger := &fakeLedger{}
	l := newListener(ledger, &fakeRouter{}, nil)
	fields := newMsg("", now)
	fields["nonce"] = 987654321
	res := l.Handle(context.Background(), envelope(t, fields))
	assert.Equal(t, StageRouted, res.Stage)
	assert.Equal(t, []string{"987654321"}, ledger.claims)
}

func TestHandleStoreUnavailableFailsClosed(t *testing.T) {
	ledger := &fakeLedger{err: chaterrors.Wrap(chaterrors.ErrSharedStoreUnavailable, "dial tcp: refused")}
	rt := &fakeRouter{}
	audit := &fakeAudit{}
	l := newListener(ledger, rt, audit)

	res := l.Handle(context.Background(), envelope(t, newMsg("n1", now)))
	assert.Equal(t, StageRejected, res.Stage)
	assert.True(t, chaterrors.Is(res.Err, chaterrors.ErrSharedStoreUnavailable))
	assert.Zero(t, rt.count())
	assert.Equal(t, []string{"store_unavailable"}, audit.reasons)
}

func TestHandleAudit(t *testing.T) {
	audit := &fakeAudit{}
	l := newListener(&fakeLedger{}, &fakeRouter{}, audit)
	raw := envelope(t, newMsg("n1", now))

	l.Handle(context.Background(), raw)
	l.Handle(context.Background(), raw)
	l.Handle(context.Background(), envelope(t, newMsg("n2", now.Add(-time.Hour))))
	l.Handle(context.Background(), []byte("garbage"))
	assert.Equal(t, []string{"replay", "stale", "malformed"}, audit.reasons)
}

func TestHandleRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	l := newListener(&fakeLedger{}, &fakeRouter{}, nil)
	l.Handle(context.Background(), envelope(t, newMsg("n1", now)))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "bridge.handle", spans[0].Name())
}

// End to end: verified envelope through the real router onto local connections.
type frameSink struct {
	mu     sync.Mutex
	events []string
	data   []map[string]interface{}
}

func (s *frameSink) Send(raw []byte) bool {
	var f struct {
		Event string                 `json:"event"`
		Data  map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, f.Event)
	s.data = append(s.data, f.Data)
	return true
}

func TestBridgeScenarioOutsiderAndReplay(t *testing.T) {
	ctx := context.Background()
	c := cluster.NewLocal("node-1")
	lc := lifecycle.NewManager(c, nil)
	rt := router.New(c, presence.NewDirectory(c, time.Second, nil), lc, policy.Default(), nil)

	u1, u2 := &frameSink{}, &frameSink{}
	require.NoError(t, lc.Connect(ctx, cluster.Member{ConnID: "c1", UserID: "u1"}, u1))
	require.NoError(t, lc.Connect(ctx, cluster.Member{ConnID: "c2", UserID: "u2"}, u2))
	_, err := lc.SwitchRoom(ctx, "c1", "group:42")
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	l := newListener(nonce.NewLedger(client, nonce.Config{}, nil), rt, nil)

	raw := envelope(t, newMsg("n1", now))
	require.Equal(t, StageRouted, l.Handle(ctx, raw).Stage)

	assert.Equal(t, []string{"newMsg"}, u1.events)
	assert.Equal(t, "group:42", u1.data[0]["chatRoomId"])
	assert.Equal(t, "system", u1.data[0]["senderId"])
	assert.Equal(t, []string{"roomUpdated"}, u2.events)
	assert.Equal(t, "private", u2.data[0]["eventType"])
	assert.True(t, mr.Exists("chat:nonce:n1"))

	res := l.Handle(ctx, raw)
	assert.True(t, chaterrors.Is(res.Err, chaterrors.ErrReplayDetected))
	assert.Len(t, u1.events, 1, "replay produces zero emissions")
	assert.Len(t, u2.events, 1)

	// Stale envelopes leave no nonce behind.
	l.Handle(ctx, envelope(t, newMsg("n-stale", now.Add(-120*time.Second))))
	assert.False(t, mr.Exists("chat:nonce:n-stale"))
}

func TestRunConsumesChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	rt := &fakeRouter{}
	l := New(client, &fakeLedger{}, rt, nil, Config{Channel: "test_events", Secret: secret}, nil)
	l.now = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case <-l.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("listener never subscribed")
	}

	require.NoError(t, client.Publish(ctx, "test_events", "not json").Err())
	require.NoError(t, client.Publish(ctx, "test_events", envelope(t, newMsg("n1", now))).Err())
	require.Eventually(t, func() bool { return rt.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
