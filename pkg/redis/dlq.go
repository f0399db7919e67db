package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamAdder is the subset of the Redis client used to append to a stream.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// AuditStream appends rejected bridge envelopes to a capped Redis stream so
// operators can inspect replay and forgery attempts after the fact.
type AuditStream struct {
	client StreamAdder
	stream string
	maxLen int64
	log    *zap.Logger
}

// NewAuditStream returns an AuditStream writing to stream, trimmed to roughly maxLen entries.
func NewAuditStream(client StreamAdder, stream string, maxLen int64, log *zap.Logger) *AuditStream {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditStream{client: client, stream: stream, maxLen: maxLen, log: log}
}

// Record appends one rejection. Failures are logged and returned; callers treat
// the audit trail as best effort.
func (a *AuditStream) Record(ctx context.Context, reason string, raw []byte, cause error) error {
	values := map[string]interface{}{
		"reason":      reason,
		"envelope":    string(raw),
		"error":       fmt.Sprintf("%v", cause),
		"received_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	_, err := a.client.XAdd(ctx, &redis.XAddArgs{
		Stream: a.stream,
		MaxLen: a.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		a.log.Error("Failed to append to security stream", zap.Error(err), zap.String("reason", reason))
	}
	return err
}
