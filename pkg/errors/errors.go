package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/nmxmxh/chatrelay/pkg/logger"
	"go.uber.org/zap"
)

// Bridge rejection causes. Each one terminates an envelope in the REJECTED state.
var (
	// ErrMalformedInput is returned when an envelope or client payload cannot be parsed.
	ErrMalformedInput = errors.New("malformed input")
	// ErrStaleEvent is returned when an envelope's eventTime is outside the freshness window.
	ErrStaleEvent = errors.New("stale event")
	// ErrReplayDetected is returned when an envelope's nonce was already claimed.
	ErrReplayDetected = errors.New("replay detected")
	// ErrSignatureInvalid is returned when an envelope's HMAC does not verify.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrSharedStoreUnavailable is returned when the nonce store cannot be reached.
	ErrSharedStoreUnavailable = errors.New("shared store unavailable")
)

// Routing errors.
var (
	// ErrPresenceTimeout is returned when the cluster presence query does not answer in time.
	ErrPresenceTimeout = errors.New("presence query timeout")
	// ErrMissingRoom is returned when a room-scoped event carries no chatRoomId.
	ErrMissingRoom = errors.New("missing chatRoomId")
	// ErrUnknownEvent is returned when an event type is not in the allow-list.
	ErrUnknownEvent = errors.New("unknown event type")
	// ErrMissingIdentity is returned when an identified-only event arrives on an anonymous connection.
	ErrMissingIdentity = errors.New("missing identity")
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Wrap wraps an error with additional context, preserving it for errors.Is.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// LogWithError logs the error with context and returns a wrapped error.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if ctx != nil {
			log = logger.FromContext(ctx, log)
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}
