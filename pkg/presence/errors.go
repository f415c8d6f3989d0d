package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrStoreUnavailable is returned when a Redis connection cannot be obtained
	// or fails mid-operation. The core never retries on its own.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidArgument is returned before any I/O for unknown backends,
	// unknown relay targets and incomplete configuration.
	ErrInvalidArgument = errors.New("invalid argument")
)

// storeError classifies a go-redis error. redis.Nil and context errors pass
// through untouched, reply errors from the server are returned as-is, and
// everything else is treated as a connection failure.
func storeError(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
