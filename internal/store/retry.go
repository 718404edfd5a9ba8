package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrSerialization is returned when a transaction could not be committed
// after exhausting its retry budget due to repeated serialization
// failures. Callers should surface this as transient.
var ErrSerialization = errors.New("store: serialization failure after retries")

// backoffSchedule is the fixed retry delay sequence: 10ms, 40ms, 160ms.
var backoffSchedule = []time.Duration{
	10 * time.Millisecond,
	40 * time.Millisecond,
	160 * time.Millisecond,
}

// retrySerializable runs attempt up to len(backoffSchedule)+1 times,
// retrying only on Postgres serialization failures (SQLSTATE 40001) or
// deadlock detection (40P01). Any other error returns immediately.
func retrySerializable(ctx context.Context, attempt func() error) error {
	var lastErr error
	for i := 0; i <= len(backoffSchedule); i++ {
		lastErr = attempt()
		if lastErr == nil {
			return nil
		}
		if !isSerializationFailure(lastErr) {
			return lastErr
		}
		if i == len(backoffSchedule) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffSchedule[i]):
		}
	}
	return ErrSerialization
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
