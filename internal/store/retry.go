package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/seedsx/market-engine/internal/metrics"
)

// RetryBackoff is the pause before the first retry; it doubles each time.
var RetryBackoff = 5 * time.Millisecond

// WithRetry runs fn through st.WithinTx, retrying up to retries times when
// the transaction loses a race. Once retries are exhausted the last
// ErrConflict is returned. Any other error is returned immediately.
func WithRetry(ctx context.Context, st Store, retries int, fn func(tx Tx) error) error {
	backoff := RetryBackoff
	for attempt := 0; ; attempt++ {
		err := st.WithinTx(ctx, fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		if attempt >= retries {
			metrics.TxConflicts.WithLabelValues("exhausted").Inc()
			slog.Warn("transaction conflict, giving up", "attempts", attempt+1, "err", err)
			return err
		}
		metrics.TxConflicts.WithLabelValues("retried").Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
