package cast

import (
	"context"
	"fmt"
	"time"

	"go2tv.app/autocast/internal/errs"
	"go2tv.app/autocast/internal/events"
)

const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 5 * time.Second
)

// RetryError is returned when every retry failed.
type RetryError struct {
	Attempts int
	Last     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("cast failed after %d attempts. Last error: %v", e.Attempts, e.Last)
}

func (e *RetryError) Unwrap() error { return e.Last }

// RetryLastAttempt repeats the most recent start request up to maxRetries
// times, waiting backoff between failures.
func (m *Manager) RetryLastAttempt(ctx context.Context, maxRetries int, backoff time.Duration) (Result, error) {
	memo, ok := m.LastAttempt()
	if !ok {
		return Result{}, errs.New(errs.Validation, "cast.retry", "nothing to retry")
	}
	if maxRetries < 1 {
		return Result{}, errs.Newf(errs.Validation, "cast.retry", "max retries must be positive, got %d", maxRetries)
	}

	log := m.logger.With().Str("item", memo.ItemID).Int("max", maxRetries).Logger()
	m.events.Publish(events.RetryStarted{ItemID: memo.ItemID, MaxRetries: maxRetries})

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxRetries; attempt++ {
		attempts = attempt
		m.events.Publish(events.RetryAttempt{Attempt: attempt, MaxRetries: maxRetries, ItemID: memo.ItemID})
		log.Info().Int("attempt", attempt).Msg("retrying cast")

		res, err := m.StartCast(ctx, memo.ItemID, memo.DeviceID, memo.ScheduleID)
		if err == nil {
			m.events.Publish(events.RetrySuccess{Attempt: attempt, ItemID: memo.ItemID, DeviceName: res.Device.Name})
			return res, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("retry attempt failed")

		if attempt == maxRetries || ctx.Err() != nil {
			break
		}
		if err := m.sleep(ctx, backoff); err != nil {
			break
		}
	}

	rerr := &RetryError{Attempts: attempts, Last: lastErr}
	m.events.Publish(events.RetryFailed{
		MaxRetries: maxRetries,
		Error:      rerr.Error(),
		LastError:  lastErr.Error(),
	})
	return Result{}, rerr
}
