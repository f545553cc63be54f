package cast

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go2tv.app/autocast/internal/errs"
	"go2tv.app/autocast/internal/events"
)

func TestRetryWithoutMemo(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.RetryLastAttempt(context.Background(), 3, time.Millisecond)
	if !errs.Is(err, errs.Validation) {
		t.Fatalf("RetryLastAttempt() err = %v, want Validation", err)
	}
	if len(h.pub.Kinds()) != 0 {
		t.Fatalf("events = %v, want none", h.pub.Kinds())
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	h := newHarness(t)
	var waits []time.Duration
	h.m.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	h.pool.proto = fakeController{connectErr: errors.New("connection refused")}
	if _, err := h.m.StartCast(context.Background(), testItem, uintPtr(1), nil); err == nil {
		t.Fatal("initial StartCast() succeeded")
	}

	refused := errors.New("connection refused")
	h.pool.next = []*fakeController{
		{connectErr: refused},
		{connectErr: refused},
		{},
	}

	res, err := h.m.RetryLastAttempt(context.Background(), 3, 5*time.Second)
	if err != nil {
		t.Fatalf("RetryLastAttempt() err = %v", err)
	}
	if res.ItemID != testItem || res.Device.ID != 1 {
		t.Fatalf("RetryLastAttempt() = %+v", res)
	}
	if len(waits) != 2 || waits[0] != 5*time.Second {
		t.Fatalf("waits = %v, want two 5s waits", waits)
	}

	want := []events.Kind{
		events.KindCastFailed,
		events.KindRetryStarted,
		events.KindRetryAttempt, events.KindCastFailed,
		events.KindRetryAttempt, events.KindCastFailed,
		events.KindRetryAttempt, events.KindCastStarted,
		events.KindRetrySuccess,
	}
	if !equalKinds(h.pub.Kinds(), want) {
		t.Fatalf("events = %v, want %v", h.pub.Kinds(), want)
	}
	payloads := h.pub.Payloads()
	if success := payloads[len(payloads)-1].(events.RetrySuccess); success.Attempt != 3 || success.DeviceName != "Living Room" {
		t.Fatalf("retry success = %+v", success)
	}
}

func TestRetryExhausted(t *testing.T) {
	h := newHarness(t)
	var waits int
	h.m.sleep = func(ctx context.Context, d time.Duration) error {
		waits++
		return nil
	}
	h.pool.proto = fakeController{launchErr: errors.New("app unavailable")}
	_, _ = h.m.StartCast(context.Background(), testItem, nil, nil)

	_, err := h.m.RetryLastAttempt(context.Background(), 3, time.Second)
	var rerr *RetryError
	if !errors.As(err, &rerr) {
		t.Fatalf("RetryLastAttempt() err = %v, want *RetryError", err)
	}
	if rerr.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", rerr.Attempts)
	}
	if !strings.Contains(err.Error(), "app unavailable") {
		t.Fatalf("error %q does not carry the last error", err)
	}
	var aerr *AttemptError
	if !errors.As(err, &aerr) {
		t.Fatal("retry error does not wrap the last attempt error")
	}
	if waits != 2 {
		t.Fatalf("waits = %d, want 2", waits)
	}

	payloads := h.pub.Payloads()
	failed, ok := payloads[len(payloads)-1].(events.RetryFailed)
	if !ok || failed.MaxRetries != 3 || !strings.Contains(failed.LastError, "app unavailable") {
		t.Fatalf("last event = %#v, want cast_retry_failed", payloads[len(payloads)-1])
	}
	if rows := h.audit.Rows(); len(rows) != 4 {
		t.Fatalf("audit rows = %d, want 4", len(rows))
	}
}

func TestRetryStopsWhenCanceled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.m.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	h.pool.proto = fakeController{connectErr: errors.New("connection refused")}
	_, _ = h.m.StartCast(context.Background(), testItem, nil, nil)

	_, err := h.m.RetryLastAttempt(ctx, 5, time.Second)
	var rerr *RetryError
	if !errors.As(err, &rerr) || rerr.Attempts != 1 {
		t.Fatalf("RetryLastAttempt() err = %v, want one attempt", err)
	}
}

func TestRetryRejectsNonPositiveMax(t *testing.T) {
	h := newHarness(t)
	_, _ = h.m.StartCast(context.Background(), testItem, nil, nil)

	if _, err := h.m.RetryLastAttempt(context.Background(), 0, time.Second); !errs.Is(err, errs.Validation) {
		t.Fatalf("RetryLastAttempt(0) err = %v, want Validation", err)
	}
}
