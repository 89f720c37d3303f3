package ingestor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNopRetry_CallsOnce(t *testing.T) {
	var calls int32
	err := nopRetry{}.Do(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d want=1", calls)
	}
}

func TestNopRetry_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := nopRetry{}.Do(ctx, func(ctx context.Context) error {
		t.Fatalf("fn must not run")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSimpleRetry_SucceedsFirstTry(t *testing.T) {
	var calls int32
	r := SimpleRetry{Attempts: 5, BaseDelay: time.Nanosecond, MaxDelay: time.Nanosecond}

	err := r.Do(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d want=1", calls)
	}
}

func TestSimpleRetry_RetriesUntilSuccess(t *testing.T) {
	for _, r := range []SimpleRetry{
		{Attempts: 10, BaseDelay: time.Nanosecond, MaxDelay: time.Nanosecond, Jitter: true},
		{Attempts: 10},
	} {
		var calls int32
		err := r.Do(context.Background(), func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("throttled")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("%+v: unexpected err: %v", r, err)
		}
		if calls != 3 {
			t.Fatalf("%+v: calls=%d want=3", r, calls)
		}
	}
}

func TestSimpleRetry_ReturnsLastError(t *testing.T) {
	var calls int32
	r := SimpleRetry{Attempts: 4, BaseDelay: time.Nanosecond, MaxDelay: time.Nanosecond}

	sentinel := errors.New("boom")
	err := r.Do(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("calls=%d want=4", calls)
	}
}

func TestSimpleRetry_StopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("access denied")
	r := SimpleRetry{
		Attempts:  5,
		Retryable: func(err error) bool { return !errors.Is(err, permanent) },
	}

	var calls int32
	err := r.Do(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestSimpleRetry_DoesNotRetryCancellation(t *testing.T) {
	var calls int32
	err := SimpleRetry{Attempts: 5}.Do(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestSimpleRetry_RespectsContextCancel(t *testing.T) {
	var calls int32
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := SimpleRetry{Attempts: 10, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	err := r.Do(ctx, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("calls=%d want=0", calls)
	}
}

func TestSimpleRetry_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := SimpleRetry{Attempts: 3, BaseDelay: time.Hour}

	err := r.Do(ctx, func(ctx context.Context) error {
		cancel()
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSimpleRetry_Backoff(t *testing.T) {
	cases := []struct {
		r         SimpleRetry
		base, max time.Duration
	}{
		{SimpleRetry{}, 0, 0},
		{SimpleRetry{BaseDelay: time.Second}, time.Second, 2 * time.Second},
		{SimpleRetry{MaxDelay: time.Second}, 50 * time.Millisecond, time.Second},
		{SimpleRetry{BaseDelay: 3 * time.Second, MaxDelay: time.Second}, 3 * time.Second, 3 * time.Second},
	}
	for _, c := range cases {
		base, max := c.r.backoff()
		if base != c.base || max != c.max {
			t.Fatalf("%+v: got (%v, %v) want (%v, %v)", c.r, base, max, c.base, c.max)
		}
	}
}

func TestRetryPolicyFunc(t *testing.T) {
	var wrapped bool
	p := RetryPolicyFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
		wrapped = true
		return fn(ctx)
	})
	if err := p.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil || !wrapped {
		t.Fatalf("err=%v wrapped=%v", err, wrapped)
	}
}

func BenchmarkSimpleRetry_SuccessFirstTry(b *testing.B) {
	r := SimpleRetry{Attempts: 5, BaseDelay: time.Nanosecond, MaxDelay: time.Nanosecond}
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = r.Do(ctx, func(ctx context.Context) error { return nil })
	}
}

func BenchmarkSimpleRetry_FailAllAttempts_NoSleep(b *testing.B) {
	r := SimpleRetry{Attempts: 10}
	ctx := context.Background()
	errFail := errors.New("fail")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = r.Do(ctx, func(ctx context.Context) error { return errFail })
	}
}
