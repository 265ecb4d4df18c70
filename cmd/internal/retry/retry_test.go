package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestPolicy_DelayCapped(t *testing.T) {
	t.Parallel()

	p := Policy{Attempts: 10, Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 50 * time.Millisecond},
		{9, 50 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Fatalf("Delay(%d)=%v want=%v", tc.attempt, got, tc.want)
		}
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), Policy{Attempts: 4, Base: time.Millisecond, Max: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("store unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d want=3", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	t.Parallel()

	want := errors.New("bad row")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, Base: time.Millisecond}, func(context.Context) error {
		calls++
		return Permanent{Err: want}
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d want=1", calls)
	}
}

func TestWriter_RunsInOrderAndDrains(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWriter(log, Policy{Attempts: 3, Base: time.Millisecond, Max: time.Millisecond}, 16)

	var (
		mu  sync.Mutex
		got []int
	)
	flaky := 0
	for i := 0; i < 5; i++ {
		i := i
		if err := w.Submit(Job{Name: "job", Run: func(context.Context) error {
			if i == 2 && flaky == 0 {
				flaky++
				return errors.New("transient")
			}
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		}}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 5 {
		t.Fatalf("expected 5 jobs, got %v", got)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order: %v", got)
		}
	}

	if err := w.Submit(Job{Name: "late"}); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed, got %v", err)
	}
}
