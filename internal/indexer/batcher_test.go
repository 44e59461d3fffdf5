package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBatcherFlushesOnSize(t *testing.T) {
	var mu sync.Mutex
	var flushed [][]int

	b := NewBatcher[int]("test", 3, time.Hour, func(ctx context.Context, batch []int) (PhaseReport, error) {
		mu.Lock()
		defer mu.Unlock()
		cp := append([]int(nil), batch...)
		flushed = append(flushed, cp)
		return PhaseReport{Name: "test"}, nil
	}, nil, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	for i := 0; i < 3; i++ {
		if err := b.Enqueue(ctx, i); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(flushed)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for size-triggered flush")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 || len(flushed[0]) != 3 {
		t.Fatalf("flushed = %+v, want one batch of 3", flushed)
	}
}

func TestBatcherDrainsOnCancel(t *testing.T) {
	var mu sync.Mutex
	var flushed [][]int

	b := NewBatcher[int]("test", 100, time.Hour, func(ctx context.Context, batch []int) (PhaseReport, error) {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, append([]int(nil), batch...))
		return PhaseReport{}, nil
	}, nil, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	if err := b.Enqueue(ctx, 42); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the item land in buf before cancel
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run() on cancel = %v, want nil (successful drain)", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 || len(flushed[0]) != 1 || flushed[0][0] != 42 {
		t.Fatalf("flushed = %+v, want one partial batch containing 42", flushed)
	}
}

func TestBatcherFlushWithRetryExhaustsToFatal(t *testing.T) {
	persistentErr := errors.New("db down")

	b := NewBatcher[int]("test", 1, time.Hour, func(ctx context.Context, batch []int) (PhaseReport, error) {
		return PhaseReport{}, persistentErr
	}, nil, 10)

	ctx := context.Background()
	if err := b.Enqueue(ctx, 1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	err := b.Run(ctx)
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("Run() err = %v, want ErrFatal", err)
	}
	if b.state != StateFatal {
		t.Errorf("state = %v, want StateFatal", b.state)
	}
}

func TestBatcherStateString(t *testing.T) {
	tests := map[BatcherState]string{
		StateEmpty:        "empty",
		StateFilling:      "filling",
		StateFlushing:     "flushing",
		StateRetryBackoff: "retry_backoff",
		StateFatal:        "fatal",
		BatcherState(99):  "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
