package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"smarthealth/internal/shared/events"
)

func TestBusBlocksInsteadOfDroppingUnderBackpressure(t *testing.T) {
	bus := NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One more event than the handler hold plus the channel buffer, so the
	// last publish finds the buffer full.
	const total = subscriberBuffer + 2

	release := make(chan struct{})
	results := make(chan string, total)
	err := bus.Subscribe(ctx, "booking.test", "test-group", func(_ context.Context, event events.Envelope) error {
		<-release
		results <- event.EventID
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	var published int32
	go func() {
		for i := 0; i < total; i++ {
			envelope := events.Envelope{EventID: fmt.Sprintf("evt-%03d", i), EventType: "booking.test"}
			if err := bus.Publish(ctx, "booking.test", envelope); err != nil {
				return
			}
			atomic.AddInt32(&published, 1)
		}
	}()

	// Wait until the publisher has filled the buffer and is blocked on the
	// final event, then let the handler drain.
	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&published) < total-1 {
		if time.Now().After(deadline) {
			t.Fatalf("publisher stalled early: %d of %d published", atomic.LoadInt32(&published), total)
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	seen := make(map[string]struct{}, total)
	for len(seen) < total {
		select {
		case id := <-results:
			seen[id] = struct{}{}
		case <-time.After(5 * time.Second):
			t.Fatalf("delivered %d of %d events, the rest were dropped", len(seen), total)
		}
	}
}

func TestBusPublishHonorsCancellation(t *testing.T) {
	bus := NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	block := make(chan struct{})
	defer close(block)
	if err := bus.Subscribe(ctx, "booking.test", "test-group", func(_ context.Context, _ events.Envelope) error {
		<-block
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Fill the handler hold and the buffer so the next publish has to wait.
	for i := 0; i < subscriberBuffer+1; i++ {
		if err := bus.Publish(ctx, "booking.test", events.Envelope{EventID: fmt.Sprintf("evt-%03d", i)}); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	pubCtx, pubCancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- bus.Publish(pubCtx, "booking.test", events.Envelope{EventID: "evt-blocked"})
	}()
	pubCancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected the blocked publish to return the context error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("blocked publish did not observe cancellation")
	}
}
