package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaymesh/relaymesh/internal/broker"
	"github.com/relaymesh/relaymesh/internal/envelope"
)

// TestMemoryRoundTrip implements spec §8 scenario 1: register broker
// "mem", publish {value:"hi"}, expect the handler invoked once, one ack,
// and an empty queue afterward.
func TestMemoryRoundTrip(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := envelope.New("", map[string]string{"value": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, "echo.in", e); err != nil {
		t.Fatal(err)
	}

	var calls int
	var mu sync.Mutex
	done := make(chan struct{})

	go func() {
		b.Consume(ctx, "echo.in", "c1", "echo", 1, func(ctx context.Context, env *envelope.Envelope, mgr broker.MessageManager) error {
			mu.Lock()
			calls++
			mu.Unlock()
			if err := mgr.Ack(); err != nil {
				t.Errorf("Ack: %v", err)
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("handler invoked %d times, want 1", calls)
	}
	if got := b.QueueLen("echo.in"); got != 0 {
		t.Fatalf("queue length = %d, want 0", got)
	}
}

func TestAlreadyConsumingRejectsSecondConsume(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	go func() {
		b.Consume(ctx, "t", "c1", "w", 1, func(context.Context, *envelope.Envelope, broker.MessageManager) error {
			return nil
		})
	}()
	go func() { close(started) }()
	<-started
	time.Sleep(10 * time.Millisecond)

	if err := b.Consume(ctx, "t", "c2", "w", 1, func(context.Context, *envelope.Envelope, broker.MessageManager) error {
		return nil
	}); err == nil {
		t.Fatal("expected ALREADY_CONSUMING on second Consume call")
	}
	b.Stop()
}

func TestRejectReinsertsAtHead(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, _ := envelope.New("", map[string]int{"n": 1})
	second, _ := envelope.New("", map[string]int{"n": 2})
	b.Publish(ctx, "t", first)
	b.Publish(ctx, "t", second)

	var seen []string
	var mu sync.Mutex
	rejectedOnce := false
	done := make(chan struct{})

	go func() {
		b.Consume(ctx, "t", "c1", "w", 1, func(ctx context.Context, env *envelope.Envelope, mgr broker.MessageManager) error {
			mu.Lock()
			seen = append(seen, env.ID)
			mu.Unlock()
			if env.ID == first.ID && !rejectedOnce {
				rejectedOnce = true
				mgr.Reject()
				return nil
			}
			mgr.Ack()
			if len(seen) >= 3 {
				close(done)
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler sequence never completed")
	}
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != first.ID || seen[1] != first.ID || seen[2] != second.ID {
		t.Fatalf("unexpected delivery order: %v", seen)
	}
}
