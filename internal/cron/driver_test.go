package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaymesh/relaymesh/definition"
)

// TestFiresOnlyOncePerMatchingMinute implements spec §8 scenario 5: a
// "* * * * *" task must not fire twice within the same matching minute.
func TestFiresOnlyOncePerMatchingMinute(t *testing.T) {
	var mu sync.Mutex
	var fires []time.Time

	d, err := New([]definition.CronTask{
		{Name: "tick", Worker: "tick", Expression: "* * * * *"},
	}, func(ctx context.Context, worker string, payload map[string]interface{}) error {
		mu.Lock()
		fires = append(fires, time.Now())
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Force the first next-fire to be imminent so the test doesn't wait
	// up to a minute.
	d.mu.Lock()
	d.tasks[0].nextFire = time.Now().Add(50 * time.Millisecond)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(fires) != 1 {
		t.Fatalf("expected exactly one fire within the window, got %d", len(fires))
	}
}

func TestAloneFlagSuppressesUnackedRefire(t *testing.T) {
	var mu sync.Mutex
	var fires int

	d, err := New([]definition.CronTask{
		{Name: "tick", Worker: "tick", Expression: "* * * * *", Alone: true},
	}, func(ctx context.Context, worker string, payload map[string]interface{}) error {
		mu.Lock()
		fires++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d.mu.Lock()
	d.tasks[0].nextFire = time.Now()
	d.mu.Unlock()
	d.fireDue(context.Background())

	d.mu.Lock()
	d.tasks[0].nextFire = time.Now() // force immediately due again
	pendingBefore := d.tasks[0].pending
	d.mu.Unlock()
	if !pendingBefore {
		t.Fatal("expected task to be marked pending after first fire")
	}
	d.fireDue(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if fires != 1 {
		t.Fatalf("expected alone-flagged task to skip refire while pending, got %d fires", fires)
	}

	d.MarkAcked("tick")
	d.mu.Lock()
	d.tasks[0].nextFire = time.Now()
	d.mu.Unlock()
	d.fireDue(context.Background())

	mu.Lock()
	if fires != 2 {
		t.Fatalf("expected refire to proceed after MarkAcked, got %d fires", fires)
	}
	mu.Unlock()
}
