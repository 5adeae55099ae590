package risk

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryVelocityCounterIsIdempotentPerTxn(t *testing.T) {
	c := NewMemoryVelocityCounter()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	for i, id := range []string{"a", "b", "a", "c"} {
		if _, err := c.Observe(ctx, "U1", id, base.Add(time.Duration(i)*time.Second), time.Minute); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	got, _ := c.Observe(ctx, "U1", "c", base.Add(3*time.Second), time.Minute)
	if got != 3 {
		t.Fatalf("expected 3 distinct transfers, got %d", got)
	}

	other, _ := c.Observe(ctx, "U2", "z", base, time.Minute)
	if other != 1 {
		t.Fatalf("expected senders to be isolated, got %d", other)
	}
}

func TestStaticBlocklist(t *testing.T) {
	b := NewStaticBlocklist("fraudster@upi", "hacker@icici")
	ok, err := b.Contains(context.Background(), "hacker@icici")
	if err != nil || !ok {
		t.Fatalf("expected member, got %v %v", ok, err)
	}
	ok, _ = b.Contains(context.Background(), "merchant@upi")
	if ok {
		t.Fatal("unexpected member")
	}
}

func TestMemoryVelocityCounterDropsIdleSenders(t *testing.T) {
	c := NewMemoryVelocityCounter()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	if _, err := c.Observe(ctx, "idle", "a", base, time.Minute); err != nil {
		t.Fatalf("observe: %v", err)
	}
	later := base.Add(2 * time.Minute)
	for i := 1; i < memorySweepEvery; i++ {
		if _, err := c.Observe(ctx, "busy", fmt.Sprintf("t%d", i), later, time.Minute); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	if got := c.Senders(); got != 1 {
		t.Fatalf("expected idle sender swept, %d senders remain", got)
	}

	// A replayed txn whose first sighting aged out leaves nothing behind.
	_, _ = c.Observe(ctx, "replay", "r1", later, time.Minute)
	got, _ := c.Observe(ctx, "replay", "r1", later.Add(5*time.Minute), time.Minute)
	if got != 0 {
		t.Fatalf("expected aged-out replay to count 0, got %d", got)
	}
	if got := c.Senders(); got != 1 {
		t.Fatalf("expected emptied sender removed, %d senders remain", got)
	}
}
