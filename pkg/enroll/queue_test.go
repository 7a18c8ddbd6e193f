package enroll

import (
	"testing"
	"time"

	"github.com/cuemby/warden/pkg/types"
)

func TestQueueTryPushAndPop(t *testing.T) {
	q := NewQueue(2)
	h := types.ClientHandoff{PeerIP: "10.0.0.1"}

	if !q.TryPush(h) {
		t.Fatalf("TryPush() = false, want true")
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}

	got, ok := q.PopTimed(time.Second)
	if !ok {
		t.Fatalf("PopTimed() ok = false, want true")
	}
	if got.PeerIP != "10.0.0.1" {
		t.Errorf("PeerIP = %q, want 10.0.0.1", got.PeerIP)
	}
}

func TestQueueTryPushFullReturnsFalse(t *testing.T) {
	q := NewQueue(1)
	q.TryPush(types.ClientHandoff{})
	if q.TryPush(types.ClientHandoff{}) {
		t.Errorf("TryPush() on full queue = true, want false")
	}
}

func TestQueuePopTimedTimesOut(t *testing.T) {
	q := NewQueue(1)
	start := time.Now()
	_, ok := q.PopTimed(50 * time.Millisecond)
	if ok {
		t.Errorf("PopTimed() on empty queue ok = true, want false")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("PopTimed() returned early after %v", elapsed)
	}
}
