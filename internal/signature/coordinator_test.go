package signature

import (
	"testing"
	"time"
)

func TestRecordRequestEvictsOldest(t *testing.T) {
	c := NewCoordinator(3, time.Hour)
	now := time.Now()
	for i := 0; i < 5; i++ {
		c.RecordRequest("sig1", Record{RawPath: "/a", Timestamp: now.Add(time.Duration(i) * time.Second)})
	}
	behavior, ok := c.GetBehavior("sig1")
	if !ok {
		t.Fatal("expected behavior to be present")
	}
	if behavior.RequestCount != 3 {
		t.Errorf("RequestCount = %d, want 3 (capped)", behavior.RequestCount)
	}
}

func TestGetBehaviorUnknownSignature(t *testing.T) {
	c := NewCoordinator(200, time.Hour)
	if _, ok := c.GetBehavior("nope"); ok {
		t.Error("expected false for unknown signature")
	}
}

func TestFirstSeenBeforeLastSeen(t *testing.T) {
	c := NewCoordinator(200, time.Hour)
	now := time.Now()
	c.RecordRequest("sig1", Record{RawPath: "/a", Timestamp: now})
	c.RecordRequest("sig1", Record{RawPath: "/b", Timestamp: now.Add(time.Minute)})
	behavior, _ := c.GetBehavior("sig1")
	if behavior.FirstSeen.After(behavior.LastSeen) {
		t.Errorf("FirstSeen %v after LastSeen %v", behavior.FirstSeen, behavior.LastSeen)
	}
}

func TestPurgeRemovesStaleSignatures(t *testing.T) {
	c := NewCoordinator(200, time.Minute)
	now := time.Now()
	c.RecordRequest("sig1", Record{RawPath: "/a", Timestamp: now})

	purged := c.Purge(now.Add(2 * time.Minute))
	if purged != 1 {
		t.Errorf("Purge removed %d signatures, want 1", purged)
	}
	if _, ok := c.GetBehavior("sig1"); ok {
		t.Error("expected signature to be purged")
	}
}
