package cache

import (
	"testing"
	"time"

	"maflow/internal/aggregate"
)

func record(total int) *aggregate.PublishedRecord {
	var rec aggregate.PublishedRecord
	rec.Metadata.TotalCount = total
	return &rec
}

func TestSnapshotRoundTrip(t *testing.T) {
	c := NewSnapshot(time.Hour)
	if got := c.Get(); got != nil {
		t.Fatalf("empty cache returned %+v", got)
	}

	c.Put(record(7))
	got := c.Get()
	if got == nil || got.Metadata.TotalCount != 7 {
		t.Fatalf("got %+v, want cached record", got)
	}
}

func TestSnapshotExpiry(t *testing.T) {
	clock := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	c := NewSnapshot(time.Hour)
	c.now = func() time.Time { return clock }

	c.Put(record(1))
	clock = clock.Add(59 * time.Minute)
	if c.Get() == nil {
		t.Error("record expired before the TTL")
	}

	clock = clock.Add(2 * time.Minute)
	if c.Get() != nil {
		t.Error("record survived past the TTL")
	}
}

func TestSnapshotZeroTTLNeverExpires(t *testing.T) {
	clock := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	c := NewSnapshot(0)
	c.now = func() time.Time { return clock }

	c.Put(record(1))
	clock = clock.Add(24 * 365 * time.Hour)
	if c.Get() == nil {
		t.Error("zero-TTL cache expired")
	}
}

func TestSnapshotClear(t *testing.T) {
	c := NewSnapshot(time.Hour)
	c.Put(record(1))
	c.Clear()
	if c.Get() != nil {
		t.Error("record survived Clear")
	}
	if _, ok := c.Age(); ok {
		t.Error("Age reported a record after Clear")
	}
}

func TestSnapshotPutResetsAge(t *testing.T) {
	clock := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	c := NewSnapshot(time.Hour)
	c.now = func() time.Time { return clock }

	c.Put(record(1))
	clock = clock.Add(50 * time.Minute)
	c.Put(record(2))
	clock = clock.Add(30 * time.Minute)

	got := c.Get()
	if got == nil || got.Metadata.TotalCount != 2 {
		t.Fatalf("got %+v, want refreshed record", got)
	}
	if age, ok := c.Age(); !ok || age != 30*time.Minute {
		t.Errorf("age = %v ok=%v, want 30m", age, ok)
	}
}
