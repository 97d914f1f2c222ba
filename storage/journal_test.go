package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/skylink/metrics"
)

func TestJournal_AppendLatest(t *testing.T) {
	factory := sharedFactory(lode.NewMemory())
	j, err := NewJournal(factory, 2159017985)
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}
	ctx := t.Context()

	ts := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC).UnixMilli()
	for i := int64(1); i <= 3; i++ {
		snap := metrics.Snapshot{
			Timestamp:    ts + i,
			UplinkCount:  i,
			UplinkLastTS: ts + i,
			PollLastTS:   metrics.Never,
		}
		if err := j.Append(ctx, snap); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	got, err := j.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if got.UplinkCount != 3 {
		t.Errorf("UplinkCount = %d, want 3", got.UplinkCount)
	}
	if got.UplinkLastTS != ts+3 {
		t.Errorf("UplinkLastTS = %d, want %d", got.UplinkLastTS, ts+3)
	}
	if got.PollLastTS != metrics.Never {
		t.Errorf("PollLastTS = %d, want %d", got.PollLastTS, metrics.Never)
	}
}

func TestJournal_Empty(t *testing.T) {
	j, err := NewJournal(NewMemoryFactory(), 1)
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}
	if _, err := j.Latest(t.Context()); !errors.Is(err, ErrNoSnapshots) {
		t.Errorf("Latest on empty journal = %v, want ErrNoSnapshots", err)
	}
}

func TestJournal_FiltersBySerial(t *testing.T) {
	factory := sharedFactory(lode.NewMemory())
	ctx := t.Context()

	a, err := NewJournal(factory, 100)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewJournal(factory, 200)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Append(ctx, metrics.Snapshot{Timestamp: 1, PollCount: 7}); err != nil {
		t.Fatal(err)
	}
	if err := b.Append(ctx, metrics.Snapshot{Timestamp: 2, PollCount: 9}); err != nil {
		t.Fatal(err)
	}

	got, err := a.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if got.PollCount != 7 {
		t.Errorf("PollCount = %d, want 7 (device 100 only)", got.PollCount)
	}
}

func TestShared(t *testing.T) {
	calls := 0
	f := Shared(func() (lode.Store, error) {
		calls++
		return lode.NewMemory(), nil
	})
	s1, _ := f()
	s2, _ := f()
	if s1 != s2 || calls != 1 {
		t.Errorf("Shared created %d stores, want 1", calls)
	}
}
