package reputation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pocketshield/logger"
	"pocketshield/store"
)

func init() {
	logger.Init("error")
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestLookupMissThenHit(t *testing.T) {
	c := New(openStore(t), time.Hour)

	v, err := c.Lookup("deadbeef")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if v.Known {
		t.Fatal("unrecorded digest should be a miss")
	}

	if err := c.Record("deadbeef", 85, "scan", nil, time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	v, err = c.Lookup("deadbeef")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !v.Known || v.Score != 85 || v.Source != "scan" {
		t.Fatalf("unexpected verdict %+v", v)
	}
}

func TestExpiredEntryIsMissAndEvicted(t *testing.T) {
	st := openStore(t)
	c := New(st, time.Minute)
	base := time.Now()
	c.now = func() time.Time { return base }

	if err := c.Record("cafe", 90, "scan", nil, base); err != nil {
		t.Fatalf("record: %v", err)
	}

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	v, err := c.Lookup("cafe")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if v.Known {
		t.Fatal("expired entry must read as a miss")
	}

	// The expired row should be gone from the bucket, not just masked.
	if _, err := st.GetReputation("cafe"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired entry should be evicted, got %v", err)
	}
}

func TestStaleUpdateRejected(t *testing.T) {
	c := New(openStore(t), 0)
	now := time.Now()

	if err := c.Record("d1", 40, "feed-a", nil, now); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := c.Record("d1", 95, "feed-b", nil, now.Add(-time.Hour)); err == nil {
		t.Fatal("older update should be rejected")
	}
	v, _ := c.Lookup("d1")
	if v.Score != 40 {
		t.Fatalf("stale update must not win, score is %d", v.Score)
	}
}

func TestHitCountSurvivesReRecord(t *testing.T) {
	st := openStore(t)
	c := New(st, 0)
	now := time.Now()

	c.Record("d2", 50, "scan", nil, now)
	c.Lookup("d2")
	c.Lookup("d2")
	if err := c.Record("d2", 60, "scan", nil, now.Add(time.Second)); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	entry, err := st.GetReputation("d2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.HitCount != 2 {
		t.Errorf("hit count should survive re-recording, got %d", entry.HitCount)
	}
	if !entry.FirstSeen.Equal(now) {
		t.Errorf("first-seen should be preserved, got %v", entry.FirstSeen)
	}
}

func TestScoreClamped(t *testing.T) {
	c := New(openStore(t), 0)
	c.Record("hi", 150, "scan", nil, time.Now())
	c.Record("lo", -5, "scan", nil, time.Now())

	if v, _ := c.Lookup("hi"); v.Score != 100 {
		t.Errorf("score should clamp to 100, got %d", v.Score)
	}
	if v, _ := c.Lookup("lo"); v.Score != 0 {
		t.Errorf("score should clamp to 0, got %d", v.Score)
	}
}

func TestNegativeFilterGatesLookups(t *testing.T) {
	st := openStore(t)
	seed := New(st, 0)
	seed.Record("seeded-digest", 95, "scan", nil, time.Now())
	seed.Record("dirty-digest", 5, "scan", []string{"trojan"}, time.Now())

	c := New(st, 0)
	if !c.seen("seeded-digest") || !c.seen("dirty-digest") {
		t.Error("digests present at startup should pass the filter")
	}

	// Entries written behind the cache's back are invisible until the
	// next rebuild: the filter is authoritative for liveness, and all
	// writes in the process go through Record.
	if err := st.PutReputation(&store.ReputationEntry{Digest: "backdoor", Score: 99, LastUpdated: time.Now()}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if v, err := c.Lookup("backdoor"); err != nil || v.Known {
		t.Errorf("lookup should be gated by the filter, got %+v %v", v, err)
	}

	// Record makes the digest visible without a rebuild.
	if err := c.Record("fresh", 60, "scan", nil, time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	if v, err := c.Lookup("fresh"); err != nil || !v.Known || v.Score != 60 {
		t.Errorf("freshly recorded digest should be found, got %+v %v", v, err)
	}
}

type fakeProvider struct {
	mu    sync.Mutex
	calls map[string]int
	block chan struct{}
}

func (p *fakeProvider) Reputation(ctx context.Context, digest string) (int, string, []string, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return 0, "", nil, ctx.Err()
		}
	}
	p.mu.Lock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[digest]++
	p.mu.Unlock()
	if digest == "bad" {
		return 0, "", nil, errors.New("feed unavailable")
	}
	return 77, "feed", nil, nil
}

func (p *fakeProvider) count(digest string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[digest]
}

func TestEnricherRecordsAsync(t *testing.T) {
	c := New(openStore(t), 0)
	p := &fakeProvider{}
	e := NewEnricher(c, p, 1, 8)

	e.Submit("abc123")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, _ := c.Lookup("abc123"); v.Known {
			if v.Score != 77 || v.Source != "feed" {
				t.Fatalf("unexpected enriched verdict %+v", v)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("enrichment never landed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.Close()
}

func TestEnricherShedsOnFullQueue(t *testing.T) {
	c := New(openStore(t), 0)
	p := &fakeProvider{block: make(chan struct{})}
	e := NewEnricher(c, p, 1, 1)

	// One in flight blocks the worker; one fills the queue; the rest
	// must be shed without blocking the caller.
	e.Submit("q1")
	e.Submit("q2")
	for i := 0; i < 10; i++ {
		e.Submit("shed")
	}
	if e.Dropped() == 0 {
		t.Error("overflow submissions should be counted as dropped")
	}
	close(p.block)
	e.Close()
}

func TestEnricherDeduplicatesInFlight(t *testing.T) {
	c := New(openStore(t), 0)
	p := &fakeProvider{block: make(chan struct{})}
	e := NewEnricher(c, p, 1, 8)

	e.Submit("dup")
	e.Submit("dup")
	e.Submit("dup")
	close(p.block)
	e.Close()

	if got := p.count("dup"); got != 1 {
		t.Errorf("in-flight digest should be resolved once, got %d calls", got)
	}
}
