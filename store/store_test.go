package store

import (
	"errors"
	"testing"
	"time"

	"pocketshield/rules"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir()+"/db", Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	sess := &Session{
		ID:        "sess-1",
		ScanType:  "full",
		Roots:     []string{"/tmp"},
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.PutSession(sess); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ScanType != "full" || got.Status != StatusRunning {
		t.Errorf("unexpected session: %+v", got)
	}

	running, err := s.RunningSession()
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if running.ID != "sess-1" {
		t.Errorf("wrong running session: %s", running.ID)
	}

	sess.Status = StatusCompleted
	if err := s.PutSession(sess); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := s.RunningSession(); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no running session, got %v", err)
	}
}

func TestGetSessionMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetSession("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutResultOverwritesSameSeq(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		r := &FileResult{SessionID: "sess-1", Seq: uint64(i), Path: "/tmp/a", ThreatLevel: "clean"}
		if err := s.PutResult(r); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	// Re-writing a sequence replaces the row, it never appends: a
	// crash-resume re-scans a short window and must not double-count.
	if err := s.PutResult(&FileResult{SessionID: "sess-1", Seq: 1, Path: "/tmp/a", ThreatLevel: "suspicious"}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	results, err := s.ResultsForSession("sess-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("want 3 results, got %d", len(results))
	}
	if results[1].ThreatLevel != "suspicious" {
		t.Errorf("overwritten row kept level %q, want suspicious", results[1].ThreatLevel)
	}
}

func TestUpdateResultActionOnce(t *testing.T) {
	s := openTestStore(t)
	r := &FileResult{SessionID: "s", Seq: 7, Path: "/tmp/x", ThreatLevel: "malicious", ActionTaken: "none"}
	if err := s.PutResult(r); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.UpdateResultAction("s", r.Seq, "quarantine", "quarantined"); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := s.UpdateResultAction("s", r.Seq, "delete", ""); err == nil {
		t.Fatal("second action update should fail")
	}
	results, err := s.ResultsForSession("s")
	if err != nil || len(results) != 1 {
		t.Fatalf("list: %v (%d results)", err, len(results))
	}
	if results[0].ThreatLevel != "quarantined" {
		t.Errorf("threat level %q, want quarantined", results[0].ThreatLevel)
	}
}

func TestCheckpointAppendThenPrune(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.LatestCheckpoint("s", "enumerator"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any save, got %v", err)
	}

	for i := 1; i <= 3; i++ {
		cp := &Checkpoint{
			SessionID: "s",
			Type:      "enumerator",
			Cursor:    string(rune('a' + i)),
			Processed: int64(i * 100),
		}
		if err := s.SaveCheckpoint(cp); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	cp, err := s.LatestCheckpoint("s", "enumerator")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if cp.Processed != 300 {
		t.Errorf("latest checkpoint processed=%d, want 300", cp.Processed)
	}
	if cp.Seq != 3 {
		t.Errorf("latest checkpoint seq=%d, want 3", cp.Seq)
	}

	if err := s.DropCheckpoints("s"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := s.LatestCheckpoint("s", "enumerator"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after drop, got %v", err)
	}
}

func TestSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir() + "/db"
	s, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cp := &Checkpoint{SessionID: "s", Type: "scan", Cursor: "a", Processed: 10}
	if err := s.SaveCheckpoint(cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Close()

	s2, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	cp2 := &Checkpoint{SessionID: "s", Type: "scan", Cursor: "b", Processed: 20}
	if err := s2.SaveCheckpoint(cp2); err != nil {
		t.Fatalf("save after reopen: %v", err)
	}
	if cp2.Seq != 2 {
		t.Errorf("seq after reopen = %d, want 2", cp2.Seq)
	}
}

func TestReputationRoundTrip(t *testing.T) {
	s := openTestStore(t)
	e := &ReputationEntry{
		Digest:      "abc",
		Score:       85,
		Source:      "local",
		FirstSeen:   time.Now().UTC(),
		LastUpdated: time.Now().UTC(),
		HitCount:    1,
	}
	if err := s.PutReputation(e); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetReputation("abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Score != 85 || got.Source != "local" {
		t.Errorf("unexpected entry: %+v", got)
	}

	var count int
	err = s.EachReputation(func(*ReputationEntry) bool {
		count++
		return true
	})
	if err != nil || count != 1 {
		t.Errorf("each: count=%d err=%v", count, err)
	}
}

func TestReputationExpiry(t *testing.T) {
	now := time.Now()
	e := &ReputationEntry{Digest: "x", ExpiresAt: now.Add(-time.Minute)}
	if !e.Expired(now) {
		t.Error("past expiry should be expired")
	}
	e.ExpiresAt = now.Add(time.Minute)
	if e.Expired(now) {
		t.Error("future expiry should not be expired")
	}
	e.ExpiresAt = time.Time{}
	if e.Expired(now) {
		t.Error("zero expiry means no expiry")
	}
}

func TestQuarantineLookupByIDAndDigest(t *testing.T) {
	s := openTestStore(t)
	r := &QuarantineRecord{
		ID:             "q-1",
		Digest:         "d-1",
		OriginalPath:   "/tmp/evil",
		QuarantinePath: "/q/slot",
		Active:         true,
		CanRestore:     true,
	}
	if err := s.PutQuarantine(r); err != nil {
		t.Fatalf("put: %v", err)
	}
	byDigest, err := s.QuarantineByDigest("d-1")
	if err != nil || byDigest.ID != "q-1" {
		t.Fatalf("by digest: %+v %v", byDigest, err)
	}
	byID, err := s.QuarantineByID("q-1")
	if err != nil || byID.Digest != "d-1" {
		t.Fatalf("by id: %+v %v", byID, err)
	}
	if _, err := s.QuarantineByID("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStatistics(t *testing.T) {
	s := openTestStore(t)
	if err := s.AppendStatistic("s", "errors", 3); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendStatistic("s", "phase_enumerate_ms", 120); err != nil {
		t.Fatalf("append: %v", err)
	}
	stats, err := s.StatisticsForSession("s")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stats) != 2 || stats[0].Name != "errors" {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRulesCorpusReplaced(t *testing.T) {
	s := openTestStore(t)

	empty, err := s.Rules()
	if err != nil || len(empty) != 0 {
		t.Fatalf("fresh store rules: %v %v", empty, err)
	}

	first := rules.Defaults()
	if err := s.PutRules(first); err != nil {
		t.Fatalf("put defaults: %v", err)
	}
	second := []rules.SignatureRule{{
		ID:           "only-rule",
		Name:         "Only rule",
		Severity:     rules.SeverityLow,
		NamePatterns: []string{"*.tmp"},
		Active:       true,
	}}
	if err := s.PutRules(second); err != nil {
		t.Fatalf("replace corpus: %v", err)
	}

	stored, err := s.Rules()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != "only-rule" {
		t.Errorf("corpus not replaced: %+v", stored)
	}
}
