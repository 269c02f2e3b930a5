package store

import "time"

// SessionStatus is the scan session lifecycle state.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusRunning   SessionStatus = "running"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Session is one scan run. Counters are written only by the engine's
// aggregator; the store just persists whatever it is handed.
type Session struct {
	ID               string
	ScanType         string
	Roots            []string
	Status           SessionStatus
	StartedAt        time.Time
	EndedAt          time.Time // zero until terminal
	TotalFiles       int64
	FilesScanned     int64
	ThreatsFound     int64
	Errors           int64
	Resumable        bool
	LastCheckpointAt time.Time
}

// FileResult is one scanned file within a session. Immutable after
// creation except for ActionTaken, which the quarantine flow may set
// exactly once.
type FileResult struct {
	SessionID       string
	Seq             uint64
	Path            string
	Name            string
	Size            int64
	MimeType        string
	Digest          string
	DigestAlgorithm string
	ScannedAt       time.Time
	ThreatLevel     string
	Threats         []string
	ReputationScore int
	MatchedRules    []string
	FuzzyHash       string
	Metadata        map[string]string
	ActionTaken     string
	Archive         bool
	ArchiveEntries  []ArchiveEntry
}

// ArchiveEntry summarizes one nested entry of a scanned archive.
type ArchiveEntry struct {
	Name        string
	Size        int64
	ThreatLevel string
	Threats     []string
}

// Checkpoint is a durable scan-progress marker. Rows are
// append-then-prune: a new checkpoint is written under a fresh
// sequence key before older ones are deleted, so a torn write leaves
// the previous checkpoint intact.
type Checkpoint struct {
	SessionID    string
	Type         string
	Seq          uint64
	Cursor       string
	Processed    int64
	SavedAt      time.Time
	Continuation map[string]string
}

// ReputationEntry is the cached trust verdict for a content digest.
type ReputationEntry struct {
	Digest      string
	Score       int // 0..100
	Source      string
	Threats     []string
	FirstSeen   time.Time
	LastUpdated time.Time
	HitCount    int64
	ExpiresAt   time.Time // zero means no expiry
}

// Expired reports whether the entry must be treated as a cache miss.
func (e *ReputationEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// QuarantineRecord maps a quarantined file back to its origin.
type QuarantineRecord struct {
	ID             string
	SessionID      string
	Digest         string
	OriginalPath   string
	QuarantinePath string
	Size           int64
	Reason         string
	ThreatLevel    string
	Threats        []string
	QuarantinedAt  time.Time
	CanRestore     bool
	Active         bool
}

// Statistic is an append-only auxiliary metric row.
type Statistic struct {
	SessionID  string
	Name       string
	Value      float64
	RecordedAt time.Time
}
