package store

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"pocketshield/rules"
)

// Key prefixes simulate logical buckets in Pebble's flat key space.
// Keep these short to minimize storage overhead per key.
var (
	prefixSessions   = []byte("sess:")
	prefixResults    = []byte("res:")  // res:SessionID:Seq -> gob FileResult
	prefixCheckpoint = []byte("ckpt:") // ckpt:SessionID:Type:Seq -> gob Checkpoint
	prefixReputation = []byte("rep:")  // rep:Digest -> gob ReputationEntry
	prefixQuarantine = []byte("quar:") // quar:Digest -> gob QuarantineRecord
	prefixQuarIndex  = []byte("qidx:") // qidx:RecordID -> Digest
	prefixStatistics = []byte("stat:") // stat:SessionID:Seq -> gob Statistic
	prefixRules      = []byte("rule:") // rule:RuleID -> gob rules.SignatureRule
	prefixMeta       = []byte("meta:")
)

// CurrentSchemaVersion enforces binary compatibility. Increment only
// when the gob struct shapes change incompatibly.
const CurrentSchemaVersion = 1

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("store: not found")

// Options configures Store initialization.
type Options struct {
	ReadOnly  bool
	CacheSize int64
}

// Store is the engine's durable state: sessions, per-file results,
// checkpoints, reputation entries, quarantine records and statistics.
// Writes are serialized through a single mutex; reads may run
// concurrently (single-writer, multiple-reader discipline).
type Store struct {
	db *pebble.DB
	mu sync.RWMutex

	seqMu sync.Mutex
	seqs  map[string]uint64
}

// Open opens or creates the engine database. Transient lock errors
// are retried with backoff since rapid restarts often hold the lock
// file for a few milliseconds.
func Open(path string, opts Options) (*Store, error) {
	if opts.CacheSize == 0 {
		opts.CacheSize = 8 << 20
	}
	pebbleOpts := &pebble.Options{
		Cache: pebble.NewCache(opts.CacheSize),
	}
	if opts.ReadOnly {
		pebbleOpts.ReadOnly = true
	}

	var db *pebble.DB
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		db, err = pebble.Open(path, pebbleOpts)
		if err == nil {
			break
		}
		if strings.Contains(err.Error(), "lock") || strings.Contains(err.Error(), "temporarily unavailable") {
			time.Sleep(100 * time.Millisecond * time.Duration(1<<i))
			continue
		}
		return nil, fmt.Errorf("failed to open engine db %q: %w", path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire db lock for %q after %d attempts: %w", path, maxRetries, err)
	}

	s := &Store{db: db, seqs: make(map[string]uint64)}

	ver, err := s.getMeta("schema_version")
	if err == nil && ver != "" {
		var dbVer int
		if _, scanErr := fmt.Sscanf(ver, "%d", &dbVer); scanErr == nil && dbVer > CurrentSchemaVersion {
			db.Close()
			return nil, fmt.Errorf("database schema version %d is newer than supported version %d", dbVer, CurrentSchemaVersion)
		}
	} else if !opts.ReadOnly {
		if err := s.setMeta("schema_version", fmt.Sprintf("%d", CurrentSchemaVersion)); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize schema version: %w", err)
		}
	}

	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("empty record data")
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func key(prefix []byte, parts ...string) []byte {
	k := append([]byte(nil), prefix...)
	for i, p := range parts {
		if i > 0 {
			k = append(k, ':')
		}
		k = append(k, p...)
	}
	return k
}

func seqPart(seq uint64) string {
	return fmt.Sprintf("%012d", seq)
}

func (s *Store) get(k []byte, v interface{}) error {
	data, closer, err := s.db.Get(k)
	if err != nil {
		if err == pebble.ErrNotFound {
			return ErrNotFound
		}
		return err
	}
	defer closer.Close()
	return decode(data, v)
}

func (s *Store) set(k []byte, v interface{}) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	return s.db.Set(k, data, pebble.Sync)
}

// nextSeq hands out monotonically increasing sequence numbers per
// logical counter, seeding from the highest persisted key on first use.
func (s *Store) nextSeq(counter string, prefix []byte) (uint64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if _, ok := s.seqs[counter]; !ok {
		last, err := s.lastSeqUnderPrefix(prefix)
		if err != nil {
			return 0, err
		}
		s.seqs[counter] = last
	}
	s.seqs[counter]++
	return s.seqs[counter], nil
}

func (s *Store) lastSeqUnderPrefix(prefix []byte) (uint64, error) {
	upper := incrementLastByte(prefix)
	if upper == nil {
		return 0, fmt.Errorf("scan range overflow for prefix %q", prefix)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() || !bytes.HasPrefix(iter.Key(), prefix) {
		return 0, nil
	}
	k := iter.Key()
	var seq uint64
	if _, err := fmt.Sscanf(string(k[len(k)-12:]), "%d", &seq); err != nil {
		return 0, nil
	}
	return seq, nil
}

func incrementLastByte(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	result := make([]byte, len(prefix))
	copy(result, prefix)
	for i := len(result) - 1; i >= 0; i-- {
		if result[i] < 0xff {
			result[i]++
			return result
		}
		result[i] = 0
	}
	return nil
}

// iterPrefix calls fn for every value under prefix. fn returning
// false stops the iteration early.
func (s *Store) iterPrefix(prefix []byte, fn func(k, v []byte) (bool, error)) error {
	upper := incrementLastByte(prefix)
	if upper == nil {
		return fmt.Errorf("scan range overflow for prefix %q", prefix)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		cont, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

func (s *Store) getMeta(k string) (string, error) {
	data, closer, err := s.db.Get(key(prefixMeta, k))
	if err != nil {
		if err == pebble.ErrNotFound {
			return "", ErrNotFound
		}
		return "", err
	}
	defer closer.Close()
	return string(data), nil
}

func (s *Store) setMeta(k, v string) error {
	return s.db.Set(key(prefixMeta, k), []byte(v), pebble.Sync)
}

// --- Sessions ---

func (s *Store) PutSession(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		return fmt.Errorf("session id must not be empty")
	}
	return s.set(key(prefixSessions, sess.ID), sess)
}

func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sess Session
	if err := s.get(key(prefixSessions, id), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) ListSessions() ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sessions []*Session
	err := s.iterPrefix(prefixSessions, func(_, v []byte) (bool, error) {
		var sess Session
		if err := decode(v, &sess); err != nil {
			return false, fmt.Errorf("corrupt session record: %w", err)
		}
		sessions = append(sessions, &sess)
		return true, nil
	})
	return sessions, err
}

// RunningSession returns the currently running session, or ErrNotFound.
// At most one session may be running per engine instance.
func (s *Store) RunningSession() (*Session, error) {
	sessions, err := s.ListSessions()
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if sess.Status == StatusRunning {
			return sess, nil
		}
	}
	return nil, ErrNotFound
}

// --- File results ---

// PutResult persists the result under its caller-assigned sequence
// key. The engine keys rows by enumeration ordinal, so writing the
// same (session, seq) twice overwrites rather than duplicates: a
// crash-resume that re-scans the window past the last checkpoint is
// idempotent at the row level.
func (s *Store) PutResult(r *FileResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(key(prefixResults, r.SessionID, seqPart(r.Seq)), r)
}

// UpdateResultAction records the action taken on an existing result,
// along with the threat level the action implies. The action field
// may be set only once.
func (s *Store) UpdateResultAction(sessionID string, seq uint64, action, level string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(prefixResults, sessionID, seqPart(seq))
	var r FileResult
	if err := s.get(k, &r); err != nil {
		return err
	}
	if r.ActionTaken != "" && r.ActionTaken != "none" {
		return fmt.Errorf("result %s/%d already has action %q", sessionID, seq, r.ActionTaken)
	}
	r.ActionTaken = action
	if level != "" {
		r.ThreatLevel = level
	}
	return s.set(k, &r)
}

func (s *Store) ResultsForSession(sessionID string) ([]*FileResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []*FileResult
	err := s.iterPrefix(key(prefixResults, sessionID, ""), func(_, v []byte) (bool, error) {
		var r FileResult
		if err := decode(v, &r); err != nil {
			return false, fmt.Errorf("corrupt result record: %w", err)
		}
		results = append(results, &r)
		return true, nil
	})
	return results, err
}

// --- Checkpoints ---

// SaveCheckpoint writes the new checkpoint under a fresh sequence key,
// then prunes older rows. Pruning failure is ignored: stale rows cost
// space, never correctness, since loads take the highest sequence.
func (s *Store) SaveCheckpoint(cp *Checkpoint) error {
	counter := "ckpt:" + cp.SessionID + ":" + cp.Type
	seq, err := s.nextSeq(counter, key(prefixCheckpoint, cp.SessionID, cp.Type, ""))
	if err != nil {
		return err
	}
	cp.Seq = seq
	cp.SavedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.set(key(prefixCheckpoint, cp.SessionID, cp.Type, seqPart(seq)), cp); err != nil {
		return err
	}

	prefix := key(prefixCheckpoint, cp.SessionID, cp.Type, "")
	var stale [][]byte
	_ = s.iterPrefix(prefix, func(k, _ []byte) (bool, error) {
		if !bytes.HasSuffix(k, []byte(seqPart(seq))) {
			stale = append(stale, append([]byte(nil), k...))
		}
		return true, nil
	})
	for _, k := range stale {
		_ = s.db.Delete(k, pebble.NoSync)
	}
	return nil
}

// LatestCheckpoint returns the current checkpoint for (session, type),
// or ErrNotFound when the session has never checkpointed.
func (s *Store) LatestCheckpoint(sessionID, ctype string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := key(prefixCheckpoint, sessionID, ctype, "")
	upper := incrementLastByte(prefix)
	if upper == nil {
		return nil, fmt.Errorf("scan range overflow for checkpoint prefix")
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	if !iter.Last() || !bytes.HasPrefix(iter.Key(), prefix) {
		return nil, ErrNotFound
	}
	var cp Checkpoint
	if err := decode(iter.Value(), &cp); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint record: %w", err)
	}
	return &cp, nil
}

// DropCheckpoints removes all checkpoints of a session, called when
// the owning session reaches a terminal state.
func (s *Store) DropCheckpoints(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := key(prefixCheckpoint, sessionID, "")
	upper := incrementLastByte(prefix)
	if upper == nil {
		return fmt.Errorf("scan range overflow for checkpoint prefix")
	}
	return s.db.DeleteRange(prefix, upper, pebble.Sync)
}

// --- Reputation ---

func (s *Store) PutReputation(e *ReputationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(key(prefixReputation, e.Digest), e)
}

// DeleteReputation evicts one entry, used when a lookup finds it
// expired.
func (s *Store) DeleteReputation(digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(key(prefixReputation, digest), pebble.Sync)
}

func (s *Store) GetReputation(digest string) (*ReputationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var e ReputationEntry
	if err := s.get(key(prefixReputation, digest), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// EachReputation streams every reputation entry, used to seed the
// known-clean filter at startup.
func (s *Store) EachReputation(fn func(*ReputationEntry) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iterPrefix(prefixReputation, func(_, v []byte) (bool, error) {
		var e ReputationEntry
		if err := decode(v, &e); err != nil {
			return false, fmt.Errorf("corrupt reputation record: %w", err)
		}
		return fn(&e), nil
	})
}

// --- Quarantine ---

func (s *Store) PutQuarantine(r *QuarantineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.set(key(prefixQuarantine, r.Digest), r); err != nil {
		return err
	}
	return s.db.Set(key(prefixQuarIndex, r.ID), []byte(r.Digest), pebble.Sync)
}

func (s *Store) QuarantineByDigest(digest string) (*QuarantineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var r QuarantineRecord
	if err := s.get(key(prefixQuarantine, digest), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) QuarantineByID(id string) (*QuarantineRecord, error) {
	s.mu.RLock()
	data, closer, err := s.db.Get(key(prefixQuarIndex, id))
	if err != nil {
		s.mu.RUnlock()
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	digest := string(data)
	closer.Close()
	s.mu.RUnlock()
	return s.QuarantineByDigest(digest)
}

// --- Statistics ---

func (s *Store) AppendStatistic(sessionID, name string, value float64) error {
	seq, err := s.nextSeq("stat:"+sessionID, key(prefixStatistics, sessionID, ""))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stat := Statistic{SessionID: sessionID, Name: name, Value: value, RecordedAt: time.Now().UTC()}
	return s.set(key(prefixStatistics, sessionID, seqPart(seq)), &stat)
}

func (s *Store) StatisticsForSession(sessionID string) ([]Statistic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats []Statistic
	err := s.iterPrefix(key(prefixStatistics, sessionID, ""), func(_, v []byte) (bool, error) {
		var st Statistic
		if err := decode(v, &st); err != nil {
			return false, fmt.Errorf("corrupt statistic record: %w", err)
		}
		stats = append(stats, st)
		return true, nil
	})
	return stats, err
}

// --- Signature rules ---

// PutRules replaces the persisted signature corpus. The active corpus
// lives in the store so a resumed session classifies with the same
// rules the interrupted run used, regardless of the rules file the
// resuming process was started with.
func (s *Store) PutRules(ruleList []rules.SignatureRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	upper := incrementLastByte(prefixRules)
	if upper == nil {
		return fmt.Errorf("scan range overflow for rules prefix")
	}
	if err := s.db.DeleteRange(prefixRules, upper, pebble.NoSync); err != nil {
		return err
	}
	for i := range ruleList {
		r := ruleList[i]
		if err := s.set(key(prefixRules, r.ID), &r); err != nil {
			return err
		}
	}
	return nil
}

// Rules returns the persisted signature corpus, empty when none has
// been stored yet.
func (s *Store) Rules() ([]rules.SignatureRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rules.SignatureRule
	err := s.iterPrefix(prefixRules, func(_, v []byte) (bool, error) {
		var r rules.SignatureRule
		if err := decode(v, &r); err != nil {
			return false, fmt.Errorf("corrupt rule record: %w", err)
		}
		out = append(out, r)
		return true, nil
	})
	return out, err
}
