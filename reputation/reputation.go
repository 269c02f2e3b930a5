package reputation

import (
	"errors"
	"sync"
	"time"

	"github.com/FastFilter/xorfilter"
	"github.com/cespare/xxhash/v2"

	"pocketshield/logger"
	"pocketshield/store"
)

// Lookup outcome for a digest.
type Verdict struct {
	Known   bool
	Score   int
	Source  string
	Threats []string
}

var errStaleUpdate = errors.New("reputation: update older than cached entry")

// Cache fronts the persistent reputation bucket. Expired entries are
// treated as misses and removed lazily on the lookup that finds them.
// A fast-negative filter over the cached digests answers the common
// case (a digest never seen before) without touching the store.
type Cache struct {
	store *store.Store
	ttl   time.Duration
	now   func() time.Time

	mu     sync.RWMutex
	filter *xorfilter.BinaryFuse8 // digests present at the last rebuild
	recent map[uint64]struct{}    // digests recorded since the last rebuild
	gated  bool                   // filter plus recent cover the whole bucket
}

// New opens a cache with the given time-to-live for recorded entries.
// ttl <= 0 means entries never expire.
func New(st *store.Store, ttl time.Duration) *Cache {
	c := &Cache{store: st, ttl: ttl, now: time.Now, recent: make(map[uint64]struct{})}
	c.rebuildFilter()
	return c
}

// rebuildAfter bounds the recent-digest sidecar before the static
// filter is rebuilt from the bucket.
const rebuildAfter = 4096

// rebuildFilter rebuilds the approximate membership set from every
// live entry. The write lock is held across the scan so a concurrent
// Record is either seen by the scan or lands in recent afterwards,
// never neither. On failure the gate opens and every lookup falls
// through to the store.
func (c *Cache) rebuildFilter() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []uint64
	now := c.now()
	err := c.store.EachReputation(func(e *store.ReputationEntry) bool {
		if !e.Expired(now) {
			keys = append(keys, xxhash.Sum64String(e.Digest))
		}
		return true
	})
	if err != nil {
		logger.Warnf("Reputation filter seed failed: %v", err)
		c.gated = false
		return
	}
	c.filter = nil
	if len(keys) > 0 {
		filter, err := xorfilter.PopulateBinaryFuse8(keys)
		if err != nil {
			logger.Warnf("Reputation filter build failed: %v", err)
			c.gated = false
			return
		}
		c.filter = filter
	}
	c.recent = make(map[uint64]struct{})
	c.gated = true
}

// seen reports whether the digest can have a live entry. A false
// answer is definitive and skips the store read entirely; a true
// answer may still turn out to be a miss (filter false positive or a
// since-expired row).
func (c *Cache) seen(digest string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.gated {
		return true
	}
	h := xxhash.Sum64String(digest)
	if _, ok := c.recent[h]; ok {
		return true
	}
	return c.filter != nil && c.filter.Contains(h)
}

// note registers a freshly recorded digest and rebuilds the filter
// once the sidecar grows large.
func (c *Cache) note(digest string) {
	c.mu.Lock()
	c.recent[xxhash.Sum64String(digest)] = struct{}{}
	rebuild := len(c.recent) >= rebuildAfter
	c.mu.Unlock()
	if rebuild {
		c.rebuildFilter()
	}
}

// Lookup returns the verdict for a digest. Expired or absent entries
// come back {Known: false}; the expired entry is deleted on the way
// out so the bucket does not accrete stale rows. Digests the filter
// has never seen short-circuit without a store read.
func (c *Cache) Lookup(digest string) (Verdict, error) {
	if !c.seen(digest) {
		return Verdict{}, nil
	}
	entry, err := c.store.GetReputation(digest)
	if errors.Is(err, store.ErrNotFound) {
		return Verdict{}, nil
	}
	if err != nil {
		return Verdict{}, err
	}
	if entry.Expired(c.now()) {
		if derr := c.store.DeleteReputation(digest); derr != nil {
			logger.Debugf("Evicting expired reputation for %s failed: %v", digest, derr)
		}
		return Verdict{}, nil
	}

	entry.HitCount++
	if err := c.store.PutReputation(entry); err != nil {
		logger.Debugf("Reputation hit count update failed for %s: %v", digest, err)
	}
	return Verdict{Known: true, Score: entry.Score, Source: entry.Source, Threats: entry.Threats}, nil
}

// Record stores a verdict for a digest. Updates that are older than
// the cached entry are rejected so out-of-order enrichment responses
// cannot roll trust backwards. The hit count survives re-recording.
func (c *Cache) Record(digest string, score int, source string, threats []string, updated time.Time) error {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	if updated.IsZero() {
		updated = c.now()
	}

	entry := &store.ReputationEntry{
		Digest:      digest,
		Score:       score,
		Source:      source,
		Threats:     threats,
		FirstSeen:   updated,
		LastUpdated: updated,
	}
	if c.ttl > 0 {
		entry.ExpiresAt = updated.Add(c.ttl)
	}

	prev, err := c.store.GetReputation(digest)
	switch {
	case err == nil:
		if updated.Before(prev.LastUpdated) {
			return errStaleUpdate
		}
		entry.FirstSeen = prev.FirstSeen
		entry.HitCount = prev.HitCount
	case errors.Is(err, store.ErrNotFound):
	default:
		return err
	}
	if err := c.store.PutReputation(entry); err != nil {
		return err
	}
	c.note(digest)
	return nil
}
