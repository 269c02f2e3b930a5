package engine

import (
	"time"

	"pocketshield/logger"
	"pocketshield/store"
)

const checkpointType = "scan"

// checkpointer persists progress markers every N processed files or
// every interval, whichever comes first. A failed save is retried
// once; two failures in a row poison resumability for the session,
// since a later resume could otherwise silently lose work.
type checkpointer struct {
	st        *store.Store
	sessionID string
	every     int
	interval  time.Duration

	sinceLast int
	lastAt    time.Time
	poisoned  bool
}

func newCheckpointer(st *store.Store, sessionID string, every int, interval time.Duration) *checkpointer {
	if every <= 0 {
		every = 100
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &checkpointer{
		st:        st,
		sessionID: sessionID,
		every:     every,
		interval:  interval,
		lastAt:    time.Now(),
	}
}

// observe notes one processed file and saves when a threshold is due.
// It reports whether a checkpoint was written and whether the session
// is still resumable.
func (c *checkpointer) observe(cursor string, processed int64) (saved, resumable bool) {
	c.sinceLast++
	if c.sinceLast < c.every && time.Since(c.lastAt) < c.interval {
		return false, !c.poisoned
	}
	return c.save(cursor, processed)
}

// force saves unconditionally, used on pause and cancellation so the
// marker reflects the very last processed file.
func (c *checkpointer) force(cursor string, processed int64) (saved, resumable bool) {
	return c.save(cursor, processed)
}

func (c *checkpointer) save(cursor string, processed int64) (bool, bool) {
	if c.poisoned || cursor == "" {
		return false, !c.poisoned
	}
	cp := &store.Checkpoint{
		SessionID: c.sessionID,
		Type:      checkpointType,
		Cursor:    cursor,
		Processed: processed,
		SavedAt:   time.Now(),
	}
	err := c.st.SaveCheckpoint(cp)
	if err != nil {
		logger.Warnf("Checkpoint save failed, retrying: %v", err)
		err = c.st.SaveCheckpoint(cp)
	}
	if err != nil {
		logger.Errorf("Checkpoint save failed twice, session %s is no longer resumable: %v", c.sessionID, err)
		c.poisoned = true
		return false, false
	}
	c.sinceLast = 0
	c.lastAt = time.Now()
	return true, true
}
