package engine

import (
	"pocketshield/logger"
	"pocketshield/matcher"
	"pocketshield/store"
)

// outcome is one worker's verdict for one enumerated file. ordinal is
// the file's position in enumeration order; cursor resumes the walk
// just past it.
type outcome struct {
	ordinal uint64
	cursor  string
	result  *store.FileResult
	err     error
	// degraded marks a result produced without a content digest; it
	// still counts toward the error statistic.
	degraded bool
}

// aggregator is the only writer of session counters and the only
// goroutine persisting results. Workers finish out of order; outcomes
// are buffered and flushed strictly in enumeration order so the
// checkpoint cursor never runs ahead of a gap, and a resumed session
// neither repeats nor skips a file.
type aggregator struct {
	eng  *engineRun
	sess *store.Session

	next    uint64
	pending map[uint64]*outcome
	cursor  string
	// processed counts files consumed from the enumerator across all
	// legs of the session; it feeds checkpoints and resume offsets.
	// It differs from the error statistic, which also counts files
	// that were scanned without a digest.
	processed int64
}

// engineRun carries the per-run collaborators the aggregator needs.
type engineRun struct {
	eng   *Engine
	hub   *observerHub
	ckpt  *checkpointer
	total int64
}

func newAggregator(run *engineRun, sess *store.Session, startOrdinal uint64) *aggregator {
	return &aggregator{
		eng:       run,
		sess:      sess,
		next:      startOrdinal,
		pending:   make(map[uint64]*outcome),
		processed: int64(startOrdinal),
	}
}

// drain consumes outcomes until the channel closes.
func (a *aggregator) drain(outcomes <-chan *outcome) {
	for out := range outcomes {
		a.admit(out)
	}
}

func (a *aggregator) admit(out *outcome) {
	a.pending[out.ordinal] = out
	for {
		buffered, ok := a.pending[a.next]
		if !ok {
			return
		}
		delete(a.pending, a.next)
		a.next++
		a.flush(buffered)
	}
}

func (a *aggregator) flush(out *outcome) {
	eng := a.eng.eng
	if out.degraded && out.err == nil {
		a.sess.Errors++
	}
	if out.err != nil {
		a.sess.Errors++
	} else if out.result != nil {
		// Rows are keyed by enumeration ordinal: re-scanning the window
		// between the last checkpoint and a crash overwrites the rows
		// the dead process already wrote instead of duplicating them.
		out.result.Seq = out.ordinal
		if err := eng.store.PutResult(out.result); err != nil {
			logger.Errorf("Persisting result for %s failed: %v", out.result.Path, err)
			a.sess.Errors++
		} else {
			a.sess.FilesScanned++
			switch matcher.ThreatLevel(out.result.ThreatLevel) {
			case matcher.LevelMalicious:
				a.sess.ThreatsFound++
				a.handleMalicious(out.result)
			case matcher.LevelSuspicious:
				a.sess.ThreatsFound++
			}
			eng.recordScanReputation(out.result)
			eng.emitResult(out.result)
		}
	}

	a.cursor = out.cursor
	a.processed++
	processed := a.processed
	saved, ok := a.eng.ckpt.observe(a.cursor, processed)
	if !ok && a.sess.Resumable {
		a.sess.Resumable = false
	}
	a.sess.LastCheckpointAt = a.eng.ckpt.lastAt
	if saved {
		// The session row travels with every checkpoint so a killed
		// process leaves counters consistent with the saved cursor.
		if err := eng.store.PutSession(a.sess); err != nil {
			logger.Warnf("Persisting session counters failed: %v", err)
		}
	}

	current := ""
	if out.result != nil {
		current = out.result.Path
	}
	a.eng.hub.progress(Progress{
		Phase:        PhaseScanning,
		Processed:    processed,
		Total:        a.eng.total,
		CurrentFile:  current,
		ThreatsFound: a.sess.ThreatsFound,
	})
}

// handleMalicious quarantines when configured and stamps the action
// on the persisted row.
func (a *aggregator) handleMalicious(res *store.FileResult) {
	eng := a.eng.eng
	if !eng.cfg.AutoQuarantine || eng.quarantine == nil {
		return
	}
	if res.Digest == "" {
		// Idempotence is keyed by digest; without one the file stays
		// in place and the finding is left to the report.
		logger.Warnf("Not quarantining %s: no content digest", res.Path)
		return
	}
	reason := "signature match"
	if len(res.MatchedRules) > 0 {
		reason = res.MatchedRules[0]
	}
	rec, err := eng.quarantine.Isolate(res.Path, res.Digest, res.SessionID, reason, res.ThreatLevel, res.Threats)
	if err != nil {
		logger.Warnf("Quarantine of %s failed: %v", res.Path, err)
		return
	}
	logger.Infof("Quarantined %s as %s", res.Path, rec.ID)
	res.ThreatLevel = string(matcher.LevelQuarantined)
	res.ActionTaken = "quarantine"
	if err := eng.store.UpdateResultAction(res.SessionID, res.Seq, res.ActionTaken, res.ThreatLevel); err != nil {
		logger.Warnf("Recording quarantine action for %s failed: %v", res.Path, err)
	}
}

// finish performs the forced final checkpoint (on pause) or clears
// markers (on completion) and returns the last contiguous cursor.
func (a *aggregator) finish(completed bool) string {
	processed := a.processed
	if completed {
		if err := a.eng.eng.store.DropCheckpoints(a.sess.ID); err != nil {
			logger.Warnf("Dropping checkpoints for %s failed: %v", a.sess.ID, err)
		}
		return a.cursor
	}
	if _, ok := a.eng.ckpt.force(a.cursor, processed); !ok && a.sess.Resumable {
		a.sess.Resumable = false
	}
	return a.cursor
}
