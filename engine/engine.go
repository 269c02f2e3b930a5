package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"pocketshield/config"
	"pocketshield/enumerator"
	"pocketshield/fuzzy"
	"pocketshield/hasher"
	"pocketshield/logger"
	"pocketshield/matcher"
	"pocketshield/metadata"
	"pocketshield/quarantine"
	"pocketshield/reputation"
	"pocketshield/rules"
	"pocketshield/store"
)

var (
	// ErrSessionActive rejects a second concurrent scan on the same
	// engine or database.
	ErrSessionActive = errors.New("engine: another session is already running")
	// ErrPaused is returned from a run that was paused rather than
	// completed; the session can be resumed later.
	ErrPaused = errors.New("engine: session paused")
	// ErrNotResumable rejects resuming a session whose checkpoints
	// are missing or poisoned.
	ErrNotResumable = errors.New("engine: session is not resumable")
)

// Engine drives a scan: enumeration feeding a fixed worker pool, with
// a single aggregator goroutine owning all session counters.
type Engine struct {
	cfg        *config.Config
	store      *store.Store
	set        *rules.Set
	matcher    *matcher.Matcher
	repCache   *reputation.Cache
	enricher   *reputation.Enricher
	quarantine *quarantine.Manager
	observers  []Observer
	telemetry  *telemetry

	mu      sync.Mutex
	current *activeRun
}

type activeRun struct {
	sessionID string
	cancel    context.CancelFunc
	paused    bool
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithReputationProvider enables background reputation enrichment.
func WithReputationProvider(p reputation.Provider) Option {
	return func(e *Engine) {
		e.enricher = reputation.NewEnricher(e.repCache, p, 1, 256)
	}
}

// WithObserver registers a progress observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observers = append(e.observers, o)
	}
}

func New(cfg *config.Config, st *store.Store, ruleSet *rules.Set, opts ...Option) (*Engine, error) {
	qm, err := quarantine.New(st, cfg.QuarantineDir)
	if err != nil {
		return nil, err
	}
	tel, err := newTelemetry(cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:   cfg,
		store: st,
		set:   ruleSet,
		matcher: matcher.New(ruleSet, matcher.Options{
			WindowBytes:     cfg.ContentWindowBytes,
			ReadMode:        cfg.ContentReadMode,
			IncludeArchives: cfg.IncludeArchives,
		}),
		repCache:   reputation.New(st, cfg.ReputationTTL),
		quarantine: qm,
		telemetry:  tel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Close releases background collaborators. The store is owned by the
// caller and stays open.
func (e *Engine) Close() {
	if e.enricher != nil {
		e.enricher.Close()
	}
	if e.telemetry != nil {
		e.telemetry.Shutdown()
	}
}

// Run starts a brand-new session and blocks until it completes, is
// paused, or fails. Only one session may run at a time, enforced both
// in-process and against the session bucket, so two engine processes
// sharing a database cannot race.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	sess := &store.Session{
		ID:        uuid.New().String(),
		ScanType:  e.cfg.ScanType,
		Roots:     e.cfg.Roots,
		Status:    store.StatusPending,
		StartedAt: time.Now(),
		Resumable: true,
	}
	if err := e.admit(sess); err != nil {
		return nil, err
	}
	return e.execute(ctx, sess, "", 0)
}

// Resume continues a paused (or abandoned mid-run) session from its
// latest checkpoint, or from the beginning when the session died
// before its first checkpoint. Completed, failed, or poisoned
// sessions cannot be resumed.
func (e *Engine) Resume(ctx context.Context, sessionID string) (*Report, error) {
	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() || !sess.Resumable {
		return nil, ErrNotResumable
	}

	cursor := ""
	var processed int64
	cp, err := e.store.LatestCheckpoint(sessionID, checkpointType)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Killed before the first checkpoint: no durable progress
		// marker exists, so the session restarts from the beginning.
		// Result rows are keyed by enumeration ordinal, so any rows the
		// dead process wrote are overwritten rather than duplicated.
		logger.Warnf("Session %s has no checkpoint, restarting from the beginning", sessionID)
		sess.FilesScanned, sess.ThreatsFound, sess.Errors = 0, 0, 0
	case err != nil:
		return nil, err
	default:
		cursor = cp.Cursor
		processed = cp.Processed
	}

	if err := e.admit(sess); err != nil {
		return nil, err
	}
	return e.execute(ctx, sess, cursor, processed)
}

// Pause asks the running session to stop cooperatively. The in-flight
// files finish, a forced checkpoint is written, and the session lands
// in the paused state.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return
	}
	e.current.paused = true
	if e.current.cancel != nil {
		e.current.cancel()
	}
}

// admit claims the single-session slot or fails.
func (e *Engine) admit(sess *store.Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		return ErrSessionActive
	}
	running, err := e.store.RunningSession()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if running != nil && running.ID != sess.ID {
		return fmt.Errorf("%w: session %s", ErrSessionActive, running.ID)
	}
	e.current = &activeRun{sessionID: sess.ID}
	return nil
}

func (e *Engine) release() {
	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()
}

func (e *Engine) pauseRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil && e.current.paused
}

func (e *Engine) execute(ctx context.Context, sess *store.Session, cursor string, processedOffset int64) (*Report, error) {
	defer e.release()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.current.cancel = cancel
	e.mu.Unlock()

	sess.Status = store.StatusRunning
	if err := e.store.PutSession(sess); err != nil {
		return nil, err
	}

	hub := newObserverHub(e.observers)
	defer hub.close()

	workers := autotuneWorkers(e.cfg)
	limiter := ioLimiter(e.cfg)

	remaining := 0
	if e.cfg.MaxFiles > 0 {
		remaining = e.cfg.MaxFiles - int(processedOffset)
		if remaining <= 0 {
			return e.finalize(sess, hub, true)
		}
	}

	// Enumeration follows the session's persisted roots, not the
	// current invocation's: a resumed session keeps scanning the tree
	// it was started on even when the resuming process was configured
	// with different roots.
	enum := enumerator.New(sess.Roots, enumerator.Options{
		MaxFiles:    remaining,
		MaxFileSize: e.cfg.MaxFileSize,
		Cursor:      cursor,
		OnError: func(path string, err error) {
			logger.Warnf("Enumeration of %s failed: %v", path, err)
		},
	})

	hub.phase(PhaseEnumerating)
	total := e.countTotal(runCtx, sess.Roots, cursor, remaining)
	if total >= 0 {
		sess.TotalFiles = processedOffset + total
		if err := e.store.PutSession(sess); err != nil {
			logger.Warnf("Persisting session total failed: %v", err)
		}
	}

	hub.phase(PhaseScanning)
	runTotal := sess.TotalFiles
	if total < 0 && runTotal == 0 {
		runTotal = -1 // unknown, quick scans skip the counting pass
	}
	run := &engineRun{
		eng:   e,
		hub:   hub,
		ckpt:  newCheckpointer(e.store, sess.ID, e.cfg.CheckpointEvery, e.cfg.CheckpointInterval),
		total: runTotal,
	}
	agg := newAggregator(run, sess, uint64(processedOffset))

	tasks := make(chan *scanTask, workers)
	outcomes := make(chan *outcome, workers*2)

	var aggDone sync.WaitGroup
	aggDone.Add(1)
	go func() {
		defer aggDone.Done()
		agg.drain(outcomes)
	}()

	var walkErr error
	var workerWG sync.WaitGroup
	go func() {
		defer close(tasks)
		ordinal := uint64(processedOffset)
		walkErr = enum.Walk(runCtx, func(fd enumerator.FileDescriptor) error {
			task := &scanTask{ordinal: ordinal, fd: fd}
			ordinal++
			select {
			case <-runCtx.Done():
				return runCtx.Err()
			case tasks <- task:
			}
			if limiter != nil {
				return limiter.Wait(runCtx)
			}
			return nil
		})
	}()

	for i := 0; i < workers; i++ {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			for task := range tasks {
				outcomes <- e.process(runCtx, sess, task)
			}
		}()
	}

	workerWG.Wait()
	close(outcomes)
	aggDone.Wait()

	paused := e.pauseRequested() || errors.Is(runCtx.Err(), context.Canceled)
	if walkErr != nil && !errors.Is(walkErr, context.Canceled) {
		logger.Warnf("Enumeration ended early: %v", walkErr)
	}
	agg.finish(!paused)

	return e.finalize(sess, hub, !paused)
}

func (e *Engine) finalize(sess *store.Session, hub *observerHub, completed bool) (*Report, error) {
	hub.phase(PhaseFinalizing)
	if completed {
		sess.Status = store.StatusCompleted
		sess.EndedAt = time.Now()
	} else {
		sess.Status = store.StatusPaused
	}
	if err := e.store.PutSession(sess); err != nil {
		e.failSession(sess, err)
		return nil, err
	}
	e.recordRunStatistics(sess)

	report, err := e.BuildReport(sess.ID)
	if err != nil {
		e.failSession(sess, err)
		return nil, err
	}
	e.emitSession(sess, report)
	hub.complete(report)

	if !completed {
		return report, ErrPaused
	}
	return report, nil
}

// failSession is the terminal transition for fatal faults, typically
// loss of the state store itself. Best effort: the write that failed
// may fail again here.
func (e *Engine) failSession(sess *store.Session, cause error) {
	logger.Errorf("Session %s failed: %v", sess.ID, cause)
	sess.Status = store.StatusFailed
	sess.EndedAt = time.Now()
	sess.Resumable = false
	if err := e.store.PutSession(sess); err != nil {
		logger.Errorf("Marking session %s failed: %v", sess.ID, err)
	}
}

// recordRunStatistics appends per-run throughput rows. Each pause or
// completion adds its own rows, so a resumed session keeps the history
// of every leg.
func (e *Engine) recordRunStatistics(sess *store.Session) {
	elapsed := time.Since(sess.StartedAt).Seconds()
	rows := map[string]float64{
		"files_scanned":   float64(sess.FilesScanned),
		"threats_found":   float64(sess.ThreatsFound),
		"errors":          float64(sess.Errors),
		"elapsed_seconds": elapsed,
	}
	if elapsed > 0 {
		rows["files_per_second"] = float64(sess.FilesScanned) / elapsed
	}
	for name, value := range rows {
		if err := e.store.AppendStatistic(sess.ID, name, value); err != nil {
			logger.Debugf("Recording statistic %s failed: %v", name, err)
			return
		}
	}
}

type scanTask struct {
	ordinal uint64
	fd      enumerator.FileDescriptor
}

// process runs the per-file pipeline: digest, reputation, signature
// match, classification, enrichment of the result row.
func (e *Engine) process(ctx context.Context, sess *store.Session, task *scanTask) *outcome {
	out := &outcome{ordinal: task.ordinal, cursor: task.fd.Cursor}
	fd := task.fd
	digest, err := hasher.Compute(fd.Path, e.cfg.DigestAlgorithm, e.cfg.MaxFileSize)
	if err != nil {
		// Without a digest the file cannot be cached, deduplicated or
		// quarantined, but signature matching still proceeds.
		var herr *hasher.Error
		if errors.As(err, &herr) {
			logger.Warnf("Digest of %s failed (%s): %v", fd.Path, herr.Kind, herr.Err)
		} else {
			logger.Warnf("Digest of %s failed: %v", fd.Path, err)
		}
		out.degraded = true
	}

	verdict := reputation.Verdict{}
	if !e.cfg.SkipReputation && digest.Hex != "" {
		if v, err := e.repCache.Lookup(digest.Hex); err == nil {
			verdict = v
		} else {
			logger.Debugf("Reputation lookup for %s failed: %v", fd.Path, err)
		}
		if !verdict.Known && e.enricher != nil {
			e.enricher.Submit(digest.Hex)
		}
	}

	scan, err := e.matcher.Scan(fd.Path, fd.Size)
	if err != nil {
		logger.Warnf("Matching %s failed: %v", fd.Path, err)
		out.err = err
		return out
	}

	level := matcher.ClassifyAt(scan.Hits, verdict.Score, verdict.Known, e.cfg.LowWaterScore)
	level = matcher.WorstEntryLevel(level, scan.Entries)

	res := &store.FileResult{
		SessionID:       sess.ID,
		Path:            fd.Path,
		Name:            fd.Name,
		Size:            fd.Size,
		MimeType:        scan.MimeType,
		Digest:          digest.Hex,
		DigestAlgorithm: digest.Algorithm,
		ScannedAt:       time.Now(),
		ThreatLevel:     string(level),
		ReputationScore: verdict.Score,
		ActionTaken:     "none",
		Archive:         scan.Archive,
	}
	for _, h := range scan.Hits {
		res.MatchedRules = append(res.MatchedRules, h.RuleID)
		res.Threats = append(res.Threats, h.Name)
	}
	for _, entry := range scan.Entries {
		ae := store.ArchiveEntry{
			Name:        entry.Name,
			Size:        entry.Size,
			ThreatLevel: string(matcher.Classify(entry.Hits, 0, false)),
		}
		for _, h := range entry.Hits {
			ae.Threats = append(ae.Threats, h.Name)
		}
		res.ArchiveEntries = append(res.ArchiveEntries, ae)
	}

	if level != matcher.LevelClean {
		res.Metadata = metadata.Extract(fd.Path, scan.MimeType, e.cfg.ContentWindowBytes)
		if h, ok := fuzzy.Lookup("tlsh"); ok {
			if fh, err := h.HashFile(fd.Path); err == nil {
				res.FuzzyHash = fh
			}
		}
	}

	out.result = res
	return out
}

// recordScanReputation feeds the scan verdict back into the cache so
// repeat scans of unchanged files short-circuit.
func (e *Engine) recordScanReputation(res *store.FileResult) {
	if e.cfg.SkipReputation || res.Digest == "" {
		return
	}
	score := 80
	switch matcher.ThreatLevel(res.ThreatLevel) {
	case matcher.LevelMalicious, matcher.LevelQuarantined:
		score = 5
	case matcher.LevelSuspicious:
		score = 40
	}
	if err := e.repCache.Record(res.Digest, score, "scan", res.Threats, time.Now()); err != nil {
		logger.Debugf("Recording scan reputation for %s failed: %v", res.Path, err)
	}
}

// countTotal walks the remaining enumeration once to size progress
// reporting. Quick scans skip the extra walk.
func (e *Engine) countTotal(ctx context.Context, roots []string, cursor string, maxFiles int) int64 {
	if e.cfg.ScanType == "quick" {
		return -1
	}
	counter := enumerator.New(roots, enumerator.Options{
		MaxFiles:    maxFiles,
		MaxFileSize: e.cfg.MaxFileSize,
		Cursor:      cursor,
	})
	var total int64
	if err := counter.Walk(ctx, func(enumerator.FileDescriptor) error {
		total++
		return nil
	}); err != nil {
		logger.Warnf("Counting files failed: %v", err)
		return -1
	}
	return total
}

func ioLimiter(cfg *config.Config) *rate.Limiter {
	if cfg.MaxIOPerSecond > 0 {
		return rate.NewLimiter(rate.Limit(cfg.MaxIOPerSecond), cfg.MaxIOPerSecond)
	}
	return nil
}
