package reputation

import (
	"context"
	"sync"
	"time"

	"pocketshield/logger"
)

// Provider resolves reputation for a digest, typically against a
// remote service. Implementations may block; the enricher isolates
// callers from that latency.
type Provider interface {
	Reputation(ctx context.Context, digest string) (score int, source string, threats []string, err error)
}

// Enricher feeds unknown digests to a Provider in the background and
// records the answers. Submission never blocks scanning: when the
// queue is full the digest is dropped and will be retried on a later
// encounter.
type Enricher struct {
	cache    *Cache
	provider Provider
	queue    chan string

	mu      sync.Mutex
	pending map[string]bool

	wg     sync.WaitGroup
	cancel context.CancelFunc

	dropped uint64
}

// NewEnricher starts workers goroutines draining a queue of depth
// queueSize. Close must be called to release them.
func NewEnricher(cache *Cache, provider Provider, workers, queueSize int) *Enricher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Enricher{
		cache:    cache,
		provider: provider,
		queue:    make(chan string, queueSize),
		pending:  make(map[string]bool),
		cancel:   cancel,
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.run(ctx)
	}
	return e
}

// Submit queues a digest for background enrichment. It returns
// immediately; a full queue or a duplicate in flight drops the
// request.
func (e *Enricher) Submit(digest string) {
	if digest == "" {
		return
	}
	e.mu.Lock()
	if e.pending[digest] {
		e.mu.Unlock()
		return
	}
	e.pending[digest] = true
	e.mu.Unlock()

	select {
	case e.queue <- digest:
	default:
		e.mu.Lock()
		delete(e.pending, digest)
		e.dropped++
		e.mu.Unlock()
	}
}

// Dropped reports how many submissions were shed on queue overflow.
func (e *Enricher) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close stops the workers and waits for in-flight lookups to finish.
func (e *Enricher) Close() {
	e.cancel()
	close(e.queue)
	e.wg.Wait()
}

func (e *Enricher) run(ctx context.Context) {
	defer e.wg.Done()
	for digest := range e.queue {
		if ctx.Err() != nil {
			return
		}
		e.resolve(ctx, digest)
	}
}

func (e *Enricher) resolve(ctx context.Context, digest string) {
	defer func() {
		e.mu.Lock()
		delete(e.pending, digest)
		e.mu.Unlock()
	}()

	score, source, threats, err := e.provider.Reputation(ctx, digest)
	if err != nil {
		logger.Debugf("Reputation enrichment for %s failed: %v", digest, err)
		return
	}
	if err := e.cache.Record(digest, score, source, threats, time.Now()); err != nil {
		logger.Debugf("Recording enriched reputation for %s failed: %v", digest, err)
	}
}
