package engine

// Observer receives engine lifecycle notifications. Delivery is
// asynchronous and progress updates are dropped rather than queued
// when an observer falls behind, so a slow consumer can never stall
// scanning.
type Observer interface {
	OnPhaseChange(phase string)
	OnProgress(p Progress)
	OnComplete(report *Report)
}

// Progress is one scan progress sample. Total is -1 while the file
// count is still unknown.
type Progress struct {
	Phase        string
	Processed    int64
	Total        int64
	CurrentFile  string
	ThreatsFound int64
}

const (
	PhaseEnumerating = "enumerating"
	PhaseScanning    = "scanning"
	PhaseFinalizing  = "finalizing"
)

type observerEvent struct {
	phase    string
	progress *Progress
	report   *Report
}

type observerHub struct {
	observers []Observer
	events    chan observerEvent
	done      chan struct{}
}

func newObserverHub(observers []Observer) *observerHub {
	h := &observerHub{
		observers: observers,
		events:    make(chan observerEvent, 64),
		done:      make(chan struct{}),
	}
	go h.dispatch()
	return h
}

func (h *observerHub) dispatch() {
	defer close(h.done)
	for ev := range h.events {
		for _, o := range h.observers {
			switch {
			case ev.report != nil:
				o.OnComplete(ev.report)
			case ev.progress != nil:
				o.OnProgress(*ev.progress)
			default:
				o.OnPhaseChange(ev.phase)
			}
		}
	}
}

func (h *observerHub) phase(name string) {
	h.events <- observerEvent{phase: name}
}

// progress is lossy: if the dispatch queue is full the sample is
// dropped, a later one will carry fresher numbers anyway.
func (h *observerHub) progress(p Progress) {
	select {
	case h.events <- observerEvent{progress: &p}:
	default:
	}
}

func (h *observerHub) complete(r *Report) {
	h.events <- observerEvent{report: r}
}

func (h *observerHub) close() {
	close(h.events)
	<-h.done
}
