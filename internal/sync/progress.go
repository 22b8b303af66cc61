package sync

import (
	"sync"

	"github.com/yourorg/orgbridge/internal/domain"
)

// Progress is one update on a running sync, pushed to stream subscribers
type Progress struct {
	RunID   string            `json:"run_id"`
	Stage   string            `json:"stage"`
	Message string            `json:"message,omitempty"`
	Counts  domain.SyncCounts `json:"counts"`
	Done    bool              `json:"done"`
}

const (
	StageDepartments = "departments"
	StageDeletions   = "deletions"
	StageReplay      = "replay"
	StageDone        = "done"
)

// Broadcaster fans sync progress out to any number of subscribers per
// run. Slow subscribers drop updates rather than stall the engine.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[chan Progress]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[string]map[chan Progress]struct{}{}}
}

// Subscribe registers for updates on one run. The returned cancel
// function must be called when the subscriber is done.
func (b *Broadcaster) Subscribe(runID string) (<-chan Progress, func()) {
	ch := make(chan Progress, 16)
	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = map[chan Progress]struct{}{}
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[runID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, runID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an update to every subscriber of the run without
// blocking on full buffers.
func (b *Broadcaster) Publish(p Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[p.RunID] {
		select {
		case ch <- p:
		default:
		}
	}
}

// Close sends a final done update and drops every subscriber of the run
func (b *Broadcaster) Close(p Progress) {
	p.Done = true
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[p.RunID] {
		select {
		case ch <- p:
		default:
		}
		close(ch)
	}
	delete(b.subs, p.RunID)
}
