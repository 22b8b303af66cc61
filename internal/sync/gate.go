package sync

import (
	"sync"

	"github.com/yourorg/orgbridge/internal/domain"
)

// queuedEvent is a callback event held back while a bulk sync runs
type queuedEvent struct {
	app *domain.AppConfig
	ev  *domain.Event
}

// Gate is the per-application advisory lock between bulk syncs and
// incremental callback application. Events arriving while a sync runs
// are queued and replayed after the sync's deletion pass, so the pass
// never mistakes a just-created record for stale data.
type Gate struct {
	mu      sync.Mutex
	running map[string]bool
	pending map[string][]queuedEvent
}

// NewGate creates an empty gate
func NewGate() *Gate {
	return &Gate{
		running: map[string]bool{},
		pending: map[string][]queuedEvent{},
	}
}

// BeginSync claims the application for a bulk sync. Returns false when
// a sync is already running for the key.
func (g *Gate) BeginSync(appKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running[appKey] {
		return false
	}
	g.running[appKey] = true
	return true
}

// FinishSync releases the application and hands back every event that
// queued up during the sync, in arrival order.
func (g *Gate) FinishSync(appKey string) []queuedEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, appKey)
	queued := g.pending[appKey]
	delete(g.pending, appKey)
	return queued
}

// Submit either admits an event for immediate application (true) or
// queues it behind a running sync (false).
func (g *Gate) Submit(app *domain.AppConfig, ev *domain.Event) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running[app.AppKey] {
		g.pending[app.AppKey] = append(g.pending[app.AppKey], queuedEvent{app: app, ev: ev})
		return false
	}
	return true
}

// SyncRunning reports whether a bulk sync currently holds the key
func (g *Gate) SyncRunning(appKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[appKey]
}
