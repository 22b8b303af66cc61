package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yourorg/orgbridge/internal/dingtalk"
	"github.com/yourorg/orgbridge/internal/domain"
)

type memRuns struct {
	mu   sync.Mutex
	runs map[string]*domain.SyncRun
	done chan string
}

func newMemRuns() *memRuns {
	return &memRuns{runs: map[string]*domain.SyncRun{}, done: make(chan string, 8)}
}

func (r *memRuns) Create(_ context.Context, run *domain.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *run
	r.runs[run.ID] = &cp
	return nil
}

func (r *memRuns) Finish(_ context.Context, run *domain.SyncRun) error {
	r.mu.Lock()
	cp := *run
	r.runs[run.ID] = &cp
	r.mu.Unlock()
	r.done <- run.ID
	return nil
}

func (r *memRuns) GetByID(_ context.Context, id string) (*domain.SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s not found", id)
	}
	cp := *run
	return &cp, nil
}

func (r *memRuns) ListByApp(_ context.Context, appKey string, limit int) ([]*domain.SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SyncRun
	for _, run := range r.runs {
		if run.AppKey == appKey {
			cp := *run
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRuns) waitDone(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.done:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("sync run did not finish in time")
		return ""
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testApp(roots ...string) *domain.AppConfig {
	return &domain.AppConfig{AppKey: "app-1", SyncRootIDs: roots, MirrorAccounts: true}
}

// three-level tree: 1 -> {10, 20}, 10 -> {11}, with members spread around
func threeLevelDirectory() *fakeDirectory {
	return &fakeDirectory{
		tree: map[string][]string{"1": {"10", "20"}, "10": {"11"}},
		depts: map[string]dingtalk.Department{
			"1":  {RemoteID: "1", Name: "Root"},
			"10": {RemoteID: "10", ParentID: "1", Name: "Engineering", SortOrder: 1},
			"20": {RemoteID: "20", ParentID: "1", Name: "Sales", SortOrder: 2},
			"11": {RemoteID: "11", ParentID: "10", Name: "Platform"},
		},
		members: map[string][]dingtalk.Member{
			"10": {
				{UserID: "u1", Name: "Alice", DeptIDs: []string{"10"}, Active: true, Leader: true},
				{UserID: "u2", Name: "Bob", DeptIDs: []string{"10", "20"}, Active: true},
			},
			"20": {
				{UserID: "u2", Name: "Bob", DeptIDs: []string{"10", "20"}, Active: true},
			},
			"11": {
				{UserID: "u3", Name: "Carol", DeptIDs: []string{"11"}, Active: true},
			},
		},
	}
}

func newTestEngine(api DirectoryAPI, store domain.Store, runs domain.SyncRunRepository) *Engine {
	logger := testLogger()
	gate := NewGate()
	applier := NewApplier(api, store, logger)
	return NewEngine(api, store, runs, gate, applier, NewBroadcaster(), logger, 4, 2)
}

func TestEngineFullSync(t *testing.T) {
	dir := threeLevelDirectory()
	store := newMemStore()
	runs := newMemRuns()
	eng := newTestEngine(dir, store, runs)

	run, err := eng.Start(context.Background(), testApp("1"))
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	runs.waitDone(t)

	got, err := runs.GetByID(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != domain.SyncSucceeded {
		t.Fatalf("expected success, got %s (%s)", got.Status, got.Error)
	}
	if got.FinishedAt == nil {
		t.Fatal("expected FinishedAt to be set")
	}
	if got.Counts.DeptsCreated != 4 {
		t.Errorf("expected 4 departments created, got %d", got.Counts.DeptsCreated)
	}
	if got.Counts.MembersCreated != 3 {
		t.Errorf("expected 3 members created, got %d", got.Counts.MembersCreated)
	}

	if len(store.depts) != 4 {
		t.Errorf("expected 4 departments stored, got %d", len(store.depts))
	}
	if store.depts["11"].ParentRemoteID != "10" {
		t.Errorf("expected department 11 under 10, got parent %q", store.depts["11"].ParentRemoteID)
	}
	m, ok := store.members["u2"]
	if !ok {
		t.Fatal("expected member u2 to be stored")
	}
	if len(m.DeptRemoteIDs) != 2 {
		t.Errorf("expected u2 in 2 departments, got %v", m.DeptRemoteIDs)
	}
	if !m.CreateAccount {
		t.Error("expected account mirroring flag on member upsert")
	}
}

// Every department detail fetch must happen after its parent's fetch,
// across all three levels of the tree.
func TestEngineParentBeforeChild(t *testing.T) {
	dir := threeLevelDirectory()
	store := newMemStore()
	runs := newMemRuns()
	eng := newTestEngine(dir, store, runs)

	if _, err := eng.Start(context.Background(), testApp("1")); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	runs.waitDone(t)

	pos := map[string]int{}
	for i, call := range dir.calls {
		if strings.HasPrefix(call, "dept:") {
			pos[strings.TrimPrefix(call, "dept:")] = i
		}
	}
	for child, parent := range map[string]string{"10": "1", "20": "1", "11": "10"} {
		if pos[child] <= pos[parent] {
			t.Errorf("department %s fetched at %d before its parent %s at %d",
				child, pos[child], parent, pos[parent])
		}
	}
}

func TestEngineMemberPaging(t *testing.T) {
	dir := &fakeDirectory{
		tree:  map[string][]string{},
		depts: map[string]dingtalk.Department{"1": {RemoteID: "1", Name: "Root"}},
		members: map[string][]dingtalk.Member{"1": {
			{UserID: "u1", Name: "A", DeptIDs: []string{"1"}, Active: true},
			{UserID: "u2", Name: "B", DeptIDs: []string{"1"}, Active: true},
			{UserID: "u3", Name: "C", DeptIDs: []string{"1"}, Active: true},
			{UserID: "u4", Name: "D", DeptIDs: []string{"1"}, Active: true},
			{UserID: "u5", Name: "E", DeptIDs: []string{"1"}, Active: true},
		}},
	}
	store := newMemStore()
	runs := newMemRuns()
	eng := newTestEngine(dir, store, runs) // page size 2

	if _, err := eng.Start(context.Background(), testApp("1")); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	runs.waitDone(t)

	if len(store.members) != 5 {
		t.Fatalf("expected 5 members, got %d", len(store.members))
	}
	pages := 0
	for _, call := range dir.calls {
		if strings.HasPrefix(call, "members:1:") {
			pages++
		}
	}
	if pages != 3 {
		t.Errorf("expected 3 member pages for size 2, got %d", pages)
	}
}

// Running the same sync twice against an unchanged remote yields
// all-Unchanged counts the second time.
func TestEngineIdempotent(t *testing.T) {
	dir := threeLevelDirectory()
	store := newMemStore()
	runs := newMemRuns()
	eng := newTestEngine(dir, store, runs)

	if _, err := eng.Start(context.Background(), testApp("1")); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	runs.waitDone(t)

	run2, err := eng.Start(context.Background(), testApp("1"))
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	runs.waitDone(t)

	got, _ := runs.GetByID(context.Background(), run2.ID)
	if got.Counts != (domain.SyncCounts{}) {
		t.Errorf("expected zero counts on repeat sync, got %+v", got.Counts)
	}
}

// Records removed on the remote disappear locally: u3 and department 11
// vanish from the remote between runs.
func TestEngineDeletionPass(t *testing.T) {
	dir := threeLevelDirectory()
	store := newMemStore()
	runs := newMemRuns()
	eng := newTestEngine(dir, store, runs)

	if _, err := eng.Start(context.Background(), testApp("1")); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	runs.waitDone(t)

	dir.mu.Lock()
	dir.tree["10"] = nil
	delete(dir.depts, "11")
	delete(dir.members, "11")
	dir.mu.Unlock()

	run2, err := eng.Start(context.Background(), testApp("1"))
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	runs.waitDone(t)

	got, _ := runs.GetByID(context.Background(), run2.ID)
	if got.Counts.MembersDeleted != 1 {
		t.Errorf("expected 1 member deleted, got %d", got.Counts.MembersDeleted)
	}
	if got.Counts.DeptsDeleted != 1 {
		t.Errorf("expected 1 department deleted, got %d", got.Counts.DeptsDeleted)
	}
	if _, ok := store.members["u3"]; ok {
		t.Error("expected u3 to be removed")
	}
	if _, ok := store.depts["11"]; ok {
		t.Error("expected department 11 to be removed")
	}
}

func TestEngineRejectsConcurrentSync(t *testing.T) {
	dir := threeLevelDirectory()
	store := newMemStore()
	runs := newMemRuns()
	logger := testLogger()
	gate := NewGate()
	eng := NewEngine(dir, store, runs, gate, NewApplier(dir, store, logger), NewBroadcaster(), logger, 4, 100)

	// hold the gate as if a sync were in flight
	if !gate.BeginSync("app-1") {
		t.Fatal("could not claim gate")
	}
	if _, err := eng.Start(context.Background(), testApp("1")); err != ErrSyncRunning {
		t.Fatalf("expected ErrSyncRunning, got %v", err)
	}
}

// Events arriving mid-sync are queued and applied after it finishes.
func TestEngineQueuesEventsDuringSync(t *testing.T) {
	dir := threeLevelDirectory()
	store := newMemStore()
	runs := newMemRuns()
	logger := testLogger()
	gate := NewGate()
	applier := NewApplier(dir, store, logger)
	eng := NewEngine(dir, store, runs, gate, applier, NewBroadcaster(), logger, 4, 100)

	app := testApp("1")
	if !gate.BeginSync(app.AppKey) {
		t.Fatal("could not claim gate")
	}
	ev := &domain.Event{Type: domain.EventUserAdd, AppKey: app.AppKey, UserIDs: []string{"u1"}}
	if err := eng.ApplyEvent(context.Background(), app, ev); err != nil {
		t.Fatalf("ApplyEvent: %v", err)
	}
	if _, ok := store.members["u1"]; ok {
		t.Fatal("event must not apply while sync holds the gate")
	}

	queued := gate.FinishSync(app.AppKey)
	if len(queued) != 1 {
		t.Fatalf("expected 1 queued event, got %d", len(queued))
	}
	if err := applier.Apply(context.Background(), queued[0].app, queued[0].ev); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if _, ok := store.members["u1"]; !ok {
		t.Error("expected queued event to apply after sync")
	}
}

func TestEngineFailsOnMissingRoots(t *testing.T) {
	dir := threeLevelDirectory()
	store := newMemStore()
	runs := newMemRuns()
	eng := newTestEngine(dir, store, runs)

	run, err := eng.Start(context.Background(), testApp())
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	runs.waitDone(t)

	got, _ := runs.GetByID(context.Background(), run.ID)
	if got.Status != domain.SyncFailed {
		t.Fatalf("expected failed run, got %s", got.Status)
	}
	if got.Error == "" {
		t.Error("expected error message on failed run")
	}
}
