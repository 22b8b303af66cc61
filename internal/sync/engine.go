package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/orgbridge/internal/domain"
	"github.com/yourorg/orgbridge/internal/observability/metrics"
)

// ErrSyncRunning is returned when a bulk sync is requested for an
// application that already has one in flight.
var ErrSyncRunning = errors.New("sync already running for application")

// Engine drives full directory reconciliation. It walks the remote
// department tree breadth first with a bounded number of concurrent
// fetches, upserts everything it sees, then deletes whatever the local
// store holds that the walk did not observe.
type Engine struct {
	api         DirectoryAPI
	store       domain.Store
	runs        domain.SyncRunRepository
	gate        *Gate
	applier     *Applier
	broadcaster *Broadcaster
	logger      *slog.Logger

	fanout   int
	pageSize int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewEngine(
	api DirectoryAPI,
	store domain.Store,
	runs domain.SyncRunRepository,
	gate *Gate,
	applier *Applier,
	broadcaster *Broadcaster,
	logger *slog.Logger,
	fanout, pageSize int,
) *Engine {
	if fanout < 1 {
		fanout = 1
	}
	if pageSize < 1 {
		pageSize = 100
	}
	return &Engine{
		api:         api,
		store:       store,
		runs:        runs,
		gate:        gate,
		applier:     applier,
		broadcaster: broadcaster,
		logger:      logger,
		fanout:      fanout,
		pageSize:    pageSize,
		cancels:     map[string]context.CancelFunc{},
	}
}

// Start kicks off a bulk sync for the application and returns the run
// record immediately. The walk itself proceeds in the background,
// detached from the caller's context.
func (e *Engine) Start(ctx context.Context, app *domain.AppConfig) (*domain.SyncRun, error) {
	if !e.gate.BeginSync(app.AppKey) {
		return nil, ErrSyncRunning
	}

	run := &domain.SyncRun{
		ID:        uuid.New().String(),
		AppKey:    app.AppKey,
		Status:    domain.SyncRunning,
		StartedAt: time.Now(),
	}
	if err := e.runs.Create(ctx, run); err != nil {
		e.gate.FinishSync(app.AppKey)
		return nil, fmt.Errorf("failed to create sync run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[run.ID] = cancel
	e.mu.Unlock()

	go e.run(runCtx, app, run)
	return run, nil
}

// Cancel requests cancellation of a running sync. In-flight fetches
// complete; no further tree expansion happens.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.cancels[runID]
	if ok {
		cancel()
	}
	return ok
}

// ApplyEvent routes a callback event through the gate: applied at once
// when no sync is running, queued for replay otherwise.
func (e *Engine) ApplyEvent(ctx context.Context, app *domain.AppConfig, ev *domain.Event) error {
	if !e.gate.Submit(app, ev) {
		e.logger.Info("event queued behind running sync", "app_key", app.AppKey, "type", ev.Type)
		return nil
	}
	return e.applier.Apply(ctx, app, ev)
}

func (e *Engine) run(ctx context.Context, app *domain.AppConfig, run *domain.SyncRun) {
	metrics.SyncRunStarted()
	start := time.Now()

	err := e.execute(ctx, app, run)

	run.Status = domain.SyncSucceeded
	if err != nil {
		run.Status = domain.SyncFailed
		run.Error = err.Error()
		e.logger.Error("sync run failed", "run_id", run.ID, "app_key", app.AppKey, "error", err)
	}
	now := time.Now()
	run.FinishedAt = &now

	finishCtx, cancelFinish := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFinish()
	if ferr := e.runs.Finish(finishCtx, run); ferr != nil {
		e.logger.Error("failed to record sync run result", "run_id", run.ID, "error", ferr)
	}
	metrics.SyncRunFinished(string(run.Status), time.Since(start))

	// replay events that queued up during the run, after the deletion
	// pass so it could not have mistaken their records for stale data
	queued := e.gate.FinishSync(app.AppKey)
	if len(queued) > 0 {
		e.broadcaster.Publish(Progress{RunID: run.ID, Stage: StageReplay, Counts: run.Counts,
			Message: fmt.Sprintf("replaying %d queued events", len(queued))})
		for _, q := range queued {
			if aerr := e.applier.Apply(finishCtx, q.app, q.ev); aerr != nil {
				e.logger.Error("failed to replay queued event",
					"app_key", q.app.AppKey, "type", q.ev.Type, "error", aerr)
			}
		}
	}

	e.broadcaster.Close(Progress{RunID: run.ID, Stage: StageDone, Counts: run.Counts, Message: run.Error})

	e.mu.Lock()
	delete(e.cancels, run.ID)
	e.mu.Unlock()

	e.logger.Info("sync run finished",
		"run_id", run.ID, "app_key", app.AppKey, "status", run.Status,
		"duration", time.Since(start), "counts", run.Counts)
}

type walkState struct {
	mu        sync.Mutex
	seenDepts map[string]struct{}
	seenUsers map[string]struct{}
	next      []string
	counts    *domain.SyncCounts
}

func (w *walkState) recordDept(id string, children []string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seenDepts[id] = struct{}{}
	var fresh []string
	for _, c := range children {
		if _, ok := w.seenDepts[c]; ok {
			continue
		}
		fresh = append(fresh, c)
	}
	w.next = append(w.next, fresh...)
	return fresh
}

func (w *walkState) count(fn func(c *domain.SyncCounts)) {
	w.mu.Lock()
	fn(w.counts)
	w.mu.Unlock()
}

func (e *Engine) execute(ctx context.Context, app *domain.AppConfig, run *domain.SyncRun) error {
	if len(app.SyncRootIDs) == 0 {
		return errors.New("application has no sync roots configured")
	}

	// in-flight requests are allowed to complete on cancellation; only
	// scheduling of new work observes ctx
	fetchCtx := context.WithoutCancel(ctx)

	state := &walkState{
		seenDepts: map[string]struct{}{},
		seenUsers: map[string]struct{}{},
		counts:    &run.Counts,
	}

	frontier := append([]string(nil), app.SyncRootIDs...)
	for depth := 0; len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync cancelled at depth %d: %w", depth, err)
		}

		state.next = nil
		g := new(errgroup.Group)
		g.SetLimit(e.fanout)
		for _, deptID := range frontier {
			if ctx.Err() != nil {
				break
			}
			deptID := deptID
			g.Go(func() error {
				return e.syncDepartment(fetchCtx, app, deptID, state)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync cancelled at depth %d: %w", depth, err)
		}

		e.broadcaster.Publish(Progress{
			RunID:   run.ID,
			Stage:   StageDepartments,
			Message: fmt.Sprintf("depth %d: %d departments", depth, len(frontier)),
			Counts:  run.Counts,
		})
		frontier = state.next
	}

	if err := e.deletionPass(fetchCtx, app, state); err != nil {
		return err
	}
	e.broadcaster.Publish(Progress{RunID: run.ID, Stage: StageDeletions, Counts: run.Counts})
	return nil
}

// syncDepartment upserts one department and all its members, then
// queues its children for the next level. Parents are always persisted
// a full level before their children.
func (e *Engine) syncDepartment(ctx context.Context, app *domain.AppConfig, deptID string, state *walkState) error {
	dept, err := e.api.DepartmentDetail(ctx, app, deptID)
	if err != nil {
		return fmt.Errorf("department %s: %w", deptID, err)
	}
	res, err := e.store.UpsertDepartment(ctx, app.AppKey, domain.DepartmentUpsert{
		RemoteID:       dept.RemoteID,
		ParentRemoteID: dept.ParentID,
		Name:           dept.Name,
		SortOrder:      dept.SortOrder,
	})
	if err != nil {
		return fmt.Errorf("upsert department %s: %w", deptID, err)
	}
	state.count(func(c *domain.SyncCounts) {
		switch res {
		case domain.ResultCreated:
			c.DeptsCreated++
		case domain.ResultUpdated:
			c.DeptsUpdated++
		}
	})

	if err := e.syncMembers(ctx, app, deptID, state); err != nil {
		return err
	}

	children, err := e.api.ListSubDepartmentIDs(ctx, app, deptID)
	if err != nil {
		return fmt.Errorf("children of %s: %w", deptID, err)
	}
	state.recordDept(deptID, children)
	return nil
}

// syncMembers pages through one department's members sequentially;
// concurrency lives at the department level only.
func (e *Engine) syncMembers(ctx context.Context, app *domain.AppConfig, deptID string, state *walkState) error {
	var cursor int64
	for {
		page, err := e.api.DepartmentMembers(ctx, app, deptID, cursor, e.pageSize)
		if err != nil {
			return fmt.Errorf("members of %s: %w", deptID, err)
		}
		for i := range page.Members {
			m := &page.Members[i]

			state.mu.Lock()
			_, seen := state.seenUsers[m.UserID]
			state.seenUsers[m.UserID] = struct{}{}
			state.mu.Unlock()
			if seen {
				// already fully upserted from another of their departments
				continue
			}

			res, err := e.store.UpsertMember(ctx, app.AppKey, memberUpsert(m, app))
			if err != nil {
				return fmt.Errorf("upsert member %s: %w", m.UserID, err)
			}
			state.count(func(c *domain.SyncCounts) {
				switch res {
				case domain.ResultCreated:
					c.MembersCreated++
				case domain.ResultUpdated:
					c.MembersUpdated++
				}
			})
		}
		if !page.HasMore {
			return nil
		}
		cursor = page.NextCursor
	}
}

// deletionPass removes local records the walk never observed, members
// before departments so no department is deleted while it still has
// members attached.
func (e *Engine) deletionPass(ctx context.Context, app *domain.AppConfig, state *walkState) error {
	memberIDs, err := e.store.ListMemberRemoteIDs(ctx, app.AppKey)
	if err != nil {
		return fmt.Errorf("list local members: %w", err)
	}
	for _, uid := range memberIDs {
		if _, ok := state.seenUsers[uid]; ok {
			continue
		}
		removed, err := e.store.DeleteMembership(ctx, app.AppKey, uid, nil)
		if err != nil {
			return fmt.Errorf("delete stale member %s: %w", uid, err)
		}
		if removed {
			state.count(func(c *domain.SyncCounts) { c.MembersDeleted++ })
		}
	}

	deptIDs, err := e.store.ListDepartmentRemoteIDs(ctx, app.AppKey)
	if err != nil {
		return fmt.Errorf("list local departments: %w", err)
	}
	for _, id := range deptIDs {
		if _, ok := state.seenDepts[id]; ok {
			continue
		}
		n, err := e.store.DepartmentMemberCount(ctx, app.AppKey, id)
		if err != nil {
			return fmt.Errorf("member count for %s: %w", id, err)
		}
		if n > 0 {
			// stale department still referenced by live members; leave
			// it for the next run rather than orphan the memberships
			e.logger.Warn("skipping stale department with members",
				"app_key", app.AppKey, "dept_id", id, "members", n, "reason", ErrConsistency)
			continue
		}
		if err := e.store.DeleteDepartment(ctx, app.AppKey, id); err != nil {
			return fmt.Errorf("delete stale department %s: %w", id, err)
		}
		state.count(func(c *domain.SyncCounts) { c.DeptsDeleted++ })
	}
	return nil
}
