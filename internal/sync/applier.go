package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yourorg/orgbridge/internal/dingtalk"
	"github.com/yourorg/orgbridge/internal/domain"
	"github.com/yourorg/orgbridge/internal/observability/metrics"
)

// DirectoryAPI is the slice of the remote client the sync layer needs
type DirectoryAPI interface {
	ListSubDepartmentIDs(ctx context.Context, app *domain.AppConfig, parentID string) ([]string, error)
	DepartmentDetail(ctx context.Context, app *domain.AppConfig, deptID string) (*dingtalk.Department, error)
	DepartmentMembers(ctx context.Context, app *domain.AppConfig, deptID string, cursor int64, size int) (*dingtalk.MemberPage, error)
	MemberDetail(ctx context.Context, app *domain.AppConfig, userID string) (*dingtalk.Member, error)
}

// ErrConsistency marks an event that cannot be applied yet because the
// local directory would be left inconsistent. Such events are logged
// and deferred to the next bulk sync rather than failed.
var ErrConsistency = errors.New("directory state inconsistent")

// Applier turns individual callback events into local directory
// mutations. Every operation is idempotent so replayed or duplicated
// events converge to the same state.
type Applier struct {
	api    DirectoryAPI
	store  domain.Store
	logger *slog.Logger
}

func NewApplier(api DirectoryAPI, store domain.Store, logger *slog.Logger) *Applier {
	return &Applier{api: api, store: store, logger: logger}
}

// Apply executes one event against the local store
func (a *Applier) Apply(ctx context.Context, app *domain.AppConfig, ev *domain.Event) error {
	err := a.apply(ctx, app, ev)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ObserveCallbackEvent(string(ev.Type), result)
	return err
}

func (a *Applier) apply(ctx context.Context, app *domain.AppConfig, ev *domain.Event) error {
	switch ev.Type {
	case domain.EventCheckURL:
		return nil
	case domain.EventDeptCreate, domain.EventDeptModify:
		return a.upsertDepartments(ctx, app, ev.DeptIDs)
	case domain.EventDeptRemove:
		return a.removeDepartments(ctx, app, ev.DeptIDs)
	case domain.EventUserAdd, domain.EventUserModify, domain.EventUserActive:
		return a.upsertMembers(ctx, app, ev.UserIDs)
	case domain.EventUserLeave:
		return a.removeMemberships(ctx, app, ev.UserIDs, ev.DeptIDs)
	default:
		a.logger.Warn("ignoring unknown event type", "type", ev.Type, "app_key", app.AppKey)
		return nil
	}
}

func (a *Applier) upsertDepartments(ctx context.Context, app *domain.AppConfig, deptIDs []string) error {
	for _, id := range deptIDs {
		if err := a.ensureDepartment(ctx, app, id, map[string]struct{}{}); err != nil {
			return err
		}
	}
	return nil
}

// ensureDepartment upserts one department, backfilling unknown parents
// first so events arriving out of order never leave a dangling parent
// reference.
func (a *Applier) ensureDepartment(ctx context.Context, app *domain.AppConfig, deptID string, visiting map[string]struct{}) error {
	if _, seen := visiting[deptID]; seen {
		return nil
	}
	visiting[deptID] = struct{}{}

	dept, err := a.api.DepartmentDetail(ctx, app, deptID)
	if err != nil {
		return fmt.Errorf("department %s: %w", deptID, err)
	}
	if dept.ParentID != "" {
		known, err := a.store.DepartmentExists(ctx, app.AppKey, dept.ParentID)
		if err != nil {
			return fmt.Errorf("check parent of %s: %w", deptID, err)
		}
		if !known {
			if err := a.ensureDepartment(ctx, app, dept.ParentID, visiting); err != nil {
				return err
			}
		}
	}

	res, err := a.store.UpsertDepartment(ctx, app.AppKey, domain.DepartmentUpsert{
		RemoteID:       dept.RemoteID,
		ParentRemoteID: dept.ParentID,
		Name:           dept.Name,
		SortOrder:      dept.SortOrder,
	})
	if err != nil {
		return fmt.Errorf("upsert department %s: %w", deptID, err)
	}
	a.logger.Info("applied department event", "app_key", app.AppKey, "dept_id", deptID, "result", res)
	return nil
}

func (a *Applier) removeDepartments(ctx context.Context, app *domain.AppConfig, deptIDs []string) error {
	for _, id := range deptIDs {
		n, err := a.store.DepartmentMemberCount(ctx, app.AppKey, id)
		if err != nil {
			return fmt.Errorf("member count for %s: %w", id, err)
		}
		if n > 0 {
			// deferred to the next bulk sync, which removes members first
			a.logger.Warn("deferring department removal",
				"app_key", app.AppKey, "dept_id", id, "members", n, "reason", ErrConsistency)
			continue
		}
		if err := a.store.DeleteDepartment(ctx, app.AppKey, id); err != nil {
			return fmt.Errorf("delete department %s: %w", id, err)
		}
		a.logger.Info("removed department", "app_key", app.AppKey, "dept_id", id)
	}
	return nil
}

func (a *Applier) upsertMembers(ctx context.Context, app *domain.AppConfig, userIDs []string) error {
	for _, uid := range userIDs {
		member, err := a.api.MemberDetail(ctx, app, uid)
		if err != nil {
			return fmt.Errorf("member %s: %w", uid, err)
		}
		res, err := a.store.UpsertMember(ctx, app.AppKey, memberUpsert(member, app))
		if err != nil {
			return fmt.Errorf("upsert member %s: %w", uid, err)
		}
		a.logger.Info("applied member event", "app_key", app.AppKey, "user_id", uid, "result", res)
	}
	return nil
}

func (a *Applier) removeMemberships(ctx context.Context, app *domain.AppConfig, userIDs, deptIDs []string) error {
	for _, uid := range userIDs {
		removed, err := a.store.DeleteMembership(ctx, app.AppKey, uid, deptIDs)
		if err != nil {
			return fmt.Errorf("remove membership %s: %w", uid, err)
		}
		a.logger.Info("applied leave event", "app_key", app.AppKey, "user_id", uid, "member_deleted", removed)
	}
	return nil
}

func memberUpsert(m *dingtalk.Member, app *domain.AppConfig) domain.MemberUpsert {
	return domain.MemberUpsert{
		RemoteUserID:  m.UserID,
		UnionID:       m.UnionID,
		Name:          m.Name,
		Title:         m.Title,
		Mobile:        m.Mobile,
		Email:         m.Email,
		DeptRemoteIDs: m.DeptIDs,
		Leader:        m.Leader,
		Active:        m.Active,
		CreateAccount: app.MirrorAccounts,
	}
}
