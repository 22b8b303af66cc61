package domain

import "context"

// UpsertResult reports what an upsert actually did, so sync runs can
// keep accurate created/updated counts and stay verifiably idempotent.
type UpsertResult int

const (
	ResultUnchanged UpsertResult = iota
	ResultCreated
	ResultUpdated
)

// DepartmentUpsert carries the remote department fields mirrored locally.
// ParentRemoteID is empty for root departments.
type DepartmentUpsert struct {
	RemoteID       string
	ParentRemoteID string
	Name           string
	SortOrder      int
}

// MemberUpsert carries the remote member fields mirrored locally.
// DeptRemoteIDs is every department the member belongs to; the first
// entry is the main department on the remote side.
type MemberUpsert struct {
	RemoteUserID  string
	UnionID       string
	Name          string
	Title         string
	Mobile        string
	Email         string
	DeptRemoteIDs []string
	Leader        bool
	Active        bool
	CreateAccount bool // mirror into a login account on the same transaction
}

// Store is the local record store adapter. All operations are keyed by
// remote ID within one application's scope and must be idempotent:
// upserting the same payload twice is Unchanged, deleting an absent
// record is a no-op.
type Store interface {
	UpsertDepartment(ctx context.Context, appKey string, d DepartmentUpsert) (UpsertResult, error)
	DeleteDepartment(ctx context.Context, appKey, remoteID string) error
	DepartmentExists(ctx context.Context, appKey, remoteID string) (bool, error)
	UpsertMember(ctx context.Context, appKey string, m MemberUpsert) (UpsertResult, error)
	// DeleteMembership removes the member's membership in the given
	// departments (nil means all). The member record itself is deleted
	// only when no membership remains; the bool reports that deletion.
	DeleteMembership(ctx context.Context, appKey, remoteUserID string, deptRemoteIDs []string) (bool, error)

	// Listing and counting support for the sync deletion pass and the
	// department-delete consistency check.
	ListDepartmentRemoteIDs(ctx context.Context, appKey string) ([]string, error)
	ListMemberRemoteIDs(ctx context.Context, appKey string) ([]string, error)
	DepartmentMemberCount(ctx context.Context, appKey, deptRemoteID string) (int, error)

	// AccountForRemoteUser resolves a remote user ID to a local account.
	// The bool is false when no mapping exists.
	AccountForRemoteUser(ctx context.Context, remoteUserID string) (string, bool, error)
}
