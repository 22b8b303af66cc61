package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/yourorg/orgbridge/internal/domain"
)

// PostgresDirectoryStore implements domain.Store using PostgreSQL. All
// writes are keyed by (app_key, remote id) so multiple applications can
// mirror disjoint directories in the same database.
type PostgresDirectoryStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresDirectoryStore creates a new directory store
func NewPostgresDirectoryStore(db *sql.DB, logger *slog.Logger) *PostgresDirectoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresDirectoryStore{db: db, logger: logger}
}

// UpsertDepartment inserts or updates one department. The WHERE clause
// on the conflict update makes a no-change upsert return no row, which
// is how Unchanged is detected without a prior read.
func (s *PostgresDirectoryStore) UpsertDepartment(ctx context.Context, appKey string, d domain.DepartmentUpsert) (domain.UpsertResult, error) {
	query := `
		INSERT INTO departments (app_key, remote_id, parent_remote_id, name, sort_order)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (app_key, remote_id) DO UPDATE SET
			parent_remote_id = EXCLUDED.parent_remote_id,
			name = EXCLUDED.name,
			sort_order = EXCLUDED.sort_order,
			updated_at = NOW()
		WHERE (departments.parent_remote_id, departments.name, departments.sort_order)
			IS DISTINCT FROM (EXCLUDED.parent_remote_id, EXCLUDED.name, EXCLUDED.sort_order)
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool
	err := s.db.QueryRowContext(ctx, query,
		appKey, d.RemoteID, d.ParentRemoteID, d.Name, d.SortOrder,
	).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ResultUnchanged, nil
	}
	if err != nil {
		return domain.ResultUnchanged, fmt.Errorf("failed to upsert department: %w", err)
	}
	if inserted {
		return domain.ResultCreated, nil
	}
	return domain.ResultUpdated, nil
}

// DeleteDepartment removes one department. Deleting an absent
// department is a no-op.
func (s *PostgresDirectoryStore) DeleteDepartment(ctx context.Context, appKey, remoteID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM departments WHERE app_key = $1 AND remote_id = $2`,
		appKey, remoteID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete department: %w", err)
	}
	return nil
}

// DepartmentExists reports whether a department is locally known
func (s *PostgresDirectoryStore) DepartmentExists(ctx context.Context, appKey, remoteID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM departments WHERE app_key = $1 AND remote_id = $2)`,
		appKey, remoteID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check department: %w", err)
	}
	return exists, nil
}

// UpsertMember inserts or updates one member and reconciles their
// membership rows in the same transaction. When CreateAccount is set a
// login account mapping is created on first sight, also transactionally.
func (s *PostgresDirectoryStore) UpsertMember(ctx context.Context, appKey string, m domain.MemberUpsert) (domain.UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ResultUnchanged, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	memberQuery := `
		INSERT INTO members (app_key, remote_user_id, union_id, name, title, mobile, email, leader, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (app_key, remote_user_id) DO UPDATE SET
			union_id = EXCLUDED.union_id,
			name = EXCLUDED.name,
			title = EXCLUDED.title,
			mobile = EXCLUDED.mobile,
			email = EXCLUDED.email,
			leader = EXCLUDED.leader,
			active = EXCLUDED.active,
			updated_at = NOW()
		WHERE (members.union_id, members.name, members.title, members.mobile,
		       members.email, members.leader, members.active)
			IS DISTINCT FROM (EXCLUDED.union_id, EXCLUDED.name, EXCLUDED.title,
			EXCLUDED.mobile, EXCLUDED.email, EXCLUDED.leader, EXCLUDED.active)
		RETURNING (xmax = 0) AS inserted
	`

	result := domain.ResultUnchanged
	var inserted bool
	err = tx.QueryRowContext(ctx, memberQuery,
		appKey, m.RemoteUserID, m.UnionID, m.Name, m.Title, m.Mobile, m.Email, m.Leader, m.Active,
	).Scan(&inserted)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return domain.ResultUnchanged, fmt.Errorf("failed to upsert member: %w", err)
	case inserted:
		result = domain.ResultCreated
	default:
		result = domain.ResultUpdated
	}

	changed, err := s.reconcileMemberships(ctx, tx, appKey, m.RemoteUserID, m.DeptRemoteIDs)
	if err != nil {
		return domain.ResultUnchanged, err
	}
	if changed && result == domain.ResultUnchanged {
		result = domain.ResultUpdated
	}

	if m.CreateAccount {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO account_mappings (remote_user_id, union_id, account_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (remote_user_id) DO UPDATE SET union_id = EXCLUDED.union_id
		`, m.RemoteUserID, m.UnionID, uuid.New().String())
		if err != nil {
			return domain.ResultUnchanged, fmt.Errorf("failed to ensure account mapping: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.ResultUnchanged, fmt.Errorf("failed to commit member upsert: %w", err)
	}
	return result, nil
}

// reconcileMemberships makes the member_departments rows match the
// given department list exactly, preserving remote ordering.
func (s *PostgresDirectoryStore) reconcileMemberships(ctx context.Context, tx *sql.Tx, appKey, remoteUserID string, deptIDs []string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM member_departments
		WHERE app_key = $1 AND remote_user_id = $2
			AND dept_remote_id <> ALL($3)
	`, appKey, remoteUserID, pq.Array(deptIDs))
	if err != nil {
		return false, fmt.Errorf("failed to remove stale memberships: %w", err)
	}
	removed, _ := res.RowsAffected()

	var added int64
	for pos, deptID := range deptIDs {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO member_departments (app_key, remote_user_id, dept_remote_id, position)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (app_key, remote_user_id, dept_remote_id) DO UPDATE SET
				position = EXCLUDED.position
			WHERE member_departments.position IS DISTINCT FROM EXCLUDED.position
		`, appKey, remoteUserID, deptID, pos)
		if err != nil {
			return false, fmt.Errorf("failed to add membership: %w", err)
		}
		n, _ := res.RowsAffected()
		added += n
	}
	return removed > 0 || added > 0, nil
}

// DeleteMembership removes the member's membership in the given
// departments, or all of them when deptRemoteIDs is nil. The member row
// goes away once no membership remains; the returned bool reports that.
func (s *PostgresDirectoryStore) DeleteMembership(ctx context.Context, appKey, remoteUserID string, deptRemoteIDs []string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if deptRemoteIDs == nil {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM member_departments WHERE app_key = $1 AND remote_user_id = $2`,
			appKey, remoteUserID)
	} else {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM member_departments
			WHERE app_key = $1 AND remote_user_id = $2 AND dept_remote_id = ANY($3)
		`, appKey, remoteUserID, pq.Array(deptRemoteIDs))
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete memberships: %w", err)
	}

	var remaining int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM member_departments WHERE app_key = $1 AND remote_user_id = $2`,
		appKey, remoteUserID,
	).Scan(&remaining)
	if err != nil {
		return false, fmt.Errorf("failed to count memberships: %w", err)
	}

	memberDeleted := false
	if remaining == 0 {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM members WHERE app_key = $1 AND remote_user_id = $2`,
			appKey, remoteUserID)
		if err != nil {
			return false, fmt.Errorf("failed to delete member: %w", err)
		}
		n, _ := res.RowsAffected()
		memberDeleted = n > 0
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit membership delete: %w", err)
	}
	return memberDeleted, nil
}

// ListDepartmentRemoteIDs returns every locally known department ID for
// the application.
func (s *PostgresDirectoryStore) ListDepartmentRemoteIDs(ctx context.Context, appKey string) ([]string, error) {
	return s.listIDs(ctx,
		`SELECT remote_id FROM departments WHERE app_key = $1 ORDER BY remote_id`, appKey)
}

// ListMemberRemoteIDs returns every locally known member ID for the
// application.
func (s *PostgresDirectoryStore) ListMemberRemoteIDs(ctx context.Context, appKey string) ([]string, error) {
	return s.listIDs(ctx,
		`SELECT remote_user_id FROM members WHERE app_key = $1 ORDER BY remote_user_id`, appKey)
}

func (s *PostgresDirectoryStore) listIDs(ctx context.Context, query, appKey string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, appKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DepartmentMemberCount counts members still attached to a department
func (s *PostgresDirectoryStore) DepartmentMemberCount(ctx context.Context, appKey, deptRemoteID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM member_departments WHERE app_key = $1 AND dept_remote_id = $2`,
		appKey, deptRemoteID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count department members: %w", err)
	}
	return n, nil
}

// AccountForRemoteUser resolves a remote user or union ID to the local
// account. The bool is false when no mapping exists.
func (s *PostgresDirectoryStore) AccountForRemoteUser(ctx context.Context, remoteUserID string) (string, bool, error) {
	var accountID string
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id FROM account_mappings
		WHERE remote_user_id = $1 OR union_id = $1
		LIMIT 1
	`, remoteUserID).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve account: %w", err)
	}
	return accountID, true, nil
}
