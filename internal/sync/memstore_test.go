package sync

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"

	"github.com/yourorg/orgbridge/internal/dingtalk"
	"github.com/yourorg/orgbridge/internal/domain"
)

// memStore is an in-memory domain.Store used across the engine and
// applier tests.
type memStore struct {
	mu      sync.Mutex
	depts   map[string]domain.DepartmentUpsert
	members map[string]domain.MemberUpsert
}

func newMemStore() *memStore {
	return &memStore{
		depts:   map[string]domain.DepartmentUpsert{},
		members: map[string]domain.MemberUpsert{},
	}
}

func (s *memStore) UpsertDepartment(_ context.Context, _ string, d domain.DepartmentUpsert) (domain.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.depts[d.RemoteID]
	s.depts[d.RemoteID] = d
	if !ok {
		return domain.ResultCreated, nil
	}
	if prev == d {
		return domain.ResultUnchanged, nil
	}
	return domain.ResultUpdated, nil
}

func (s *memStore) DeleteDepartment(_ context.Context, _ string, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.depts, remoteID)
	return nil
}

func (s *memStore) DepartmentExists(_ context.Context, _ string, remoteID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.depts[remoteID]
	return ok, nil
}

func (s *memStore) UpsertMember(_ context.Context, _ string, m domain.MemberUpsert) (domain.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.members[m.RemoteUserID]
	s.members[m.RemoteUserID] = m
	if !ok {
		return domain.ResultCreated, nil
	}
	if equalMembers(prev, m) {
		return domain.ResultUnchanged, nil
	}
	return domain.ResultUpdated, nil
}

func (s *memStore) DeleteMembership(_ context.Context, _ string, remoteUserID string, deptRemoteIDs []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[remoteUserID]
	if !ok {
		return false, nil
	}
	if deptRemoteIDs == nil {
		delete(s.members, remoteUserID)
		return true, nil
	}
	drop := map[string]struct{}{}
	for _, id := range deptRemoteIDs {
		drop[id] = struct{}{}
	}
	var remaining []string
	for _, id := range m.DeptRemoteIDs {
		if _, gone := drop[id]; !gone {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		delete(s.members, remoteUserID)
		return true, nil
	}
	m.DeptRemoteIDs = remaining
	s.members[remoteUserID] = m
	return false, nil
}

func (s *memStore) ListDepartmentRemoteIDs(context.Context, string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.depts))
	for id := range s.depts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memStore) ListMemberRemoteIDs(context.Context, string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memStore) DepartmentMemberCount(_ context.Context, _ string, deptRemoteID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.members {
		for _, id := range m.DeptRemoteIDs {
			if id == deptRemoteID {
				n++
				break
			}
		}
	}
	return n, nil
}

func (s *memStore) AccountForRemoteUser(context.Context, string) (string, bool, error) {
	return "", false, nil
}

func equalMembers(a, b domain.MemberUpsert) bool {
	return reflect.DeepEqual(a, b)
}

// fakeDirectory serves a fixed department tree and membership map, and
// records the order departments were upserted relative to their parents
// via the call log.
type fakeDirectory struct {
	mu      sync.Mutex
	tree    map[string][]string          // parent -> children
	depts   map[string]dingtalk.Department
	members map[string][]dingtalk.Member // dept -> members
	calls   []string
}

func (f *fakeDirectory) log(format string, args ...any) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

func (f *fakeDirectory) ListSubDepartmentIDs(_ context.Context, _ *domain.AppConfig, parentID string) ([]string, error) {
	f.log("children:%s", parentID)
	return f.tree[parentID], nil
}

func (f *fakeDirectory) DepartmentDetail(_ context.Context, _ *domain.AppConfig, deptID string) (*dingtalk.Department, error) {
	f.log("dept:%s", deptID)
	d, ok := f.depts[deptID]
	if !ok {
		return nil, fmt.Errorf("no such department %s", deptID)
	}
	return &d, nil
}

func (f *fakeDirectory) DepartmentMembers(_ context.Context, _ *domain.AppConfig, deptID string, cursor int64, size int) (*dingtalk.MemberPage, error) {
	f.log("members:%s:%d", deptID, cursor)
	all := f.members[deptID]
	start := int(cursor)
	if start >= len(all) {
		return &dingtalk.MemberPage{}, nil
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	return &dingtalk.MemberPage{
		Members:    all[start:end],
		HasMore:    end < len(all),
		NextCursor: int64(end),
	}, nil
}

func (f *fakeDirectory) MemberDetail(_ context.Context, _ *domain.AppConfig, userID string) (*dingtalk.Member, error) {
	f.log("member:%s", userID)
	for _, ms := range f.members {
		for _, m := range ms {
			if m.UserID == userID {
				return &m, nil
			}
		}
	}
	return nil, fmt.Errorf("no such member %s", userID)
}

func TestMemStoreMemberUpsertResults(t *testing.T) {
	s := newMemStore()
	m := domain.MemberUpsert{
		RemoteUserID:  "u1",
		Name:          "Alice",
		DeptRemoteIDs: []string{"10", "20"},
	}

	if got, _ := s.UpsertMember(context.Background(), "app-1", m); got != domain.ResultCreated {
		t.Fatalf("first upsert: expected Created, got %v", got)
	}
	if got, _ := s.UpsertMember(context.Background(), "app-1", m); got != domain.ResultUnchanged {
		t.Fatalf("identical upsert: expected Unchanged, got %v", got)
	}

	m.DeptRemoteIDs = []string{"10"}
	if got, _ := s.UpsertMember(context.Background(), "app-1", m); got != domain.ResultUpdated {
		t.Fatalf("membership change: expected Updated, got %v", got)
	}

	m.Title = "Lead"
	if got, _ := s.UpsertMember(context.Background(), "app-1", m); got != domain.ResultUpdated {
		t.Fatalf("field change: expected Updated, got %v", got)
	}
}
