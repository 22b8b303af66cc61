package domain

// EventType identifies a remote directory change pushed via callback
type EventType string

const (
	EventCheckURL   EventType = "check_url"
	EventDeptCreate EventType = "org_dept_create"
	EventDeptModify EventType = "org_dept_modify"
	EventDeptRemove EventType = "org_dept_remove"
	EventUserAdd    EventType = "user_add_org"
	EventUserModify EventType = "user_modify_org"
	EventUserLeave  EventType = "user_leave_org"
	EventUserActive EventType = "user_active_org"
)

// Event is a decoded callback notification. Transient: never persisted
// beyond processing.
type Event struct {
	Type    EventType
	AppKey  string
	DeptIDs []string
	UserIDs []string
}
