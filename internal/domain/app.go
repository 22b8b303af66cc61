package domain

import (
	"context"
	"time"
)

// AppConfig is one registered integration with the remote platform,
// scoped to a tenant. A tenant may register several apps.
type AppConfig struct {
	AppKey         string // remote client key, primary reference everywhere
	AppSecret      string
	AgentID        int64 // numeric remote agent ID, used for message push
	TenantID       string
	Name           string
	CallbackToken  string // shared secret for callback signatures
	CallbackAESKey string // 43-char base64 AES key for callback bodies
	SyncRootIDs    []string // remote department IDs the sync starts from
	MirrorAccounts bool     // mirror employees into login accounts
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AppConfigRepository defines data access for application configs
type AppConfigRepository interface {
	GetByKey(ctx context.Context, appKey string) (*AppConfig, error)
	List(ctx context.Context) ([]*AppConfig, error)
	Save(ctx context.Context, app *AppConfig) error
}
