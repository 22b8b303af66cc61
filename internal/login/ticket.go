package login

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yourorg/orgbridge/internal/infrastructure/redis"
)

// State is the lifecycle position of one QR login ticket
type State string

const (
	StateIssued    State = "issued"
	StateScanned   State = "scanned"
	StateConfirmed State = "confirmed"
	StateCancelled State = "cancelled"
)

// ErrTicketExpired covers both tickets that aged out of the store and
// tickets that never existed; callers cannot tell the two apart.
var ErrTicketExpired = errors.New("login ticket expired or unknown")

// Ticket is one in-flight QR login attempt. It lives only in the
// ticket store and disappears when its TTL lapses.
type Ticket struct {
	ID        string    `json:"id"`
	AppKey    string    `json:"app_key"`
	State     State     `json:"state"`
	AccountID string    `json:"account_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	// SessionToken is set once the ticket confirms and is handed out
	// exactly once, by the poll that observes the confirmed state.
	SessionToken     string    `json:"session_token,omitempty"`
	SessionExpiresAt time.Time `json:"session_expires_at,omitzero"`
}

// TicketStore holds login tickets with automatic expiry
type TicketStore interface {
	Put(ctx context.Context, t *Ticket, ttl time.Duration) error
	// Get returns ErrTicketExpired for missing or expired tickets
	Get(ctx context.Context, id string) (*Ticket, error)
	Delete(ctx context.Context, id string) error
}

const ticketKeyPrefix = "login:ticket:"

// RedisTicketStore keeps tickets in Redis so expiry needs no sweeper
// and every server instance sees the same state.
type RedisTicketStore struct {
	client *redis.Client
}

func NewRedisTicketStore(client *redis.Client) *RedisTicketStore {
	return &RedisTicketStore{client: client}
}

func (s *RedisTicketStore) Put(ctx context.Context, t *Ticket, ttl time.Duration) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode ticket: %w", err)
	}
	return s.client.Set(ctx, ticketKeyPrefix+t.ID, data, ttl)
}

func (s *RedisTicketStore) Get(ctx context.Context, id string) (*Ticket, error) {
	data, err := s.client.Get(ctx, ticketKeyPrefix+id)
	if errors.Is(err, redis.ErrNotFound) {
		return nil, ErrTicketExpired
	}
	if err != nil {
		return nil, err
	}
	var t Ticket
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode ticket: %w", err)
	}
	return &t, nil
}

func (s *RedisTicketStore) Delete(ctx context.Context, id string) error {
	return s.client.Delete(ctx, ticketKeyPrefix+id)
}
