package callback

import (
	"encoding/json"
	"fmt"

	"github.com/yourorg/orgbridge/internal/domain"
)

// eventPayload is the decrypted callback JSON. Department IDs arrive as
// numbers, user IDs as strings.
type eventPayload struct {
	EventType string        `json:"EventType"`
	DeptID    []json.Number `json:"DeptId"`
	UserID    []string      `json:"UserId"`
}

// DecodeEvent parses a decrypted callback payload into an Event
func DecodeEvent(payload []byte, appKey string) (*domain.Event, error) {
	var p eventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("callback: decode event: %w", err)
	}
	if p.EventType == "" {
		return nil, fmt.Errorf("callback: event type missing")
	}

	ev := &domain.Event{
		Type:   domain.EventType(p.EventType),
		AppKey: appKey,
	}
	for _, id := range p.DeptID {
		ev.DeptIDs = append(ev.DeptIDs, id.String())
	}
	ev.UserIDs = append(ev.UserIDs, p.UserID...)
	return ev, nil
}

// Decode runs the full inbound pipeline for one request: signature
// check first, then decryption, then event decoding.
func (c *Codec) Decode(signature, timestamp, nonce, encrypted, appKey string) (*domain.Event, error) {
	if err := c.Verify(signature, timestamp, nonce, encrypted); err != nil {
		return nil, err
	}
	payload, err := c.Decrypt(encrypted)
	if err != nil {
		return nil, err
	}
	return DecodeEvent(payload, appKey)
}
