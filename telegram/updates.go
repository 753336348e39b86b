package telegram

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Update is one item from getUpdates.
type Update struct {
	UpdateID int              `json:"update_id"`
	Message  *IncomingMessage `json:"message"`
}

// IncomingMessage is a user message delivered through long polling.
type IncomingMessage struct {
	MessageID int    `json:"message_id"`
	From      User   `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// User identifies the sender of a message.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

type getUpdatesRequest struct {
	Offset  int `json:"offset,omitempty"`
	Timeout int `json:"timeout,omitempty"`
}

// GetUpdates long-polls for incoming updates. It bypasses the
// dispatcher on purpose: a poll can hold the connection for timeout
// seconds and must not block outbound sends behind it. Only outbound
// calls count against the flood limit.
func (c *Client) GetUpdates(ctx context.Context, offset, timeoutSeconds int) ([]Update, error) {
	raw, err := c.invoke(ctx, "getUpdates", getUpdatesRequest{Offset: offset, Timeout: timeoutSeconds})
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, errors.Wrap(err, "decoding updates")
	}
	return updates, nil
}
