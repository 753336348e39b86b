package telegram

import (
	"context"
	"strings"
)

// Message is the subset of the Bot API message object the bot uses.
type Message struct {
	MessageID int   `json:"message_id"`
	Chat      Chat  `json:"chat"`
	Date      int64 `json:"date"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type editMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int    `json:"message_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type deleteMessageRequest struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
}

type deleteMessagesRequest struct {
	ChatID     int64 `json:"chat_id"`
	MessageIDs []int `json:"message_ids"`
}

// SendMessage sends text to a chat and records the new message id in
// the cleanup ledger. When the platform rejects the markup the text is
// resent without a parse mode rather than losing the message.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (Message, error) {
	msg, err := c.sendWithMode(ctx, chatID, text, c.cfg.ParseMode)
	if err != nil && c.cfg.ParseMode != "" && strings.Contains(err.Error(), "can't parse entities") {
		c.log.Warn("markup rejected for chat %d, resending as plain text", chatID)
		msg, err = c.sendWithMode(ctx, chatID, text, "")
	}
	if err != nil {
		return Message{}, err
	}
	c.ledger.track(chatID, msg.MessageID)
	return msg, nil
}

func (c *Client) sendWithMode(ctx context.Context, chatID int64, text, mode string) (Message, error) {
	var msg Message
	err := c.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             mode,
		DisableWebPagePreview: true,
	}, &msg)
	return msg, err
}

// SendLongMessage splits text over the platform's length limit into
// several messages, preferring paragraph then line boundaries.
func (c *Client) SendLongMessage(ctx context.Context, chatID int64, text string) ([]Message, error) {
	var sent []Message
	for _, chunk := range splitMessage(text, MaxMessageLength) {
		msg, err := c.SendMessage(ctx, chatID, chunk)
		if err != nil {
			return sent, err
		}
		sent = append(sent, msg)
	}
	return sent, nil
}

// EditMessageText replaces the text of a previously sent message.
func (c *Client) EditMessageText(ctx context.Context, chatID int64, messageID int, text string) error {
	return c.call(ctx, "editMessageText", editMessageRequest{
		ChatID:    chatID,
		MessageID: messageID,
		Text:      text,
		ParseMode: c.cfg.ParseMode,
	}, nil)
}

// DeleteMessage removes one message and drops it from the ledger.
func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := c.call(ctx, "deleteMessage", deleteMessageRequest{ChatID: chatID, MessageID: messageID}, nil); err != nil {
		return err
	}
	c.ledger.forget(chatID, messageID)
	return nil
}

// CleanChat deletes every tracked bot message in the chat using the
// bulk delete endpoint and reports how many were removed. Failures on
// one batch do not abort the rest; already-deleted messages are fine.
func (c *Client) CleanChat(ctx context.Context, chatID int64) (int, error) {
	ids := c.ledger.drain(chatID)
	if len(ids) == 0 {
		return 0, nil
	}
	deleted := 0
	var lastErr error
	for start := 0; start < len(ids); start += ledgerCap {
		end := min(start+ledgerCap, len(ids))
		batch := ids[start:end]
		var ok bool
		if err := c.call(ctx, "deleteMessages", deleteMessagesRequest{ChatID: chatID, MessageIDs: batch}, &ok); err != nil {
			c.log.Warn("bulk delete of %d messages in chat %d failed: %s", len(batch), chatID, err)
			lastErr = err
			continue
		}
		if ok {
			deleted += len(batch)
		}
	}
	c.log.Info("cleaned chat %d, deleted %d of %d messages", chatID, deleted, len(ids))
	return deleted, lastErr
}

// TrackedMessages returns the ids the ledger currently holds for a
// chat, oldest first.
func (c *Client) TrackedMessages(chatID int64) []int {
	return c.ledger.tracked(chatID)
}

// splitMessage cuts text into chunks of at most limit bytes, breaking
// at paragraph or line boundaries when one is available in the tail of
// the window.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		window := text[:limit]
		if i := strings.LastIndex(window, "\n\n"); i > limit/2 {
			cut = i
		} else if i := strings.LastIndex(window, "\n"); i > limit/2 {
			cut = i
		} else if i := strings.LastIndex(window, " "); i > limit/2 {
			cut = i
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n "))
		text = strings.TrimLeft(text[cut:], "\n ")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
