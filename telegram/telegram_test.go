package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edubot/edubot/backoff"
	"github.com/edubot/edubot/dispatch"
	"github.com/edubot/edubot/logger"
)

// botAPI is a minimal fake of the Bot API for one test.
type botAPI struct {
	t       *testing.T
	handler func(method string, body map[string]any) (any, *apiFailure)
	calls   int32
	nextID  int32
}

type apiFailure struct {
	Code        int
	Description string
	RetryAfter  int
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&b.calls, 1)
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	require.Len(b.t, parts, 2)
	require.Equal(b.t, "bottest-token", parts[0])

	var body map[string]any
	require.NoError(b.t, json.NewDecoder(r.Body).Decode(&body))

	result, failure := b.handler(parts[1], body)
	if failure != nil {
		resp := map[string]any{"ok": false, "error_code": failure.Code, "description": failure.Description}
		if failure.Code == 429 {
			resp["parameters"] = map[string]any{"retry_after": failure.RetryAfter}
		}
		json.NewEncoder(w).Encode(resp)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func (b *botAPI) message(chatID int64) Message {
	return Message{MessageID: int(atomic.AddInt32(&b.nextID, 1)), Chat: Chat{ID: chatID}}
}

func newTestClient(t *testing.T, api *botAPI) *Client {
	t.Helper()
	api.t = t
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	d, err := dispatch.New(context.Background(), dispatch.Config{
		MaxRequestsPerSecond: 100,
		ShutdownTimeout:      5 * time.Second,
		Schedule:             backoff.Schedule{MaxAttempts: 3, Initial: 5 * time.Millisecond, Multiplier: 2, Max: 50 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Stop(false) })

	client, err := New(Config{BaseURL: srv.URL, Token: "test-token"}, d, logger.NewTestLogger())
	require.NoError(t, err)
	return client
}

func TestSendMessageTracksLedger(t *testing.T) {
	api := &botAPI{}
	api.handler = func(method string, body map[string]any) (any, *apiFailure) {
		assert.Equal(t, "sendMessage", method)
		assert.Equal(t, "HTML", body["parse_mode"])
		assert.Equal(t, "hello", body["text"])
		return api.message(7), nil
	}
	client := newTestClient(t, api)

	msg, err := client.SendMessage(context.Background(), 7, "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, msg.MessageID)
	assert.Equal(t, []int{1}, client.TrackedMessages(7))
}

func TestSendMessageHonorsFloodLimit(t *testing.T) {
	api := &botAPI{}
	api.handler = func(method string, body map[string]any) (any, *apiFailure) {
		if atomic.LoadInt32(&api.calls) == 1 {
			return nil, &apiFailure{Code: 429, Description: "Too Many Requests", RetryAfter: 0}
		}
		return api.message(7), nil
	}
	client := newTestClient(t, api)

	_, err := client.SendMessage(context.Background(), 7, "hello")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&api.calls))
}

func TestSendMessageFallsBackToPlainText(t *testing.T) {
	api := &botAPI{}
	api.handler = func(method string, body map[string]any) (any, *apiFailure) {
		if _, hasMode := body["parse_mode"]; hasMode {
			return nil, &apiFailure{Code: 400, Description: "Bad Request: can't parse entities"}
		}
		return api.message(7), nil
	}
	client := newTestClient(t, api)

	msg, err := client.SendMessage(context.Background(), 7, "broken <markup")
	require.NoError(t, err)
	assert.Equal(t, 1, msg.MessageID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&api.calls))
}

func TestSendMessagePermanentErrorNotRetried(t *testing.T) {
	api := &botAPI{}
	api.handler = func(method string, body map[string]any) (any, *apiFailure) {
		return nil, &apiFailure{Code: 400, Description: "Bad Request: chat not found"}
	}
	client := newTestClient(t, api)

	_, err := client.SendMessage(context.Background(), 7, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.Equal(t, int32(1), atomic.LoadInt32(&api.calls))
	assert.Empty(t, client.TrackedMessages(7))
}

func TestServerErrorsAreRetried(t *testing.T) {
	api := &botAPI{}
	api.handler = func(method string, body map[string]any) (any, *apiFailure) {
		if atomic.LoadInt32(&api.calls) < 3 {
			return nil, &apiFailure{Code: 502, Description: "Bad Gateway"}
		}
		return api.message(7), nil
	}
	client := newTestClient(t, api)

	_, err := client.SendMessage(context.Background(), 7, "hello")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&api.calls))
}

func TestEditAndDeleteMessage(t *testing.T) {
	api := &botAPI{}
	var methods []string
	api.handler = func(method string, body map[string]any) (any, *apiFailure) {
		methods = append(methods, method)
		switch method {
		case "sendMessage":
			return api.message(7), nil
		case "editMessageText":
			assert.Equal(t, "updated", body["text"])
			return api.message(7), nil
		case "deleteMessage":
			assert.Equal(t, float64(1), body["message_id"])
			return true, nil
		}
		t.Fatalf("unexpected method %s", method)
		return nil, nil
	}
	client := newTestClient(t, api)
	ctx := context.Background()

	msg, err := client.SendMessage(ctx, 7, "original")
	require.NoError(t, err)
	require.NoError(t, client.EditMessageText(ctx, 7, msg.MessageID, "updated"))
	require.NoError(t, client.DeleteMessage(ctx, 7, msg.MessageID))

	assert.Equal(t, []string{"sendMessage", "editMessageText", "deleteMessage"}, methods)
	assert.Empty(t, client.TrackedMessages(7))
}

func TestLedgerCapped(t *testing.T) {
	api := &botAPI{}
	api.handler = func(method string, body map[string]any) (any, *apiFailure) {
		return api.message(7), nil
	}
	client := newTestClient(t, api)
	ctx := context.Background()

	for i := 0; i < ledgerCap+10; i++ {
		_, err := client.SendMessage(ctx, 7, fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}
	tracked := client.TrackedMessages(7)
	assert.Len(t, tracked, ledgerCap)
	// Oldest ids fell off the front.
	assert.Equal(t, 11, tracked[0])
	assert.Equal(t, ledgerCap+10, tracked[len(tracked)-1])
}

func TestCleanChat(t *testing.T) {
	api := &botAPI{}
	var deletedBatches [][]any
	api.handler = func(method string, body map[string]any) (any, *apiFailure) {
		switch method {
		case "sendMessage":
			return api.message(7), nil
		case "deleteMessages":
			deletedBatches = append(deletedBatches, body["message_ids"].([]any))
			return true, nil
		}
		t.Fatalf("unexpected method %s", method)
		return nil, nil
	}
	client := newTestClient(t, api)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.SendMessage(ctx, 7, "m")
		require.NoError(t, err)
	}
	deleted, err := client.CleanChat(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	require.Len(t, deletedBatches, 1)
	assert.Len(t, deletedBatches[0], 3)
	assert.Empty(t, client.TrackedMessages(7))

	// Nothing left to clean.
	deleted, err = client.CleanChat(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", MaxMessageLength))

	long := strings.Repeat("paragraph one\n\n", 400)
	chunks := splitMessage(long, MaxMessageLength)
	assert.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), MaxMessageLength)
		assert.NotEmpty(t, chunk)
	}

	// Unbroken text still splits at the hard limit.
	chunks = splitMessage(strings.Repeat("x", MaxMessageLength*2+10), MaxMessageLength)
	assert.Len(t, chunks, 3)
}

func TestSendLongMessage(t *testing.T) {
	api := &botAPI{}
	api.handler = func(method string, body map[string]any) (any, *apiFailure) {
		return api.message(7), nil
	}
	client := newTestClient(t, api)

	long := strings.Repeat("history lesson line\n", 500)
	sent, err := client.SendLongMessage(context.Background(), 7, long)
	require.NoError(t, err)
	assert.Greater(t, len(sent), 1)
	assert.Equal(t, int(atomic.LoadInt32(&api.calls)), len(sent))
}
