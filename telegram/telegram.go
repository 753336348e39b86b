// Package telegram is the chat-platform transport. All API calls are
// serialized through a Dispatcher so the bot stays under the platform's
// flood limits, and the server's retry_after pauses are honored.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/edubot/edubot/backoff"
	"github.com/edubot/edubot/dispatch"
	"github.com/edubot/edubot/logger"
)

const (
	// DefaultBaseURL is the public Bot API endpoint.
	DefaultBaseURL = "https://api.telegram.org"

	// MaxMessageLength is the platform limit for one message.
	MaxMessageLength = 4096

	defaultTimeout = 30 * time.Second
)

// Config configures the transport.
type Config struct {
	BaseURL string
	Token   string
	// ParseMode is applied to outgoing text, "HTML" when empty.
	ParseMode string
	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
}

// Client calls the Bot API through a Dispatcher.
type Client struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	http       *http.Client
	log        logger.Logger
	ledger     *ledger
}

// New returns a Client over the given dispatcher.
func New(cfg Config, d *dispatch.Dispatcher, log logger.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "HTML"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		cfg:        cfg,
		dispatcher: d,
		http:       httpClient,
		log:        log.WithPrefix("telegram"),
		ledger:     newLedger(),
	}, nil
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// call submits one Bot API method through the dispatcher and decodes
// the result into out when it is non-nil.
func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	raw, err := c.dispatcher.Submit(ctx, func(ctx context.Context) (any, error) {
		return c.invoke(ctx, method, payload)
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw.(json.RawMessage), out); err != nil {
		return errors.Wrapf(err, "decoding %s result", method)
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s request", method)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.cfg.BaseURL, c.cfg.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, "building %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, backoff.MarkTransient(errors.Wrapf(err, "calling %s", method))
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, backoff.MarkTransient(errors.Wrapf(err, "reading %s response", method))
	}

	var api apiResponse
	if err := json.Unmarshal(buf, &api); err != nil {
		if resp.StatusCode >= 500 {
			return nil, backoff.MarkTransient(errors.Newf("%s: %s", method, resp.Status))
		}
		return nil, errors.Wrapf(err, "decoding %s response", method)
	}
	if !api.OK {
		return nil, c.apiError(method, &api)
	}
	return api.Result, nil
}

// apiError maps Bot API failures onto the retry taxonomy. 429 carries
// the flood-control pause in parameters.retry_after.
func (c *Client) apiError(method string, api *apiResponse) error {
	switch {
	case api.ErrorCode == http.StatusTooManyRequests:
		pause := time.Second
		if api.Parameters != nil {
			pause = time.Duration(api.Parameters.RetryAfter) * time.Second
		}
		c.log.Warn("%s flood limited, pausing %s", method, pause)
		return backoff.RateLimited(pause)
	case api.ErrorCode >= 500:
		return backoff.MarkTransient(errors.Newf("%s: %s (%d)", method, api.Description, api.ErrorCode))
	default:
		return errors.Newf("%s: %s (%d)", method, api.Description, api.ErrorCode)
	}
}
