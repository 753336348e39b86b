// Package genai is the client for the hosted text-generation service.
// Every request goes through the gateway: identical prompts are served
// from the cache, misses are rate limited and retried by the dispatcher.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/edubot/edubot/backoff"
	"github.com/edubot/edubot/gateway"
	"github.com/edubot/edubot/logger"
)

const (
	// DefaultModel is requested when Config.Model is empty.
	DefaultModel = "edu-flash-2"

	// DefaultCacheTTL keeps generated answers for a day. Historical
	// content does not go stale faster than that.
	DefaultCacheTTL = 24 * time.Hour

	defaultTimeout = 60 * time.Second
)

// Config configures the generation client.
type Config struct {
	BaseURL string
	Token   string
	// Model selects the generation model, DefaultModel when empty.
	Model string
	// Subject scopes topic checks and quizzes, e.g. "Russian history".
	Subject string
	// CacheTTL overrides DefaultCacheTTL when positive.
	CacheTTL time.Duration
	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
}

// Client calls the generation service through a Gateway.
type Client struct {
	cfg     Config
	gateway *gateway.Gateway
	http    *http.Client
	log     logger.Logger
	ttl     time.Duration
}

// New returns a Client. The gateway's dispatcher must be configured with
// the service's rate limit.
func New(cfg Config, gw *gateway.Gateway, log logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("genai: base URL is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Subject == "" {
		cfg.Subject = "Russian history"
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		cfg:     cfg,
		gateway: gw,
		http:    httpClient,
		log:     log.WithPrefix("genai"),
		ttl:     ttl,
	}, nil
}

// Request holds the generation parameters. Prompt, SystemPrompt,
// MaxTokens and Temperature all participate in the cache key.
type Request struct {
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// Result is a generated completion.
type Result struct {
	Text  string `json:"text" msgpack:"text"`
	Model string `json:"model" msgpack:"model"`
}

type wireRequest struct {
	Model        string  `json:"model"`
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"top_p"`
	TopK         int     `json:"top_k"`
}

type wireResponse struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Error string `json:"error"`
}

// Generate runs a completion through the gateway. Identical requests
// within the TTL are served from the cache without touching the service.
func (c *Client) Generate(ctx context.Context, req Request) (Result, error) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = 1024
	}
	key := gateway.Fingerprint("gen",
		req.Prompt,
		req.SystemPrompt,
		strconv.Itoa(req.MaxTokens),
		strconv.FormatFloat(req.Temperature, 'f', 2, 64),
	)
	return gateway.GetOrComputeTyped(ctx, c.gateway, key, c.ttl, func(ctx context.Context) (Result, error) {
		return c.generate(ctx, req)
	})
}

func (c *Client) generate(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(wireRequest{
		Model:        c.cfg.Model,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		TopP:         0.95,
		TopK:         40,
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "encoding generate request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return Result{}, errors.Wrap(err, "building generate request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		// Connection level failures are worth a retry.
		return Result{}, backoff.MarkTransient(errors.Wrap(err, "calling generation service"))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, backoff.MarkTransient(errors.Wrap(err, "reading generation response"))
	}

	if err := classifyStatus(resp, payload); err != nil {
		return Result{}, err
	}

	var wire wireResponse
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Result{}, errors.Wrap(err, "decoding generation response")
	}
	c.log.Debug("completion in %s (%d prompt bytes)", time.Since(start).Round(time.Millisecond), len(req.Prompt))
	return Result{Text: wire.Text, Model: wire.Model}, nil
}

// classifyStatus maps HTTP status codes onto the retry taxonomy: 429
// carries the server's pause, 5xx is retryable, anything else 4xx is
// a caller bug and fails immediately.
func classifyStatus(resp *http.Response, payload []byte) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return backoff.RateLimited(parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return backoff.MarkTransient(errors.Newf("generation service unavailable: %s", snippet(resp, payload)))
	default:
		return errors.Newf("generation request rejected: %s", snippet(resp, payload))
	}
}

func parseRetryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return time.Second
	}
	return time.Duration(secs) * time.Second
}

func snippet(resp *http.Response, payload []byte) string {
	var wire wireResponse
	if err := json.Unmarshal(payload, &wire); err == nil && wire.Error != "" {
		return fmt.Sprintf("%s (%s)", wire.Error, resp.Status)
	}
	return resp.Status
}
