// Package aggregator is the HTTP client for the external model marketplace.
// Marketplace-gated models are served over its chat-completions endpoint
// instead of the worker CLI.
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/gofer/internal/config"
	"github.com/nextlevelbuilder/gofer/internal/fault"
)

const (
	clientName        = "gofer"
	completionsPath   = "/v1/chat/completions"
	defaultTimeout    = 60 * time.Second
	defaultMaxTokens  = 4096
	defaultTemp       = 0.7
	maxErrorBodyBytes = 512
)

// Completion is the normalized marketplace response.
type Completion struct {
	Content      string
	InputTokens  int64
	OutputTokens int64
}

// Client talks to the marketplace. Safe for concurrent use; the limiter
// spaces requests client-side so bursts cannot trip the remote quota.
type Client struct {
	baseURL    string
	key        string
	version    string
	maxRetries int
	http       *http.Client
	limiter    *rate.Limiter
}

// New builds a Client from the aggregator config. The marketplace key and
// base URL are both required.
func New(cfg *config.Config, version string) (*Client, error) {
	const op = "aggregator.new"

	base := strings.TrimRight(cfg.Aggregator.BaseURL, "/")
	if base == "" {
		return nil, fault.New(fault.Config, op, "aggregator.base_url is not set")
	}
	if cfg.Auth.MarketplaceKey == "" {
		return nil, fault.New(fault.Config, op, "GOFER_AGGREGATOR_KEY is not set")
	}

	timeout := time.Duration(cfg.Aggregator.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rps := cfg.Aggregator.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	retries := cfg.Aggregator.MaxRetries
	if retries < 0 {
		retries = 0
	}

	return &Client{
		baseURL:    base,
		key:        cfg.Auth.MarketplaceKey,
		version:    version,
		maxRetries: retries,
		http:       &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends one chat-completions request and returns the first choice.
func (c *Client) Complete(ctx context.Context, model, prompt string) (Completion, error) {
	const op = "aggregator.complete"

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: defaultTemp,
		MaxTokens:   defaultMaxTokens,
		Stream:      false,
	})
	if err != nil {
		return Completion{}, fault.Wrap(fault.Validation, op, err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Completion{}, fault.Wrap(fault.Cancelled, op, err)
	}

	resp, err := c.doWithRetry(ctx, body)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return Completion{}, statusFault(op, resp.StatusCode, string(raw))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Completion{}, fault.Wrap(fault.Process, op, err)
	}
	if len(out.Choices) == 0 {
		return Completion{}, fault.New(fault.Process, op, "marketplace returned no choices")
	}

	slog.Debug("aggregator.completed",
		"model", model,
		"input_tokens", out.Usage.PromptTokens,
		"output_tokens", out.Usage.CompletionTokens)

	return Completion{
		Content:      out.Choices[0].Message.Content,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

// doWithRetry posts the body, retrying transient statuses with exponential
// backoff. A Retry-After header (seconds or HTTP-date) overrides the
// computed backoff. The final response is returned unconsumed.
func (c *Client) doWithRetry(ctx context.Context, body []byte) (*http.Response, error) {
	const op = "aggregator.request"

	var lastStatus int
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctxFault(op, ctx)
			case <-time.After(backoffDelay(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
		if err != nil {
			return nil, fault.Wrap(fault.Validation, op, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.key)
		req.Header.Set("X-Client", clientName)
		req.Header.Set("X-Client-Version", c.version)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctxFault(op, ctx)
			}
			// Network errors are retryable.
			lastStatus = 0
			slog.Debug("aggregator.retrying", "attempt", attempt+1, "error", err)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}
		lastStatus = resp.StatusCode

		if wait := parseRetryAfter(resp.Header.Get("Retry-After")); wait > 0 && attempt < c.maxRetries {
			resp.Body.Close()
			slog.Debug("aggregator.retry_after", "wait", wait, "status", lastStatus)
			select {
			case <-ctx.Done():
				return nil, ctxFault(op, ctx)
			case <-time.After(wait):
			}
			continue
		}

		if !retryableStatus(resp.StatusCode) {
			return resp, nil // caller classifies
		}
		resp.Body.Close()
	}

	return nil, fault.Errorf(fault.RateLimit, op,
		"marketplace unavailable after %d attempt(s), last status %d", c.maxRetries+1, lastStatus)
}

func ctxFault(op string, ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fault.Wrap(fault.Timeout, op, ctx.Err())
	}
	return fault.Wrap(fault.Cancelled, op, ctx.Err())
}

func statusFault(op string, code int, body string) error {
	body = strings.TrimSpace(body)
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fault.Errorf(fault.Authentication, op, "marketplace rejected credentials (HTTP %d)", code)
	case http.StatusTooManyRequests:
		return fault.Errorf(fault.RateLimit, op, "marketplace rate limit (HTTP %d)", code)
	case http.StatusNotFound:
		return fault.Errorf(fault.ModelUnavailable, op, "marketplace model not found (HTTP %d)", code)
	default:
		return fault.Errorf(fault.Process, op, "marketplace HTTP %d: %s", code, body)
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, 529:
		return true
	}
	return false
}
