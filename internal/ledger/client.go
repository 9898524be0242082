package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/chessbets/match-server/internal/obslog"
)

// ErrNotFound marks identities or matches the ledger has no record of.
var ErrNotFound = errors.New("ledger: not found")

// Client talks to the staking ledger over its JSON API.
type Client struct {
	baseURL string
	http    *fasthttp.Client
	apiKey  string

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PlayerStats fetches the ledger profile for an identity. Unknown
// identities fall back to provisional defaults rather than failing the
// whole search.
func (c *Client) PlayerStats(ctx context.Context, identity string) (*PlayerStats, error) {
	var stats PlayerStats
	err := c.doJSON(ctx, fasthttp.MethodGet, "/players/"+identity+"/stats", nil, &stats, true)
	if errors.Is(err, ErrNotFound) {
		obslog.L().Info("ledger_player_unknown", zap.String("identity", identity))
		return DefaultStats(identity), nil
	}
	if err != nil {
		return nil, err
	}
	if stats.Identity == "" {
		stats.Identity = identity
	}
	if stats.MaxStake <= 0 {
		stats.MaxStake = defaultMaxStake
	}
	return &stats, nil
}

// CreateMatch opens the escrow record for a fresh pairing.
func (c *Client) CreateMatch(ctx context.Context, req CreateMatchRequest) error {
	return c.doJSON(ctx, fasthttp.MethodPost, "/matches", req, nil, true)
}

// ConfirmMatch acknowledges one side's stake deposit.
func (c *Client) ConfirmMatch(ctx context.Context, req ConfirmMatchRequest) error {
	return c.doJSON(ctx, fasthttp.MethodPost, "/matches/"+req.SessionID+"/confirm", req, nil, true)
}

// SubmitResult records the terminal outcome before settlement.
func (c *Client) SubmitResult(ctx context.Context, rec ResultRecord) error {
	return c.doJSON(ctx, fasthttp.MethodPost, "/matches/"+rec.SessionID+"/result", rec, nil, true)
}

// SettleMatch releases the escrow. Not retried: the ledger treats a
// repeated settle as a conflict, so a timed-out first attempt must surface
// to the caller instead of being replayed blindly.
func (c *Client) SettleMatch(ctx context.Context, req SettleRequest) (*SettleResponse, error) {
	var resp SettleResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/matches/"+req.SessionID+"/settle", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	url := c.baseURL + path
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(url)
	req.Header.SetContentType("application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry {
		attempts = c.retryMax
		if attempts <= 0 {
			attempts = 1
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		deadline := c.computeDeadline(ctx)
		err := c.http.DoDeadline(req, resp, deadline)
		if err != nil {
			if attempt == attempts || !retry {
				return fmt.Errorf("ledger request failed: %w", err)
			}
			lastErr = err
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status == fasthttp.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if status < 200 || status >= 300 {
			body := string(resp.Body())
			err := fmt.Errorf("ledger api error: status=%d body=%s", status, truncate(body, 512))
			if attempt == attempts || !retry || !shouldRetryStatus(status) {
				return err
			}
			lastErr = err
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		clientDL := time.Now().Add(c.defaultTimeout)
		if dl.Before(clientDL) {
			return dl
		}
		return clientDL
	}
	return time.Now().Add(c.defaultTimeout)
}

func (c *Client) sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base // 100ms, 200ms ...
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
