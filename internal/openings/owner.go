package openings

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/chessbets/match-server/internal/obslog"
)

// OwnerLookup resolves an opening mint to its current holder.
type OwnerLookup interface {
	OwnerOf(ctx context.Context, mint string) (string, error)
}

// IndexerClient asks the token indexer who holds a mint right now.
type IndexerClient struct {
	baseURL string
	apiKey  string
	http    *fasthttp.Client
	timeout time.Duration
}

func NewIndexerClient(baseURL, apiKey string) *IndexerClient {
	return &IndexerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second},
		timeout: 5 * time.Second,
	}
}

type ownerResponse struct {
	Owner string `json:"owner"`
}

func (c *IndexerClient) OwnerOf(ctx context.Context, mint string) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.baseURL + "/mints/" + mint + "/owner")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return "", fmt.Errorf("indexer request failed: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return "", fmt.Errorf("indexer api error: status=%d", resp.StatusCode())
	}

	var out ownerResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decode owner response: %w", err)
	}
	if out.Owner == "" {
		return "", fmt.Errorf("indexer returned empty owner for mint %s", mint)
	}
	return out.Owner, nil
}

// Resolver combines the opening book with the owner lookup. Settlement
// must never stall on royalty plumbing, so every failure path degrades to
// the platform identity.
type Resolver struct {
	catalog  *Catalog
	lookup   OwnerLookup
	platform string
}

func NewResolver(catalog *Catalog, lookup OwnerLookup, platformIdentity string) *Resolver {
	return &Resolver{catalog: catalog, lookup: lookup, platform: platformIdentity}
}

// RoyaltyRecipient names who collects the opening royalty for this game,
// and the matched opening when there was one.
func (r *Resolver) RoyaltyRecipient(ctx context.Context, movesSAN []string) (string, *Entry) {
	entry := r.catalog.Match(movesSAN)
	if entry == nil {
		return r.platform, nil
	}
	if r.lookup == nil {
		return r.platform, entry
	}
	owner, err := r.lookup.OwnerOf(ctx, entry.Mint)
	if err != nil {
		obslog.L().Warn("royalty_owner_lookup_failed",
			zap.String("eco", entry.ECO), zap.String("mint", entry.Mint), zap.Error(err))
		return r.platform, entry
	}
	return owner, entry
}
