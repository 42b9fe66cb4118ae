package models

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/getmodelgate/modelgate/pkg/cache"
	"github.com/getmodelgate/modelgate/pkg/config"
)

var nowUTC = func() time.Time { return time.Now().UTC() }

type Card struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

type catalogResponse struct {
	Data []Card `json:"data"`
}

// Catalog fetches the upstream model list, caches it for a short TTL and
// serves allow-list views of it. Concurrent cache misses collapse into a
// single upstream call, and a disk snapshot covers upstream outages across
// restarts.
type Catalog struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	ttl      time.Duration
	cache    *cache.TTLMap[string, []Card]
	group    singleflight.Group
	diskPath string
}

const catalogCacheKey = "upstream-models"

func NewCatalog(upstream config.UpstreamConfig, mcfg config.ModelsConfig) *Catalog {
	timeout := upstream.TimeoutSeconds
	if timeout <= 0 || timeout > 60 {
		timeout = 30
	}
	return &Catalog{
		baseURL:  strings.TrimRight(upstream.BaseURL, "/"),
		apiKey:   upstream.APIKey,
		client:   &http.Client{Timeout: time.Duration(timeout) * time.Second},
		ttl:      time.Duration(mcfg.CatalogTTLSeconds) * time.Second,
		cache:    cache.NewTTLMap[string, []Card](),
		diskPath: strings.TrimSpace(mcfg.CatalogCachePath),
	}
}

// View returns the catalog filtered to the allow-list, preserving its order.
// Models the upstream no longer advertises still appear as bare cards so the
// published pool never silently shrinks.
func (c *Catalog) View(ctx context.Context, allow []string) ([]Card, error) {
	cards, err := c.all(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Card, len(cards))
	for _, card := range cards {
		byID[card.ID] = card
	}
	out := make([]Card, 0, len(allow))
	for _, id := range allow {
		if card, ok := byID[id]; ok {
			out = append(out, card)
			continue
		}
		out = append(out, Card{ID: id, Object: "model"})
	}
	return out, nil
}

func (c *Catalog) all(ctx context.Context) ([]Card, error) {
	now := nowUTC()
	if cards, ok := c.cache.GetFresh(catalogCacheKey, now); ok {
		return cards, nil
	}
	v, err, _ := c.group.Do(catalogCacheKey, func() (any, error) {
		if cards, ok := c.cache.GetFresh(catalogCacheKey, nowUTC()); ok {
			return cards, nil
		}
		cards, err := c.fetch(ctx)
		if err != nil {
			return c.fallback(err)
		}
		c.cache.SetWithTTL(catalogCacheKey, cards, nowUTC(), c.ttl)
		if c.diskPath != "" {
			_ = cache.SaveJSON(c.diskPath, cards)
		}
		return cards, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Card), nil
}

// fallback serves the last known catalog when the upstream is unreachable:
// first the expired in-memory entry, then the disk snapshot.
func (c *Catalog) fallback(fetchErr error) (any, error) {
	if cards, _, ok := c.cache.Get(catalogCacheKey); ok && len(cards) > 0 {
		return cards, nil
	}
	if c.diskPath != "" {
		var cards []Card
		if err := cache.LoadJSON(c.diskPath, &cards); err == nil && len(cards) > 0 {
			c.cache.SetWithTTL(catalogCacheKey, cards, nowUTC(), c.ttl)
			return cards, nil
		}
	}
	return nil, fetchErr
}

func (c *Catalog) fetch(ctx context.Context) ([]Card, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch model catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("model catalog status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out catalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode model catalog: %w", err)
	}
	for i := range out.Data {
		if out.Data[i].Object == "" {
			out.Data[i].Object = "model"
		}
	}
	return out.Data, nil
}
