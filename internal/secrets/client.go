// Package secrets fetches provider credentials from the secrets
// service. Values are cached per client instance with a TTL; there is
// no process-wide cache.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

type Client interface {
	Get(ctx context.Context, name string) (string, error)
	GetMany(ctx context.Context, names []string) (map[string]string, error)
	GetAll(ctx context.Context) (map[string]string, error)
	Has(ctx context.Context, name string) (bool, error)
}

type cacheEntry struct {
	value     string
	fetchedAt time.Time
}

// ttlCache is owned by one HTTPClient; entries expire after the
// configured TTL and are refetched lazily.
type ttlCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{ttl: ttl, entries: make(map[string]cacheEntry), now: time.Now}
}

func (c *ttlCache) get(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok || c.now().Sub(e.fetchedAt) >= c.ttl {
		return "", false
	}
	return e.value, true
}

func (c *ttlCache) put(name, value string) {
	c.mu.Lock()
	c.entries[name] = cacheEntry{value: value, fetchedAt: c.now()}
	c.mu.Unlock()
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	cache      *ttlCache
}

func NewHTTPClient(baseURL, token string, cacheTTL time.Duration) *HTTPClient {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      newTTLCache(cacheTTL),
	}
}

func (c *HTTPClient) doReq(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("secrets GET %s: %d %s", path, resp.StatusCode, string(body))
	}
	return body, nil
}

type secretResponse struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (c *HTTPClient) Get(ctx context.Context, name string) (string, error) {
	if v, ok := c.cache.get(name); ok {
		return v, nil
	}
	data, err := c.doReq(ctx, "/v1/secrets/"+url.PathEscape(name))
	if err != nil {
		return "", err
	}
	var s secretResponse
	if err := json.Unmarshal(data, &s); err != nil {
		return "", err
	}
	c.cache.put(name, s.Value)
	return s.Value, nil
}

func (c *HTTPClient) GetMany(ctx context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		v, err := c.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func (c *HTTPClient) GetAll(ctx context.Context) (map[string]string, error) {
	data, err := c.doReq(ctx, "/v1/secrets")
	if err != nil {
		return nil, err
	}
	var list []secretResponse
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(list))
	for _, s := range list {
		c.cache.put(s.Name, s.Value)
		out[s.Name] = s.Value
	}
	return out, nil
}

func (c *HTTPClient) Has(ctx context.Context, name string) (bool, error) {
	if _, ok := c.cache.get(name); ok {
		return true, nil
	}
	req, err := http.NewRequestWithContext(ctx, "HEAD", c.baseURL+"/v1/secrets/"+url.PathEscape(name), nil)
	if err != nil {
		return false, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("secrets HEAD %s: %d", name, resp.StatusCode)
	}
	return true, nil
}
