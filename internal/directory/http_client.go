package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var ErrUserNotFound = errors.New("user not found")

// HTTPClient reads GET {baseURL}/users/{id} and caches hits for cacheTTL.
// Expired entries are dropped when read and swept once per cacheTTL.
type HTTPClient struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	cache      map[string]*cachedProfile
	cacheTTL   time.Duration
	nextPurge  time.Time
	mu         sync.RWMutex
	group      singleflight.Group
	now        func() time.Time
}

type cachedProfile struct {
	profile   *Profile
	expiresAt time.Time
}

type userResponse struct {
	Success bool     `json:"success"`
	User    *Profile `json:"user"`
	Error   string   `json:"error,omitempty"`
}

func NewHTTPClient(baseURL string, timeout, cacheTTL time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cache:    make(map[string]*cachedProfile),
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Lookup returns the user's profile. Concurrent lookups for one user share a
// single request that outlives any one caller's cancellation.
func (c *HTTPClient) Lookup(ctx context.Context, userID string) (*Profile, error) {
	if p := c.getFromCache(userID); p != nil {
		return p, nil
	}

	ch := c.group.DoChan(userID, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		p, err := c.fetch(fetchCtx, userID)
		if err != nil {
			return nil, err
		}
		c.addToCache(userID, p)
		return p, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Profile), nil
	}
}

func (c *HTTPClient) fetch(ctx context.Context, userID string) (*Profile, error) {
	endpoint := fmt.Sprintf("%s/users/%s", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrUserNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory returned status: %d", resp.StatusCode)
	}

	var body userResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if !body.Success || body.User == nil {
		return nil, fmt.Errorf("directory error: %s", body.Error)
	}
	return body.User, nil
}

// InvalidateCache forgets a cached profile.
func (c *HTTPClient) InvalidateCache(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, userID)
}

func (c *HTTPClient) getFromCache(userID string) *Profile {
	c.mu.RLock()
	cached, ok := c.cache[userID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	now := c.now()
	if now.Before(cached.expiresAt) {
		return cached.profile
	}

	c.mu.Lock()
	if cur, ok := c.cache[userID]; ok && !now.Before(cur.expiresAt) {
		delete(c.cache, userID)
	}
	c.mu.Unlock()
	return nil
}

func (c *HTTPClient) addToCache(userID string, p *Profile) {
	if c.cacheTTL <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !now.Before(c.nextPurge) {
		for id, cached := range c.cache {
			if !now.Before(cached.expiresAt) {
				delete(c.cache, id)
			}
		}
		c.nextPurge = now.Add(c.cacheTTL)
	}

	c.cache[userID] = &cachedProfile{
		profile:   p,
		expiresAt: now.Add(c.cacheTTL),
	}
}
