package membership

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/weiawesome/chapter-chat/internal/domain"
	"golang.org/x/sync/singleflight"
)

// HTTPClient asks the chapter service over HTTP:
// GET {baseURL}/users/{userID}/rooms -> {"success": true, "chapters": [{"id": ...}]}.
type HTTPClient struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	group      singleflight.Group
}

type roomsResponse struct {
	Success  *bool     `json:"success"`
	Chapters []chapter `json:"chapters"`
	Error    string    `json:"error,omitempty"`
}

type chapter struct {
	ID chapterID `json:"id"`
}

// chapterID accepts both "7" and 7.
type chapterID string

func (c *chapterID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("chapter id is null")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = chapterID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("chapter id must be a string or number: %w", err)
	}
	*c = chapterID(n.String())
	return nil
}

// NewHTTPClient creates a client whose lookups give up after timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// RoomsForUser fetches the user's chapters. Concurrent lookups for one user
// share a single request; each caller still honours its own context.
func (c *HTTPClient) RoomsForUser(ctx context.Context, userID string) ([]string, error) {
	ch := c.group.DoChan(userID, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.fetch(fetchCtx, userID)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", domain.ErrMembershipUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		rooms := res.Val.([]string)
		return append([]string(nil), rooms...), nil
	}
}

func (c *HTTPClient) fetch(ctx context.Context, userID string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/users/%s/rooms", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", domain.ErrMembershipUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch rooms: %v", domain.ErrMembershipUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: membership service returned status: %d", domain.ErrMembershipUnavailable, resp.StatusCode)
	}

	var body roomsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", domain.ErrMembershipUnavailable, err)
	}
	if body.Success == nil || !*body.Success {
		return nil, fmt.Errorf("%w: membership service error: %s", domain.ErrMembershipUnavailable, body.Error)
	}

	return lo.Map(body.Chapters, func(ch chapter, _ int) string {
		return string(ch.ID)
	}), nil
}
