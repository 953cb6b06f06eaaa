package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"ironscout/pkg/logx"
)

// The token sits in a meta tag on any category page; cookies come from the
// landing page. Both are needed to POST the results endpoint.
var csrfRe = regexp.MustCompile(`<meta name="csrf-token" (?:enhanced="true" )?content="([^"]+)"`)

type session struct {
	csrf    string
	cookies []*http.Cookie
}

// sessionCache guards lazy bootstrap and invalidation across categories.
type sessionCache struct {
	mu  sync.Mutex
	cur *session
}

func (sc *sessionCache) get(ctx context.Context, c *Client, searchKind string) (*session, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.cur != nil {
		return sc.cur, nil
	}
	s, err := c.bootstrapSession(ctx, searchKind)
	if err != nil {
		return nil, err
	}
	sc.cur = s
	return s, nil
}

func (sc *sessionCache) invalidate(old *session) {
	sc.mu.Lock()
	if sc.cur == old {
		sc.cur = nil
	}
	sc.mu.Unlock()
}

func (c *Client) bootstrapSession(ctx context.Context, searchKind string) (*session, error) {
	base := strings.TrimRight(c.cfg.BaseURL, "/")

	cookies, err := c.landingCookies(ctx, base+"/")
	if err != nil {
		return nil, fmt.Errorf("session bootstrap: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/ww/en-US/categories/"+searchKind, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session bootstrap: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session bootstrap: category page status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	m := csrfRe.FindSubmatch(body)
	if m == nil {
		return nil, errors.New("session bootstrap: csrf token not found on category page")
	}

	if got := resp.Cookies(); len(got) > 0 {
		cookies = got
	}
	c.log.Debug("session bootstrapped", logx.String("search_kind", searchKind))
	return &session{csrf: string(m[1]), cookies: cookies}, nil
}

func (c *Client) landingCookies(ctx context.Context, url string) ([]*http.Cookie, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("landing page status %d", resp.StatusCode)
	}
	return resp.Cookies(), nil
}
