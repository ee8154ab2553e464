// Package api implements the HTTP client for the calendar-assistant
// backend. It owns the cookie jar carrying the http-only token cookies and
// the ambient session flag, translates auth-required responses into the
// session error taxonomy, and exposes the named endpoints the session core
// consumes.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tempoplan/tempoplan-cli/internal/config"
	"github.com/tempoplan/tempoplan-cli/internal/session"
	"github.com/tempoplan/tempoplan-cli/internal/util"
)

// sessionCookieName is the non-sensitive presence flag the backend sets
// alongside its http-only token cookies.
const sessionCookieName = "auth_session"

// calendarAuthHeader marks 401 responses that specifically require the
// calendar consent flow.
const calendarAuthHeader = "X-Calendar-Auth-Required"

const requestTimeout = 30 * time.Second

// Client is the backend API client. Safe for concurrent use.
type Client struct {
	apiBase      string
	calendarBase string
	httpClient   *http.Client
	jar          *cookiejar.Jar
	cookieURL    *url.URL

	csrfMu    sync.RWMutex
	csrfToken string
}

// NewClient builds a client with a cookie jar and a proxy-aware transport.
func NewClient(cfg *config.Config) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	base, err := url.Parse(cfg.APIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api base URL: %w", err)
	}

	httpClient := util.SetProxy(cfg.ProxyURL, &http.Client{
		Jar:     jar,
		Timeout: requestTimeout,
	})

	return &Client{
		apiBase:      strings.TrimRight(cfg.APIBaseURL, "/"),
		calendarBase: strings.TrimRight(cfg.CalendarBaseURL, "/"),
		httpClient:   httpClient,
		jar:          jar,
		cookieURL:    base,
	}, nil
}

// Health performs the startup connection test against the backend.
func (c *Client) Health(ctx context.Context) error {
	body, err := c.doJSON(ctx, http.MethodGet, c.rootURL("/health"), nil)
	if err != nil {
		return err
	}
	log.Debugf("backend connection successful: %s", string(body))
	return nil
}

// AuthStatus queries the authoritative auth status endpoint.
func (c *Client) AuthStatus(ctx context.Context) (session.Status, error) {
	body, err := c.doJSON(ctx, http.MethodGet, c.apiBase+"/auth/status", nil)
	if err != nil {
		return session.Status{}, err
	}

	status := session.Status{
		IsAuthenticated: gjson.GetBytes(body, "isAuthenticated").Bool(),
		UserName:        gjson.GetBytes(body, "user.name").String(),
		UserEmail:       gjson.GetBytes(body, "user.email").String(),
	}
	if expiry := gjson.GetBytes(body, "expiry_date"); expiry.Exists() {
		status.ExpiryDate = time.UnixMilli(expiry.Int())
	}
	return status, nil
}

// CalendarAuthStatus queries the calendar-scoped status endpoint.
func (c *Client) CalendarAuthStatus(ctx context.Context) (bool, error) {
	body, err := c.doJSON(ctx, http.MethodGet, c.calendarBase+"/auth/status", nil)
	if err != nil {
		return false, err
	}
	return gjson.GetBytes(body, "isAuthenticated").Bool(), nil
}

// CalendarAuthURL fetches the OAuth authorization URL for the consent page.
func (c *Client) CalendarAuthURL(ctx context.Context) (string, error) {
	body, err := c.doJSON(ctx, http.MethodGet, c.calendarBase+"/auth/url", nil)
	if err != nil {
		return "", err
	}
	authURL := gjson.GetBytes(body, "url").String()
	if authURL == "" {
		return "", session.NewAuthError(session.ErrNetworkFailure, fmt.Errorf("auth url missing from response"))
	}
	return authURL, nil
}

// Refresh rotates the access token using the ambient http-only refresh
// cookie and returns the new expiry.
func (c *Client) Refresh(ctx context.Context) (time.Time, error) {
	body, err := c.doJSON(ctx, http.MethodPost, c.apiBase+"/auth/refresh", nil)
	if err != nil {
		return time.Time{}, err
	}
	expiry := gjson.GetBytes(body, "expiry_date")
	if !expiry.Exists() {
		return time.Time{}, nil
	}
	return time.UnixMilli(expiry.Int()), nil
}

// SetCookies relays freshly issued tokens so the backend stores them in
// http-only cookies. The tokens are not retained locally.
func (c *Client) SetCookies(ctx context.Context, tokens session.TokenUpdate) error {
	payload := []byte(`{}`)
	payload, _ = sjson.SetBytes(payload, "access_token", tokens.AccessToken)
	payload, _ = sjson.SetBytes(payload, "refresh_token", tokens.RefreshToken)
	if !tokens.ExpiryDate.IsZero() {
		payload, _ = sjson.SetBytes(payload, "expiry_date", tokens.ExpiryDate.UnixMilli())
	}

	_, err := c.doJSON(ctx, http.MethodPost, c.apiBase+"/auth/set-cookies", payload)
	return err
}

// ClearCookies asks the backend to drop its http-only token cookies.
func (c *Client) ClearCookies(ctx context.Context) error {
	_, err := c.doJSON(ctx, http.MethodPost, c.apiBase+"/auth/clear-cookies", nil)
	return err
}

// Logout terminates the server-side session.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.doJSON(ctx, http.MethodPost, c.apiBase+"/auth/logout", nil)
	return err
}

// HasSessionCookie reports whether the ambient session flag is present in
// the jar. It is a weak signal only; the server remains authoritative.
func (c *Client) HasSessionCookie() bool {
	for _, cookie := range c.jar.Cookies(c.cookieURL) {
		if cookie.Name == sessionCookieName && cookie.Value == "true" {
			return true
		}
	}
	return false
}

// ClearSessionCookies drops the ambient cookies from the local jar.
func (c *Client) ClearSessionCookies() {
	c.jar.SetCookies(c.cookieURL, []*http.Cookie{
		{Name: sessionCookieName, Value: "", MaxAge: -1, Path: "/"},
	})
}

// InitCSRF fetches a CSRF token and attaches it to subsequent mutating
// requests. Failure is reported but callers treat it as non-fatal.
func (c *Client) InitCSRF(ctx context.Context) error {
	body, err := c.doJSON(ctx, http.MethodGet, c.apiBase+"/auth/csrf-token", nil)
	if err != nil {
		return err
	}
	token := gjson.GetBytes(body, "csrfToken").String()
	if token == "" {
		return fmt.Errorf("csrf token missing from response")
	}
	c.csrfMu.Lock()
	c.csrfToken = token
	c.csrfMu.Unlock()
	return nil
}

// Do performs an arbitrary JSON API call under the API base. Callers outside
// the session core use it for their endpoints; a 401 is surfaced as the
// auth-required error so the coordinator can queue and replay the request.
func (c *Client) Do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	return c.doJSON(ctx, method, c.apiBase+endpoint, body)
}

// rootURL resolves a path against the backend host, outside the API prefix.
func (c *Client) rootURL(path string) string {
	return c.cookieURL.Scheme + "://" + c.cookieURL.Host + path
}

// doJSON runs one request with JSON headers and the CSRF token, enforces a
// JSON content type on the answer, and maps error statuses onto the session
// taxonomy.
func (c *Client) doJSON(ctx context.Context, method, rawURL string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, session.NewAuthError(session.ErrNetworkFailure, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	c.csrfMu.RLock()
	if c.csrfToken != "" && method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", c.csrfToken)
	}
	c.csrfMu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, session.NewAuthError(session.ErrNetworkFailure, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, session.NewAuthError(session.ErrNetworkFailure, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if resp.Header.Get(calendarAuthHeader) != "" {
			log.Debugf("calendar auth required for %s", rawURL)
		}
		return nil, session.NewAuthError(session.ErrAuthRequired, fmt.Errorf("%s %s returned 401", method, rawURL))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, session.NewAuthError(session.ErrNetworkFailure,
			fmt.Errorf("%s %s failed with status %d: %s", method, rawURL, resp.StatusCode, string(respBody)))
	}

	if resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
		return respBody, nil
	}

	// The backend occasionally serves an HTML error page with a 200 through
	// misconfigured proxies; refuse to parse those as state.
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "application/json") {
		return nil, session.NewAuthError(session.ErrNetworkFailure,
			fmt.Errorf("expected JSON response from %s but got %q", rawURL, contentType))
	}

	return respBody, nil
}
