// Package eds is a client for the EDS historian REST API: session login,
// asynchronous tabular trend requests and live point queries.
package eds

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/eddielth/eds-sync/config"
	"github.com/eddielth/eds-sync/logger"
)

// Error kinds reported by the client, matched with errors.Is
var (
	// ErrConnection covers transport failures and 5xx responses
	ErrConnection = errors.New("source connection error")
	// ErrTimeout is reported when a request fails on the server or does not
	// complete within the configured timeout
	ErrTimeout = errors.New("source timeout")
	// ErrAuth means the session must be re-established
	ErrAuth = errors.New("source authentication error")
	// ErrProtocol covers unexpected statuses and malformed responses
	ErrProtocol = errors.New("source protocol error")
)

// maxErrorBodySize limits how much of an error response is kept for logs
const maxErrorBodySize = 4 * 1024

// Session is an authenticated EDS session. It carries everything a call
// needs, so clients never attach state to the HTTP client itself.
type Session struct {
	HTTP    *http.Client
	BaseURL string
	Token   string
	Group   string
	Config  config.SourceConfig
}

// Client talks to the EDS server of one source group
type Client struct {
	group   string
	cfg     config.SourceConfig
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient returns a client for the EDS server configured for group
func NewClient(group string, cfg config.SourceConfig) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // plant historians commonly use self-signed certificates
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Client{
		group:   group,
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Group returns the source group served by the client
func (c *Client) Group() string { return c.group }

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Type     string `json:"type"`
}

type loginResponse struct {
	SessionID string `json:"sessionId"`
}

// Login opens a session
func (c *Client) Login(ctx context.Context) (*Session, error) {
	s := &Session{
		HTTP:    c.http,
		BaseURL: strings.TrimRight(c.cfg.BaseURL, "/"),
		Group:   c.group,
		Config:  c.cfg,
	}

	var resp loginResponse
	err := c.do(ctx, s, http.MethodPost, "/login", nil, loginRequest{
		Username: c.cfg.Username,
		Password: c.cfg.Password,
		Type:     "script",
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("%w: login to %s returned no session id", ErrAuth, s.BaseURL)
	}

	s.Token = resp.SessionID
	logger.Debug("logged in to EDS %s for group %s", s.BaseURL, c.group)
	return s, nil
}

// Logout closes the session. It is best effort: the server expires idle
// sessions on its own.
func (c *Client) Logout(ctx context.Context, s *Session) error {
	if s == nil || s.Token == "" {
		return nil
	}
	err := c.do(ctx, s, http.MethodPost, "/logout", nil, nil, nil)
	s.Token = ""
	return err
}

// do performs one JSON call. in and out may be nil.
func (c *Client) do(ctx context.Context, s *Session, method, path string, query url.Values, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrConnection, method, path, err)
	}

	endpoint := s.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("%w: build %s request: %w", ErrProtocol, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrConnection, method, endpoint, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %w", ErrProtocol, path, err)
	}
	return nil
}

func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body := readBodyForError(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d: %s", ErrAuth, resp.StatusCode, body)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", ErrConnection, resp.StatusCode, body)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", ErrProtocol, resp.StatusCode, body)
	}
}

func readBodyForError(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return "(failed to read response body)"
	}
	return strings.TrimSpace(string(body))
}
