// Package rjn is a client for the RJN Clarity data import API.
package rjn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/eddielth/eds-sync/config"
	"github.com/eddielth/eds-sync/logger"
	"github.com/eddielth/eds-sync/metrics"
	"github.com/eddielth/eds-sync/transformer"
)

var (
	// ErrAuth means the credentials were rejected
	ErrAuth = errors.New("destination authentication error")
	// ErrConnection covers transport failures, 5xx on login and an open breaker
	ErrConnection = errors.New("destination connection error")
	// ErrInvalidSeries is returned for empty or mismatched series before any I/O
	ErrInvalidSeries = errors.New("invalid series")
)

// ImportMode makes the destination replace existing data in the posted
// interval, so a window may be sent any number of times.
const ImportMode = "OverwriteExistingData"

// TimestampLayout is the timestamp format of import payloads
const TimestampLayout = "2006-01-02T15:04:05"

const maxErrorBodySize = 4 * 1024

// Session is an authenticated destination session
type Session struct {
	HTTP     *http.Client
	BaseURL  string
	Token    string
	Comments string
}

// Client talks to the RJN Clarity API
type Client struct {
	cfg     config.DestinationConfig
	http    *http.Client
	loc     *time.Location
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// NewClient returns a client for cfg
func NewClient(cfg config.DestinationConfig) (*Client, error) {
	if cfg.Location == "" {
		cfg.Location = config.ZoneLocation(cfg.TimeZone)
	}
	loc, err := time.LoadLocation(cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: destination location %q: %w", config.ErrConfiguration, cfg.Location, err)
	}
	if err := config.CheckTimeZone(cfg.TimeZone, cfg.Location); err != nil {
		return nil, err
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	name := cfg.Name
	if name == "" {
		name = "RJN"
	}

	metrics.BreakerState.WithLabelValues(name).Set(0)
	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// a cancelled cycle says nothing about the destination
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("destination %s circuit breaker %s -> %s", name, from, to)
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		loc:     loc,
		breaker: breaker,
	}, nil
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Name returns the destination name used in stream ids
func (c *Client) Name() string { return c.cfg.Name }

type authRequest struct {
	ClientID string `json:"client_id"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
}

// Authenticate logs in. Rejected credentials are reported as ErrAuth,
// unreachable or failing servers as ErrConnection.
func (c *Client) Authenticate(ctx context.Context) (*Session, error) {
	s := &Session{
		HTTP:     c.http,
		BaseURL:  strings.TrimRight(c.cfg.BaseURL, "/"),
		Comments: c.cfg.Comments,
	}
	if err := c.login(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Client) login(ctx context.Context, s *Session) error {
	body, err := json.Marshal(authRequest{ClientID: c.cfg.ClientID, Password: c.cfg.Password})
	if err != nil {
		return fmt.Errorf("encode auth request: %w", err)
	}

	resp, err := c.post(ctx, s, s.BaseURL+"/auth", "", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: auth: HTTP %d: %s", ErrConnection, resp.StatusCode, readBodyForError(resp.Body))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: auth: HTTP %d: %s", ErrAuth, resp.StatusCode, readBodyForError(resp.Body))
	}

	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("%w: decode auth response: %w", ErrConnection, err)
	}
	if out.Token == "" {
		return fmt.Errorf("%w: auth response carries no token", ErrAuth)
	}

	s.Token = out.Token
	logger.Debug("authenticated to destination %s", s.BaseURL)
	return nil
}

// post sends one request through the circuit breaker. Only transport
// failures count against the breaker; any HTTP response is returned.
func (c *Client) post(ctx context.Context, s *Session, endpoint, token string, body []byte) (*http.Response, error) {
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return s.HTTP.Do(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.RecordError("destination", "breaker_open")
		} else {
			metrics.RecordError("destination", "connection")
		}
		return nil, fmt.Errorf("%w: POST %s: %w", ErrConnection, endpoint, err)
	}
	return resp, nil
}

type importPayload struct {
	Comments string             `json:"comments"`
	Data     map[string]float64 `json:"data"`
}

// Send imports values at timestamps into one entity. It returns true when the
// destination acknowledged the import with a 2xx status. Other statuses are
// logged and reported as false with a nil error, so one rejected entity does
// not stop the others. An expired token is renewed once and the import
// retried once.
func (c *Client) Send(ctx context.Context, s *Session, projectID, entityID string, timestamps []string, values []float64) (bool, error) {
	if len(timestamps) == 0 || len(values) == 0 {
		return false, fmt.Errorf("%w: empty series for %s/%s", ErrInvalidSeries, projectID, entityID)
	}
	if len(timestamps) != len(values) {
		return false, fmt.Errorf("%w: %d timestamps but %d values for %s/%s",
			ErrInvalidSeries, len(timestamps), len(values), projectID, entityID)
	}

	payload := importPayload{
		Comments: s.Comments,
		Data:     make(map[string]float64, len(timestamps)),
	}
	for i, ts := range timestamps {
		payload.Data[ts] = values[i]
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode import payload: %w", err)
	}

	endpoint := c.importURL(s, projectID, entityID)

	for attempt := 0; ; attempt++ {
		resp, err := c.post(ctx, s, endpoint, s.Token, body)
		if err != nil {
			return false, err
		}

		status := resp.StatusCode
		if status >= 200 && status < 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return true, nil
		}

		msg := readBodyForError(resp.Body)
		resp.Body.Close()

		if status == http.StatusUnauthorized {
			if attempt > 0 {
				metrics.RecordError("destination", "auth")
				return false, fmt.Errorf("%w: import into %s/%s rejected after re-authentication: %s", ErrAuth, projectID, entityID, msg)
			}
			logger.Info("destination session expired, re-authenticating")
			if err := c.login(ctx, s); err != nil {
				metrics.RecordError("destination", "auth")
				return false, err
			}
			continue
		}

		metrics.RecordError("destination", "rejected")
		logger.Warn("destination rejected import into %s/%s: HTTP %d: %s", projectID, entityID, status, msg)
		return false, nil
	}
}

// SendSamples formats samples for the destination and sends them. Values
// that are not finite cannot be encoded and are left out.
func (c *Client) SendSamples(ctx context.Context, s *Session, projectID, entityID string, samples []transformer.Sample) (bool, error) {
	timestamps := make([]string, 0, len(samples))
	values := make([]float64, 0, len(samples))
	for _, sample := range samples {
		if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
			logger.Debug("dropping non-finite value at %s for %s/%s", sample.Timestamp, projectID, entityID)
			continue
		}
		timestamps = append(timestamps, c.FormatTimestamp(sample.Timestamp))
		values = append(values, Round(sample.Value, c.cfg.Precision))
	}
	return c.Send(ctx, s, projectID, entityID, timestamps, values)
}

// FormatTimestamp formats t in the destination location
func (c *Client) FormatTimestamp(t time.Time) string {
	return t.In(c.loc).Format(TimestampLayout)
}

func (c *Client) importURL(s *Session, projectID, entityID string) string {
	q := url.Values{}
	q.Set("interval", strconv.Itoa(c.cfg.Interval))
	q.Set("import_mode", ImportMode)
	q.Set("detect_time_zone", "false")
	q.Set("time_zone", c.cfg.TimeZone)
	q.Set("use_default_time_zone", "false")

	return fmt.Sprintf("%s/projects/%s/entities/%s/data?%s",
		s.BaseURL, url.PathEscape(projectID), url.PathEscape(entityID), q.Encode())
}

// Round rounds v to precision decimal places
func Round(v float64, precision int) float64 {
	if precision < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	p := math.Pow10(precision)
	return math.Round(v*p) / p
}

func readBodyForError(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return "(failed to read response body)"
	}
	return strings.TrimSpace(string(body))
}
