package eds

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/eddielth/eds-sync/checkpoint"
	"github.com/eddielth/eds-sync/logger"
	"github.com/eddielth/eds-sync/transformer"
)

// Request statuses reported by GET /requests
const (
	StatusExecuting = "EXECUTING"
	StatusSuccess   = "SUCCESS"
	StatusFailure   = "FAILURE"
)

// chunkLast marks the final chunk of a tabular result
const chunkLast = "LAST"

var errStillExecuting = errors.New("request still executing")

type pointID struct {
	IESS string `json:"iess,omitempty"`
}

type trendItem struct {
	PointID       pointID `json:"pointId"`
	Function      string  `json:"function"`
	ShadePriority string  `json:"shadePriority"`
}

type period struct {
	From int64 `json:"from"`
	Till int64 `json:"till"`
}

type trendRequest struct {
	Period period      `json:"period"`
	Step   int64       `json:"step"`
	Items  []trendItem `json:"items"`
}

// requestID accepts both string and numeric ids
type requestID string

func (r *requestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = requestID(s)
		return nil
	}
	*r = requestID(data)
	return nil
}

type trendResponse struct {
	ID requestID `json:"id"`
}

type requestStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type tabularItem struct {
	PointID pointID     `json:"pointId"`
	Values  [][]float64 `json:"values"`
}

type tabularChunk struct {
	Status string        `json:"status"`
	Items  []tabularItem `json:"items"`
}

// uniqueIDs returns ids without repeats, in first-appearance order
func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// RequestSeries submits a tabular trend request for pointIDs over w and
// returns the request handle. Each point is requested once even when listed
// several times.
func (c *Client) RequestSeries(ctx context.Context, s *Session, pointIDs []string, w checkpoint.Window) (string, error) {
	pointIDs = uniqueIDs(pointIDs)
	if len(pointIDs) == 0 {
		return "", fmt.Errorf("%w: no points requested", ErrProtocol)
	}

	req := trendRequest{
		Period: period{From: w.Start.Unix(), Till: w.End.Unix()},
		Step:   int64(s.Config.Step / time.Second),
		Items:  make([]trendItem, len(pointIDs)),
	}
	for i, id := range pointIDs {
		req.Items[i] = trendItem{
			PointID:       pointID{IESS: id},
			Function:      s.Config.Function,
			ShadePriority: "DEFAULT",
		}
	}

	var resp trendResponse
	if err := c.do(ctx, s, http.MethodPost, "/trend/tabular", nil, req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: trend request returned no id", ErrProtocol)
	}

	logger.Debug("EDS trend request %s for %d points of %s over %s", resp.ID, len(pointIDs), s.Group, w)
	return string(resp.ID), nil
}

// AwaitCompletion polls the request status every poll interval until the
// server reports success. It gives up with ErrTimeout when the server reports
// a failure or the request timeout elapses.
func (c *Client) AwaitCompletion(ctx context.Context, s *Session, handle string) error {
	timeout := s.Config.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	interval := s.Config.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxPolls := uint64(math.Ceil(float64(timeout)/float64(interval))) + 1
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), maxPolls), pollCtx)

	err := backoff.Retry(func() error {
		status, err := c.status(pollCtx, s, handle)
		if err != nil {
			return backoff.Permanent(err)
		}

		switch status.Status {
		case StatusSuccess:
			return nil
		case StatusFailure:
			return backoff.Permanent(fmt.Errorf("%w: request %s failed: %s", ErrTimeout, handle, status.Message))
		default:
			return errStillExecuting
		}
	}, b)

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: awaiting request %s: %w", ErrConnection, handle, ctx.Err())
	}
	if pollCtx.Err() != nil || errors.Is(err, errStillExecuting) {
		return fmt.Errorf("%w: request %s not complete after %s", ErrTimeout, handle, timeout)
	}
	return err
}

func (c *Client) status(ctx context.Context, s *Session, handle string) (requestStatus, error) {
	var resp map[string]requestStatus
	if err := c.do(ctx, s, http.MethodGet, "/requests", url.Values{"id": {handle}}, nil, &resp); err != nil {
		return requestStatus{}, err
	}

	status, ok := resp[handle]
	if !ok {
		return requestStatus{}, fmt.Errorf("%w: no status for request %s", ErrProtocol, handle)
	}
	return status, nil
}

// CollectSeries fetches the result of a completed request. Result chunks are
// read until one is marked LAST. The returned series are in pointIDs order;
// points absent from the result get an empty series and a point listed
// several times gets the same series at each position.
func (c *Client) CollectSeries(ctx context.Context, s *Session, handle string, pointIDs []string) ([][]transformer.RawSample, error) {
	requested := uniqueIDs(pointIDs)
	byPoint := make(map[string][]transformer.RawSample, len(requested))

	maxPages := s.Config.MaxPages
	if maxPages <= 0 {
		maxPages = 1000
	}

	for page := 0; page < maxPages; page++ {
		var chunks []tabularChunk
		if err := c.do(ctx, s, http.MethodGet, "/trend/tabular", url.Values{"id": {handle}}, nil, &chunks); err != nil {
			return nil, err
		}
		if len(chunks) == 0 {
			return nil, fmt.Errorf("%w: empty result page for request %s", ErrProtocol, handle)
		}

		last := false
		for _, chunk := range chunks {
			for i, item := range chunk.Items {
				id := item.PointID.IESS
				if id == "" && i < len(requested) {
					id = requested[i]
				}
				samples, err := decodeValues(item.Values)
				if err != nil {
					return nil, fmt.Errorf("%w: request %s point %s: %w", ErrProtocol, handle, id, err)
				}
				byPoint[id] = append(byPoint[id], samples...)
			}
			if chunk.Status == chunkLast {
				last = true
			}
		}

		if last {
			out := make([][]transformer.RawSample, len(pointIDs))
			for i, id := range pointIDs {
				out[i] = byPoint[id]
			}
			return out, nil
		}
	}

	return nil, fmt.Errorf("%w: request %s not finished after %d pages", ErrProtocol, handle, maxPages)
}

// decodeValues converts [ts, value, status] rows
func decodeValues(rows [][]float64) ([]transformer.RawSample, error) {
	out := make([]transformer.RawSample, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("malformed value row %v", row)
		}
		raw := transformer.RawSample{
			Timestamp: int64(row[0]),
			Value:     row[1],
		}
		if len(row) > 2 {
			raw.Status = uint32(row[2])
		}
		out = append(out, raw)
	}
	return out, nil
}

// LiveValue is the current value of one point
type LiveValue struct {
	PointID string
	Sample  transformer.RawSample
}

type liveFilter struct {
	IESS []string `json:"iess"`
}

type liveRequest struct {
	Filters []liveFilter `json:"filters"`
}

type livePoint struct {
	IESS    string  `json:"iess"`
	TS      int64   `json:"ts"`
	Value   float64 `json:"value"`
	Quality uint32  `json:"quality"`
}

type liveResponse struct {
	Points []livePoint `json:"points"`
}

// LiveValues queries the current value of pointIDs
func (c *Client) LiveValues(ctx context.Context, s *Session, pointIDs []string) ([]LiveValue, error) {
	pointIDs = uniqueIDs(pointIDs)
	if len(pointIDs) == 0 {
		return nil, nil
	}

	var resp liveResponse
	req := liveRequest{Filters: []liveFilter{{IESS: pointIDs}}}
	if err := c.do(ctx, s, http.MethodPost, "/points/query", nil, req, &resp); err != nil {
		return nil, err
	}

	out := make([]LiveValue, 0, len(resp.Points))
	for _, p := range resp.Points {
		out = append(out, LiveValue{
			PointID: p.IESS,
			Sample:  transformer.RawSample{Timestamp: p.TS, Value: p.Value, Status: p.Quality},
		})
	}
	return out, nil
}
