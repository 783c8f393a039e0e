package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddielth/eds-sync/checkpoint"
	"github.com/eddielth/eds-sync/config"
	"github.com/eddielth/eds-sync/eds"
	"github.com/eddielth/eds-sync/rjn"
)

// State is the progress of a point stream within one cycle
type State int

// Point stream states. Succeeded, Failed and Skipped are terminal.
const (
	Pending State = iota
	WindowComputed
	Fetching
	Transforming
	Transmitting
	Succeeded
	Failed
	Skipped
)

var stateNames = [...]string{
	Pending:        "PENDING",
	WindowComputed: "WINDOW_COMPUTED",
	Fetching:       "FETCHING",
	Transforming:   "TRANSFORMING",
	Transmitting:   "TRANSMITTING",
	Succeeded:      "SUCCEEDED",
	Failed:         "FAILED",
	Skipped:        "SKIPPED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s is final for the cycle
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Skipped
}

// Error kinds used in logs and metrics
const (
	KindConfiguration         = "configuration"
	KindSourceConnection      = "source_connection"
	KindSourceTimeout         = "source_timeout"
	KindSourceAuth            = "source_auth"
	KindSourceProtocol        = "source_protocol"
	KindDestinationAuth       = "destination_auth"
	KindDestinationConnection = "destination_connection"
	KindDestinationRejected   = "destination_rejected"
	KindInvalidSeries         = "invalid_series"
	KindCheckpoint            = "checkpoint"
	KindCancelled             = "cancelled"
	KindUnknown               = "unknown"
)

// errRejected marks a send the destination answered with a non-2xx status
var errRejected = errors.New("destination rejected data")

// Kind classifies err for operators: source down, destination rejecting
// data or bad configuration.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, config.ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, eds.ErrAuth):
		return KindSourceAuth
	case errors.Is(err, eds.ErrTimeout):
		return KindSourceTimeout
	case errors.Is(err, eds.ErrConnection):
		return KindSourceConnection
	case errors.Is(err, eds.ErrProtocol):
		return KindSourceProtocol
	case errors.Is(err, rjn.ErrAuth):
		return KindDestinationAuth
	case errors.Is(err, rjn.ErrConnection):
		return KindDestinationConnection
	case errors.Is(err, rjn.ErrInvalidSeries):
		return KindInvalidSeries
	case errors.Is(err, errRejected):
		return KindDestinationRejected
	case errors.Is(err, errCheckpoint):
		return KindCheckpoint
	default:
		return KindUnknown
	}
}

// PointResult is the outcome of one point stream
type PointResult struct {
	PointID   string
	ProjectID string
	EntityID  string
	State     State
	// Samples is the number of samples left after filtering
	Samples int
	Err     error
}

// GroupResult is the outcome of one source group
type GroupResult struct {
	Group  string
	Stream string
	Window checkpoint.Window
	State  State
	// Advanced is set when the group's checkpoint moved to Window.End
	Advanced bool
	Points   []PointResult
	Err      error
}

// Count returns the number of points in state s
func (g GroupResult) Count(s State) int {
	n := 0
	for _, p := range g.Points {
		if p.State == s {
			n++
		}
	}
	return n
}

// Report summarizes one cycle
type Report struct {
	CycleID  string
	Started  time.Time
	Finished time.Time
	DryRun   bool
	Groups   []GroupResult
}

// Count returns the number of points in state s over all groups
func (r *Report) Count(s State) int {
	n := 0
	for _, g := range r.Groups {
		n += g.Count(s)
	}
	return n
}

// FailedGroups returns the names of the groups that failed
func (r *Report) FailedGroups() []string {
	var out []string
	for _, g := range r.Groups {
		if g.State == Failed {
			out = append(out, g.Group)
		}
	}
	return out
}

// Duration returns how long the cycle ran
func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}
