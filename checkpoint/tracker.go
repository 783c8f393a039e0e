// Package checkpoint persists per-stream synchronization progress and derives
// the time window each cycle fetches from the source.
//
// The store is a small JSON document rewritten in full on every mutation:
//
//	{"RJN:Maxson": {"timestamps": {"last_success": "...", "last_attempt": "..."}}}
//
// A missing or unreadable document is treated as "no prior checkpoint", which
// only ever causes a window to be fetched and sent again.
package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/eddielth/eds-sync/config"
	"github.com/eddielth/eds-sync/logger"
)

// Checkpoint is the persisted progress of one stream.
// LastSuccess <= LastAttempt always holds.
type Checkpoint struct {
	LastAttempt time.Time
	LastSuccess time.Time
}

// Window is a half-open fetch interval [Start, End)
type Window struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether there is nothing to fetch
func (w Window) Empty() bool {
	return !w.Start.Before(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

type timestamps struct {
	LastSuccess string `json:"last_success,omitempty"`
	LastAttempt string `json:"last_attempt,omitempty"`
}

type record struct {
	Timestamps timestamps `json:"timestamps"`
}

type document map[string]record

// Tracker is the file-backed checkpoint store. It is safe for concurrent use,
// although a single scheduler drives all streams sequentially.
type Tracker struct {
	path        string
	lookback    time.Duration
	maxLookback time.Duration
	granularity time.Duration
	now         func() time.Time

	mu sync.Mutex
}

// Option configures a Tracker
type Option func(*Tracker)

// WithLookback sets the window length used when a stream has no checkpoint
func WithLookback(d time.Duration) Option {
	return func(t *Tracker) { t.lookback = d }
}

// WithMaxLookback caps how far back a window may start; zero disables the cap
func WithMaxLookback(d time.Duration) Option {
	return func(t *Tracker) { t.maxLookback = d }
}

// WithGranularity sets the rounding applied to the window end
func WithGranularity(d time.Duration) Option {
	return func(t *Tracker) { t.granularity = d }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns a tracker persisting to path
func NewTracker(path string, opts ...Option) *Tracker {
	t := &Tracker{
		path:        path,
		lookback:    time.Hour,
		granularity: 5 * time.Minute,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Path returns the checkpoint file path
func (t *Tracker) Path() string { return t.path }

// Validate checks that the checkpoint directory exists
func (t *Tracker) Validate() error {
	dir := filepath.Dir(t.path)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: checkpoint directory %s: %w", config.ErrConfiguration, dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: checkpoint directory %s is not a directory", config.ErrConfiguration, dir)
	}
	return nil
}

// Floor rounds ts down to a multiple of granularity
func Floor(ts time.Time, granularity time.Duration) time.Time {
	if granularity <= 0 {
		return ts
	}
	return ts.Truncate(granularity)
}

// Get returns the checkpoint of stream, if any
func (t *Tracker) Get(stream string) (Checkpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.load()[stream]
	if !ok {
		return Checkpoint{}, false
	}
	return rec.checkpoint(stream)
}

// FetchStart returns the last success of stream, or the default lookback
// before the rounded current time when the stream has none.
func (t *Tracker) FetchStart(stream string) time.Time {
	if cp, ok := t.Get(stream); ok && !cp.LastSuccess.IsZero() {
		return cp.LastSuccess
	}
	return Floor(t.now(), t.granularity).Add(-t.lookback)
}

// Window computes the next fetch window for stream
func (t *Tracker) Window(stream string) Window {
	end := Floor(t.now(), t.granularity)
	start := t.FetchStart(stream)

	if t.maxLookback > 0 {
		if earliest := end.Add(-t.maxLookback); start.Before(earliest) {
			logger.Warn("checkpoint for %s is older than %s, skipping ahead to %s", stream, t.maxLookback, earliest.Format(time.RFC3339))
			start = earliest
		}
	}

	return Window{Start: start, End: end}
}

// RecordAttempt overwrites the last attempt time of stream
func (t *Tracker) RecordAttempt(stream string, at time.Time) error {
	return t.update(stream, func(cp *Checkpoint) {
		cp.LastAttempt = at
		if cp.LastAttempt.Before(cp.LastSuccess) {
			logger.Warn("attempt time %s precedes last success %s for %s", at.Format(time.RFC3339), cp.LastSuccess.Format(time.RFC3339), stream)
			cp.LastAttempt = cp.LastSuccess
		}
	})
}

// RecordSuccess marks data through `through` as delivered. The success time
// never moves backwards.
func (t *Tracker) RecordSuccess(stream string, through time.Time) error {
	return t.update(stream, func(cp *Checkpoint) {
		if through.After(cp.LastSuccess) {
			cp.LastSuccess = through
		}
		cp.LastAttempt = cp.LastSuccess
	})
}

func (t *Tracker) update(stream string, fn func(cp *Checkpoint)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := t.load()

	var cp Checkpoint
	if rec, ok := doc[stream]; ok {
		cp, _ = rec.checkpoint(stream)
	}
	fn(&cp)
	doc[stream] = newRecord(cp)

	return t.save(doc)
}

// load must be called with mu held. It never fails: unreadable documents
// degrade to an empty one.
func (t *Tracker) load() document {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to read checkpoint file %s, starting without checkpoints: %v", t.path, err)
		}
		return document{}
	}

	doc := document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn("corrupt checkpoint file %s, starting without checkpoints: %v", t.path, err)
		return document{}
	}
	return doc
}

// save writes doc atomically, must be called with mu held
func (t *Tracker) save(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoints: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(t.path), filepath.Base(t.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write checkpoints: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoints: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoints: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoints: %w", err)
	}

	if err := os.Rename(tmp.Name(), t.path); err != nil {
		return fmt.Errorf("replace checkpoints: %w", err)
	}
	return nil
}

func newRecord(cp Checkpoint) record {
	var rec record
	if !cp.LastSuccess.IsZero() {
		rec.Timestamps.LastSuccess = cp.LastSuccess.UTC().Format(time.RFC3339)
	}
	if !cp.LastAttempt.IsZero() {
		rec.Timestamps.LastAttempt = cp.LastAttempt.UTC().Format(time.RFC3339)
	}
	return rec
}

// checkpoint decodes rec. Unparsable timestamps are dropped.
func (rec record) checkpoint(stream string) (Checkpoint, bool) {
	var cp Checkpoint
	var err error

	if s := rec.Timestamps.LastSuccess; s != "" {
		if cp.LastSuccess, err = time.Parse(time.RFC3339, s); err != nil {
			logger.Warn("ignoring unparsable last_success %q for %s", s, stream)
			cp.LastSuccess = time.Time{}
		}
	}
	if s := rec.Timestamps.LastAttempt; s != "" {
		if cp.LastAttempt, err = time.Parse(time.RFC3339, s); err != nil {
			logger.Warn("ignoring unparsable last_attempt %q for %s", s, stream)
			cp.LastAttempt = time.Time{}
		}
	}
	if cp.LastAttempt.Before(cp.LastSuccess) {
		cp.LastAttempt = cp.LastSuccess
	}

	return cp, !cp.LastSuccess.IsZero() || !cp.LastAttempt.IsZero()
}
