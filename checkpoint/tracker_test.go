package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/eds-sync/config"
)

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func newTestTracker(t *testing.T, now time.Time, opts ...Option) *Tracker {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.json")
	return NewTracker(path, append([]Option{WithClock(fixedClock(now))}, opts...)...)
}

func TestFetchStartWithoutCheckpoint(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 7, 42, 0, time.UTC)
	tr := newTestTracker(t, now)

	assert.Equal(t, time.Date(2025, 1, 1, 9, 5, 0, 0, time.UTC), tr.FetchStart("RJN:Maxson"))

	w := tr.Window("RJN:Maxson")
	assert.Equal(t, time.Date(2025, 1, 1, 9, 5, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC), w.End)
	assert.False(t, w.Empty())
}

func TestFetchStartWithCheckpoint(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 7, 0, 0, time.UTC)
	tr := newTestTracker(t, now)
	last := time.Date(2025, 1, 1, 6, 35, 0, 0, time.UTC)

	require.NoError(t, tr.RecordSuccess("RJN:Maxson", last))

	assert.Equal(t, last, tr.FetchStart("RJN:Maxson"))
	assert.Equal(t, last, tr.Window("RJN:Maxson").Start)
}

func TestWindowMaxLookback(t *testing.T) {
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	tr := newTestTracker(t, now, WithMaxLookback(24*time.Hour))

	require.NoError(t, tr.RecordSuccess("s", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))

	w := tr.Window("s")
	assert.Equal(t, now.Add(-24*time.Hour), w.Start)
	assert.Equal(t, now, w.End)
}

func TestWindowEmptyWhenCaughtUp(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 3, 0, 0, time.UTC)
	tr := newTestTracker(t, now)

	require.NoError(t, tr.RecordSuccess("s", time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)))
	assert.True(t, tr.Window("s").Empty())
}

func TestRecordAttemptKeepsSuccess(t *testing.T) {
	tr := newTestTracker(t, time.Now())
	success := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	attempt := time.Date(2025, 1, 1, 11, 2, 0, 0, time.UTC)

	require.NoError(t, tr.RecordSuccess("s", success))
	require.NoError(t, tr.RecordAttempt("s", attempt))

	cp, ok := tr.Get("s")
	require.True(t, ok)
	assert.Equal(t, success, cp.LastSuccess)
	assert.Equal(t, attempt, cp.LastAttempt)
}

func TestCheckpointMonotonicity(t *testing.T) {
	tr := newTestTracker(t, time.Now())
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	ops := []struct {
		success bool
		at      time.Time
	}{
		{false, base.Add(time.Hour)},
		{true, base.Add(time.Hour)},
		{false, base.Add(2 * time.Hour)},
		{true, base.Add(30 * time.Minute)},  // stale success
		{false, base.Add(10 * time.Minute)}, // clock stepped back
		{true, base.Add(3 * time.Hour)},
		{false, base.Add(4 * time.Hour)},
	}

	var prevSuccess time.Time
	for i, op := range ops {
		if op.success {
			require.NoError(t, tr.RecordSuccess("s", op.at))
		} else {
			require.NoError(t, tr.RecordAttempt("s", op.at))
		}

		cp, ok := tr.Get("s")
		require.True(t, ok, "op %d", i)
		assert.False(t, cp.LastSuccess.Before(prevSuccess), "op %d: success moved backwards", i)
		assert.False(t, cp.LastAttempt.Before(cp.LastSuccess), "op %d: attempt before success", i)
		prevSuccess = cp.LastSuccess
	}
	assert.Equal(t, base.Add(3*time.Hour), prevSuccess)
}

func TestStreamsAreIndependent(t *testing.T) {
	tr := newTestTracker(t, time.Now())
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, tr.RecordSuccess("RJN:Maxson", ts))
	require.NoError(t, tr.RecordAttempt("RJN:Stiles", ts))

	cp, ok := tr.Get("RJN:Stiles")
	require.True(t, ok)
	assert.True(t, cp.LastSuccess.IsZero())
	assert.Equal(t, ts, cp.LastAttempt)

	_, ok = tr.Get("RJN:Other")
	assert.False(t, ok)
}

func TestFileFormat(t *testing.T) {
	tr := newTestTracker(t, time.Now())
	ts := time.Date(2025, 1, 1, 5, 0, 0, 0, time.UTC)
	require.NoError(t, tr.RecordSuccess("RJN:Maxson", ts))

	data, err := os.ReadFile(tr.Path())
	require.NoError(t, err)
	assert.JSONEq(t, `{"RJN:Maxson":{"timestamps":{"last_success":"2025-01-01T05:00:00Z","last_attempt":"2025-01-01T05:00:00Z"}}}`, string(data))
}

func TestCorruptFileFallsBackToLookback(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	tr := newTestTracker(t, now)
	require.NoError(t, os.WriteFile(tr.Path(), []byte("{not json"), 0644))

	assert.Equal(t, now.Add(-time.Hour), tr.FetchStart("s"))

	// the next write replaces the corrupt document
	require.NoError(t, tr.RecordAttempt("s", now))
	cp, ok := tr.Get("s")
	require.True(t, ok)
	assert.Equal(t, now, cp.LastAttempt)
}

func TestUnparsableTimestampIgnored(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	tr := newTestTracker(t, now)
	require.NoError(t, os.WriteFile(tr.Path(), []byte(`{"s":{"timestamps":{"last_success":"yesterday"}}}`), 0644))

	assert.Equal(t, now.Add(-time.Hour), tr.FetchStart("s"))
}

func TestValidate(t *testing.T) {
	tr := NewTracker(filepath.Join(t.TempDir(), "checkpoints.json"))
	assert.NoError(t, tr.Validate())

	missing := NewTracker(filepath.Join(t.TempDir(), "nope", "checkpoints.json"))
	assert.ErrorIs(t, missing.Validate(), config.ErrConfiguration)
}
