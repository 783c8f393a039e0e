package storage

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/eds-sync/transformer"
)

var t0 = time.Date(2025, 1, 1, 9, 5, 0, 0, time.UTC)

func testSeries() Series {
	return Series{
		Group:     "Maxson",
		PointID:   "M100FI.UNIT0@NET0",
		ProjectID: "P1",
		EntityID:  "E1",
		Samples: []transformer.Sample{
			{Timestamp: t0, Value: 10.1, Quality: transformer.Good},
			{Timestamp: t0.Add(5 * time.Minute), Value: 10.2, Quality: transformer.Good},
		},
	}
}

type recordingBackend struct {
	name   string
	err    error
	stored []Series
	closed bool
}

func (b *recordingBackend) Name() string { return b.name }

func (b *recordingBackend) Store(_ context.Context, series Series) error {
	b.stored = append(b.stored, series)
	return b.err
}

func (b *recordingBackend) Close() error {
	b.closed = true
	return nil
}

func TestManagerFanOut(t *testing.T) {
	failing := &recordingBackend{name: "failing", err: errors.New("disk full")}
	ok := &recordingBackend{name: "ok"}
	m := NewManager(failing)
	m.AddBackend(ok)
	assert.Equal(t, 2, m.Len())

	err := m.Store(context.Background(), testSeries())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing: disk full")
	assert.Len(t, failing.stored, 1)
	assert.Len(t, ok.stored, 1)

	require.NoError(t, m.Close())
	assert.True(t, failing.closed)
	assert.True(t, ok.closed)
	assert.Zero(t, m.Len())
}

func TestManagerDropsNonFinite(t *testing.T) {
	b := &recordingBackend{name: "b"}
	m := NewManager(b)

	series := testSeries()
	series.Samples = append(series.Samples, transformer.Sample{Timestamp: t0.Add(10 * time.Minute), Value: math.NaN(), Quality: transformer.Bad})
	require.NoError(t, m.Store(context.Background(), series))
	require.Len(t, b.stored, 1)
	assert.Len(t, b.stored[0].Samples, 2)

	series.Samples = []transformer.Sample{{Timestamp: t0, Value: math.Inf(1)}}
	require.NoError(t, m.Store(context.Background(), series))
	assert.Len(t, b.stored, 1, "nothing left to archive")
}

func TestFileStorage(t *testing.T) {
	fs, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "file", fs.Name())

	series := testSeries()
	require.NoError(t, fs.Store(context.Background(), series))

	path := fs.Path(series)
	assert.Contains(t, path, "Maxson")
	assert.Contains(t, path, "M100FI.UNIT0@NET0_20250101-090500.json")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got struct {
		Group   string `json:"group"`
		PointID string `json:"point_id"`
		Samples []struct {
			TS      time.Time `json:"ts"`
			Value   float64   `json:"value"`
			Quality string    `json:"quality"`
		} `json:"samples"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "Maxson", got.Group)
	require.Len(t, got.Samples, 2)
	assert.Equal(t, 10.2, got.Samples[1].Value)
	assert.Equal(t, "GOOD", got.Samples[1].Quality)

	// storing the same window again replaces the file
	series.Samples[0].Value = 99
	require.NoError(t, fs.Store(context.Background(), series))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 99.0, got.Samples[0].Value)
}

func TestFileStorageSanitizesPaths(t *testing.T) {
	fs, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	series := testSeries()
	series.Group = "../escape"
	series.PointID = "a/b:c"
	path := fs.Path(series)
	assert.NotContains(t, path, "..")
	assert.Contains(t, path, "a_b_c_")
}
