package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCycle(t *testing.T) {
	before := testutil.ToFloat64(CyclesTotal.WithLabelValues("completed"))
	RecordCycle("completed", 3*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(CyclesTotal.WithLabelValues("completed")))
}

func TestRecordSuccess(t *testing.T) {
	through := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	RecordSuccess("RJN:Maxson", through)
	assert.Equal(t, float64(through.Unix()), testutil.ToFloat64(LastSuccess.WithLabelValues("RJN:Maxson")))
}

func TestRecordArchive(t *testing.T) {
	ok := testutil.ToFloat64(ArchiveWrites.WithLabelValues("file", "ok"))
	failed := testutil.ToFloat64(ArchiveWrites.WithLabelValues("file", "error"))

	RecordArchive("file", nil)
	RecordArchive("file", errors.New("disk full"))

	assert.Equal(t, ok+1, testutil.ToFloat64(ArchiveWrites.WithLabelValues("file", "ok")))
	assert.Equal(t, failed+1, testutil.ToFloat64(ArchiveWrites.WithLabelValues("file", "error")))
}

func TestServe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	RecordError("source", "timeout")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr) }()

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		return err == nil && resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, string(body), `eds_sync_errors_total{component="source",kind="timeout"}`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
