package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apsbulk/internal/checkpoint"
	"apsbulk/internal/progress"
)

func TestCollectorRecordsItems(t *testing.T) {
	c := New()

	c.ItemStarted("upload")
	c.ItemStarted("upload")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.inflightItems.WithLabelValues("upload")))

	c.ItemFinished("upload", checkpoint.ItemCompleted, 1, 50*time.Millisecond, 1024)
	c.ItemFinished("upload", checkpoint.ItemFailed, 3, time.Second, 0)

	assert.Equal(t, 0.0, testutil.ToFloat64(c.inflightItems.WithLabelValues("upload")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.itemsTotal.WithLabelValues("upload", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.itemsTotal.WithLabelValues("upload", "failed")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(c.bytesTotal.WithLabelValues("upload")))
}

func TestCollectorRecordsAttemptsAndCheckpoints(t *testing.T) {
	c := New()

	c.AttemptFailed("add-user", "HTTP 429", true)
	c.AttemptFailed("add-user", "HTTP 404", false)
	c.CheckpointWritten("add-user", time.Millisecond, nil)
	c.CheckpointWritten("add-user", time.Millisecond, errors.New("disk full"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.attemptsFailed.WithLabelValues("add-user", "HTTP 429", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attemptsFailed.WithLabelValues("add-user", "HTTP 404", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.checkpoints.WithLabelValues("add-user", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.checkpoints.WithLabelValues("add-user", "error")))
}

func TestCollectorObserveProgress(t *testing.T) {
	c := New()
	c.ObserveProgress(progress.Snapshot{Total: 10, Completed: 3, Failed: 1, Skipped: 1})

	assert.Equal(t, 5.0, testutil.ToFloat64(c.itemsDone))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.itemsPlanned))
}

func TestCollectorHandlerExposesRegistry(t *testing.T) {
	c := New()
	c.ItemStarted("remove-user")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `bulk_inflight_items{kind="remove-user"} 1`)
	assert.NotContains(t, string(body), "go_goroutines", "private registry carries no runtime collectors")
}
