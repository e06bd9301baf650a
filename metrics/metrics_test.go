package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/jjqq2013/maas/message"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCycleMetrics(t *testing.T) {
	m := New()
	m.CycleSucceeded(3, 2, 0.01)
	m.CycleSucceeded(2, 0, 0.02)
	m.CycleFailed(StageReplace)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cycles))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.advertisedEndpoints))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.staleCollected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycleFailures.WithLabelValues(StageReplace)))

	m.Withdrawn()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.advertisedEndpoints))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CycleSucceeded(1, 1, 1)
		m.CycleFailed(StageCollect)
		m.Withdrawn()
	})

	h := m.RequestMiddleware()(func(ctx context.Context, req *message.Message) *message.Message {
		return &message.Message{Command: req.Command}
	})
	assert.NotNil(t, h(context.Background(), &message.Message{Command: "X"}))
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	h := m.RequestMiddleware()(func(ctx context.Context, req *message.Message) *message.Message {
		if req.Command == "Bad" {
			return message.Failed(req.Command, "no")
		}
		return &message.Message{Command: req.Command}
	})

	ctx := context.Background()
	h(ctx, &message.Message{Command: "ReportBootImages"})
	h(ctx, &message.Message{Command: "ReportBootImages"})
	h(ctx, &message.Message{Command: "Bad"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("ReportBootImages", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("Bad", "error")))
}

func TestServerExposesMetrics(t *testing.T) {
	m := New()
	m.CycleSucceeded(1, 0, 0.001)

	s := NewServer("127.0.0.1:0", m, nil)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { s.Stop(ctx) })

	resp, err := http.Get("http://" + s.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "regiond_advertise_cycles_total 1")

	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}
