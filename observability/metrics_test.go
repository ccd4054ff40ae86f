package observability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/runnable"
)

func TestMetricsHandler_Runs(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	h := NewMetricsHandler(m)

	seq := runnable.Pipe(double(), double())
	_, err := seq.Invoke(context.Background(), 1, config.WithCallbacks(h))
	require.NoError(t, err)

	fail := runnable.Func("fail", func(context.Context, any) (any, error) { return nil, errors.New("boom") })
	_, err = fail.Invoke(context.Background(), 1, config.WithCallbacks(h))
	require.Error(t, err)

	expected := `
		# HELP chainmesh_runs_total Total number of finished runs by kind, name and status
		# TYPE chainmesh_runs_total counter
		chainmesh_runs_total{kind="chain",name="RunnableSequence",status="success"} 1
		chainmesh_runs_total{kind="chain",name="double",status="success"} 2
		chainmesh_runs_total{kind="chain",name="fail",status="error"} 1
	`
	if err := testutil.CollectAndCompare(m.RunsTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RunsInFlight.WithLabelValues("chain")))
	assert.Equal(t, 3, testutil.CollectAndCount(m.RunDuration))

	count, err := testutil.GatherAndCount(registry, "chainmesh_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestMetricsHandler_Cancelled(t *testing.T) {
	m := NewMetrics(nil)
	h := NewMetricsHandler(m)
	ctx := context.Background()
	start := time.Now()
	run := callbacks.Run{ID: "r1", Name: "slow", Kind: callbacks.KindTool, StartTime: start}

	require.NoError(t, h.OnRunStart(ctx, run))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsInFlight.WithLabelValues("tool")))

	run.EndTime = start.Add(2 * time.Second)
	run.Error = context.Canceled
	require.NoError(t, h.OnRunError(ctx, run))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("tool", "slow", StatusCancelled)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RunsInFlight.WithLabelValues("tool")))
}

func TestMetricsHandler_Chunks(t *testing.T) {
	m := NewMetrics(nil)
	h := NewMetricsHandler(m)
	run := callbacks.Run{ID: "r1", Name: "fake", Kind: callbacks.KindChatModel}

	for range 4 {
		require.NoError(t, h.OnRunChunk(context.Background(), run, "c"))
	}
	assert.Equal(t, 4.0, testutil.ToFloat64(m.StreamChunks.WithLabelValues("chat_model", "fake")))
}
