package main

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czerwonk/latency_monitor/config"
	"github.com/czerwonk/latency_monitor/probe"
	"github.com/czerwonk/latency_monitor/scheduler"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestMonitor returns an idle scheduler whose probes cycle through
// latencies. A latency of 0 is a lost probe.
func newTestMonitor(t *testing.T, latencies ...float64) *scheduler.Scheduler {
	t.Helper()

	var n atomic.Int64
	sampler := probe.SamplerFunc(func(ctx context.Context, _ probe.Target) probe.Result {
		ms := latencies[int(n.Add(1)-1)%len(latencies)]
		if ms == 0 {
			return probe.Result{Timestamp: time.Now()}
		}
		return probe.Result{Success: true, Latency: ms, Port: 443, Timestamp: time.Now()}
	})

	cfg := scheduler.Config{
		Interval:    10 * time.Millisecond,
		Quantum:     5 * time.Millisecond,
		HistorySize: 5,
	}
	s, err := scheduler.New(sampler, probe.Target{Host: "192.0.2.1", Ports: []int{443, 80}}, nil, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	return s
}

func newTestRouter(t *testing.T, s *scheduler.Scheduler) *gin.Engine {
	t.Helper()

	tc := config.TargetConfig{Host: "192.0.2.1", Ports: []int{443, 80}}
	tr := newTarget(tc, &staticResolver{})
	reg := prometheus.NewRegistry()
	reg.MustRegister(newMonitorCollector(s, tr, newCustomLabelSet(tc), rttInMills))

	a := &api{
		monitor:     s,
		hub:         newHub(s, false),
		stopTimeout: time.Second,
	}
	return newRouter(a, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), "/metrics")
}

func serve(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSnapshotBeforeFirstProbe(t *testing.T) {
	r := newTestRouter(t, newTestMonitor(t, 10))

	w := serve(r, http.MethodGet, "/api/snapshot", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", w.Body.String())
}

func TestSnapshotAfterProbe(t *testing.T) {
	s := newTestMonitor(t, 12.34)
	r := newTestRouter(t, s)

	require.NoError(t, s.Start())
	s.SignalReady()
	require.Eventually(t, func() bool {
		return s.LatestSnapshot() != nil
	}, 2*time.Second, 5*time.Millisecond)

	w := serve(r, http.MethodGet, "/api/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)

	var snap scheduler.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 12.3, snap.Latency)
	assert.Equal(t, 0.0, snap.PacketLoss)
	assert.Equal(t, 443, snap.Port)
	assert.GreaterOrEqual(t, snap.Seq, uint64(1))
}

func TestStatus(t *testing.T) {
	r := newTestRouter(t, newTestMonitor(t, 10))

	w := serve(r, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var st statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, int64(10), st.Interval)
	assert.Equal(t, "192.0.2.1", st.Target.Host)
	assert.Equal(t, []int{443, 80}, st.Target.Ports)
	assert.Equal(t, 0, st.Clients)
	assert.Equal(t, uint64(0), st.Stats.Ticks)
}

func TestSetInterval(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		code     int
		interval time.Duration
	}{
		{
			name:     "valid",
			body:     `{"interval": 250}`,
			code:     http.StatusOK,
			interval: 250 * time.Millisecond,
		},
		{
			name:     "missing",
			body:     `{}`,
			code:     http.StatusBadRequest,
			interval: 10 * time.Millisecond,
		},
		{
			name:     "negative",
			body:     `{"interval": -5}`,
			code:     http.StatusBadRequest,
			interval: 10 * time.Millisecond,
		},
		{
			name:     "too large",
			body:     `{"interval": 7200000}`,
			code:     http.StatusBadRequest,
			interval: 10 * time.Millisecond,
		},
		{
			name:     "overflowing",
			body:     `{"interval": 288230376151712504}`,
			code:     http.StatusBadRequest,
			interval: 10 * time.Millisecond,
		},
		{
			name:     "malformed",
			body:     `{"interval": "fast"}`,
			code:     http.StatusBadRequest,
			interval: 10 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestMonitor(t, 10)
			r := newTestRouter(t, s)

			w := serve(r, http.MethodPut, "/api/interval", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
			assert.Equal(t, tt.interval, s.Interval())
		})
	}
}

func TestIntervalFromMillis(t *testing.T) {
	tests := []struct {
		ms      int64
		want    time.Duration
		wantErr bool
	}{
		{ms: 1, want: time.Millisecond},
		{ms: 3600000, want: time.Hour},
		{ms: 0, wantErr: true},
		{ms: -1, wantErr: true},
		{ms: 3600001, wantErr: true},
		{ms: 288230376151712504, wantErr: true},
		{ms: math.MaxInt64, wantErr: true},
		{ms: math.MinInt64, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(strconv.FormatInt(tt.ms, 10), func(t *testing.T) {
			d, err := intervalFromMillis(tt.ms)
			if tt.wantErr {
				assert.ErrorIs(t, err, scheduler.ErrInvalidInterval)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestSetIntervalAfterStop(t *testing.T) {
	s := newTestMonitor(t, 10)
	r := newTestRouter(t, s)

	require.NoError(t, s.Start())
	require.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/api/stop", "").Code)

	w := serve(r, http.MethodPut, "/api/interval", `{"interval": 250}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 10*time.Millisecond, s.Interval())
}

func TestStartStop(t *testing.T) {
	s := newTestMonitor(t, 10)
	r := newTestRouter(t, s)

	w := serve(r, http.MethodPost, "/api/start", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"state":"running"}`, w.Body.String())

	w = serve(r, http.MethodPost, "/api/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = serve(r, http.MethodPost, "/api/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"state":"stopped"}`, w.Body.String())

	w = serve(r, http.MethodPost, "/api/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(r, http.MethodPost, "/api/start", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReady(t *testing.T) {
	s := newTestMonitor(t, 10)
	r := newTestRouter(t, s)

	require.NoError(t, s.Start())
	time.Sleep(30 * time.Millisecond)
	assert.Nil(t, s.LatestSnapshot(), "no probe before ready")

	w := serve(r, http.MethodPost, "/api/ready", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	assert.Eventually(t, func() bool {
		return s.LatestSnapshot() != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMetricsAndIndex(t *testing.T) {
	s := newTestMonitor(t, 10)
	r := newTestRouter(t, s)

	require.NoError(t, s.Start())
	s.SignalReady()
	require.Eventually(t, func() bool {
		return s.LatestSnapshot() != nil
	}, 2*time.Second, 5*time.Millisecond)

	w := serve(r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `latency_monitor_running{target="192.0.2.1"} 1`)
	assert.Contains(t, w.Body.String(), `latency_monitor_latency_ms{target="192.0.2.1"} 10`)

	w = serve(r, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `<a href="/metrics">`)
}
