package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestHealthStatus_Report(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(h *HealthStatus)
		status string
		code   int
	}{
		{
			name:   "nothing yet",
			setup:  func(h *HealthStatus) {},
			status: "unhealthy",
			code:   http.StatusServiceUnavailable,
		},
		{
			name: "streaming with archive",
			setup: func(h *HealthStatus) {
				h.SetFeedState("STREAMING", true)
				h.SetSQLiteOK(true)
			},
			status: "healthy",
			code:   http.StatusOK,
		},
		{
			name: "redis enabled but down",
			setup: func(h *HealthStatus) {
				h.SetFeedState("STREAMING", true)
				h.SetSQLiteOK(true)
				h.SetRedisEnabled(true)
			},
			status: "degraded",
			code:   http.StatusServiceUnavailable,
		},
		{
			name: "reconnecting with history",
			setup: func(h *HealthStatus) {
				h.SetFeedState("DISCONNECTED", false)
				h.SetSQLiteOK(true)
				h.SetHistoryLen(100)
			},
			status: "degraded",
			code:   http.StatusServiceUnavailable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthStatus("PAXGUSDT")
			tc.setup(h)
			report, code := h.Report()
			if report.Status != tc.status || code != tc.code {
				t.Errorf("got %s/%d, want %s/%d", report.Status, code, tc.status, tc.code)
			}
		})
	}
}

func TestServer_Endpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.CandleUpdates.WithLabelValues("append").Inc()
	m.HistoryLen.Set(42)

	health := NewHealthStatus("PAXGUSDT")
	health.SetFeedState("STREAMING", true)
	health.SetSQLiteOK(true)
	health.SetLastMessageTime(time.Now())

	srv := httptest.NewServer(NewServer(":0", health, reg, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	var report HealthReport
	json.NewDecoder(resp.Body).Decode(&report)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || report.Status != "healthy" || report.FeedState != "STREAMING" {
		t.Fatalf("unexpected health %d %+v", resp.StatusCode, report)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{`feed_candle_updates_total{update="append"} 1`, "feed_history_len 42"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	// Each registry gets its own collectors; registering twice on one would panic.
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}
