package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestFrameCounterLabels(t *testing.T) {
	// Isolated registry; NewMetrics registers with the default one and can
	// only run once per process.
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_ws_frames_total",
			Help: "Test frame counter",
		},
		[]string{"direction", "type"},
	)
	registry := prometheus.NewRegistry()
	registry.MustRegister(counter)

	counter.WithLabelValues("inbound", "prompt").Inc()
	counter.WithLabelValues("inbound", "prompt").Inc()
	counter.WithLabelValues("outbound", "text").Inc()

	expected := `
		# HELP test_ws_frames_total Test frame counter
		# TYPE test_ws_frames_total counter
		test_ws_frames_total{direction="inbound",type="prompt"} 2
		test_ws_frames_total{direction="outbound",type="text"} 1
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestSessionGaugeLifecycle(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_ws_sessions_active",
		Help: "Test session gauge",
	})
	registry := prometheus.NewRegistry()
	registry.MustRegister(gauge)

	gauge.Inc()
	gauge.Inc()
	gauge.Dec()

	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
}

func TestToolDurationBuckets(t *testing.T) {
	hist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_tool_duration_seconds",
			Help:    "Test tool histogram",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"tool"},
	)
	registry := prometheus.NewRegistry()
	registry.MustRegister(hist)

	hist.WithLabelValues("SendEmail").Observe(0.25)
	hist.WithLabelValues("SendEmail").Observe(2.0)

	if count := testutil.CollectAndCount(hist); count != 1 {
		t.Errorf("label combinations = %d, want 1", count)
	}
}
