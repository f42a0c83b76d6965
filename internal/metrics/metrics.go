package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FranksOps/prospect/internal/storage"
)

var (
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospect_fetches_total",
			Help: "Page fetches by host and outcome",
		},
		[]string{"host", "outcome", "detection_src"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prospect_fetch_duration_seconds",
			Help:    "Duration of page fetches in seconds, retries included",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	FetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospect_fetch_bytes_total",
			Help: "Bytes downloaded across all fetches",
		},
		[]string{"host"},
	)

	FetchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospect_fetch_retries_total",
			Help: "Fetch retries by host",
		},
		[]string{"host"},
	)

	ProxyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospect_proxy_failures_total",
			Help: "Requests that failed through a proxy",
		},
		[]string{"proxy_url"},
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospect_provider_calls_total",
			Help: "Search and enrichment provider calls by outcome",
		},
		[]string{"provider", "outcome"},
	)

	PageCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospect_page_cache_total",
			Help: "Page cache lookups by result",
		},
		[]string{"result"},
	)

	LeadsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prospect_leads_created_total",
			Help: "Leads appended across all queries",
		},
	)

	EnrichmentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospect_enrichment_outcomes_total",
			Help: "Contact enrichment results by status",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prospect_run_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prospect_runs_in_flight",
			Help: "Pipeline runs currently executing",
		},
	)

	RefreshTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospect_refresh_triggers_total",
			Help: "Refresh requests by result (started, already_running)",
		},
		[]string{"result"},
	)
)

// RecordFetch updates the fetch metrics for a completed page.
func RecordFetch(host string, page *storage.RawPage) {
	if page == nil {
		return
	}

	outcome := strconv.Itoa(page.HTTPStatus)
	if page.Failed() {
		outcome = string(page.ErrKind)
	}

	FetchesTotal.WithLabelValues(host, outcome, page.DetectionSrc).Inc()
	FetchDuration.WithLabelValues(host).Observe(page.Duration.Seconds())
	FetchBytesTotal.WithLabelValues(host).Add(float64(len(page.Body)))
}

// RecordProvider counts one provider call. An empty outcome means success.
func RecordProvider(provider, outcome string) {
	if outcome == "" {
		outcome = "ok"
	}
	ProviderCalls.WithLabelValues(provider, outcome).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server is a standalone /metrics listener for commands without the API.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Start listens on addr and serves /metrics in the background.
func Start(addr string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	return &Server{srv: srv, ln: ln}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
