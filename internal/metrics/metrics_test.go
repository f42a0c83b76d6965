package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/FranksOps/prospect/internal/storage"
)

func TestMetricsServer(t *testing.T) {
	srv, err := Start("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("failed to start metrics server: %v", err)
	}
	defer srv.Stop(context.Background())

	RecordFetch("example.com", &storage.RawPage{
		HTTPStatus: 200,
		Body:       []byte("hello world"), // 11 bytes
		Duration:   time.Second,
	})
	RecordFetch("blocked.example.com", &storage.RawPage{
		ErrKind:      storage.FetchBlocked,
		HTTPStatus:   403,
		DetectionSrc: "Cloudflare",
	})
	RecordProvider("google", "")
	RecordProvider("hunter", "rate_limited")

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("failed to fetch metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	output := string(body)

	for _, want := range []string{
		`prospect_fetches_total{detection_src="",host="example.com",outcome="200"} 1`,
		`prospect_fetches_total{detection_src="Cloudflare",host="blocked.example.com",outcome="blocked"} 1`,
		`prospect_fetch_duration_seconds_bucket`,
		`prospect_fetch_bytes_total{host="example.com"} 11`,
		`prospect_provider_calls_total{outcome="ok",provider="google"} 1`,
		`prospect_provider_calls_total{outcome="rate_limited",provider="hunter"} 1`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected metrics output to contain %s", want)
		}
	}
}

func TestRecordFetch_NilPage(t *testing.T) {
	RecordFetch("example.com", nil)
}
