package pipeline

import (
	"fmt"
	"time"

	"github.com/FranksOps/prospect/internal/enricher"
	"github.com/FranksOps/prospect/internal/provider"
	"github.com/FranksOps/prospect/internal/storage"
)

// RunSummary reports what one run did. Degraded lists the steps that only
// partly succeeded; a run with degraded steps still completed.
type RunSummary struct {
	QueryID    string               `json:"query_id"`
	Cycle      int                  `json:"cycle"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Intent     storage.ParsedIntent `json:"intent"`

	Operations          int `json:"operations"`
	SearchFailures      int `json:"search_failures"`
	SearchRateLimited   int `json:"search_rate_limited"`
	SearchQuotaExceeded int `json:"search_quota_exceeded"`

	PagesFetched int `json:"pages_fetched"`
	PagesFailed  int `json:"pages_failed"`
	Candidates   int `json:"candidates"`

	Companies    int `json:"companies"`
	NewCompanies int `json:"new_companies"`
	Conflicts    int `json:"conflicts"`

	Contacts   int             `json:"contacts"`
	Enrichment enricher.Report `json:"enrichment"`

	LeadsCreated        int      `json:"leads_created"`
	SuccessfulOperators []string `json:"successful_operators,omitempty"`
	Degraded            []string `json:"degraded,omitempty"`
}

// Duration is the wall time of the run.
func (s *RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

func (s *RunSummary) recordSearchError(err error) {
	switch provider.KindOf(err) {
	case provider.RateLimited:
		s.SearchRateLimited++
	case provider.QuotaExceeded:
		s.SearchQuotaExceeded++
	default:
		s.SearchFailures++
	}
}

// finish derives Degraded from the counters.
func (s *RunSummary) finish() {
	s.Degraded = s.Degraded[:0]
	if s.SearchRateLimited > 0 {
		s.Degraded = append(s.Degraded, fmt.Sprintf("search provider rate limited for %d operations", s.SearchRateLimited))
	}
	if s.SearchQuotaExceeded > 0 {
		s.Degraded = append(s.Degraded, fmt.Sprintf("search provider quota exceeded for %d operations", s.SearchQuotaExceeded))
	}
	if s.SearchFailures > 0 {
		s.Degraded = append(s.Degraded, fmt.Sprintf("%d search operations failed", s.SearchFailures))
	}
	if s.PagesFailed > 0 {
		s.Degraded = append(s.Degraded, fmt.Sprintf("%d pages failed to fetch", s.PagesFailed))
	}
	if s.Enrichment.QuotaExceeded {
		s.Degraded = append(s.Degraded, "enrichment provider quota exceeded")
	}
	if n := s.Enrichment.Incomplete(); n > 0 {
		s.Degraded = append(s.Degraded, fmt.Sprintf("enrichment incomplete for %d contacts", n))
	}
	if len(s.Degraded) == 0 {
		s.Degraded = nil
	}
}
