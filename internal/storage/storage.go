package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a record with the requested id or key does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a write would violate a uniqueness constraint.
	ErrConflict = errors.New("storage: conflict")
)

// QueryStatus is the externally controlled lifecycle of a Query.
type QueryStatus string

const (
	QueryActive   QueryStatus = "active"
	QueryPaused   QueryStatus = "paused"
	QueryArchived QueryStatus = "archived"
)

// ParseQueryStatus accepts a status name in any case. The empty string is
// returned as is.
func ParseQueryStatus(s string) (QueryStatus, error) {
	switch st := QueryStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case "", QueryActive, QueryPaused, QueryArchived:
		return st, nil
	}
	return "", fmt.Errorf("unknown query status %q", s)
}

// SignalType classifies a piece of buyer-intent evidence.
type SignalType string

const (
	SignalHiring       SignalType = "hiring"
	SignalFunding      SignalType = "funding"
	SignalExpansion    SignalType = "expansion"
	SignalTechAdoption SignalType = "tech-adoption"
	SignalGeneric      SignalType = "generic"
)

// EnrichmentStatus tracks where a Contact is in the enrichment flow.
type EnrichmentStatus string

const (
	EnrichmentPending  EnrichmentStatus = "pending"
	EnrichmentEnriched EnrichmentStatus = "enriched"
	EnrichmentFailed   EnrichmentStatus = "failed"
)

// FetchErrorKind classifies why a page could not be retrieved.
type FetchErrorKind string

const (
	FetchTimeout   FetchErrorKind = "timeout"
	FetchHTTPError FetchErrorKind = "http_error"
	FetchBlocked   FetchErrorKind = "blocked"
	FetchDNS       FetchErrorKind = "dns"
	FetchRobots    FetchErrorKind = "robots"
)

// ParsedIntent is the planner's interpretation of a query text.
type ParsedIntent struct {
	Keywords    []string     `json:"keywords"`
	Industries  []string     `json:"industries"`
	Roles       []string     `json:"roles"`
	SignalTypes []SignalType `json:"signal_types"`
}

// Query is a submitted prospecting request. Text never changes after creation.
type Query struct {
	ID              string       `json:"id"`
	Text            string       `json:"text"`
	ParsedIntent    ParsedIntent `json:"parsed_intent"`
	Status          QueryStatus  `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
	LastRefreshedAt *time.Time   `json:"last_refreshed_at,omitempty"`
	// Cycle counts completed pipeline runs; leads carry the cycle that created them.
	Cycle               int           `json:"cycle"`
	CheckFrequency      time.Duration `json:"check_frequency"`
	SuccessfulOperators []string      `json:"successful_operators,omitempty"`
}

// RawPage is a fetched document. It is never persisted.
type RawPage struct {
	URL         string
	FetchedAt   time.Time
	ContentHash string
	Body        []byte
	ContentType string
	HTTPStatus  int
	Duration    time.Duration

	// Set when the fetch failed; Body is empty in that case.
	ErrKind      FetchErrorKind
	Error        string
	DetectedBot  bool
	DetectionSrc string // e.g. "Cloudflare", "Akamai", "PerimeterX", "DataDome"
}

// Failed reports whether the page carries a fetch failure.
func (p *RawPage) Failed() bool {
	return p.ErrKind != ""
}

// Signal is evidence of buyer intent attached to a company.
type Signal struct {
	SourceURL  string     `json:"source_url"`
	Snippet    string     `json:"snippet"`
	Type       SignalType `json:"type"`
	Confidence float64    `json:"confidence"`
}

// Company is the canonical record for one normalized key.
type Company struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Domain         string    `json:"domain,omitempty"`
	NormalizedKey  string    `json:"normalized_key"`
	NameConfidence float64   `json:"name_confidence"`
	Signals        []Signal  `json:"signals"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
}

// Contact is a person at exactly one Company.
type Contact struct {
	ID               string           `json:"id"`
	CompanyID        string           `json:"company_id"`
	Name             string           `json:"name"`
	Title            string           `json:"title,omitempty"`
	Email            string           `json:"email,omitempty"`
	EmailConfidence  float64          `json:"email_confidence,omitempty"`
	LinkedInURL      string           `json:"linkedin_url,omitempty"`
	SourceConfidence float64          `json:"source_confidence"`
	EnrichmentStatus EnrichmentStatus `json:"enrichment_status"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Lead is the append-only unit surfaced for a Query.
type Lead struct {
	ID        string    `json:"id"`
	QueryID   string    `json:"query_id"`
	CompanyID string    `json:"company_id"`
	ContactID string    `json:"contact_id,omitempty"` // empty when the lead has no contact
	Cycle     int       `json:"cycle"`
	CreatedAt time.Time `json:"created_at"`
}

// QueryFilter narrows ListQueries.
type QueryFilter struct {
	Status QueryStatus // empty matches all
	Limit  int
	Offset int
}

// Backend is the narrow persistence contract used by the pipeline and scheduler.
type Backend interface {
	CreateQuery(ctx context.Context, q *Query) error
	GetQuery(ctx context.Context, id string) (*Query, error)
	UpdateQuery(ctx context.Context, q *Query) error
	ListQueries(ctx context.Context, filter QueryFilter) ([]*Query, error)

	// SaveCompany inserts or replaces a company by ID. A second company with the
	// same NormalizedKey is rejected with ErrConflict.
	SaveCompany(ctx context.Context, c *Company) error
	GetCompany(ctx context.Context, id string) (*Company, error)
	CompanyByKey(ctx context.Context, normalizedKey string) (*Company, error)
	// LinkCompany attaches a company to a query and reports whether the link is new.
	LinkCompany(ctx context.Context, queryID, companyID string) (bool, error)
	CompaniesForQuery(ctx context.Context, queryID string) ([]*Company, error)

	// SaveContact inserts or replaces a contact by ID. A non-empty email already
	// used by another contact of the same company is rejected with ErrConflict.
	SaveContact(ctx context.Context, c *Contact) error
	GetContact(ctx context.Context, id string) (*Contact, error)
	ContactsForCompany(ctx context.Context, companyID string) ([]*Contact, error)

	AppendLead(ctx context.Context, l *Lead) error
	// LeadsForQuery returns leads ordered by creation time.
	LeadsForQuery(ctx context.Context, queryID string) ([]*Lead, error)

	Close() error
}

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.New().String()
}

// ContentHash returns the hex sha256 of body.
func ContentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// LeadLess orders leads by CreatedAt, then ID.
func LeadLess(a, b *Lead) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
