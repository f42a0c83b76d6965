// Package storagetest holds the behavioural checks every storage.Backend
// implementation must pass.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/prospect/internal/storage"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) storage.Backend

// Run exercises b against the storage.Backend contract.
func Run(t *testing.T, newBackend Factory) {
	t.Run("Queries", func(t *testing.T) { testQueries(t, newBackend(t)) })
	t.Run("Companies", func(t *testing.T) { testCompanies(t, newBackend(t)) })
	t.Run("Contacts", func(t *testing.T) { testContacts(t, newBackend(t)) })
	t.Run("Leads", func(t *testing.T) { testLeads(t, newBackend(t)) })
}

func newQuery(text string, now time.Time) *storage.Query {
	return &storage.Query{
		ID:     storage.NewID(),
		Text:   text,
		Status: storage.QueryActive,
		ParsedIntent: storage.ParsedIntent{
			Keywords:    []string{"pharma", "ai"},
			SignalTypes: []storage.SignalType{storage.SignalTechAdoption},
		},
		CreatedAt:      now,
		CheckFrequency: 24 * time.Hour,
	}
}

func testQueries(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	q := newQuery("find pharma companies investing in AI", now)
	require.NoError(t, b.CreateQuery(ctx, q))
	assert.ErrorIs(t, b.CreateQuery(ctx, q), storage.ErrConflict)

	got, err := b.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, q.Text, got.Text)
	assert.Equal(t, storage.QueryActive, got.Status)
	assert.Equal(t, q.ParsedIntent.Keywords, got.ParsedIntent.Keywords)
	assert.Equal(t, q.ParsedIntent.SignalTypes, got.ParsedIntent.SignalTypes)
	assert.Equal(t, 24*time.Hour, got.CheckFrequency)
	assert.Nil(t, got.LastRefreshedAt)
	assert.Equal(t, q.CreatedAt.Unix(), got.CreatedAt.Unix())

	refreshed := now.Add(time.Minute)
	got.Cycle = 2
	got.LastRefreshedAt = &refreshed
	got.Status = storage.QueryPaused
	got.SuccessfulOperators = []string{`site:linkedin.com/jobs "ai"`}
	got.Text = "mutated"
	require.NoError(t, b.UpdateQuery(ctx, got))

	again, err := b.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, q.Text, again.Text, "text is immutable")
	assert.Equal(t, 2, again.Cycle)
	assert.Equal(t, storage.QueryPaused, again.Status)
	assert.Equal(t, []string{`site:linkedin.com/jobs "ai"`}, again.SuccessfulOperators)
	require.NotNil(t, again.LastRefreshedAt)
	assert.Equal(t, refreshed.Unix(), again.LastRefreshedAt.Unix())

	_, err = b.GetQuery(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, b.UpdateQuery(ctx, &storage.Query{ID: "missing"}), storage.ErrNotFound)

	other := newQuery("fintech hiring data scientists", now.Add(time.Second))
	require.NoError(t, b.CreateQuery(ctx, other))

	all, err := b.ListQueries(ctx, storage.QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := b.ListQueries(ctx, storage.QueryFilter{Status: storage.QueryActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, other.ID, active[0].ID)

	limited, err := b.ListQueries(ctx, storage.QueryFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testCompanies(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	q := newQuery("pharma ai", now)
	require.NoError(t, b.CreateQuery(ctx, q))

	c := &storage.Company{
		ID:             storage.NewID(),
		Name:           "Acme Pharma",
		Domain:         "acmepharma.com",
		NormalizedKey:  "acme pharma|acmepharma.com",
		NameConfidence: 0.9,
		Signals: []storage.Signal{{
			SourceURL:  "https://news.example.com/acme",
			Snippet:    "Acme Pharma is investing in AI",
			Type:       storage.SignalTechAdoption,
			Confidence: 0.63,
		}},
		FirstSeenAt: now,
	}
	require.NoError(t, b.SaveCompany(ctx, c))

	dup := *c
	dup.ID = storage.NewID()
	assert.ErrorIs(t, b.SaveCompany(ctx, &dup), storage.ErrConflict)

	byKey, err := b.CompanyByKey(ctx, c.NormalizedKey)
	require.NoError(t, err)
	assert.Equal(t, c.ID, byKey.ID)
	require.Len(t, byKey.Signals, 1)
	assert.InDelta(t, 0.63, byKey.Signals[0].Confidence, 1e-9)

	c.Signals = append(c.Signals, storage.Signal{SourceURL: "https://acmepharma.com/careers", Type: storage.SignalHiring, Confidence: 0.9})
	require.NoError(t, b.SaveCompany(ctx, c))
	got, err := b.GetCompany(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, got.Signals, 2)

	_, err = b.CompanyByKey(ctx, "nobody|")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = b.GetCompany(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	linked, err := b.LinkCompany(ctx, q.ID, c.ID)
	require.NoError(t, err)
	assert.True(t, linked)
	linked, err = b.LinkCompany(ctx, q.ID, c.ID)
	require.NoError(t, err)
	assert.False(t, linked, "second link is a no-op")

	companies, err := b.CompaniesForQuery(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, companies, 1)
	assert.Equal(t, c.ID, companies[0].ID)

	none, err := b.CompaniesForQuery(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testContacts(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	c := &storage.Company{ID: storage.NewID(), Name: "Globex", NormalizedKey: "globex|globex.com", Domain: "globex.com", FirstSeenAt: now}
	require.NoError(t, b.SaveCompany(ctx, c))

	jane := &storage.Contact{
		ID:               storage.NewID(),
		CompanyID:        c.ID,
		Name:             "Jane Doe",
		Title:            "VP of Data",
		Email:            "jane.doe@globex.com",
		EmailConfidence:  0.8,
		LinkedInURL:      "https://www.linkedin.com/in/janedoe",
		SourceConfidence: 0.7,
		EnrichmentStatus: storage.EnrichmentEnriched,
		CreatedAt:        now,
	}
	require.NoError(t, b.SaveContact(ctx, jane))

	john := &storage.Contact{ID: storage.NewID(), CompanyID: c.ID, Name: "John Roe", Email: "jane.doe@globex.com", EnrichmentStatus: storage.EnrichmentPending, CreatedAt: now}
	assert.ErrorIs(t, b.SaveContact(ctx, john), storage.ErrConflict)

	john.Email = ""
	require.NoError(t, b.SaveContact(ctx, john))
	blank := &storage.Contact{ID: storage.NewID(), CompanyID: c.ID, Name: "Anon", EnrichmentStatus: storage.EnrichmentPending, CreatedAt: now}
	require.NoError(t, b.SaveContact(ctx, blank), "empty emails never collide")

	john.Email = "john.roe@globex.com"
	john.EnrichmentStatus = storage.EnrichmentEnriched
	require.NoError(t, b.SaveContact(ctx, john))

	got, err := b.GetContact(ctx, john.ID)
	require.NoError(t, err)
	assert.Equal(t, "john.roe@globex.com", got.Email)
	assert.Equal(t, storage.EnrichmentEnriched, got.EnrichmentStatus)

	contacts, err := b.ContactsForCompany(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, contacts, 3)

	_, err = b.GetContact(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testLeads(t *testing.T, b storage.Backend) {
	defer b.Close()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	q := newQuery("pharma ai", now)
	require.NoError(t, b.CreateQuery(ctx, q))
	c := &storage.Company{ID: storage.NewID(), Name: "Initech", NormalizedKey: "initech|", FirstSeenAt: now}
	require.NoError(t, b.SaveCompany(ctx, c))
	ct := &storage.Contact{ID: storage.NewID(), CompanyID: c.ID, Name: "Bill L", EnrichmentStatus: storage.EnrichmentPending, CreatedAt: now}
	require.NoError(t, b.SaveContact(ctx, ct))

	second := &storage.Lead{ID: storage.NewID(), QueryID: q.ID, CompanyID: c.ID, Cycle: 2, CreatedAt: now.Add(time.Hour)}
	first := &storage.Lead{ID: storage.NewID(), QueryID: q.ID, CompanyID: c.ID, ContactID: ct.ID, Cycle: 1, CreatedAt: now}
	require.NoError(t, b.AppendLead(ctx, second))
	require.NoError(t, b.AppendLead(ctx, first))

	err := b.AppendLead(ctx, first)
	assert.True(t, errors.Is(err, storage.ErrConflict), "leads are append-only, got %v", err)

	leads, err := b.LeadsForQuery(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, leads, 2)
	assert.Equal(t, first.ID, leads[0].ID)
	assert.Equal(t, ct.ID, leads[0].ContactID)
	assert.Equal(t, 1, leads[0].Cycle)
	assert.Equal(t, second.ID, leads[1].ID)
	assert.Empty(t, leads[1].ContactID)

	empty, err := b.LeadsForQuery(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
