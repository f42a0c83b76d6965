package resolver

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FranksOps/prospect/internal/extractor"
	"github.com/FranksOps/prospect/internal/storage"
	"github.com/FranksOps/prospect/internal/storage/memory"
)

func cand(name, domain string, conf float64, kind storage.SignalType, src string) extractor.Candidate {
	return extractor.Candidate{
		Company: extractor.CandidateCompany{Name: name, Domain: domain, Confidence: conf},
		Signal:  storage.Signal{SourceURL: src, Snippet: name + " " + string(kind), Type: kind, Confidence: conf},
		Source:  extractor.SourceProse,
	}
}

func sampleCandidates() []extractor.Candidate {
	jane := cand("Acme Pharma", "acmepharma.com", 0.6, storage.SignalGeneric, "https://linkedin.com/in/jane")
	jane.Contact = &extractor.CandidateContact{Name: "Jane Doe", Title: "Head of Data Science", Confidence: 0.6}
	return []extractor.Candidate{
		cand("Acme Pharma", "https://www.acmepharma.com/careers", 0.9, storage.SignalHiring, "https://acmepharma.com/careers"),
		cand("ACME Pharma, Inc.", "acmepharma.com", 0.5, storage.SignalHiring, "https://news.test/a"),
		cand("Acme Pharma", "", 0.5, storage.SignalHiring, "https://news.test/b"),
		cand("Globex", "globex.com", 0.7, storage.SignalFunding, "https://globex.com"),
		cand("Globex", "globex.com", 0.7, storage.SignalFunding, "https://globex.com"),
		cand("Initech", "", 0.5, storage.SignalTechAdoption, "https://news.test/c"),
		jane,
	}
}

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"Acme Inc.":             "acme",
		"Acme, Inc":             "acme",
		"ACME L.L.C.":           "acme",
		"  Acme   Pharma  Ltd ": "acme pharma",
		"Johnson & Johnson":     "johnson and johnson",
		"Procter-Gamble Co.":    "procter gamble",
		"Siemens AG":            "siemens",
		"Société Générale S.A.": "société générale",
		"Inc":                   "inc",
		"O'Reilly Media":        "oreilly media",
		"":                      "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeName(in), "NormalizeName(%q)", in)
	}
}

func TestNormalizeDomain(t *testing.T) {
	tests := map[string]string{
		"https://www.Acme.com/about": "acme.com",
		"acme.com":                   "acme.com",
		"http://acme.com:8080/x":     "acme.com",
		"WWW.ACME.COM.":              "acme.com",
		"careers.acme.com":           "careers.acme.com",
		"":                           "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeDomain(in), "NormalizeDomain(%q)", in)
	}
}

func TestResolve_MergesByKey(t *testing.T) {
	res := Resolve(nil, sampleCandidates())

	require.Len(t, res.Companies, 3)
	keys := []string{res.Companies[0].Company.NormalizedKey, res.Companies[1].Company.NormalizedKey, res.Companies[2].Company.NormalizedKey}
	assert.Equal(t, []string{"acme pharma|acmepharma.com", "globex|globex.com", "initech|"}, keys)

	acme := res.Companies[0]
	assert.Equal(t, "Acme Pharma", acme.Company.Name)
	assert.InDelta(t, 0.9, acme.Company.NameConfidence, 1e-9)
	assert.Len(t, acme.Company.Signals, 4)
	require.Len(t, acme.Contacts, 1)
	assert.Equal(t, "Jane Doe", acme.Contacts[0].Name)

	globex := res.Companies[1]
	assert.Len(t, globex.Company.Signals, 1, "identical signals collapse")

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, Conflict{Key: "acme pharma|acmepharma.com", Kept: "Acme Pharma", Rejected: "ACME Pharma, Inc."}, res.Conflicts[0])
}

func TestResolve_OrderIndependent(t *testing.T) {
	want := Resolve(nil, sampleCandidates())

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 25; i++ {
		cands := sampleCandidates()
		rng.Shuffle(len(cands), func(a, b int) { cands[a], cands[b] = cands[b], cands[a] })
		assert.Equal(t, want, Resolve(nil, cands), "shuffle %d", i)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	first := Resolve(nil, sampleCandidates())
	second := Resolve(nil, sampleCandidates())
	assert.Equal(t, first, second)

	var existing []*storage.Company
	for _, rc := range first.Companies {
		c := rc.Company
		c.ID = storage.NewID()
		existing = append(existing, &c)
	}
	again := Resolve(existing, sampleCandidates())
	require.Len(t, again.Companies, 3)
	for i, rc := range again.Companies {
		assert.True(t, rc.Existing)
		assert.Equal(t, existing[i].ID, rc.Company.ID)
		assert.Equal(t, first.Companies[i].Company.Signals, rc.Company.Signals)
	}
}

func TestResolve_NamePrecedence(t *testing.T) {
	existing := []*storage.Company{{
		ID: "c1", Name: "Globex Corporation", Domain: "globex.com",
		NormalizedKey: Key("Globex Corporation", "globex.com"), NameConfidence: 0.7,
	}}
	res := Resolve(existing, []extractor.Candidate{
		cand("Globex", "globex.com", 0.7, storage.SignalFunding, "https://a"),
		cand("GLOBEX CORP", "", 0.9, storage.SignalFunding, "https://b"),
	})

	require.Len(t, res.Companies, 1)
	assert.Equal(t, "c1", res.Companies[0].Company.ID)
	assert.Equal(t, "GLOBEX CORP", res.Companies[0].Company.Name, "higher confidence wins")
	assert.Equal(t, []Conflict{
		{Key: "globex|globex.com", Kept: "GLOBEX CORP", Rejected: "Globex Corporation"},
		{Key: "globex|globex.com", Kept: "GLOBEX CORP", Rejected: "Globex"},
	}, res.Conflicts)

	tie := Resolve(existing, []extractor.Candidate{cand("Globex", "globex.com", 0.7, storage.SignalFunding, "https://a")})
	require.Len(t, tie.Companies, 1)
	assert.Equal(t, "Globex Corporation", tie.Companies[0].Company.Name, "ties keep the stored name")
}

func TestResolve_AmbiguousDomainNotAdopted(t *testing.T) {
	res := Resolve(nil, []extractor.Candidate{
		cand("Apex", "apex.com", 0.5, storage.SignalHiring, "https://a"),
		cand("Apex", "apex.io", 0.5, storage.SignalHiring, "https://b"),
		cand("Apex", "", 0.5, storage.SignalHiring, "https://c"),
	})
	require.Len(t, res.Companies, 3)
	assert.Equal(t, "apex|", res.Companies[0].Company.NormalizedKey)
}

func TestResolve_KnownCompanyGainsDomain(t *testing.T) {
	existing := []*storage.Company{{
		ID: "c1", Name: "Initech", NormalizedKey: "initech|", NameConfidence: 0.5,
		Signals: []storage.Signal{{SourceURL: "https://news.test/c", Snippet: "Initech tech-adoption", Type: storage.SignalTechAdoption, Confidence: 0.5}},
	}}
	res := Resolve(existing, []extractor.Candidate{
		cand("Initech", "", 0.5, storage.SignalHiring, "https://news.test/d"),
		cand("Initech", "initech.com", 0.6, storage.SignalGeneric, "https://initech.com"),
	})

	require.Len(t, res.Companies, 1)
	rc := res.Companies[0]
	assert.True(t, rc.Existing)
	assert.Equal(t, "c1", rc.Company.ID)
	assert.Equal(t, "initech.com", rc.Company.Domain)
	assert.Equal(t, "initech|initech.com", rc.Company.NormalizedKey)
	assert.Equal(t, "initech|", rc.PriorKey)
	assert.Len(t, rc.Company.Signals, 3)
}

func TestResolve_KnownCompanyTakesOnlyOneDomain(t *testing.T) {
	existing := []*storage.Company{{ID: "c1", Name: "Apex", NormalizedKey: "apex|"}}
	res := Resolve(existing, []extractor.Candidate{
		cand("Apex", "apex.io", 0.5, storage.SignalHiring, "https://b"),
		cand("Apex", "apex.com", 0.5, storage.SignalHiring, "https://a"),
	})

	require.Len(t, res.Companies, 2)
	assert.Equal(t, "c1", res.Companies[0].Company.ID)
	assert.Equal(t, "apex|apex.com", res.Companies[0].Company.NormalizedKey)
	assert.False(t, res.Companies[1].Existing)
	assert.Equal(t, "apex|apex.io", res.Companies[1].Company.NormalizedKey)
}

func TestResolve_Empty(t *testing.T) {
	res := Resolve(nil, []extractor.Candidate{cand("  ", "", 0.5, storage.SignalGeneric, "x")})
	assert.Empty(t, res.Companies)
	assert.Empty(t, res.Conflicts)
}

func newQuery(t *testing.T, store storage.Backend) string {
	t.Helper()
	q := &storage.Query{ID: storage.NewID(), Text: "pharma hiring", Status: storage.QueryActive, CreatedAt: time.Now()}
	require.NoError(t, store.CreateQuery(context.Background(), q))
	return q.ID
}

func TestCommit_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	qid := newQuery(t, store)
	r := New(store, nil, nil)

	first, err := r.Commit(ctx, qid, Resolve(nil, sampleCandidates()))
	require.NoError(t, err)
	require.Len(t, first, 3)
	for _, c := range first {
		assert.True(t, c.NewToQuery)
	}
	require.Len(t, first[0].Contacts, 1)
	assert.Equal(t, storage.EnrichmentPending, first[0].Contacts[0].EnrichmentStatus)

	existing, err := store.CompaniesForQuery(ctx, qid)
	require.NoError(t, err)
	second, err := r.Commit(ctx, qid, Resolve(existing, sampleCandidates()))
	require.NoError(t, err)
	require.Len(t, second, 3)
	for i, c := range second {
		assert.False(t, c.NewToQuery)
		assert.Equal(t, first[i].Company.ID, c.Company.ID)
		assert.Equal(t, first[i].Company.Signals, c.Company.Signals)
	}

	companies, err := store.CompaniesForQuery(ctx, qid)
	require.NoError(t, err)
	assert.Len(t, companies, 3)
	contacts, err := store.ContactsForCompany(ctx, first[0].Company.ID)
	require.NoError(t, err)
	assert.Len(t, contacts, 1)
}

// A company first committed by name only keeps its identity when a later
// refresh learns its domain.
func TestCommit_RefreshAddsDomainToKnownCompany(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	qid := newQuery(t, store)
	r := New(store, nil, nil)

	first, err := r.Commit(ctx, qid, Resolve(nil, []extractor.Candidate{
		cand("Initech", "", 0.5, storage.SignalHiring, "https://news.test/c"),
	}))
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, "initech|", first[0].Company.NormalizedKey)

	existing, err := store.CompaniesForQuery(ctx, qid)
	require.NoError(t, err)
	second, err := r.Commit(ctx, qid, Resolve(existing, []extractor.Candidate{
		cand("Initech", "", 0.5, storage.SignalHiring, "https://news.test/c"),
		cand("Initech", "initech.com", 0.6, storage.SignalGeneric, "https://initech.com"),
	}))
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.False(t, second[0].NewToQuery)
	assert.Equal(t, first[0].Company.ID, second[0].Company.ID)

	companies, err := store.CompaniesForQuery(ctx, qid)
	require.NoError(t, err)
	require.Len(t, companies, 1)
	assert.Equal(t, "initech.com", companies[0].Domain)
	assert.Equal(t, "initech|initech.com", companies[0].NormalizedKey)

	_, err = store.CompanyByKey(ctx, "initech|")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	byDomain, err := store.CompanyByKey(ctx, "initech|initech.com")
	require.NoError(t, err)
	assert.Equal(t, first[0].Company.ID, byDomain.ID)
}

func TestCommit_DomainOwnedElsewhereKeepsRecord(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	r := New(store, nil, nil)

	other := newQuery(t, store)
	_, err := r.Commit(ctx, other, Resolve(nil, []extractor.Candidate{
		cand("Initech", "initech.com", 0.6, storage.SignalGeneric, "https://initech.com"),
	}))
	require.NoError(t, err)

	qid := newQuery(t, store)
	first, err := r.Commit(ctx, qid, Resolve(nil, []extractor.Candidate{
		cand("Initech", "", 0.5, storage.SignalHiring, "https://news.test/c"),
	}))
	require.NoError(t, err)

	existing, err := store.CompaniesForQuery(ctx, qid)
	require.NoError(t, err)
	second, err := r.Commit(ctx, qid, Resolve(existing, []extractor.Candidate{
		cand("Initech", "initech.com", 0.6, storage.SignalGeneric, "https://initech.com/about"),
	}))
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Company.ID, second[0].Company.ID)
	assert.False(t, second[0].NewToQuery)

	companies, err := store.CompaniesForQuery(ctx, qid)
	require.NoError(t, err)
	require.Len(t, companies, 1)
	assert.Equal(t, "initech|", companies[0].NormalizedKey)
}

func TestCommit_SharedAcrossQueries(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	locks := NewKeyedMutex()

	const queries = 8
	ids := make([]string, queries)
	for i := range ids {
		ids[i] = newQuery(t, store)
	}

	var wg sync.WaitGroup
	errs := make(chan error, queries)
	for i := 0; i < queries; i++ {
		wg.Add(1)
		go func(qid string, n int) {
			defer wg.Done()
			r := New(store, locks, nil)
			cands := []extractor.Candidate{
				cand("Acme Pharma", "acmepharma.com", 0.5, storage.SignalHiring, fmt.Sprintf("https://src/%d", n)),
			}
			_, err := r.Commit(ctx, qid, Resolve(nil, cands))
			errs <- err
		}(ids[i], i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var companyID string
	for _, qid := range ids {
		companies, err := store.CompaniesForQuery(ctx, qid)
		require.NoError(t, err)
		require.Len(t, companies, 1)
		if companyID == "" {
			companyID = companies[0].ID
		}
		assert.Equal(t, companyID, companies[0].ID, "one company per key across queries")
	}

	c, err := store.GetCompany(ctx, companyID)
	require.NoError(t, err)
	assert.Len(t, c.Signals, queries, "signals from every run are kept")
	assert.Zero(t, locks.Len())
}

func TestCommit_StopsOnCancel(t *testing.T) {
	store := memory.New()
	qid := newQuery(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := New(store, nil, nil).Commit(ctx, qid, Resolve(nil, sampleCandidates()))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out)
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	k := NewKeyedMutex()
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			mu.Lock()
			active++
			maxSeen = max(maxSeen, active)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, k.Len())

	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		k.Lock("b")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected different keys not to block each other")
	}
	unlockA()
}
