// Package resolver merges extracted candidates into canonical companies and
// contacts. Resolve is pure; Commit persists a resolution under per-key locks.
package resolver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/FranksOps/prospect/internal/extractor"
	"github.com/FranksOps/prospect/internal/storage"
)

// Conflict records two display names that normalize to the same key.
type Conflict struct {
	Key      string
	Kept     string
	Rejected string
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s: kept %q over %q", c.Key, c.Kept, c.Rejected)
}

// ResolvedContact is a person merged from one or more candidates.
type ResolvedContact struct {
	Name        string
	Title       string
	LinkedInURL string
	Confidence  float64
}

// ResolvedCompany is one canonical company. Existing is set when the company
// came from the known set passed to Resolve; only then is Company.ID set.
// PriorKey is set when a known company without a domain gained one: the record
// is still stored under PriorKey and Commit moves it to Company.NormalizedKey.
type ResolvedCompany struct {
	Company  storage.Company
	Existing bool
	PriorKey string
	Contacts []ResolvedContact
}

// Result is the canonical outcome of one resolution pass, ordered by key.
type Result struct {
	Companies []ResolvedCompany
	Conflicts []Conflict
}

type keyed struct {
	extractor.Candidate
	name   string
	norm   string
	domain string
	key    string
}

// Resolve merges candidates with each other and with existing. Two candidates
// merge iff their normalized keys are equal. The result does not depend on the
// order of candidates, and resolving the same input twice gives the same
// result. Existing companies no candidate matched are left out.
//
// A candidate without a domain adopts the domain of other mentions of the same
// normalized name when exactly one such domain is known. A known company
// without a domain takes the first domain its name is seen with, in key order,
// instead of a second company being created for it.
func Resolve(existing []*storage.Company, candidates []extractor.Candidate) Result {
	domains := knownDomains(existing, candidates)

	byKey := make(map[string]*ResolvedCompany)
	touched := make(map[string]bool)

	known := slices.Clone(existing)
	slices.SortFunc(known, func(a, b *storage.Company) int {
		return cmp.Or(cmp.Compare(companyKey(a), companyKey(b)), cmp.Compare(a.ID, b.ID))
	})
	for _, c := range known {
		key := companyKey(c)
		if _, dup := byKey[key]; dup {
			continue
		}
		rc := &ResolvedCompany{Company: *c, Existing: true}
		rc.Company.NormalizedKey = key
		rc.Company.Signals = slices.Clone(c.Signals)
		byKey[key] = rc
	}
	domainless := make(map[string]*ResolvedCompany)
	for key, rc := range byKey {
		if norm, domain, _ := strings.Cut(key, "|"); domain == "" {
			domainless[norm] = rc
		}
	}

	var res Result
	for _, cand := range canonical(candidates, domains) {
		rc, ok := byKey[cand.key]
		if known := domainless[cand.norm]; !ok && cand.domain != "" && known != nil && known.Company.Domain == "" {
			known.PriorKey = known.Company.NormalizedKey
			known.Company.Domain = cand.domain
			known.Company.NormalizedKey = cand.key
			byKey[cand.key] = known
			rc, ok = known, true
		}
		switch {
		case !ok:
			rc = &ResolvedCompany{Company: storage.Company{
				Name:           cand.name,
				Domain:         cand.domain,
				NormalizedKey:  cand.key,
				NameConfidence: cand.Company.Confidence,
			}}
			byKey[cand.key] = rc
		case cand.name != rc.Company.Name:
			res.Conflicts = append(res.Conflicts, preferName(&rc.Company, cand.name, cand.Company.Confidence))
		}
		touched[cand.key] = true

		if cand.Signal.Snippet != "" || cand.Signal.SourceURL != "" {
			rc.Company.Signals = MergeSignals(rc.Company.Signals, cand.Signal)
		}
		if cand.Contact != nil && strings.TrimSpace(cand.Contact.Name) != "" {
			rc.Contacts = mergeContact(rc.Contacts, *cand.Contact)
		}
	}

	keys := make([]string, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	emitted := make(map[*ResolvedCompany]bool, len(keys))
	for _, k := range keys {
		rc := byKey[k]
		if emitted[rc] {
			continue
		}
		emitted[rc] = true
		sortSignals(rc.Company.Signals)
		slices.SortFunc(rc.Contacts, func(a, b ResolvedContact) int {
			return cmp.Compare(personKey(a.Name), personKey(b.Name))
		})
		res.Companies = append(res.Companies, *rc)
	}
	return res
}

// preferName applies the precedence rule: a strictly higher confidence wins,
// ties keep the current name.
func preferName(c *storage.Company, name string, confidence float64) Conflict {
	if confidence > c.NameConfidence {
		conflict := Conflict{Key: c.NormalizedKey, Kept: name, Rejected: c.Name}
		c.Name, c.NameConfidence = name, confidence
		return conflict
	}
	return Conflict{Key: c.NormalizedKey, Kept: c.Name, Rejected: name}
}

func companyKey(c *storage.Company) string {
	if c.NormalizedKey != "" {
		return c.NormalizedKey
	}
	return Key(c.Name, c.Domain)
}

func knownDomains(existing []*storage.Company, candidates []extractor.Candidate) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{})
	add := func(name, domain string) {
		n, d := NormalizeName(name), NormalizeDomain(domain)
		if n == "" || d == "" {
			return
		}
		if out[n] == nil {
			out[n] = make(map[string]struct{})
		}
		out[n][d] = struct{}{}
	}
	for _, c := range existing {
		add(c.Name, c.Domain)
	}
	for _, c := range candidates {
		add(c.Company.Name, c.Company.Domain)
	}
	return out
}

// canonical keys every usable candidate and sorts them into a total order so
// that merging is independent of input order.
func canonical(candidates []extractor.Candidate, domains map[string]map[string]struct{}) []keyed {
	out := make([]keyed, 0, len(candidates))
	for _, c := range candidates {
		name := strings.Join(strings.Fields(c.Company.Name), " ")
		norm := NormalizeName(name)
		if norm == "" {
			continue
		}
		domain := NormalizeDomain(c.Company.Domain)
		if domain == "" && len(domains[norm]) == 1 {
			for d := range domains[norm] {
				domain = d
			}
		}
		out = append(out, keyed{Candidate: c, name: name, norm: norm, domain: domain, key: norm + "|" + domain})
	}

	slices.SortFunc(out, func(a, b keyed) int {
		if c := cmp.Compare(a.key, b.key); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Company.Confidence, a.Company.Confidence); c != 0 {
			return c
		}
		return cmp.Or(
			cmp.Compare(a.name, b.name),
			cmp.Compare(a.Signal.SourceURL, b.Signal.SourceURL),
			cmp.Compare(a.Signal.Type, b.Signal.Type),
			cmp.Compare(a.Signal.Snippet, b.Signal.Snippet),
			cmp.Compare(b.Signal.Confidence, a.Signal.Confidence),
			compareContact(a.Contact, b.Contact),
			cmp.Compare(a.Source, b.Source),
		)
	})
	return out
}

func compareContact(a, b *extractor.CandidateContact) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return cmp.Or(
		cmp.Compare(a.Name, b.Name),
		cmp.Compare(b.Confidence, a.Confidence),
		cmp.Compare(a.Title, b.Title),
		cmp.Compare(a.LinkedInURL, b.LinkedInURL),
	)
}

// MergeSignals adds s to signals unless a signal with the same source URL,
// type and snippet exists, in which case the higher confidence is kept.
func MergeSignals(signals []storage.Signal, s ...storage.Signal) []storage.Signal {
	for _, in := range s {
		found := false
		for i, have := range signals {
			if have.SourceURL == in.SourceURL && have.Type == in.Type && have.Snippet == in.Snippet {
				signals[i].Confidence = max(have.Confidence, in.Confidence)
				found = true
				break
			}
		}
		if !found {
			signals = append(signals, in)
		}
	}
	return signals
}

func sortSignals(signals []storage.Signal) {
	slices.SortFunc(signals, func(a, b storage.Signal) int {
		return cmp.Or(
			cmp.Compare(a.Type, b.Type),
			cmp.Compare(a.SourceURL, b.SourceURL),
			cmp.Compare(a.Snippet, b.Snippet),
		)
	})
}

func personKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func mergeContact(contacts []ResolvedContact, c extractor.CandidateContact) []ResolvedContact {
	key := personKey(c.Name)
	for i, have := range contacts {
		if personKey(have.Name) != key {
			continue
		}
		if have.Title == "" || (c.Confidence > have.Confidence && c.Title != "") {
			contacts[i].Title = c.Title
		}
		if have.LinkedInURL == "" {
			contacts[i].LinkedInURL = c.LinkedInURL
		}
		contacts[i].Confidence = max(have.Confidence, c.Confidence)
		return contacts
	}
	return append(contacts, ResolvedContact{
		Name:        strings.Join(strings.Fields(c.Name), " "),
		Title:       c.Title,
		LinkedInURL: c.LinkedInURL,
		Confidence:  c.Confidence,
	})
}

// Committed is one persisted company with the contacts written for it.
type Committed struct {
	Company  *storage.Company
	Contacts []*storage.Contact
	// NewToQuery is set when this commit linked the company to the query.
	NewToQuery bool
}

// Resolver persists resolutions. Writes for one normalized key are serialized
// through a KeyedMutex that should be shared by every concurrent run.
type Resolver struct {
	store  storage.Backend
	locks  *KeyedMutex
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Resolver. A nil locks gets a private KeyedMutex.
func New(store storage.Backend, locks *KeyedMutex, logger *slog.Logger) *Resolver {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, locks: locks, logger: logger, now: time.Now}
}

// Commit writes every company of res and links it to queryID. It stops at the
// first store error; companies committed before it stay committed.
func (r *Resolver) Commit(ctx context.Context, queryID string, res Result) ([]Committed, error) {
	for _, c := range res.Conflicts {
		r.logger.Debug("resolution conflict", "query_id", queryID, "conflict", c.String())
	}

	out := make([]Committed, 0, len(res.Companies))
	for _, rc := range res.Companies {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		committed, err := r.commitOne(ctx, queryID, rc)
		if err != nil {
			return out, err
		}
		out = append(out, committed)
	}
	return out, nil
}

func (r *Resolver) commitOne(ctx context.Context, queryID string, rc ResolvedCompany) (Committed, error) {
	key := rc.Company.NormalizedKey
	keys := []string{key}
	if rc.PriorKey != "" && rc.PriorKey != key {
		keys = append(keys, rc.PriorKey)
		slices.Sort(keys)
	}
	for _, k := range keys {
		unlock := r.locks.Lock(k)
		defer unlock()
	}

	stored, rekey, err := r.find(ctx, rc)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c := rc.Company
		c.ID = storage.NewID()
		c.FirstSeenAt = r.now().UTC()
		if err := r.store.SaveCompany(ctx, &c); err != nil {
			return Committed{}, fmt.Errorf("create company %q: %w", key, err)
		}
		stored = &c
	case err != nil:
		return Committed{}, fmt.Errorf("lookup company %q: %w", key, err)
	default:
		merged, changed := mergeStored(stored, rc.Company)
		if rekey {
			merged.Domain, merged.NormalizedKey = rc.Company.Domain, key
			changed = true
		}
		if changed {
			if err := r.store.SaveCompany(ctx, merged); err != nil {
				return Committed{}, fmt.Errorf("update company %q: %w", key, err)
			}
		}
		stored = merged
	}

	linked, err := r.store.LinkCompany(ctx, queryID, stored.ID)
	if err != nil {
		return Committed{}, fmt.Errorf("link company %q: %w", key, err)
	}

	contacts, err := r.commitContacts(ctx, stored.ID, rc.Contacts)
	if err != nil {
		return Committed{}, err
	}
	return Committed{Company: stored, Contacts: contacts, NewToQuery: linked}, nil
}

// find looks up the stored record for rc. rekey reports that the record was
// found under rc.PriorKey and may move to the new key. When another company
// already owns the new key the record stays where it is.
func (r *Resolver) find(ctx context.Context, rc ResolvedCompany) (stored *storage.Company, rekey bool, err error) {
	key := rc.Company.NormalizedKey
	if rc.PriorKey != "" && rc.PriorKey != key {
		prior, err := r.store.CompanyByKey(ctx, rc.PriorKey)
		switch {
		case err == nil:
			_, err := r.store.CompanyByKey(ctx, key)
			if errors.Is(err, storage.ErrNotFound) {
				return prior, true, nil
			}
			if err != nil {
				return nil, false, err
			}
			r.logger.Debug("domain already owned by another company", "company", prior.Name, "key", key)
			return prior, false, nil
		case !errors.Is(err, storage.ErrNotFound):
			return nil, false, err
		}
	}
	stored, err = r.store.CompanyByKey(ctx, key)
	return stored, false, err
}

// mergeStored folds an incoming resolution into the stored record. The stored
// name is kept unless the incoming one has strictly higher confidence.
func mergeStored(stored *storage.Company, in storage.Company) (*storage.Company, bool) {
	out := *stored
	out.Signals = slices.Clone(stored.Signals)
	changed := false

	if in.Name != out.Name && in.NameConfidence > out.NameConfidence {
		out.Name, out.NameConfidence = in.Name, in.NameConfidence
		changed = true
	}

	before := slices.Clone(out.Signals)
	out.Signals = MergeSignals(out.Signals, in.Signals...)
	sortSignals(out.Signals)
	sortSignals(before)
	if !slices.Equal(before, out.Signals) {
		changed = true
	}
	return &out, changed
}

// AddContacts persists contacts for an already committed company, merging by
// person name with the contacts it already has.
func (r *Resolver) AddContacts(ctx context.Context, company *storage.Company, contacts []ResolvedContact) ([]*storage.Contact, error) {
	unlock := r.locks.Lock(company.NormalizedKey)
	defer unlock()
	return r.commitContacts(ctx, company.ID, contacts)
}

func (r *Resolver) commitContacts(ctx context.Context, companyID string, contacts []ResolvedContact) ([]*storage.Contact, error) {
	if len(contacts) == 0 {
		return nil, nil
	}
	have, err := r.store.ContactsForCompany(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("list contacts of %s: %w", companyID, err)
	}
	byName := make(map[string]*storage.Contact, len(have))
	for _, c := range have {
		byName[personKey(c.Name)] = c
	}

	out := make([]*storage.Contact, 0, len(contacts))
	for _, rc := range contacts {
		existing, ok := byName[personKey(rc.Name)]
		if !ok {
			c := &storage.Contact{
				ID:               storage.NewID(),
				CompanyID:        companyID,
				Name:             rc.Name,
				Title:            rc.Title,
				LinkedInURL:      rc.LinkedInURL,
				SourceConfidence: rc.Confidence,
				EnrichmentStatus: storage.EnrichmentPending,
				CreatedAt:        r.now().UTC(),
			}
			if err := r.store.SaveContact(ctx, c); err != nil {
				return out, fmt.Errorf("create contact %q: %w", rc.Name, err)
			}
			byName[personKey(rc.Name)] = c
			out = append(out, c)
			continue
		}

		changed := false
		if rc.Title != "" && (existing.Title == "" || rc.Confidence > existing.SourceConfidence) && rc.Title != existing.Title {
			existing.Title = rc.Title
			changed = true
		}
		if existing.LinkedInURL == "" && rc.LinkedInURL != "" {
			existing.LinkedInURL = rc.LinkedInURL
			changed = true
		}
		if rc.Confidence > existing.SourceConfidence {
			existing.SourceConfidence = rc.Confidence
			changed = true
		}
		if changed {
			if err := r.store.SaveContact(ctx, existing); err != nil {
				return out, fmt.Errorf("update contact %q: %w", rc.Name, err)
			}
		}
		out = append(out, existing)
	}
	return out, nil
}
