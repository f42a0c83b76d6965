// Package memory is an in-process storage.Backend used by tests and the
// single-binary "run" command.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/FranksOps/prospect/internal/storage"
)

// ensure memoryBackend implements storage.Backend
var _ storage.Backend = (*memoryBackend)(nil)

type memoryBackend struct {
	mu sync.RWMutex

	queries    map[string]*storage.Query
	queryOrder []string

	companies map[string]*storage.Company
	byKey     map[string]string // normalized key -> company id
	links     map[string][]string

	contacts  map[string]*storage.Contact
	byCompany map[string][]string
	leads     map[string][]*storage.Lead
}

// New returns an empty in-memory backend.
func New() storage.Backend {
	return &memoryBackend{
		queries:   make(map[string]*storage.Query),
		companies: make(map[string]*storage.Company),
		byKey:     make(map[string]string),
		links:     make(map[string][]string),
		contacts:  make(map[string]*storage.Contact),
		byCompany: make(map[string][]string),
		leads:     make(map[string][]*storage.Lead),
	}
}

func (b *memoryBackend) CreateQuery(ctx context.Context, q *storage.Query) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queries[q.ID]; ok {
		return fmt.Errorf("create query %s: %w", q.ID, storage.ErrConflict)
	}
	b.queries[q.ID] = copyQuery(q)
	b.queryOrder = append(b.queryOrder, q.ID)
	return nil
}

func (b *memoryBackend) GetQuery(ctx context.Context, id string) (*storage.Query, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queries[id]
	if !ok {
		return nil, fmt.Errorf("query %s: %w", id, storage.ErrNotFound)
	}
	return copyQuery(q), nil
}

func (b *memoryBackend) UpdateQuery(ctx context.Context, q *storage.Query) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.queries[q.ID]
	if !ok {
		return fmt.Errorf("update query %s: %w", q.ID, storage.ErrNotFound)
	}
	next := copyQuery(q)
	next.Text = cur.Text
	next.CreatedAt = cur.CreatedAt
	b.queries[q.ID] = next
	return nil
}

func (b *memoryBackend) ListQueries(ctx context.Context, filter storage.QueryFilter) ([]*storage.Query, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*storage.Query
	skipped := 0
	for _, id := range b.queryOrder {
		q := b.queries[id]
		if filter.Status != "" && q.Status != filter.Status {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, copyQuery(q))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (b *memoryBackend) SaveCompany(ctx context.Context, c *storage.Company) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if owner, ok := b.byKey[c.NormalizedKey]; ok && owner != c.ID {
		return fmt.Errorf("save company %q: %w", c.NormalizedKey, storage.ErrConflict)
	}
	if prev, ok := b.companies[c.ID]; ok && prev.NormalizedKey != c.NormalizedKey {
		delete(b.byKey, prev.NormalizedKey)
	}
	b.companies[c.ID] = copyCompany(c)
	b.byKey[c.NormalizedKey] = c.ID
	return nil
}

func (b *memoryBackend) GetCompany(ctx context.Context, id string) (*storage.Company, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.companies[id]
	if !ok {
		return nil, fmt.Errorf("company %s: %w", id, storage.ErrNotFound)
	}
	return copyCompany(c), nil
}

func (b *memoryBackend) CompanyByKey(ctx context.Context, normalizedKey string) (*storage.Company, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.byKey[normalizedKey]
	if !ok {
		return nil, fmt.Errorf("company key %q: %w", normalizedKey, storage.ErrNotFound)
	}
	return copyCompany(b.companies[id]), nil
}

func (b *memoryBackend) LinkCompany(ctx context.Context, queryID, companyID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queries[queryID]; !ok {
		return false, fmt.Errorf("link query %s: %w", queryID, storage.ErrNotFound)
	}
	if _, ok := b.companies[companyID]; !ok {
		return false, fmt.Errorf("link company %s: %w", companyID, storage.ErrNotFound)
	}
	for _, id := range b.links[queryID] {
		if id == companyID {
			return false, nil
		}
	}
	b.links[queryID] = append(b.links[queryID], companyID)
	return true, nil
}

func (b *memoryBackend) CompaniesForQuery(ctx context.Context, queryID string) ([]*storage.Company, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*storage.Company, 0, len(b.links[queryID]))
	for _, id := range b.links[queryID] {
		out = append(out, copyCompany(b.companies[id]))
	}
	return out, nil
}

func (b *memoryBackend) SaveContact(ctx context.Context, c *storage.Contact) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.companies[c.CompanyID]; !ok {
		return fmt.Errorf("save contact company %s: %w", c.CompanyID, storage.ErrNotFound)
	}
	if c.Email != "" {
		for _, id := range b.byCompany[c.CompanyID] {
			other := b.contacts[id]
			if id != c.ID && other.Email == c.Email {
				return fmt.Errorf("save contact email %q: %w", c.Email, storage.ErrConflict)
			}
		}
	}
	if _, ok := b.contacts[c.ID]; !ok {
		b.byCompany[c.CompanyID] = append(b.byCompany[c.CompanyID], c.ID)
	}
	cp := *c
	b.contacts[c.ID] = &cp
	return nil
}

func (b *memoryBackend) GetContact(ctx context.Context, id string) (*storage.Contact, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.contacts[id]
	if !ok {
		return nil, fmt.Errorf("contact %s: %w", id, storage.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (b *memoryBackend) ContactsForCompany(ctx context.Context, companyID string) ([]*storage.Contact, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*storage.Contact, 0, len(b.byCompany[companyID]))
	for _, id := range b.byCompany[companyID] {
		cp := *b.contacts[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (b *memoryBackend) AppendLead(ctx context.Context, l *storage.Lead) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queries[l.QueryID]; !ok {
		return fmt.Errorf("append lead query %s: %w", l.QueryID, storage.ErrNotFound)
	}
	for _, existing := range b.leads[l.QueryID] {
		if existing.ID == l.ID {
			return fmt.Errorf("append lead %s: %w", l.ID, storage.ErrConflict)
		}
	}
	cp := *l
	b.leads[l.QueryID] = append(b.leads[l.QueryID], &cp)
	return nil
}

func (b *memoryBackend) LeadsForQuery(ctx context.Context, queryID string) ([]*storage.Lead, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*storage.Lead, 0, len(b.leads[queryID]))
	for _, l := range b.leads[queryID] {
		cp := *l
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return storage.LeadLess(out[i], out[j]) })
	return out, nil
}

func (b *memoryBackend) Close() error {
	return nil
}

func copyQuery(q *storage.Query) *storage.Query {
	cp := *q
	cp.ParsedIntent = storage.ParsedIntent{
		Keywords:    append([]string(nil), q.ParsedIntent.Keywords...),
		Industries:  append([]string(nil), q.ParsedIntent.Industries...),
		Roles:       append([]string(nil), q.ParsedIntent.Roles...),
		SignalTypes: append([]storage.SignalType(nil), q.ParsedIntent.SignalTypes...),
	}
	cp.SuccessfulOperators = append([]string(nil), q.SuccessfulOperators...)
	if q.LastRefreshedAt != nil {
		t := *q.LastRefreshedAt
		cp.LastRefreshedAt = &t
	}
	return &cp
}

func copyCompany(c *storage.Company) *storage.Company {
	cp := *c
	cp.Signals = append([]storage.Signal(nil), c.Signals...)
	return &cp
}
