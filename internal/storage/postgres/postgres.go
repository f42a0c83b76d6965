package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/FranksOps/prospect/internal/storage"
)

// ensure postgresBackend implements storage.Backend
var _ storage.Backend = (*postgresBackend)(nil)

// Pool is the subset of *pgxpool.Pool the backend uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type postgresBackend struct {
	pool Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS queries (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	parsed_intent JSONB NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	last_refreshed_at TIMESTAMPTZ,
	cycle INTEGER NOT NULL DEFAULT 0,
	check_frequency_ms BIGINT NOT NULL,
	successful_operators JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS companies (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	domain TEXT NOT NULL,
	normalized_key TEXT NOT NULL UNIQUE,
	name_confidence DOUBLE PRECISION NOT NULL,
	signals JSONB NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS query_companies (
	query_id TEXT NOT NULL REFERENCES queries(id),
	company_id TEXT NOT NULL REFERENCES companies(id),
	linked_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (query_id, company_id)
);

CREATE TABLE IF NOT EXISTS contacts (
	id TEXT PRIMARY KEY,
	company_id TEXT NOT NULL REFERENCES companies(id),
	name TEXT NOT NULL,
	title TEXT NOT NULL,
	email TEXT NOT NULL,
	email_confidence DOUBLE PRECISION NOT NULL,
	linkedin_url TEXT NOT NULL,
	source_confidence DOUBLE PRECISION NOT NULL,
	enrichment_status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS contacts_company_email
	ON contacts (company_id, email) WHERE email <> '';

CREATE TABLE IF NOT EXISTS leads (
	id TEXT PRIMARY KEY,
	query_id TEXT NOT NULL REFERENCES queries(id),
	company_id TEXT NOT NULL REFERENCES companies(id),
	contact_id TEXT REFERENCES contacts(id),
	cycle INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS leads_query ON leads (query_id, created_at);
`

// New creates a new Postgres-backed storage.Backend.
func New(ctx context.Context, dsn string) (storage.Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	b, err := NewWithPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// NewWithPool applies the schema on an existing pool and wraps it.
func NewWithPool(ctx context.Context, pool Pool) (storage.Backend, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	return &postgresBackend{pool: pool}, nil
}

func (b *postgresBackend) CreateQuery(ctx context.Context, q *storage.Query) error {
	intentJSON, opsJSON, err := encodeQuery(q)
	if err != nil {
		return err
	}

	_, err = b.pool.Exec(ctx, `
	INSERT INTO queries (
		id, text, parsed_intent, status, created_at, last_refreshed_at, cycle, check_frequency_ms, successful_operators
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		q.ID, q.Text, intentJSON, string(q.Status), q.CreatedAt, q.LastRefreshedAt,
		q.Cycle, q.CheckFrequency.Milliseconds(), opsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert query %s: %w", q.ID, mapErr(err))
	}
	return nil
}

const querySelect = `SELECT id, text, parsed_intent, status, created_at, last_refreshed_at, cycle, check_frequency_ms, successful_operators FROM queries`

func (b *postgresBackend) GetQuery(ctx context.Context, id string) (*storage.Query, error) {
	q, err := scanQuery(b.pool.QueryRow(ctx, querySelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", id, err)
	}
	return q, nil
}

func (b *postgresBackend) UpdateQuery(ctx context.Context, q *storage.Query) error {
	intentJSON, opsJSON, err := encodeQuery(q)
	if err != nil {
		return err
	}

	tag, err := b.pool.Exec(ctx, `
	UPDATE queries SET parsed_intent = $1, status = $2, last_refreshed_at = $3, cycle = $4,
		check_frequency_ms = $5, successful_operators = $6
	WHERE id = $7`,
		intentJSON, string(q.Status), q.LastRefreshedAt, q.Cycle,
		q.CheckFrequency.Milliseconds(), opsJSON, q.ID,
	)
	if err != nil {
		return fmt.Errorf("update query %s: %w", q.ID, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update query %s: %w", q.ID, storage.ErrNotFound)
	}
	return nil
}

func (b *postgresBackend) ListQueries(ctx context.Context, filter storage.QueryFilter) ([]*storage.Query, error) {
	query := querySelect + ` WHERE 1=1`
	args := []any{}
	paramCount := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, paramCount)
		args = append(args, string(filter.Status))
		paramCount++
	}

	query += ` ORDER BY created_at ASC, id ASC`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, paramCount)
		args = append(args, filter.Limit)
		paramCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, paramCount)
		args = append(args, filter.Offset)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	defer rows.Close()

	var results []*storage.Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("list queries: %w", err)
		}
		results = append(results, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	return results, nil
}

func (b *postgresBackend) SaveCompany(ctx context.Context, c *storage.Company) error {
	signals := c.Signals
	if signals == nil {
		signals = []storage.Signal{}
	}
	signalsJSON, err := json.Marshal(signals)
	if err != nil {
		return fmt.Errorf("encode signals: %w", err)
	}

	_, err = b.pool.Exec(ctx, `
	INSERT INTO companies (id, name, domain, normalized_key, name_confidence, signals, first_seen_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		domain = EXCLUDED.domain,
		normalized_key = EXCLUDED.normalized_key,
		name_confidence = EXCLUDED.name_confidence,
		signals = EXCLUDED.signals`,
		c.ID, c.Name, c.Domain, c.NormalizedKey, c.NameConfidence, signalsJSON, c.FirstSeenAt,
	)
	if err != nil {
		return fmt.Errorf("save company %q: %w", c.NormalizedKey, mapErr(err))
	}
	return nil
}

const companySelect = `SELECT c.id, c.name, c.domain, c.normalized_key, c.name_confidence, c.signals, c.first_seen_at FROM companies c`

func (b *postgresBackend) GetCompany(ctx context.Context, id string) (*storage.Company, error) {
	c, err := scanCompany(b.pool.QueryRow(ctx, companySelect+` WHERE c.id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("company %s: %w", id, err)
	}
	return c, nil
}

func (b *postgresBackend) CompanyByKey(ctx context.Context, normalizedKey string) (*storage.Company, error) {
	c, err := scanCompany(b.pool.QueryRow(ctx, companySelect+` WHERE c.normalized_key = $1`, normalizedKey))
	if err != nil {
		return nil, fmt.Errorf("company key %q: %w", normalizedKey, err)
	}
	return c, nil
}

func (b *postgresBackend) LinkCompany(ctx context.Context, queryID, companyID string) (bool, error) {
	tag, err := b.pool.Exec(ctx, `
	INSERT INTO query_companies (query_id, company_id) VALUES ($1, $2)
	ON CONFLICT (query_id, company_id) DO NOTHING`, queryID, companyID)
	if err != nil {
		return false, fmt.Errorf("link company %s to query %s: %w", companyID, queryID, mapErr(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (b *postgresBackend) CompaniesForQuery(ctx context.Context, queryID string) ([]*storage.Company, error) {
	rows, err := b.pool.Query(ctx, companySelect+`
	JOIN query_companies qc ON qc.company_id = c.id
	WHERE qc.query_id = $1
	ORDER BY qc.linked_at ASC, c.id ASC`, queryID)
	if err != nil {
		return nil, fmt.Errorf("companies for query %s: %w", queryID, err)
	}
	defer rows.Close()

	results := []*storage.Company{}
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, fmt.Errorf("companies for query %s: %w", queryID, err)
		}
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("companies for query %s: %w", queryID, err)
	}
	return results, nil
}

func (b *postgresBackend) SaveContact(ctx context.Context, c *storage.Contact) error {
	_, err := b.pool.Exec(ctx, `
	INSERT INTO contacts (
		id, company_id, name, title, email, email_confidence, linkedin_url, source_confidence, enrichment_status, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		title = EXCLUDED.title,
		email = EXCLUDED.email,
		email_confidence = EXCLUDED.email_confidence,
		linkedin_url = EXCLUDED.linkedin_url,
		source_confidence = EXCLUDED.source_confidence,
		enrichment_status = EXCLUDED.enrichment_status`,
		c.ID, c.CompanyID, c.Name, c.Title, c.Email, c.EmailConfidence, c.LinkedInURL,
		c.SourceConfidence, string(c.EnrichmentStatus), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save contact %s: %w", c.ID, mapErr(err))
	}
	return nil
}

const contactSelect = `SELECT id, company_id, name, title, email, email_confidence, linkedin_url, source_confidence, enrichment_status, created_at FROM contacts`

func (b *postgresBackend) GetContact(ctx context.Context, id string) (*storage.Contact, error) {
	c, err := scanContact(b.pool.QueryRow(ctx, contactSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("contact %s: %w", id, err)
	}
	return c, nil
}

func (b *postgresBackend) ContactsForCompany(ctx context.Context, companyID string) ([]*storage.Contact, error) {
	rows, err := b.pool.Query(ctx, contactSelect+` WHERE company_id = $1 ORDER BY created_at ASC, id ASC`, companyID)
	if err != nil {
		return nil, fmt.Errorf("contacts for company %s: %w", companyID, err)
	}
	defer rows.Close()

	results := []*storage.Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("contacts for company %s: %w", companyID, err)
		}
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contacts for company %s: %w", companyID, err)
	}
	return results, nil
}

func (b *postgresBackend) AppendLead(ctx context.Context, l *storage.Lead) error {
	var contactID *string
	if l.ContactID != "" {
		contactID = &l.ContactID
	}

	_, err := b.pool.Exec(ctx, `
	INSERT INTO leads (id, query_id, company_id, contact_id, cycle, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.QueryID, l.CompanyID, contactID, l.Cycle, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append lead %s: %w", l.ID, mapErr(err))
	}
	return nil
}

func (b *postgresBackend) LeadsForQuery(ctx context.Context, queryID string) ([]*storage.Lead, error) {
	rows, err := b.pool.Query(ctx, `
	SELECT id, query_id, company_id, contact_id, cycle, created_at FROM leads
	WHERE query_id = $1 ORDER BY created_at ASC, id ASC`, queryID)
	if err != nil {
		return nil, fmt.Errorf("leads for query %s: %w", queryID, err)
	}
	defer rows.Close()

	results := []*storage.Lead{}
	for rows.Next() {
		var l storage.Lead
		var contactID *string
		if err := rows.Scan(&l.ID, &l.QueryID, &l.CompanyID, &contactID, &l.Cycle, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("leads for query %s: %w", queryID, err)
		}
		if contactID != nil {
			l.ContactID = *contactID
		}
		results = append(results, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("leads for query %s: %w", queryID, err)
	}
	return results, nil
}

func (b *postgresBackend) Close() error {
	b.pool.Close()
	return nil
}

func scanQuery(row pgx.Row) (*storage.Query, error) {
	var q storage.Query
	var intentJSON, opsJSON []byte
	var status string
	var freqMs int64

	err := row.Scan(&q.ID, &q.Text, &intentJSON, &status, &q.CreatedAt, &q.LastRefreshedAt, &q.Cycle, &freqMs, &opsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	q.Status = storage.QueryStatus(status)
	q.CheckFrequency = time.Duration(freqMs) * time.Millisecond
	if err := json.Unmarshal(intentJSON, &q.ParsedIntent); err != nil {
		return nil, fmt.Errorf("decode parsed intent: %w", err)
	}
	if err := json.Unmarshal(opsJSON, &q.SuccessfulOperators); err != nil {
		return nil, fmt.Errorf("decode operators: %w", err)
	}
	if len(q.SuccessfulOperators) == 0 {
		q.SuccessfulOperators = nil
	}
	return &q, nil
}

func scanCompany(row pgx.Row) (*storage.Company, error) {
	var c storage.Company
	var signalsJSON []byte

	err := row.Scan(&c.ID, &c.Name, &c.Domain, &c.NormalizedKey, &c.NameConfidence, &signalsJSON, &c.FirstSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(signalsJSON, &c.Signals); err != nil {
		return nil, fmt.Errorf("decode signals: %w", err)
	}
	return &c, nil
}

func scanContact(row pgx.Row) (*storage.Contact, error) {
	var c storage.Contact
	var status string

	err := row.Scan(&c.ID, &c.CompanyID, &c.Name, &c.Title, &c.Email, &c.EmailConfidence,
		&c.LinkedInURL, &c.SourceConfidence, &status, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.EnrichmentStatus = storage.EnrichmentStatus(status)
	return &c, nil
}

func encodeQuery(q *storage.Query) ([]byte, []byte, error) {
	intentJSON, err := json.Marshal(q.ParsedIntent)
	if err != nil {
		return nil, nil, fmt.Errorf("encode parsed intent: %w", err)
	}
	ops := q.SuccessfulOperators
	if ops == nil {
		ops = []string{}
	}
	opsJSON, err := json.Marshal(ops)
	if err != nil {
		return nil, nil, fmt.Errorf("encode operators: %w", err)
	}
	return intentJSON, opsJSON, nil
}

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// mapErr translates constraint violations into storage sentinels.
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%w: %s", storage.ErrConflict, pgErr.ConstraintName)
		case foreignKeyViolation:
			return fmt.Errorf("%w: %s", storage.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}
