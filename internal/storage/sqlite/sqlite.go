package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/FranksOps/prospect/internal/storage"
)

// ensure sqliteBackend implements storage.Backend
var _ storage.Backend = (*sqliteBackend)(nil)

type sqliteBackend struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS queries (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	parsed_intent TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	last_refreshed_at DATETIME,
	cycle INTEGER NOT NULL DEFAULT 0,
	check_frequency_ms INTEGER NOT NULL,
	successful_operators TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS companies (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	domain TEXT NOT NULL,
	normalized_key TEXT NOT NULL UNIQUE,
	name_confidence REAL NOT NULL,
	signals TEXT NOT NULL,
	first_seen_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS query_companies (
	query_id TEXT NOT NULL,
	company_id TEXT NOT NULL,
	linked_at DATETIME NOT NULL,
	PRIMARY KEY (query_id, company_id)
);

CREATE TABLE IF NOT EXISTS contacts (
	id TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	name TEXT NOT NULL,
	title TEXT NOT NULL,
	email TEXT NOT NULL,
	email_confidence REAL NOT NULL,
	linkedin_url TEXT NOT NULL,
	source_confidence REAL NOT NULL,
	enrichment_status TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS contacts_company_email
	ON contacts (company_id, email) WHERE email <> '';

CREATE TABLE IF NOT EXISTS leads (
	id TEXT PRIMARY KEY,
	query_id TEXT NOT NULL,
	company_id TEXT NOT NULL,
	contact_id TEXT,
	cycle INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS leads_query ON leads (query_id, created_at);
`

// New creates a new SQLite-backed storage.Backend.
func New(dsn string) (storage.Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) CreateQuery(ctx context.Context, q *storage.Query) error {
	intentJSON, opsJSON, err := encodeQuery(q)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, `
	INSERT INTO queries (
		id, text, parsed_intent, status, created_at, last_refreshed_at, cycle, check_frequency_ms, successful_operators
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.Text, intentJSON, string(q.Status), q.CreatedAt.UTC(), nullTime(q.LastRefreshedAt),
		q.Cycle, q.CheckFrequency.Milliseconds(), opsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert query %s: %w", q.ID, mapErr(err))
	}
	return nil
}

const querySelect = `SELECT id, text, parsed_intent, status, created_at, last_refreshed_at, cycle, check_frequency_ms, successful_operators FROM queries`

func (b *sqliteBackend) GetQuery(ctx context.Context, id string) (*storage.Query, error) {
	row := b.db.QueryRowContext(ctx, querySelect+` WHERE id = ?`, id)
	q, err := scanQuery(row)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", id, err)
	}
	return q, nil
}

func (b *sqliteBackend) UpdateQuery(ctx context.Context, q *storage.Query) error {
	intentJSON, opsJSON, err := encodeQuery(q)
	if err != nil {
		return err
	}

	res, err := b.db.ExecContext(ctx, `
	UPDATE queries SET parsed_intent = ?, status = ?, last_refreshed_at = ?, cycle = ?,
		check_frequency_ms = ?, successful_operators = ?
	WHERE id = ?`,
		intentJSON, string(q.Status), nullTime(q.LastRefreshedAt), q.Cycle,
		q.CheckFrequency.Milliseconds(), opsJSON, q.ID,
	)
	if err != nil {
		return fmt.Errorf("update query %s: %w", q.ID, mapErr(err))
	}
	return requireRow(res, "update query "+q.ID)
}

func (b *sqliteBackend) ListQueries(ctx context.Context, filter storage.QueryFilter) ([]*storage.Query, error) {
	query := querySelect + ` WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}

	query += ` ORDER BY created_at ASC, rowid ASC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += ` LIMIT -1`
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
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

func (b *sqliteBackend) SaveCompany(ctx context.Context, c *storage.Company) error {
	signalsJSON, err := json.Marshal(nonNilSignals(c.Signals))
	if err != nil {
		return fmt.Errorf("encode signals: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
	INSERT INTO companies (id, name, domain, normalized_key, name_confidence, signals, first_seen_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		name = excluded.name,
		domain = excluded.domain,
		normalized_key = excluded.normalized_key,
		name_confidence = excluded.name_confidence,
		signals = excluded.signals`,
		c.ID, c.Name, c.Domain, c.NormalizedKey, c.NameConfidence, string(signalsJSON), c.FirstSeenAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save company %q: %w", c.NormalizedKey, mapErr(err))
	}
	return nil
}

const companySelect = `SELECT c.id, c.name, c.domain, c.normalized_key, c.name_confidence, c.signals, c.first_seen_at FROM companies c`

func (b *sqliteBackend) GetCompany(ctx context.Context, id string) (*storage.Company, error) {
	c, err := scanCompany(b.db.QueryRowContext(ctx, companySelect+` WHERE c.id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("company %s: %w", id, err)
	}
	return c, nil
}

func (b *sqliteBackend) CompanyByKey(ctx context.Context, normalizedKey string) (*storage.Company, error) {
	c, err := scanCompany(b.db.QueryRowContext(ctx, companySelect+` WHERE c.normalized_key = ?`, normalizedKey))
	if err != nil {
		return nil, fmt.Errorf("company key %q: %w", normalizedKey, err)
	}
	return c, nil
}

func (b *sqliteBackend) LinkCompany(ctx context.Context, queryID, companyID string) (bool, error) {
	if err := b.exists(ctx, `SELECT 1 FROM queries WHERE id = ?`, queryID); err != nil {
		return false, fmt.Errorf("link query %s: %w", queryID, err)
	}
	if err := b.exists(ctx, `SELECT 1 FROM companies WHERE id = ?`, companyID); err != nil {
		return false, fmt.Errorf("link company %s: %w", companyID, err)
	}

	res, err := b.db.ExecContext(ctx, `
	INSERT INTO query_companies (query_id, company_id, linked_at) VALUES (?, ?, ?)
	ON CONFLICT (query_id, company_id) DO NOTHING`,
		queryID, companyID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("link company %s: %w", companyID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("link company %s: %w", companyID, err)
	}
	return n == 1, nil
}

func (b *sqliteBackend) CompaniesForQuery(ctx context.Context, queryID string) ([]*storage.Company, error) {
	rows, err := b.db.QueryContext(ctx, companySelect+`
	JOIN query_companies qc ON qc.company_id = c.id
	WHERE qc.query_id = ?
	ORDER BY qc.linked_at ASC, qc.rowid ASC`, queryID)
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

func (b *sqliteBackend) SaveContact(ctx context.Context, c *storage.Contact) error {
	if err := b.exists(ctx, `SELECT 1 FROM companies WHERE id = ?`, c.CompanyID); err != nil {
		return fmt.Errorf("save contact company %s: %w", c.CompanyID, err)
	}

	_, err := b.db.ExecContext(ctx, `
	INSERT INTO contacts (
		id, company_id, name, title, email, email_confidence, linkedin_url, source_confidence, enrichment_status, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		name = excluded.name,
		title = excluded.title,
		email = excluded.email,
		email_confidence = excluded.email_confidence,
		linkedin_url = excluded.linkedin_url,
		source_confidence = excluded.source_confidence,
		enrichment_status = excluded.enrichment_status`,
		c.ID, c.CompanyID, c.Name, c.Title, c.Email, c.EmailConfidence, c.LinkedInURL,
		c.SourceConfidence, string(c.EnrichmentStatus), c.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save contact %s: %w", c.ID, mapErr(err))
	}
	return nil
}

const contactSelect = `SELECT id, company_id, name, title, email, email_confidence, linkedin_url, source_confidence, enrichment_status, created_at FROM contacts`

func (b *sqliteBackend) GetContact(ctx context.Context, id string) (*storage.Contact, error) {
	c, err := scanContact(b.db.QueryRowContext(ctx, contactSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("contact %s: %w", id, err)
	}
	return c, nil
}

func (b *sqliteBackend) ContactsForCompany(ctx context.Context, companyID string) ([]*storage.Contact, error) {
	rows, err := b.db.QueryContext(ctx, contactSelect+` WHERE company_id = ? ORDER BY created_at ASC, rowid ASC`, companyID)
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

func (b *sqliteBackend) AppendLead(ctx context.Context, l *storage.Lead) error {
	if err := b.exists(ctx, `SELECT 1 FROM queries WHERE id = ?`, l.QueryID); err != nil {
		return fmt.Errorf("append lead query %s: %w", l.QueryID, err)
	}

	var contactID sql.NullString
	if l.ContactID != "" {
		contactID = sql.NullString{String: l.ContactID, Valid: true}
	}

	_, err := b.db.ExecContext(ctx, `
	INSERT INTO leads (id, query_id, company_id, contact_id, cycle, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.QueryID, l.CompanyID, contactID, l.Cycle, l.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append lead %s: %w", l.ID, mapErr(err))
	}
	return nil
}

func (b *sqliteBackend) LeadsForQuery(ctx context.Context, queryID string) ([]*storage.Lead, error) {
	rows, err := b.db.QueryContext(ctx, `
	SELECT id, query_id, company_id, contact_id, cycle, created_at FROM leads
	WHERE query_id = ? ORDER BY created_at ASC, id ASC`, queryID)
	if err != nil {
		return nil, fmt.Errorf("leads for query %s: %w", queryID, err)
	}
	defer rows.Close()

	results := []*storage.Lead{}
	for rows.Next() {
		var l storage.Lead
		var contactID sql.NullString
		if err := rows.Scan(&l.ID, &l.QueryID, &l.CompanyID, &contactID, &l.Cycle, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("leads for query %s: %w", queryID, err)
		}
		l.ContactID = contactID.String
		results = append(results, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("leads for query %s: %w", queryID, err)
	}
	return results, nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}

func (b *sqliteBackend) exists(ctx context.Context, query, id string) error {
	var one int
	err := b.db.QueryRowContext(ctx, query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQuery(s scanner) (*storage.Query, error) {
	var q storage.Query
	var intentJSON, opsJSON, status string
	var refreshed sql.NullTime
	var freqMs int64

	err := s.Scan(&q.ID, &q.Text, &intentJSON, &status, &q.CreatedAt, &refreshed, &q.Cycle, &freqMs, &opsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	q.Status = storage.QueryStatus(status)
	q.CheckFrequency = time.Duration(freqMs) * time.Millisecond
	if refreshed.Valid {
		t := refreshed.Time
		q.LastRefreshedAt = &t
	}
	if err := json.Unmarshal([]byte(intentJSON), &q.ParsedIntent); err != nil {
		return nil, fmt.Errorf("decode parsed intent: %w", err)
	}
	if err := json.Unmarshal([]byte(opsJSON), &q.SuccessfulOperators); err != nil {
		return nil, fmt.Errorf("decode operators: %w", err)
	}
	if len(q.SuccessfulOperators) == 0 {
		q.SuccessfulOperators = nil
	}
	return &q, nil
}

func scanCompany(s scanner) (*storage.Company, error) {
	var c storage.Company
	var signalsJSON string

	err := s.Scan(&c.ID, &c.Name, &c.Domain, &c.NormalizedKey, &c.NameConfidence, &signalsJSON, &c.FirstSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(signalsJSON), &c.Signals); err != nil {
		return nil, fmt.Errorf("decode signals: %w", err)
	}
	return &c, nil
}

func scanContact(s scanner) (*storage.Contact, error) {
	var c storage.Contact
	var status string

	err := s.Scan(&c.ID, &c.CompanyID, &c.Name, &c.Title, &c.Email, &c.EmailConfidence,
		&c.LinkedInURL, &c.SourceConfidence, &status, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.EnrichmentStatus = storage.EnrichmentStatus(status)
	return &c, nil
}

func encodeQuery(q *storage.Query) (string, string, error) {
	intentJSON, err := json.Marshal(q.ParsedIntent)
	if err != nil {
		return "", "", fmt.Errorf("encode parsed intent: %w", err)
	}
	ops := q.SuccessfulOperators
	if ops == nil {
		ops = []string{}
	}
	opsJSON, err := json.Marshal(ops)
	if err != nil {
		return "", "", fmt.Errorf("encode operators: %w", err)
	}
	return string(intentJSON), string(opsJSON), nil
}

func nonNilSignals(s []storage.Signal) []storage.Signal {
	if s == nil {
		return []storage.Signal{}
	}
	return s
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return nil
}

// mapErr translates SQLite constraint failures into storage.ErrConflict.
func mapErr(err error) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}
	return err
}
