// Package report renders run summaries and lead lists for people.
package report

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/FranksOps/prospect/internal/pipeline"
	"github.com/FranksOps/prospect/internal/storage"
)

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

var funcs = map[string]any{
	"join":  strings.Join,
	"stamp": func(t time.Time) string { return t.Format("2006-01-02 15:04:05") },
	"pct":   func(f float64) string { return fmt.Sprintf("%.0f%%", f*100) },
}

const summaryTmpl = `Prospect Run Summary
--------------------
Query:       {{.QueryID}} (cycle {{.Cycle}})
Time:        {{stamp .StartedAt}} - {{stamp .FinishedAt}}
Duration:    {{.Duration}}
Operations:  {{.Operations}}
Pages:       {{.PagesFetched}} fetched, {{.PagesFailed}} failed
Candidates:  {{.Candidates}}
Companies:   {{.Companies}} ({{.NewCompanies}} new, {{.Conflicts}} name conflicts)
Contacts:    {{.Contacts}} ({{.Enrichment.Enriched}} enriched, {{.Enrichment.Failed}} failed, {{.Enrichment.Pending}} pending)
New leads:   {{.LeadsCreated}}
{{- if .SuccessfulOperators}}

Productive operators:
{{- range .SuccessfulOperators}}
  {{.}}
{{- end}}
{{- end}}

Degraded:
{{- range .Degraded}}
  - {{.}}
{{- else}}
  None
{{- end}}
`

// WriteText writes a human-readable run summary.
func WriteText(w io.Writer, summary *pipeline.RunSummary) error {
	t, err := texttemplate.New("summary").Funcs(funcs).Parse(summaryTmpl)
	if err != nil {
		return fmt.Errorf("parse summary template: %w", err)
	}
	if err := t.Execute(w, summary); err != nil {
		return fmt.Errorf("render summary: %w", err)
	}
	return nil
}

const queriesTextTmpl = `{{range .}}{{.ID}}  {{printf "%-8s" .Status}}  cycle {{.Cycle}}  every {{.CheckFrequency}}  {{if .LastRefreshedAt}}refreshed {{stamp .LastRefreshedAt}}{{else}}never refreshed{{end}}
  {{.Text}}
{{else}}No queries.
{{end}}`

// WriteQueriesText writes two lines per query: its state, then its text.
func WriteQueriesText(w io.Writer, queries []*storage.Query) error {
	t, err := texttemplate.New("queries").Funcs(funcs).Parse(queriesTextTmpl)
	if err != nil {
		return fmt.Errorf("parse queries template: %w", err)
	}
	if err := t.Execute(w, queries); err != nil {
		return fmt.Errorf("render queries: %w", err)
	}
	return nil
}

const leadsTextTmpl = `Leads for "{{.Query.Text}}" ({{len .Leads}})
{{- range .Leads}}
{{if .IsNewSinceLastRefresh}}*{{else}} {{end}} {{.Company.Name}}{{if .Company.Domain}} <{{.Company.Domain}}>{{end}}
{{- with .Contact}} | {{.Name}}{{if .Title}}, {{.Title}}{{end}}{{if .Email}} {{.Email}}{{end}} [{{.EnrichmentStatus}}]{{end}}
{{- else}}
  No leads yet.
{{- end}}
`

// LeadReport is a query with its expanded leads.
type LeadReport struct {
	Query       *storage.Query
	Leads       []storage.LeadView
	GeneratedAt time.Time
}

// WriteLeadsText writes one line per lead. New leads are starred.
func WriteLeadsText(w io.Writer, r LeadReport) error {
	t, err := texttemplate.New("leads").Funcs(funcs).Parse(leadsTextTmpl)
	if err != nil {
		return fmt.Errorf("parse leads template: %w", err)
	}
	if err := t.Execute(w, r); err != nil {
		return fmt.Errorf("render leads: %w", err)
	}
	return nil
}

const leadsHTMLTmpl = `<!DOCTYPE html>
<html>
<head>
<title>Prospect Leads</title>
<style>
  body { font-family: sans-serif; margin: 40px; color: #333; }
  h1 { border-bottom: 2px solid #ccc; padding-bottom: 10px; }
  table { border-collapse: collapse; margin-top: 10px; }
  th, td { padding: 8px 12px; border: 1px solid #ccc; text-align: left; vertical-align: top; }
  th { background: #eaeaea; }
  tr.new td:first-child { border-left: 4px solid #2a9d46; }
  .failed { color: #b00; }
</style>
</head>
<body>
  <h1>Leads: {{.Query.Text}}</h1>
  <p><strong>Generated:</strong> {{stamp .GeneratedAt}} &middot; <strong>Cycle:</strong> {{.Query.Cycle}} &middot; <strong>Status:</strong> {{.Query.Status}}</p>
  <table>
    <tr><th>Company</th><th>Signals</th><th>Contact</th><th>Email</th><th>Found</th></tr>
    {{- range .Leads}}
    <tr{{if .IsNewSinceLastRefresh}} class="new"{{end}}>
      <td>{{.Company.Name}}{{if .Company.Domain}}<br><small>{{.Company.Domain}}</small>{{end}}</td>
      <td>{{range .Company.Signals}}<div>{{.Type}} ({{pct .Confidence}}): {{.Snippet}}</div>{{end}}</td>
      {{- with .Contact}}
      <td>{{.Name}}{{if .Title}}<br><small>{{.Title}}</small>{{end}}</td>
      <td{{if eq (print .EnrichmentStatus) "failed"}} class="failed"{{end}}>{{if .Email}}{{.Email}}{{else}}{{.EnrichmentStatus}}{{end}}</td>
      {{- else}}
      <td colspan="2">No contact</td>
      {{- end}}
      <td>{{stamp .CreatedAt}}</td>
    </tr>
    {{- else}}
    <tr><td colspan="5">No leads yet</td></tr>
    {{- end}}
  </table>
</body>
</html>
`

// WriteLeadsHTML writes a standalone HTML page listing the leads.
func WriteLeadsHTML(w io.Writer, r LeadReport) error {
	t, err := template.New("leadsHTML").Funcs(funcs).Parse(leadsHTMLTmpl)
	if err != nil {
		return fmt.Errorf("parse leads template: %w", err)
	}
	if err := t.Execute(w, r); err != nil {
		return fmt.Errorf("render leads: %w", err)
	}
	return nil
}
