// Package export writes lead lists in flat file formats.
package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/FranksOps/prospect/internal/storage"
)

// Format names an export encoding.
type Format string

const (
	FormatCSV    Format = "csv"
	FormatNDJSON Format = "ndjson"
)

// ParseFormat accepts "csv", "ndjson" or "jsonl".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv":
		return FormatCSV, nil
	case "ndjson", "jsonl":
		return FormatNDJSON, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// headers defines the CSV column order
var headers = []string{
	"lead_id",
	"query_id",
	"cycle",
	"new",
	"created_at",
	"company",
	"domain",
	"signals",
	"contact",
	"title",
	"email",
	"email_confidence",
	"linkedin_url",
	"enrichment_status",
}

// Write encodes leads to w in the given format.
func Write(w io.Writer, format Format, leads []storage.LeadView) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, leads)
	case FormatNDJSON:
		return WriteNDJSON(w, leads)
	}
	return fmt.Errorf("unknown export format %q", format)
}

// WriteFile writes leads to path, replacing any existing file.
func WriteFile(path string, format Format, leads []storage.LeadView) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open export file: %w", err)
	}
	if err := Write(f, format, leads); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close export file: %w", err)
	}
	return nil
}

// WriteCSV writes a header row and one row per lead.
func WriteCSV(w io.Writer, leads []storage.LeadView) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(headers); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, l := range leads {
		if err := cw.Write(record(l)); err != nil {
			return fmt.Errorf("write csv row %s: %w", l.ID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func record(l storage.LeadView) []string {
	signals := make([]string, 0, len(l.Company.Signals))
	for _, s := range l.Company.Signals {
		signals = append(signals, string(s.Type))
	}
	rec := []string{
		l.ID,
		l.QueryID,
		strconv.Itoa(l.Cycle),
		strconv.FormatBool(l.IsNewSinceLastRefresh),
		l.CreatedAt.Format(time.RFC3339),
		l.Company.Name,
		l.Company.Domain,
		strings.Join(signals, ";"),
		"", "", "", "", "", "",
	}
	if c := l.Contact; c != nil {
		rec[8] = c.Name
		rec[9] = c.Title
		rec[10] = c.Email
		if c.Email != "" {
			rec[11] = strconv.FormatFloat(c.EmailConfidence, 'f', 2, 64)
		}
		rec[12] = c.LinkedInURL
		rec[13] = string(c.EnrichmentStatus)
	}
	return rec
}

// WriteNDJSON writes one JSON object per line.
func WriteNDJSON(w io.Writer, leads []storage.LeadView) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, l := range leads {
		if err := enc.Encode(l); err != nil {
			return fmt.Errorf("encode lead %s: %w", l.ID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush ndjson: %w", err)
	}
	return nil
}

// ReadNDJSON decodes leads written by WriteNDJSON. Blank lines are skipped.
func ReadNDJSON(r io.Reader) ([]storage.LeadView, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var leads []storage.LeadView
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var l storage.LeadView
		if err := json.Unmarshal(line, &l); err != nil {
			return nil, fmt.Errorf("decode lead: %w", err)
		}
		leads = append(leads, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ndjson: %w", err)
	}
	return leads, nil
}
