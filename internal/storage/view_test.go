package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/FranksOps/prospect/internal/storage"
	"github.com/FranksOps/prospect/internal/storage/memory"
)

func TestExpandLeads(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	now := time.Now().UTC()

	q := &storage.Query{ID: "q1", Text: "pharma hiring", Status: storage.QueryActive, CreatedAt: now, Cycle: 2}
	if err := b.CreateQuery(ctx, q); err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}
	c := &storage.Company{ID: "c1", Name: "Acme", Domain: "acme.com", NormalizedKey: "acme|acme.com"}
	if err := b.SaveCompany(ctx, c); err != nil {
		t.Fatalf("SaveCompany: %v", err)
	}
	ct := &storage.Contact{ID: "p1", CompanyID: "c1", Name: "Jane Doe", EnrichmentStatus: storage.EnrichmentFailed}
	if err := b.SaveContact(ctx, ct); err != nil {
		t.Fatalf("SaveContact: %v", err)
	}
	leads := []*storage.Lead{
		{ID: "l1", QueryID: "q1", CompanyID: "c1", ContactID: "p1", Cycle: 1, CreatedAt: now},
		{ID: "l2", QueryID: "q1", CompanyID: "c1", Cycle: 2, CreatedAt: now.Add(time.Second)},
	}
	for _, l := range leads {
		if err := b.AppendLead(ctx, l); err != nil {
			t.Fatalf("AppendLead: %v", err)
		}
	}

	views, err := storage.ExpandLeads(ctx, b, q)
	if err != nil {
		t.Fatalf("ExpandLeads: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 views, got %d", len(views))
	}
	if views[0].Contact == nil || views[0].Contact.EnrichmentStatus != storage.EnrichmentFailed {
		t.Errorf("expected first lead to carry the failed contact, got %+v", views[0].Contact)
	}
	if views[0].IsNewSinceLastRefresh {
		t.Error("expected cycle 1 lead not to be new")
	}
	if !views[1].IsNewSinceLastRefresh || views[1].Contact != nil {
		t.Errorf("expected contactless new lead, got %+v", views[1])
	}
	if views[1].Company.Domain != "acme.com" {
		t.Errorf("expected company to be expanded, got %+v", views[1].Company)
	}
}

func TestIsNewSinceLastRefresh(t *testing.T) {
	first := &storage.Query{Cycle: 1}
	if storage.IsNewSinceLastRefresh(first, &storage.Lead{Cycle: 1}) {
		t.Error("expected first-run leads not to be new")
	}
	q := &storage.Query{Cycle: 3}
	if !storage.IsNewSinceLastRefresh(q, &storage.Lead{Cycle: 3}) {
		t.Error("expected latest-cycle lead to be new")
	}
	if storage.IsNewSinceLastRefresh(q, &storage.Lead{Cycle: 2}) {
		t.Error("expected older lead not to be new")
	}
}
