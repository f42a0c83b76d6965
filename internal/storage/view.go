package storage

import (
	"context"
	"errors"
	"fmt"
)

// LeadView is a Lead expanded with its Company and Contact.
type LeadView struct {
	Lead
	// IsNewSinceLastRefresh is set on leads created by the query's latest
	// run when that run was a refresh.
	IsNewSinceLastRefresh bool     `json:"is_new_since_last_refresh"`
	Company               Company  `json:"company"`
	Contact               *Contact `json:"contact,omitempty"`
}

// IsNewSinceLastRefresh reports whether l was created by the latest refresh
// of q. Leads of the first run are never new.
func IsNewSinceLastRefresh(q *Query, l *Lead) bool {
	return q.Cycle > 1 && l.Cycle == q.Cycle
}

// ExpandLeads loads every lead of q with its company and contact, in
// creation order. A contact that no longer exists is left out of the view.
func ExpandLeads(ctx context.Context, b Backend, q *Query) ([]LeadView, error) {
	leads, err := b.LeadsForQuery(ctx, q.ID)
	if err != nil {
		return nil, fmt.Errorf("leads for query %s: %w", q.ID, err)
	}

	companies := make(map[string]*Company)
	out := make([]LeadView, 0, len(leads))
	for _, l := range leads {
		c, ok := companies[l.CompanyID]
		if !ok {
			c, err = b.GetCompany(ctx, l.CompanyID)
			if err != nil {
				return nil, fmt.Errorf("company %s of lead %s: %w", l.CompanyID, l.ID, err)
			}
			companies[l.CompanyID] = c
		}
		view := LeadView{Lead: *l, IsNewSinceLastRefresh: IsNewSinceLastRefresh(q, l), Company: *c}
		if l.ContactID != "" {
			contact, err := b.GetContact(ctx, l.ContactID)
			switch {
			case errors.Is(err, ErrNotFound):
			case err != nil:
				return nil, fmt.Errorf("contact %s of lead %s: %w", l.ContactID, l.ID, err)
			default:
				view.Contact = contact
			}
		}
		out = append(out, view)
	}
	return out, nil
}
