// Package inbox derives the open-obligations view for a recipient
// (spec.md §4.5, component C5) — a pure read over the ledger store with no
// independent state of its own.
package inbox

import (
	"context"
	"sort"

	"github.com/pstryder/receiptgate/pkg/contracts"
	"github.com/pstryder/receiptgate/pkg/store"
)

// Projector derives inbox views. It holds nothing but a store handle.
type Projector struct {
	Store store.ReceiptStore
}

// New constructs a Projector.
func New(st store.ReceiptStore) *Projector {
	return &Projector{Store: st}
}

// Project runs spec.md §4.5's five-step algorithm: gather candidate
// openings (accepted receipts to this recipient, escalations addressed to
// this recipient), drop any obligation with a terminal receipt, dedupe,
// sort newest-opened-first, and clamp to limit.
func (p *Projector) Project(ctx context.Context, tenantID, recipient string, limit int) (*contracts.InboxResult, error) {
	accepted, err := p.Store.AcceptedByRecipient(ctx, tenantID, recipient)
	if err != nil {
		return nil, err
	}
	escalations, err := p.Store.EscalationsAll(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		item contracts.InboxItem
	}
	seen := make(map[string]bool)
	var candidates []candidate

	for _, r := range accepted {
		if seen[r.ObligationID] {
			continue
		}
		seen[r.ObligationID] = true
		candidates = append(candidates, candidate{item: contracts.InboxItem{
			ObligationID:      r.ObligationID,
			OpenedByReceiptID: r.ReceiptID,
			OpenedByPhase:     contracts.PhaseAccepted,
			Receipt:           r,
		}})
	}

	for _, r := range escalations {
		if r.Body.Escalation == nil || r.Body.Escalation.To != recipient {
			continue
		}
		childID := r.Body.Escalation.ChildObligationID
		if childID == "" || seen[childID] {
			continue
		}
		seen[childID] = true
		parentID := r.Body.Escalation.ParentObligationID
		candidates = append(candidates, candidate{item: contracts.InboxItem{
			ObligationID:       childID,
			OpenedByReceiptID:  r.ReceiptID,
			OpenedByPhase:      contracts.PhaseEscalate,
			Receipt:            r,
			ParentObligationID: &parentID,
		}})
	}

	var items []contracts.InboxItem
	for _, c := range candidates {
		terminal, err := p.Store.TerminalForObligation(ctx, tenantID, c.item.ObligationID)
		if err != nil {
			return nil, err
		}
		if terminal != nil {
			continue
		}
		items = append(items, c.item)
	}

	sort.Slice(items, func(i, j int) bool {
		ti, tj := items[i].Receipt.CreatedAt, items[j].Receipt.CreatedAt
		if ti == nil || tj == nil {
			return false
		}
		return ti.After(*tj)
	})

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	return &contracts.InboxResult{Recipient: recipient, Items: items}, nil
}
