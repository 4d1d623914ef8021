// Package chain walks the caused_by_receipt_id back-pointer chain from a
// given receipt (spec.md §4.6, component C6). The back-pointer graph is
// untrusted input: the walk bounds its depth and detects cycles rather
// than trusting callers to have kept it acyclic.
package chain

import (
	"context"
	"errors"

	"github.com/pstryder/receiptgate/pkg/contracts"
	"github.com/pstryder/receiptgate/pkg/store"
)

// Walker traverses causal receipt chains.
type Walker struct {
	Store    store.ReceiptStore
	MaxDepth int
}

// New constructs a Walker. maxDepth is receipt_chain_max_depth
// (spec.md §6.3, default 2048).
func New(st store.ReceiptStore, maxDepth int) *Walker {
	if maxDepth <= 0 {
		maxDepth = 2048
	}
	return &Walker{Store: st, MaxDepth: maxDepth}
}

// Walk starts at receiptID and follows caused_by_receipt_id back-pointers,
// stopping when the pointer is absent, the next row doesn't exist, depth
// reaches MaxDepth, or a receipt id is revisited. The working list is
// built newest-first and reversed before return so the result reads
// oldest-to-newest.
func (w *Walker) Walk(ctx context.Context, tenantID, receiptID string) (*contracts.ChainResult, error) {
	start, err := w.Store.Get(ctx, tenantID, receiptID)
	if err != nil {
		return nil, err
	}

	working := []contracts.Receipt{*start}
	visited := map[string]bool{start.ReceiptID: true}
	truncated := false

	current := start
	for {
		if current.CausedByReceiptID == nil || *current.CausedByReceiptID == "NA" {
			break
		}
		if len(working) >= w.MaxDepth {
			truncated = true
			break
		}

		next, err := w.Store.Get(ctx, tenantID, *current.CausedByReceiptID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				break
			}
			return nil, err
		}
		if visited[next.ReceiptID] {
			truncated = true
			break
		}

		visited[next.ReceiptID] = true
		working = append(working, *next)
		current = next
	}

	ordered := make([]contracts.Receipt, len(working))
	for i, r := range working {
		ordered[len(working)-1-i] = r
	}

	return &contracts.ChainResult{
		ReceiptID: receiptID,
		Chain:     ordered,
		Truncated: truncated,
	}, nil
}
