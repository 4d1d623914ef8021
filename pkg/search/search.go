// Package search implements filtered reads and aggregates over the ledger
// (spec.md §4.7, component C7), plus the task-scoped listing the original
// Python service exposes independently of obligation_id (SPEC_FULL.md §8).
package search

import (
	"context"

	"github.com/pstryder/receiptgate/pkg/contracts"
	"github.com/pstryder/receiptgate/pkg/store"
)

// Service answers search and stats queries. It holds no state beyond the
// configured limit clamps.
type Service struct {
	Store        store.ReceiptStore
	DefaultLimit int
	MaxLimit     int
}

// New constructs a search Service. defaultLimit/maxLimit are
// search_default_limit/search_max_limit (spec.md §6.3).
func New(st store.ReceiptStore, defaultLimit, maxLimit int) *Service {
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	if maxLimit <= 0 {
		maxLimit = 500
	}
	return &Service{Store: st, DefaultLimit: defaultLimit, MaxLimit: maxLimit}
}

// Search runs a conjunctive filter over the ledger, clamping Limit to
// [1, MaxLimit] and defaulting it to DefaultLimit when unset.
func (s *Service) Search(ctx context.Context, tenantID string, filter contracts.SearchFilter) (*contracts.SearchResult, error) {
	filter.Limit = s.clampLimit(filter.Limit)
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.Store.Search(ctx, tenantID, filter)
}

// ListByTask lists receipts carrying the given task_id, independent of
// obligation_id — task and obligation are orthogonal groupings in the
// original service (SPEC_FULL.md §8).
func (s *Service) ListByTask(ctx context.Context, tenantID, taskID string, limit int) (*contracts.SearchResult, error) {
	filter := contracts.SearchFilter{TaskID: &taskID, Limit: s.clampLimit(limit)}
	return s.Store.Search(ctx, tenantID, filter)
}

// Stats returns total/per-phase counts and the top-10 recipients by
// receipt count.
func (s *Service) Stats(ctx context.Context, tenantID string) (*contracts.Stats, error) {
	return s.Store.Stats(ctx, tenantID)
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.DefaultLimit
	}
	if limit > s.MaxLimit {
		return s.MaxLimit
	}
	return limit
}
