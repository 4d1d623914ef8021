package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/pstryder/receiptgate/pkg/audit"
	"github.com/pstryder/receiptgate/pkg/auth"
	"github.com/pstryder/receiptgate/pkg/chain"
	"github.com/pstryder/receiptgate/pkg/contracts"
	"github.com/pstryder/receiptgate/pkg/gateerror"
	"github.com/pstryder/receiptgate/pkg/inbox"
	"github.com/pstryder/receiptgate/pkg/obligation"
	"github.com/pstryder/receiptgate/pkg/search"
	"github.com/pstryder/receiptgate/pkg/store"
	"github.com/pstryder/receiptgate/pkg/validate"
)

// Service wires the domain components behind the REST surface. One
// Service instance is shared by every handler; pkg/mcp's Server is built
// from the same component instances, so the two transports never drift in
// behavior.
type Service struct {
	Engine          *obligation.Engine
	Validator       *validate.Validator
	Inbox           *inbox.Projector
	Chain           *chain.Walker
	Search          *search.Service
	Audit           audit.Logger
	DefaultTenantID string
	ServiceName     string
	BodyMaxBytes    int64
}

func (s *Service) tenantID(r *http.Request) string {
	if p, err := auth.GetPrincipal(r.Context()); err == nil {
		if t := p.GetTenantID(); t != "" {
			return t
		}
	}
	return s.DefaultTenantID
}

// HandlePutReceipt implements POST /receipts of spec.md §6.1: decode,
// validate, hand to the obligation engine, encode the PutResult.
func (s *Service) HandlePutReceipt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	limit := s.BodyMaxBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var receipt contracts.Receipt
	if err := json.NewDecoder(r.Body).Decode(&receipt); err != nil {
		WriteError(w, gateerror.Validation("request body is not a valid receipt envelope", []gateerror.FieldError{
			{Field: "$", Message: err.Error()},
		}))
		return
	}

	validate.Normalize(&receipt)
	if gerr := s.Validator.Validate(&receipt); gerr != nil {
		WriteError(w, gerr)
		return
	}

	tenantID := s.tenantID(r)
	result, gerr := s.Engine.PutReceipt(r.Context(), tenantID, &receipt)
	if gerr != nil {
		WriteError(w, gerr)
		return
	}

	if s.Audit != nil {
		meta := map[string]interface{}{
			"receipt_id":    result.ReceiptID,
			"obligation_id": receipt.ObligationID,
			"actor":         receipt.CreatedBy,
			"body":          receipt.Body,
		}
		_ = s.Audit.Record(r.Context(), audit.EventMutation, "put_receipt", "/receipts", meta)
	}

	status := http.StatusCreated
	if result.IdempotentReplay {
		status = http.StatusOK
	}
	WriteJSON(w, status, result)
}

// HandleGetReceipt implements GET /receipts/{receipt_id}.
func (s *Service) HandleGetReceipt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	receiptID := r.PathValue("receipt_id")
	tenantID := s.tenantID(r)

	rec, err := s.Engine.Store.Get(r.Context(), tenantID, receiptID)
	if err != nil {
		s.writeStoreErr(w, err, "receipt not found")
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// HandleSearch implements POST /receipts/search.
func (s *Service) HandleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req searchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		WriteError(w, gateerror.Validation("search filter body is malformed", []gateerror.FieldError{
			{Field: "$", Message: err.Error()},
		}))
		return
	}

	result, err := s.Search.Search(r.Context(), s.tenantID(r), req.toFilter())
	if err != nil {
		WriteError(w, gateerror.Internal())
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// HandleChain implements GET /receipts/{receipt_id}/chain.
func (s *Service) HandleChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	receiptID := r.PathValue("receipt_id")
	result, err := s.Chain.Walk(r.Context(), s.tenantID(r), receiptID)
	if err != nil {
		s.writeStoreErr(w, err, "receipt not found")
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// HandleInbox implements GET /inbox/{recipient}?limit=N.
func (s *Service) HandleInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	recipient := r.PathValue("recipient")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteError(w, gateerror.Validation("limit must be a non-negative integer", []gateerror.FieldError{
				{Field: "limit", Message: "must be a non-negative integer"},
			}))
			return
		}
		limit = n
	}

	result, err := s.Inbox.Project(r.Context(), s.tenantID(r), recipient, limit)
	if err != nil {
		WriteError(w, gateerror.Internal())
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// HandleTaskReceipts implements the supplemented task-scoped listing
// (SPEC_FULL.md §8), REST's counterpart to the list_task_receipts tool.
func (s *Service) HandleTaskReceipts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	taskID := r.PathValue("task_id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	result, err := s.Search.ListByTask(r.Context(), s.tenantID(r), taskID, limit)
	if err != nil {
		WriteError(w, gateerror.Internal())
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// HandleStats implements GET /receipts/stats.
func (s *Service) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	stats, err := s.Search.Stats(r.Context(), s.tenantID(r))
	if err != nil {
		WriteError(w, gateerror.Internal())
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// HandleHealth implements GET /health.
func (s *Service) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "service": s.ServiceName})
}

func (s *Service) writeStoreErr(w http.ResponseWriter, err error, notFoundMsg string) {
	if err == nil {
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, gateerror.NotFound(notFoundMsg))
		return
	}
	WriteError(w, gateerror.Internal())
}

// searchRequest is the wire shape of POST /receipts/search's body,
// decoded separately from contracts.SearchFilter since the wire filter
// uses plain strings/omitted fields rather than the store layer's typed
// pointer filter.
type searchRequest struct {
	ReceiptID         *string `json:"receipt_id,omitempty"`
	ObligationID      *string `json:"obligation_id,omitempty"`
	Phase             *string `json:"phase,omitempty"`
	Recipient         *string `json:"recipient,omitempty"`
	CreatedBy         *string `json:"created_by,omitempty"`
	Principal         *string `json:"principal,omitempty"`
	CausedByReceiptID *string `json:"caused_by_receipt_id,omitempty"`
	TaskID            *string `json:"task_id,omitempty"`
	PlanID            *string `json:"plan_id,omitempty"`
	Limit             int     `json:"limit,omitempty"`
	Offset            int     `json:"offset,omitempty"`
}

func (req *searchRequest) toFilter() contracts.SearchFilter {
	f := contracts.SearchFilter{
		ReceiptID:         req.ReceiptID,
		ObligationID:      req.ObligationID,
		Recipient:         req.Recipient,
		CreatedBy:         req.CreatedBy,
		Principal:         req.Principal,
		CausedByReceiptID: req.CausedByReceiptID,
		TaskID:            req.TaskID,
		PlanID:            req.PlanID,
		Limit:             req.Limit,
		Offset:            req.Offset,
	}
	if req.Phase != nil {
		p := contracts.Phase(*req.Phase)
		f.Phase = &p
	}
	return f
}
