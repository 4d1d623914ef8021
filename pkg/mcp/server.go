// Package mcp implements ReceiptGate's JSON-RPC tool surface (spec.md
// §6.2): POST /mcp, `tools/list` and `tools/call`, the eight named tools
// that mirror the REST surface's semantics and share its domain
// components. Tool calls are routed through a
// pkg/firewall.PolicyFirewall, the same allowlist-plus-schema dispatcher
// pattern the teacher's MCP endpoint used, so adding a ninth tool always
// means an explicit AllowTool call rather than an open dispatch table.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pstryder/receiptgate/pkg/audit"
	"github.com/pstryder/receiptgate/pkg/auth"
	"github.com/pstryder/receiptgate/pkg/chain"
	"github.com/pstryder/receiptgate/pkg/contracts"
	"github.com/pstryder/receiptgate/pkg/firewall"
	"github.com/pstryder/receiptgate/pkg/gateerror"
	"github.com/pstryder/receiptgate/pkg/inbox"
	"github.com/pstryder/receiptgate/pkg/obligation"
	"github.com/pstryder/receiptgate/pkg/search"
	"github.com/pstryder/receiptgate/pkg/validate"
)

// toolNames lists spec.md §6.2's eight tools, in tools/list order.
var toolNames = []string{
	"receiptgate.submit_receipt",
	"list_inbox",
	"bootstrap",
	"list_task_receipts",
	"search_receipts",
	"get_receipt_chain",
	"get_receipt",
	"health",
}

// Server is the JSON-RPC counterpart to pkg/api.Service: the same domain
// components (Engine, Validator, Inbox, Chain, Search), adapted to the
// tools/call dispatch shape instead of REST routes.
type Server struct {
	Engine             *obligation.Engine
	Validator          *validate.Validator
	Inbox              *inbox.Projector
	Chain              *chain.Walker
	Search             *search.Service
	Audit              audit.Logger
	DefaultTenantID    string
	ServiceName        string
	SearchDefaultLimit int
	SearchMaxLimit     int

	firewall *firewall.PolicyFirewall
}

// NewServer wires a Server and its PolicyFirewall allowlist. None of the
// eight tools carries a per-tool JSON Schema here — argument shapes are
// validated by the same Go-native code pkg/api uses (pkg/validate for
// receipts, presence checks for the rest) — mirroring
// pkg/firewall.AllowTool's "empty schema means allowlist-only" mode.
func NewServer(s *Server) *Server {
	fw := firewall.NewPolicyFirewall(s)
	for _, name := range toolNames {
		_ = fw.AllowTool(name, "")
	}
	s.firewall = fw
	return s
}

func (s *Server) tenantID(ctx context.Context) string {
	if p, err := auth.GetPrincipal(ctx); err == nil && p != nil {
		if t := p.GetTenantID(); t != "" {
			return t
		}
	}
	return s.DefaultTenantID
}

// rpcRequest is the wire shape of spec.md §6.2's envelope.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError's Code is `any` because spec.md §6.2 mixes two vocabularies:
// string codes for tool-level failures (validation_failed, not_found,
// unknown_tool) and numeric JSON-RPC codes for protocol-level failures
// (parse error, invalid request, method not found).
type rpcError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ServeHTTP implements POST /mcp.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req rpcRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		writeRPC(w, nil, nil, &rpcError{Code: -32700, Message: "parse error"})
		return
	}

	switch req.Method {
	case "tools/list":
		writeRPC(w, req.ID, toolCatalog(), nil)
	case "tools/call":
		s.handleToolsCall(w, r, req)
	default:
		writeRPC(w, req.ID, nil, &rpcError{Code: -32601, Message: "method not found: " + req.Method})
	}
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var params toolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeRPC(w, req.ID, nil, &rpcError{Code: -32602, Message: "invalid params"})
			return
		}
	}

	var args map[string]any
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			writeRPC(w, req.ID, nil, &rpcError{Code: -32602, Message: "invalid params"})
			return
		}
	}

	bundle := firewall.PolicyInputBundle{ActorID: s.tenantID(r.Context())}

	result, err := s.firewall.CallTool(r.Context(), bundle, params.Name, args)
	if err != nil {
		var gerr *gateerror.Error
		if errors.As(err, &gerr) {
			writeRPC(w, req.ID, nil, toRPCError(gerr))
			return
		}
		writeRPC(w, req.ID, nil, &rpcError{Code: "unknown_tool", Message: err.Error()})
		return
	}
	writeRPC(w, req.ID, result, nil)
}

// Dispatch implements firewall.Dispatcher, routing an allowlisted tool
// call to its handler. The caller's tenant travels via ctx's
// auth.Principal, set by the same middleware chain the REST transport
// uses (cmd/receiptgate wires both transports behind it), so a single
// Dispatch never needs its own tenant-resolution logic.
func (s *Server) Dispatch(ctx context.Context, toolName string, params map[string]any) (any, error) {
	tenantID := s.tenantID(ctx)
	switch toolName {
	case "receiptgate.submit_receipt":
		return s.submitReceipt(ctx, tenantID, params)
	case "list_inbox":
		return s.listInbox(ctx, tenantID, params)
	case "bootstrap":
		return s.bootstrap(ctx, tenantID, params)
	case "list_task_receipts":
		return s.listTaskReceipts(ctx, tenantID, params)
	case "search_receipts":
		return s.searchReceipts(ctx, tenantID, params)
	case "get_receipt_chain":
		return s.getReceiptChain(ctx, tenantID, params)
	case "get_receipt":
		return s.getReceipt(ctx, tenantID, params)
	case "health":
		return map[string]any{"ok": true, "service": s.ServiceName}, nil
	}
	return nil, errors.New("unknown tool: " + toolName)
}

// decodeArgs re-marshals the generic params map into a typed struct —
// tools/call arrives as arbitrary JSON, so this is the one conversion
// point every handler below uses instead of hand-rolling map lookups.
func decodeArgs(params map[string]any, dst any) error {
	b, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

func (s *Server) submitReceipt(ctx context.Context, tenantID string, params map[string]any) (any, error) {
	var body struct {
		Receipt contracts.Receipt `json:"receipt"`
	}
	if err := decodeArgs(params, &body); err != nil {
		return nil, gateerror.Validation("receipt argument is malformed", []gateerror.FieldError{{Field: "receipt", Message: err.Error()}})
	}

	validate.Normalize(&body.Receipt)
	if gerr := s.Validator.Validate(&body.Receipt); gerr != nil {
		return nil, gerr
	}

	result, gerr := s.Engine.PutReceipt(ctx, tenantID, &body.Receipt)
	if gerr != nil {
		return nil, gerr
	}

	if s.Audit != nil {
		_ = s.Audit.Record(ctx, audit.EventMutation, "put_receipt", "mcp:receiptgate.submit_receipt", map[string]any{
			"receipt_id":    result.ReceiptID,
			"obligation_id": body.Receipt.ObligationID,
			"actor":         body.Receipt.CreatedBy,
			"body":          body.Receipt.Body,
		})
	}
	return result, nil
}

func (s *Server) listInbox(ctx context.Context, tenantID string, params map[string]any) (any, error) {
	var args struct {
		Recipient string `json:"recipient"`
		Limit     int    `json:"limit"`
	}
	if err := decodeArgs(params, &args); err != nil {
		return nil, gateerror.Validation("invalid arguments", nil)
	}
	if args.Recipient == "" {
		return nil, gateerror.Validation("recipient is required", []gateerror.FieldError{{Field: "recipient", Message: "required"}})
	}
	return s.Inbox.Project(ctx, tenantID, args.Recipient, args.Limit)
}

// bootstrap is SPEC_FULL.md §8's supplemented tool: initializes a session
// and returns the caller's current inbox plus the search limit config in
// one round trip, matching the original's mcp/routes.py
// receiptgate.bootstrap behavior.
func (s *Server) bootstrap(ctx context.Context, tenantID string, params map[string]any) (any, error) {
	var args struct {
		AgentName string `json:"agent_name"`
		SessionID string `json:"session_id"`
	}
	if err := decodeArgs(params, &args); err != nil {
		return nil, gateerror.Validation("invalid arguments", nil)
	}
	if args.AgentName == "" {
		return nil, gateerror.Validation("agent_name is required", []gateerror.FieldError{{Field: "agent_name", Message: "required"}})
	}

	box, err := s.Inbox.Project(ctx, tenantID, args.AgentName, 0)
	if err != nil {
		return nil, gateerror.Internal()
	}

	return map[string]any{
		"session_id": args.SessionID,
		"inbox":      box.Items,
		"config": map[string]any{
			"search_default_limit": s.SearchDefaultLimit,
			"search_max_limit":     s.SearchMaxLimit,
		},
	}, nil
}

func (s *Server) listTaskReceipts(ctx context.Context, tenantID string, params map[string]any) (any, error) {
	var args struct {
		TaskID string `json:"task_id"`
		Limit  int    `json:"limit"`
	}
	if err := decodeArgs(params, &args); err != nil {
		return nil, gateerror.Validation("invalid arguments", nil)
	}
	if args.TaskID == "" {
		return nil, gateerror.Validation("task_id is required", []gateerror.FieldError{{Field: "task_id", Message: "required"}})
	}
	result, err := s.Search.ListByTask(ctx, tenantID, args.TaskID, args.Limit)
	if err != nil {
		return nil, gateerror.Internal()
	}
	return result, nil
}

// searchFilterArgs mirrors pkg/api's unexported searchRequest: the wire
// shape uses plain snake_case strings, converted to contracts.SearchFilter's
// typed pointer fields explicitly rather than relying on encoding/json's
// field-name matching against SearchFilter directly, which carries no json
// tags at all (it is an internal, not wire, type).
type searchFilterArgs struct {
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

func (a *searchFilterArgs) toFilter() contracts.SearchFilter {
	f := contracts.SearchFilter{
		ReceiptID:         a.ReceiptID,
		ObligationID:      a.ObligationID,
		Recipient:         a.Recipient,
		CreatedBy:         a.CreatedBy,
		Principal:         a.Principal,
		CausedByReceiptID: a.CausedByReceiptID,
		TaskID:            a.TaskID,
		PlanID:            a.PlanID,
		Limit:             a.Limit,
		Offset:            a.Offset,
	}
	if a.Phase != nil {
		p := contracts.Phase(*a.Phase)
		f.Phase = &p
	}
	return f
}

func (s *Server) searchReceipts(ctx context.Context, tenantID string, params map[string]any) (any, error) {
	var args searchFilterArgs
	if err := decodeArgs(params, &args); err != nil {
		return nil, gateerror.Validation("filter argument is malformed", []gateerror.FieldError{{Field: "$", Message: err.Error()}})
	}
	result, err := s.Search.Search(ctx, tenantID, args.toFilter())
	if err != nil {
		return nil, gateerror.Internal()
	}
	return result, nil
}

func (s *Server) getReceiptChain(ctx context.Context, tenantID string, params map[string]any) (any, error) {
	var args struct {
		ReceiptID string `json:"receipt_id"`
	}
	if err := decodeArgs(params, &args); err != nil || args.ReceiptID == "" {
		return nil, gateerror.Validation("receipt_id is required", []gateerror.FieldError{{Field: "receipt_id", Message: "required"}})
	}
	result, err := s.Chain.Walk(ctx, tenantID, args.ReceiptID)
	if err != nil {
		return nil, gateerror.NotFound("receipt not found")
	}
	return result, nil
}

func (s *Server) getReceipt(ctx context.Context, tenantID string, params map[string]any) (any, error) {
	var args struct {
		ReceiptID string `json:"receipt_id"`
	}
	if err := decodeArgs(params, &args); err != nil || args.ReceiptID == "" {
		return nil, gateerror.Validation("receipt_id is required", []gateerror.FieldError{{Field: "receipt_id", Message: "required"}})
	}
	rec, err := s.Engine.Store.Get(ctx, tenantID, args.ReceiptID)
	if err != nil {
		return nil, gateerror.NotFound("receipt not found")
	}
	return rec, nil
}

// toolDescriptor is a minimal tools/list entry — name and a human
// description, no input schema, since arguments are validated by the
// handler's own decode step rather than advertised up front.
type toolDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func toolCatalog() []toolDescriptor {
	descriptions := map[string]string{
		"receiptgate.submit_receipt": "Submit a receipt envelope to the ledger (idempotent).",
		"list_inbox":                 "List a recipient's open obligations.",
		"bootstrap":                  "Initialize a session and return the caller's inbox and search limits.",
		"list_task_receipts":         "List receipts carrying a given task_id.",
		"search_receipts":            "Search receipts by filter.",
		"get_receipt_chain":          "Walk a receipt's caused_by_receipt_id chain.",
		"get_receipt":                "Fetch a single receipt by receipt_id.",
		"health":                     "Report service liveness.",
	}
	out := make([]toolDescriptor, 0, len(toolNames))
	for _, name := range toolNames {
		out = append(out, toolDescriptor{Name: name, Description: descriptions[name]})
	}
	return out
}

// toRPCError maps a *gateerror.Error onto spec.md §6.2's tool-error
// vocabulary. NOT_FOUND maps to "not_found"; every other domain
// rejection — structural validation, size limits, and the obligation
// state-machine's own conflict errors — maps to "validation_failed",
// since all of them reject the call rather than signal a transport-level
// fault. The original *gateerror.Code and any structured Details travel
// in Data so callers that want the finer-grained reason still have it.
func toRPCError(gerr *gateerror.Error) *rpcError {
	code := "validation_failed"
	if gerr.Code == gateerror.CodeNotFound {
		code = "not_found"
	}
	if gerr.Code == gateerror.CodeInternal {
		slog.Error("mcp: internal error", "message", gerr.Message)
	}
	return &rpcError{
		Code:    code,
		Message: gerr.Message,
		Data:    map[string]any{"gate_error_code": string(gerr.Code), "details": gerr.Details},
	}
}

func writeRPC(w http.ResponseWriter, id json.RawMessage, result any, rerr *rpcError) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rerr})
}
