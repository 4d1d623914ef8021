package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pstryder/receiptgate/pkg/audit"
	"github.com/pstryder/receiptgate/pkg/chain"
	"github.com/pstryder/receiptgate/pkg/contracts"
	"github.com/pstryder/receiptgate/pkg/inbox"
	"github.com/pstryder/receiptgate/pkg/mcp"
	"github.com/pstryder/receiptgate/pkg/obligation"
	"github.com/pstryder/receiptgate/pkg/search"
	"github.com/pstryder/receiptgate/pkg/store"
	"github.com/pstryder/receiptgate/pkg/validate"
)

// memStore mirrors the fake used by pkg/api's handler tests — a
// mutex-guarded map standing in for a live database.
type memStore struct {
	mu   sync.Mutex
	rows map[string]*contracts.Receipt
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]*contracts.Receipt)} }

func key(tenantID, receiptID string) string { return tenantID + "\x00" + receiptID }

func (m *memStore) Insert(_ context.Context, tenantID string, r *contracts.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(tenantID, r.ReceiptID)
	if _, exists := m.rows[k]; exists {
		return errors.New("unique constraint violation")
	}
	cp := *r
	m.rows[k] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, tenantID, receiptID string) (*contracts.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[key(tenantID, receiptID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) TerminalForObligation(_ context.Context, tenantID, obligationID string) (*contracts.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.TenantID == tenantID && r.ObligationID == obligationID &&
			(r.Phase == contracts.PhaseComplete || r.Phase == contracts.PhaseEscalate || r.Phase == contracts.PhaseCancel) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) AcceptExists(_ context.Context, tenantID, obligationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.TenantID == tenantID && r.ObligationID == obligationID && r.Phase == contracts.PhaseAccepted {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) EscalationChildExists(_ context.Context, tenantID, childObligationID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.TenantID == tenantID && r.Phase == contracts.PhaseEscalate &&
			r.Body.Escalation != nil && r.Body.Escalation.ChildObligationID == childObligationID {
			return r.ReceiptID, true, nil
		}
	}
	return "", false, nil
}

func (m *memStore) ObligationHasReceipts(_ context.Context, tenantID, obligationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.TenantID == tenantID && r.ObligationID == obligationID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) Search(_ context.Context, tenantID string, filter contracts.SearchFilter) (*contracts.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []contracts.Receipt
	for _, r := range m.rows {
		if r.TenantID != tenantID {
			continue
		}
		if filter.ObligationID != nil && r.ObligationID != *filter.ObligationID {
			continue
		}
		out = append(out, *r)
	}
	return &contracts.SearchResult{Count: len(out), Limit: filter.Limit, Offset: filter.Offset, Receipts: out}, nil
}

func (m *memStore) AcceptedByRecipient(_ context.Context, tenantID, recipient string) ([]contracts.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []contracts.Receipt
	for _, r := range m.rows {
		if r.TenantID == tenantID && r.Recipient == recipient && r.Phase == contracts.PhaseAccepted {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) EscalationsAll(_ context.Context, tenantID string) ([]contracts.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []contracts.Receipt
	for _, r := range m.rows {
		if r.TenantID == tenantID && r.Phase == contracts.PhaseEscalate {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) Stats(_ context.Context, tenantID string) (*contracts.Stats, error) {
	return &contracts.Stats{ByPhase: map[string]int{}}, nil
}

var _ store.ReceiptStore = (*memStore)(nil)

func newServer(t *testing.T) *mcp.Server {
	t.Helper()
	v, err := validate.New(262144)
	require.NoError(t, err)
	st := newMemStore()
	eng := obligation.New(st, v, obligation.NewInProcessKeyLocker(), false)
	return mcp.NewServer(&mcp.Server{
		Engine:             eng,
		Validator:          v,
		Inbox:              inbox.New(st),
		Chain:              chain.New(st, 2048),
		Search:             search.New(st, 50, 500),
		Audit:              audit.NewLoggerWithWriter(io.Discard, false),
		DefaultTenantID:    "tenant-1",
		ServiceName:        "receiptgate-test",
		SearchDefaultLimit: 50,
		SearchMaxLimit:     500,
	})
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    any            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data,omitempty"`
	} `json:"error,omitempty"`
}

func callRPC(t *testing.T, s *mcp.Server, method string, params any) rpcEnvelope {
	t.Helper()
	reqBody := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		reqBody["params"] = params
	}
	b, err := json.Marshal(reqBody)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(b))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	var env rpcEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func toolCall(name string, args map[string]any) map[string]any {
	return map[string]any{"name": name, "arguments": args}
}

func TestToolsList_ReturnsEightTools(t *testing.T) {
	s := newServer(t)
	env := callRPC(t, s, "tools/list", nil)
	require.Nil(t, env.Error)

	var tools []struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &tools))
	assert.Len(t, tools, 8)
}

func TestToolsCall_UnknownMethodReturnsMethodNotFound(t *testing.T) {
	s := newServer(t)
	env := callRPC(t, s, "bogus/method", nil)
	require.NotNil(t, env.Error)
	assert.Equal(t, float64(-32601), env.Error.Code)
}

func TestToolsCall_SubmitReceipt(t *testing.T) {
	s := newServer(t)
	receipt := map[string]any{
		"receipt_id": "r1", "phase": "accepted", "obligation_id": "ob-1",
		"created_by": "agent-a", "recipient": "agent-b", "body": map[string]any{},
	}
	env := callRPC(t, s, "tools/call", toolCall("receiptgate.submit_receipt", map[string]any{"receipt": receipt}))
	require.Nil(t, env.Error)

	var result contracts.PutResult
	require.NoError(t, json.Unmarshal(env.Result, &result))
	assert.True(t, result.OK)
}

func TestToolsCall_SubmitReceiptValidationFailure(t *testing.T) {
	s := newServer(t)
	receipt := map[string]any{
		"receipt_id": "bad id", "phase": "accepted", "obligation_id": "ob-1",
		"created_by": "agent-a", "recipient": "agent-b", "body": map[string]any{},
	}
	env := callRPC(t, s, "tools/call", toolCall("receiptgate.submit_receipt", map[string]any{"receipt": receipt}))
	require.NotNil(t, env.Error)
	assert.Equal(t, "validation_failed", env.Error.Code)
}

func TestToolsCall_UnknownToolBlockedByFirewall(t *testing.T) {
	s := newServer(t)
	env := callRPC(t, s, "tools/call", toolCall("not_a_real_tool", nil))
	require.NotNil(t, env.Error)
	assert.Equal(t, "unknown_tool", env.Error.Code)
}

func TestToolsCall_ListInboxRequiresRecipient(t *testing.T) {
	s := newServer(t)
	env := callRPC(t, s, "tools/call", toolCall("list_inbox", map[string]any{}))
	require.NotNil(t, env.Error)
	assert.Equal(t, "validation_failed", env.Error.Code)
}

func TestToolsCall_GetReceiptNotFound(t *testing.T) {
	s := newServer(t)
	env := callRPC(t, s, "tools/call", toolCall("get_receipt", map[string]any{"receipt_id": "missing"}))
	require.NotNil(t, env.Error)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestToolsCall_Health(t *testing.T) {
	s := newServer(t)
	env := callRPC(t, s, "tools/call", toolCall("health", nil))
	require.Nil(t, env.Error)

	var body map[string]any
	require.NoError(t, json.Unmarshal(env.Result, &body))
	assert.Equal(t, true, body["ok"])
}

func TestToolsCall_BootstrapReturnsInboxAndConfig(t *testing.T) {
	s := newServer(t)
	env := callRPC(t, s, "tools/call", toolCall("bootstrap", map[string]any{"agent_name": "agent-b", "session_id": "sess-1"}))
	require.Nil(t, env.Error)

	var body struct {
		SessionID string           `json:"session_id"`
		Inbox     []map[string]any `json:"inbox"`
		Config    map[string]any   `json:"config"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &body))
	assert.Equal(t, "sess-1", body.SessionID)
	assert.Equal(t, float64(50), body.Config["search_default_limit"])
}

func TestToolsCall_SearchReceiptsUsesSnakeCaseArgs(t *testing.T) {
	s := newServer(t)
	callRPC(t, s, "tools/call", toolCall("receiptgate.submit_receipt", map[string]any{"receipt": map[string]any{
		"receipt_id": "r1", "phase": "accepted", "obligation_id": "ob-1",
		"created_by": "agent-a", "recipient": "agent-b", "body": map[string]any{},
	}}))

	env := callRPC(t, s, "tools/call", toolCall("search_receipts", map[string]any{"obligation_id": "ob-1"}))
	require.Nil(t, env.Error)

	var result contracts.SearchResult
	require.NoError(t, json.Unmarshal(env.Result, &result))
	require.Len(t, result.Receipts, 1)
	assert.Equal(t, "r1", result.Receipts[0].ReceiptID)
}
