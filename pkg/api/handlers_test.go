package api_test

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

	"github.com/pstryder/receiptgate/pkg/api"
	"github.com/pstryder/receiptgate/pkg/audit"
	"github.com/pstryder/receiptgate/pkg/chain"
	"github.com/pstryder/receiptgate/pkg/contracts"
	"github.com/pstryder/receiptgate/pkg/inbox"
	"github.com/pstryder/receiptgate/pkg/obligation"
	"github.com/pstryder/receiptgate/pkg/search"
	"github.com/pstryder/receiptgate/pkg/store"
	"github.com/pstryder/receiptgate/pkg/validate"
)

// memStore is a minimal in-process store.ReceiptStore, grounded on the
// same fake used by pkg/obligation's own tests, reused here so the REST
// handlers can be exercised end to end without a live database.
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
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &contracts.Stats{ByPhase: map[string]int{}}
	for _, r := range m.rows {
		if r.TenantID != tenantID {
			continue
		}
		stats.TotalReceipts++
		stats.ByPhase[string(r.Phase)]++
	}
	return stats, nil
}

var _ store.ReceiptStore = (*memStore)(nil)

func newService(t *testing.T) (*api.Service, *memStore) {
	t.Helper()
	v, err := validate.New(262144)
	require.NoError(t, err)
	st := newMemStore()
	eng := obligation.New(st, v, obligation.NewInProcessKeyLocker(), false)
	svc := &api.Service{
		Engine:          eng,
		Validator:       v,
		Inbox:           inbox.New(st),
		Chain:           chain.New(st, 2048),
		Search:          search.New(st, 50, 500),
		Audit:           audit.NewLoggerWithWriter(io.Discard, false),
		DefaultTenantID: "tenant-1",
		ServiceName:     "receiptgate-test",
		BodyMaxBytes:    1 << 20,
	}
	return svc, st
}

func acceptedReceiptJSON(receiptID, obligationID string) []byte {
	r := contracts.Receipt{
		ReceiptID:    receiptID,
		Phase:        contracts.PhaseAccepted,
		ObligationID: obligationID,
		CreatedBy:    "agent-a",
		Recipient:    "agent-b",
		Body:         contracts.ReceiptBody{},
	}
	b, _ := json.Marshal(r)
	return b
}

func TestHandlePutReceipt_CreatesReceipt(t *testing.T) {
	svc, _ := newService(t)
	req := httptest.NewRequest(http.MethodPost, "/receipts", bytes.NewReader(acceptedReceiptJSON("r1", "ob-1")))
	w := httptest.NewRecorder()
	svc.HandlePutReceipt(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	var result contracts.PutResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.OK)
	assert.False(t, result.IdempotentReplay)
}

func TestHandlePutReceipt_IdempotentReplayReturns200(t *testing.T) {
	svc, _ := newService(t)
	body := acceptedReceiptJSON("r1", "ob-1")

	w1 := httptest.NewRecorder()
	svc.HandlePutReceipt(w1, httptest.NewRequest(http.MethodPost, "/receipts", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, w1.Code)

	w2 := httptest.NewRecorder()
	svc.HandlePutReceipt(w2, httptest.NewRequest(http.MethodPost, "/receipts", bytes.NewReader(body)))
	assert.Equal(t, http.StatusOK, w2.Code)
}

func TestHandlePutReceipt_ValidationFailureReturns422(t *testing.T) {
	svc, _ := newService(t)
	bad := []byte(`{"receipt_id":"bad id","phase":"accepted","obligation_id":"ob-1","created_by":"a","recipient":"b","body":{}}`)
	w := httptest.NewRecorder()
	svc.HandlePutReceipt(w, httptest.NewRequest(http.MethodPost, "/receipts", bytes.NewReader(bad)))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp contracts.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.OK)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
}

func TestHandlePutReceipt_WrongMethodReturns405(t *testing.T) {
	svc, _ := newService(t)
	w := httptest.NewRecorder()
	svc.HandlePutReceipt(w, httptest.NewRequest(http.MethodGet, "/receipts", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleGetReceipt_NotFoundReturns404(t *testing.T) {
	svc, _ := newService(t)
	req := httptest.NewRequest(http.MethodGet, "/receipts/missing", nil)
	req.SetPathValue("receipt_id", "missing")
	w := httptest.NewRecorder()
	svc.HandleGetReceipt(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetReceipt_Found(t *testing.T) {
	svc, _ := newService(t)
	svc.HandlePutReceipt(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/receipts", bytes.NewReader(acceptedReceiptJSON("r1", "ob-1"))))

	req := httptest.NewRequest(http.MethodGet, "/receipts/r1", nil)
	req.SetPathValue("receipt_id", "r1")
	w := httptest.NewRecorder()
	svc.HandleGetReceipt(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var got contracts.Receipt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "r1", got.ReceiptID)
}

func TestHandleInbox_ReturnsOpenObligations(t *testing.T) {
	svc, _ := newService(t)
	svc.HandlePutReceipt(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/receipts", bytes.NewReader(acceptedReceiptJSON("r1", "ob-1"))))

	req := httptest.NewRequest(http.MethodGet, "/inbox/agent-b", nil)
	req.SetPathValue("recipient", "agent-b")
	w := httptest.NewRecorder()
	svc.HandleInbox(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var result contracts.InboxResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result.Items, 1)
	assert.Equal(t, "ob-1", result.Items[0].ObligationID)
}

func TestHandleInbox_InvalidLimitReturns422(t *testing.T) {
	svc, _ := newService(t)
	req := httptest.NewRequest(http.MethodGet, "/inbox/agent-b?limit=-1", nil)
	req.SetPathValue("recipient", "agent-b")
	w := httptest.NewRecorder()
	svc.HandleInbox(w, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandleChain_WalksBackPointers(t *testing.T) {
	svc, _ := newService(t)
	svc.HandlePutReceipt(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/receipts", bytes.NewReader(acceptedReceiptJSON("r1", "ob-1"))))

	req := httptest.NewRequest(http.MethodGet, "/receipts/r1/chain", nil)
	req.SetPathValue("receipt_id", "r1")
	w := httptest.NewRecorder()
	svc.HandleChain(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var result contracts.ChainResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Len(t, result.Chain, 1)
}

func TestHandleHealth_ReportsServiceName(t *testing.T) {
	svc, _ := newService(t)
	w := httptest.NewRecorder()
	svc.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "receiptgate-test", body["service"])
}

func TestHandleStats_CountsByPhase(t *testing.T) {
	svc, _ := newService(t)
	svc.HandlePutReceipt(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/receipts", bytes.NewReader(acceptedReceiptJSON("r1", "ob-1"))))

	w := httptest.NewRecorder()
	svc.HandleStats(w, httptest.NewRequest(http.MethodGet, "/receipts/stats", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var stats contracts.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalReceipts)
	assert.Equal(t, 1, stats.ByPhase["accepted"])
}

func TestHandleTaskReceipts_ListsByTaskID(t *testing.T) {
	svc, _ := newService(t)
	req := httptest.NewRequest(http.MethodGet, "/tasks/task-1/receipts", nil)
	req.SetPathValue("task_id", "task-1")
	w := httptest.NewRecorder()
	svc.HandleTaskReceipts(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
