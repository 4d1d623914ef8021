package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pstryder/receiptgate/pkg/audit"
	"github.com/pstryder/receiptgate/pkg/auth"
)

func TestLogger_Record_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf, false)

	err := logger.Record(context.Background(), audit.EventAccess, "login", "/api/v1/auth", nil)
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	jsonPart := strings.TrimPrefix(output, "AUDIT: ")
	jsonPart = strings.TrimSpace(jsonPart)

	var event audit.Event
	err = json.Unmarshal([]byte(jsonPart), &event)
	require.NoError(t, err)

	assert.Equal(t, audit.EventAccess, event.Type)
	assert.Equal(t, "login", event.Action)
	assert.Equal(t, "/api/v1/auth", event.Resource)
	assert.Equal(t, "system", event.TenantID)
	assert.Equal(t, "system", event.ActorID)
	assert.NotEmpty(t, event.ID)
	// UUID format: 8-4-4-4-12
	assert.Len(t, event.ID, 36)
}

func TestLogger_Record_WithMetadata(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf, false)

	meta := map[string]interface{}{"ip": "10.0.0.1", "actor": "agent-7"}
	err := logger.Record(context.Background(), audit.EventMutation, "put_receipt", "/v1/receipts", meta)
	require.NoError(t, err)

	jsonPart := strings.TrimPrefix(buf.String(), "AUDIT: ")
	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(jsonPart)), &event))

	assert.Equal(t, "10.0.0.1", event.Metadata["ip"])
	assert.Equal(t, "agent-7", event.ActorID)
}

func TestLogger_Record_TenantFromPrincipal(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf, false)

	ctx := auth.WithPrincipal(context.Background(), &auth.BasePrincipal{TenantID: "tenant-123"})
	err := logger.Record(ctx, audit.EventAccess, "get_receipt", "/v1/receipts/r1", nil)
	require.NoError(t, err)

	jsonPart := strings.TrimPrefix(buf.String(), "AUDIT: ")
	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(jsonPart)), &event))

	assert.Equal(t, "tenant-123", event.TenantID)
}

func TestLogger_Record_SuppressesBodyByDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf, false)

	meta := map[string]interface{}{
		"actor": "agent-7",
		"body":  map[string]interface{}{"result": map[string]interface{}{"output": "secret"}},
	}
	err := logger.Record(context.Background(), audit.EventMutation, "put_receipt", "/v1/receipts", meta)
	require.NoError(t, err)

	jsonPart := strings.TrimPrefix(buf.String(), "AUDIT: ")
	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(jsonPart)), &event))

	_, hasBody := event.Metadata["body"]
	assert.False(t, hasBody)
}

func TestLogger_Record_IncludesBodyWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf, true)

	meta := map[string]interface{}{
		"actor": "agent-7",
		"body":  map[string]interface{}{"result": "ok"},
	}
	err := logger.Record(context.Background(), audit.EventMutation, "put_receipt", "/v1/receipts", meta)
	require.NoError(t, err)

	jsonPart := strings.TrimPrefix(buf.String(), "AUDIT: ")
	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(jsonPart)), &event))

	_, hasBody := event.Metadata["body"]
	assert.True(t, hasBody)
}
