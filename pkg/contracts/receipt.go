// Package contracts defines the canonical wire and storage shapes for
// obligation receipts. Both the REST and JSON-RPC transports decode into
// Receipt before anything else touches a request; nothing downstream of
// the transport layer knows which surface it was submitted through.
package contracts

import (
	"encoding/json"
	"time"
)

// Phase is the lifecycle stage a receipt declares for its obligation.
type Phase string

const (
	PhaseAccepted Phase = "accepted"
	PhaseComplete Phase = "complete"
	PhaseEscalate Phase = "escalate"
	PhaseCancel   Phase = "cancel"
)

// TaskRef links a receipt to the task queue entry it was issued for.
type TaskRef struct {
	TaskID       string  `json:"task_id"`
	Queue        *string `json:"queue,omitempty"`
	LeaseSeconds *int    `json:"lease_seconds,omitempty"`
}

// PlanRef links a receipt to the plan that authorized the obligation.
type PlanRef struct {
	PlanID   string  `json:"plan_id"`
	PlanHash *string `json:"plan_hash,omitempty"`
}

// ArtifactRef points at an artifact produced or consumed while discharging
// an obligation, identified by ArtifactID or URI. Neither the schema nor
// the validator checks that exactly one of the two is set.
type ArtifactRef struct {
	ArtifactID *string    `json:"artifact_id,omitempty"`
	URI        *string    `json:"uri,omitempty"`
	Digest     *string    `json:"digest,omitempty"`
	Kind       *string    `json:"kind,omitempty"`
	MIME       *string    `json:"mime,omitempty"`
	Bytes      *int64     `json:"bytes,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
}

// CompletionResult carries the outcome of a "complete" receipt.
type CompletionResult struct {
	Status  string         `json:"status"`
	Reason  *string        `json:"reason,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// EscalationBody carries the handoff details of an "escalate" receipt.
type EscalationBody struct {
	ParentReceiptID    string         `json:"parent_receipt_id"`
	ParentObligationID string         `json:"parent_obligation_id"`
	ChildObligationID  string         `json:"child_obligation_id"`
	From               string         `json:"from"`
	To                 string         `json:"to"`
	Reason             string         `json:"reason"`
	CopiedTaskID       *string        `json:"copied_task_id,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
}

// CancelBody carries the termination details of a "cancel" receipt.
type CancelBody struct {
	Reason                 string  `json:"reason"`
	SupersededByObligation *string `json:"superseded_by_obligation_id,omitempty"`
	SupersededByReceiptID  *string `json:"superseded_by_receipt_id,omitempty"`
}

// ReceiptBody is the phase-specific payload. Unlike the rest of the
// envelope it allows free-form extra keys: callers may attach arbitrary
// agent-defined fields alongside the known sub-objects and get them back
// unchanged.
type ReceiptBody struct {
	Summary     *string           `json:"summary,omitempty"`
	Inputs      map[string]any    `json:"inputs,omitempty"`
	Constraints map[string]any    `json:"constraints,omitempty"`
	Result      *CompletionResult `json:"result,omitempty"`
	Escalation  *EscalationBody   `json:"escalation,omitempty"`
	Cancel      *CancelBody       `json:"cancel,omitempty"`
	Extra       map[string]any    `json:"-"`
}

var bodyKnownKeys = map[string]bool{
	"summary": true, "inputs": true, "constraints": true,
	"result": true, "escalation": true, "cancel": true,
}

// MarshalJSON re-flattens Extra alongside the known fields so the body
// round-trips exactly as received.
func (b ReceiptBody) MarshalJSON() ([]byte, error) {
	type alias ReceiptBody
	base, err := json.Marshal(alias(b))
	if err != nil {
		return nil, err
	}
	if len(b.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range b.Extra {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

// UnmarshalJSON parses the known sub-objects and stashes everything else
// into Extra.
func (b *ReceiptBody) UnmarshalJSON(data []byte) error {
	type alias ReceiptBody
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = ReceiptBody(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra := make(map[string]any)
	for k, v := range raw {
		if bodyKnownKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		extra[k] = val
	}
	if len(extra) > 0 {
		b.Extra = extra
	}
	return nil
}

// Receipt is the canonical obligation receipt envelope, submitted over
// either REST or JSON-RPC and persisted verbatim (minus server-assigned
// fields) in the ledger store.
type Receipt struct {
	ReceiptID         string        `json:"receipt_id"`
	Phase             Phase         `json:"phase"`
	ObligationID      string        `json:"obligation_id"`
	CausedByReceiptID *string       `json:"caused_by_receipt_id,omitempty"`
	CreatedBy         string        `json:"created_by"`
	Recipient         string        `json:"recipient"`
	Principal         *string       `json:"principal,omitempty"`
	TaskRef           *TaskRef      `json:"task_ref,omitempty"`
	PlanRef           *PlanRef      `json:"plan_ref,omitempty"`
	ArtifactRefs      []ArtifactRef `json:"artifact_refs,omitempty"`
	Body              ReceiptBody   `json:"body"`
	CreatedAt         *time.Time    `json:"created_at,omitempty"`

	// Server-assigned, never accepted from a caller.
	TenantID      string     `json:"-"`
	StoredAt      *time.Time `json:"-"`
	CanonicalHash string     `json:"canonical_hash,omitempty"`
}

// ErrorObject is the wire shape of a single API error.
type ErrorObject struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorResponse is the wire shape of every non-2xx API response.
type ErrorResponse struct {
	OK    bool        `json:"ok"`
	Error ErrorObject `json:"error"`
}

// PutResult is returned by a successful write, covering both the
// newly-created and idempotent-replay cases.
type PutResult struct {
	OK               bool       `json:"ok"`
	ReceiptID        string     `json:"receipt_id"`
	CanonicalHash    string     `json:"canonical_hash"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	IdempotentReplay bool       `json:"idempotent_replay"`
}

// SearchFilter is the set of optional predicates accepted by Search.
type SearchFilter struct {
	ReceiptID         *string
	ObligationID      *string
	Phase             *Phase
	Recipient         *string
	CreatedBy         *string
	Principal         *string
	CausedByReceiptID *string
	TaskID            *string
	PlanID            *string
	CreatedAtFrom     *time.Time
	CreatedAtTo       *time.Time
	Query             *string
	Limit             int
	Offset            int
}

// SearchResult is the page returned by Search.
type SearchResult struct {
	Count    int       `json:"count"`
	Limit    int       `json:"limit"`
	Offset   int       `json:"offset"`
	Receipts []Receipt `json:"receipts"`
}

// ChainResult is the ordered causal chain ending at a receipt.
type ChainResult struct {
	ReceiptID string    `json:"receipt_id"`
	Chain     []Receipt `json:"chain"`
	Truncated bool      `json:"truncated"`
}

// InboxItem is one open obligation surfaced to a recipient.
type InboxItem struct {
	ObligationID       string  `json:"obligation_id"`
	OpenedByReceiptID  string  `json:"opened_by_receipt_id"`
	OpenedByPhase      Phase   `json:"opened_by_phase"`
	Receipt            Receipt `json:"receipt"`
	ParentObligationID *string `json:"parent_obligation_id,omitempty"`
}

// InboxResult is the response to an inbox projection.
type InboxResult struct {
	Recipient string      `json:"recipient"`
	Items     []InboxItem `json:"items"`
}

// Stats is the response to a stats query.
type Stats struct {
	TotalReceipts int            `json:"total_receipts"`
	ByPhase       map[string]int `json:"by_phase"`
	TopRecipients []RecipientTop `json:"top_recipients"`
}

// RecipientTop is one entry of the top-recipients leaderboard.
type RecipientTop struct {
	Recipient string `json:"recipient"`
	Count     int    `json:"count"`
}
