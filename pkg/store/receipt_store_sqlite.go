package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pstryder/receiptgate/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the local/dev and test-time ReceiptStore, backed by
// modernc.org/sqlite (pure Go, no cgo).
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// MigrateSQLite creates the receipts table and its indexes if absent,
// plus the opts-gated auxiliary tables.
func MigrateSQLite(ctx context.Context, db *sql.DB, opts SchemaOptions) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS receipts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			receipt_id TEXT NOT NULL,
			canonical_hash TEXT NOT NULL,
			phase TEXT NOT NULL,
			obligation_id TEXT NOT NULL,
			caused_by_receipt_id TEXT,
			created_by TEXT NOT NULL,
			recipient TEXT NOT NULL,
			principal TEXT,
			task_id TEXT,
			task_ref JSON,
			plan_id TEXT,
			plan_ref JSON,
			artifact_refs JSON,
			body JSON NOT NULL,
			created_at DATETIME NOT NULL,
			stored_at DATETIME NOT NULL,
			UNIQUE (tenant_id, receipt_id)
		);
		CREATE INDEX IF NOT EXISTS idx_receipts_obligation ON receipts (tenant_id, obligation_id);
		CREATE INDEX IF NOT EXISTS idx_receipts_recipient_phase ON receipts (tenant_id, recipient, phase);
		CREATE INDEX IF NOT EXISTS idx_receipts_phase ON receipts (tenant_id, phase);
		CREATE INDEX IF NOT EXISTS idx_receipts_caused_by ON receipts (caused_by_receipt_id);
	`)
	if err != nil {
		return err
	}

	if opts.EnableGraphLayer {
		if _, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS receipt_edges (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				from_receipt_id TEXT NOT NULL,
				to_receipt_id TEXT NOT NULL,
				edge_type TEXT NOT NULL,
				created_at DATETIME NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_receipt_edges_from ON receipt_edges (tenant_id, from_receipt_id);
			CREATE INDEX IF NOT EXISTS idx_receipt_edges_to ON receipt_edges (tenant_id, to_receipt_id);
		`); err != nil {
			return err
		}
	}

	if opts.EnableSemanticLayer {
		if _, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS receipt_embeddings (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				receipt_id TEXT NOT NULL,
				model TEXT NOT NULL,
				embedding JSON NOT NULL,
				created_at DATETIME NOT NULL,
				UNIQUE (tenant_id, receipt_id, model)
			);
		`); err != nil {
			return err
		}
	}

	return nil
}

// Migrate runs the appropriate migration for dialect ("postgres" or
// "sqlite"), matching config.Config.DBBackend's classification.
func Migrate(ctx context.Context, db *sql.DB, dialect string, opts SchemaOptions) error {
	switch dialect {
	case "postgres":
		return MigratePostgres(ctx, db, opts)
	case "sqlite":
		return MigrateSQLite(ctx, db, opts)
	default:
		return fmt.Errorf("store: unsupported dialect %q", dialect)
	}
}

func (s *SQLiteStore) Insert(ctx context.Context, tenantID string, r *contracts.Receipt) error {
	taskRef, err := marshalOrNil(r.TaskRef)
	if err != nil {
		return err
	}
	planRef, err := marshalOrNil(r.PlanRef)
	if err != nil {
		return err
	}
	artifactRefs, err := marshalOrNil(r.ArtifactRefs)
	if err != nil {
		return err
	}
	body, err := json.Marshal(r.Body)
	if err != nil {
		return err
	}

	var taskID, planID *string
	if r.TaskRef != nil {
		taskID = &r.TaskRef.TaskID
	}
	if r.PlanRef != nil {
		planID = &r.PlanRef.PlanID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO receipts (
			id, tenant_id, receipt_id, canonical_hash, phase, obligation_id,
			caused_by_receipt_id, created_by, recipient, principal,
			task_id, task_ref, plan_id, plan_ref, artifact_refs, body, created_at, stored_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		uuid.NewString(), tenantID, r.ReceiptID, r.CanonicalHash, string(r.Phase), r.ObligationID,
		r.CausedByReceiptID, r.CreatedBy, r.Recipient, r.Principal,
		taskID, taskRef, planID, planRef, artifactRefs, body, r.CreatedAt, r.StoredAt,
	)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, tenantID, receiptID string) (*contracts.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE tenant_id = ? AND receipt_id = ?`, tenantID, receiptID)
	return scanReceipt(row)
}

func (s *SQLiteStore) TerminalForObligation(ctx context.Context, tenantID, obligationID string) (*contracts.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE tenant_id = ? AND obligation_id = ? AND phase IN ('complete','escalate','cancel')
		ORDER BY created_at DESC LIMIT 1
	`, tenantID, obligationID)
	r, err := scanReceipt(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) AcceptExists(ctx context.Context, tenantID, obligationID string) (bool, error) {
	var x int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM receipts WHERE tenant_id = ? AND obligation_id = ? AND phase = 'accepted' LIMIT 1
	`, tenantID, obligationID).Scan(&x)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// EscalationChildExists tries json_extract first (fast path on modern
// SQLite builds), falling back to a full scan-and-parse if the function is
// unavailable, mirroring the defensive fallback in the original service.
func (s *SQLiteStore) EscalationChildExists(ctx context.Context, tenantID, childObligationID string) (string, bool, error) {
	var receiptID string
	err := s.db.QueryRowContext(ctx, `
		SELECT receipt_id FROM receipts
		WHERE tenant_id = ? AND phase = 'escalate'
		  AND json_extract(body, '$.escalation.child_obligation_id') = ?
		LIMIT 1
	`, tenantID, childObligationID).Scan(&receiptID)
	if err == nil {
		return receiptID, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return s.escalationChildExistsScan(ctx, tenantID, childObligationID)
	}
	return "", false, nil
}

func (s *SQLiteStore) escalationChildExistsScan(ctx context.Context, tenantID, childObligationID string) (string, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT receipt_id, body FROM receipts WHERE tenant_id = ? AND phase = 'escalate'`, tenantID)
	if err != nil {
		return "", false, err
	}
	defer rows.Close()
	for rows.Next() {
		var receiptID, bodyJSON string
		if err := rows.Scan(&receiptID, &bodyJSON); err != nil {
			return "", false, err
		}
		var body contracts.ReceiptBody
		if err := json.Unmarshal([]byte(bodyJSON), &body); err != nil {
			continue
		}
		if body.Escalation != nil && body.Escalation.ChildObligationID == childObligationID {
			return receiptID, true, nil
		}
	}
	return "", false, rows.Err()
}

func (s *SQLiteStore) ObligationHasReceipts(ctx context.Context, tenantID, obligationID string) (bool, error) {
	var x int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM receipts WHERE tenant_id = ? AND obligation_id = ? LIMIT 1`, tenantID, obligationID).Scan(&x)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStore) Search(ctx context.Context, tenantID string, filter contracts.SearchFilter) (*contracts.SearchResult, error) {
	where, args := buildSearchWhere(tenantID, filter, "", false)
	limit, offset := filter.Limit, filter.Offset

	queryArgs := append(append([]any{}, args...), limit, offset)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM receipts WHERE %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, receiptColumns, where,
	), queryArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	receipts, err := scanReceiptRows(rows)
	if err != nil {
		return nil, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM receipts WHERE %s`, where), args...).Scan(&count); err != nil {
		return nil, err
	}

	return &contracts.SearchResult{Count: count, Limit: limit, Offset: offset, Receipts: receipts}, nil
}

func (s *SQLiteStore) AcceptedByRecipient(ctx context.Context, tenantID, recipient string) ([]contracts.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE tenant_id = ? AND phase = 'accepted' AND recipient = ?
		ORDER BY created_at DESC
	`, tenantID, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReceiptRows(rows)
}

func (s *SQLiteStore) EscalationsAll(ctx context.Context, tenantID string) ([]contracts.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE tenant_id = ? AND phase = 'escalate'`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReceiptRows(rows)
}

func (s *SQLiteStore) Stats(ctx context.Context, tenantID string) (*contracts.Stats, error) {
	return collectStats(ctx, s.db, tenantID, "?")
}
