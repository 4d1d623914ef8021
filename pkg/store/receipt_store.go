// Package store persists obligation receipts to a durable backend. Two
// dialects are supported: Postgres for production, SQLite for local/dev and
// tests. Both implement the same ReceiptStore interface so the rest of the
// service never branches on backend.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pstryder/receiptgate/pkg/contracts"
)

// ErrNotFound is returned by Get when no receipt matches.
var ErrNotFound = errors.New("store: receipt not found")

// ReceiptStore is the durable ledger of obligation receipts. Implementations
// must treat (tenant_id, receipt_id) as the uniqueness boundary: Insert is
// expected to fail with a constraint violation on a duplicate pair, which
// callers translate into an idempotent-replay or collision response.
type ReceiptStore interface {
	Insert(ctx context.Context, tenantID string, r *contracts.Receipt) error
	Get(ctx context.Context, tenantID, receiptID string) (*contracts.Receipt, error)

	// TerminalForObligation returns the most recent complete/escalate/cancel
	// receipt for an obligation, or nil if the obligation has no terminal
	// receipt yet.
	TerminalForObligation(ctx context.Context, tenantID, obligationID string) (*contracts.Receipt, error)
	AcceptExists(ctx context.Context, tenantID, obligationID string) (bool, error)

	// EscalationChildExists returns the receipt_id of the escalate receipt
	// that opened childObligationID, if any.
	EscalationChildExists(ctx context.Context, tenantID, childObligationID string) (string, bool, error)
	ObligationHasReceipts(ctx context.Context, tenantID, obligationID string) (bool, error)

	Search(ctx context.Context, tenantID string, filter contracts.SearchFilter) (*contracts.SearchResult, error)
	AcceptedByRecipient(ctx context.Context, tenantID, recipient string) ([]contracts.Receipt, error)
	EscalationsAll(ctx context.Context, tenantID string) ([]contracts.Receipt, error)
	Stats(ctx context.Context, tenantID string) (*contracts.Stats, error)
}

// columns lists the receipts table's scan order, shared by both dialects.
const receiptColumns = `receipt_id, phase, obligation_id, caused_by_receipt_id, created_by, recipient,
	principal, task_id, task_ref, plan_id, plan_ref, artifact_refs, body, created_at, canonical_hash, stored_at`

// querier is the subset of *sql.DB / *sql.Tx that PostgresStore's methods
// need. Keying every method off this interface instead of *sql.DB directly
// is what lets BeginTx hand back a PostgresStore wired to a live
// transaction, reusing the exact same query bodies.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore is the production ReceiptStore backed by lib/pq. Outside a
// transaction it queries the pool directly; BeginTx returns a *PostgresTx
// wrapping the same methods against a single live transaction, which is
// how spec.md §5's per-obligation serialization is implemented on this
// backend (see PostgresTx.Lock).
type PostgresStore struct {
	db *sql.DB
	q  querier
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

// PostgresTx is a PostgresStore scoped to one open transaction, returned by
// BeginTx. pkg/obligation uses it to run spec.md §4.4 Step 4's invariant
// checks and Step 5's insert atomically, under an advisory lock on the
// obligation key, matching the teacher's
// pkg/store/ledger/postgres_ledger.go FOR UPDATE idiom adapted to an
// advisory lock (the obligation row may not exist yet when the lock must
// be taken, e.g. for the first `accepted` receipt).
type PostgresTx struct {
	*PostgresStore
	tx *sql.Tx
}

// BeginTx opens a transaction and returns a ReceiptStore bound to it.
func (s *PostgresStore) BeginTx(ctx context.Context) (*PostgresTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &PostgresTx{PostgresStore: &PostgresStore{db: s.db, q: tx}, tx: tx}, nil
}

// Lock takes a transaction-scoped Postgres advisory lock on key, released
// automatically at commit or rollback. key is typically
// "tenantID\x00obligationID"; hashing it to an int64 is what
// pg_advisory_xact_lock requires.
func (t *PostgresTx) Lock(ctx context.Context, key string) error {
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(int32(lockKeyHash(key))))
	return err
}

func (t *PostgresTx) Commit() error   { return t.tx.Commit() }
func (t *PostgresTx) Rollback() error { return t.tx.Rollback() }

// lockKeyHash derives a deterministic 32-bit key from an arbitrary string,
// matching hashtext()'s role in spec.md §4.4's advisory lock note.
func lockKeyHash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// SchemaOptions gates the auxiliary, schema-only tables Migrate creates
// alongside the primary receipts table. No job in this repo writes to
// either auxiliary table; graph/embedding derivation is out of scope per
// spec.md §1 and only the tables they would write to are provisioned.
type SchemaOptions struct {
	EnableGraphLayer    bool
	EnableSemanticLayer bool
}

// MigratePostgres creates the receipts table and its indexes if absent,
// plus the opts-gated auxiliary tables.
func MigratePostgres(ctx context.Context, db *sql.DB, opts SchemaOptions) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS receipts (
			id UUID PRIMARY KEY,
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
			task_ref JSONB,
			plan_id TEXT,
			plan_ref JSONB,
			artifact_refs JSONB,
			body JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			stored_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (tenant_id, receipt_id)
		);
		CREATE INDEX IF NOT EXISTS idx_receipts_obligation ON receipts (tenant_id, obligation_id);
		CREATE INDEX IF NOT EXISTS idx_receipts_recipient_phase ON receipts (tenant_id, recipient, phase);
		CREATE INDEX IF NOT EXISTS idx_receipts_phase ON receipts (tenant_id, phase);
		CREATE INDEX IF NOT EXISTS idx_receipts_caused_by ON receipts (caused_by_receipt_id);
		CREATE INDEX IF NOT EXISTS idx_receipts_escalation_child ON receipts ((body -> 'escalation' ->> 'child_obligation_id'))
			WHERE phase = 'escalate';
	`)
	if err != nil {
		return err
	}

	if opts.EnableGraphLayer {
		if _, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS receipt_edges (
				id UUID PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				from_receipt_id TEXT NOT NULL,
				to_receipt_id TEXT NOT NULL,
				edge_type TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
				id UUID PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				receipt_id TEXT NOT NULL,
				model TEXT NOT NULL,
				embedding JSONB NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				UNIQUE (tenant_id, receipt_id, model)
			);
		`); err != nil {
			return err
		}
	}

	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, tenantID string, r *contracts.Receipt) error {
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

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO receipts (
			id, tenant_id, receipt_id, canonical_hash, phase, obligation_id,
			caused_by_receipt_id, created_by, recipient, principal,
			task_id, task_ref, plan_id, plan_ref, artifact_refs, body, created_at, stored_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`,
		uuid.NewString(), tenantID, r.ReceiptID, r.CanonicalHash, string(r.Phase), r.ObligationID,
		r.CausedByReceiptID, r.CreatedBy, r.Recipient, r.Principal,
		taskID, taskRef, planID, planRef, artifactRefs, body, r.CreatedAt, r.StoredAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, receiptID string) (*contracts.Receipt, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE tenant_id = $1 AND receipt_id = $2`, tenantID, receiptID)
	return scanReceipt(row)
}

func (s *PostgresStore) TerminalForObligation(ctx context.Context, tenantID, obligationID string) (*contracts.Receipt, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE tenant_id = $1 AND obligation_id = $2 AND phase IN ('complete','escalate','cancel')
		ORDER BY created_at DESC LIMIT 1
	`, tenantID, obligationID)
	r, err := scanReceipt(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) AcceptExists(ctx context.Context, tenantID, obligationID string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM receipts WHERE tenant_id = $1 AND obligation_id = $2 AND phase = 'accepted')
	`, tenantID, obligationID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) EscalationChildExists(ctx context.Context, tenantID, childObligationID string) (string, bool, error) {
	var receiptID string
	err := s.q.QueryRowContext(ctx, `
		SELECT receipt_id FROM receipts
		WHERE tenant_id = $1 AND phase = 'escalate' AND (body->'escalation'->>'child_obligation_id') = $2
		LIMIT 1
	`, tenantID, childObligationID).Scan(&receiptID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return receiptID, true, nil
}

func (s *PostgresStore) ObligationHasReceipts(ctx context.Context, tenantID, obligationID string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM receipts WHERE tenant_id = $1 AND obligation_id = $2)
	`, tenantID, obligationID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) Search(ctx context.Context, tenantID string, filter contracts.SearchFilter) (*contracts.SearchResult, error) {
	where, args := buildSearchWhere(tenantID, filter, "$", true)
	limit, offset := filter.Limit, filter.Offset

	args = append(args, limit, offset)
	rows, err := s.q.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM receipts WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		receiptColumns, where, len(args)-1, len(args),
	), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	receipts, err := scanReceiptRows(rows)
	if err != nil {
		return nil, err
	}

	countArgs := args[:len(args)-2]
	var count int
	if err := s.q.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM receipts WHERE %s`, where), countArgs...).Scan(&count); err != nil {
		return nil, err
	}

	return &contracts.SearchResult{Count: count, Limit: limit, Offset: offset, Receipts: receipts}, nil
}

func (s *PostgresStore) AcceptedByRecipient(ctx context.Context, tenantID, recipient string) ([]contracts.Receipt, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE tenant_id = $1 AND phase = 'accepted' AND recipient = $2
		ORDER BY created_at DESC
	`, tenantID, recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReceiptRows(rows)
}

func (s *PostgresStore) EscalationsAll(ctx context.Context, tenantID string) ([]contracts.Receipt, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+receiptColumns+` FROM receipts WHERE tenant_id = $1 AND phase = 'escalate'
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReceiptRows(rows)
}

func (s *PostgresStore) Stats(ctx context.Context, tenantID string) (*contracts.Stats, error) {
	return collectStats(ctx, s.db, tenantID, "$1")
}

func collectStats(ctx context.Context, db *sql.DB, tenantID, placeholder string) (*contracts.Stats, error) {
	var total int
	if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM receipts WHERE tenant_id = %s`, placeholder), tenantID).Scan(&total); err != nil {
		return nil, err
	}

	phaseRows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT phase, COUNT(*) FROM receipts WHERE tenant_id = %s GROUP BY phase`, placeholder), tenantID)
	if err != nil {
		return nil, err
	}
	byPhase := map[string]int{}
	for phaseRows.Next() {
		var phase string
		var n int
		if err := phaseRows.Scan(&phase, &n); err != nil {
			phaseRows.Close()
			return nil, err
		}
		byPhase[phase] = n
	}
	phaseRows.Close()

	topRows, err := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT recipient, COUNT(*) AS n FROM receipts WHERE tenant_id = %s
		GROUP BY recipient ORDER BY n DESC LIMIT 10
	`, placeholder), tenantID)
	if err != nil {
		return nil, err
	}
	defer topRows.Close()
	var top []contracts.RecipientTop
	for topRows.Next() {
		var rt contracts.RecipientTop
		if err := topRows.Scan(&rt.Recipient, &rt.Count); err != nil {
			return nil, err
		}
		top = append(top, rt)
	}

	return &contracts.Stats{TotalReceipts: total, ByPhase: byPhase, TopRecipients: top}, nil
}

// buildSearchWhere assembles a WHERE clause and positional args for the
// given filter. placeholderPrefix/numbered controls whether placeholders are
// Postgres-style ($1, $2, ...) or SQLite-style (?).
func buildSearchWhere(tenantID string, f contracts.SearchFilter, placeholderPrefix string, numbered bool) (string, []any) {
	var clauses []string
	var args []any
	n := 0
	ph := func() string {
		n++
		if numbered {
			return fmt.Sprintf("%s%d", placeholderPrefix, n)
		}
		return "?"
	}

	clauses = append(clauses, "tenant_id = "+ph())
	args = append(args, tenantID)

	add := func(col string, val any) {
		clauses = append(clauses, fmt.Sprintf("%s = %s", col, ph()))
		args = append(args, val)
	}

	if f.ReceiptID != nil {
		add("receipt_id", *f.ReceiptID)
	}
	if f.ObligationID != nil {
		add("obligation_id", *f.ObligationID)
	}
	if f.Phase != nil {
		add("phase", string(*f.Phase))
	}
	if f.Recipient != nil {
		add("recipient", *f.Recipient)
	}
	if f.CreatedBy != nil {
		add("created_by", *f.CreatedBy)
	}
	if f.Principal != nil {
		add("principal", *f.Principal)
	}
	if f.CausedByReceiptID != nil {
		add("caused_by_receipt_id", *f.CausedByReceiptID)
	}
	if f.TaskID != nil {
		add("task_id", *f.TaskID)
	}
	if f.PlanID != nil {
		add("plan_id", *f.PlanID)
	}
	if f.CreatedAtFrom != nil {
		clauses = append(clauses, "created_at >= "+ph())
		args = append(args, *f.CreatedAtFrom)
	}
	if f.CreatedAtTo != nil {
		clauses = append(clauses, "created_at <= "+ph())
		args = append(args, *f.CreatedAtTo)
	}
	if f.Query != nil && *f.Query != "" {
		op := "LIKE"
		if numbered {
			op = "ILIKE"
		}
		clauses = append(clauses, fmt.Sprintf("CAST(body AS TEXT) %s %s", op, ph()))
		args = append(args, "%"+*f.Query+"%")
	}

	return strings.Join(clauses, " AND "), args
}

func marshalOrNil(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *contracts.TaskRef:
		if t == nil {
			return nil, nil
		}
	case *contracts.PlanRef:
		if t == nil {
			return nil, nil
		}
	case []contracts.ArtifactRef:
		if len(t) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row scanner) (*contracts.Receipt, error) {
	var (
		r                                       contracts.Receipt
		causedBy, principal, taskID, planID     sql.NullString
		taskRefJSON, planRefJSON, artifactsJSON sql.NullString
		bodyJSON                                string
		createdAt, storedAt                     time.Time
	)
	err := row.Scan(
		&r.ReceiptID, &r.Phase, &r.ObligationID, &causedBy, &r.CreatedBy, &r.Recipient,
		&principal, &taskID, &taskRefJSON, &planID, &planRefJSON, &artifactsJSON,
		&bodyJSON, &createdAt, &r.CanonicalHash, &storedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if causedBy.Valid {
		r.CausedByReceiptID = &causedBy.String
	}
	if principal.Valid {
		r.Principal = &principal.String
	}
	if taskRefJSON.Valid && taskRefJSON.String != "" {
		var tr contracts.TaskRef
		if err := json.Unmarshal([]byte(taskRefJSON.String), &tr); err != nil {
			return nil, err
		}
		r.TaskRef = &tr
	}
	if planRefJSON.Valid && planRefJSON.String != "" {
		var pr contracts.PlanRef
		if err := json.Unmarshal([]byte(planRefJSON.String), &pr); err != nil {
			return nil, err
		}
		r.PlanRef = &pr
	}
	if artifactsJSON.Valid && artifactsJSON.String != "" {
		if err := json.Unmarshal([]byte(artifactsJSON.String), &r.ArtifactRefs); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal([]byte(bodyJSON), &r.Body); err != nil {
		return nil, err
	}
	ca := createdAt
	r.CreatedAt = &ca
	sa := storedAt
	r.StoredAt = &sa
	return &r, nil
}

func scanReceiptRows(rows *sql.Rows) ([]contracts.Receipt, error) {
	var out []contracts.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
