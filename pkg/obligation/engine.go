// Package obligation implements the phase-transition state machine that
// turns a validated receipt into the idempotent put_receipt operation
// (spec.md §4.4, component C4) — the hard core of ReceiptGate. It composes
// the canonicalizer (C1) and the ledger store (C3) and enforces the
// obligation lifecycle invariants at write time.
package obligation

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/pstryder/receiptgate/pkg/canonicalize"
	"github.com/pstryder/receiptgate/pkg/contracts"
	"github.com/pstryder/receiptgate/pkg/gateerror"
	"github.com/pstryder/receiptgate/pkg/store"
	"github.com/pstryder/receiptgate/pkg/validate"
)

// Engine is the obligation state machine. One Engine is shared by both
// transports (REST and JSON-RPC) since both decode into the same
// contracts.Receipt envelope before calling PutReceipt.
type Engine struct {
	Store              store.ReceiptStore
	Validator          *validate.Validator
	Locker             KeyLocker
	EnforceCauseExists bool
	now                func() time.Time
	maxAttempts        int
}

// New constructs an Engine. now defaults to time.Now; tests may override
// it via WithClock.
func New(st store.ReceiptStore, v *validate.Validator, locker KeyLocker, enforceCauseExists bool) *Engine {
	return &Engine{
		Store:              st,
		Validator:          v,
		Locker:             locker,
		EnforceCauseExists: enforceCauseExists,
		now:                time.Now,
		maxAttempts:        3,
	}
}

// WithClock overrides the engine's clock, used by tests asserting on
// server-assigned timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// PutReceipt is the idempotent write operation of spec.md §4.4, Steps 1–5.
// The caller (pkg/api / pkg/mcp) is expected to have already run
// pkg/validate's structural+semantic checks; PutReceipt runs the
// ledger-state-dependent checks that validate.Validator cannot (cause
// existence, phase invariants) before touching the store.
func (e *Engine) PutReceipt(ctx context.Context, tenantID string, r *contracts.Receipt) (*contracts.PutResult, *gateerror.Error) {
	validate.Normalize(r)
	r.TenantID = tenantID

	clientSuppliedCreatedAt := r.CreatedAt != nil

	// Step 1 — hash over the client-shaped payload (created_at included
	// only if the client supplied it).
	_, hash, err := canonicalize.CanonicalizeReceipt(r, clientSuppliedCreatedAt)
	if err != nil {
		return nil, gateerror.Internal()
	}

	// Step 2 — replay/collision resolution against any existing row.
	if result, gerr := e.resolveExisting(ctx, tenantID, r.ReceiptID, hash); result != nil || gerr != nil {
		return result, gerr
	}

	// Step 3 — deferred, ledger-dependent validation.
	if e.EnforceCauseExists && r.CausedByReceiptID != nil {
		existing, err := e.Store.Get(ctx, tenantID, *r.CausedByReceiptID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, gateerror.Internal()
		}
		if existing == nil {
			return nil, gateerror.CauseNotFound(*r.CausedByReceiptID)
		}
	}

	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		result, gerr, retryable := e.attemptInsert(ctx, tenantID, r, hash, clientSuppliedCreatedAt)
		if !retryable {
			return result, gerr
		}
		jitter := time.Duration(rand.Intn(20)) * time.Millisecond
		time.Sleep(time.Duration(attempt+1)*10*time.Millisecond + jitter)
	}
	return nil, gateerror.Internal()
}

// txBeginner is implemented by store.ReceiptStore backends that support
// transactional, advisory-locked writes (store.PostgresStore). When the
// engine's Store implements it, attemptInsert takes the transactional
// path instead of the in-process KeyLocker, which is what makes spec.md
// §5's serialization hold across process boundaries rather than just
// within one. Referencing the concrete *store.PostgresTx return type
// (rather than a TxStore interface) keeps this a plain type assertion —
// Go interface satisfaction has no covariance on method return types.
type txBeginner interface {
	BeginTx(ctx context.Context) (*store.PostgresTx, error)
}

// attemptInsert runs Step 4 (phase invariants) and Step 5 (insert),
// choosing the transactional advisory-lock path when the store supports
// it and falling back to the in-process KeyLocker otherwise. retryable is
// true when the caller should retry the whole attempt, e.g. a
// concurrent-insert race resolved into a transient condition.
func (e *Engine) attemptInsert(ctx context.Context, tenantID string, r *contracts.Receipt, hash string, clientSuppliedCreatedAt bool) (*contracts.PutResult, *gateerror.Error, bool) {
	if tb, ok := e.Store.(txBeginner); ok {
		return e.attemptInsertTx(ctx, tb, tenantID, r, hash, clientSuppliedCreatedAt)
	}
	return e.attemptInsertLocked(ctx, tenantID, r, hash, clientSuppliedCreatedAt)
}

// attemptInsertLocked is the non-transactional path: an in-process
// KeyLocker serializes the invariant check and insert. Used for SQLite
// and in tests against store.ReceiptStore fakes.
func (e *Engine) attemptInsertLocked(ctx context.Context, tenantID string, r *contracts.Receipt, hash string, clientSuppliedCreatedAt bool) (*contracts.PutResult, *gateerror.Error, bool) {
	lockKey := r.ObligationID
	unlock, err := e.Locker.Lock(ctx, tenantID, lockKey)
	if err != nil {
		return nil, gateerror.Internal(), false
	}
	defer unlock()

	if gerr := e.checkPhaseInvariants(ctx, e.Store, tenantID, r); gerr != nil {
		return nil, gerr, false
	}

	toInsert := *r
	toInsert.CanonicalHash = hash
	if !clientSuppliedCreatedAt {
		now := e.now().UTC()
		toInsert.CreatedAt = &now
	}
	storedAt := e.now().UTC()
	toInsert.StoredAt = &storedAt

	if err := e.Store.Insert(ctx, tenantID, &toInsert); err != nil {
		if store.IsUniqueViolation(err) {
			// Concurrent insert raced us. Re-read and apply Step 2's
			// replay/collision resolution (spec.md §4.4 Step 5).
			result, gerr := e.resolveExisting(ctx, tenantID, r.ReceiptID, hash)
			if result != nil || gerr != nil {
				return result, gerr, false
			}
			// The racing insert vanished (shouldn't happen outside
			// concurrent deletes, which never occur) — retry.
			return nil, nil, true
		}
		return nil, gateerror.Internal(), false
	}

	return &contracts.PutResult{
		OK:               true,
		ReceiptID:        r.ReceiptID,
		CanonicalHash:    hash,
		CreatedAt:        toInsert.CreatedAt,
		IdempotentReplay: false,
	}, nil, false
}

// attemptInsertTx is the transactional path for stores that support it
// (Postgres): a transaction-scoped advisory lock on (tenantID,
// obligationID) serializes Step 4/Step 5 against every other writer on
// that obligation, including across process boundaries, per spec.md §5.
func (e *Engine) attemptInsertTx(ctx context.Context, tb txBeginner, tenantID string, r *contracts.Receipt, hash string, clientSuppliedCreatedAt bool) (*contracts.PutResult, *gateerror.Error, bool) {
	tx, err := tb.BeginTx(ctx)
	if err != nil {
		return nil, gateerror.Internal(), false
	}
	done := false
	defer func() {
		if !done {
			_ = tx.Rollback()
		}
	}()

	lockKey := tenantID + "\x00" + r.ObligationID
	if err := tx.Lock(ctx, lockKey); err != nil {
		return nil, gateerror.Internal(), false
	}

	if gerr := e.checkPhaseInvariants(ctx, tx, tenantID, r); gerr != nil {
		return nil, gerr, false
	}

	toInsert := *r
	toInsert.CanonicalHash = hash
	if !clientSuppliedCreatedAt {
		now := e.now().UTC()
		toInsert.CreatedAt = &now
	}
	storedAt := e.now().UTC()
	toInsert.StoredAt = &storedAt

	if err := tx.Insert(ctx, tenantID, &toInsert); err != nil {
		if store.IsUniqueViolation(err) {
			_ = tx.Rollback()
			done = true
			// Concurrent insert raced us. Re-read and apply Step 2's
			// replay/collision resolution (spec.md §4.4 Step 5).
			result, gerr := e.resolveExisting(ctx, tenantID, r.ReceiptID, hash)
			if result != nil || gerr != nil {
				return result, gerr, false
			}
			return nil, nil, true
		}
		return nil, gateerror.Internal(), false
	}

	if err := tx.Commit(); err != nil {
		return nil, gateerror.Internal(), false
	}
	done = true

	return &contracts.PutResult{
		OK:               true,
		ReceiptID:        r.ReceiptID,
		CanonicalHash:    hash,
		CreatedAt:        toInsert.CreatedAt,
		IdempotentReplay: false,
	}, nil, false
}

// resolveExisting implements Step 2: if a row already exists for
// (tenantID, receiptID), resolve it as either an idempotent replay
// (matching hash) or a collision (mismatched hash). Returns (nil, nil)
// when no row exists yet — the caller should proceed to Step 3/4.
func (e *Engine) resolveExisting(ctx context.Context, tenantID, receiptID, hash string) (*contracts.PutResult, *gateerror.Error) {
	existing, err := e.Store.Get(ctx, tenantID, receiptID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, gateerror.Internal()
	}
	if existing.CanonicalHash == hash {
		return &contracts.PutResult{
			OK:               true,
			ReceiptID:        existing.ReceiptID,
			CanonicalHash:    existing.CanonicalHash,
			CreatedAt:        existing.CreatedAt,
			IdempotentReplay: true,
		}, nil
	}
	return nil, gateerror.Collision(receiptID)
}

// checkPhaseInvariants runs spec.md §4.4 Step 4's table, assuming the
// caller already holds the obligation's lock (keyed or transactional). st
// is e.Store on the locked path, or the open *store.PostgresTx on the
// transactional path, so the checks observe the writer's own uncommitted
// insert-in-progress state consistently with where the eventual Insert
// lands.
func (e *Engine) checkPhaseInvariants(ctx context.Context, st store.ReceiptStore, tenantID string, r *contracts.Receipt) *gateerror.Error {
	switch r.Phase {
	case contracts.PhaseAccepted:
		terminal, err := st.TerminalForObligation(ctx, tenantID, r.ObligationID)
		if err != nil {
			return gateerror.Internal()
		}
		if terminal != nil {
			return gateerror.ObligationTerminated(r.ObligationID, terminal.ReceiptID)
		}
		return nil

	case contracts.PhaseComplete:
		return e.checkTerminalTransition(ctx, st, tenantID, r.ObligationID, gateerror.CompleteWithoutAccept)

	case contracts.PhaseCancel:
		return e.checkTerminalTransition(ctx, st, tenantID, r.ObligationID, gateerror.CancelWithoutAccept)

	case contracts.PhaseEscalate:
		return e.checkEscalate(ctx, st, tenantID, r)
	}
	return nil
}

// checkTerminalTransition implements the shared shape of the complete/
// cancel rows of spec.md §4.4 Step 4: an opening event must exist and no
// terminal receipt may exist yet. noAcceptErr builds the phase-specific
// "without accept" error.
func (e *Engine) checkTerminalTransition(ctx context.Context, st store.ReceiptStore, tenantID, obligationID string, noAcceptErr func(string) *gateerror.Error) *gateerror.Error {
	opened, err := e.openingEventExists(ctx, st, tenantID, obligationID)
	if err != nil {
		return gateerror.Internal()
	}
	if !opened {
		return noAcceptErr(obligationID)
	}
	terminal, err := st.TerminalForObligation(ctx, tenantID, obligationID)
	if err != nil {
		return gateerror.Internal()
	}
	if terminal != nil {
		return gateerror.ObligationTerminated(obligationID, terminal.ReceiptID)
	}
	return nil
}

// openingEventExists implements the glossary's "opening event" test: an
// accepted receipt for obligationID, or an escalate receipt whose
// child_obligation_id equals obligationID.
func (e *Engine) openingEventExists(ctx context.Context, st store.ReceiptStore, tenantID, obligationID string) (bool, error) {
	accepted, err := st.AcceptExists(ctx, tenantID, obligationID)
	if err != nil {
		return false, err
	}
	if accepted {
		return true, nil
	}
	_, found, err := st.EscalationChildExists(ctx, tenantID, obligationID)
	if err != nil {
		return false, err
	}
	return found, nil
}

// checkEscalate implements spec.md §4.4 Step 4's escalate row: the parent
// receipt must exist with phase accepted, its obligation_id must match
// escalation.parent_obligation_id, the parent obligation must not be
// terminated, and child_obligation_id must be unused anywhere.
func (e *Engine) checkEscalate(ctx context.Context, st store.ReceiptStore, tenantID string, r *contracts.Receipt) *gateerror.Error {
	esc := r.Body.Escalation
	if esc == nil {
		// pkg/validate should have already rejected this; defensive only.
		return gateerror.Validation("escalate requires body.escalation", nil)
	}

	parent, err := st.Get(ctx, tenantID, esc.ParentReceiptID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return gateerror.EscalateParentInvalid("parent_receipt_id does not refer to an existing receipt")
		}
		return gateerror.Internal()
	}
	if parent.Phase != contracts.PhaseAccepted {
		return gateerror.EscalateParentInvalid("parent receipt must have phase accepted")
	}
	if parent.ObligationID != esc.ParentObligationID {
		return gateerror.EscalateParentInvalid("parent receipt's obligation_id does not match body.escalation.parent_obligation_id")
	}

	terminal, err := st.TerminalForObligation(ctx, tenantID, esc.ParentObligationID)
	if err != nil {
		return gateerror.Internal()
	}
	if terminal != nil {
		return gateerror.ObligationTerminated(esc.ParentObligationID, terminal.ReceiptID)
	}

	usedAsObligation, err := st.ObligationHasReceipts(ctx, tenantID, esc.ChildObligationID)
	if err != nil {
		return gateerror.Internal()
	}
	if usedAsObligation {
		return gateerror.ChildObligationExists(esc.ChildObligationID)
	}
	_, usedAsChild, err := st.EscalationChildExists(ctx, tenantID, esc.ChildObligationID)
	if err != nil {
		return gateerror.Internal()
	}
	if usedAsChild {
		return gateerror.ChildObligationExists(esc.ChildObligationID)
	}

	return nil
}
