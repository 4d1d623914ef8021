package obligation

import (
	"context"
	"sync"
)

// KeyLocker serializes the phase-invariant checks and insert of PutReceipt
// (spec.md §4.4 Step 4/5) against other writers on the same
// (tenantID, obligationID). InProcessKeyLocker is its one implementation;
// stores with transactions (Postgres) are serialized instead by the
// advisory lock of store.PostgresTx.Lock (see the note below). Both are
// keyed locks, so neither path needs serializable isolation.
type KeyLocker interface {
	// Lock blocks until the caller holds the key, and returns a function
	// that releases it. The returned unlock must be called exactly once.
	Lock(ctx context.Context, tenantID, obligationID string) (unlock func(), err error)
}

// InProcessKeyLocker serializes writers within a single process using a
// sync.Map of per-key mutexes, mirroring the teacher's runtime/obligation
// MemoryStore's sync.RWMutex idiom. This is the locker used with the
// SQLite backend and in tests; it provides no cross-process guarantee.
type InProcessKeyLocker struct {
	mus sync.Map // string -> *sync.Mutex
}

// NewInProcessKeyLocker returns a ready-to-use in-process locker.
func NewInProcessKeyLocker() *InProcessKeyLocker {
	return &InProcessKeyLocker{}
}

func (l *InProcessKeyLocker) Lock(ctx context.Context, tenantID, obligationID string) (func(), error) {
	key := tenantID + "\x00" + obligationID
	muAny, _ := l.mus.LoadOrStore(key, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)

	done := make(chan struct{})
	go func() { mu.Lock(); close(done) }()

	select {
	case <-done:
		return mu.Unlock, nil
	case <-ctx.Done():
		go func() { <-done; mu.Unlock() }()
		return nil, ctx.Err()
	}
}

// Postgres advisory locking lives on store.PostgresTx (see
// pkg/store/receipt_store.go's BeginTx/Lock), not here: the lock must be
// taken on the same transaction that performs the insert, which only the
// store package can open. Engine.attemptInsert takes that path directly
// via the txBeginner type assertion when e.Store supports it, and falls
// back to InProcessKeyLocker otherwise.
