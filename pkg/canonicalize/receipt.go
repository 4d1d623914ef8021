package canonicalize

import (
	"encoding/json"

	"github.com/pstryder/receiptgate/pkg/contracts"
)

// CanonicalizeReceipt computes the canonical JSON and content hash of a
// receipt per spec.md §4.1: server-assigned fields (canonical_hash,
// tenant_id, stored_at) are always excluded, and created_at is excluded
// unless includeCreatedAt is true — i.e. unless the client supplied it.
// Two identical client payloads must hash identically however far apart
// in wall-clock time they're stored; that's what makes the hash usable as
// an idempotency key.
func CanonicalizeReceipt(r *contracts.Receipt, includeCreatedAt bool) (canonicalJSON []byte, hash string, err error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, "", err
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, "", err
	}

	delete(m, "canonical_hash")
	delete(m, "tenant_id")
	delete(m, "stored_at")
	delete(m, "idempotent_replay")
	if !includeCreatedAt {
		delete(m, "created_at")
	}
	stripNulls(m)

	b, err := JCS(m)
	if err != nil {
		return nil, "", err
	}
	return b, "sha256:" + HashBytes(b), nil
}

// stripNulls removes null-valued keys from a decoded JSON object in place,
// matching spec.md §4.1's "null-valued and unset fields are omitted before
// canonicalization" rule — the struct's pointer fields already carry
// omitempty, but free-form map values (body extras, inputs, constraints,
// metrics, context) can hold explicit nulls, so this is not redundant with
// the struct tags. Nested objects are cleaned recursively; arrays are left
// as they are.
func stripNulls(m map[string]json.RawMessage) {
	for k, v := range m {
		if string(v) == "null" {
			delete(m, k)
			continue
		}
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(v, &nested); err == nil && nested != nil {
			stripNulls(nested)
			reencoded, err := json.Marshal(nested)
			if err == nil {
				m[k] = reencoded
			}
		}
	}
}
