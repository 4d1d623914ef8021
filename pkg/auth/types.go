package auth

// Principal is the authenticated caller a request is attributed to. Unlike
// the teacher's multi-role RBAC Principal, ReceiptGate's auth model is a
// single static API key per deployment (spec.md §6.1/§6.3): a Principal
// carries only the tenant it's scoped to, since the ledger's only access
// control boundary is tenant isolation, not per-action permissions.
type Principal interface {
	GetTenantID() string
}

// BasePrincipal is the sole Principal implementation: the holder of a
// valid API key, scoped to one tenant.
type BasePrincipal struct {
	TenantID string
}

func (b *BasePrincipal) GetTenantID() string {
	return b.TenantID
}
