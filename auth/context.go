package auth

import "context"

type contextKey string

const contextKeyIdentity contextKey = "auth.identity"

// Identity is the authenticated caller.
type Identity struct {
	Subject    string
	Role       Role
	PharmacyID string
}

// WithIdentity stores the caller identity in context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, id)
}

// IdentityFromContext extracts the caller identity. ok is false when the
// request was not authenticated (auth disabled or exempt path).
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(contextKeyIdentity).(Identity)
	return id, ok
}

// ActorFromContext is the subject to record on ledger entries, or "".
func ActorFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.Subject
}

// CanAccessPharmacy reports whether the caller may read pharmacyID's data.
// Unauthenticated contexts are allowed: the middleware has already let them
// through.
func CanAccessPharmacy(ctx context.Context, pharmacyID string) bool {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return true
	}
	if id.Role == RoleAdmin {
		return true
	}
	return id.Role == RolePharmacy && id.PharmacyID == pharmacyID
}
