package auth

import (
	"context"

	"github.com/gofrs/uuid"
)

// Principal is the verified caller injected by Middleware.
type Principal struct {
	UserID  uuid.UUID
	Email   string
	IsAdmin bool
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
