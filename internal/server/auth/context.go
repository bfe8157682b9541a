package auth

import "context"

type ctxKey struct{}

// WithClaims stores the authenticated claim set on ctx.
func WithClaims(ctx context.Context, claims ClaimSet) context.Context {
	return context.WithValue(ctx, ctxKey{}, claims)
}

// ClaimsFromContext returns the claim set stored by WithClaims.
func ClaimsFromContext(ctx context.Context) (ClaimSet, bool) {
	c, ok := ctx.Value(ctxKey{}).(ClaimSet)
	return c, ok
}
