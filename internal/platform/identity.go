package platform

import "context"

type identityKey struct{}

// WithIdentity attaches an opaque identity token to ctx. The token is never
// inspected, only passed through to the session.
func WithIdentity(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, identityKey{}, token)
}

// IdentityFromContext returns the token set by WithIdentity.
func IdentityFromContext(ctx context.Context) string {
	token, _ := ctx.Value(identityKey{}).(string)
	return token
}
