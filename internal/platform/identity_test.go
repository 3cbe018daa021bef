package platform

import (
	"context"
	"testing"
)

func TestIdentityRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := IdentityFromContext(ctx); got != "" {
		t.Errorf("empty context identity = %q", got)
	}
	if got := IdentityFromContext(WithIdentity(ctx, "")); got != "" {
		t.Errorf("empty token should not be attached, got %q", got)
	}
	if got := IdentityFromContext(WithIdentity(ctx, "abc")); got != "abc" {
		t.Errorf("identity = %q, want abc", got)
	}
}
