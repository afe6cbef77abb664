// Package tenantcontext carries the authenticated tenant through request and
// job contexts. Services read the tenant from here and never from payloads.
package tenantcontext

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type tenantKey struct{}

func WithTenantID(ctx context.Context, tenantID snowflake.ID) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

func TenantIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(tenantKey{}).(snowflake.ID)
	if !ok || id == 0 {
		return 0, false
	}
	return id, true
}
