package depend

import "context"

type recheckKey struct{}

// WithRecheck marks ctx as carrying a recompile. Dependency sets remembered
// by the compiler are verified under it instead of being trusted until
// their next scheduled check.
func WithRecheck(ctx context.Context) context.Context {
	return context.WithValue(ctx, recheckKey{}, true)
}

// Recheck reports whether ctx was marked by WithRecheck.
func Recheck(ctx context.Context) bool {
	v, _ := ctx.Value(recheckKey{}).(bool)
	return v
}
