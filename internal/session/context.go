package session

import "context"

type ctxKey struct{}

// WithStore attaches the request's Store to ctx.
func WithStore(ctx context.Context, st *Store) context.Context {
	return context.WithValue(ctx, ctxKey{}, st)
}

// FromContext returns the request's Store, or a resolved anonymous Store
// when none was attached.
func FromContext(ctx context.Context) *Store {
	if st, ok := ctx.Value(ctxKey{}).(*Store); ok && st != nil {
		return st
	}
	return Anonymous()
}
