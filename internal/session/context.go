// ABOUTME: Context propagation of the resolved session through request handlers
// ABOUTME: Provides WithSession/FromContext for handlers and the permission gate

package session

import (
	"context"
)

// sessionContextKey is the key type for storing a Session in context.Context.
type sessionContextKey struct{}

// WithSession returns a new context with the session attached.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// FromContext retrieves the session from the context, returning nil if not present.
func FromContext(ctx context.Context) *Session {
	val := ctx.Value(sessionContextKey{})
	if val == nil {
		return nil
	}
	s, ok := val.(*Session)
	if !ok {
		return nil
	}
	return s
}
