package session

import "context"

type sessionKey struct{}

// NewContext returns a copy of ctx carrying sess.
func NewContext(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// FromContext returns the session stored in ctx, or nil.
func FromContext(ctx context.Context) *Session {
	if sess, ok := ctx.Value(sessionKey{}).(*Session); ok {
		return sess
	}
	return nil
}

// UserFromContext returns the user owning the session in ctx, or "".
func UserFromContext(ctx context.Context) string {
	if sess := FromContext(ctx); sess != nil {
		return sess.UserID()
	}
	return ""
}
