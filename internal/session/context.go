package session

import (
	"context"

	"github.com/openkcm/nightwatch/internal/authstate"
)

type ctxKey struct{}

func WithSession(ctx context.Context, sess authstate.Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, sess)
}

// FromContext returns the session admitted by the gate.
func FromContext(ctx context.Context) (authstate.Session, bool) {
	sess, ok := ctx.Value(ctxKey{}).(authstate.Session)
	return sess, ok
}
