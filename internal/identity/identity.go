// Package identity carries the acting user through a request context.
package identity

import (
	"context"
	"errors"
	"strings"
)

// ErrNoUser is returned when no user is attached to the context.
var ErrNoUser = errors.New("identity: no current user")

// User is the authenticated actor of a request.
type User struct {
	ID string
}

type ctxKey struct{}

// WithUser returns a copy of ctx carrying u.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// FromContext returns the user attached to ctx, if any.
func FromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(ctxKey{}).(User)
	return u, ok && strings.TrimSpace(u.ID) != ""
}

// CurrentUser returns the user attached to ctx or ErrNoUser.
func CurrentUser(ctx context.Context) (User, error) {
	u, ok := FromContext(ctx)
	if !ok {
		return User{}, ErrNoUser
	}
	return u, nil
}
