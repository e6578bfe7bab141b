package auth

import (
	"context"
	"errors"
)

type ctxKey int

const ctxIdentity ctxKey = iota

var ErrNoIdentity = errors.New("identity not in context")

// Identity is the verified caller. UserID is also the owner id of the
// campaigns and wallet the caller creates.
type Identity struct {
	UserID string
	Role   string
}

func WithIdentity(ctx context.Context, userID, role string) context.Context {
	return context.WithValue(ctx, ctxIdentity, Identity{UserID: userID, Role: role})
}

// IdentityFrom returns the caller stored by RequireAccessToken.
func IdentityFrom(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(ctxIdentity).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

func UserID(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	return id.UserID, err
}

func Role(ctx context.Context) (string, error) {
	id, _ := ctx.Value(ctxIdentity).(Identity)
	if id.Role == "" {
		return "", ErrNoIdentity
	}
	return id.Role, nil
}
