package store

import (
	"context"
	"fmt"
	"slices"

	"bounty-escrow-go/internal/models"
)

// Requester loads the authenticated caller and checks it holds one of roles.
func Requester(ctx context.Context, s LedgerStore, roles ...string) (*models.User, error) {
	actor, ok := models.GetActor(ctx)
	if !ok || actor.UserId == "" {
		return nil, fmt.Errorf("%w: no authenticated user", ErrForbidden)
	}

	user, err := s.GetUserById(ctx, actor.UserId)
	if err != nil {
		return nil, err
	}

	if len(roles) > 0 && !slices.Contains(roles, user.Role) {
		return nil, fmt.Errorf("%w: user %s has role %s", ErrForbidden, user.Id, user.Role)
	}
	return user, nil
}
