// Package users is the credential store: users, their roles and the
// single-slot refresh token.
//
// Writes that modify a user row are guarded by the row's concurrency stamp:
// Update and Delete only apply when the stamp on the passed user still matches
// the stored one, and fail with common.ErrConcurrencyConflict otherwise.
package users

import (
	"context"
	"time"

	"github.com/dmitrijs2005/shopkeeper/internal/server/models"
)

// Repository is implemented by PostgresRepository and MemoryRepository.
type Repository interface {
	// FindByEmail looks a user up by normalized email.
	FindByEmail(ctx context.Context, normalizedEmail string) (*models.User, error)
	// FindByUserName looks a user up by normalized user name.
	FindByUserName(ctx context.Context, normalizedUserName string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)

	// Create inserts user. A duplicate normalized email or user name yields
	// common.ErrorAlreadyExists.
	Create(ctx context.Context, user *models.User) (*models.User, error)

	// Update writes every mutable column when user.ConcurrencyStamp matches the
	// stored one, then sets user.ConcurrencyStamp to the new stamp.
	Update(ctx context.Context, user *models.User) error

	// ReplaceRefreshToken swaps the refresh-token slot from previous to next in
	// one conditional write. A slot that no longer holds previous yields
	// common.ErrConcurrencyConflict.
	ReplaceRefreshToken(ctx context.Context, userID, previous, next string, expires time.Time) error

	// Delete removes user when its concurrency stamp still matches.
	Delete(ctx context.Context, user *models.User) error

	GetRoles(ctx context.Context, userID string) ([]string, error)
	// AddToRoles and RemoveFromRoles take role names in any case. An unknown
	// role yields common.ErrorNotFound.
	AddToRoles(ctx context.Context, userID string, roles []string) error
	RemoveFromRoles(ctx context.Context, userID string, roles []string) error
}
