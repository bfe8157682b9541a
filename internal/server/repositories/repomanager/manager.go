// Package repomanager hands out credential-store repositories and runs
// multi-step writes atomically, for PostgreSQL or process memory.
package repomanager

import (
	"context"

	"github.com/dmitrijs2005/shopkeeper/internal/server/repositories/users"
)

// RepositoryManager owns the storage handle behind the repositories.
type RepositoryManager interface {
	// RunMigrations brings the schema up to date.
	RunMigrations(ctx context.Context) error
	// Users returns a repository outside of any transaction.
	Users() users.Repository
	// InTx runs fn with a repository whose writes commit together when fn
	// returns nil and are discarded otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, repo users.Repository) error) error
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
	Close() error
}
