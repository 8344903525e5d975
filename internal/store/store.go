// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/cardwire/internal/domain"
)

// ErrAppNotFound is returned when an app id is unknown.
var ErrAppNotFound = errors.New("app not found")

// Repository defines the interface for persisting saved apps and chat history.
type Repository interface {
	// SaveApp creates or updates an app.
	SaveApp(ctx context.Context, app *domain.App) error

	// GetApp retrieves an app by id. Returns ErrAppNotFound if it does not exist.
	GetApp(ctx context.Context, id string) (*domain.App, error)

	// ListApps returns every saved app, newest first.
	ListApps(ctx context.Context) ([]*domain.App, error)

	// DeleteAllApps removes every saved app and returns how many were removed.
	DeleteAllApps(ctx context.Context) (int64, error)

	// MarkAppExported records the path an app was written to.
	MarkAppExported(ctx context.Context, id, path string) error

	// AppendChat stores one chat line.
	AppendChat(ctx context.Context, entry *domain.ChatEntry) error

	// ListChat returns the last limit lines of a session in chronological order.
	ListChat(ctx context.Context, sessionKey string, limit int) ([]*domain.ChatEntry, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
