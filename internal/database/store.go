// Package database provides storage backends for feeds and their items.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/feedhub/internal/model"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned when a feed or item does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// SupportsHighConcurrency returns true if the database can handle
	// many concurrent write operations (e.g., PostgreSQL).
	// SQLite returns false due to write locking limitations.
	SupportsHighConcurrency() bool

	// Feed operations
	CreateFeed(ctx context.Context, feed *model.Feed) (int64, error)
	GetOrCreateFeed(ctx context.Context, feed *model.Feed) (*model.Feed, bool, error)
	GetFeedByID(ctx context.Context, feedID int64) (*model.Feed, error)
	GetFeedByURL(ctx context.Context, feedURL string) (*model.Feed, error)
	GetActiveFeeds(ctx context.Context) ([]model.Feed, error)
	GetAllFeeds(ctx context.Context) ([]model.Feed, error)
	UpdateFeedMetadata(ctx context.Context, feedID int64, title, iconURL string) error
	RecordFetchSuccess(ctx context.Context, feedID int64, t time.Time) error
	RecordFetchError(ctx context.Context, feedID int64, errMsg string) (int, error)
	GetFailingFeeds(ctx context.Context, maxErrors int) ([]model.Feed, error)
	DeactivateFeed(ctx context.Context, feedID int64) error
	ReactivateFeed(ctx context.Context, feedID int64) error

	// Item operations
	GetItemByGUID(ctx context.Context, feedID int64, guid string) (*model.Item, error)
	InsertItem(ctx context.Context, item *model.Item) (bool, error)
	PatchItem(ctx context.Context, itemID int64, patch model.ItemPatch) error
	GetItems(ctx context.Context, feedID int64, limit int) ([]model.Item, error)
	CountItems(ctx context.Context, feedID int64) (int, error)
}

// Open connects to the backend named by driver and applies pending migrations.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return New(dsn)
	case DriverPostgres:
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
