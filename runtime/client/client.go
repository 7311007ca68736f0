// Package client wires configuration, the SQL executor and the entity
// registry into one engine handle.
package client

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/modelq/modelq/config"
	"github.com/modelq/modelq/query/builder"
	"github.com/modelq/modelq/query/executor"
	"github.com/modelq/modelq/runtime/entity"
)

// Client is the main engine entry point
type Client struct {
	cfg      *config.Config
	db       *executor.DB
	registry *entity.Registry
}

// New opens a database handle for the configured driver and builds the
// engine around it.
func New(cfg *config.Config) (*Client, error) {
	driverName := getDriverName(cfg.Driver)
	if driverName == "" {
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	db, err := executor.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return fromExecutor(cfg, db), nil
}

// NewFromDB builds the engine around an already-open database handle.
func NewFromDB(cfg *config.Config, db *sql.DB) *Client {
	return fromExecutor(cfg, executor.New(db))
}

func fromExecutor(cfg *config.Config, db *executor.DB) *Client {
	if cfg.LogQueries {
		db.SetLogger(executor.NewLogger())
	}
	registry := entity.NewRegistry(db, entity.Options{
		CacheCapacity:  cfg.CacheCapacity,
		CacheTTL:       cfg.CacheTTL,
		SweepInterval:  cfg.SweepInterval,
		DebounceWindow: cfg.DebounceWindow,
	})
	return &Client{cfg: cfg, db: db, registry: registry}
}

// getDriverName maps configured driver names to Go database driver names
func getDriverName(driver string) string {
	switch driver {
	case "mysql":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite3"
	default:
		return ""
	}
}

// Connect establishes the database connection
func (c *Client) Connect(ctx context.Context) error {
	return c.db.Ping(ctx)
}

// Disconnect stops the engine and closes the database connection
func (c *Client) Disconnect(ctx context.Context) error {
	c.registry.Stop()
	return c.db.Close()
}

// Register adds an entity class.
func (c *Client) Register(d entity.Descriptor) error {
	return c.registry.Register(d)
}

// Query returns a class-bound query builder.
func (c *Client) Query(class string) (*builder.Query, error) {
	return c.registry.Query(class)
}

// NewEntity creates a blank entity of the given class.
func (c *Client) NewEntity(class string) (*entity.Entity, error) {
	return c.registry.New(class)
}

// ByID returns the shared instance for (class, id).
func (c *Client) ByID(class string, id int64) (*entity.Entity, error) {
	return c.registry.ByID(class, id)
}

// Registry returns the underlying entity registry.
func (c *Client) Registry() *entity.Registry {
	return c.registry
}

// Executor returns the underlying executor.
func (c *Client) Executor() executor.Executor {
	return c.db
}
