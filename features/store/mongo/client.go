// Package mongo implements the persistence interfaces on MongoDB. Each entity
// gets its own store wrapping one collection, with unique indexes ensured at
// construction and per-operation timeouts.
package mongo

import (
	"context"
	"errors"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const defaultOpTimeout = 5 * time.Second

type (
	// Options configures New.
	Options struct {
		Client   *mongodriver.Client
		Database string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// DB wraps the driver connection shared by the stores.
	DB struct {
		client  *mongodriver.Client
		db      *mongodriver.Database
		timeout time.Duration
	}
)

// New validates the options and returns the shared DB handle.
func New(opts Options) (*DB, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &DB{
		client:  opts.Client,
		db:      opts.Client.Database(opts.Database),
		timeout: timeout,
	}, nil
}

// Name identifies the client for health reporting.
func (d *DB) Name() string { return "typeflow-mongo" }

// Ping verifies connectivity to the primary.
func (d *DB) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return d.client.Ping(ctx, readpref.Primary())
}

func (d *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if d.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.timeout)
}
