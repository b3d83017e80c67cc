package credential

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// Handle is a live, typed view over a credential. Connections open lazily
	// on first use; Close is safe to call whether or not a connection was ever
	// opened.
	Handle interface {
		Type() Type
		Connect(ctx context.Context) error
		Close(ctx context.Context) error
	}

	// QueryResult is the shape returned by SQL handle queries.
	QueryResult struct {
		Rows     []map[string]any
		RowCount int
	}

	// openFunc decrypts and decodes the credential config. It is invoked at
	// most once per handle, on first connect.
	openFunc func() (Config, error)
)

type sqlHandle struct {
	typ     Type
	dsn     func(Config) string
	open    openFunc
	once    sync.Once
	openErr error
	db      *sql.DB
}

// PostgresHandle exposes query access to a PostgreSQL database.
type PostgresHandle struct {
	sqlHandle
}

// MySQLHandle exposes query access to a MySQL database.
type MySQLHandle struct {
	sqlHandle
}

// MongoHandle exposes collection access to a MongoDB database.
type MongoHandle struct {
	open    openFunc
	once    sync.Once
	openErr error
	client  *mongo.Client
	dbName  string
}

// RedisHandle exposes get/set access to a Redis instance.
type RedisHandle struct {
	open    openFunc
	once    sync.Once
	openErr error
	client  *redis.Client
}

// Pool caches handles per execution keyed by credential name. The executor
// closes the pool when the run ends, success or not.
type Pool struct {
	organizationID string
	service        *Service

	mu      sync.Mutex
	handles map[string]Handle
}

// NewPool returns an empty per-execution handle pool.
func NewPool(service *Service, organizationID string) *Pool {
	return &Pool{
		organizationID: organizationID,
		service:        service,
		handles:        map[string]Handle{},
	}
}

// Get returns the pooled handle for the credential name, materializing it on
// first request.
func (p *Pool) Get(ctx context.Context, name string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[name]; ok {
		return h, nil
	}
	h, err := p.service.Materialize(ctx, p.organizationID, name)
	if err != nil {
		return nil, err
	}
	p.handles[name] = h
	return h, nil
}

// Close closes every pooled handle, returning the first error encountered.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for name, h := range p.handles {
		if err := h.Close(ctx); err != nil && first == nil {
			first = fmt.Errorf("close handle %q: %w", name, err)
		}
		delete(p.handles, name)
	}
	return first
}

func newPostgresHandle(open openFunc) *PostgresHandle {
	return &PostgresHandle{sqlHandle{typ: TypePostgres, open: open, dsn: postgresDSN}}
}

func newMySQLHandle(open openFunc) *MySQLHandle {
	return &MySQLHandle{sqlHandle{typ: TypeMySQL, open: open, dsn: mysqlDSN}}
}

func newMongoHandle(open openFunc) *MongoHandle {
	return &MongoHandle{open: open}
}

func newRedisHandle(open openFunc) *RedisHandle {
	return &RedisHandle{open: open}
}

func postgresDSN(cfg Config) string {
	if cfg.URI != "" {
		return cfg.URI
	}
	ssl := cfg.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, port, cfg.User, cfg.Password, cfg.Database, ssl)
}

func mysqlDSN(cfg Config) string {
	if cfg.URI != "" {
		return cfg.URI
	}
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, port, cfg.Database)
}

func (h *sqlHandle) Type() Type { return h.typ }

// Connect opens the database pool and verifies it with a ping.
func (h *sqlHandle) Connect(ctx context.Context) error {
	h.once.Do(func() {
		cfg, err := h.open()
		if err != nil {
			h.openErr = err
			return
		}
		driver := "postgres"
		if h.typ == TypeMySQL {
			driver = "mysql"
		}
		db, err := sql.Open(driver, h.dsn(cfg))
		if err != nil {
			h.openErr = err
			return
		}
		h.db = db
	})
	if h.openErr != nil {
		return h.openErr
	}
	return h.db.PingContext(ctx)
}

// Query runs a parameterized statement and scans every row into a generic map.
func (h *sqlHandle) Query(ctx context.Context, query string, params ...any) (QueryResult, error) {
	if err := h.Connect(ctx); err != nil {
		return QueryResult{}, err
	}
	rows, err := h.db.QueryContext(ctx, query, params...)
	if err != nil {
		return QueryResult{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return QueryResult{}, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return QueryResult{}, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Rows: out, RowCount: len(out)}, nil
}

// Close releases the pool if one was opened.
func (h *sqlHandle) Close(context.Context) error {
	if h.db == nil {
		return nil
	}
	return h.db.Close()
}

func (h *MongoHandle) Type() Type { return TypeMongoDB }

// Connect establishes the Mongo client and verifies it with a ping.
func (h *MongoHandle) Connect(ctx context.Context) error {
	h.once.Do(func() {
		cfg, err := h.open()
		if err != nil {
			h.openErr = err
			return
		}
		uri := cfg.URI
		if uri == "" {
			uri = fmt.Sprintf("mongodb://%s:%d", cfg.Host, cfg.Port)
		}
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err != nil {
			h.openErr = err
			return
		}
		h.client = client
		h.dbName = cfg.Database
	})
	if h.openErr != nil {
		return h.openErr
	}
	return h.client.Ping(ctx, nil)
}

// Collection returns the named collection of the configured database.
func (h *MongoHandle) Collection(ctx context.Context, name string) (*mongo.Collection, error) {
	if err := h.Connect(ctx); err != nil {
		return nil, err
	}
	return h.client.Database(h.dbName).Collection(name), nil
}

// Database returns the configured database.
func (h *MongoHandle) Database(ctx context.Context) (*mongo.Database, error) {
	if err := h.Connect(ctx); err != nil {
		return nil, err
	}
	return h.client.Database(h.dbName), nil
}

// Close disconnects the client if one was opened.
func (h *MongoHandle) Close(ctx context.Context) error {
	if h.client == nil {
		return nil
	}
	return h.client.Disconnect(ctx)
}

func (h *RedisHandle) Type() Type { return TypeRedis }

// Connect establishes the Redis client and verifies it with a ping.
func (h *RedisHandle) Connect(ctx context.Context) error {
	h.once.Do(func() {
		cfg, err := h.open()
		if err != nil {
			h.openErr = err
			return
		}
		if cfg.URI != "" {
			opts, err := redis.ParseURL(cfg.URI)
			if err != nil {
				h.openErr = err
				return
			}
			h.client = redis.NewClient(opts)
			return
		}
		port := cfg.Port
		if port == 0 {
			port = 6379
		}
		h.client = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, port),
			Username: cfg.User,
			Password: cfg.Password,
		})
	})
	if h.openErr != nil {
		return h.openErr
	}
	return h.client.Ping(ctx).Err()
}

// Get returns the string value at key; a missing key yields "".
func (h *RedisHandle) Get(ctx context.Context, key string) (string, error) {
	if err := h.Connect(ctx); err != nil {
		return "", err
	}
	val, err := h.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// Set stores a string value at key without expiry.
func (h *RedisHandle) Set(ctx context.Context, key, value string) error {
	if err := h.Connect(ctx); err != nil {
		return err
	}
	return h.client.Set(ctx, key, value, 0).Err()
}

// Close releases the client if one was opened.
func (h *RedisHandle) Close(context.Context) error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}
