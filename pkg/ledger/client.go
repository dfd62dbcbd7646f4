// Package ledger provides an optional Postgres-backed audit trail of
// FatTx submission/resubmission transitions. It is never consulted
// for pipeline correctness: the queues on disk are the only source of
// truth the workers themselves depend on. The ledger exists purely so
// an operator can answer "what happened to request X" after the fact.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"math/big"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/zcloak-network/keeper/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Client is a connection-pooled handle onto the audit-trail database.
type Client struct {
	db     *sql.DB
	logger *log.Logger

	maxOpenConns    int
	maxIdleConns    int
	connMaxIdleTime time.Duration
	connMaxLifetime time.Duration
}

// ClientOption is a functional option for configuring the client.
type ClientOption func(*Client)

// WithLogger sets a custom logger for the client.
func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithPoolLimits overrides the connection pool sizing.
func WithPoolLimits(maxOpen, maxIdle int, idleTime, lifetime time.Duration) ClientOption {
	return func(c *Client) {
		c.maxOpenConns = maxOpen
		c.maxIdleConns = maxIdle
		c.connMaxIdleTime = idleTime
		c.connMaxLifetime = lifetime
	}
}

// NewClient opens a connection-pooled client against databaseURL
// (typically sourced from the `--database-url` flag) and verifies
// connectivity before returning.
func NewClient(databaseURL string, opts ...ClientOption) (*Client, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("ledger: database URL cannot be empty")
	}

	client := &Client{
		logger:          log.New(log.Writer(), "[ledger] ", log.LstdFlags),
		maxOpenConns:    10,
		maxIdleConns:    2,
		connMaxIdleTime: 5 * time.Minute,
		connMaxLifetime: time.Hour,
	}
	for _, opt := range opts {
		opt(client)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}

	db.SetMaxOpenConns(client.maxOpenConns)
	db.SetMaxIdleConns(client.maxIdleConns)
	db.SetConnMaxIdleTime(client.connMaxIdleTime)
	db.SetConnMaxLifetime(client.connMaxLifetime)

	client.db = db

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping database: %w", err)
	}

	client.logger.Printf("connected to audit ledger (max_open=%d, max_idle=%d)", client.maxOpenConns, client.maxIdleConns)
	return client, nil
}

// DB returns the underlying *sql.DB for direct access.
func (c *Client) DB() *sql.DB { return c.db }

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		c.logger.Println("closing audit ledger connection")
		return c.db.Close()
	}
	return nil
}

// Ping verifies the database connection is alive.
func (c *Client) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

// HealthStatus reports the ledger connection's health.
type HealthStatus struct {
	Healthy            bool          `json:"healthy"`
	Error              string        `json:"error,omitempty"`
	Version            string        `json:"version,omitempty"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
	MaxOpenConnections int           `json:"max_open_connections"`
	CheckedAt          time.Time     `json:"checked_at"`
}

// Health returns database health information.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	status := &HealthStatus{CheckedAt: time.Now()}

	if err := c.db.PingContext(ctx); err != nil {
		status.Healthy = false
		status.Error = err.Error()
		return status, nil
	}

	stats := c.db.Stats()
	status.Healthy = true
	status.OpenConnections = stats.OpenConnections
	status.InUse = stats.InUse
	status.Idle = stats.Idle
	status.WaitCount = stats.WaitCount
	status.WaitDuration = stats.WaitDuration
	status.MaxOpenConnections = stats.MaxOpenConnections

	var version string
	if err := c.db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err == nil {
		status.Version = version
	}
	return status, nil
}

// Outcome labels the fate recorded for a tx transition.
type Outcome string

const (
	OutcomeSubmitted   Outcome = "submitted"
	OutcomeResubmitted Outcome = "resubmitted"
	OutcomeIncluded    Outcome = "included"
	OutcomeNonceFailed Outcome = "nonce_failed"
)

// Record appends one transition row for tx. SendAt, Nonce, GasPrice
// and TxHash are taken directly off the FatTx; RequestHash comes from
// its embedded payload.
func (c *Client) Record(ctx context.Context, tx *types.FatTx, outcome Outcome) error {
	if tx == nil || tx.Payload == nil {
		return fmt.Errorf("ledger: record: tx and tx.Payload must be non-nil")
	}

	var nonce sql.NullInt64
	if tx.Nonce != nil {
		nonce = sql.NullInt64{Int64: int64(*tx.Nonce), Valid: true}
	}
	var txHash []byte
	if tx.TxHash != nil {
		txHash = tx.TxHash[:]
	}
	var gasPrice string
	if tx.GasPrice != nil {
		gasPrice = tx.GasPrice.String()
	} else {
		gasPrice = (&big.Int{}).String()
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO tx_transitions (request_hash, send_at, nonce, gas_price, tx_hash, outcome)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tx.Payload.RequestHash[:], tx.SendAt, nonce, gasPrice, txHash, string(outcome))
	if err != nil {
		return fmt.Errorf("ledger: record transition: %w", err)
	}
	return nil
}

// TransitionsForRequest returns every recorded transition for a given
// request hash, oldest first.
func (c *Client) TransitionsForRequest(ctx context.Context, requestHash [32]byte) ([]Transition, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT send_at, nonce, gas_price, tx_hash, outcome, recorded_at
		FROM tx_transitions
		WHERE request_hash = $1
		ORDER BY recorded_at ASC`, requestHash[:])
	if err != nil {
		return nil, fmt.Errorf("ledger: query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var nonce sql.NullInt64
		var txHash []byte
		var gasPrice string
		if err := rows.Scan(&t.SendAt, &nonce, &gasPrice, &txHash, &t.Outcome, &t.RecordedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan transition: %w", err)
		}
		if nonce.Valid {
			n := uint64(nonce.Int64)
			t.Nonce = &n
		}
		if len(txHash) > 0 {
			t.TxHash = txHash
		}
		t.GasPrice, _ = new(big.Int).SetString(gasPrice, 10)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrTxNotFound
	}
	return out, nil
}

// Transition is one recorded row of the audit trail.
type Transition struct {
	SendAt     uint64
	Nonce      *uint64
	GasPrice   *big.Int
	TxHash     []byte
	Outcome    string
	RecordedAt time.Time
}

// MigrateUp runs all pending migrations.
func (c *Client) MigrateUp(ctx context.Context) error {
	c.logger.Println("running ledger migrations...")

	migrations, err := c.getMigrations()
	if err != nil {
		return fmt.Errorf("ledger: get migrations: %w", err)
	}

	applied, err := c.getAppliedMigrations(ctx)
	if err != nil {
		if !strings.Contains(err.Error(), "does not exist") {
			return fmt.Errorf("ledger: get applied migrations: %w", err)
		}
		applied = make(map[string]bool)
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			c.logger.Printf("  skipping %s (already applied)", migration.Version)
			continue
		}
		c.logger.Printf("  applying %s...", migration.Version)
		if err := c.applyMigration(ctx, migration); err != nil {
			return fmt.Errorf("ledger: apply migration %s: %w", migration.Version, err)
		}
		c.logger.Printf("  applied %s successfully", migration.Version)
	}

	c.logger.Println("ledger migrations complete")
	return nil
}

// Migration represents a single migration file.
type Migration struct {
	Version  string
	Filename string
	SQL      string
}

func (c *Client) getMigrations() ([]Migration, error) {
	var migrations []Migration

	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}

		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("ledger: read %s: %w", path, err)
		}

		filename := d.Name()
		migrations = append(migrations, Migration{
			Version:  strings.TrimSuffix(filename, ".sql"),
			Filename: filename,
			SQL:      string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

func (c *Client) getAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (c *Client) applyMigration(ctx context.Context, migration Migration) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return fmt.Errorf("ledger: execute migration SQL: %w", err)
	}
	return tx.Commit()
}
