// ABOUTME: PostgreSQL-backed store for catalog rows, ACL grants, and procedure calls
// ABOUTME: Wraps database/sql with the pool limits and timeouts the gateway requires

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	_ "github.com/lib/pq"
)

// Config carries the connection string and pool tuning for Open. The zero
// value is not usable; callers populate it from their own configuration.
type Config struct {
	URL             string
	MaxOpenConns    int
	ConnMaxIdleTime time.Duration
	AcquireTimeout  time.Duration
	CallTimeout     time.Duration
	CloseTimeout    time.Duration
}

// Store is a PostgreSQL-backed persistence layer. It executes catalog
// procedures and loads catalog and ACL rows. All methods are safe for
// concurrent use; database/sql provides the pooling.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
}

// Open connects to PostgreSQL and verifies the connection before returning.
// The ping is bounded by cfg.AcquireTimeout so a down database fails fast
// instead of hanging startup.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.AcquireTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	logger.Info("database connection pool established",
		"max_open_conns", cfg.MaxOpenConns,
		"conn_max_idle_time", cfg.ConnMaxIdleTime)

	return &Store{db: db, cfg: cfg, logger: logger}, nil
}

// functionNamePattern matches plain or schema-qualified SQL identifiers.
// Catalog rows are operator-controlled, but the function name is spliced
// into the statement text so it is checked anyway.
var functionNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

func validateFunctionName(fn string) error {
	if !functionNamePattern.MatchString(fn) {
		return fmt.Errorf("invalid SQL function name %q", fn)
	}
	return nil
}

// CallProcedure invokes fn with params bound as a single jsonb argument and
// returns the function's result as JSON. A NULL result becomes JSON null;
// string-encoded payloads pass through verbatim and are unwrapped by the
// dispatch result checks. The call is bounded by cfg.CallTimeout.
func (s *Store) CallProcedure(ctx context.Context, fn string, params json.RawMessage) (json.RawMessage, error) {
	if err := validateFunctionName(fn); err != nil {
		return nil, err
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	if s.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
	}

	var result sql.NullString
	query := fmt.Sprintf("SELECT %s($1::jsonb)", fn)
	if err := s.db.QueryRowContext(ctx, query, string(params)).Scan(&result); err != nil {
		return nil, fmt.Errorf("calling %s: %w", fn, err)
	}

	return normalizeResult(fn, result)
}

// normalizeResult converts a scanned function result into raw JSON.
func normalizeResult(fn string, result sql.NullString) (json.RawMessage, error) {
	if !result.Valid {
		return json.RawMessage(`null`), nil
	}
	raw := json.RawMessage(result.String)
	if !json.Valid(raw) {
		return nil, fmt.Errorf("result of %s is not valid JSON", fn)
	}
	return raw, nil
}

// Ping verifies database connectivity. Callers bound it with their own
// context deadline.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// Close shuts the pool down, waiting at most cfg.CloseTimeout before giving
// up on connections that are still busy.
func (s *Store) Close() error {
	done := make(chan error, 1)
	go func() { done <- s.db.Close() }()

	timeout := s.cfg.CloseTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("closing database pool: %w", err)
		}
		s.logger.Info("database pool closed")
		return nil
	case <-time.After(timeout):
		s.logger.Warn("pool close timed out, abandoning remaining connections")
		return nil
	}
}
