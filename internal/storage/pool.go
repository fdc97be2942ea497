package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"tokenkeeper/internal/credentials"
)

// ErrInvalidInput flags parameter misuse (empty account, missing access
// token). These are caller bugs, distinct from the recoverable lifecycle
// error taxonomy.
var ErrInvalidInput = errors.New("invalid input")

// Config holds the token store configuration.
type Config struct {
	Path            string        // path to the SQLite database file
	EncryptionKey   []byte        // nil disables encryption
	MaxOpenConns    int           // maximum number of open connections
	MaxIdleConns    int           // maximum number of idle connections
	ConnMaxLifetime time.Duration // maximum lifetime of a connection
	ConnMaxIdleTime time.Duration // maximum idle time of a connection
	BusyTimeout     time.Duration // SQLite busy timeout
	Logger          zerolog.Logger
}

// DefaultConfig returns the store configuration defaults for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		BusyTimeout:     5 * time.Second,
		Logger:          zerolog.Nop(),
	}
}

// Validate checks the configuration for values Open cannot work with.
func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: database path cannot be empty", ErrInvalidInput)
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("%w: max open connections must be positive", ErrInvalidInput)
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("%w: max idle connections cannot be negative", ErrInvalidInput)
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("%w: max idle connections cannot exceed max open connections", ErrInvalidInput)
	}
	if c.BusyTimeout <= 0 {
		return fmt.Errorf("%w: busy timeout must be positive", ErrInvalidInput)
	}
	return nil
}

// Open opens (creating if necessary) the token store at cfg.Path, applies
// the connection pool settings and any pending migrations, and verifies the
// encryption marker against cfg.EncryptionKey.
func Open(ctx context.Context, cfg Config) (*TokenStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store configuration: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on",
		cfg.Path,
		cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &credentials.TokenStorageError{Op: "open", Err: err}
	}

	if isMemoryPath(cfg.Path) {
		// A second pooled connection to :memory: would see its own empty
		// database, so the pool must stay at one connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &credentials.TokenStorageError{Op: "open", Err: err}
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, &credentials.TokenStorageError{Op: "migrate", Err: err}
	}

	cipher, err := NewCipher(cfg.EncryptionKey)
	if err != nil {
		db.Close()
		return nil, &credentials.EncryptionError{Reason: "invalid encryption key", Err: err}
	}

	store := &TokenStore{db: db, path: cfg.Path, cipher: cipher, log: cfg.Logger}
	if err := store.verifyEncryption(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store.log.Info().
		Str("path", cfg.Path).
		Bool("encrypted", cipher.Enabled()).
		Msg("token store opened")
	return store, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}
