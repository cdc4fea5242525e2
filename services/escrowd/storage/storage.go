package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradeescrow/services/escrowd/models"
)

const defaultFilePragmas = "mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// Entity types recorded on audit events.
const (
	EntitySession = "session"
	EntityTrade   = "trade"
	EntityDispute = "dispute"
	EntityOffer   = "offer"
)

// ErrDSNRequired is returned when no database location is configured.
var ErrDSNRequired = errors.New("escrowd storage DSN must be configured")

// Option tunes how the database handle is opened.
type Option func(*options)

type options struct {
	logLevel logger.LogLevel
	migrate  bool
}

// WithLogLevel sets the gorm logger verbosity.
func WithLogLevel(level logger.LogLevel) Option {
	return func(o *options) { o.logLevel = level }
}

// WithoutMigrations skips schema migration on open.
func WithoutMigrations() Option {
	return func(o *options) { o.migrate = false }
}

// Open connects to Postgres when the DSN is a postgres URL and to SQLite
// otherwise, then applies the schema.
func Open(dsn string, opts ...Option) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	o := options{logLevel: logger.Warn, migrate: true}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(o.logLevel)}

	var (
		db  *gorm.DB
		err error
	)
	if IsPostgres(trimmed) {
		db, err = gorm.Open(postgres.Open(trimmed), cfg)
	} else {
		db, err = gorm.Open(sqlite.Open(trimmed), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if !IsPostgres(trimmed) {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("database handle: %w", err)
		}
		// SQLite permits a single writer; serialize through one connection.
		sqlDB.SetMaxOpenConns(1)
	}
	if o.migrate {
		if err := models.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsPostgres reports whether dsn addresses a Postgres server.
func IsPostgres(dsn string) bool {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

// FileDSN converts a filesystem path into an on-disk SQLite DSN with sensible
// defaults. Callers must ensure the path is non-empty.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrDSNRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// MemoryDSN returns a uniquely named shared-cache in-memory SQLite DSN.
func MemoryDSN() string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
}

// AppendEvent writes an audit entry. Pass the transaction handle when called
// inside one.
func AppendEvent(tx *gorm.DB, entityType string, entityID, actor uuid.UUID, action, details string, at time.Time) error {
	event := models.Event{
		ID:         uuid.New(),
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    actor,
		Action:     action,
		Details:    details,
		CreatedAt:  at,
	}
	return tx.Create(&event).Error
}
