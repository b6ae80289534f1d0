// Package postgres implements the store contracts on PostgreSQL, using
// sqlx over the pgx stdlib driver. Schema migrations are embedded in the
// binary and applied with goose.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wosledon/aireview/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements store.Store on a PostgreSQL pool.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxOpenConns bounds the connection pool.
func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.db.SetMaxOpenConns(n)
		}
	}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := newStore(db, nil)
	for _, opt := range opts {
		opt(s)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return s, nil
}

// NewFromDB wraps an existing pool; tests hand in sqlmock.
func NewFromDB(db *sqlx.DB, logger *slog.Logger) *Store {
	return newStore(db, logger)
}

func newStore(db *sqlx.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "store")}
}

// Migrate applies any pending embedded migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, s.db.DB)
	if err == nil {
		s.logger.Info("database schema up to date", "version", version)
	}
	return nil
}

// Ping verifies connectivity; the daemon's readiness check calls it.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reviews returns the review repository.
func (s *Store) Reviews() store.ReviewRepo { return &reviewRepo{db: s.db} }

// Comments returns the comment repository.
func (s *Store) Comments() store.CommentRepo { return &commentRepo{db: s.db} }

// Analyses returns the analysis repository.
func (s *Store) Analyses() store.AnalysisRepo { return &analysisRepo{db: s.db} }

// Usage returns the token usage repository.
func (s *Store) Usage() store.UsageRepo { return &usageRepo{db: s.db} }

// Prompts returns the prompt template repository.
func (s *Store) Prompts() store.PromptRepo { return &promptRepo{db: s.db} }
