// Package db persists finalized trajectories and verification audit records.
// Postgres in production, SQLite in embedded/dev mode; the driver is picked
// by configuration and queries are rebound per driver.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/concierge-ai/concierge/internal/agents"
	"github.com/concierge-ai/concierge/internal/trajectory"
)

// ErrNotFound is returned when no trajectory exists for a session.
var ErrNotFound = errors.New("trajectory not found")

// Config holds database configuration.
type Config struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// Store wraps the SQL connection pool.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects to the configured database and applies the schema.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite3"
	}
	if cfg.DSN == "" {
		cfg.DSN = "file:concierge.db?_fk=1"
	}

	database, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}
	if cfg.MaxConnections > 0 {
		database.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.IdleConnections > 0 {
		database.SetMaxIdleConns(cfg.IdleConnections)
	}
	if cfg.MaxLifetime > 0 {
		database.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	store := &Store{db: database, logger: logger}
	if err := store.Migrate(context.Background()); err != nil {
		database.Close()
		return nil, err
	}
	logger.Info("Database connected", zap.String("driver", cfg.Driver))
	return store, nil
}

// NewStoreWithDB wraps an existing connection, mainly for tests.
func NewStoreWithDB(database *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: database, logger: logger}
}

// Migrate applies the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trajectories (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			intent TEXT NOT NULL,
			outcome TEXT NOT NULL,
			abort_reason TEXT,
			entries TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finalized_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trajectories_session ON trajectories (session_id)`,
		`CREATE TABLE IF NOT EXISTS verification_audit (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// SaveTrajectory persists a finalized trajectory.
func (s *Store) SaveTrajectory(ctx context.Context, traj *trajectory.Trajectory) error {
	if !traj.Finalized() {
		return fmt.Errorf("trajectory %s not finalized", traj.ID)
	}
	entries, err := json.Marshal(traj.Entries)
	if err != nil {
		return fmt.Errorf("marshal entries: %w", err)
	}

	query := s.db.Rebind(`INSERT INTO trajectories
		(id, session_id, domain, intent, outcome, abort_reason, entries, started_at, finalized_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		traj.ID, traj.SessionID, traj.Domain, traj.Intent,
		string(traj.Outcome), traj.AbortReason, string(entries),
		traj.StartedAt, traj.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("save trajectory %s: %w", traj.ID, err)
	}
	return nil
}

// TrajectoryRecord is the persisted form of a trajectory.
type TrajectoryRecord struct {
	ID          string             `db:"id" json:"id"`
	SessionID   string             `db:"session_id" json:"session_id"`
	Domain      string             `db:"domain" json:"domain"`
	Intent      string             `db:"intent" json:"intent"`
	Outcome     string             `db:"outcome" json:"outcome"`
	AbortReason string             `db:"abort_reason" json:"abort_reason,omitempty"`
	RawEntries  string             `db:"entries" json:"-"`
	Entries     []trajectory.Entry `db:"-" json:"entries"`
	StartedAt   time.Time          `db:"started_at" json:"started_at"`
	FinalizedAt time.Time          `db:"finalized_at" json:"finalized_at"`
}

// GetTrajectory loads the most recent trajectory for a session.
func (s *Store) GetTrajectory(ctx context.Context, sessionID string) (*TrajectoryRecord, error) {
	query := s.db.Rebind(`SELECT id, session_id, domain, intent, outcome, abort_reason, entries, started_at, finalized_at
		FROM trajectories WHERE session_id = ? ORDER BY finalized_at DESC LIMIT 1`)

	var rec TrajectoryRecord
	if err := s.db.GetContext(ctx, &rec, query, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load trajectory for %s: %w", sessionID, err)
	}
	if err := json.Unmarshal([]byte(rec.RawEntries), &rec.Entries); err != nil {
		return nil, fmt.Errorf("decode entries for %s: %w", sessionID, err)
	}
	return &rec, nil
}

// RecordVerification persists one verification attempt for audit.
func (s *Store) RecordVerification(ctx context.Context, rec agents.AuditRecord) error {
	query := s.db.Rebind(`INSERT INTO verification_audit
		(id, session_id, user_id, outcome, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.SessionID, rec.UserID, rec.Outcome, rec.Reason, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("record verification for %s: %w", rec.SessionID, err)
	}
	return nil
}

// Ping checks connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}
