package insight

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Mindburn-Labs/pulse/pkg/contracts"
)

// Dialect selects the placeholder style of the backing database.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLProvider reads the latest snapshot per user from the insight_snapshots table.
type SQLProvider struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLProvider wraps an open database handle.
func NewSQLProvider(db *sql.DB, dialect Dialect) *SQLProvider {
	return &SQLProvider{db: db, dialect: dialect}
}

// Open opens a database for driver ("postgres" or "sqlite") and returns a provider.
func Open(driver, dsn string) (*SQLProvider, error) {
	var dialect Dialect
	switch driver {
	case "postgres":
		dialect = DialectPostgres
	case "sqlite":
		dialect = DialectSQLite
	default:
		return nil, fmt.Errorf("insight: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("insight: open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// Each sqlite connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	return NewSQLProvider(db, dialect), nil
}

// DB returns the underlying handle.
func (p *SQLProvider) DB() *sql.DB { return p.db }

// Close closes the underlying handle.
func (p *SQLProvider) Close() error { return p.db.Close() }

// Migrate creates the snapshot table if it does not exist.
func (p *SQLProvider) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS insight_snapshots (
		user_id TEXT NOT NULL,
		recovery_status TEXT NOT NULL DEFAULT '',
		energy_level TEXT NOT NULL DEFAULT '',
		training_readiness TEXT NOT NULL DEFAULT '',
		performance_trend TEXT NOT NULL DEFAULT '',
		adherence_trend TEXT NOT NULL DEFAULT '',
		recommendations TEXT NOT NULL DEFAULT '[]',
		generated_at TIMESTAMP NOT NULL
	)`
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("insight: migrate: %w", err)
	}
	return nil
}

// Record inserts a snapshot. It exists for the insight engine side and for tests.
func (p *SQLProvider) Record(ctx context.Context, s contracts.InsightSnapshot) error {
	recs, err := json.Marshal(nonNil(s.Recommendations))
	if err != nil {
		return fmt.Errorf("insight: encode recommendations: %w", err)
	}
	at := s.GeneratedAt
	if at.IsZero() {
		at = time.Now()
	}
	query := p.rebind(`INSERT INTO insight_snapshots
		(user_id, recovery_status, energy_level, training_readiness, performance_trend, adherence_trend, recommendations, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = p.db.ExecContext(ctx, query,
		s.UserID,
		s.CurrentStatus.RecoveryStatus,
		s.CurrentStatus.EnergyLevel,
		s.CurrentStatus.TrainingReadiness,
		s.Trends.Performance,
		s.Trends.Adherence,
		string(recs),
		at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insight: insert snapshot: %w", err)
	}
	return nil
}

// GenerateInsights implements Provider by returning the newest snapshot for userID.
func (p *SQLProvider) GenerateInsights(ctx context.Context, userID string) (contracts.InsightSnapshot, error) {
	query := p.rebind(`SELECT recovery_status, energy_level, training_readiness, performance_trend, adherence_trend, recommendations, generated_at
		FROM insight_snapshots
		WHERE user_id = ?
		ORDER BY generated_at DESC
		LIMIT 1`)

	var (
		s    contracts.InsightSnapshot
		recs string
	)
	err := p.db.QueryRowContext(ctx, query, userID).Scan(
		&s.CurrentStatus.RecoveryStatus,
		&s.CurrentStatus.EnergyLevel,
		&s.CurrentStatus.TrainingReadiness,
		&s.Trends.Performance,
		&s.Trends.Adherence,
		&recs,
		&s.GeneratedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.InsightSnapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return contracts.InsightSnapshot{}, fmt.Errorf("insight: query snapshot: %w", err)
	}
	if recs != "" {
		if err := json.Unmarshal([]byte(recs), &s.Recommendations); err != nil {
			return contracts.InsightSnapshot{}, fmt.Errorf("insight: decode recommendations: %w", err)
		}
	}
	s.UserID = userID
	return s, nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (p *SQLProvider) rebind(query string) string {
	if p.dialect != DialectPostgres {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
