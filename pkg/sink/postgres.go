package sink

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresSink is the durable store for assessments, decisions, captured
// interactions, and effectiveness history.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink connects, tunes the pool, and optionally applies the
// embedded schema migrations.
func NewPostgresSink(dsn string, runMigrations bool) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresSink{db: db}
	if runMigrations {
		if err := s.migrateUp(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *PostgresSink) migrateUp() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Persist(ctx context.Context, e Entry) error {
	switch e.Kind {
	case KindAssessment:
		a := e.Assessment
		breakdown, err := json.Marshal(a.Breakdown)
		if err != nil {
			return fmt.Errorf("marshal breakdown: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO assessments (entity_key, score, confidence, risk, breakdown, assessed_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			a.EntityKey, a.Score, a.Confidence, a.Risk, breakdown, a.Timestamp)
		return err
	case KindDecision:
		d := e.Decision
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO decisions (entity_key, deploy, strategy, weight, score, explored, reason, decided_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			d.EntityKey, d.Deploy, nullable(d.Strategy), d.Weight, d.Score, d.Explored, d.Reason, d.Timestamp)
		return err
	case KindInteraction:
		ix := e.Interaction
		commands, err := json.Marshal(ix.Commands)
		if err != nil {
			return fmt.Errorf("marshal commands: %w", err)
		}
		techniques, err := json.Marshal(ix.Techniques)
		if err != nil {
			return fmt.Errorf("marshal techniques: %w", err)
		}
		var payload []byte
		if ix.Payload != nil {
			if payload, err = json.Marshal(ix.Payload); err != nil {
				return fmt.Errorf("marshal payload: %w", err)
			}
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO interactions (interaction_id, instance_id, entity_key, strategy, service, source_ip, commands, techniques, payload, bytes, captured_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (interaction_id) DO NOTHING`,
			ix.ID, ix.InstanceID, ix.EntityKey, ix.Strategy, ix.Service, ix.SourceIP, commands, techniques, payload, ix.Bytes, ix.Timestamp)
		return err
	case KindEffectiveness:
		r := e.Effectiveness
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO effectiveness (strategy, interactions, entities, unique_techniques, engagement_seconds, signal, weight_before, weight_after, reconciled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.Strategy, r.Interactions, r.Entities, r.UniqueTechniques, r.EngagementSeconds, r.Signal, r.WeightBefore, r.WeightAfter, r.Timestamp)
		return err
	default:
		return fmt.Errorf("unknown entry kind %q", e.Kind)
	}
}

// LoadWeights returns the most recent persisted weight per strategy, for
// warm-start when redis is not configured.
func (s *PostgresSink) LoadWeights(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (strategy) strategy, weight_after
		FROM effectiveness
		ORDER BY strategy, reconciled_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}
	defer rows.Close()
	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var w float64
		if err := rows.Scan(&name, &w); err != nil {
			return nil, err
		}
		out[name] = w
	}
	return out, rows.Err()
}

func (s *PostgresSink) Close() error { return s.db.Close() }

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
