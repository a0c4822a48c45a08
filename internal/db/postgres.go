package db

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/botwall/internal/store"
	"github.com/rawblock/botwall/pkg/models"
)

// schemaSQL is compiled into the binary at build time.
// This ensures schema init works inside the Docker runtime image which
// does not copy internal/db/schema.sql into the final stage.
//
//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("[DB] Successfully connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("[DB] Detection schema initialized")
	return nil
}

// SaveDetectionEvent persists one hash-only detection summary.
func (s *PostgresStore) SaveDetectionEvent(ctx context.Context, ev models.DetectionEvent) error {
	sql := `
		INSERT INTO detection_events
			(request_id, occurred_at, method, path, primary_sig, bot_probability,
			 confidence, risk_band, bot_type, bot_name, action_kind, action_policy,
			 policy_name, early_exit, processing_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
	`
	_, err := s.pool.Exec(ctx, sql,
		ev.RequestID,
		time.UnixMilli(ev.TimestampMs),
		ev.Method,
		ev.Path,
		ev.PrimarySignature,
		ev.BotProbability,
		ev.Confidence,
		string(ev.RiskBand),
		string(ev.BotType),
		ev.BotName,
		ev.ActionKind,
		ev.ActionPolicy,
		ev.PolicyName,
		ev.EarlyExit,
		ev.ProcessingTimeMs,
	)
	return err
}

// SavePatternReputation upserts one decayed reputation row. Called on a
// slow cadence from the maintenance worker, not on the request path.
func (s *PostgresStore) SavePatternReputation(ctx context.Context, row store.PatternReputation) error {
	sql := `
		INSERT INTO pattern_reputation
			(pattern_type, pattern, occurrences, bot_occurrences, dirty_score, is_dirty, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (pattern_type, pattern) DO UPDATE SET
			occurrences = EXCLUDED.occurrences,
			bot_occurrences = EXCLUDED.bot_occurrences,
			dirty_score = EXCLUDED.dirty_score,
			is_dirty = EXCLUDED.is_dirty,
			last_updated = EXCLUDED.last_updated;
	`
	_, err := s.pool.Exec(ctx, sql,
		row.PatternType, row.Pattern, row.Occurrences, row.BotOccurrences,
		row.DirtyScore, row.IsDirty, row.LastUpdated)
	return err
}

// LoadDirtyPatterns warm-starts the in-memory reputation table with every
// pattern that was dirty when the previous process stopped.
func (s *PostgresStore) LoadDirtyPatterns(ctx context.Context) ([]store.PatternReputation, error) {
	sql := `
		SELECT pattern_type, pattern, occurrences, bot_occurrences, dirty_score, is_dirty, last_updated
		FROM pattern_reputation
		WHERE is_dirty = TRUE;
	`
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.PatternReputation, 0)
	for rows.Next() {
		var r store.PatternReputation
		if err := rows.Scan(&r.PatternType, &r.Pattern, &r.Occurrences,
			&r.BotOccurrences, &r.DirtyScore, &r.IsDirty, &r.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveDetectorWeight upserts one learned weight row.
func (s *PostgresStore) SaveDetectorWeight(ctx context.Context, w store.DetectorWeight) error {
	sql := `
		INSERT INTO detector_weights
			(detector_name, base_weight, current_weight, true_positive,
			 false_positive, true_negative, false_negative, auto_adjust, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (detector_name) DO UPDATE SET
			base_weight = EXCLUDED.base_weight,
			current_weight = EXCLUDED.current_weight,
			true_positive = EXCLUDED.true_positive,
			false_positive = EXCLUDED.false_positive,
			true_negative = EXCLUDED.true_negative,
			false_negative = EXCLUDED.false_negative,
			auto_adjust = EXCLUDED.auto_adjust,
			updated_at = NOW();
	`
	_, err := s.pool.Exec(ctx, sql,
		w.Name, w.BaseWeight, w.CurrentWeight, w.TruePositive,
		w.FalsePositive, w.TrueNegative, w.FalseNegative, w.AutoAdjust)
	return err
}

// LoadDetectorWeights returns every persisted weight row for warm-start.
func (s *PostgresStore) LoadDetectorWeights(ctx context.Context) ([]store.DetectorWeight, error) {
	sql := `
		SELECT detector_name, base_weight, current_weight, true_positive,
		       false_positive, true_negative, false_negative, auto_adjust
		FROM detector_weights;
	`
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.DetectorWeight, 0)
	for rows.Next() {
		var w store.DetectorWeight
		if err := rows.Scan(&w.Name, &w.BaseWeight, &w.CurrentWeight, &w.TruePositive,
			&w.FalsePositive, &w.TrueNegative, &w.FalseNegative, &w.AutoAdjust); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// RecentDetections pages through the event log, newest first, for the
// admin API.
func (s *PostgresStore) RecentDetections(ctx context.Context, page, limit int) ([]models.DetectionEvent, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM detection_events`).Scan(&total); err != nil {
		return nil, 0, err
	}

	sql := `
		SELECT request_id, occurred_at, method, path, primary_sig, bot_probability,
		       confidence, risk_band, bot_type, bot_name, action_kind, action_policy,
		       policy_name, early_exit, processing_ms
		FROM detection_events
		ORDER BY occurred_at DESC
		LIMIT $1 OFFSET $2;
	`
	rows, err := s.pool.Query(ctx, sql, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	events := make([]models.DetectionEvent, 0, limit)
	for rows.Next() {
		var ev models.DetectionEvent
		var occurred time.Time
		var band, botType string
		if err := rows.Scan(&ev.RequestID, &occurred, &ev.Method, &ev.Path,
			&ev.PrimarySignature, &ev.BotProbability, &ev.Confidence, &band,
			&botType, &ev.BotName, &ev.ActionKind, &ev.ActionPolicy,
			&ev.PolicyName, &ev.EarlyExit, &ev.ProcessingTimeMs); err != nil {
			return nil, 0, err
		}
		ev.TimestampMs = occurred.UnixMilli()
		ev.RiskBand = models.RiskBand(band)
		ev.BotType = models.BotType(botType)
		events = append(events, ev)
	}
	return events, total, rows.Err()
}

// GetPool exposes the connection pool for subsystems that need raw access.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}
