// Package pgstore keeps job rows in Postgres and streams changes with
// LISTEN/NOTIFY.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/pkg/jobstore"
	"github.com/feichai0017/document-pipeline/pkg/logger"
)

const (
	notifyChannel = "processing_jobs"
	// NOTIFY payloads are capped at 8000 bytes by Postgres
	maxNotifyPayload = 7900
)

const schema = `
CREATE TABLE IF NOT EXISTS processing_jobs (
	document_id   TEXT        NOT NULL,
	stage         TEXT        NOT NULL,
	status        TEXT        NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	error_message TEXT,
	output_data   JSONB,
	version       BIGINT      NOT NULL DEFAULT 1,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (document_id, stage)
)`

// Config 定义 Postgres 连接池配置
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime time.Duration `yaml:"maxConnIdleTime"`
	DialTimeout     time.Duration `yaml:"dialTimeout"`
}

type Store struct {
	pool     *pgxpool.Pool
	listener *listener
	logger   logger.Logger
}

// Open creates the pool and ensures the schema exists.
func Open(ctx context.Context, cfg *Config, log logger.Logger) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "document-pipeline"

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log = log.Named("pg-jobstore")
	s := &Store{pool: pool, listener: newListener(pool, log), logger: log}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create processing_jobs table: %w", err)
	}
	return nil
}

func (s *Store) FetchAll(ctx context.Context, documentID string) ([]models.JobRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_id, stage, status, started_at, completed_at,
		       error_message, output_data, version, updated_at
		FROM processing_jobs
		WHERE document_id = $1
		ORDER BY updated_at, stage`, documentID)
	if err != nil {
		return nil, jobstore.Transport("fetch", err)
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, jobstore.Transport("fetch", err)
	}
	if len(records) == 0 {
		return nil, jobstore.ErrNotFound
	}
	return records, nil
}

func scanRecord(row pgx.CollectableRow) (models.JobRecord, error) {
	var (
		rec      models.JobRecord
		stage    string
		status   string
		errMsg   *string
		output   []byte
		started  *time.Time
		finished *time.Time
	)
	if err := row.Scan(&rec.DocumentID, &stage, &status, &started, &finished,
		&errMsg, &output, &rec.Version, &rec.UpdatedAt); err != nil {
		return rec, err
	}
	rec.Stage = models.ParseStage(stage)
	if rec.Stage == models.StageUnknown {
		rec.RawStage = stage
	}
	rec.Status = models.JobStatus(status)
	rec.StartedAt = started
	rec.CompletedAt = finished
	if errMsg != nil {
		rec.ErrorMessage = *errMsg
	}
	if len(output) > 0 {
		rec.OutputData = json.RawMessage(output)
	}
	return rec, nil
}

func (s *Store) Upsert(ctx context.Context, rec models.JobRecord) (models.JobRecord, error) {
	stage := string(rec.Stage)
	if rec.Stage == models.StageUnknown && rec.RawStage != "" {
		stage = rec.RawStage
	}
	var errMsg *string
	if rec.ErrorMessage != "" {
		errMsg = &rec.ErrorMessage
	}
	var output []byte
	if len(rec.OutputData) > 0 {
		output = rec.OutputData
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return rec, jobstore.Transport("upsert", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO processing_jobs
			(document_id, stage, status, started_at, completed_at, error_message, output_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (document_id, stage) DO UPDATE SET
			status        = EXCLUDED.status,
			started_at    = EXCLUDED.started_at,
			completed_at  = EXCLUDED.completed_at,
			error_message = EXCLUDED.error_message,
			output_data   = EXCLUDED.output_data,
			version       = processing_jobs.version + 1,
			updated_at    = now()
		WHERE processing_jobs.status NOT IN ('done', 'error')
		RETURNING version, updated_at`,
		rec.DocumentID, stage, string(rec.Status), rec.StartedAt, rec.CompletedAt, errMsg, output,
	).Scan(&rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// the conflicting row has finished and the update was skipped
		return rec, jobstore.ErrFinalized
	}
	if err != nil {
		return rec, jobstore.Transport("upsert", err)
	}

	payload, err := notifyPayload(rec)
	if err != nil {
		return rec, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, payload); err != nil {
		return rec, jobstore.Transport("upsert", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return rec, jobstore.Transport("upsert", err)
	}
	return rec, nil
}

// notifyPayload encodes rec, dropping the output blob if the result would
// not fit in a NOTIFY.
func notifyPayload(rec models.JobRecord) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job record: %w", err)
	}
	if len(data) <= maxNotifyPayload {
		return string(data), nil
	}
	rec.OutputData = nil
	data, err = json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job record: %w", err)
	}
	return string(data), nil
}

// Subscribe registers onChange with the store's shared listener, opening
// its LISTEN connection if no other subscription holds it.
func (s *Store) Subscribe(ctx context.Context, documentID string, onChange func(models.JobRecord)) (jobstore.Subscription, error) {
	return s.listener.subscribe(ctx, documentID, onChange)
}

func (s *Store) Close() error {
	s.listener.close()
	s.pool.Close()
	return nil
}
