// Package redisstore keeps job rows in Redis hashes and streams changes
// over Redis pub/sub.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/document-pipeline/internal/models"
	"github.com/feichai0017/document-pipeline/pkg/jobstore"
	"github.com/feichai0017/document-pipeline/pkg/logger"
)

// Config 定义 Redis 存储配置
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// RowTTL bounds how long a document's rows live after their last update.
	RowTTL time.Duration `yaml:"rowTTL"`
}

type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

func rowsKey(documentID string) string     { return fmt.Sprintf("jobs:%s", documentID) }
func versionsKey(documentID string) string { return fmt.Sprintf("jobs:%s:versions", documentID) }
func changesKey(documentID string) string  { return fmt.Sprintf("jobs:%s:changes", documentID) }

// New connects to Redis and checks the connection.
func New(ctx context.Context, cfg *Config, log logger.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewFromClient(client, cfg.RowTTL, log), nil
}

func NewFromClient(client *redis.Client, ttl time.Duration, log logger.Logger) *Store {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Store{client: client, ttl: ttl, logger: log.Named("redis-jobstore")}
}

func (s *Store) FetchAll(ctx context.Context, documentID string) ([]models.JobRecord, error) {
	fields, err := s.client.HGetAll(ctx, rowsKey(documentID)).Result()
	if err != nil {
		return nil, jobstore.Transport("fetch", err)
	}
	if len(fields) == 0 {
		return nil, jobstore.ErrNotFound
	}

	records := make([]models.JobRecord, 0, len(fields))
	for field, raw := range fields {
		var rec models.JobRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.logger.Warn("Skipping undecodable job row",
				logger.String("documentId", documentID),
				logger.String("stage", field),
				logger.Error(err),
			)
			continue
		}
		records = append(records, rec)
	}
	jobstore.SortByUpdate(records)
	return records, nil
}

func (s *Store) Subscribe(ctx context.Context, documentID string, onChange func(models.JobRecord)) (jobstore.Subscription, error) {
	ps := s.client.Subscribe(ctx, changesKey(documentID))
	// wait for the confirmation so the channel is live when we return
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, jobstore.Transport("subscribe", err)
	}

	feed := jobstore.NewFeed(func() {
		if err := ps.Close(); err != nil {
			s.logger.Debug("Closing pubsub", logger.Error(err))
		}
	})

	go func() {
		for msg := range ps.Channel() {
			var rec models.JobRecord
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				s.logger.Warn("Dropping undecodable change event",
					logger.String("channel", msg.Channel),
					logger.Error(err),
				)
				continue
			}
			if rec.DocumentID != documentID {
				continue
			}
			if !feed.Deliver(func() { onChange(rec) }) {
				return
			}
		}
		// Channel() only closes once the pubsub is closed
		feed.Cancel()
	}()

	return feed, nil
}

// maxUpsertAttempts bounds the optimistic retries of one Upsert. Every
// failed attempt means another writer committed to the same document.
const maxUpsertAttempts = 64

// Upsert reads the current row and version under WATCH and writes the new
// row, its version and the change event in one MULTI, retrying when another
// writer got in between.
func (s *Store) Upsert(ctx context.Context, rec models.JobRecord) (models.JobRecord, error) {
	field := string(rec.Stage)
	if rec.Stage == models.StageUnknown && rec.RawStage != "" {
		field = rec.RawStage
	}
	rows, versions := rowsKey(rec.DocumentID), versionsKey(rec.DocumentID)

	var (
		stored    models.JobRecord
		encodeErr error
	)
	write := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, rows, field).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var prev models.JobRecord
			if err := json.Unmarshal([]byte(cur), &prev); err == nil && jobstore.Finished(prev.Status) {
				return jobstore.ErrFinalized
			}
		}

		version, err := tx.HGet(ctx, versions, field).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		next := rec
		next.Version = version + 1
		next.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(next)
		if err != nil {
			encodeErr = fmt.Errorf("failed to marshal job record: %w", err)
			return encodeErr
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rows, field, payload)
			pipe.HSet(ctx, versions, field, next.Version)
			pipe.Expire(ctx, rows, s.ttl)
			pipe.Expire(ctx, versions, s.ttl)
			pipe.Publish(ctx, changesKey(rec.DocumentID), payload)
			return nil
		})
		if err == nil {
			stored = next
		}
		return err
	}

	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		err := s.client.Watch(ctx, write, rows, versions)
		switch {
		case err == nil:
			return stored, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, jobstore.ErrFinalized), encodeErr != nil:
			return rec, err
		default:
			return rec, jobstore.Transport("upsert", err)
		}
	}
	return rec, jobstore.Transport("upsert", fmt.Errorf("row %s/%s still contended after %d attempts", rec.DocumentID, field, maxUpsertAttempts))
}

func (s *Store) Close() error {
	return s.client.Close()
}
