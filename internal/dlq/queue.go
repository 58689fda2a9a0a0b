package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rohankatakam/sterisafe/internal/storage"
	"golang.org/x/time/rate"
)

// DefaultMaxRetries is how many replays an entry gets before it is
// considered exhausted
const DefaultMaxRetries = 5

// Entry represents a dead letter queue entry
type Entry struct {
	ID           string
	Topic        string
	Key          string
	Payload      []byte
	ErrorMessage string
	RetryCount   int
	LastRetryAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Metadata     map[string]interface{}
}

type entryRow struct {
	ID           string     `db:"id"`
	Topic        string     `db:"topic"`
	Key          string     `db:"event_key"`
	Payload      string     `db:"payload"`
	ErrorMessage string     `db:"error_message"`
	RetryCount   int        `db:"retry_count"`
	LastRetryAt  *time.Time `db:"last_retry_at"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	Metadata     string     `db:"metadata"`
}

// Publisher is the part of an event bus replay needs
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Queue parks events the bus refused so they can be replayed later
type Queue struct {
	db      *sqlx.DB
	logger  *slog.Logger
	limiter *rate.Limiter
	now     func() time.Time
}

// Option configures a Queue
type Option func(*Queue)

// WithRateLimit bounds how fast Replay republishes
func WithRateLimit(perSecond float64, burst int) Option {
	return func(q *Queue) {
		if perSecond > 0 && burst > 0 {
			q.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates a new DLQ manager
func NewQueue(db *sqlx.DB, opts ...Option) *Queue {
	q := &Queue{
		db:      db,
		logger:  slog.Default().With("component", "dlq"),
		limiter: rate.NewLimiter(rate.Limit(20), 5),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a failed publish to the DLQ.
// If the same topic and key are already parked, increments retry_count.
func (q *Queue) Enqueue(ctx context.Context, topic, key string, payload []byte, cause error) error {
	return q.EnqueueWithMetadata(ctx, topic, key, payload, cause, nil)
}

// EnqueueWithMetadata is Enqueue with extra context stored alongside
func (q *Queue) EnqueueWithMetadata(ctx context.Context, topic, key string, payload []byte, cause error, metadata map[string]interface{}) error {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	errorMsg := ""
	if cause != nil {
		errorMsg = cause.Error()
	}
	now := q.now().UTC()

	_, err = q.db.ExecContext(ctx, q.db.Rebind(`
		INSERT INTO dead_letter_queue (id, topic, event_key, payload, error_message, retry_count, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT (topic, event_key) DO UPDATE
		SET retry_count = dead_letter_queue.retry_count + 1,
		    payload = EXCLUDED.payload,
		    error_message = EXCLUDED.error_message,
		    updated_at = EXCLUDED.updated_at,
		    last_retry_at = EXCLUDED.updated_at,
		    metadata = EXCLUDED.metadata
	`), uuid.NewString(), topic, key, string(payload), errorMsg, now, now, string(metadataJSON))
	if err != nil {
		return storage.MapError(err, "enqueue event to DLQ")
	}

	q.logger.Warn("event enqueued to DLQ",
		"topic", topic,
		"key", key,
		"error", errorMsg,
	)
	return nil
}

// Pending returns entries that still have retries left, oldest first
func (q *Queue) Pending(ctx context.Context, maxRetries, limit int) ([]Entry, error) {
	query := `SELECT * FROM dead_letter_queue WHERE retry_count < ? ORDER BY created_at ASC, id ASC`
	args := []interface{}{maxRetries}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return q.selectEntries(ctx, "query DLQ", query, args...)
}

// Recent returns the N most recently touched entries for review
func (q *Queue) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return q.selectEntries(ctx, "query recent DLQ entries",
		`SELECT * FROM dead_letter_queue ORDER BY updated_at DESC, id ASC LIMIT ?`, limit)
}

func (q *Queue) selectEntries(ctx context.Context, op, query string, args ...interface{}) ([]Entry, error) {
	var rows []entryRow
	if err := q.db.SelectContext(ctx, &rows, q.db.Rebind(query), args...); err != nil {
		return nil, storage.MapError(err, op)
	}

	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e := Entry{
			ID:           r.ID,
			Topic:        r.Topic,
			Key:          r.Key,
			Payload:      []byte(r.Payload),
			ErrorMessage: r.ErrorMessage,
			RetryCount:   r.RetryCount,
			LastRetryAt:  r.LastRetryAt,
			CreatedAt:    r.CreatedAt.UTC(),
			UpdatedAt:    r.UpdatedAt.UTC(),
			Metadata:     make(map[string]interface{}),
		}
		if r.Metadata != "" {
			if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
				q.logger.Warn("failed to unmarshal metadata", "entry_id", r.ID, "error", err)
				e.Metadata = make(map[string]interface{})
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// MarkDelivered removes an entry after a successful replay
func (q *Queue) MarkDelivered(ctx context.Context, id string) error {
	result, err := q.db.ExecContext(ctx, q.db.Rebind(`DELETE FROM dead_letter_queue WHERE id = ?`), id)
	if err != nil {
		return storage.MapError(err, "delete DLQ entry")
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		q.logger.Info("event delivered and removed from DLQ", "entry_id", id)
	}
	return nil
}

func (q *Queue) recordFailure(ctx context.Context, id string, cause error) error {
	now := q.now().UTC()
	_, err := q.db.ExecContext(ctx, q.db.Rebind(`
		UPDATE dead_letter_queue
		SET retry_count = retry_count + 1, error_message = ?, last_retry_at = ?, updated_at = ?
		WHERE id = ?
	`), cause.Error(), now, now, id)
	if err != nil {
		return storage.MapError(err, "record DLQ retry")
	}
	return nil
}

// ReplayResult summarizes one replay pass
type ReplayResult struct {
	Attempted int
	Delivered int
	Failed    int
}

// Replay republishes pending entries through pub at the configured rate.
// Delivered entries are removed; failures bump their retry count.
func (q *Queue) Replay(ctx context.Context, pub Publisher, maxRetries int) (ReplayResult, error) {
	var result ReplayResult
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	pending, err := q.Pending(ctx, maxRetries, 0)
	if err != nil {
		return result, err
	}

	for _, e := range pending {
		if err := q.limiter.Wait(ctx); err != nil {
			return result, err
		}
		result.Attempted++

		if pubErr := pub.Publish(ctx, e.Topic, e.Payload); pubErr != nil {
			result.Failed++
			q.logger.Warn("DLQ replay failed", "entry_id", e.ID, "topic", e.Topic, "error", pubErr)
			if err := q.recordFailure(ctx, e.ID, pubErr); err != nil {
				return result, err
			}
			continue
		}

		if err := q.MarkDelivered(ctx, e.ID); err != nil {
			return result, err
		}
		result.Delivered++
	}

	if result.Attempted > 0 {
		q.logger.Info("DLQ replay finished",
			"attempted", result.Attempted,
			"delivered", result.Delivered,
			"failed", result.Failed,
		)
	}
	return result, nil
}

// Stats contains DLQ statistics
type Stats struct {
	TotalEntries     int `db:"total"`
	RetryableEntries int `db:"retryable"`
	ExhaustedRetries int `db:"exhausted"`
}

// Stats counts entries by whether they have retries left
func (q *Queue) Stats(ctx context.Context, maxRetries int) (*Stats, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	var stats Stats
	err := q.db.GetContext(ctx, &stats, q.db.Rebind(`
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN retry_count < ? THEN 1 ELSE 0 END), 0) AS retryable,
			COALESCE(SUM(CASE WHEN retry_count >= ? THEN 1 ELSE 0 END), 0) AS exhausted
		FROM dead_letter_queue
	`), maxRetries, maxRetries)
	if err != nil {
		return nil, storage.MapError(err, "get DLQ stats")
	}
	return &stats, nil
}

// PurgeOld removes DLQ entries older than the specified duration
func (q *Queue) PurgeOld(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan).UTC()

	result, err := q.db.ExecContext(ctx, q.db.Rebind(`DELETE FROM dead_letter_queue WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, storage.MapError(err, "purge old DLQ entries")
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		q.logger.Info("purged old DLQ entries",
			"count", rows,
			"older_than", olderThan,
		)
	}
	return int(rows), nil
}
