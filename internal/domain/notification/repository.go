package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const notificationColumns = `id, user_id, title, message, type, COALESCE(related_id::text, ''),
	is_read, created_at, effective_at`

// Repository stores notifications in PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Sink = (*Repository)(nil)

// NewRepository creates a notification repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Insert stores n unless a notification for its source event already exists.
func (r *Repository) Insert(ctx context.Context, n *Notification) (bool, error) {
	query := `
		INSERT INTO notifications
		(id, user_id, title, message, type, related_id, source_event, created_at, effective_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::uuid, NULLIF($7, '')::uuid, $8, $9)
		ON CONFLICT (source_event) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		n.ID, n.UserID, n.Title, n.Message, n.Type,
		n.RelatedID, n.SourceEvent, n.CreatedAt, n.EffectiveAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListForUser returns the user's notifications, newest first.
func (r *Repository) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1 AND ($2 = FALSE OR is_read = FALSE)
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, userID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return collect(rows)
}

// MarkRead marks one of the user's notifications as read.
func (r *Repository) MarkRead(ctx context.Context, id, userID string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Due returns notifications whose effective time falls in [from, to), for
// reminder digests.
func (r *Repository) Due(ctx context.Context, from, to time.Time) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE effective_at >= $1 AND effective_at < $2
		ORDER BY effective_at`

	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("due notifications: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*Notification, error) {
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n := &Notification{}
		if err := rows.Scan(
			&n.ID, &n.UserID, &n.Title, &n.Message, &n.Type, &n.RelatedID,
			&n.IsRead, &n.CreatedAt, &n.EffectiveAt,
		); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
