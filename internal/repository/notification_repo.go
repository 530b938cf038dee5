package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	mqcontracts "podnotify/contracts/mq"
	"podnotify/internal/notification"
	"podnotify/pkg/logger"
	"podnotify/pkg/metrics"
	"podnotify/pkg/mq"
	"podnotify/pkg/outbox"
	"podnotify/pkg/trace"
)

const notificationColumns = `id::text, user_id, type, title, message, read,
       COALESCE(action_url, ''), metadata, created_at`

// NotificationRepository 基于 Postgres 的通知存储，新通知和 outbox 事件写在同一个事务里
type NotificationRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
	logger *zap.Logger
}

func NewNotificationRepository(db *pgxpool.Pool, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:     db,
		outbox: outbox.NewRepository(db),
		logger: logger,
	}
}

// Fetch 返回用户全部通知，最新在前
func (r *NotificationRepository) Fetch(ctx context.Context, userID string) ([]notification.Notification, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQueryDuration("select", "notifications", time.Since(start)) }()

	rows, err := r.db.Query(ctx, `SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []notification.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Insert 插入通知并写入 notification.created outbox 事件
func (r *NotificationRepository) Insert(ctx context.Context, d notification.Draft) (notification.Notification, error) {
	if err := d.Validate(); err != nil {
		return notification.Notification{}, err
	}

	start := time.Now()
	defer func() { metrics.RecordDBQueryDuration("insert", "notifications", time.Since(start)) }()

	metadata, err := encodeMetadata(d.Metadata)
	if err != nil {
		return notification.Notification{}, err
	}

	var n notification.Notification
	err = pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO notifications (user_id, type, title, message, action_url, metadata)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
			RETURNING `+notificationColumns,
			d.UserID, string(d.Type), d.Title, d.Message, d.ActionURL, metadata,
		)
		var err error
		n, err = scanNotification(row)
		if err != nil {
			return fmt.Errorf("failed to insert notification: %w", err)
		}

		payload := mqcontracts.NotificationCreatedPayload{
			TraceID:      trace.FromContext(ctx),
			Notification: n,
		}
		return outbox.InsertEventInTx(ctx, tx, r.outbox, "notification", &n.ID, mq.RoutingNotificationCreated, payload)
	})
	if err != nil {
		return notification.Notification{}, err
	}

	logger.WithTrace(ctx, r.logger).Info("Notification inserted",
		zap.String("id", n.ID),
		zap.String("user_id", n.UserID),
		zap.String("type", string(n.Type)),
	)
	return n, nil
}

// MarkRead 只把属于该用户的未读通知改为已读；已读再次调用不算错误
func (r *NotificationRepository) MarkRead(ctx context.Context, userID, id string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQueryDuration("update", "notifications", time.Since(start)) }()

	var exists bool
	err := r.db.QueryRow(ctx, `
		WITH updated AS (
			UPDATE notifications SET read = TRUE
			WHERE id::text = $1 AND user_id = $2 AND read = FALSE
			RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM updated)
		    OR EXISTS (SELECT 1 FROM notifications WHERE id::text = $1 AND user_id = $2)
	`, id, userID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if !exists {
		return notification.ErrNotFound
	}
	return nil
}

func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQueryDuration("update", "notifications", time.Since(start)) }()

	tag, err := r.db.Exec(ctx, `
		UPDATE notifications SET read = TRUE
		WHERE user_id = $1 AND read = FALSE
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to mark all notifications read: %w", err)
	}
	r.logger.Debug("Marked notifications read",
		zap.String("user_id", userID),
		zap.Int64("rows", tag.RowsAffected()),
	)
	return nil
}

func scanNotification(row pgx.Row) (notification.Notification, error) {
	var (
		n        notification.Notification
		typ      string
		metadata []byte
	)
	if err := row.Scan(
		&n.ID,
		&n.UserID,
		&typ,
		&n.Title,
		&n.Message,
		&n.Read,
		&n.ActionURL,
		&metadata,
		&n.CreatedAt,
	); err != nil {
		return notification.Notification{}, err
	}
	n.Type = notification.Type(typ)

	m, err := decodeMetadata(metadata)
	if err != nil {
		return notification.Notification{}, fmt.Errorf("notification %s: %w", n.ID, err)
	}
	n.Metadata = m
	return n, nil
}

// encodeMetadata 空 metadata 存为 SQL NULL
func encodeMetadata(m notification.Metadata) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return data, nil
}

// decodeMetadata SQL NULL 和 JSON null 都返回 nil
func decodeMetadata(raw []byte) (notification.Metadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m notification.Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
