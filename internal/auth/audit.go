package auth

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nao1215/edgeauth/pkg/event"
)

// AuditLog は監査イベントをauth_eventsテーブルに追記する。
// 追記のみで、更新や削除は行わない。
type AuditLog struct {
	db *sql.DB
}

// NewAuditLog は新しいAuditLogを生成する。
func NewAuditLog(db *sql.DB) *AuditLog {
	return &AuditLog{db: db}
}

// Append はイベントを1件追記する。
func (a *AuditLog) Append(ctx context.Context, e *event.Event) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO auth_events (id, aggregate_id, aggregate_type, event_type, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.AggregateID, string(e.AggregateType), string(e.EventType), string(e.Data), toMillis(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("監査イベントの追記に失敗: %w", err)
	}
	return nil
}

// ListByAggregate は対象エンティティのイベントを古い順に返す。
func (a *AuditLog) ListByAggregate(ctx context.Context, aggregateID string) ([]*event.Event, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, data, created_at
		FROM auth_events WHERE aggregate_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		aggregateID,
	)
	if err != nil {
		return nil, fmt.Errorf("監査イベントの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*event.Event
	for rows.Next() {
		var (
			e              event.Event
			aggType, eType string
			data           string
			createdAt      int64
		)
		if err := rows.Scan(&e.ID, &e.AggregateID, &aggType, &eType, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("監査イベントの読み取りに失敗: %w", err)
		}
		e.AggregateType = event.AggregateType(aggType)
		e.EventType = event.Type(eType)
		e.Data = []byte(data)
		e.CreatedAt = fromMillis(createdAt)
		events = append(events, &e)
	}
	return events, rows.Err()
}
