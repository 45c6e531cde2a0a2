package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/broadcast"
	"autotrader/internal/store"
)

// Service 负责持久化广播事件，使决策轨迹在进程重启后仍可回放。
// 它同时实现 broadcast.Sink，写入失败只记录日志。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     st.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	user_id TEXT,
	symbol TEXT,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
CREATE INDEX IF NOT EXISTS idx_monitor_events_user ON monitor_events(user_id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Broadcast 实现 broadcast.Sink。
func (s *Service) Broadcast(event broadcast.Event) {
	if err := s.record(context.Background(), event); err != nil {
		s.logger.Warn("记录广播事件失败", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, event broadcast.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, user_id, symbol, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(event.Type), event.UserID, event.Symbol, string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType broadcast.EventType, limit int) ([]broadcast.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, COALESCE(user_id, ''), COALESCE(symbol, ''), payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]broadcast.Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			userID  string
			symbol  string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &userID, &symbol, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, broadcast.Event{
			Type:      broadcast.EventType(typ),
			UserID:    userID,
			Symbol:    symbol,
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
