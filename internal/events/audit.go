package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/lib/pq"
)

// AuditLog stores every published message, keyed by message id.
type AuditLog interface {
	Append(ctx context.Context, msg LifecycleMessage, tags []string) error
	ListByThread(ctx context.Context, threadID string, limit int) ([]LifecycleMessage, error)
}

// AuditSink adapts an AuditLog to the bus.
type AuditSink struct {
	Log AuditLog
}

func (s AuditSink) Name() string { return "audit" }

func (s AuditSink) Deliver(ctx context.Context, msg LifecycleMessage, tags []string) error {
	return s.Log.Append(ctx, msg, tags)
}

// MemoryAuditLog is an in-process AuditLog.
type MemoryAuditLog struct {
	mu   sync.RWMutex
	msgs map[string]LifecycleMessage
	seq  map[string]int
	next int
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{
		msgs: make(map[string]LifecycleMessage),
		seq:  make(map[string]int),
	}
}

func (m *MemoryAuditLog) Append(_ context.Context, msg LifecycleMessage, _ []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seq[msg.ID]; !ok {
		m.seq[msg.ID] = m.next
		m.next++
	}
	m.msgs[msg.ID] = msg
	return nil
}

func (m *MemoryAuditLog) ListByThread(_ context.Context, threadID string, limit int) ([]LifecycleMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []LifecycleMessage
	for _, msg := range m.msgs {
		if msg.ThreadID == threadID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.seq[out[i].ID] < m.seq[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PostgresAuditLog persists messages in the lifecycle_events table.
type PostgresAuditLog struct {
	db *sql.DB
}

func NewPostgresAuditLog(db *sql.DB) *PostgresAuditLog {
	return &PostgresAuditLog{db: db}
}

func (p *PostgresAuditLog) Append(ctx context.Context, msg LifecycleMessage, tags []string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal audit body: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO lifecycle_events (
			message_id, type, payment_id, task_id, from_agent, to_agent,
			thread_id, occurred_at, tags, body
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (message_id) DO UPDATE SET
			type = EXCLUDED.type,
			from_agent = EXCLUDED.from_agent,
			to_agent = EXCLUDED.to_agent,
			thread_id = EXCLUDED.thread_id,
			occurred_at = EXCLUDED.occurred_at,
			tags = EXCLUDED.tags,
			body = EXCLUDED.body`,
		msg.ID, string(msg.Type), msg.PaymentID, msg.TaskID, msg.FromAgent, msg.ToAgent,
		msg.ThreadID, msg.Timestamp, pq.Array(tags), body,
	)
	if err != nil {
		return fmt.Errorf("insert lifecycle event %s: %w", msg.ID, err)
	}
	return nil
}

func (p *PostgresAuditLog) ListByThread(ctx context.Context, threadID string, limit int) ([]LifecycleMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT body FROM lifecycle_events
		WHERE thread_id = $1
		ORDER BY occurred_at ASC, id ASC
		LIMIT $2`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []LifecycleMessage
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var msg LifecycleMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode lifecycle event: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
