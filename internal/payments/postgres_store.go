package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/taskescrow/internal/escrow"
	"github.com/mbd888/taskescrow/internal/events"
)

// PostgresStore persists payments in PostgreSQL.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

const paymentColumns = `id, task_id, from_agent_id, to_agent_id, amount, currency, status,
	transaction_id, authorization_id, pending_op, pending_tx_id,
	metadata, messages, created_at, updated_at, completed_at`

func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	metadata, messages, err := encodeMaps(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		p.ID, p.TaskID, p.FromAgentID, p.ToAgentID, p.Amount, p.Currency, string(p.Status),
		p.TransactionID, p.AuthorizationID, p.PendingOp, p.PendingTxID,
		metadata, messages, p.CreatedAt, p.UpdatedAt, nullTime(p.CompletedAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicatePayment
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

func (s *PostgresStore) Transition(ctx context.Context, id string, t Transition) (*Payment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
	current, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	applied, err := apply(next, t, s.now())
	if err != nil {
		return current, err
	}
	if !applied {
		return current, nil
	}

	metadata, messages, err := encodeMaps(next)
	if err != nil {
		return current, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE payments SET
			status = $1, transaction_id = $2, authorization_id = $3,
			pending_op = $4, pending_tx_id = $5,
			metadata = $6, messages = $7, updated_at = $8, completed_at = $9
		WHERE id = $10`,
		string(next.Status), next.TransactionID, next.AuthorizationID,
		next.PendingOp, next.PendingTxID,
		metadata, messages, next.UpdatedAt, nullTime(next.CompletedAt),
		id,
	)
	if err != nil {
		return current, fmt.Errorf("update payment %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return current, err
	}
	return next, nil
}

func (s *PostgresStore) ListByTask(ctx context.Context, taskID string, limit int, opts ...ListOption) ([]*Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	o := applyListOpts(opts)

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE task_id = $1`
	args := []any{taskID}
	if o.after != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, o.after.CreatedAt, o.after.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + strconv.Itoa(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]*Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE pending_tx_id <> ''
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (*Payment, error) {
	var (
		p                  Payment
		status             string
		metadata, messages []byte
		completedAt        sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.TaskID, &p.FromAgentID, &p.ToAgentID, &p.Amount, &p.Currency, &status,
		&p.TransactionID, &p.AuthorizationID, &p.PendingOp, &p.PendingTxID,
		&metadata, &messages, &p.CreatedAt, &p.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = escrow.Status(status)
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", p.ID, err)
		}
	}
	if len(messages) > 0 {
		p.Messages = make(map[events.MessageType]events.LifecycleMessage)
		if err := json.Unmarshal(messages, &p.Messages); err != nil {
			return nil, fmt.Errorf("decode messages of %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func encodeMaps(p *Payment) (metadata, messages []byte, err error) {
	md := p.Metadata
	if md == nil {
		md = map[string]any{}
	}
	if metadata, err = json.Marshal(md); err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	msgs := p.Messages
	if msgs == nil {
		msgs = map[events.MessageType]events.LifecycleMessage{}
	}
	if messages, err = json.Marshal(msgs); err != nil {
		return nil, nil, fmt.Errorf("encode messages: %w", err)
	}
	return metadata, messages, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
