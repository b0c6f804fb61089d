package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/flowdeploy/internal/domain"
)

const pendingColumns = `id, flow_id, flow_run_id, action, payload, created_at, expires_at`

// PendingRepo — очередь команд, ждущих container_id.
//
// Take* удаляют строки через DELETE ... RETURNING, поэтому одну
// команду забирает ровно один обработчик.
type PendingRepo struct {
	pool *pgxpool.Pool
}

// NewPendingRepo создаёт новый PendingRepo.
func NewPendingRepo(pool *pgxpool.Pool) *PendingRepo {
	return &PendingRepo{pool: pool}
}

// Enqueue добавляет отложенную команду.
func (r *PendingRepo) Enqueue(ctx context.Context, cmd *domain.PendingCommand) error {
	payloadJSON, err := json.Marshal(cmd.Payload)
	if err != nil {
		return fmt.Errorf("marshal pending payload: %w", err)
	}

	query := `
		INSERT INTO pending_commands (` + pendingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.pool.Exec(ctx, query,
		cmd.ID,
		cmd.FlowID,
		cmd.RunID,
		cmd.Action,
		string(payloadJSON),
		cmd.CreatedAt,
		cmd.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert pending command: %w", err)
	}
	return nil
}

// TakeForRun забирает все команды run, включая истёкшие,
// которые планировщик ещё не снял.
func (r *PendingRepo) TakeForRun(ctx context.Context, runID uuid.UUID) ([]domain.PendingCommand, error) {
	query := `
		DELETE FROM pending_commands
		WHERE flow_run_id = $1
		RETURNING ` + pendingColumns
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("take pending commands: %w", err)
	}
	return scanPending(rows)
}

// TakeExpired забирает команды, у которых истёк срок ожидания.
func (r *PendingRepo) TakeExpired(ctx context.Context, now time.Time, limit int) ([]domain.PendingCommand, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		DELETE FROM pending_commands
		WHERE id IN (
			SELECT id FROM pending_commands
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + pendingColumns
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("take expired commands: %w", err)
	}
	return scanPending(rows)
}

func scanPending(rows pgx.Rows) ([]domain.PendingCommand, error) {
	defer rows.Close()

	var cmds []domain.PendingCommand
	for rows.Next() {
		var cmd domain.PendingCommand
		var payloadJSON []byte

		if err := rows.Scan(
			&cmd.ID,
			&cmd.FlowID,
			&cmd.RunID,
			&cmd.Action,
			&payloadJSON,
			&cmd.CreatedAt,
			&cmd.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("scan pending command: %w", err)
		}

		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &cmd.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal pending payload: %w", err)
			}
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}
