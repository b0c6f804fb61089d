package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/flowdeploy/internal/domain"
)

// LogRepo — append-only хранилище flow_logs.
type LogRepo struct {
	pool *pgxpool.Pool
}

// NewLogRepo создаёт новый LogRepo.
func NewLogRepo(pool *pgxpool.Pool) *LogRepo {
	return &LogRepo{pool: pool}
}

// Append добавляет запись лога.
func (r *LogRepo) Append(ctx context.Context, entry *domain.FlowLog) error {
	var contextJSON []byte
	if entry.Context != nil {
		var err error
		contextJSON, err = json.Marshal(entry.Context)
		if err != nil {
			return fmt.Errorf("marshal log context: %w", err)
		}
	}

	query := `
		INSERT INTO flow_logs (id, flow_id, flow_run_id, level, message, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.pool.Exec(ctx, query,
		entry.ID,
		entry.FlowID,
		entry.RunID,
		string(entry.Level),
		entry.Message,
		jsonArg(contextJSON),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert flow log: %w", err)
	}
	return nil
}

// ListByFlow возвращает последние записи лога flow (новые первыми).
func (r *LogRepo) ListByFlow(ctx context.Context, flowID uuid.UUID, limit int) ([]domain.FlowLog, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, flow_id, flow_run_id, level, message, context, created_at
		FROM flow_logs
		WHERE flow_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, flowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list flow logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.FlowLog
	for rows.Next() {
		var entry domain.FlowLog
		var level string
		var contextJSON []byte

		if err := rows.Scan(
			&entry.ID,
			&entry.FlowID,
			&entry.RunID,
			&level,
			&entry.Message,
			&contextJSON,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan flow log: %w", err)
		}

		entry.Level = domain.LogLevel(level)
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &entry.Context); err != nil {
				return nil, fmt.Errorf("unmarshal log context: %w", err)
			}
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
