package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/flowdeploy/internal/domain"
)

const runColumns = `
	id, flow_id, type, active, status,
	COALESCE(container_id, ''), COALESCE(lock, ''),
	actors, events, started_at, finished_at, meta, created_at
`

// RunRepo — репозиторий для работы с flow_runs.
//
// Флаг active меняют только Activate и Deactivate (их вызывает оркестратор).
// ApplyUpdate (обработчик событий) меняет статус, время и данные runtime,
// но никогда не трогает active.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

// RunUpdate — изменения run по событию runtime. nil-поля не изменяются.
type RunUpdate struct {
	Status      *domain.RunStatus
	ContainerID *string
	Lock        *string
	Actors      []string
	Events      []string
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Meta        map[string]any
}

// Activate делает run активным для своего (flow, type).
//
// В одной транзакции: блокирует строку flow, деактивирует предыдущий
// активный run того же типа (active=false, finished_at=now), вставляет новый
// и вызывает issue. Если issue вернул ошибку, ничего не записывается.
// Возвращает деактивированные runs.
func (r *RunRepo) Activate(ctx context.Context, run *domain.FlowRun, issue func(ctx context.Context) error) ([]domain.FlowRun, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Сериализуем конкурентные deploy одного flow
	var locked uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM flows WHERE id = $1 FOR UPDATE`, run.FlowID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock flow: %w", err)
	}

	rows, err := tx.Query(ctx, `
		UPDATE flow_runs
		SET active = FALSE, finished_at = COALESCE(finished_at, $3)
		WHERE flow_id = $1 AND type = $2 AND active
		RETURNING `+runColumns,
		run.FlowID, string(run.Type), run.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("deactivate previous runs: %w", err)
	}
	superseded, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO flow_runs (id, flow_id, type, active, status, started_at, created_at)
		VALUES ($1, $2, $3, TRUE, $4, $5, $6)
	`,
		run.ID,
		run.FlowID,
		string(run.Type),
		string(run.Status),
		run.StartedAt,
		run.CreatedAt,
	)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert run: %w", err)
	}

	if issue != nil {
		if err := issue(ctx); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return superseded, nil
}

// GetByID возвращает run по ID.
func (r *RunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.FlowRun, error) {
	query := `SELECT ` + runColumns + ` FROM flow_runs WHERE id = $1`
	return scanRun(r.pool.QueryRow(ctx, query, id))
}

// GetLatestByContainerID возвращает самый свежий run с данным container_id.
func (r *RunRepo) GetLatestByContainerID(ctx context.Context, containerID string) (*domain.FlowRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM flow_runs
		WHERE container_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanRun(r.pool.QueryRow(ctx, query, containerID))
}

// GetActive возвращает активный run данного типа.
func (r *RunRepo) GetActive(ctx context.Context, flowID uuid.UUID, runType domain.RunType) (*domain.FlowRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM flow_runs
		WHERE flow_id = $1 AND type = $2 AND active
	`
	return scanRun(r.pool.QueryRow(ctx, query, flowID, string(runType)))
}

// ListActive возвращает все активные runs flow (любого типа).
func (r *RunRepo) ListActive(ctx context.Context, flowID uuid.UUID) ([]domain.FlowRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM flow_runs
		WHERE flow_id = $1 AND active
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, flowID)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	return scanRuns(rows)
}

// ListByFlow возвращает последние runs flow.
func (r *RunRepo) ListByFlow(ctx context.Context, flowID uuid.UUID, limit int) ([]domain.FlowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + runColumns + `
		FROM flow_runs
		WHERE flow_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, flowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return scanRuns(rows)
}

// Deactivate снимает флаг active и выставляет статус и finished_at.
// Возвращает false, если run уже был неактивен (кто-то успел раньше).
func (r *RunRepo) Deactivate(ctx context.Context, id uuid.UUID, status domain.RunStatus, at time.Time) (bool, error) {
	query := `
		UPDATE flow_runs
		SET active = FALSE, status = $2, finished_at = $3
		WHERE id = $1 AND active
	`
	result, err := r.pool.Exec(ctx, query, id, string(status), at)
	if err != nil {
		return false, fmt.Errorf("deactivate run: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// SetStatus выставляет статус run.
func (r *RunRepo) SetStatus(ctx context.Context, id uuid.UUID, status domain.RunStatus) error {
	query := `UPDATE flow_runs SET status = $2 WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("set run status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyUpdate точечно обновляет run по первичному ключу.
func (r *RunRepo) ApplyUpdate(ctx context.Context, id uuid.UUID, upd RunUpdate) error {
	var metaJSON []byte
	if upd.Meta != nil {
		var err error
		metaJSON, err = json.Marshal(upd.Meta)
		if err != nil {
			return fmt.Errorf("marshal meta: %w", err)
		}
	}

	var status *string
	if upd.Status != nil {
		s := string(*upd.Status)
		status = &s
	}

	query := `
		UPDATE flow_runs
		SET status = COALESCE($2, status),
			container_id = COALESCE($3, container_id),
			lock = COALESCE($4, lock),
			actors = COALESCE($5, actors),
			events = COALESCE($6, events),
			started_at = COALESCE($7, started_at),
			finished_at = COALESCE($8, finished_at),
			meta = COALESCE($9::jsonb, meta)
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		id,
		status,
		upd.ContainerID,
		upd.Lock,
		upd.Actors,
		upd.Events,
		upd.StartedAt,
		upd.FinishedAt,
		jsonArg(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("apply run update: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Вспомогательные методы ---

func scanRun(row pgx.Row) (*domain.FlowRun, error) {
	var run domain.FlowRun
	var runType, status string
	var meta []byte

	err := row.Scan(
		&run.ID,
		&run.FlowID,
		&runType,
		&run.Active,
		&status,
		&run.ContainerID,
		&run.Lock,
		&run.Actors,
		&run.Events,
		&run.StartedAt,
		&run.FinishedAt,
		&meta,
		&run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.Type = domain.RunType(runType)
	run.Status = domain.RunStatus(status)

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &run.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal meta: %w", err)
		}
	}
	return &run, nil
}

func scanRuns(rows pgx.Rows) ([]domain.FlowRun, error) {
	defer rows.Close()

	var runs []domain.FlowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}
