package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/flowdeploy/internal/domain"
)

// maxSlugAttempts — сколько суффиксов пробуем при конфликте slug.
const maxSlugAttempts = 50

const flowColumns = `
	id, name, slug, code, graph, status,
	COALESCE(container_id, ''), COALESCE(image, ''), COALESCE(entrypoint, ''),
	last_started_at, last_finished_at, archived_at, created_at, updated_at
`

// FlowRepo — репозиторий для работы с flows.
type FlowRepo struct {
	pool *pgxpool.Pool
}

// NewFlowRepo создаёт новый FlowRepo.
func NewFlowRepo(pool *pgxpool.Pool) *FlowRepo {
	return &FlowRepo{pool: pool}
}

// FlowUpdate — изменения flow, вызванные событием run.
// nil-поля не изменяются.
type FlowUpdate struct {
	Status         *domain.FlowStatus
	ContainerID    *string
	LastStartedAt  *time.Time
	LastFinishedAt *time.Time
}

// IsEmpty возвращает true, если обновлять нечего.
func (u FlowUpdate) IsEmpty() bool {
	return u.Status == nil && u.ContainerID == nil && u.LastStartedAt == nil && u.LastFinishedAt == nil
}

// --- Flow CRUD ---

// Create создаёт flow. При конфликте slug добавляет суффикс -2, -3, ...
func (r *FlowRepo) Create(ctx context.Context, flow *domain.Flow) error {
	query := `
		INSERT INTO flows (
			id, name, slug, code, graph, status,
			image, entrypoint, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)
	`

	base := flow.Slug
	if base == "" {
		base = domain.Slugify(flow.Name)
	}

	for attempt := 1; attempt <= maxSlugAttempts; attempt++ {
		slug := base
		if attempt > 1 {
			slug = fmt.Sprintf("%s-%d", base, attempt)
		}

		_, err := r.pool.Exec(ctx, query,
			flow.ID,
			flow.Name,
			slug,
			flow.Code,
			jsonArg(flow.Graph),
			string(flow.Status),
			flow.Image,
			flow.Entrypoint,
			flow.CreatedAt,
			flow.UpdatedAt,
		)
		if err == nil {
			flow.Slug = slug
			return nil
		}

		constraint, ok := uniqueViolation(err)
		if !ok {
			return fmt.Errorf("insert flow: %w", err)
		}
		if constraint != "flows_slug_key" {
			return ErrAlreadyExists
		}
	}

	return fmt.Errorf("insert flow: slug %q: %w", base, ErrAlreadyExists)
}

// GetByID возвращает flow по ID.
func (r *FlowRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows WHERE id = $1`
	return scanFlow(r.pool.QueryRow(ctx, query, id))
}

// GetByContainerID возвращает flow по legacy container_id.
func (r *FlowRepo) GetByContainerID(ctx context.Context, containerID string) (*domain.Flow, error) {
	query := `
		SELECT ` + flowColumns + `
		FROM flows
		WHERE container_id = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`
	return scanFlow(r.pool.QueryRow(ctx, query, containerID))
}

// List возвращает flows, не помеченные как архивные.
func (r *FlowRepo) List(ctx context.Context) ([]domain.Flow, error) {
	query := `
		SELECT ` + flowColumns + `
		FROM flows
		WHERE archived_at IS NULL
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	var flows []domain.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, *flow)
	}
	return flows, rows.Err()
}

// Update обновляет редактируемые поля flow. Slug не меняется.
func (r *FlowRepo) Update(ctx context.Context, flow *domain.Flow) error {
	query := `
		UPDATE flows
		SET name = $2,
			code = $3,
			graph = $4,
			image = NULLIF($5, ''),
			entrypoint = NULLIF($6, ''),
			updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		flow.ID,
		flow.Name,
		flow.Code,
		jsonArg(flow.Graph),
		flow.Image,
		flow.Entrypoint,
	)
	if err != nil {
		return fmt.Errorf("update flow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет flow вместе с runs и логами.
// Возвращает ErrInvalidState, если у flow остались активные runs.
func (r *FlowRepo) Delete(ctx context.Context, id uuid.UUID) error {
	query := `
		DELETE FROM flows f
		WHERE f.id = $1
		  AND NOT EXISTS (SELECT 1 FROM flow_runs r WHERE r.flow_id = f.id AND r.active)
	`
	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("flow has active runs: %w", ErrInvalidState)
}

// --- Изменения статуса ---

// MarkDeploying переводит flow в deploying (запрошен production deploy).
// Legacy container_id сбрасывается: он относится к предыдущему production run.
func (r *FlowRepo) MarkDeploying(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE flows
		SET status = 'deploying', container_id = NULL, last_started_at = $2, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("mark flow deploying: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStoppedIfRunning переводит flow в stopped, только если он running.
func (r *FlowRepo) MarkStoppedIfRunning(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE flows
		SET status = 'stopped', last_finished_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`
	result, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("mark flow stopped: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// SetContainerID записывает legacy container_id.
func (r *FlowRepo) SetContainerID(ctx context.Context, id uuid.UUID, containerID string) error {
	query := `UPDATE flows SET container_id = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, id, containerID)
	if err != nil {
		return fmt.Errorf("set flow container_id: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyRunUpdate применяет изменения к flow, только если runID —
// его активный production run на момент UPDATE.
//
// Проверка и запись выполняются одним запросом, поэтому run,
// деактивированный между чтением и записью, статус flow не изменит.
func (r *FlowRepo) ApplyRunUpdate(ctx context.Context, flowID, runID uuid.UUID, upd FlowUpdate) (bool, error) {
	if upd.IsEmpty() {
		return false, nil
	}

	query := `
		UPDATE flows f
		SET status = COALESCE($3, f.status),
			container_id = COALESCE($4, f.container_id),
			last_started_at = COALESCE($5, f.last_started_at),
			last_finished_at = COALESCE($6, f.last_finished_at),
			updated_at = NOW()
		WHERE f.id = $1
		  AND EXISTS (
			SELECT 1 FROM flow_runs r
			WHERE r.id = $2 AND r.flow_id = f.id
			  AND r.active AND r.type = 'production'
		  )
	`

	var status *string
	if upd.Status != nil {
		s := string(*upd.Status)
		status = &s
	}

	result, err := r.pool.Exec(ctx, query,
		flowID,
		runID,
		status,
		upd.ContainerID,
		upd.LastStartedAt,
		upd.LastFinishedAt,
	)
	if err != nil {
		return false, fmt.Errorf("apply run update to flow: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// --- Вспомогательные методы ---

func scanFlow(row pgx.Row) (*domain.Flow, error) {
	var flow domain.Flow
	var graph []byte
	var status string

	err := row.Scan(
		&flow.ID,
		&flow.Name,
		&flow.Slug,
		&flow.Code,
		&graph,
		&status,
		&flow.ContainerID,
		&flow.Image,
		&flow.Entrypoint,
		&flow.LastStartedAt,
		&flow.LastFinishedAt,
		&flow.ArchivedAt,
		&flow.CreatedAt,
		&flow.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan flow: %w", err)
	}

	flow.Status = domain.FlowStatus(status)
	if len(graph) > 0 {
		flow.Graph = graph
	}
	return &flow, nil
}

// jsonArg возвращает nil для пустого JSON, чтобы в БД записался NULL.
func jsonArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
