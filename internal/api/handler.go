package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shaiso/flowdeploy/internal/deploy"
	"github.com/shaiso/flowdeploy/internal/domain"
)

// FlowStore — операции с flows, нужные API.
type FlowStore interface {
	Create(ctx context.Context, flow *domain.Flow) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Flow, error)
	List(ctx context.Context) ([]domain.Flow, error)
	Update(ctx context.Context, flow *domain.Flow) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// RunStore — чтение истории runs.
type RunStore interface {
	ListByFlow(ctx context.Context, flowID uuid.UUID, limit int) ([]domain.FlowRun, error)
}

// LogStore — чтение журнала flow.
type LogStore interface {
	ListByFlow(ctx context.Context, flowID uuid.UUID, limit int) ([]domain.FlowLog, error)
}

// Deployer — действия пользователя над flow (deploy.Orchestrator).
type Deployer interface {
	DeployDevelopment(ctx context.Context, flow *domain.Flow, opts deploy.DeployOptions) (deploy.Result, error)
	DeployProduction(ctx context.Context, flow *domain.Flow) (deploy.Result, error)
	Stop(ctx context.Context, flow *domain.Flow) (deploy.Result, error)
	UndeployProduction(ctx context.Context, flow *domain.Flow) (deploy.Result, error)
	Delete(ctx context.Context, flow *domain.Flow) deploy.Result
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	flows    FlowStore
	runs     RunStore
	logs     LogStore
	deployer Deployer
	logger   *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Flows    FlowStore
	Runs     RunStore
	Logs     LogStore
	Deployer Deployer
	Logger   *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		flows:    cfg.Flows,
		runs:     cfg.Runs,
		logs:     cfg.Logs,
		deployer: cfg.Deployer,
		logger:   logger,
	}
}
