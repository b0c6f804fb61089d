// Package testutil содержит in-memory реализации хранилищ и publisher
// для unit-тестов, а также запуск PostgreSQL в контейнере для
// интеграционных тестов (build tag integration).
package testutil

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/flowdeploy/internal/domain"
	"github.com/shaiso/flowdeploy/internal/repo"
)

// Store — in-memory хранилище с семантикой repo: точечные обновления
// по id, охраняемое обновление flow, атомарный Activate.
type Store struct {
	mu      sync.Mutex
	flows   map[uuid.UUID]*domain.Flow
	runs    map[uuid.UUID]*domain.FlowRun
	order   []uuid.UUID
	logs    []domain.FlowLog
	pending map[uuid.UUID]*domain.PendingCommand
	writes  int
	err     error
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		flows:   make(map[uuid.UUID]*domain.Flow),
		runs:    make(map[uuid.UUID]*domain.FlowRun),
		pending: make(map[uuid.UUID]*domain.PendingCommand),
	}
}

// Flows возвращает хранилище flows.
func (s *Store) Flows() *FlowStore { return &FlowStore{s: s} }

// Runs возвращает хранилище runs.
func (s *Store) Runs() *RunStore { return &RunStore{s: s} }

// Logs возвращает журнал.
func (s *Store) Logs() *LogStore { return &LogStore{s: s} }

// Pending возвращает очередь отложенных команд.
func (s *Store) Pending() *PendingStore { return &PendingStore{s: s} }

// FailWith заставляет все операции возвращать err (nil — отключить).
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// AddFlow кладёт flow в хранилище без проверок.
func (s *Store) AddFlow(flow *domain.Flow) *domain.Flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.ID] = cloneFlow(flow)
	return flow
}

// AddRun кладёт run в хранилище без проверок.
func (s *Store) AddRun(run *domain.FlowRun) *domain.FlowRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = cloneRun(run)
	s.order = append(s.order, run.ID)
	return run
}

// Flow возвращает копию flow или nil.
func (s *Store) Flow(id uuid.UUID) *domain.Flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flows[id]; ok {
		return cloneFlow(f)
	}
	return nil
}

// Run возвращает копию run или nil.
func (s *Store) Run(id uuid.UUID) *domain.FlowRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		return cloneRun(r)
	}
	return nil
}

// RunsOf возвращает runs flow в порядке создания.
func (s *Store) RunsOf(flowID uuid.UUID) []domain.FlowRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.FlowRun
	for _, id := range s.order {
		if r := s.runs[id]; r.FlowID == flowID {
			out = append(out, *cloneRun(r))
		}
	}
	return out
}

// ActiveCount — число активных runs (flow, type).
func (s *Store) ActiveCount(flowID uuid.UUID, runType domain.RunType) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.runs {
		if r.FlowID == flowID && r.Type == runType && r.Active {
			n++
		}
	}
	return n
}

// LogsOf возвращает записи журнала flow в порядке добавления.
func (s *Store) LogsOf(flowID uuid.UUID) []domain.FlowLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.FlowLog
	for _, l := range s.logs {
		if l.FlowID == flowID {
			out = append(out, l)
		}
	}
	return out
}

// PendingOf возвращает отложенные команды run.
func (s *Store) PendingOf(runID uuid.UUID) []domain.PendingCommand {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.PendingCommand
	for _, c := range s.pending {
		if c.RunID == runID {
			out = append(out, *c)
		}
	}
	return out
}

// Writes — количество изменяющих вызовов.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// --- Flows ---

// FlowStore — in-memory аналог repo.FlowRepo.
type FlowStore struct{ s *Store }

// Create создаёт flow, разрешая конфликт slug суффиксом.
func (f *FlowStore) Create(ctx context.Context, flow *domain.Flow) error {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes++

	if _, ok := s.flows[flow.ID]; ok {
		return repo.ErrAlreadyExists
	}

	base := flow.Slug
	if base == "" {
		base = domain.Slugify(flow.Name)
	}
	slug := base
	for n := 2; s.slugTaken(slug); n++ {
		slug = base + "-" + strconv.Itoa(n)
	}
	flow.Slug = slug
	s.flows[flow.ID] = cloneFlow(flow)
	return nil
}

// GetByID возвращает flow по ID.
func (f *FlowStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Flow, error) {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	flow, ok := s.flows[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return cloneFlow(flow), nil
}

// GetByContainerID возвращает flow по legacy container_id.
func (f *FlowStore) GetByContainerID(ctx context.Context, containerID string) (*domain.Flow, error) {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, flow := range s.flows {
		if flow.ContainerID == containerID {
			return cloneFlow(flow), nil
		}
	}
	return nil, repo.ErrNotFound
}

// List возвращает неархивные flows (новые первыми).
func (f *FlowStore) List(ctx context.Context) ([]domain.Flow, error) {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.Flow
	for _, flow := range s.flows {
		if flow.ArchivedAt == nil {
			out = append(out, *cloneFlow(flow))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Update обновляет редактируемые поля flow.
func (f *FlowStore) Update(ctx context.Context, flow *domain.Flow) error {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes++
	stored, ok := s.flows[flow.ID]
	if !ok {
		return repo.ErrNotFound
	}
	stored.Name = flow.Name
	stored.Code = flow.Code
	stored.Graph = slices.Clone(flow.Graph)
	stored.Image = flow.Image
	stored.Entrypoint = flow.Entrypoint
	stored.UpdatedAt = time.Now()
	return nil
}

// Delete удаляет flow, если у него нет активных runs.
func (f *FlowStore) Delete(ctx context.Context, id uuid.UUID) error {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes++
	if _, ok := s.flows[id]; !ok {
		return repo.ErrNotFound
	}
	for _, r := range s.runs {
		if r.FlowID == id && r.Active {
			return repo.ErrInvalidState
		}
	}
	delete(s.flows, id)
	for rid, r := range s.runs {
		if r.FlowID == id {
			delete(s.runs, rid)
		}
	}
	s.order = slices.DeleteFunc(s.order, func(rid uuid.UUID) bool {
		_, ok := s.runs[rid]
		return !ok
	})
	s.logs = slices.DeleteFunc(s.logs, func(l domain.FlowLog) bool { return l.FlowID == id })
	return nil
}

// MarkDeploying переводит flow в deploying.
func (f *FlowStore) MarkDeploying(ctx context.Context, id uuid.UUID, at time.Time) error {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes++
	flow, ok := s.flows[id]
	if !ok {
		return repo.ErrNotFound
	}
	flow.Status = domain.FlowStatusDeploying
	flow.ContainerID = ""
	flow.LastStartedAt = &at
	return nil
}

// MarkStoppedIfRunning переводит flow в stopped, только если он running.
func (f *FlowStore) MarkStoppedIfRunning(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	s.writes++
	flow, ok := s.flows[id]
	if !ok || flow.Status != domain.FlowStatusRunning {
		return false, nil
	}
	flow.Status = domain.FlowStatusStopped
	flow.LastFinishedAt = &at
	return true, nil
}

// SetContainerID записывает legacy container_id.
func (f *FlowStore) SetContainerID(ctx context.Context, id uuid.UUID, containerID string) error {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes++
	flow, ok := s.flows[id]
	if !ok {
		return repo.ErrNotFound
	}
	flow.ContainerID = containerID
	return nil
}

// ApplyRunUpdate применяет изменения, только если runID — активный production run flow.
func (f *FlowStore) ApplyRunUpdate(ctx context.Context, flowID, runID uuid.UUID, upd repo.FlowUpdate) (bool, error) {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if upd.IsEmpty() {
		return false, nil
	}
	s.writes++

	flow, ok := s.flows[flowID]
	if !ok {
		return false, nil
	}
	run, ok := s.runs[runID]
	if !ok || run.FlowID != flowID || !run.IsActiveProduction() {
		return false, nil
	}

	if upd.Status != nil {
		flow.Status = *upd.Status
	}
	if upd.ContainerID != nil {
		flow.ContainerID = *upd.ContainerID
	}
	if upd.LastStartedAt != nil {
		flow.LastStartedAt = upd.LastStartedAt
	}
	if upd.LastFinishedAt != nil {
		flow.LastFinishedAt = upd.LastFinishedAt
	}
	return true, nil
}

// --- Runs ---

// RunStore — in-memory аналог repo.RunRepo.
type RunStore struct{ s *Store }

// Activate деактивирует активный run того же (flow, type), вызывает issue
// и вставляет run. Ошибка issue ничего не меняет.
func (r *RunStore) Activate(ctx context.Context, run *domain.FlowRun, issue func(ctx context.Context) error) ([]domain.FlowRun, error) {
	s := r.s
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return nil, s.err
	}
	if _, ok := s.flows[run.FlowID]; !ok {
		s.mu.Unlock()
		return nil, repo.ErrNotFound
	}
	s.mu.Unlock()

	if issue != nil {
		if err := issue(ctx); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++

	var superseded []domain.FlowRun
	for _, id := range s.order {
		prev := s.runs[id]
		if prev.FlowID == run.FlowID && prev.Type == run.Type && prev.Active {
			prev.Active = false
			if prev.FinishedAt == nil {
				at := run.CreatedAt
				prev.FinishedAt = &at
			}
			superseded = append(superseded, *cloneRun(prev))
		}
	}

	stored := cloneRun(run)
	stored.Active = true
	s.runs[run.ID] = stored
	s.order = append(s.order, run.ID)
	return superseded, nil
}

// GetByID возвращает run по ID.
func (r *RunStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.FlowRun, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	run, ok := s.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return cloneRun(run), nil
}

// GetLatestByContainerID возвращает самый свежий run с container_id.
func (r *RunStore) GetLatestByContainerID(ctx context.Context, containerID string) (*domain.FlowRun, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for i := len(s.order) - 1; i >= 0; i-- {
		if run := s.runs[s.order[i]]; run.ContainerID == containerID {
			return cloneRun(run), nil
		}
	}
	return nil, repo.ErrNotFound
}

// GetActive возвращает активный run данного типа.
func (r *RunStore) GetActive(ctx context.Context, flowID uuid.UUID, runType domain.RunType) (*domain.FlowRun, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, run := range s.runs {
		if run.FlowID == flowID && run.Type == runType && run.Active {
			return cloneRun(run), nil
		}
	}
	return nil, repo.ErrNotFound
}

// ListActive возвращает активные runs flow.
func (r *RunStore) ListActive(ctx context.Context, flowID uuid.UUID) ([]domain.FlowRun, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.FlowRun
	for i := len(s.order) - 1; i >= 0; i-- {
		if run := s.runs[s.order[i]]; run.FlowID == flowID && run.Active {
			out = append(out, *cloneRun(run))
		}
	}
	return out, nil
}

// ListByFlow возвращает последние runs flow (новые первыми).
func (r *RunStore) ListByFlow(ctx context.Context, flowID uuid.UUID, limit int) ([]domain.FlowRun, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if limit <= 0 {
		limit = 50
	}
	var out []domain.FlowRun
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		if run := s.runs[s.order[i]]; run.FlowID == flowID {
			out = append(out, *cloneRun(run))
		}
	}
	return out, nil
}

// Deactivate снимает active. false — run уже был неактивен.
func (r *RunStore) Deactivate(ctx context.Context, id uuid.UUID, status domain.RunStatus, at time.Time) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	s.writes++
	run, ok := s.runs[id]
	if !ok || !run.Active {
		return false, nil
	}
	run.Active = false
	run.Status = status
	run.FinishedAt = &at
	return true, nil
}

// SetStatus выставляет статус run.
func (r *RunStore) SetStatus(ctx context.Context, id uuid.UUID, status domain.RunStatus) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes++
	run, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.Status = status
	return nil
}

// ApplyUpdate точечно обновляет run. active не меняется.
func (r *RunStore) ApplyUpdate(ctx context.Context, id uuid.UUID, upd repo.RunUpdate) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes++
	run, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if upd.Status != nil {
		run.Status = *upd.Status
	}
	if upd.ContainerID != nil {
		run.ContainerID = *upd.ContainerID
	}
	if upd.Lock != nil {
		run.Lock = *upd.Lock
	}
	if upd.Actors != nil {
		run.Actors = slices.Clone(upd.Actors)
	}
	if upd.Events != nil {
		run.Events = slices.Clone(upd.Events)
	}
	if upd.StartedAt != nil {
		run.StartedAt = upd.StartedAt
	}
	if upd.FinishedAt != nil {
		run.FinishedAt = upd.FinishedAt
	}
	if upd.Meta != nil {
		run.Meta = maps.Clone(upd.Meta)
	}
	return nil
}

// --- Logs ---

// LogStore — in-memory аналог repo.LogRepo.
type LogStore struct{ s *Store }

// Append добавляет запись.
func (l *LogStore) Append(ctx context.Context, entry *domain.FlowLog) error {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes++
	s.logs = append(s.logs, *entry)
	return nil
}

// ListByFlow возвращает записи flow (новые первыми).
func (l *LogStore) ListByFlow(ctx context.Context, flowID uuid.UUID, limit int) ([]domain.FlowLog, error) {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if limit <= 0 {
		limit = 100
	}
	var out []domain.FlowLog
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.logs[i].FlowID == flowID {
			out = append(out, s.logs[i])
		}
	}
	return out, nil
}

// --- Pending ---

// PendingStore — in-memory аналог repo.PendingRepo.
type PendingStore struct{ s *Store }

// Enqueue добавляет отложенную команду.
func (p *PendingStore) Enqueue(ctx context.Context, cmd *domain.PendingCommand) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes++
	if _, ok := s.runs[cmd.RunID]; !ok {
		return errors.New("pending command references unknown run")
	}
	c := *cmd
	c.Payload = maps.Clone(cmd.Payload)
	s.pending[cmd.ID] = &c
	return nil
}

// TakeForRun забирает все команды run.
func (p *PendingStore) TakeForRun(ctx context.Context, runID uuid.UUID) ([]domain.PendingCommand, error) {
	return p.take(func(c *domain.PendingCommand) bool {
		return c.RunID == runID
	}, 0)
}

// TakeExpired забирает команды с истёкшим сроком.
func (p *PendingStore) TakeExpired(ctx context.Context, now time.Time, limit int) ([]domain.PendingCommand, error) {
	return p.take(func(c *domain.PendingCommand) bool {
		return !c.ExpiresAt.After(now)
	}, limit)
}

func (p *PendingStore) take(match func(*domain.PendingCommand) bool, limit int) ([]domain.PendingCommand, error) {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}

	var out []domain.PendingCommand
	for id, c := range s.pending {
		if limit > 0 && len(out) >= limit {
			break
		}
		if match(c) {
			out = append(out, *c)
			delete(s.pending, id)
		}
	}
	if len(out) > 0 {
		s.writes++
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// --- Вспомогательные функции ---

func (s *Store) slugTaken(slug string) bool {
	for _, f := range s.flows {
		if f.Slug == slug {
			return true
		}
	}
	return false
}

func cloneFlow(f *domain.Flow) *domain.Flow {
	c := *f
	c.Graph = slices.Clone(f.Graph)
	return &c
}

func cloneRun(r *domain.FlowRun) *domain.FlowRun {
	c := *r
	c.Actors = slices.Clone(r.Actors)
	c.Events = slices.Clone(r.Events)
	c.Meta = maps.Clone(r.Meta)
	return &c
}

