package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	mqcontract "projectplanner/contracts/mq"
	"projectplanner/internal/diff"
	"projectplanner/internal/draft"
	"projectplanner/internal/estimate"
	"projectplanner/internal/model"
	"projectplanner/internal/remote"
	"projectplanner/internal/sequencer"
	"projectplanner/pkg/logger"
	"projectplanner/pkg/metrics"
	"projectplanner/pkg/trace"
	"projectplanner/pkg/util"
)

var ErrSaveInProgress = errors.New("a save for this project is already in progress")

// Catalog 同时满足 draft 校验和工时估算
type Catalog interface {
	Task(id int64) (model.TaskCatalogEntry, bool)
	Programmer(id int64) (model.Programmer, bool)
}

// CatalogRefresher 由 catalog.Catalog 实现；目录在外部持续维护，每次读取基线前重新加载
type CatalogRefresher interface {
	Refresh(ctx context.Context, store remote.Store) error
}

type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Locker 跨进程单飞锁，由 util.SyncLock 实现
type Locker interface {
	Acquire(ctx context.Context, key, token string) bool
	Release(ctx context.Context, key, token string)
}

type Option func(*Planner)

func WithPublisher(p EventPublisher) Option {
	return func(pl *Planner) { pl.publisher = p }
}

func WithLocker(l Locker) Option {
	return func(pl *Planner) { pl.locker = l }
}

type Planner struct {
	store     remote.Store
	catalog   Catalog
	seq       *sequencer.Sequencer
	publisher EventPublisher
	locker    Locker
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewPlanner(store remote.Store, catalog Catalog, logger *zap.Logger, opts ...Option) *Planner {
	p := &Planner{
		store:    store,
		catalog:  catalog,
		seq:      sequencer.New(store, logger),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SaveOutcome 描述一次保存的结果。失败时 Result 仍然列出已生效的步骤
type SaveOutcome struct {
	ProjectID int64
	Created   bool
	Noop      bool
	Result    *sequencer.Result
	Changes   map[diff.Action]int
	// 提交后重新读取并计算了工时的远程状态
	Snapshot model.Project
	Estimate estimate.Estimate
}

// NewDraft 创建挂载了目录校验的新项目草稿
func (p *Planner) NewDraft(fields draft.ProjectFields) *draft.Draft {
	return draft.New(fields, draft.WithCatalog(p.catalog))
}

// Save 把草稿同步到远程存储。同一项目同一时间只允许一个保存，
// 并发调用返回 ErrSaveInProgress。失败时不回滚，已创建的实体仍会在草稿中获得远程 id
func (p *Planner) Save(ctx context.Context, d *draft.Draft) (*SaveOutcome, error) {
	ctx, traceID := trace.Ensure(ctx)
	log := logger.WithTrace(ctx, p.logger)

	key := d.SyncKey()
	if !p.enter(key) {
		metrics.IncrementSyncOutcome("rejected")
		return nil, fmt.Errorf("%w: %s", ErrSaveInProgress, key)
	}
	defer p.leave(key)

	if p.locker != nil {
		if !p.locker.Acquire(ctx, key, traceID) {
			metrics.IncrementSyncOutcome("rejected")
			return nil, fmt.Errorf("%w: %s", ErrSaveInProgress, key)
		}
		defer p.locker.Release(context.WithoutCancel(ctx), key, traceID)
	}

	if err := d.Lock(); err != nil {
		metrics.IncrementSyncOutcome("rejected")
		return nil, fmt.Errorf("%w: %s", ErrSaveInProgress, key)
	}
	defer d.Unlock()

	p.refreshCatalog(ctx, log)

	machine := sequencer.NewMachine(p.observer(log, key))
	if err := machine.Transition(sequencer.Validating()); err != nil {
		return nil, err
	}

	log.Info("Saving project", zap.String("sync_key", key))
	start := time.Now()

	cs, err := p.prepare(ctx, d)
	if err != nil {
		_ = machine.Transition(sequencer.Failed(0))
		outcome := "failed"
		if draft.IsValidation(err) {
			outcome = "invalid"
		}
		metrics.IncrementSyncOutcome(outcome)
		log.Warn("Save rejected before any remote write", zap.Error(err))
		p.publishFailed(ctx, log, projectIDOf(d), machine.State(), nil, err)
		return nil, err
	}

	created := cs.Project != nil && cs.Project.Action == diff.ActionCreate
	outcome := &SaveOutcome{Created: created, Changes: cs.Count(), Noop: cs.Empty()}

	result, runErr := p.seq.Run(ctx, cs, machine)
	outcome.Result = result
	if result != nil {
		outcome.ProjectID = result.ProjectID
		if err := promote(d, result); err != nil {
			log.Error("Failed to record remote identities in draft", zap.Error(err))
			runErr = errors.Join(runErr, err)
		}
	}

	if runErr != nil {
		metrics.IncrementSyncOutcome("failed")
		p.publishFailed(ctx, log, outcome.ProjectID, machine.State(), result, runErr)
		return outcome, runErr
	}

	d.MarkClean()
	if outcome.Noop {
		metrics.IncrementSyncOutcome("noop")
	} else {
		metrics.IncrementSyncOutcome("committed")
	}

	p.refresh(ctx, log, d, outcome)

	log.Info("Project saved",
		zap.Int64("project_id", outcome.ProjectID),
		zap.Bool("created", created),
		zap.Int("operations", len(result.Applied)),
		zap.Float64("total_estimated_hours", outcome.Estimate.TotalHours),
		zap.Duration("took", time.Since(start)))

	p.publish(ctx, log, mqcontract.RoutingKeyProjectSynced, mqcontract.ProjectSyncedPayload{
		ProjectID:           outcome.ProjectID,
		Created:             created,
		Operations:          actionCounts(outcome.Changes),
		TotalEstimatedHours: outcome.Estimate.TotalHours,
		SyncedAt:            time.Now(),
	})
	return outcome, nil
}

// prepare 校验草稿、读取基线并计算 changeset，期间不发出任何写操作
func (p *Planner) prepare(ctx context.Context, d *draft.Draft) (diff.Changeset, error) {
	if err := d.Validate(); err != nil {
		return diff.Changeset{}, err
	}

	var snapshot model.Project
	if id, ok := d.Project().Identity.RemoteID(); ok {
		snap, err := remote.LoadSnapshot(ctx, p.store, id)
		if err != nil {
			if remote.IsNotFound(err) {
				return diff.Changeset{}, &remote.StaleReferenceError{Kind: model.KindProject, ID: id, Err: err}
			}
			return diff.Changeset{}, fmt.Errorf("failed to load baseline: %w", err)
		}
		snapshot = snap
	}

	return diff.Compute(snapshot, d)
}

// refresh 重新读取远程状态并计算工时；读取失败时退回草稿本身
func (p *Planner) refresh(ctx context.Context, log *zap.Logger, d *draft.Draft, outcome *SaveOutcome) {
	snap, err := remote.LoadSnapshot(ctx, p.store, outcome.ProjectID)
	if err != nil {
		log.Warn("Failed to reload project after save, estimating from draft",
			zap.Int64("project_id", outcome.ProjectID),
			zap.Error(err))
		snap = d.Materialize()
	}
	outcome.Estimate = estimate.ApplyProject(&snap, p.catalog)
	outcome.Snapshot = snap
}

// Load 读取远程项目，返回计算好工时的快照和一份干净的草稿
func (p *Planner) Load(ctx context.Context, projectID int64) (model.Project, estimate.Estimate, *draft.Draft, error) {
	p.refreshCatalog(ctx, logger.WithTrace(ctx, p.logger))
	snap, err := remote.LoadSnapshot(ctx, p.store, projectID)
	if err != nil {
		return model.Project{}, estimate.Estimate{}, nil, fmt.Errorf("failed to load project %d: %w", projectID, err)
	}
	d := draft.FromSnapshot(snap, draft.WithCatalog(p.catalog))
	est := estimate.ApplyProject(&snap, p.catalog)
	return snap, est, d, nil
}

// Estimate 计算远程项目当前的工时
func (p *Planner) Estimate(ctx context.Context, projectID int64) (model.Project, estimate.Estimate, error) {
	snap, est, _, err := p.Load(ctx, projectID)
	return snap, est, err
}

// EstimateDraft 估算尚未保存的草稿
func (p *Planner) EstimateDraft(d *draft.Draft) estimate.Estimate {
	return estimate.Draft(d, p.catalog)
}

// RefreshCatalog 重新读取任务和程序员目录，失败时保留旧内容。
// 目录不支持刷新时为 no-op
func (p *Planner) RefreshCatalog(ctx context.Context) error {
	r, ok := p.catalog.(CatalogRefresher)
	if !ok {
		return nil
	}
	return r.Refresh(ctx, p.store)
}

func (p *Planner) refreshCatalog(ctx context.Context, log *zap.Logger) {
	if err := p.RefreshCatalog(ctx); err != nil {
		log.Warn("Failed to refresh catalog, using cached entries", zap.Error(err))
	}
}

func (p *Planner) enter(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[key]; busy {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *Planner) leave(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, key)
}

func (p *Planner) observer(log *zap.Logger, key string) sequencer.Observer {
	return func(from, to sequencer.State) {
		metrics.IncrementSyncTransition(string(to.Phase))
		log.Debug("Sync state transition",
			zap.String("sync_key", key),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
}

// promote 把已生效的创建/删除写回草稿。部分失败时同样执行，
// 使下一次保存基于已存在的远程实体继续
func promote(d *draft.Draft, r *sequencer.Result) error {
	var errs []error
	for _, key := range r.DeletedAssignments {
		if _, recreated := r.AssignmentIDs[key]; recreated {
			continue
		}
		if _, ok := d.Assignment(key); ok {
			errs = append(errs, d.DemoteAssignment(key))
		}
	}
	if r.ProjectID != 0 {
		errs = append(errs, d.PromoteProject(r.ProjectID))
	}
	for key, id := range r.StageIDs {
		errs = append(errs, d.PromoteStage(key, id))
	}
	for key, id := range r.AssignmentIDs {
		errs = append(errs, d.PromoteAssignment(key, id))
	}
	return errors.Join(errs...)
}

func (p *Planner) publishFailed(ctx context.Context, log *zap.Logger, projectID int64, state sequencer.State, r *sequencer.Result, cause error) {
	_, errType := util.IsRetryableError(cause)
	if draft.IsValidation(cause) {
		errType = "validation"
	}
	payload := mqcontract.ProjectSyncFailedPayload{
		ProjectID: projectID,
		State:     state.String(),
		Error:     cause.Error(),
		ErrorType: errType,
		FailedAt:  time.Now(),
	}
	if r != nil {
		if r.Failed != nil {
			payload.FailedStep = r.Failed.String()
		}
		for _, s := range r.Applied {
			payload.Applied = append(payload.Applied, s.String())
		}
		for _, op := range r.Unissued {
			payload.Unissued = append(payload.Unissued, op.String())
		}
	}
	p.publish(ctx, log, mqcontract.RoutingKeyProjectSyncFailed, payload)
}

// publish 发布事件；失败只记录日志，不影响保存结果
func (p *Planner) publish(ctx context.Context, log *zap.Logger, routingKey string, payload any) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, routingKey, payload); err != nil {
		log.Warn("Failed to publish event",
			zap.String("routing_key", routingKey),
			zap.Error(err))
	}
}

func projectIDOf(d *draft.Draft) int64 {
	id, _ := d.Project().Identity.RemoteID()
	return id
}

func actionCounts(m map[diff.Action]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}
