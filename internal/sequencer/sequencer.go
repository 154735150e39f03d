// Package sequencer 按依赖顺序执行 changeset：project -> stages -> assignments。
// 严格串行，每一步之前检查 context；失败即停止，不回滚、不重试。
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"projectplanner/internal/diff"
	"projectplanner/internal/model"
	"projectplanner/internal/remote"
	"projectplanner/pkg/logger"
	"projectplanner/pkg/metrics"
)

type Sequencer struct {
	store  remote.Store
	logger *zap.Logger
}

func New(store remote.Store, logger *zap.Logger) *Sequencer {
	return &Sequencer{store: store, logger: logger}
}

// Run 执行 cs。m 必须处于 Validating 状态，返回时处于 Committed 或 Failed。
// 出错时 Result 仍然返回，列出已生效的步骤、失败的步骤和未发出的操作
func (s *Sequencer) Run(ctx context.Context, cs diff.Changeset, m *Machine) (*Result, error) {
	if cur := m.State(); cur.Phase != PhaseValidating {
		return nil, fmt.Errorf("%w: run requires %s, machine is %s", ErrInvalidTransition, PhaseValidating, cur)
	}

	r := newResult()
	r.ProjectID = cs.ProjectID
	ex := &execution{
		ctx:     ctx,
		store:   s.store,
		logger:  logger.WithTrace(ctx, s.logger),
		machine: m,
		result:  r,
		pending: cs.Operations(),
	}

	if err := ex.run(cs); err != nil {
		return ex.fail(err)
	}
	if err := ex.enter(Committed()); err != nil {
		return r, err
	}
	r.State = m.State()
	ex.logger.Info("Project synchronized",
		zap.Int64("project_id", r.ProjectID),
		zap.Int("applied", len(r.Applied)))
	return r, nil
}

type execution struct {
	ctx     context.Context
	store   remote.Store
	logger  *zap.Logger
	machine *Machine
	result  *Result
	pending []diff.Operation
	index   int
}

func (ex *execution) run(cs diff.Changeset) error {
	if cs.Empty() {
		return nil
	}

	if err := ex.enter(SyncingProject()); err != nil {
		return err
	}
	if cs.Project != nil {
		if err := ex.do(*cs.Project); err != nil {
			return err
		}
	}
	if ex.result.ProjectID == 0 {
		return fmt.Errorf("sync: project has no remote id")
	}

	// 先删除 stage（级联删除其 assignments），再按 order_index 创建/更新
	step := 0
	for _, plan := range cs.Removed {
		if err := ex.enter(SyncingStage(step)); err != nil {
			return err
		}
		step++
		for _, op := range plan.AssignmentDeletes {
			if err := ex.do(op); err != nil {
				return err
			}
		}
		if err := ex.do(*plan.Op); err != nil {
			return err
		}
	}
	for _, plan := range cs.Stages {
		if plan.Op == nil {
			continue
		}
		if err := ex.enter(SyncingStage(step)); err != nil {
			return err
		}
		step++
		if err := ex.do(*plan.Op); err != nil {
			return err
		}
	}

	// 所有 stage 都有 id 之后才处理 assignments
	step = 0
	for _, plan := range cs.Stages {
		if len(plan.AssignmentDeletes) == 0 && len(plan.AssignmentCreates) == 0 {
			continue
		}
		if err := ex.enter(SyncingAssignments(step)); err != nil {
			return err
		}
		step++
		for _, op := range plan.AssignmentDeletes {
			if err := ex.do(op); err != nil {
				return err
			}
		}
		for _, op := range plan.AssignmentCreates {
			if err := ex.do(op); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ex *execution) enter(to State) error {
	if err := ex.machine.Transition(to); err != nil {
		return err
	}
	ex.result.State = to
	return nil
}

// do 发出一个远程写操作。context 检查点位于操作发出之前
func (ex *execution) do(op diff.Operation) error {
	if err := ex.ctx.Err(); err != nil {
		ex.result.Canceled = err
		return err
	}
	ex.pending = ex.pending[1:]

	step := Step{Index: ex.index, Op: op, ID: op.ID}
	ex.index++

	start := time.Now()
	id, err := ex.apply(op)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RecordSyncStep(string(op.Kind), string(op.Action), outcome, time.Since(start))

	if err != nil {
		step.Err = err
		ex.result.Failed = &step
		return err
	}
	step.ID = id
	ex.record(step)
	ex.logger.Debug("Sync step applied",
		zap.Int("step", step.Index),
		zap.String("op", op.String()),
		zap.Int64("id", id))
	return nil
}

func (ex *execution) apply(op diff.Operation) (int64, error) {
	switch op.Action {
	case diff.ActionCreate:
		payload, err := ex.bindParent(op)
		if err != nil {
			return 0, err
		}
		created, err := ex.store.Create(ex.ctx, payload)
		if err != nil {
			return 0, err
		}
		if created.EntityID() <= 0 {
			return 0, fmt.Errorf("create %s: store returned no id", op.Kind)
		}
		return created.EntityID(), nil

	case diff.ActionUpdate:
		payload, err := ex.bindParent(op)
		if err != nil {
			return 0, err
		}
		if _, err := ex.store.Update(ex.ctx, op.ID, payload); err != nil {
			if remote.IsNotFound(err) {
				return 0, &remote.StaleReferenceError{Kind: op.Kind, ID: op.ID, Err: err}
			}
			return 0, err
		}
		return op.ID, nil

	case diff.ActionDelete:
		// 目标已不存在视为删除成功
		if err := ex.store.Delete(ex.ctx, op.Kind, op.ID); err != nil {
			if !remote.IsNotFound(err) {
				return 0, err
			}
			ex.logger.Debug("Delete target already absent",
				zap.String("kind", string(op.Kind)),
				zap.Int64("id", op.ID))
		}
		return op.ID, nil
	}
	return 0, fmt.Errorf("unknown action %q", op.Action)
}

// bindParent 填入运行时才确定的父级 id
func (ex *execution) bindParent(op diff.Operation) (model.Entity, error) {
	switch p := op.Payload.(type) {
	case model.Project:
		return p, nil
	case model.Stage:
		p.ProjectID = ex.result.ProjectID
		return p, nil
	case model.Assignment:
		if id, ok := ex.result.StageIDs[op.StageKey]; ok {
			p.StageID = id
		}
		if p.StageID == 0 {
			return nil, fmt.Errorf("assignment of stage %s: stage has no remote id", op.StageKey)
		}
		return p, nil
	}
	return nil, fmt.Errorf("unsupported payload %T for %s", op.Payload, op)
}

func (ex *execution) record(step Step) {
	r := ex.result
	r.Applied = append(r.Applied, step)

	op := step.Op
	switch {
	case op.Action == diff.ActionCreate && op.Kind == model.KindProject:
		r.ProjectID = step.ID
	case op.Action == diff.ActionCreate && op.Kind == model.KindStage:
		r.StageIDs[op.Key] = step.ID
	case op.Action == diff.ActionCreate && op.Kind == model.KindAssignment:
		r.AssignmentIDs[op.Key] = step.ID
	case op.Action == diff.ActionDelete && op.Kind == model.KindAssignment && !op.Key.IsZero():
		r.DeletedAssignments = append(r.DeletedAssignments, op.Key)
	}
}

func (ex *execution) fail(err error) (*Result, error) {
	r := ex.result
	r.Unissued = ex.pending

	failedAt := ex.index
	if r.Failed != nil {
		failedAt = r.Failed.Index
	}
	if tErr := ex.machine.Transition(Failed(failedAt)); tErr != nil && !errors.Is(err, ErrInvalidTransition) {
		err = errors.Join(err, tErr)
	}
	r.State = ex.machine.State()

	fields := []zap.Field{
		zap.Int64("project_id", r.ProjectID),
		zap.Int("applied", len(r.Applied)),
		zap.Int("unissued", len(r.Unissued)),
		zap.Error(err),
	}
	if r.Failed != nil {
		fields = append(fields, zap.String("failed_step", r.Failed.String()))
	}
	ex.logger.Warn("Project sync halted", fields...)

	if r.Failed != nil {
		return r, fmt.Errorf("sync step %s: %w", r.Failed, err)
	}
	return r, err
}
