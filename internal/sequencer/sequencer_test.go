package sequencer

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/go-playground/assert/v2"
	"go.uber.org/zap"

	"projectplanner/internal/diff"
	"projectplanner/internal/draft"
	"projectplanner/internal/model"
	"projectplanner/internal/remote"
	"projectplanner/internal/remote/memstore"
)

func newStore() (*memstore.Store, int64) {
	store := memstore.New()
	seeded := store.Seed(model.TaskCatalogEntry{Name: "API", Type: model.TaskTypeDevelopment, BaseTimeHours: 4})
	return store, seeded[0].EntityID()
}

func validating(t *testing.T) *Machine {
	m := NewMachine()
	assert.Equal(t, m.Transition(Validating()), nil)
	return m
}

func callNames(calls []memstore.Call) []string {
	var out []string
	for _, c := range calls {
		out = append(out, string(c.Op)+" "+string(c.Kind))
	}
	return out
}

// threeStageDraft 新项目，三个阶段各带一个分配
func threeStageDraft(taskID int64) *draft.Draft {
	d := draft.New(draft.ProjectFields{Name: "Site"})
	for _, name := range []string{"Design", "Build", "Ship"} {
		s, _ := d.AddStage(name, "")
		_, _ = d.AddAssignment(s.Key, taskID, nil)
	}
	return d
}

func TestRun_StagesBeforeAssignments(t *testing.T) {
	store, taskID := newStore()
	d := threeStageDraft(taskID)
	cs, err := diff.Compute(model.Project{}, d)
	assert.Equal(t, err, nil)

	var seen []State
	m := NewMachine(func(from, to State) { seen = append(seen, to) })
	assert.Equal(t, m.Transition(Validating()), nil)

	r, err := New(store, zap.NewNop()).Run(context.Background(), cs, m)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, r.Committed())
	assert.Equal(t, Committed(), m.State())

	assert.Equal(t, []string{
		"create project",
		"create stage", "create stage", "create stage",
		"create assignment", "create assignment", "create assignment",
	}, callNames(store.Calls()))

	assert.Equal(t, []State{
		Validating(),
		SyncingProject(),
		SyncingStage(0), SyncingStage(1), SyncingStage(2),
		SyncingAssignments(0), SyncingAssignments(1), SyncingAssignments(2),
		Committed(),
	}, seen)

	// 每个分配都挂在刚创建的阶段下
	calls := store.Calls()
	for i := 4; i < 7; i++ {
		assert.Equal(t, calls[i-3].Kind, model.KindStage)
		stageID := r.StageIDs[d.Stages()[i-4].Key]
		assert.Equal(t, stageID, calls[i].ParentID)
	}
	assert.Equal(t, 3, len(r.AssignmentIDs))
	assert.NotEqual(t, int64(0), r.ProjectID)
}

func TestRun_FailureOnThirdStageIsPartial(t *testing.T) {
	store, taskID := newStore()
	d := threeStageDraft(taskID)
	cs, _ := diff.Compute(model.Project{}, d)

	stageCreates := 0
	store.InjectFault(func(c memstore.Call) error {
		if c.Op == remote.OpCreate && c.Kind == model.KindStage {
			stageCreates++
			if stageCreates == 3 {
				return remote.NewRequestError(c.Op, c.Kind, 0, http.StatusInternalServerError, "boom", nil)
			}
		}
		return nil
	})

	m := validating(t)
	r, err := New(store, zap.NewNop()).Run(context.Background(), cs, m)
	assert.NotEqual(t, err, nil)

	var reqErr *remote.RequestError
	assert.Equal(t, errors.As(err, &reqErr), true)
	assert.Equal(t, http.StatusInternalServerError, reqErr.Status)

	assert.Equal(t, 3, len(r.Applied))
	assert.Equal(t, model.KindProject, r.Applied[0].Op.Kind)
	assert.Equal(t, 2, len(r.StageIDs))
	assert.Equal(t, 0, len(r.AssignmentIDs))
	assert.Equal(t, 3, r.Failed.Index)
	assert.Equal(t, Failed(3), m.State())
	assert.Equal(t, Failed(3), r.State)
	assert.Equal(t, false, r.Committed())

	// 失败的 stage 之后没有任何分配写操作
	for _, c := range store.Calls() {
		assert.NotEqual(t, model.KindAssignment, c.Kind)
	}
	assert.Equal(t, 3, len(r.Unissued))
	for _, op := range r.Unissued {
		assert.Equal(t, model.KindAssignment, op.Kind)
	}
}

func persisted(t *testing.T, store *memstore.Store, taskID int64) (model.Project, *draft.Draft) {
	d := threeStageDraft(taskID)
	cs, _ := diff.Compute(model.Project{}, d)
	r, err := New(store, zap.NewNop()).Run(context.Background(), cs, validating(t))
	assert.Equal(t, err, nil)
	snap, err := remote.LoadSnapshot(context.Background(), store, r.ProjectID)
	assert.Equal(t, err, nil)
	store.ResetCalls()
	return snap, draft.FromSnapshot(snap)
}

func TestRun_UpdateOfMissingTargetIsStale(t *testing.T) {
	store, taskID := newStore()
	snap, d := persisted(t, store, taskID)

	first := d.Stages()[0]
	desc := "changed"
	assert.Equal(t, d.UpdateStage(first.Key, draft.StageUpdate{Description: &desc}), nil)
	cs, err := diff.Compute(snap, d)
	assert.Equal(t, err, nil)

	store.InjectFault(func(c memstore.Call) error {
		if c.Op == remote.OpUpdate {
			return remote.NewRequestError(c.Op, c.Kind, c.ID, http.StatusNotFound, "gone", nil)
		}
		return nil
	})

	m := validating(t)
	r, err := New(store, zap.NewNop()).Run(context.Background(), cs, m)

	var stale *remote.StaleReferenceError
	assert.Equal(t, errors.As(err, &stale), true)
	assert.Equal(t, model.KindStage, stale.Kind)
	firstID, _ := first.Identity.RemoteID()
	assert.Equal(t, firstID, stale.ID)
	assert.Equal(t, PhaseFailed, m.State().Phase)
	assert.Equal(t, 0, len(r.Applied))
}

func TestRun_DeleteOfMissingTargetCountsAsApplied(t *testing.T) {
	store, taskID := newStore()
	snap, d := persisted(t, store, taskID)

	stage := d.Stages()[1]
	assert.Equal(t, d.RemoveAssignment(stage.Assignments[0].Key), nil)
	cs, err := diff.Compute(snap, d)
	assert.Equal(t, err, nil)

	store.InjectFault(func(c memstore.Call) error {
		if c.Op == remote.OpDelete {
			return remote.NewRequestError(c.Op, c.Kind, c.ID, http.StatusNotFound, "already gone", nil)
		}
		return nil
	})

	m := validating(t)
	r, err := New(store, zap.NewNop()).Run(context.Background(), cs, m)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, r.Committed())
	assert.Equal(t, 1, len(r.Applied))
	assert.Equal(t, diff.ActionDelete, r.Applied[0].Op.Action)
	// 节点已不在草稿中，无需降级
	assert.Equal(t, 0, len(r.DeletedAssignments))
}

func TestRun_ReplaceAllOrder(t *testing.T) {
	store, taskID := newStore()
	snap, d := persisted(t, store, taskID)

	stage := d.Stages()[0]
	_, err := d.AddAssignment(stage.Key, taskID, nil)
	assert.Equal(t, err, nil)
	cs, _ := diff.Compute(snap, d)

	r, err := New(store, zap.NewNop()).Run(context.Background(), cs, validating(t))
	assert.Equal(t, err, nil)
	assert.Equal(t, []string{
		"delete assignment",
		"create assignment",
		"create assignment",
	}, callNames(store.Calls()))
	assert.Equal(t, 2, len(r.AssignmentIDs))
	assert.Equal(t, []draft.Key{stage.Assignments[0].Key}, r.DeletedAssignments)

	after, _ := remote.LoadSnapshot(context.Background(), store, snap.ID)
	assert.Equal(t, 2, len(after.Stages[0].Assignments))
}

func TestRun_CancellationStopsAtNextCheckpoint(t *testing.T) {
	store, taskID := newStore()
	d := threeStageDraft(taskID)
	cs, _ := diff.Compute(model.Project{}, d)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.InjectFault(func(c memstore.Call) error {
		if c.Kind == model.KindProject {
			// 项目创建照常完成，下一个检查点停止
			cancel()
		}
		return nil
	})

	m := validating(t)
	r, err := New(store, zap.NewNop()).Run(ctx, cs, m)
	assert.Equal(t, errors.Is(err, context.Canceled), true)
	assert.Equal(t, errors.Is(r.Canceled, context.Canceled), true)
	assert.Equal(t, (*Step)(nil), r.Failed)
	assert.Equal(t, 1, len(r.Applied))
	assert.NotEqual(t, int64(0), r.ProjectID)
	assert.Equal(t, 6, len(r.Unissued))
	assert.Equal(t, 1, len(store.Calls()))
	assert.Equal(t, Failed(1), m.State())
}

func TestRun_EmptyChangesetCommitsWithoutCalls(t *testing.T) {
	store, taskID := newStore()
	snap, d := persisted(t, store, taskID)
	cs, _ := diff.Compute(snap, d)
	assert.Equal(t, true, cs.Empty())

	var seen []State
	m := NewMachine(func(from, to State) { seen = append(seen, to) })
	assert.Equal(t, m.Transition(Validating()), nil)

	r, err := New(store, zap.NewNop()).Run(context.Background(), cs, m)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, r.Committed())
	assert.Equal(t, 0, len(store.Calls()))
	assert.Equal(t, []State{Validating(), Committed()}, seen)
}

func TestRun_RequiresValidating(t *testing.T) {
	store, _ := newStore()
	_, err := New(store, zap.NewNop()).Run(context.Background(), diff.Changeset{}, NewMachine())
	assert.Equal(t, errors.Is(err, ErrInvalidTransition), true)
}
