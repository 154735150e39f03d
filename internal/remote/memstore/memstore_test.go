package memstore

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/go-playground/assert/v2"

	"projectplanner/internal/model"
	"projectplanner/internal/remote"
)

func TestCreate_ChecksParents(t *testing.T) {
	ctx := context.Background()
	s := New()
	task := s.Seed(model.TaskCatalogEntry{Name: "API", Type: model.TaskTypeDevelopment, BaseTimeHours: 2})[0]

	_, err := s.Create(ctx, model.Stage{ProjectID: 99, Name: "orphan"})
	assert.Equal(t, http.StatusConflict, statusOf(err))

	p, err := s.Create(ctx, model.Project{Name: "P"})
	assert.Equal(t, err, nil)
	st, err := s.Create(ctx, model.Stage{ProjectID: p.EntityID(), Name: "S"})
	assert.Equal(t, err, nil)

	_, err = s.Create(ctx, model.Assignment{StageID: st.EntityID(), TaskID: 12345})
	assert.Equal(t, http.StatusConflict, statusOf(err))

	a, err := s.Create(ctx, model.Assignment{StageID: st.EntityID(), TaskID: task.EntityID()})
	assert.Equal(t, err, nil)
	assert.Equal(t, model.StatusPending, a.(model.Assignment).Status)

	// 只记录写调用，Seed 不计入
	assert.Equal(t, 5, len(s.Calls()))
	assert.Equal(t, p.EntityID(), s.Calls()[2].ParentID)
}

func TestDelete_ConflictsWhileReferenced(t *testing.T) {
	ctx := context.Background()
	s := New()
	p, _ := s.Create(ctx, model.Project{Name: "P"})
	st, _ := s.Create(ctx, model.Stage{ProjectID: p.EntityID(), Name: "S"})

	err := s.Delete(ctx, model.KindProject, p.EntityID())
	assert.Equal(t, http.StatusConflict, statusOf(err))

	assert.Equal(t, s.Delete(ctx, model.KindStage, st.EntityID()), nil)
	assert.Equal(t, s.Delete(ctx, model.KindProject, p.EntityID()), nil)

	err = s.Delete(ctx, model.KindProject, p.EntityID())
	assert.Equal(t, true, remote.IsNotFound(err))
}

func TestUpdateAndList(t *testing.T) {
	ctx := context.Background()
	s := New()
	p, _ := s.Create(ctx, model.Project{Name: "P"})
	pid := p.EntityID()
	second, _ := s.Create(ctx, model.Stage{ProjectID: pid, Name: "B", OrderIndex: 1})
	first, _ := s.Create(ctx, model.Stage{ProjectID: pid, Name: "A", OrderIndex: 0})

	_, err := s.Update(ctx, 777, model.Stage{ProjectID: pid, Name: "X"})
	assert.Equal(t, true, remote.IsNotFound(err))

	updated, err := s.Update(ctx, second.EntityID(), model.Stage{ProjectID: pid, Name: "B2", OrderIndex: 1})
	assert.Equal(t, err, nil)
	assert.Equal(t, second.EntityID(), updated.EntityID())

	stages, err := s.List(ctx, model.KindStage, remote.Filter{ProjectID: pid})
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(stages))
	assert.Equal(t, first.EntityID(), stages[0].EntityID())
	assert.Equal(t, "B2", stages[1].(model.Stage).Name)

	none, err := s.List(ctx, model.KindStage, remote.Filter{ProjectID: pid + 100})
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(none))
}

func TestInjectFault(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")
	s.InjectFault(func(c Call) error {
		if c.Op == remote.OpCreate && c.Kind == model.KindProject {
			return boom
		}
		return nil
	})

	_, err := s.Create(ctx, model.Project{Name: "P"})
	assert.Equal(t, true, errors.Is(err, boom))
	assert.Equal(t, 1, len(s.Calls()))

	s.InjectFault(nil)
	s.ResetCalls()
	_, err = s.Create(ctx, model.Project{Name: "P"})
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(s.Calls()))
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New()
	_, err := s.Create(ctx, model.Project{Name: "P"})
	assert.Equal(t, true, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, len(s.Calls()))
	assert.NotEqual(t, s.Ping(ctx), nil)
}

func statusOf(err error) int {
	var reqErr *remote.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Status
	}
	return 0
}
