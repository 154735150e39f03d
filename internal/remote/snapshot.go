package remote

import (
	"context"
	"fmt"
	"sort"

	"projectplanner/internal/model"
)

// LoadSnapshot 读取项目及嵌套的阶段和分配，阶段按 order_index 排序。
// 不属于该项目的阶段、不属于该阶段的分配一律丢弃，避免被 diff 当作已删除
func LoadSnapshot(ctx context.Context, store Store, projectID int64) (model.Project, error) {
	var (
		project model.Project
		err     error
	)
	if loader, ok := store.(ProjectLoader); ok {
		project, err = loader.LoadProject(ctx, projectID)
	} else {
		project, err = loadByList(ctx, store, projectID)
	}
	if err != nil {
		return model.Project{}, err
	}
	return scope(project, projectID), nil
}

func loadByList(ctx context.Context, store Store, projectID int64) (model.Project, error) {
	e, err := store.Get(ctx, model.KindProject, projectID)
	if err != nil {
		return model.Project{}, err
	}
	project, err := As[model.Project](OpGet, model.KindProject, projectID, e)
	if err != nil {
		return model.Project{}, err
	}

	stages, err := ListAs[model.Stage](ctx, store, model.KindStage, Filter{ProjectID: projectID})
	if err != nil {
		return model.Project{}, err
	}
	for i := range stages {
		if stages[i].ProjectID != projectID {
			continue
		}
		assignments, err := ListAs[model.Assignment](ctx, store, model.KindAssignment, Filter{StageID: stages[i].ID})
		if err != nil {
			return model.Project{}, err
		}
		stages[i].Assignments = assignments
	}
	project.Stages = stages
	return project, nil
}

// scope 只保留属于 projectID 的阶段和分配，并按 order_index 排序
func scope(p model.Project, projectID int64) model.Project {
	p.ID = projectID
	stages := make([]model.Stage, 0, len(p.Stages))
	for _, s := range p.Stages {
		if s.ProjectID != projectID {
			continue
		}
		assignments := make([]model.Assignment, 0, len(s.Assignments))
		for _, a := range s.Assignments {
			if a.StageID == s.ID {
				assignments = append(assignments, a)
			}
		}
		s.Assignments = assignments
		stages = append(stages, s)
	}
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].OrderIndex < stages[j].OrderIndex })
	p.Stages = stages
	return p
}

// As 把存储返回的实体收窄为具体类型
func As[T model.Entity](op Op, kind model.Kind, id int64, e model.Entity) (T, error) {
	v, ok := e.(T)
	if !ok {
		var zero T
		return zero, NewRequestError(op, kind, id, 0, fmt.Sprintf("unexpected entity type %T", e), nil)
	}
	return v, nil
}

// ListAs 列出一种实体并逐个收窄
func ListAs[T model.Entity](ctx context.Context, store Store, kind model.Kind, filter Filter) ([]T, error) {
	entities, err := store.List(ctx, kind, filter)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entities))
	for _, e := range entities {
		v, err := As[T](OpList, kind, e.EntityID(), e)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
