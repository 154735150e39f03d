package draft

import (
	"fmt"

	"projectplanner/internal/model"
)

// Project 草稿根节点的只读视图
type Project struct {
	Key      Key
	Identity Identity
	ProjectFields
	Dirty bool
}

type Stage struct {
	Key         Key
	Identity    Identity
	Name        string
	Description string
	OrderIndex  int
	Assignments []Assignment
	Dirty       bool
}

type Assignment struct {
	Key          Key
	StageKey     Key
	Identity     Identity
	TaskID       int64
	ProgrammerID *int64
	Status       model.Status
	Dirty        bool
}

func (d *Draft) Project() Project {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Project{
		Key:           d.key,
		Identity:      d.identity,
		ProjectFields: d.projectFields(),
		Dirty:         d.base == nil || !d.identity.IsPersisted() || !d.base.same(d.fields),
	}
}

// Stages 按 order_index 返回阶段
func (d *Draft) Stages() []Stage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Stage, 0, len(d.order))
	for i := range d.order {
		out = append(out, d.stageView(i))
	}
	return out
}

func (d *Draft) Stage(key Key) (Stage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, k := range d.order {
		if k == key {
			return d.stageView(i), true
		}
	}
	return Stage{}, false
}

func (d *Draft) Assignment(key Key) (Assignment, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	an, ok := d.assignments[key]
	if !ok {
		return Assignment{}, false
	}
	return an.view(), true
}

// Dirty 与上次同步的基线相比是否有变化
func (d *Draft) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.base == nil || !d.identity.IsPersisted() || !d.base.same(d.fields) {
		return true
	}
	if len(d.removedStages) > 0 || len(d.removedAssignments) > 0 {
		return true
	}
	for i := range d.order {
		if d.stageDirty(i) {
			return true
		}
	}
	for _, an := range d.assignments {
		if an.dirty() {
			return true
		}
	}
	return false
}

// SyncKey 单飞用的项目标识：持久化后为远程 id，之前为本地 key
func (d *Draft) SyncKey() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.identity.RemoteID(); ok {
		return fmt.Sprintf("project:%d", id)
	}
	return "draft:" + d.key.String()
}

// Materialize 把草稿渲染为模型树，未保存实体的 id 为 0
func (d *Draft) Materialize() model.Project {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, _ := d.identity.RemoteID()
	f := d.projectFields()
	p := model.Project{
		ID:            id,
		Name:          f.Name,
		Description:   f.Description,
		StartDate:     f.StartDate,
		EndDate:       f.EndDate,
		ResponsibleID: f.ResponsibleID,
	}
	for i := range d.order {
		sv := d.stageView(i)
		stageID, _ := sv.Identity.RemoteID()
		s := model.Stage{
			ID:          stageID,
			ProjectID:   id,
			Name:        sv.Name,
			Description: sv.Description,
			OrderIndex:  sv.OrderIndex,
		}
		for _, av := range sv.Assignments {
			aid, _ := av.Identity.RemoteID()
			s.Assignments = append(s.Assignments, model.Assignment{
				ID:           aid,
				StageID:      stageID,
				TaskID:       av.TaskID,
				ProgrammerID: av.ProgrammerID,
				Status:       av.Status,
			})
		}
		p.Stages = append(p.Stages, s)
	}
	return p
}

func (d *Draft) projectFields() ProjectFields {
	f := d.fields
	f.ResponsibleID = copyRef(f.ResponsibleID)
	return f
}

func (d *Draft) stageView(i int) Stage {
	sn := d.stages[d.order[i]]
	v := Stage{
		Key:         sn.key,
		Identity:    sn.identity,
		Name:        sn.name,
		Description: sn.description,
		OrderIndex:  i,
		Dirty:       d.stageDirty(i),
	}
	for _, ak := range sn.assignments {
		v.Assignments = append(v.Assignments, d.assignments[ak].view())
	}
	return v
}

func (d *Draft) stageDirty(i int) bool {
	sn := d.stages[d.order[i]]
	if sn.base == nil || !sn.identity.IsPersisted() {
		return true
	}
	return sn.base.name != sn.name || sn.base.description != sn.description || sn.base.orderIndex != i
}

func (an *assignmentNode) dirty() bool {
	return an.base == nil || !an.identity.IsPersisted() || !an.base.same(an.fields)
}

func (an *assignmentNode) view() Assignment {
	return Assignment{
		Key:          an.key,
		StageKey:     an.stage,
		Identity:     an.identity,
		TaskID:       an.fields.taskID,
		ProgrammerID: copyRef(an.fields.programmerID),
		Status:       an.fields.status,
		Dirty:        an.dirty(),
	}
}
