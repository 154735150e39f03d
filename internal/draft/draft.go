// Package draft 可编辑的 Project -> Stage -> Assignment 树。
//
// 节点存放在以 Key 为索引的 arena 中。阶段顺序是显式的 key 切片，order_index
// 始终等于节点在其中的位置，删除后保持连续。每个修改先校验再应用，被拒绝的调用不改变草稿
package draft

import (
	"slices"
	"strings"
	"sync"

	"projectplanner/internal/model"
)

// Catalog 解析分配可引用的只读目录
type Catalog interface {
	Task(id int64) (model.TaskCatalogEntry, bool)
	Programmer(id int64) (model.Programmer, bool)
}

type ProjectFields struct {
	Name          string
	Description   string
	StartDate     model.Date
	EndDate       model.Date
	ResponsibleID *int64
}

func (f ProjectFields) same(o ProjectFields) bool {
	return f.Name == o.Name &&
		f.Description == o.Description &&
		f.StartDate.Equal(o.StartDate) &&
		f.EndDate.Equal(o.EndDate) &&
		model.SameRef(f.ResponsibleID, o.ResponsibleID)
}

type ProjectUpdate struct {
	Name             *string
	Description      *string
	StartDate        *model.Date
	EndDate          *model.Date
	ResponsibleID    *int64
	ClearResponsible bool
}

type StageUpdate struct {
	Name        *string
	Description *string
}

type AssignmentUpdate struct {
	TaskID          *int64
	ProgrammerID    *int64
	ClearProgrammer bool
	Status          *model.Status
}

type stageFields struct {
	name        string
	description string
	orderIndex  int
}

type assignmentFields struct {
	taskID       int64
	programmerID *int64
	status       model.Status
}

func (a assignmentFields) same(o assignmentFields) bool {
	return a.taskID == o.taskID && model.SameRef(a.programmerID, o.programmerID) && a.status == o.status
}

type stageNode struct {
	key         Key
	identity    Identity
	name        string
	description string
	assignments []Key
	base        *stageFields
}

type assignmentNode struct {
	key      Key
	stage    Key
	identity Identity
	fields   assignmentFields
	base     *assignmentFields
}

type Option func(*Draft)

// WithCatalog 让 AddAssignment/UpdateAssignment 按 c 检查引用
func WithCatalog(c Catalog) Option {
	return func(d *Draft) { d.catalog = c }
}

type Draft struct {
	mu sync.Mutex

	key      Key
	identity Identity
	fields   ProjectFields
	base     *ProjectFields

	order       []Key
	stages      map[Key]*stageNode
	assignments map[Key]*assignmentNode

	// 自上次干净基线以来删除的已持久化 id
	removedStages      []int64
	removedAssignments []int64

	catalog Catalog
	locked  bool
}

// New 为尚未存在于远程的项目创建草稿
func New(fields ProjectFields, opts ...Option) *Draft {
	key := NewKey()
	d := &Draft{
		key:         key,
		identity:    Unsaved(key),
		fields:      fields,
		stages:      make(map[Key]*stageNode),
		assignments: make(map[Key]*assignmentNode),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// FromSnapshot 由已持久化项目构建干净草稿
func FromSnapshot(p model.Project, opts ...Option) *Draft {
	d := New(ProjectFields{
		Name:          p.Name,
		Description:   p.Description,
		StartDate:     p.StartDate,
		EndDate:       p.EndDate,
		ResponsibleID: copyRef(p.ResponsibleID),
	}, opts...)
	d.identity = Persisted(p.ID)

	stages := slices.Clone(p.Stages)
	slices.SortStableFunc(stages, func(a, b model.Stage) int { return a.OrderIndex - b.OrderIndex })

	for _, s := range stages {
		sn := &stageNode{
			key:         NewKey(),
			identity:    Persisted(s.ID),
			name:        s.Name,
			description: s.Description,
		}
		for _, a := range s.Assignments {
			status := a.Status
			if status == "" {
				status = model.StatusPending
			}
			an := &assignmentNode{
				key:      NewKey(),
				stage:    sn.key,
				identity: Persisted(a.ID),
				fields:   assignmentFields{taskID: a.TaskID, programmerID: copyRef(a.ProgrammerID), status: status},
			}
			d.assignments[an.key] = an
			sn.assignments = append(sn.assignments, an.key)
		}
		d.stages[sn.key] = sn
		d.order = append(d.order, sn.key)
	}
	d.markCleanLocked()
	return d
}

// Lock 在 Unlock 前冻结结构修改；已加锁时返回错误
func (d *Draft) Lock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return ErrLocked
	}
	d.locked = true
	return nil
}

func (d *Draft) Unlock() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locked = false
}

func (d *Draft) Locked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locked
}

func (d *Draft) UpdateProject(u ProjectUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return ErrLocked
	}

	next := d.fields
	if u.Name != nil {
		next.Name = *u.Name
	}
	if u.Description != nil {
		next.Description = *u.Description
	}
	if u.StartDate != nil {
		next.StartDate = *u.StartDate
	}
	if u.EndDate != nil {
		next.EndDate = *u.EndDate
	}
	if u.ClearResponsible {
		next.ResponsibleID = nil
	} else if u.ResponsibleID != nil {
		next.ResponsibleID = copyRef(u.ResponsibleID)
	}

	if err := d.checkProjectFields(next, u.Name != nil); err != nil {
		return err
	}
	d.fields = next
	return nil
}

func (d *Draft) AddStage(name, description string) (Stage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return Stage{}, ErrLocked
	}
	if err := d.checkStageName(name, Key{}); err != nil {
		return Stage{}, err
	}

	key := NewKey()
	sn := &stageNode{key: key, identity: Unsaved(key), name: name, description: description}
	d.stages[key] = sn
	d.order = append(d.order, key)
	return d.stageView(len(d.order) - 1), nil
}

// RemoveStage 删除阶段及其分配，并补齐 order_index
func (d *Draft) RemoveStage(key Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return ErrLocked
	}
	sn, ok := d.stages[key]
	if !ok {
		return invalidf("stage", "unknown stage %s", key)
	}

	for _, ak := range sn.assignments {
		d.dropAssignment(ak)
	}
	if id, ok := sn.identity.RemoteID(); ok {
		d.removedStages = append(d.removedStages, id)
	}
	delete(d.stages, key)
	d.order = slices.DeleteFunc(d.order, func(k Key) bool { return k == key })
	return nil
}

func (d *Draft) UpdateStage(key Key, u StageUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return ErrLocked
	}
	sn, ok := d.stages[key]
	if !ok {
		return invalidf("stage", "unknown stage %s", key)
	}
	if u.Name != nil {
		if err := d.checkStageName(*u.Name, key); err != nil {
			return err
		}
		sn.name = *u.Name
	}
	if u.Description != nil {
		sn.description = *u.Description
	}
	return nil
}

// MoveStage 把阶段移到 index 并重排兄弟节点
func (d *Draft) MoveStage(key Key, index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return ErrLocked
	}
	if _, ok := d.stages[key]; !ok {
		return invalidf("stage", "unknown stage %s", key)
	}
	if index < 0 || index >= len(d.order) {
		return invalidf("order_index", "%d out of range [0, %d)", index, len(d.order))
	}
	d.order = slices.DeleteFunc(d.order, func(k Key) bool { return k == key })
	d.order = slices.Insert(d.order, index, key)
	return nil
}

func (d *Draft) AddAssignment(stageKey Key, taskID int64, programmerID *int64) (Assignment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return Assignment{}, ErrLocked
	}
	sn, ok := d.stages[stageKey]
	if !ok {
		return Assignment{}, invalidf("stage", "unknown stage %s", stageKey)
	}
	fields := assignmentFields{taskID: taskID, programmerID: copyRef(programmerID), status: model.StatusPending}
	if err := d.checkAssignment(fields); err != nil {
		return Assignment{}, err
	}

	key := NewKey()
	an := &assignmentNode{key: key, stage: stageKey, identity: Unsaved(key), fields: fields}
	d.assignments[key] = an
	sn.assignments = append(sn.assignments, key)
	return an.view(), nil
}

func (d *Draft) UpdateAssignment(key Key, u AssignmentUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return ErrLocked
	}
	an, ok := d.assignments[key]
	if !ok {
		return invalidf("assignment", "unknown assignment %s", key)
	}

	next := an.fields
	if u.TaskID != nil {
		next.taskID = *u.TaskID
	}
	if u.ClearProgrammer {
		next.programmerID = nil
	} else if u.ProgrammerID != nil {
		next.programmerID = copyRef(u.ProgrammerID)
	}
	if u.Status != nil {
		next.status = *u.Status
	}
	if err := d.checkAssignment(next); err != nil {
		return err
	}
	an.fields = next
	return nil
}

func (d *Draft) RemoveAssignment(key Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked {
		return ErrLocked
	}
	an, ok := d.assignments[key]
	if !ok {
		return invalidf("assignment", "unknown assignment %s", key)
	}
	sn := d.stages[an.stage]
	sn.assignments = slices.DeleteFunc(sn.assignments, func(k Key) bool { return k == key })
	d.dropAssignment(key)
	return nil
}

// Validate 校验整棵树，保存时在任何远程调用之前执行
func (d *Draft) Validate() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkProjectFields(d.fields, true); err != nil {
		return err
	}
	seen := make(map[string]bool, len(d.order))
	for i, k := range d.order {
		sn := d.stages[k]
		if strings.TrimSpace(sn.name) == "" {
			return invalidf("stage.name", "stage %d has an empty name", i)
		}
		if seen[sn.name] {
			return invalidf("stage.name", "duplicate stage name %q", sn.name)
		}
		seen[sn.name] = true
		for _, ak := range sn.assignments {
			if err := d.checkAssignment(d.assignments[ak].fields); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Draft) checkProjectFields(f ProjectFields, requireName bool) error {
	if requireName && strings.TrimSpace(f.Name) == "" {
		return invalidf("project.name", "must not be empty")
	}
	if !f.StartDate.IsZero() && !f.EndDate.IsZero() && f.EndDate.Before(f.StartDate.Time) {
		return invalidf("project.end_date", "%s is before start date %s", f.EndDate, f.StartDate)
	}
	if f.ResponsibleID != nil && d.catalog != nil {
		if _, ok := d.catalog.Programmer(*f.ResponsibleID); !ok {
			return invalidf("project.responsible_id", "unknown programmer %d", *f.ResponsibleID)
		}
	}
	return nil
}

// checkStageName 拒绝空名和与兄弟阶段重名
func (d *Draft) checkStageName(name string, self Key) error {
	if strings.TrimSpace(name) == "" {
		return invalidf("stage.name", "must not be empty")
	}
	for _, k := range d.order {
		if k != self && d.stages[k].name == name {
			return invalidf("stage.name", "duplicate stage name %q", name)
		}
	}
	return nil
}

func (d *Draft) checkAssignment(f assignmentFields) error {
	if f.taskID <= 0 {
		return invalidf("assignment.task_id", "a task reference is required")
	}
	if !f.status.Valid() {
		return invalidf("assignment.status", "unknown status %q", f.status)
	}
	if d.catalog == nil {
		return nil
	}
	if _, ok := d.catalog.Task(f.taskID); !ok {
		return invalidf("assignment.task_id", "unknown task %d", f.taskID)
	}
	if f.programmerID != nil {
		if _, ok := d.catalog.Programmer(*f.programmerID); !ok {
			return invalidf("assignment.programmer_id", "unknown programmer %d", *f.programmerID)
		}
	}
	return nil
}

// dropAssignment 只从 arena 删除，调用方负责修正阶段的 key 列表
func (d *Draft) dropAssignment(key Key) {
	an := d.assignments[key]
	if id, ok := an.identity.RemoteID(); ok {
		d.removedAssignments = append(d.removedAssignments, id)
	}
	delete(d.assignments, key)
}

func copyRef(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
