package diff

import (
	"fmt"

	"projectplanner/internal/draft"
	"projectplanner/internal/model"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Operation 一次远程写
type Operation struct {
	Action Action
	Kind   model.Kind
	// 创建/更新写入的草稿节点，或删除对应的节点；草稿中已不存在时为零值
	Key draft.Key
	// 更新或删除的远程目标
	ID int64
	// 创建分配时的父阶段，其远程 id 可能要等阶段创建返回后才知道
	StageKey draft.Key
	// 用户字段；父 id 由 sequencer 填入
	Payload model.Entity
}

func (o Operation) String() string {
	if o.ID != 0 {
		return fmt.Sprintf("%s %s %d", o.Action, o.Kind, o.ID)
	}
	return fmt.Sprintf("%s %s", o.Action, o.Kind)
}

// StagePlan 一个阶段的全部操作
type StagePlan struct {
	// 已从草稿删除的阶段为零值
	Key  draft.Key
	Name string
	// 草稿中的位置；已删除阶段取快照中的位置
	OrderIndex int
	// 已存在时的远程 id
	ID int64
	// 阶段本身无需写入时为 nil
	Op                *Operation
	AssignmentDeletes []Operation
	AssignmentCreates []Operation
}

func (p StagePlan) Removed() bool {
	return p.Op != nil && p.Op.Action == ActionDelete
}

func (p StagePlan) empty() bool {
	return p.Op == nil && len(p.AssignmentDeletes) == 0 && len(p.AssignmentCreates) == 0
}

// Changeset 快照与草稿比较后的有序结果
type Changeset struct {
	ProjectKey draft.Key
	// 项目已存在时的远程 id
	ProjectID int64
	Project   *Operation
	// 按快照顺序列出要删除的阶段，每个都带显式的级联分配删除
	Removed []StagePlan
	// 按草稿顺序列出需要写入的保留或新建阶段
	Stages []StagePlan
}

func (c Changeset) Empty() bool {
	return c.Project == nil && len(c.Removed) == 0 && len(c.Stages) == 0
}

// Operations 按执行顺序展开：项目，被删阶段（先分配后阶段），阶段行，
// 最后逐阶段删除并创建分配
func (c Changeset) Operations() []Operation {
	var ops []Operation
	if c.Project != nil {
		ops = append(ops, *c.Project)
	}
	for _, p := range c.Removed {
		ops = append(ops, p.AssignmentDeletes...)
		ops = append(ops, *p.Op)
	}
	for _, p := range c.Stages {
		if p.Op != nil {
			ops = append(ops, *p.Op)
		}
	}
	for _, p := range c.Stages {
		ops = append(ops, p.AssignmentDeletes...)
		ops = append(ops, p.AssignmentCreates...)
	}
	return ops
}

// Count 按动作统计操作数
func (c Changeset) Count() map[Action]int {
	out := make(map[Action]int, 3)
	for _, op := range c.Operations() {
		out[op.Action]++
	}
	return out
}
