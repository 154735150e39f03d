// Package estimate 由目录基础工时和程序员系数计算工作量
package estimate

import (
	"math"

	"projectplanner/internal/draft"
	"projectplanner/internal/model"
)

// DefaultCoefficient 未指定程序员时使用
const DefaultCoefficient = 1.0

type Catalog interface {
	Task(id int64) (model.TaskCatalogEntry, bool)
	Programmer(id int64) (model.Programmer, bool)
}

type StageEstimate struct {
	Name        string  `json:"name"`
	OrderIndex  int     `json:"order_index"`
	Assignments int     `json:"assignments"`
	Hours       float64 `json:"hours"`
}

type Estimate struct {
	TotalHours float64         `json:"total_estimated_hours"`
	Stages     []StageEstimate `json:"stages"`
	// 目录无法解析的引用：未知任务按 0 工时，未知程序员按未分配
	UnknownTasks       []int64 `json:"unknown_tasks,omitempty"`
	UnknownProgrammers []int64 `json:"unknown_programmers,omitempty"`
}

// AssignmentHours = base_time_hours × coefficient，未指定程序员时系数为 1.0
func AssignmentHours(task model.TaskCatalogEntry, programmer *model.Programmer) float64 {
	coefficient := DefaultCoefficient
	if programmer != nil {
		coefficient = programmer.Coefficient
	}
	return round2(task.BaseTimeHours * coefficient)
}

// ApplyProject 填充每个分配的 calculated_total_hours 和 p 的 total_estimated_hours
func ApplyProject(p *model.Project, c Catalog) Estimate {
	var est Estimate
	var total float64

	for si := range p.Stages {
		s := &p.Stages[si]
		se := StageEstimate{Name: s.Name, OrderIndex: s.OrderIndex, Assignments: len(s.Assignments)}
		for ai := range s.Assignments {
			a := &s.Assignments[ai]
			task, ok := c.Task(a.TaskID)
			if !ok {
				est.UnknownTasks = append(est.UnknownTasks, a.TaskID)
				a.CalculatedTotalHours = 0
				continue
			}
			var programmer *model.Programmer
			if a.ProgrammerID != nil {
				if pr, ok := c.Programmer(*a.ProgrammerID); ok {
					programmer = &pr
				} else {
					est.UnknownProgrammers = append(est.UnknownProgrammers, *a.ProgrammerID)
				}
			}
			a.CalculatedTotalHours = AssignmentHours(task, programmer)
			se.Hours += a.CalculatedTotalHours
		}
		se.Hours = round2(se.Hours)
		total += se.Hours
		est.Stages = append(est.Stages, se)
	}

	p.TotalEstimatedHours = round2(total)
	est.TotalHours = p.TotalEstimatedHours
	return est
}

// Draft 估算未保存的草稿用于实时展示，不修改草稿
func Draft(d *draft.Draft, c Catalog) Estimate {
	p := d.Materialize()
	return ApplyProject(&p, c)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
