package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Kind 远程集合名
type Kind string

const (
	KindProject    Kind = "project"
	KindStage      Kind = "stage"
	KindAssignment Kind = "assignment"
	KindTask       Kind = "task"
	KindProgrammer Kind = "programmer"
)

// Entity 远程存储可保存的任意实体
type Entity interface {
	EntityKind() Kind
	EntityID() int64
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

const DateLayout = "2006-01-02"

// Date 日历日期；零值表示未设置，编码为 JSON null
type Date struct {
	time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func ParseDate(s string) (Date, error) {
	if s == "" {
		return Date{}, nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{t}, nil
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

func (d Date) Equal(o Date) bool {
	return d.Time.Equal(o.Time)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(DateLayout))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	// 远程接口有时返回完整时间戳
	if len(s) > len(DateLayout) {
		s = s[:len(DateLayout)]
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

type Project struct {
	ID                  int64   `json:"id"`
	Name                string  `json:"name"`
	Description         string  `json:"description"`
	StartDate           Date    `json:"start_date"`
	EndDate             Date    `json:"end_date"`
	ResponsibleID       *int64  `json:"responsible_id"`
	Stages              []Stage `json:"stages,omitempty"`
	TotalEstimatedHours float64 `json:"total_estimated_hours"`
}

func (p Project) EntityKind() Kind { return KindProject }
func (p Project) EntityID() int64  { return p.ID }

// SameFields 比较用户可编辑的顶层字段
func (p Project) SameFields(o Project) bool {
	return p.Name == o.Name &&
		p.Description == o.Description &&
		p.StartDate.Equal(o.StartDate) &&
		p.EndDate.Equal(o.EndDate) &&
		SameRef(p.ResponsibleID, o.ResponsibleID)
}

type Stage struct {
	ID          int64        `json:"id"`
	ProjectID   int64        `json:"project_id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	OrderIndex  int          `json:"order_index"`
	Assignments []Assignment `json:"project_tasks,omitempty"`
}

func (s Stage) EntityKind() Kind { return KindStage }
func (s Stage) EntityID() int64  { return s.ID }

func (s Stage) SameFields(o Stage) bool {
	return s.Name == o.Name && s.Description == o.Description && s.OrderIndex == o.OrderIndex
}

// Assignment 把一个目录任务挂到阶段上，可选指定程序员
type Assignment struct {
	ID                   int64   `json:"id"`
	StageID              int64   `json:"stage_id"`
	TaskID               int64   `json:"task_id"`
	ProgrammerID         *int64  `json:"programmer_id"`
	Status               Status  `json:"status"`
	CalculatedTotalHours float64 `json:"calculated_total_hours"`
}

func (a Assignment) EntityKind() Kind { return KindAssignment }
func (a Assignment) EntityID() int64  { return a.ID }

func (a Assignment) SameFields(o Assignment) bool {
	return a.TaskID == o.TaskID && SameRef(a.ProgrammerID, o.ProgrammerID) && a.Status == o.Status
}

// SameRef 按值比较两个可选引用
func SameRef(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Ref 返回 id 副本的指针
func Ref(id int64) *int64 {
	return &id
}
