package model

import "fmt"

type TaskType string

const (
	TaskTypeDevelopment TaskType = "development"
	TaskTypeManagement  TaskType = "management"
)

type Seniority string

const (
	SeniorityJunior Seniority = "Junior"
	SeniorityPleno  Seniority = "Pleno"
	SenioritySenior Seniority = "Senior"
	SeniorityLead   Seniority = "lead"
	SeniorityPM     Seniority = "PM"
)

const MaxCoefficient = 3.0

type TaskCatalogEntry struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Type          TaskType `json:"type"`
	BaseTimeHours float64  `json:"base_time_hours"`
}

func (t TaskCatalogEntry) EntityKind() Kind { return KindTask }
func (t TaskCatalogEntry) EntityID() int64  { return t.ID }

func (t TaskCatalogEntry) Validate() error {
	if t.Type != TaskTypeDevelopment && t.Type != TaskTypeManagement {
		return fmt.Errorf("task %d: unknown type %q", t.ID, t.Type)
	}
	if t.BaseTimeHours <= 0 {
		return fmt.Errorf("task %d: base_time_hours must be positive, got %v", t.ID, t.BaseTimeHours)
	}
	return nil
}

type Programmer struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Seniority   Seniority `json:"seniority"`
	Coefficient float64   `json:"coefficient"`
}

func (p Programmer) EntityKind() Kind { return KindProgrammer }
func (p Programmer) EntityID() int64  { return p.ID }

func (p Programmer) Validate() error {
	switch p.Seniority {
	case SeniorityJunior, SeniorityPleno, SenioritySenior, SeniorityLead, SeniorityPM:
	default:
		return fmt.Errorf("programmer %d: unknown seniority %q", p.ID, p.Seniority)
	}
	if p.Coefficient <= 0 || p.Coefficient > MaxCoefficient {
		return fmt.Errorf("programmer %d: coefficient must be in (0, %v], got %v", p.ID, MaxCoefficient, p.Coefficient)
	}
	return nil
}
