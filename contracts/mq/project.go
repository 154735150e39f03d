package mq

import "time"

// 路由键
const (
	RoutingKeyProjectSaveRequested = "project.save_requested"
	RoutingKeyProjectSynced        = "project.synced"
	RoutingKeyProjectSyncFailed    = "project.sync_failed"
)

// AssignmentSpec 期望状态中的一条任务分配；ID 为 0 表示新建
type AssignmentSpec struct {
	ID           int64  `json:"id,omitempty"`
	TaskID       int64  `json:"task_id"`
	ProgrammerID *int64 `json:"programmer_id,omitempty"`
	Status       string `json:"status,omitempty"`
}

// StageSpec 期望状态中的一个阶段，数组顺序即 order_index；ID 为 0 表示新建
type StageSpec struct {
	ID          int64            `json:"id,omitempty"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Assignments []AssignmentSpec `json:"project_tasks"`
}

// ProjectSaveRequestedPayload 请求把项目同步为给定的期望状态。
// ProjectID 为 0 时创建新项目；日期格式 YYYY-MM-DD
type ProjectSaveRequestedPayload struct {
	ProjectID     int64       `json:"project_id,omitempty"`
	Name          string      `json:"name"`
	Description   string      `json:"description"`
	StartDate     string      `json:"start_date,omitempty"`
	EndDate       string      `json:"end_date,omitempty"`
	ResponsibleID *int64      `json:"responsible_id,omitempty"`
	Stages        []StageSpec `json:"stages"`
	RequestedBy   string      `json:"requested_by,omitempty"`
}

// ProjectSyncedPayload 保存成功
type ProjectSyncedPayload struct {
	ProjectID           int64          `json:"project_id"`
	Created             bool           `json:"created"`
	Operations          map[string]int `json:"operations"`
	TotalEstimatedHours float64        `json:"total_estimated_hours"`
	SyncedAt            time.Time      `json:"synced_at"`
}

// ProjectSyncFailedPayload 保存失败；Applied 的步骤已生效且不会回滚
type ProjectSyncFailedPayload struct {
	ProjectID  int64     `json:"project_id,omitempty"`
	State      string    `json:"state"`
	Error      string    `json:"error"`
	ErrorType  string    `json:"error_type"`
	FailedStep string    `json:"failed_step,omitempty"`
	Applied    []string  `json:"applied,omitempty"`
	Unissued   []string  `json:"unissued,omitempty"`
	FailedAt   time.Time `json:"failed_at"`
}
