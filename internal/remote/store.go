package remote

import (
	"context"

	"projectplanner/internal/model"
)

// Filter List 的过滤条件，零值字段忽略
type Filter struct {
	ProjectID int64
	StageID   int64
}

// Store 权威项目存储的请求/应答接口。
// Create 由存储分配 id；List 返回的阶段按 order_index 排序，其余按 id 排序
type Store interface {
	Create(ctx context.Context, payload model.Entity) (model.Entity, error)
	Update(ctx context.Context, id int64, payload model.Entity) (model.Entity, error)
	Delete(ctx context.Context, kind model.Kind, id int64) error
	Get(ctx context.Context, kind model.Kind, id int64) (model.Entity, error)
	List(ctx context.Context, kind model.Kind, filter Filter) ([]model.Entity, error)
}

// Pinger 可报告后端是否就绪
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProjectLoader 一次请求返回带嵌套阶段和分配的项目。
// 远程接口的列表过滤不可靠时，LoadSnapshot 优先使用它
type ProjectLoader interface {
	LoadProject(ctx context.Context, projectID int64) (model.Project, error)
}
