// Package memstore 是内存版的 remote.Store：顺序分配 id，像真实存储一样检查父引用，
// 并记录所有写调用，供测试和本地运行使用
package memstore

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"projectplanner/internal/model"
	"projectplanner/internal/remote"
)

// Call 一次被记录的写调用
type Call struct {
	Op   remote.Op
	Kind model.Kind
	ID   int64
	// 创建时引用的父实体（阶段→项目，分配→阶段）
	ParentID int64
}

func (c Call) String() string {
	if c.ID != 0 {
		return fmt.Sprintf("%s %s %d", c.Op, c.Kind, c.ID)
	}
	return fmt.Sprintf("%s %s", c.Op, c.Kind)
}

// FaultFunc 返回非 nil 时，对应调用在生效前失败
type FaultFunc func(c Call) error

type Store struct {
	mu     sync.Mutex
	data   map[model.Kind]map[int64]model.Entity
	nextID int64
	calls  []Call
	fault  FaultFunc
}

func New() *Store {
	return &Store{
		data: map[model.Kind]map[int64]model.Entity{
			model.KindProject:    {},
			model.KindStage:      {},
			model.KindAssignment: {},
			model.KindTask:       {},
			model.KindProgrammer: {},
		},
	}
}

// InjectFault 传 nil 清除
func (s *Store) InjectFault(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// Calls 返回至今的写调用（含失败的）
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Create(ctx context.Context, payload model.Entity) (model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := payload.EntityKind()
	call := Call{Op: remote.OpCreate, Kind: kind, ParentID: parentOf(payload)}
	s.calls = append(s.calls, call)
	if err := s.injected(call); err != nil {
		return nil, err
	}
	if err := s.checkParent(remote.OpCreate, payload); err != nil {
		return nil, err
	}

	s.nextID++
	stored := withID(payload, s.nextID)
	s.data[kind][s.nextID] = stored
	return stored, nil
}

func (s *Store) Update(ctx context.Context, id int64, payload model.Entity) (model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := payload.EntityKind()
	call := Call{Op: remote.OpUpdate, Kind: kind, ID: id}
	s.calls = append(s.calls, call)
	if err := s.injected(call); err != nil {
		return nil, err
	}
	if _, ok := s.data[kind][id]; !ok {
		return nil, remote.NewRequestError(remote.OpUpdate, kind, id, http.StatusNotFound, "not found", nil)
	}
	if err := s.checkParent(remote.OpUpdate, payload); err != nil {
		return nil, err
	}
	stored := withID(payload, id)
	s.data[kind][id] = stored
	return stored, nil
}

func (s *Store) Delete(ctx context.Context, kind model.Kind, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	call := Call{Op: remote.OpDelete, Kind: kind, ID: id}
	s.calls = append(s.calls, call)
	if err := s.injected(call); err != nil {
		return err
	}
	if _, ok := s.data[kind][id]; !ok {
		return remote.NewRequestError(remote.OpDelete, kind, id, http.StatusNotFound, "not found", nil)
	}
	if n := s.children(kind, id); n > 0 {
		return remote.NewRequestError(remote.OpDelete, kind, id, http.StatusConflict,
			fmt.Sprintf("still referenced by %d child rows", n), nil)
	}
	delete(s.data[kind], id)
	return nil
}

func (s *Store) Get(ctx context.Context, kind model.Kind, id int64) (model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[kind][id]
	if !ok {
		return nil, remote.NewRequestError(remote.OpGet, kind, id, http.StatusNotFound, "not found", nil)
	}
	return e, nil
}

func (s *Store) List(ctx context.Context, kind model.Kind, filter remote.Filter) ([]model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Entity
	for _, e := range s.data[kind] {
		switch v := e.(type) {
		case model.Stage:
			if filter.ProjectID != 0 && v.ProjectID != filter.ProjectID {
				continue
			}
		case model.Assignment:
			if filter.StageID != 0 && v.StageID != filter.StageID {
				continue
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		si, iok := out[i].(model.Stage)
		sj, jok := out[j].(model.Stage)
		if iok && jok && si.OrderIndex != sj.OrderIndex {
			return si.OrderIndex < sj.OrderIndex
		}
		return out[i].EntityID() < out[j].EntityID()
	})
	return out, nil
}

// Seed 直接写入目录条目等实体，不记录调用
func (s *Store) Seed(entities ...model.Entity) []model.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Entity, 0, len(entities))
	for _, e := range entities {
		s.nextID++
		stored := withID(e, s.nextID)
		s.data[e.EntityKind()][s.nextID] = stored
		out = append(out, stored)
	}
	return out
}

func (s *Store) injected(c Call) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(c)
}

func (s *Store) checkParent(op remote.Op, payload model.Entity) error {
	switch v := payload.(type) {
	case model.Stage:
		if _, ok := s.data[model.KindProject][v.ProjectID]; !ok {
			return remote.NewRequestError(op, model.KindStage, v.ID, http.StatusConflict,
				fmt.Sprintf("project %d does not exist", v.ProjectID), nil)
		}
	case model.Assignment:
		if _, ok := s.data[model.KindStage][v.StageID]; !ok {
			return remote.NewRequestError(op, model.KindAssignment, v.ID, http.StatusConflict,
				fmt.Sprintf("stage %d does not exist", v.StageID), nil)
		}
		if _, ok := s.data[model.KindTask][v.TaskID]; !ok {
			return remote.NewRequestError(op, model.KindAssignment, v.ID, http.StatusConflict,
				fmt.Sprintf("task %d does not exist", v.TaskID), nil)
		}
	}
	return nil
}

func (s *Store) children(kind model.Kind, id int64) int {
	n := 0
	switch kind {
	case model.KindProject:
		for _, e := range s.data[model.KindStage] {
			if e.(model.Stage).ProjectID == id {
				n++
			}
		}
	case model.KindStage:
		for _, e := range s.data[model.KindAssignment] {
			if e.(model.Assignment).StageID == id {
				n++
			}
		}
	}
	return n
}

func parentOf(e model.Entity) int64 {
	switch v := e.(type) {
	case model.Stage:
		return v.ProjectID
	case model.Assignment:
		return v.StageID
	}
	return 0
}

// withID 返回带 id 的扁平副本，不保存嵌套子实体
func withID(e model.Entity, id int64) model.Entity {
	switch v := e.(type) {
	case model.Project:
		v.ID = id
		v.Stages = nil
		v.TotalEstimatedHours = 0
		return v
	case model.Stage:
		v.ID = id
		v.Assignments = nil
		return v
	case model.Assignment:
		v.ID = id
		v.CalculatedTotalHours = 0
		if v.Status == "" {
			v.Status = model.StatusPending
		}
		return v
	case model.TaskCatalogEntry:
		v.ID = id
		return v
	case model.Programmer:
		v.ID = id
		return v
	}
	panic(fmt.Sprintf("memstore: unsupported entity %T", e))
}
