// Package catalog 缓存只读的任务目录和程序员列表，供 draft 校验与工时估算使用
package catalog

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"projectplanner/internal/model"
	"projectplanner/internal/remote"
)

type Catalog struct {
	mu          sync.RWMutex
	tasks       map[int64]model.TaskCatalogEntry
	programmers map[int64]model.Programmer
}

// New 从给定条目构建目录；无效条目会被拒绝
func New(tasks []model.TaskCatalogEntry, programmers []model.Programmer) (*Catalog, error) {
	c := &Catalog{}
	if err := c.replace(tasks, programmers); err != nil {
		return nil, err
	}
	return c, nil
}

// Load 从远程存储读取全部任务和程序员
func Load(ctx context.Context, store remote.Store, logger *zap.Logger) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Refresh(ctx, store); err != nil {
		return nil, err
	}
	logger.Info("Catalog loaded",
		zap.Int("tasks", len(c.tasks)),
		zap.Int("programmers", len(c.programmers)))
	return c, nil
}

// Refresh 重新读取目录，失败时保留旧内容
func (c *Catalog) Refresh(ctx context.Context, store remote.Store) error {
	tasks, err := remote.ListAs[model.TaskCatalogEntry](ctx, store, model.KindTask, remote.Filter{})
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	programmers, err := remote.ListAs[model.Programmer](ctx, store, model.KindProgrammer, remote.Filter{})
	if err != nil {
		return fmt.Errorf("failed to list programmers: %w", err)
	}
	return c.replace(tasks, programmers)
}

func (c *Catalog) replace(tasks []model.TaskCatalogEntry, programmers []model.Programmer) error {
	tm := make(map[int64]model.TaskCatalogEntry, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return err
		}
		tm[t.ID] = t
	}
	pm := make(map[int64]model.Programmer, len(programmers))
	for _, p := range programmers {
		if err := p.Validate(); err != nil {
			return err
		}
		pm[p.ID] = p
	}

	c.mu.Lock()
	c.tasks = tm
	c.programmers = pm
	c.mu.Unlock()
	return nil
}

func (c *Catalog) Task(id int64) (model.TaskCatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id]
	return t, ok
}

func (c *Catalog) Programmer(id int64) (model.Programmer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.programmers[id]
	return p, ok
}

func (c *Catalog) Len() (tasks, programmers int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tasks), len(c.programmers)
}
