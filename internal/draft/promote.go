package draft

import "fmt"

// 以下方法记录保存在远程的结果，只由持锁的保存调用，因此加锁时也允许

// PromoteProject 为未保存项目写入服务端 id
func (d *Draft) PromoteProject(id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := promote(&d.identity, id, "project"); err != nil {
		return err
	}
	base := d.projectFields()
	d.base = &base
	return nil
}

func (d *Draft) PromoteStage(key Key, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sn, ok := d.stages[key]
	if !ok {
		return fmt.Errorf("promote stage: unknown key %s", key)
	}
	if err := promote(&sn.identity, id, "stage"); err != nil {
		return err
	}
	for i, k := range d.order {
		if k == key {
			sn.base = &stageFields{name: sn.name, description: sn.description, orderIndex: i}
		}
	}
	return nil
}

// PromoteAssignment 绑定 id。与阶段不同，已持久化的分配可以重新绑定：
// 整体替换会以新 id 重建
func (d *Draft) PromoteAssignment(key Key, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	an, ok := d.assignments[key]
	if !ok {
		return fmt.Errorf("promote assignment: unknown key %s", key)
	}
	an.identity = Persisted(id)
	base := an.fields
	an.base = &base
	return nil
}

// DemoteAssignment 远程行删除后把节点恢复为未保存
func (d *Draft) DemoteAssignment(key Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	an, ok := d.assignments[key]
	if !ok {
		return fmt.Errorf("demote assignment: unknown key %s", key)
	}
	an.identity = Unsaved(key)
	an.base = nil
	return nil
}

// MarkClean 把当前状态作为同步基线
func (d *Draft) MarkClean() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.markCleanLocked()
}

func (d *Draft) markCleanLocked() {
	base := d.projectFields()
	d.base = &base
	for i, k := range d.order {
		sn := d.stages[k]
		sn.base = &stageFields{name: sn.name, description: sn.description, orderIndex: i}
	}
	for _, an := range d.assignments {
		b := an.fields
		an.base = &b
	}
	d.removedStages = nil
	d.removedAssignments = nil
}

func promote(identity *Identity, id int64, what string) error {
	if id <= 0 {
		return fmt.Errorf("promote %s: invalid remote id %d", what, id)
	}
	if cur, ok := identity.RemoteID(); ok {
		if cur != id {
			return fmt.Errorf("promote %s: already persisted as %d, got %d", what, cur, id)
		}
		return nil
	}
	*identity = Persisted(id)
	return nil
}
