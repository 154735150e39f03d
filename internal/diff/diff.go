// Package diff 比较远程快照与草稿，生成让存储与草稿一致的有序远程写
package diff

import (
	"fmt"
	"slices"

	"projectplanner/internal/draft"
	"projectplanner/internal/model"
	"projectplanner/internal/remote"
)

// Compute 计算把 snapshot 变为 d 的 changeset；d 从未保存时 snapshot 为零值。
//
// 已持久化阶段的分配只要有任何变化，就删除快照中的全部分配并重建草稿中的每一个；
// 阶段和项目本身原地更新
func Compute(snapshot model.Project, d *draft.Draft) (Changeset, error) {
	proj := d.Project()
	cs := Changeset{ProjectKey: proj.Key}

	if id, ok := proj.Identity.RemoteID(); ok {
		if snapshot.ID == 0 {
			return Changeset{}, &remote.StaleReferenceError{Kind: model.KindProject, ID: id}
		}
		if snapshot.ID != id {
			return Changeset{}, fmt.Errorf("diff: snapshot is project %d, draft is project %d", snapshot.ID, id)
		}
		cs.ProjectID = id
		payload := projectPayload(proj, id)
		if !payload.SameFields(snapshot) {
			cs.Project = &Operation{Action: ActionUpdate, Kind: model.KindProject, Key: proj.Key, ID: id, Payload: payload}
		}
	} else {
		if snapshot.ID != 0 {
			return Changeset{}, fmt.Errorf("diff: draft is unsaved but snapshot is project %d", snapshot.ID)
		}
		cs.Project = &Operation{Action: ActionCreate, Kind: model.KindProject, Key: proj.Key, Payload: projectPayload(proj, 0)}
	}

	remoteStages := make(map[int64]model.Stage, len(snapshot.Stages))
	for _, s := range snapshot.Stages {
		remoteStages[s.ID] = s
	}

	stages := d.Stages()
	kept := make(map[int64]bool, len(stages))
	for _, s := range stages {
		if id, ok := s.Identity.RemoteID(); ok {
			if _, found := remoteStages[id]; !found {
				return Changeset{}, &remote.StaleReferenceError{Kind: model.KindStage, ID: id}
			}
			kept[id] = true
		}
	}

	cs.Removed = removedStages(snapshot.Stages, kept)

	for _, s := range stages {
		var plan StagePlan
		if id, ok := s.Identity.RemoteID(); ok {
			plan = persistedStagePlan(s, id, cs.ProjectID, remoteStages[id])
		} else {
			plan = newStagePlan(s, cs.ProjectID)
		}
		if !plan.empty() {
			cs.Stages = append(cs.Stages, plan)
		}
	}
	return cs, nil
}

func removedStages(snapshot []model.Stage, kept map[int64]bool) []StagePlan {
	ordered := slices.Clone(snapshot)
	slices.SortStableFunc(ordered, func(a, b model.Stage) int { return a.OrderIndex - b.OrderIndex })

	var out []StagePlan
	for _, s := range ordered {
		if kept[s.ID] {
			continue
		}
		plan := StagePlan{
			Name:       s.Name,
			OrderIndex: s.OrderIndex,
			ID:         s.ID,
			Op:         &Operation{Action: ActionDelete, Kind: model.KindStage, ID: s.ID},
		}
		for _, a := range s.Assignments {
			plan.AssignmentDeletes = append(plan.AssignmentDeletes,
				Operation{Action: ActionDelete, Kind: model.KindAssignment, ID: a.ID})
		}
		out = append(out, plan)
	}
	return out
}

func newStagePlan(s draft.Stage, projectID int64) StagePlan {
	plan := StagePlan{
		Key:        s.Key,
		Name:       s.Name,
		OrderIndex: s.OrderIndex,
		Op: &Operation{
			Action:  ActionCreate,
			Kind:    model.KindStage,
			Key:     s.Key,
			Payload: stagePayload(s, 0, projectID),
		},
	}
	plan.AssignmentCreates = assignmentCreates(s, 0)
	return plan
}

func persistedStagePlan(s draft.Stage, id, projectID int64, snap model.Stage) StagePlan {
	plan := StagePlan{Key: s.Key, Name: s.Name, OrderIndex: s.OrderIndex, ID: id}

	payload := stagePayload(s, id, projectID)
	if !payload.SameFields(snap) {
		plan.Op = &Operation{Action: ActionUpdate, Kind: model.KindStage, Key: s.Key, ID: id, Payload: payload}
	}

	if !assignmentsChanged(s, snap) {
		return plan
	}
	byRemote := make(map[int64]draft.Key, len(s.Assignments))
	for _, a := range s.Assignments {
		if aid, ok := a.Identity.RemoteID(); ok {
			byRemote[aid] = a.Key
		}
	}
	for _, a := range snap.Assignments {
		plan.AssignmentDeletes = append(plan.AssignmentDeletes,
			Operation{Action: ActionDelete, Kind: model.KindAssignment, Key: byRemote[a.ID], ID: a.ID})
	}
	plan.AssignmentCreates = assignmentCreates(s, id)
	return plan
}

// assignmentsChanged 已持久化阶段的分配集合在成员或字段上是否与快照不同
func assignmentsChanged(s draft.Stage, snap model.Stage) bool {
	if len(s.Assignments) != len(snap.Assignments) {
		return true
	}
	remote := make(map[int64]model.Assignment, len(snap.Assignments))
	for _, a := range snap.Assignments {
		remote[a.ID] = a
	}
	for _, a := range s.Assignments {
		aid, ok := a.Identity.RemoteID()
		if !ok {
			return true
		}
		r, found := remote[aid]
		if !found {
			return true
		}
		if !assignmentPayload(a, 0).SameFields(r) {
			return true
		}
	}
	return false
}

func assignmentCreates(s draft.Stage, stageID int64) []Operation {
	var ops []Operation
	for _, a := range s.Assignments {
		ops = append(ops, Operation{
			Action:   ActionCreate,
			Kind:     model.KindAssignment,
			Key:      a.Key,
			StageKey: s.Key,
			Payload:  assignmentPayload(a, stageID),
		})
	}
	return ops
}

func projectPayload(p draft.Project, id int64) model.Project {
	return model.Project{
		ID:            id,
		Name:          p.Name,
		Description:   p.Description,
		StartDate:     p.StartDate,
		EndDate:       p.EndDate,
		ResponsibleID: p.ResponsibleID,
	}
}

func stagePayload(s draft.Stage, id, projectID int64) model.Stage {
	return model.Stage{
		ID:          id,
		ProjectID:   projectID,
		Name:        s.Name,
		Description: s.Description,
		OrderIndex:  s.OrderIndex,
	}
}

func assignmentPayload(a draft.Assignment, stageID int64) model.Assignment {
	status := a.Status
	if status == "" {
		status = model.StatusPending
	}
	return model.Assignment{
		StageID:      stageID,
		TaskID:       a.TaskID,
		ProgrammerID: a.ProgrammerID,
		Status:       status,
	}
}
