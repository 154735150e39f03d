package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	mqcontract "projectplanner/contracts/mq"
	"projectplanner/internal/draft"
	"projectplanner/internal/model"
	"projectplanner/internal/service"
	"projectplanner/pkg/logger"
	"projectplanner/pkg/util"
)

type ProjectSaveRequestedHandler struct {
	planner   *service.Planner
	publisher service.EventPublisher
	logger    *zap.Logger
}

// NewProjectSaveRequestedHandler publisher 可为 nil，此时本地校验失败只记录日志
func NewProjectSaveRequestedHandler(planner *service.Planner, publisher service.EventPublisher, logger *zap.Logger) *ProjectSaveRequestedHandler {
	return &ProjectSaveRequestedHandler{
		planner:   planner,
		publisher: publisher,
		logger:    logger,
	}
}

// Handle 把项目同步为消息中的期望状态。
// 返回错误只用于 JSON 格式错误和保存开始前的基础设施故障；
// 校验失败和同步失败都以事件上报并 ack，不自动重试
func (h *ProjectSaveRequestedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.logger)

	var p mqcontract.ProjectSaveRequestedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error("Failed to unmarshal project save requested payload (non-retryable)", zap.Error(err))
		return fmt.Errorf("failed to decode payload: %w", err)
	}

	log.Info("Handling project.save_requested",
		zap.Int64("project_id", p.ProjectID),
		zap.Int("stages", len(p.Stages)),
		zap.String("requested_by", p.RequestedBy),
	)

	var d *draft.Draft
	if p.ProjectID != 0 {
		_, _, loaded, err := h.planner.Load(ctx, p.ProjectID)
		if err != nil {
			log.Error("Failed to load project baseline", zap.Int64("project_id", p.ProjectID), zap.Error(err))
			return err
		}
		d = loaded
	} else {
		// Load 已刷新目录；新项目在这里刷新，使启动后新增的任务和程序员可用
		if err := h.planner.RefreshCatalog(ctx); err != nil {
			log.Warn("Failed to refresh catalog, using cached entries", zap.Error(err))
		}
		d = h.planner.NewDraft(draft.ProjectFields{})
	}

	if err := Reconcile(d, p); err != nil {
		log.Warn("Requested project state is invalid", zap.Int64("project_id", p.ProjectID), zap.Error(err))
		h.reportInvalid(ctx, log, p.ProjectID, err)
		return nil
	}

	outcome, err := h.planner.Save(ctx, d)
	if err != nil {
		if errors.Is(err, service.ErrSaveInProgress) {
			// 同一项目的保存正在进行 → 稍后重试
			return util.Retryable(err)
		}
		// 失败事件已由 Planner 发布
		log.Warn("Project save failed", zap.Int64("project_id", p.ProjectID), zap.Error(err))
		return nil
	}

	log.Info("Project save requested handled",
		zap.Int64("project_id", outcome.ProjectID),
		zap.Bool("created", outcome.Created),
		zap.Float64("total_estimated_hours", outcome.Estimate.TotalHours),
	)
	return nil
}

func (h *ProjectSaveRequestedHandler) reportInvalid(ctx context.Context, log *zap.Logger, projectID int64, cause error) {
	if h.publisher == nil {
		return
	}
	payload := mqcontract.ProjectSyncFailedPayload{
		ProjectID: projectID,
		State:     "validating",
		Error:     cause.Error(),
		ErrorType: "validation",
		FailedAt:  time.Now(),
	}
	if err := h.publisher.Publish(ctx, mqcontract.RoutingKeyProjectSyncFailed, payload); err != nil {
		log.Warn("Failed to publish sync failed event", zap.Error(err))
	}
}

// Reconcile 通过草稿操作把 d 调整为 p 描述的状态
func Reconcile(d *draft.Draft, p mqcontract.ProjectSaveRequestedPayload) error {
	if err := reconcileProject(d, p); err != nil {
		return err
	}

	current := make(map[int64]draft.Stage)
	for _, s := range d.Stages() {
		if id, ok := s.Identity.RemoteID(); ok {
			current[id] = s
		}
	}

	// 1. 未出现在期望状态中的阶段 → 删除
	wanted := make(map[int64]bool, len(p.Stages))
	for _, spec := range p.Stages {
		if spec.ID == 0 {
			continue
		}
		if _, ok := current[spec.ID]; !ok {
			return &draft.ValidationError{Field: "stages.id", Message: fmt.Sprintf("stage %d does not belong to project %d", spec.ID, p.ProjectID)}
		}
		if wanted[spec.ID] {
			return &draft.ValidationError{Field: "stages.id", Message: fmt.Sprintf("stage %d listed twice", spec.ID)}
		}
		wanted[spec.ID] = true
	}
	for id, s := range current {
		if !wanted[id] {
			if err := d.RemoveStage(s.Key); err != nil {
				return err
			}
		}
	}

	// 2. 改名的阶段先换成临时名，避免互换名称时误报重名
	for _, spec := range p.Stages {
		if s, ok := current[spec.ID]; ok && spec.ID != 0 && s.Name != spec.Name {
			tmp := "\x00" + s.Key.String()
			if err := d.UpdateStage(s.Key, draft.StageUpdate{Name: &tmp}); err != nil {
				return err
			}
		}
	}

	// 3. 更新或新建阶段，并按数组顺序排列
	keys := make([]draft.Key, len(p.Stages))
	for i, spec := range p.Stages {
		spec := spec
		if spec.ID != 0 {
			s := current[spec.ID]
			if err := d.UpdateStage(s.Key, draft.StageUpdate{Name: &spec.Name, Description: &spec.Description}); err != nil {
				return err
			}
			keys[i] = s.Key
			continue
		}
		s, err := d.AddStage(spec.Name, spec.Description)
		if err != nil {
			return err
		}
		keys[i] = s.Key
	}
	for i, key := range keys {
		if err := d.MoveStage(key, i); err != nil {
			return err
		}
	}

	// 4. 每个阶段的任务分配
	for i, spec := range p.Stages {
		if err := reconcileAssignments(d, keys[i], spec); err != nil {
			return err
		}
	}
	return nil
}

func reconcileProject(d *draft.Draft, p mqcontract.ProjectSaveRequestedPayload) error {
	start, err := parseDate("start_date", p.StartDate)
	if err != nil {
		return err
	}
	end, err := parseDate("end_date", p.EndDate)
	if err != nil {
		return err
	}
	u := draft.ProjectUpdate{
		Name:        &p.Name,
		Description: &p.Description,
		StartDate:   &start,
		EndDate:     &end,
	}
	if p.ResponsibleID != nil {
		u.ResponsibleID = p.ResponsibleID
	} else {
		u.ClearResponsible = true
	}
	return d.UpdateProject(u)
}

func reconcileAssignments(d *draft.Draft, stageKey draft.Key, spec mqcontract.StageSpec) error {
	s, ok := d.Stage(stageKey)
	if !ok {
		return fmt.Errorf("stage %s vanished during reconcile", stageKey)
	}
	current := make(map[int64]draft.Assignment, len(s.Assignments))
	for _, a := range s.Assignments {
		if id, ok := a.Identity.RemoteID(); ok {
			current[id] = a
		}
	}

	wanted := make(map[int64]bool, len(spec.Assignments))
	for _, as := range spec.Assignments {
		if as.ID == 0 {
			continue
		}
		if _, ok := current[as.ID]; !ok {
			return &draft.ValidationError{Field: "project_tasks.id", Message: fmt.Sprintf("assignment %d does not belong to stage %q", as.ID, spec.Name)}
		}
		if wanted[as.ID] {
			return &draft.ValidationError{Field: "project_tasks.id", Message: fmt.Sprintf("assignment %d listed twice", as.ID)}
		}
		wanted[as.ID] = true
	}
	for id, a := range current {
		if !wanted[id] {
			if err := d.RemoveAssignment(a.Key); err != nil {
				return err
			}
		}
	}

	for _, as := range spec.Assignments {
		as := as
		status := model.Status(as.Status)
		if status == "" {
			status = model.StatusPending
		}
		if as.ID != 0 {
			u := draft.AssignmentUpdate{TaskID: &as.TaskID, Status: &status}
			if as.ProgrammerID != nil {
				u.ProgrammerID = as.ProgrammerID
			} else {
				u.ClearProgrammer = true
			}
			if err := d.UpdateAssignment(current[as.ID].Key, u); err != nil {
				return err
			}
			continue
		}
		a, err := d.AddAssignment(stageKey, as.TaskID, as.ProgrammerID)
		if err != nil {
			return err
		}
		if status != model.StatusPending {
			if err := d.UpdateAssignment(a.Key, draft.AssignmentUpdate{Status: &status}); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseDate(field, s string) (model.Date, error) {
	if s == "" {
		return model.Date{}, nil
	}
	d, err := model.ParseDate(s)
	if err != nil {
		return model.Date{}, &draft.ValidationError{Field: field, Message: err.Error()}
	}
	return d, nil
}
