package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"projectplanner/internal/estimate"
	"projectplanner/internal/model"
	"projectplanner/internal/remote"
)

// Estimator 由 service.Planner 实现
type Estimator interface {
	Estimate(ctx context.Context, projectID int64) (model.Project, estimate.Estimate, error)
}

type ProjectHandler struct {
	planner Estimator
	logger  *zap.Logger
}

func NewProjectHandler(planner Estimator, logger *zap.Logger) *ProjectHandler {
	return &ProjectHandler{planner: planner, logger: logger}
}

// GetEstimate 返回项目当前的工时估算（含每个阶段的小计）
func (h *ProjectHandler) GetEstimate(c *gin.Context) {
	idStr := c.Param("id")
	projectID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || projectID <= 0 {
		h.logger.Warn("GetEstimate: invalid project id format",
			zap.String("project_id", idStr),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}

	project, est, err := h.planner.Estimate(c.Request.Context(), projectID)
	if err != nil {
		if remote.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		h.logger.Error("GetEstimate: failed to load project",
			zap.Int64("project_id", projectID),
			zap.Error(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to load project"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id": project.ID,
		"name":       project.Name,
		"estimate":   est,
		"project":    project,
	})
}
