package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"
	"go.uber.org/zap"

	"projectplanner/internal/estimate"
	"projectplanner/internal/handler"
	"projectplanner/internal/model"
	"projectplanner/internal/remote"
	"projectplanner/pkg/trace"
	"projectplanner/pkg/util"
)

type fakeEstimator struct{}

func (fakeEstimator) Estimate(ctx context.Context, projectID int64) (model.Project, estimate.Estimate, error) {
	if projectID != 7 {
		return model.Project{}, estimate.Estimate{}, remote.NewRequestError(remote.OpGet, model.KindProject, projectID, http.StatusNotFound, "", nil)
	}
	return model.Project{ID: 7, Name: "Site"}, estimate.Estimate{TotalHours: 6}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

type fakeConn bool

func (c fakeConn) IsConnected() bool { return bool(c) }

func newTestRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.TestMode)
	deps.Logger = zap.NewNop()
	deps.Projects = handler.NewProjectHandler(fakeEstimator{}, zap.NewNop())
	return NewRouter(deps)
}

func serve(r *gin.Engine, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestEstimateEndpoint(t *testing.T) {
	r := newTestRouter(Deps{})

	w := serve(r, http.MethodGet, "/projects/7/estimate", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		ProjectID int64             `json:"project_id"`
		Estimate  estimate.Estimate `json:"estimate"`
	}
	assert.Equal(t, json.Unmarshal(w.Body.Bytes(), &body), nil)
	assert.Equal(t, int64(7), body.ProjectID)
	assert.Equal(t, 6.0, body.Estimate.TotalHours)
	assert.NotEqual(t, "", w.Header().Get(trace.HeaderName()))

	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/projects/8/estimate", nil).Code)
	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodGet, "/projects/abc/estimate", nil).Code)
}

func TestTraceHeaderIsEchoed(t *testing.T) {
	r := newTestRouter(Deps{})
	w := serve(r, http.MethodGet, "/healthz", http.Header{"X-Trace-Id": {"abc"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc", w.Header().Get(trace.HeaderName()))
}

func TestServiceAuth(t *testing.T) {
	r := newTestRouter(Deps{TokenSecret: "secret"})

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/projects/7/estimate", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/projects/7/estimate",
		http.Header{"Authorization": {"Bearer nope"}}).Code)

	token, err := util.GenerateServiceToken("dashboard", "secret", time.Minute)
	assert.Equal(t, err, nil)
	w := serve(r, http.MethodGet, "/projects/7/estimate", http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, w.Code)

	// 健康检查不需要 token
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/healthz", nil).Code)
}

func TestReadiness(t *testing.T) {
	assert.Equal(t, http.StatusOK, serve(newTestRouter(Deps{
		Store:    fakePinger{},
		Consumer: fakeConn(true),
	}), http.MethodGet, "/readyz", nil).Code)

	assert.Equal(t, http.StatusServiceUnavailable, serve(newTestRouter(Deps{
		Store: fakePinger{err: errors.New("down")},
	}), http.MethodGet, "/readyz", nil).Code)

	assert.Equal(t, http.StatusServiceUnavailable, serve(newTestRouter(Deps{
		Consumer: fakeConn(false),
	}), http.MethodGet, "/readyz", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter(Deps{})
	_ = serve(r, http.MethodGet, "/healthz", nil)
	w := serve(r, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
