package httpstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"go.uber.org/zap"

	"projectplanner/internal/diff"
	"projectplanner/internal/draft"
	"projectplanner/internal/model"
	"projectplanner/internal/remote"
	"projectplanner/pkg/circuitbreaker"
	"projectplanner/pkg/trace"
	"projectplanner/pkg/util"
)

type recorded struct {
	method string
	path   string
	query  string
	auth   string
	trace  string
	body   string
}

type fakeRemote struct {
	mu       sync.Mutex
	requests []recorded
	respond  func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recorded{
		method: r.Method,
		path:   r.URL.Path,
		query:  r.URL.RawQuery,
		auth:   r.Header.Get("Authorization"),
		trace:  r.Header.Get(trace.HeaderName()),
		body:   string(b),
	})
	f.mu.Unlock()
	f.respond(w, r)
}

func (f *fakeRemote) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newClient(t *testing.T, f *fakeRemote, cfg Config) *Client {
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	c, err := New(cfg, zap.NewNop())
	assert.Equal(t, err, nil)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCreate_SendsPayloadAndDecodesReply(t *testing.T) {
	f := &fakeRemote{respond: func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, model.Stage{ID: 12, ProjectID: 3, Name: "Build", OrderIndex: 1})
	}}
	c := newClient(t, f, Config{TokenSecret: "secret", ServiceName: "planner-test"})

	ctx := trace.WithContext(context.Background(), "trace-1")
	e, err := c.Create(ctx, model.Stage{ProjectID: 3, Name: "Build", OrderIndex: 1})
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(12), e.EntityID())
	assert.Equal(t, "Build", e.(model.Stage).Name)

	req := f.last()
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/api/stages/", req.path)
	assert.Equal(t, "trace-1", req.trace)
	assert.Equal(t, true, strings.Contains(req.body, `"project_id":3`))

	token := strings.TrimPrefix(req.auth, "Bearer ")
	service, err := util.ParseServiceToken(token, "secret")
	assert.Equal(t, err, nil)
	assert.Equal(t, "planner-test", service)
}

func TestUpdateDeleteGetPaths(t *testing.T) {
	f := &fakeRemote{respond: func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			writeJSON(w, http.StatusOK, model.Assignment{ID: 5, StageID: 2, TaskID: 9, Status: model.StatusCompleted})
		}
	}}
	c := newClient(t, f, Config{})

	_, err := c.Update(context.Background(), 5, model.Assignment{StageID: 2, TaskID: 9})
	assert.Equal(t, err, nil)
	assert.Equal(t, http.MethodPut, f.last().method)
	assert.Equal(t, "/api/project-tasks/5", f.last().path)
	assert.Equal(t, "", f.last().auth)

	assert.Equal(t, c.Delete(context.Background(), model.KindProject, 8), nil)
	assert.Equal(t, "/api/projects/8", f.last().path)

	e, err := c.Get(context.Background(), model.KindAssignment, 5)
	assert.Equal(t, err, nil)
	assert.Equal(t, model.StatusCompleted, e.(model.Assignment).Status)
}

func TestList_FiltersAndDecodes(t *testing.T) {
	f := &fakeRemote{respond: func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []model.Stage{
			{ID: 1, ProjectID: 4, Name: "A"},
			{ID: 2, ProjectID: 4, Name: "B", OrderIndex: 1},
		})
	}}
	c := newClient(t, f, Config{})

	stages, err := remote.ListAs[model.Stage](context.Background(), c, model.KindStage, remote.Filter{ProjectID: 4})
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(stages))
	assert.Equal(t, "project_id=4", f.last().query)
}

func TestLoadSnapshot_UsesProjectDetail(t *testing.T) {
	// 与远程接口一致：阶段列表忽略 project_id，project-tasks 没有列表接口
	detail := `{
		"id": 1, "name": "Portal", "description": null,
		"start_date": "2024-01-10", "end_date": null, "responsible_id": null, "responsible": null,
		"total_estimated_hours": 6.0,
		"stages": [
			{"id": 11, "project_id": 1, "name": "Build", "description": null, "order_index": 1,
			 "project_tasks": [
				{"id": 101, "stage_id": 11, "task_id": 7, "programmer_id": 3, "status": "pending",
				 "task": {"id": 7, "name": "API", "type": "development", "base_time_hours": 4.0},
				 "programmer": {"id": 3, "name": "Ana", "seniority": "Senior", "coefficient": 1.5},
				 "calculated_total_hours": 6.0}
			 ]},
			{"id": 10, "project_id": 1, "name": "Design", "description": null, "order_index": 0, "project_tasks": []}
		]
	}`
	f := &fakeRemote{respond: func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/projects/1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, detail)
		case r.Method == http.MethodGet && r.URL.Path == "/api/stages/":
			writeJSON(w, http.StatusOK, []model.Stage{
				{ID: 10, ProjectID: 1, Name: "Design"},
				{ID: 11, ProjectID: 1, Name: "Build", OrderIndex: 1},
				{ID: 20, ProjectID: 2, Name: "Other"},
			})
		default:
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"detail": "Method Not Allowed"})
		}
	}}
	c := newClient(t, f, Config{})

	snap, err := remote.LoadSnapshot(context.Background(), c, 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(snap.Stages))
	assert.Equal(t, int64(10), snap.Stages[0].ID)
	assert.Equal(t, int64(11), snap.Stages[1].ID)
	assert.Equal(t, 1, len(snap.Stages[1].Assignments))
	assert.Equal(t, int64(7), snap.Stages[1].Assignments[0].TaskID)

	f.mu.Lock()
	requests := len(f.requests)
	f.mu.Unlock()
	assert.Equal(t, 1, requests)
	assert.Equal(t, "/api/projects/1", f.last().path)

	// 干净草稿不产生任何写操作，尤其不会删除其它项目的阶段
	cs, err := diff.Compute(snap, draft.FromSnapshot(snap))
	assert.Equal(t, err, nil)
	assert.Equal(t, true, cs.Empty())
}

func TestErrorMapping(t *testing.T) {
	f := &fakeRemote{respond: func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/404") {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string][]string{"name": {"This field is required."}})
	}}
	c := newClient(t, f, Config{})

	_, err := c.Get(context.Background(), model.KindStage, 404)
	assert.Equal(t, remote.IsNotFound(err), true)
	var re *remote.RequestError
	assert.Equal(t, errors.As(err, &re), true)
	assert.Equal(t, "Not found.", re.Message)
	assert.Equal(t, errors.Is(err, remote.ErrNotFound), true)

	_, err = c.Create(context.Background(), model.Stage{})
	assert.Equal(t, errors.As(err, &re), true)
	assert.Equal(t, http.StatusBadRequest, re.Status)
	assert.Equal(t, true, strings.Contains(re.Message, "required"))
}

func TestBreakerOpensOnServerErrorsOnly(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNotFound)
	f := &fakeRemote{respond: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}}
	breaker := circuitbreaker.DefaultConfig()
	breaker.FailureThreshold = 2
	breaker.Timeout = time.Hour
	c := newClient(t, f, Config{Breaker: &breaker})

	for i := 0; i < 3; i++ {
		_, err := c.Get(context.Background(), model.KindProject, 1)
		assert.Equal(t, remote.IsNotFound(err), true)
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.cb.GetState())

	status.Store(http.StatusInternalServerError)
	for i := 0; i < 2; i++ {
		_, _ = c.Get(context.Background(), model.KindProject, 1)
	}
	assert.Equal(t, circuitbreaker.StateOpen, c.cb.GetState())

	f.mu.Lock()
	before := len(f.requests)
	f.mu.Unlock()
	_, err := c.Get(context.Background(), model.KindProject, 1)
	assert.Equal(t, errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), true)
	var re *remote.RequestError
	assert.Equal(t, errors.As(err, &re), true)
	f.mu.Lock()
	assert.Equal(t, before, len(f.requests))
	f.mu.Unlock()

	retryable, errType := util.IsRetryableError(err)
	assert.Equal(t, true, retryable)
	assert.Equal(t, "circuit_open", errType)
}

func TestPing(t *testing.T) {
	f := &fakeRemote{respond: func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}}
	c := newClient(t, f, Config{})
	assert.Equal(t, c.Ping(context.Background()), nil)
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New(Config{BaseURL: "localhost:8000"}, zap.NewNop())
	assert.NotEqual(t, err, nil)
}
