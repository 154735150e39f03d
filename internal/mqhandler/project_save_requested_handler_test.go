package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
	"go.uber.org/zap"

	mqcontract "projectplanner/contracts/mq"
	"projectplanner/internal/catalog"
	"projectplanner/internal/draft"
	"projectplanner/internal/model"
	"projectplanner/internal/remote"
	"projectplanner/internal/remote/memstore"
	"projectplanner/internal/service"
	"projectplanner/pkg/util"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	failed []mqcontract.ProjectSyncFailedPayload
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, routingKey)
	if f, ok := payload.(mqcontract.ProjectSyncFailedPayload); ok {
		p.failed = append(p.failed, f)
	}
	return nil
}

type fixture struct {
	store     *memstore.Store
	planner   *service.Planner
	publisher *recordingPublisher
	handler   *ProjectSaveRequestedHandler
	task      int64
	task2     int64
	dev       int64
}

func newFixture(t *testing.T) *fixture {
	store := memstore.New()
	seeded := store.Seed(
		model.TaskCatalogEntry{Name: "API", Type: model.TaskTypeDevelopment, BaseTimeHours: 4},
		model.TaskCatalogEntry{Name: "Kickoff", Type: model.TaskTypeManagement, BaseTimeHours: 2},
		model.Programmer{Name: "Ana", Seniority: model.SeniorityPleno, Coefficient: 1.2},
	)
	cat, err := catalog.Load(context.Background(), store, zap.NewNop())
	assert.Equal(t, err, nil)

	pub := &recordingPublisher{}
	planner := service.NewPlanner(store, cat, zap.NewNop(), service.WithPublisher(pub))
	return &fixture{
		store:     store,
		planner:   planner,
		publisher: pub,
		handler:   NewProjectSaveRequestedHandler(planner, pub, zap.NewNop()),
		task:      seeded[0].EntityID(),
		task2:     seeded[1].EntityID(),
		dev:       seeded[2].EntityID(),
	}
}

func (f *fixture) handle(t *testing.T, p mqcontract.ProjectSaveRequestedPayload) error {
	raw, err := json.Marshal(p)
	assert.Equal(t, err, nil)
	return f.handler.Handle(context.Background(), raw)
}

func names(p model.Project) []string {
	var out []string
	for _, s := range p.Stages {
		out = append(out, s.Name)
	}
	return out
}

func TestReconcile_NewProject(t *testing.T) {
	f := newFixture(t)
	d := f.planner.NewDraft(draft.ProjectFields{})

	err := Reconcile(d, mqcontract.ProjectSaveRequestedPayload{
		Name:          "Site",
		StartDate:     "2024-01-01",
		EndDate:       "2024-02-01",
		ResponsibleID: model.Ref(f.dev),
		Stages: []mqcontract.StageSpec{
			{Name: "Design", Assignments: []mqcontract.AssignmentSpec{
				{TaskID: f.task2},
			}},
			{Name: "Build", Assignments: []mqcontract.AssignmentSpec{
				{TaskID: f.task, ProgrammerID: model.Ref(f.dev), Status: "in_progress"},
			}},
		},
	})
	assert.Equal(t, err, nil)

	p := d.Project()
	assert.Equal(t, "Site", p.Name)
	assert.Equal(t, "2024-02-01", p.EndDate.String())
	assert.Equal(t, f.dev, *p.ResponsibleID)

	stages := d.Stages()
	assert.Equal(t, 2, len(stages))
	assert.Equal(t, "Build", stages[1].Name)
	assert.Equal(t, model.StatusInProgress, stages[1].Assignments[0].Status)
	assert.Equal(t, model.StatusPending, stages[0].Assignments[0].Status)
}

func TestReconcile_InvalidInput(t *testing.T) {
	f := newFixture(t)

	cases := []mqcontract.ProjectSaveRequestedPayload{
		{Name: "Site", StartDate: "01/02/2024"},
		{Name: "Site", StartDate: "2024-03-01", EndDate: "2024-01-01"},
		{Name: "Site", Stages: []mqcontract.StageSpec{{Name: "A"}, {Name: "A"}}},
		{Name: "Site", Stages: []mqcontract.StageSpec{{ID: 42, Name: "A"}}},
		{Name: "Site", Stages: []mqcontract.StageSpec{{Name: "A", Assignments: []mqcontract.AssignmentSpec{{TaskID: 999}}}}},
	}
	for _, p := range cases {
		d := f.planner.NewDraft(draft.ProjectFields{})
		assert.Equal(t, draft.IsValidation(Reconcile(d, p)), true)
	}
}

func TestHandle_CreateThenReshape(t *testing.T) {
	f := newFixture(t)

	err := f.handle(t, mqcontract.ProjectSaveRequestedPayload{
		Name: "Site",
		Stages: []mqcontract.StageSpec{
			{Name: "A", Assignments: []mqcontract.AssignmentSpec{{TaskID: f.task}}},
			{Name: "B"},
			{Name: "C"},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, []string{mqcontract.RoutingKeyProjectSynced}, f.publisher.events)

	projects, _ := f.store.List(context.Background(), model.KindProject, remote.Filter{})
	assert.Equal(t, 1, len(projects))
	projectID := projects[0].EntityID()
	snap, err := remote.LoadSnapshot(context.Background(), f.store, projectID)
	assert.Equal(t, err, nil)
	assert.Equal(t, []string{"A", "B", "C"}, names(snap))

	// 交换 A 和 B 的名字，删除 C，并替换 A 的分配
	a, b := snap.Stages[0], snap.Stages[1]
	err = f.handle(t, mqcontract.ProjectSaveRequestedPayload{
		ProjectID: projectID,
		Name:      "Site",
		Stages: []mqcontract.StageSpec{
			{ID: b.ID, Name: "A"},
			{ID: a.ID, Name: "B", Assignments: []mqcontract.AssignmentSpec{
				{ID: a.Assignments[0].ID, TaskID: f.task2, ProgrammerID: model.Ref(f.dev)},
			}},
		},
	})
	assert.Equal(t, err, nil)

	after, err := remote.LoadSnapshot(context.Background(), f.store, projectID)
	assert.Equal(t, err, nil)
	assert.Equal(t, []string{"A", "B"}, names(after))
	assert.Equal(t, b.ID, after.Stages[0].ID)
	assert.Equal(t, a.ID, after.Stages[1].ID)
	assert.Equal(t, 1, len(after.Stages[1].Assignments))
	assert.Equal(t, f.task2, after.Stages[1].Assignments[0].TaskID)
}

func TestHandle_InvalidRequestIsReportedAndAcked(t *testing.T) {
	f := newFixture(t)

	err := f.handle(t, mqcontract.ProjectSaveRequestedPayload{Name: ""})
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(f.store.Calls()))
	assert.Equal(t, 1, len(f.publisher.failed))
	assert.Equal(t, "validation", f.publisher.failed[0].ErrorType)
}

func TestHandle_MalformedPayloadIsNotRetryable(t *testing.T) {
	f := newFixture(t)

	err := f.handler.Handle(context.Background(), json.RawMessage(`{"name": 12}`))
	assert.NotEqual(t, err, nil)
	retryable, errType := util.IsRetryableError(err)
	assert.Equal(t, false, retryable)
	assert.Equal(t, "json_decode_error", errType)
}

func TestHandle_UnknownProjectIsNotRetryable(t *testing.T) {
	f := newFixture(t)

	err := f.handle(t, mqcontract.ProjectSaveRequestedPayload{ProjectID: 404, Name: "Ghost"})
	assert.Equal(t, remote.IsNotFound(err), true)
	retryable, _ := util.IsRetryableError(err)
	assert.Equal(t, false, retryable)
}

func TestHandle_SyncFailureIsAcked(t *testing.T) {
	f := newFixture(t)
	f.store.InjectFault(func(c memstore.Call) error {
		if c.Kind == model.KindStage {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	err := f.handle(t, mqcontract.ProjectSaveRequestedPayload{
		Name:   "Site",
		Stages: []mqcontract.StageSpec{{Name: "A"}},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(f.publisher.failed))
	assert.Equal(t, "connection_error", f.publisher.failed[0].ErrorType)
	assert.Equal(t, 1, len(f.publisher.failed[0].Applied))
}

func TestReconcile_RejectsRepeatedAssignment(t *testing.T) {
	f := newFixture(t)
	err := f.handle(t, mqcontract.ProjectSaveRequestedPayload{
		Name:   "Site",
		Stages: []mqcontract.StageSpec{{Name: "A", Assignments: []mqcontract.AssignmentSpec{{TaskID: f.task}}}},
	})
	assert.Equal(t, err, nil)

	projects, _ := f.store.List(context.Background(), model.KindProject, remote.Filter{})
	snap, _, d, err := f.planner.Load(context.Background(), projects[0].EntityID())
	assert.Equal(t, err, nil)
	stage := snap.Stages[0]
	id := stage.Assignments[0].ID

	err = Reconcile(d, mqcontract.ProjectSaveRequestedPayload{
		ProjectID: snap.ID,
		Name:      "Site",
		Stages: []mqcontract.StageSpec{{ID: stage.ID, Name: "A", Assignments: []mqcontract.AssignmentSpec{
			{ID: id, TaskID: f.task},
			{ID: id, TaskID: f.task2},
		}}},
	})
	assert.Equal(t, draft.IsValidation(err), true)
}

func TestHandle_UsesCatalogEntriesAddedAfterStartup(t *testing.T) {
	f := newFixture(t)
	late := f.store.Seed(model.TaskCatalogEntry{Name: "Docs", Type: model.TaskTypeManagement, BaseTimeHours: 3})[0].EntityID()

	err := f.handle(t, mqcontract.ProjectSaveRequestedPayload{
		Name:   "Site",
		Stages: []mqcontract.StageSpec{{Name: "A", Assignments: []mqcontract.AssignmentSpec{{TaskID: late}}}},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, []string{mqcontract.RoutingKeyProjectSynced}, f.publisher.events)
	assert.Equal(t, 0, len(f.publisher.failed))
}
