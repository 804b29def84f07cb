package taskpause

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/k11v/pipetrack/internal/build"
	"github.com/k11v/pipetrack/internal/buildlock"
	"github.com/k11v/pipetrack/internal/buildlog"
	"github.com/k11v/pipetrack/internal/event"
	"github.com/k11v/pipetrack/internal/event/eventtest"
	"github.com/k11v/pipetrack/internal/failure"
)

// MemoryDatabase keeps the rows of one build in memory.
// Methods the tests don't need panic through the nil embedded Database.
type MemoryDatabase struct {
	build.Database

	Model      []byte
	Tasks      []*build.Task
	Containers []*build.ContainerRecord
	Pauses     map[string][]byte
	CancelUser string
	Committed  int
}

func (d *MemoryDatabase) GetDetail(ctx context.Context, params *build.DatabaseGetDetailParams) (*build.Detail, error) {
	return &build.Detail{ProjectID: params.ProjectID, BuildID: params.BuildID, Model: d.Model}, nil
}

func (d *MemoryDatabase) UpdateDetail(ctx context.Context, params *build.DatabaseUpdateDetailParams) error {
	d.Model = params.Model
	if params.CancelUser != nil {
		d.CancelUser = *params.CancelUser
	}
	return nil
}

func (d *MemoryDatabase) GetTask(ctx context.Context, params *build.DatabaseGetTaskParams) (*build.Task, error) {
	for _, t := range d.Tasks {
		if t.TaskID == params.TaskID {
			copied := *t
			return &copied, nil
		}
	}
	return nil, build.ErrNotFound
}

func (d *MemoryDatabase) ListTasks(ctx context.Context, params *build.DatabaseListTasksParams) ([]*build.Task, error) {
	var tasks []*build.Task
	for _, t := range d.Tasks {
		if t.StageID == params.StageID && t.ContainerID == params.ContainerID {
			copied := *t
			tasks = append(tasks, &copied)
		}
	}
	return tasks, nil
}

func (d *MemoryDatabase) UpdateTaskStatus(ctx context.Context, params *build.DatabaseUpdateTaskStatusParams) error {
	for _, t := range d.Tasks {
		if t.TaskID == params.TaskID {
			t.Status = params.Status
			return nil
		}
	}
	return build.ErrNotFound
}

func (d *MemoryDatabase) UpdateTaskElement(ctx context.Context, params *build.DatabaseUpdateTaskElementParams) error {
	for _, t := range d.Tasks {
		if t.TaskID == params.TaskID {
			t.TaskName = params.TaskName
			t.Element = params.Element
			return nil
		}
	}
	return build.ErrNotFound
}

func (d *MemoryDatabase) GetContainer(ctx context.Context, params *build.DatabaseGetContainerParams) (*build.ContainerRecord, error) {
	for _, c := range d.Containers {
		if c.StageID == params.StageID && c.ContainerID == params.ContainerID {
			copied := *c
			return &copied, nil
		}
	}
	return nil, build.ErrNotFound
}

func (d *MemoryDatabase) UpdateContainerStatus(ctx context.Context, params *build.DatabaseUpdateContainerStatusParams) error {
	for _, c := range d.Containers {
		if c.StageID == params.StageID && c.ContainerID == params.ContainerID {
			c.Status = params.Status
			return nil
		}
	}
	return build.ErrNotFound
}

func (d *MemoryDatabase) CreatePauseRecord(ctx context.Context, params *build.DatabaseCreatePauseRecordParams) error {
	if d.Pauses == nil {
		d.Pauses = make(map[string][]byte)
	}
	d.Pauses[params.TaskID] = params.NewValue
	return nil
}

func (d *MemoryDatabase) TakePauseRecord(ctx context.Context, params *build.DatabaseTakePauseRecordParams) (*build.PauseRecord, error) {
	v, ok := d.Pauses[params.TaskID]
	if !ok {
		return nil, build.ErrNotFound
	}
	delete(d.Pauses, params.TaskID)
	return &build.PauseRecord{ProjectID: params.ProjectID, BuildID: params.BuildID, TaskID: params.TaskID, NewValue: v}, nil
}

func (d *MemoryDatabase) Begin(ctx context.Context) (build.DatabaseTx, error) {
	return &memoryDatabaseTx{MemoryDatabase: d}, nil
}

func (d *MemoryDatabase) task(tb testing.TB, id string) *build.Task {
	tb.Helper()
	for _, t := range d.Tasks {
		if t.TaskID == id {
			return t
		}
	}
	tb.Fatalf("didn't want missing task %s", id)
	return nil
}

func (d *MemoryDatabase) model(tb testing.TB) *build.Model {
	tb.Helper()
	var m build.Model
	if err := json.Unmarshal(d.Model, &m); err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	return &m
}

// memoryDatabaseTx writes straight through, so Rollback can't undo anything.
type memoryDatabaseTx struct {
	*MemoryDatabase
}

func (tx *memoryDatabaseTx) Commit(ctx context.Context) error {
	tx.Committed++
	return nil
}

func (tx *memoryDatabaseTx) Rollback(ctx context.Context) error {
	return nil
}

func intPtr(i int) *int { return &i }

func newTestDatabase(tb testing.TB) *MemoryDatabase {
	tb.Helper()

	m := &build.Model{Stages: []*build.Stage{{
		ID:     "stage-1",
		Status: build.StatusRunning,
		Containers: []*build.Container{{
			ID:              "1",
			ContainerHashID: "c-1",
			Type:            build.ContainerTypeVMBuild,
			Status:          build.StatusReviewing,
			Elements: []*build.Element{
				{ID: "startVM-1", Name: "Prepare_Job#1", Status: build.StatusSucceed},
				{ID: "e-0", Name: "checkout", Status: build.StatusSucceed},
				{ID: "e-1", Name: "compile", Status: build.StatusReviewing},
				{ID: "end-1", Name: "Wait_Finish_Job#1"},
				{ID: "stopVM-1", Name: "Clean_Job#1"},
			},
		}},
	}}}
	data, err := json.Marshal(m)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	task := func(id, name string, status build.Status) *build.Task {
		return &build.Task{
			ProjectID:       "p-1",
			PipelineID:      "pipeline-1",
			BuildID:         "b-1",
			StageID:         "stage-1",
			ContainerID:     "1",
			ContainerHashID: "c-1",
			ContainerType:   build.ContainerTypeVMBuild,
			TaskID:          id,
			TaskName:        name,
			Status:          status,
			Starter:         "alice",
			Element:         []byte(`{"id":"` + id + `","name":"` + name + `"}`),
		}
	}
	paused := task("e-1", "compile", build.StatusReviewing)
	paused.ExecuteCount = intPtr(2)

	return &MemoryDatabase{
		Model: data,
		Tasks: []*build.Task{
			task("startVM-1", "Prepare_Job#1", build.StatusSucceed),
			task("e-0", "checkout", build.StatusSucceed),
			paused,
			task("end-1", "Wait_Finish_Job#1", build.StatusRunning),
			task("stopVM-1", "Clean_Job#1", build.StatusRunning),
			// An id prefix alone doesn't make a bracket task.
			task("end-99", "lint", build.StatusSucceed),
		},
		Containers: []*build.ContainerRecord{
			{ProjectID: "p-1", PipelineID: "pipeline-1", BuildID: "b-1", StageID: "stage-1", ContainerID: "1", ContainerType: "normal", Status: build.StatusReviewing},
		},
	}
}

func newTestService(db build.Database, publisher event.Publisher) *Service {
	locker := buildlock.NewMemoryLocker(100 * time.Millisecond)
	detail := build.NewDetailService(db, locker, publisher, nil)
	return NewService(db, detail, locker, publisher, buildlog.NewPrinter(publisher), DefaultBrackets())
}

func TestServiceContinue(t *testing.T) {
	t.Run("restores the kept definition and queues brackets and container", func(t *testing.T) {
		ctx := context.Background()
		db := newTestDatabase(t)
		db.Pauses = map[string][]byte{"e-1": []byte(`{"id":"e-1","name":"compile v2","data":{"script":"make all"}}`)}
		recorder := &eventtest.Recorder{}
		s := newTestService(db, recorder)

		err := s.Handle(ctx, event.TaskPause{ProjectID: "p-1", BuildID: "b-1", TaskID: "e-1", UserID: "bob", ActionType: event.ActionRefresh})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		for id, want := range map[string]build.Status{
			"startVM-1": build.StatusQueue,
			"e-0":       build.StatusSucceed,
			"e-1":       build.StatusQueue,
			"end-1":     build.StatusQueue,
			"stopVM-1":  build.StatusQueue,
			"end-99":    build.StatusSucceed,
		} {
			if got := db.task(t, id).Status; got != want {
				t.Fatalf("got %s status %v, want %v", id, got, want)
			}
		}
		if got, want := db.Containers[0].Status, build.StatusQueue; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}

		var element build.Element
		if err = json.Unmarshal(db.task(t, "e-1").Element, &element); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if element.Name != "compile v2" || element.ExecuteCount == nil || *element.ExecuteCount != 2 {
			t.Fatalf("didn't want %+v", element)
		}
		if got, want := db.task(t, "e-1").TaskName, "compile v2"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if len(db.Pauses) != 0 {
			t.Fatalf("didn't want pause records %v", db.Pauses)
		}

		c := db.model(t).Stages[0].Containers[0]
		if got, want := c.Status, build.StatusQueue; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got := c.Elements[2]; got.ID != "e-1" || got.Name != "compile v2" || got.Status != build.StatusQueue {
			t.Fatalf("didn't want %+v", got)
		}

		containerEvents := eventtest.Filter[event.Container](recorder)
		if len(containerEvents) != 1 {
			t.Fatalf("got %d container events, want 1", len(containerEvents))
		}
		if got := containerEvents[0]; got.ActionType != event.ActionRefresh || got.Source != "pauseContinue" || got.ContainerHashID != "c-1" {
			t.Fatalf("didn't want %+v", got)
		}
		if got := len(eventtest.Filter[event.BuildStatusBroadcast](recorder)); got != 0 {
			t.Fatalf("got %d broadcasts, want 0", got)
		}
		lines := eventtest.Filter[event.LogLine](recorder)
		if len(lines) != 1 || lines[0].Level != string(buildlog.LevelYellow) || lines[0].ExecuteCount != 2 {
			t.Fatalf("didn't want %+v", lines)
		}
	})

	t.Run("continues without a kept definition", func(t *testing.T) {
		ctx := context.Background()
		db := newTestDatabase(t)
		recorder := &eventtest.Recorder{}
		s := newTestService(db, recorder)

		err := s.Handle(ctx, event.TaskPause{ProjectID: "p-1", BuildID: "b-1", TaskID: "e-1", UserID: "bob", ActionType: event.ActionRefresh})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if got, want := db.task(t, "e-1").TaskName, "compile"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got, want := db.model(t).Stages[0].Containers[0].Elements[2].Status, build.StatusQueue; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got := len(eventtest.Filter[event.Container](recorder)); got != 1 {
			t.Fatalf("got %d container events, want 1", got)
		}
	})

	t.Run("fails with a system error on an undecodable definition", func(t *testing.T) {
		ctx := context.Background()
		db := newTestDatabase(t)
		db.Pauses = map[string][]byte{"e-1": []byte(`not json`)}
		recorder := &eventtest.Recorder{}
		s := newTestService(db, recorder)

		err := s.Handle(ctx, event.TaskPause{ProjectID: "p-1", BuildID: "b-1", TaskID: "e-1", ActionType: event.ActionRefresh})
		fe, ok := failure.As(err)
		if !ok || fe.Kind != failure.KindSystem || fe.Code != failure.CodePauseRecordDecode {
			t.Fatalf("didn't want %v", err)
		}
		if db.Committed != 0 {
			t.Fatalf("got %d commits, want 0", db.Committed)
		}
		if got := len(eventtest.Filter[event.Container](recorder)); got != 0 {
			t.Fatalf("got %d container events, want 0", got)
		}
	})
}

func TestServiceCancel(t *testing.T) {
	t.Run("cancels the task and ends its container", func(t *testing.T) {
		ctx := context.Background()
		db := newTestDatabase(t)
		recorder := &eventtest.Recorder{}
		s := newTestService(db, recorder)

		err := s.Handle(ctx, event.TaskPause{ProjectID: "p-1", BuildID: "b-1", TaskID: "e-1", UserID: "bob", ActionType: event.ActionEnd})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		if got, want := db.task(t, "e-1").Status, build.StatusCanceled; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := db.task(t, "end-1").Status, build.StatusRunning; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := db.CancelUser, "bob"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		c := db.model(t).Stages[0].Containers[0]
		if c.Elements[2].Status != build.StatusCanceled || c.Status != build.StatusCanceled {
			t.Fatalf("didn't want %v %v", c.Elements[2].Status, c.Status)
		}

		containerEvents := eventtest.Filter[event.Container](recorder)
		if len(containerEvents) != 1 {
			t.Fatalf("got %d container events, want 1", len(containerEvents))
		}
		if got := containerEvents[0]; got.ActionType != event.ActionEnd || got.ContainerType != "normal" {
			t.Fatalf("didn't want %+v", got)
		}
		broadcasts := eventtest.Filter[event.BuildStatusBroadcast](recorder)
		if len(broadcasts) != 1 {
			t.Fatalf("got %d broadcasts, want 1", len(broadcasts))
		}
		want := event.BuildStatusBroadcast{Source: "pauseCancel-1-b-1", ProjectID: "p-1", PipelineID: "pipeline-1", BuildID: "b-1", UserID: "alice", ActionType: event.ActionEnd}
		if got := broadcasts[0]; got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	})

	t.Run("defaults the container type", func(t *testing.T) {
		ctx := context.Background()
		db := newTestDatabase(t)
		db.Containers = nil
		recorder := &eventtest.Recorder{}
		s := newTestService(db, recorder)

		err := s.Handle(ctx, event.TaskPause{ProjectID: "p-1", BuildID: "b-1", TaskID: "e-1", UserID: "bob", ActionType: event.ActionEnd})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := eventtest.Filter[event.Container](recorder)[0].ContainerType, "vmBuild"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})
}

func TestServicePause(t *testing.T) {
	t.Run("pauses and continues with the kept definition", func(t *testing.T) {
		ctx := context.Background()
		db := newTestDatabase(t)
		db.task(t, "e-1").Status = build.StatusRunning
		recorder := &eventtest.Recorder{}
		s := newTestService(db, recorder)

		err := s.Pause(ctx, &PauseParams{
			ProjectID: "p-1",
			BuildID:   "b-1",
			TaskID:    "e-1",
			Element:   &build.Element{ID: "e-1", Name: "compile v3"},
		})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := db.task(t, "e-1").Status, build.StatusReviewing; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got := len(eventtest.Filter[event.DetailChange](recorder)); got != 1 {
			t.Fatalf("got %d detail changes, want 1", got)
		}

		err = s.Handle(ctx, event.TaskPause{ProjectID: "p-1", BuildID: "b-1", TaskID: "e-1", ActionType: event.ActionRefresh})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := db.task(t, "e-1").TaskName, "compile v3"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})
}

func TestServiceHandle(t *testing.T) {
	t.Run("fails with a user error for a missing task", func(t *testing.T) {
		ctx := context.Background()
		db := newTestDatabase(t)
		s := newTestService(db, &eventtest.Recorder{})

		err := s.Handle(ctx, event.TaskPause{ProjectID: "p-1", BuildID: "b-1", TaskID: "missing", ActionType: event.ActionRefresh})
		if got, want := failure.KindOf(err), failure.KindUser; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if !errors.Is(err, build.ErrNotFound) {
			t.Fatalf("didn't want %q", err)
		}
	})

	t.Run("fails with a user error for an unknown action", func(t *testing.T) {
		ctx := context.Background()
		db := newTestDatabase(t)
		s := newTestService(db, &eventtest.Recorder{})

		err := s.Handle(ctx, event.TaskPause{ProjectID: "p-1", BuildID: "b-1", TaskID: "e-1", ActionType: event.ActionStart})
		if got, want := failure.KindOf(err), failure.KindUser; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("releases the lock after a failure", func(t *testing.T) {
		ctx := context.Background()
		db := newTestDatabase(t)
		db.Pauses = map[string][]byte{"e-1": []byte(`not json`)}
		s := newTestService(db, &eventtest.Recorder{})

		if err := s.Handle(ctx, event.TaskPause{ProjectID: "p-1", BuildID: "b-1", TaskID: "e-1", ActionType: event.ActionRefresh}); err == nil {
			t.Fatalf("got nil, want error")
		}
		err := s.Handle(ctx, event.TaskPause{ProjectID: "p-1", BuildID: "b-1", TaskID: "e-1", ActionType: event.ActionEnd})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
	})
}

func TestBracketsMatch(t *testing.T) {
	tests := []struct {
		name string
		task *build.Task
		want bool
	}{
		{"prepare", &build.Task{TaskID: "startVM-1", TaskName: "Prepare_Job#1"}, true},
		{"wait", &build.Task{TaskID: "end-1", TaskName: "Wait_Finish_Job#1"}, true},
		{"clean", &build.Task{TaskID: "stopVM-1", TaskName: "Clean_Job#1"}, true},
		{"id only", &build.Task{TaskID: "stopVM-1", TaskName: "cleanup"}, false},
		{"name only", &build.Task{TaskID: "e-1", TaskName: "Clean_Job#1"}, false},
		{"mixed pair", &build.Task{TaskID: "startVM-1", TaskName: "Clean_Job#1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultBrackets().Match(tt.task); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}
