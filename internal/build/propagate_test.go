package build

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCancelVisitor(t *testing.T) {
	t.Run("cancels a stage and a container preparing its environment", func(t *testing.T) {
		const t0, t1 = 1_000, 4_500
		m := &Model{Stages: []*Stage{{
			ID:         "stage-1",
			Status:     StatusRunning,
			StartEpoch: int64Ptr(t0),
			Containers: []*Container{{
				ID:         "1",
				Status:     StatusPrepareEnv,
				StartEpoch: int64Ptr(t0 + 500),
				Elements:   []*Element{{ID: "e-1"}},
			}},
		}}}
		v := &cancelVisitor{status: StatusCanceled, now: t1}

		Walk(m, v)

		s := m.Stages[0]
		if got, want := s.Status, StatusCanceled; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := *s.Elapsed, int64(t1-t0); got != want {
			t.Fatalf("got stage elapsed %d, want %d", got, want)
		}
		c := s.Containers[0]
		if got, want := c.Status, StatusCanceled; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := *c.SystemElapsed, int64(t1-t0-500); got != want {
			t.Fatalf("got system elapsed %d, want %d", got, want)
		}
		if !v.NeedsSave() {
			t.Fatalf("got no save, want save")
		}
	})

	t.Run("sets stage elapsed to the container time reported so far", func(t *testing.T) {
		m := &Model{Stages: []*Stage{{
			ID:         "stage-1",
			Status:     StatusRunning,
			StartEpoch: int64Ptr(0),
			Containers: []*Container{
				{ID: "1", Status: StatusSucceed, ElementElapsed: int64Ptr(7)},
				{ID: "2", Status: StatusPrepareEnv, ElementElapsed: int64Ptr(2)},
				{ID: "3", Status: StatusSucceed, ElementElapsed: int64Ptr(100)},
			},
		}}}

		Walk(m, &cancelVisitor{status: StatusCanceled, now: 50})

		if got, want := *m.Stages[0].Elapsed, int64(9); got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})

	t.Run("keeps elements that run even after cancel", func(t *testing.T) {
		m := &Model{Stages: []*Stage{{
			ID:     "stage-1",
			Status: StatusRunning,
			Containers: []*Container{{
				ID:     "1",
				Status: StatusRunning,
				Elements: []*Element{
					{
						ID:                "e-1",
						Status:            StatusRunning,
						StartEpoch:        int64Ptr(10),
						AdditionalOptions: &AdditionalOptions{RunCondition: RunConditionPreTaskFailedEvenCancel},
					},
					{ID: "e-2", Status: StatusRunning, StartEpoch: int64Ptr(20)},
				},
			}},
		}}}

		Walk(m, &cancelVisitor{status: StatusCanceled, now: 30})

		elements := m.Stages[0].Containers[0].Elements
		if got, want := elements[0].Status, StatusRunning; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if elements[0].Elapsed != nil {
			t.Fatalf("got elapsed %d, want unset", *elements[0].Elapsed)
		}
		if got, want := elements[1].Status, StatusCanceled; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := *elements[1].Elapsed, int64(10); got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})

	t.Run("cancels reviewing elements with the target status", func(t *testing.T) {
		m := &Model{Stages: []*Stage{{
			ID: "stage-1",
			Containers: []*Container{{
				ID:       "1",
				Status:   StatusRunning,
				Elements: []*Element{{ID: "e-1", Status: StatusReviewing, StartEpoch: int64Ptr(5)}},
			}},
		}}}

		Walk(m, &cancelVisitor{status: StatusTerminate, now: 15})

		c := m.Stages[0].Containers[0]
		if got, want := c.Elements[0].Status, StatusTerminate; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := c.Status, StatusTerminate; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := *c.ElementElapsed, int64(10); got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})

	t.Run("doesn't propagate element status to containers with a post task", func(t *testing.T) {
		m := &Model{Stages: []*Stage{{
			ID: "stage-1",
			Containers: []*Container{{
				ID:                  "1",
				Status:              StatusRunning,
				ContainPostTaskFlag: boolPtr(true),
				Elements: []*Element{
					{ID: "e-1", Status: StatusRunning},
					{ID: "e-2"},
				},
			}},
		}}}

		Walk(m, &cancelVisitor{status: StatusCanceled, now: 15})

		if got, want := m.Stages[0].Containers[0].Status, StatusRunning; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("cancels running containers that never started a task", func(t *testing.T) {
		m := &Model{Stages: []*Stage{{
			ID: "stage-1",
			Containers: []*Container{
				{ID: "1", Status: StatusRunning, Elements: []*Element{{ID: "e-1"}}},
				{ID: "2", Status: StatusRunning, ContainPostTaskFlag: boolPtr(true), Elements: []*Element{{ID: "e-2"}}},
			},
		}}}

		Walk(m, &cancelVisitor{status: StatusCanceled, now: 15})

		if got, want := m.Stages[0].Containers[0].Status, StatusCanceled; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := m.Stages[0].Containers[1].Status, StatusRunning; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("doesn't need save when nothing runs", func(t *testing.T) {
		m := &Model{Stages: []*Stage{{
			ID:     "stage-1",
			Status: StatusSucceed,
			Containers: []*Container{{
				ID:       "1",
				Status:   StatusSucceed,
				Elements: []*Element{{ID: "e-1", Status: StatusSucceed}},
			}},
		}}}
		v := &cancelVisitor{status: StatusCanceled, now: 15}

		Walk(m, v)

		if v.NeedsSave() {
			t.Fatalf("got save, want no save")
		}
	})

	t.Run("cancels elements inside a matrix group", func(t *testing.T) {
		m := &Model{Stages: []*Stage{{
			ID:     "stage-1",
			Status: StatusRunning,
			Containers: []*Container{{
				ID:              "1",
				Status:          StatusRunning,
				MatrixGroupFlag: boolPtr(true),
				GroupContainers: []*Container{{
					ID:       "1.1",
					Status:   StatusRunning,
					Elements: []*Element{{ID: "e", Status: StatusRunning, StartEpoch: int64Ptr(10)}},
				}},
			}},
		}}}
		v := &cancelVisitor{status: StatusCanceled, now: 15}

		Walk(m, v)

		gc := m.Stages[0].Containers[0].GroupContainers[0]
		if got, want := gc.Elements[0].Status, StatusCanceled; got != want {
			t.Fatalf("got group element status %v, want %v", got, want)
		}
		if got, want := gc.Status, StatusCanceled; got != want {
			t.Fatalf("got group container status %v, want %v", got, want)
		}
		if got, want := *gc.ElementElapsed, int64(5); got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})
}

func TestEndVisitor(t *testing.T) {
	t.Run("sums element time up to and including the finalized element", func(t *testing.T) {
		m := &Model{Stages: []*Stage{{
			ID:     "stage-1",
			Status: StatusSucceed,
			Containers: []*Container{{
				ID:     "1",
				Status: StatusSucceed,
				Elements: []*Element{
					{ID: "e-1", Status: StatusSucceed, Elapsed: int64Ptr(5)},
					{ID: "e-2", Status: StatusSucceed, Elapsed: int64Ptr(3)},
					{ID: "e-3", Status: StatusRunning, StartEpoch: int64Ptr(100)},
					{ID: "e-4", Status: StatusSucceed, Elapsed: int64Ptr(50)},
				},
			}},
		}}}

		Walk(m, &endVisitor{status: StatusFailed, now: 104})

		c := m.Stages[0].Containers[0]
		if got, want := *c.Elements[2].Elapsed, int64(4); got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
		if got, want := *c.ElementElapsed, int64(5+3+4); got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})

	t.Run("collapses running nodes to the final status", func(t *testing.T) {
		m := &Model{Stages: []*Stage{{
			ID:         "stage-1",
			Status:     StatusRunning,
			StartEpoch: int64Ptr(0),
			Containers: []*Container{{
				ID:         "1",
				Status:     StatusPrepareEnv,
				StartEpoch: int64Ptr(10),
				Elements:   []*Element{{ID: "e-1", Status: StatusQueue}},
			}},
		}, {
			ID:         "stage-2",
			Status:     StatusQueue,
			Containers: []*Container{},
		}}}
		v := &endVisitor{status: StatusCanceled, now: 100}

		Walk(m, v)

		want := &Model{Stages: []*Stage{{
			ID:         "stage-1",
			Status:     StatusCanceled,
			StartEpoch: int64Ptr(0),
			Elapsed:    int64Ptr(100),
			Containers: []*Container{{
				ID:             "1",
				Status:         StatusCanceled,
				StartEpoch:     int64Ptr(10),
				ElementElapsed: int64Ptr(90),
				Elements:       []*Element{{ID: "e-1", Status: StatusQueue}},
			}},
		}, {
			ID:         "stage-2",
			Status:     StatusQueue,
			Containers: []*Container{},
		}}}
		if diff := cmp.Diff(want, m); diff != "" {
			t.Fatalf("model mismatch (-want +got):\n%s", diff)
		}
		if !v.NeedsSave() {
			t.Fatalf("got no save, want save")
		}
	})

	t.Run("captures the stage snapshot before changing anything", func(t *testing.T) {
		m := &Model{Stages: []*Stage{{
			ID:         "stage-1",
			Name:       "Build",
			Status:     StatusRunning,
			StartEpoch: int64Ptr(0),
			Tag:        []string{"t-1", "t-2"},
			Containers: []*Container{},
		}, {
			ID:         "stage-2",
			Status:     StatusQueue,
			Containers: []*Container{},
		}}}
		v := &endVisitor{status: StatusSucceed, now: 100, tagNames: map[string]string{"t-1": "compile"}}

		Walk(m, v)

		want := []*BuildStageStatus{
			{StageID: "stage-1", Name: "Build", Status: StatusRunning, StartEpoch: int64Ptr(0), Tag: []string{"compile", "null"}},
			{StageID: "stage-2", Name: "stage-2", Status: StatusQueue},
		}
		if diff := cmp.Diff(want, v.snapshot); diff != "" {
			t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("stops at a stage without id", func(t *testing.T) {
		m := &Model{Stages: []*Stage{{
			Status:     StatusRunning,
			Containers: []*Container{{ID: "1", Status: StatusRunning}},
		}}}
		v := &endVisitor{status: StatusSucceed, now: 100}

		Walk(m, v)

		if got, want := m.Stages[0].Containers[0].Status, StatusRunning; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if v.NeedsSave() {
			t.Fatalf("got save, want no save")
		}
		if got, want := len(v.snapshot), 1; got != want {
			t.Fatalf("got %d snapshot stages, want %d", got, want)
		}
	})
}

func TestVMInfoVisitor(t *testing.T) {
	t.Run("names a VM container that shows its build resource", func(t *testing.T) {
		m := &Model{Stages: []*Stage{{ID: "stage-1", Containers: []*Container{
			{ID: "1", Type: ContainerTypeVMBuild, Name: "Job 1"},
			{ID: "2", Type: ContainerTypeVMBuild, Name: "Job 2", ShowBuildResource: boolPtr(true)},
		}}}}
		v := &vmInfoVisitor{containerID: "2", vmInfo: &VMInfo{Name: "vm-42"}}

		Walk(m, v)

		if got, want := m.Stages[0].Containers[1].Name, "vm-42"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got, want := m.Stages[0].Containers[0].Name, "Job 1"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if !v.NeedsSave() {
			t.Fatalf("got no save, want save")
		}
	})

	t.Run("finds containers in a matrix group", func(t *testing.T) {
		group := &Container{ID: "2-1", Type: ContainerTypeVMBuild, ShowBuildResource: boolPtr(true)}
		m := &Model{Stages: []*Stage{{ID: "stage-1", Containers: []*Container{
			{ID: "2", MatrixGroupFlag: boolPtr(true), GroupContainers: []*Container{group}},
		}}}}

		Walk(m, &vmInfoVisitor{containerID: "2-1", vmInfo: &VMInfo{Name: "vm-7"}})

		if got, want := group.Name, "vm-7"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("keeps the name of other containers", func(t *testing.T) {
		m := &Model{Stages: []*Stage{{ID: "stage-1", Containers: []*Container{
			{ID: "1", Type: ContainerTypeNormal, Name: "Job 1", ShowBuildResource: boolPtr(true)},
		}}}}
		v := &vmInfoVisitor{containerID: "1", vmInfo: &VMInfo{Name: "vm-42"}}

		Walk(m, v)

		if got, want := m.Stages[0].Containers[0].Name, "Job 1"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})
}

func TestTaskVisitors(t *testing.T) {
	newModel := func() *Model {
		return &Model{Stages: []*Stage{{ID: "stage-1", Containers: []*Container{{
			ID:     "1",
			Status: StatusRunning,
			Elements: []*Element{
				{ID: "e-1", Status: StatusSucceed, Elapsed: int64Ptr(2)},
				{ID: "e-2", Status: StatusRunning, StartEpoch: int64Ptr(10)},
			},
		}}}}}
	}

	t.Run("pauses a task and its container", func(t *testing.T) {
		m := newModel()

		Walk(m, &taskPauseVisitor{containerID: "1", taskID: "e-2"})

		c := m.Stages[0].Containers[0]
		if got, want := c.Status, StatusReviewing; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := c.Elements[1].Status, StatusReviewing; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("continues a task with a replacement definition", func(t *testing.T) {
		m := newModel()
		replacement := &Element{ID: "other", Name: "Deploy", Data: map[string]any{"env": "prod"}}

		Walk(m, &taskContinueVisitor{containerID: "1", taskID: "e-2", element: replacement})

		c := m.Stages[0].Containers[0]
		want := &Element{ID: "e-2", Name: "Deploy", Status: StatusQueue, Data: map[string]any{"env": "prod"}}
		if diff := cmp.Diff(want, c.Elements[1]); diff != "" {
			t.Fatalf("element mismatch (-want +got):\n%s", diff)
		}
		if got, want := c.Status, StatusQueue; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("cancels a task", func(t *testing.T) {
		m := newModel()

		Walk(m, &taskCancelVisitor{containerID: "1", taskID: "e-2", now: 15})

		c := m.Stages[0].Containers[0]
		if got, want := c.Elements[1].Status, StatusCanceled; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := *c.ElementElapsed, int64(2+5); got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
		if got, want := c.Status, StatusCanceled; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("pauses a task inside a matrix group", func(t *testing.T) {
		m := &Model{Stages: []*Stage{{ID: "stage-1", Containers: []*Container{{
			ID:              "1",
			Status:          StatusRunning,
			MatrixGroupFlag: boolPtr(true),
			GroupContainers: []*Container{{
				ID:       "1.1",
				Status:   StatusRunning,
				Elements: []*Element{{ID: "e-1", Status: StatusRunning}},
			}},
		}}}}}

		Walk(m, &taskPauseVisitor{containerID: "1.1", taskID: "e-1"})

		c := m.Stages[0].Containers[0]
		if got, want := c.Status, StatusRunning; got != want {
			t.Fatalf("got matrix container %v, want %v", got, want)
		}
		gc := c.GroupContainers[0]
		if got, want := gc.Status, StatusReviewing; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := gc.Elements[0].Status, StatusReviewing; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})
}
