package build

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/k11v/pipetrack/internal/buildlock"
	"github.com/k11v/pipetrack/internal/event"
	"github.com/k11v/pipetrack/internal/failure"
)

// Archiver stores the final model of a build.
type Archiver interface {
	ArchiveModel(ctx context.Context, projectID, buildID string, model []byte) error
}

// DetailService applies lifecycle changes to the execution tree of a build.
// Every change loads the model, walks it with a Visitor and saves it at most once.
type DetailService struct {
	db        Database         // required
	locker    buildlock.Locker // required
	publisher event.Publisher  // required
	archiver  Archiver         // optional
	now       func() time.Time
}

// NewDetailService returns a DetailService. archiver may be nil.
func NewDetailService(db Database, locker buildlock.Locker, publisher event.Publisher, archiver Archiver) *DetailService {
	return &DetailService{
		db:        db,
		locker:    locker,
		publisher: publisher,
		archiver:  archiver,
		now:       time.Now,
	}
}

type ModelDetail struct {
	Build      *Build
	Model      *Model
	Status     Status
	CancelUser string
	UpdatedAt  time.Time
}

type CreateParams struct {
	ProjectID  string
	PipelineID string
	BuildID    string
	StartUser  string
	Model      *Model
}

// Create records a triggered build with its initial model.
// It returns ErrAlreadyExists if the build was recorded before.
func (s *DetailService) Create(ctx context.Context, params *CreateParams) (*Build, error) {
	params.Model.Normalize()
	data, err := json.Marshal(params.Model)
	if err != nil {
		return nil, fmt.Errorf("build.DetailService: %w", failure.System(failure.CodeModelEncode, "unable to encode build model", err))
	}

	tasks, err := taskRecords(params)
	if err != nil {
		return nil, fmt.Errorf("build.DetailService: %w", failure.System(failure.CodeModelEncode, "unable to encode build model", err))
	}

	b, err := s.db.CreateBuild(ctx, &DatabaseCreateBuildParams{
		ProjectID:  params.ProjectID,
		PipelineID: params.PipelineID,
		BuildID:    params.BuildID,
		Status:     StatusQueue,
		StartTime:  s.now(),
		StartUser:  params.StartUser,
		Model:      data,
		Containers: containerRecords(params),
		Tasks:      tasks,
	})
	if err != nil {
		return nil, fmt.Errorf("build.DetailService: %w", err)
	}
	return b, nil
}

func containerRecords(params *CreateParams) []*ContainerRecord {
	var records []*ContainerRecord
	for _, st := range params.Model.Stages {
		for _, c := range st.Containers {
			records = append(records, &ContainerRecord{
				ProjectID:       params.ProjectID,
				PipelineID:      params.PipelineID,
				BuildID:         params.BuildID,
				StageID:         st.ID,
				ContainerID:     c.ID,
				ContainerHashID: c.ContainerHashID,
				ContainerType:   c.Type,
				Status:          StatusQueue,
				ExecuteCount:    1,
			})
		}
	}
	return records
}

func taskRecords(params *CreateParams) ([]*Task, error) {
	var records []*Task
	for _, st := range params.Model.Stages {
		for _, c := range st.Containers {
			for _, e := range c.Elements {
				element, err := json.Marshal(e)
				if err != nil {
					return nil, err
				}
				records = append(records, &Task{
					ProjectID:       params.ProjectID,
					PipelineID:      params.PipelineID,
					BuildID:         params.BuildID,
					StageID:         st.ID,
					ContainerID:     c.ID,
					ContainerHashID: c.ContainerHashID,
					ContainerType:   c.Type,
					TaskID:          e.ID,
					TaskName:        e.Name,
					TaskType:        e.Type,
					Status:          StatusQueue,
					ExecuteCount:    e.ExecuteCount,
					Starter:         params.StartUser,
					Element:         element,
				})
			}
		}
	}
	return records, nil
}

type GetParams struct {
	ProjectID string
	BuildID   string
}

// Get returns the current model of a build. It doesn't take the build lock.
func (s *DetailService) Get(ctx context.Context, params *GetParams) (*ModelDetail, error) {
	b, err := s.db.GetBuild(ctx, &DatabaseGetBuildParams{ProjectID: params.ProjectID, BuildID: params.BuildID})
	if err != nil {
		return nil, fmt.Errorf("build.DetailService: %w", err)
	}

	d, err := s.db.GetDetail(ctx, &DatabaseGetDetailParams{ProjectID: params.ProjectID, BuildID: params.BuildID})
	if err != nil {
		return nil, fmt.Errorf("build.DetailService: %w", err)
	}

	m, err := decodeModel(d.Model)
	if err != nil {
		return nil, fmt.Errorf("build.DetailService: %w", err)
	}

	return &ModelDetail{
		Build:      b,
		Model:      m,
		Status:     d.Status,
		CancelUser: d.CancelUser,
		UpdatedAt:  d.UpdatedAt,
	}, nil
}

type CancelParams struct {
	ProjectID  string
	BuildID    string
	Status     Status
	CancelUser string // optional
}

// Cancel applies params.Status to the stages, containers and elements that are running.
func (s *DetailService) Cancel(ctx context.Context, params *CancelParams) error {
	err := buildlock.Do(ctx, s.locker, params.BuildID, func(ctx context.Context) error {
		var cancelUser *string
		if params.CancelUser != "" {
			cancelUser = &params.CancelUser
		}

		_, saved, err := s.update(ctx, s.db, &updateParams{
			ProjectID:  params.ProjectID,
			BuildID:    params.BuildID,
			Visitor:    &cancelVisitor{status: params.Status, now: s.now().UnixMilli()},
			CancelUser: cancelUser,
			Operation:  "buildCancel",
		})
		if err != nil {
			return err
		}
		if saved {
			s.notify(ctx, params.ProjectID, params.BuildID, "buildCancel")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("build.DetailService: %w", err)
	}
	return nil
}

type EndParams struct {
	ProjectID string
	BuildID   string
	Status    Status
}

// End collapses everything still running to params.Status.
// It returns the stage snapshot taken before the change and records it on the finished build.
func (s *DetailService) End(ctx context.Context, params *EndParams) ([]*BuildStageStatus, error) {
	var snapshot []*BuildStageStatus
	var final []byte
	var saved bool

	err := buildlock.Do(ctx, s.locker, params.BuildID, func(ctx context.Context) error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback(ctx) // no-op if committed
		}()

		now := s.now()
		v := &endVisitor{status: params.Status, now: now.UnixMilli()}
		final, saved, err = s.update(ctx, tx, &updateParams{
			ProjectID: params.ProjectID,
			BuildID:   params.BuildID,
			Visitor:   v,
			Status:    &params.Status,
			Operation: "buildEnd",
			Prepare: func(ctx context.Context, m *Model) error {
				names, err := s.stageTagNames(ctx, tx, m)
				v.tagNames = names
				return err
			},
		})
		if err != nil {
			return err
		}
		snapshot = v.snapshot

		err = tx.FinishBuild(ctx, &DatabaseFinishBuildParams{
			ProjectID:   params.ProjectID,
			BuildID:     params.BuildID,
			Status:      params.Status,
			EndTime:     now,
			StageStatus: snapshot,
		})
		if err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("build.DetailService: %w", err)
	}

	if saved {
		s.notify(ctx, params.ProjectID, params.BuildID, "buildEnd")
	}
	// A redelivered End finds nothing to change but still archives.
	s.archive(ctx, params.ProjectID, params.BuildID, final)
	return snapshot, nil
}

type SaveVMInfoParams struct {
	ProjectID   string
	BuildID     string
	ContainerID string
	VMInfo      *VMInfo
}

// SaveVMInfo names the container after the VM it was dispatched to.
func (s *DetailService) SaveVMInfo(ctx context.Context, params *SaveVMInfoParams) error {
	err := buildlock.Do(ctx, s.locker, params.BuildID, func(ctx context.Context) error {
		_, saved, err := s.update(ctx, s.db, &updateParams{
			ProjectID: params.ProjectID,
			BuildID:   params.BuildID,
			Visitor:   &vmInfoVisitor{containerID: params.ContainerID, vmInfo: params.VMInfo},
			Operation: "saveBuildVmInfo",
		})
		if err != nil {
			return err
		}
		if saved {
			s.notify(ctx, params.ProjectID, params.BuildID, "saveBuildVmInfo")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("build.DetailService: %w", err)
	}
	return nil
}

type TaskPauseParams struct {
	ProjectID   string
	BuildID     string
	ContainerID string
	TaskID      string
}

// TaskPause marks a task as paused.
// The caller must hold the build lock. db is usually the caller's transaction.
func (s *DetailService) TaskPause(ctx context.Context, db Database, params *TaskPauseParams) error {
	_, _, err := s.update(ctx, db, &updateParams{
		ProjectID: params.ProjectID,
		BuildID:   params.BuildID,
		Visitor:   &taskPauseVisitor{containerID: params.ContainerID, taskID: params.TaskID},
		Operation: "taskPause",
	})
	if err != nil {
		return fmt.Errorf("build.DetailService: %w", err)
	}
	return nil
}

type TaskContinueParams struct {
	ProjectID   string
	BuildID     string
	ContainerID string
	TaskID      string
	Element     *Element // optional
}

// TaskContinue queues a paused task again.
// The caller must hold the build lock. db is usually the caller's transaction.
func (s *DetailService) TaskContinue(ctx context.Context, db Database, params *TaskContinueParams) error {
	_, _, err := s.update(ctx, db, &updateParams{
		ProjectID: params.ProjectID,
		BuildID:   params.BuildID,
		Visitor:   &taskContinueVisitor{containerID: params.ContainerID, taskID: params.TaskID, element: params.Element},
		Operation: "taskContinue",
	})
	if err != nil {
		return fmt.Errorf("build.DetailService: %w", err)
	}
	return nil
}

type TaskCancelParams struct {
	ProjectID   string
	BuildID     string
	ContainerID string
	TaskID      string
	CancelUser  string // optional
}

// TaskCancel cancels a task and records who canceled it.
// The caller must hold the build lock. db is usually the caller's transaction.
func (s *DetailService) TaskCancel(ctx context.Context, db Database, params *TaskCancelParams) error {
	var cancelUser *string
	if params.CancelUser != "" {
		cancelUser = &params.CancelUser
	}

	_, _, err := s.update(ctx, db, &updateParams{
		ProjectID:  params.ProjectID,
		BuildID:    params.BuildID,
		Visitor:    &taskCancelVisitor{containerID: params.ContainerID, taskID: params.TaskID, now: s.now().UnixMilli()},
		CancelUser: cancelUser,
		Operation:  "taskCancel",
	})
	if err != nil {
		return fmt.Errorf("build.DetailService: %w", err)
	}
	return nil
}

// NotifyChange publishes a detail change for changes made through the Task* methods
// once the caller's transaction is committed.
func (s *DetailService) NotifyChange(ctx context.Context, projectID, buildID, operation string) {
	s.notify(ctx, projectID, buildID, operation)
}

type updateParams struct {
	ProjectID  string
	BuildID    string
	Visitor    Visitor
	Status     *Status // optional
	CancelUser *string // optional
	Operation  string

	// Prepare runs after the model is loaded and before it is walked.
	Prepare func(ctx context.Context, m *Model) error // optional
}

// update loads the model, walks it and saves it if the visitor changed it.
// It returns the model as it stands afterwards and whether it was saved.
func (s *DetailService) update(ctx context.Context, db Database, params *updateParams) ([]byte, bool, error) {
	d, err := db.GetDetail(ctx, &DatabaseGetDetailParams{ProjectID: params.ProjectID, BuildID: params.BuildID})
	if err != nil {
		return nil, false, err
	}

	m, err := decodeModel(d.Model)
	if err != nil {
		return nil, false, err
	}

	if params.Prepare != nil {
		if err = params.Prepare(ctx, m); err != nil {
			return nil, false, err
		}
	}

	Walk(m, params.Visitor)

	if !params.Visitor.NeedsSave() {
		slog.Info("model unchanged", "operation", params.Operation, "build_id", params.BuildID)
		return d.Model, false, nil
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, false, failure.System(failure.CodeModelEncode, "unable to encode build model", err)
	}

	err = db.UpdateDetail(ctx, &DatabaseUpdateDetailParams{
		ProjectID:  params.ProjectID,
		BuildID:    params.BuildID,
		Model:      data,
		Status:     params.Status,
		CancelUser: params.CancelUser,
	})
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *DetailService) stageTagNames(ctx context.Context, db Database, m *Model) (map[string]string, error) {
	ids := stageTagIDs(m)
	if len(ids) == 0 {
		return nil, nil
	}
	return db.ListStageTagNames(ctx, &DatabaseListStageTagNamesParams{IDs: ids})
}

func (s *DetailService) notify(ctx context.Context, projectID, buildID, operation string) {
	err := s.publisher.Publish(ctx, event.DetailChange{ProjectID: projectID, BuildID: buildID, Operation: operation})
	if err != nil {
		slog.Warn("didn't publish detail change", "operation", operation, "build_id", buildID, "error", err)
	}
}

func (s *DetailService) archive(ctx context.Context, projectID, buildID string, model []byte) {
	if s.archiver == nil {
		return
	}
	if err := s.archiver.ArchiveModel(ctx, projectID, buildID, model); err != nil {
		slog.Warn("didn't archive model", "build_id", buildID, "error", err)
	}
}

func decodeModel(data []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, failure.System(failure.CodeModelDecode, "unable to decode build model", err)
	}
	m.Normalize()
	return &m, nil
}
