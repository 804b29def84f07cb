// Package taskpause moves paused tasks forward: a paused task is either
// continued, possibly with a replaced definition, or canceled.
package taskpause

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/k11v/pipetrack/internal/build"
	"github.com/k11v/pipetrack/internal/buildlock"
	"github.com/k11v/pipetrack/internal/buildlog"
	"github.com/k11v/pipetrack/internal/event"
	"github.com/k11v/pipetrack/internal/failure"
)

const defaultContainerType = "vmBuild"

// Brackets are the name and id prefixes of the tasks that start and stop
// a job's machine around its user-defined tasks.
type Brackets struct {
	PrepareVMLabel string `env:"PREPARE_VM_LABEL"`
	StartVMID      string `env:"START_VM_ID"`
	WaitLabel      string `env:"WAIT_LABEL"`
	EndID          string `env:"END_ID"`
	CleanVMLabel   string `env:"CLEAN_VM_LABEL"`
	StopVMID       string `env:"STOP_VM_ID"`
}

// DefaultBrackets returns the prefixes the engine generates bracket tasks with.
func DefaultBrackets() Brackets {
	return Brackets{
		PrepareVMLabel: "Prepare_Job#",
		StartVMID:      "startVM-",
		WaitLabel:      "Wait_Finish_Job#",
		EndID:          "end-",
		CleanVMLabel:   "Clean_Job#",
		StopVMID:       "stopVM-",
	}
}

// Match reports whether t is a bracket task. Both the name and the id must match.
func (b Brackets) Match(t *build.Task) bool {
	return hasPrefixes(t, b.PrepareVMLabel, b.StartVMID) ||
		hasPrefixes(t, b.WaitLabel, b.EndID) ||
		hasPrefixes(t, b.CleanVMLabel, b.StopVMID)
}

func hasPrefixes(t *build.Task, namePrefix, idPrefix string) bool {
	return namePrefix != "" && idPrefix != "" &&
		strings.HasPrefix(t.TaskName, namePrefix) &&
		strings.HasPrefix(t.TaskID, idPrefix)
}

type Service struct {
	db        build.Database       // required
	detail    *build.DetailService // required
	locker    buildlock.Locker     // required
	publisher event.Publisher      // required
	printer   *buildlog.Printer    // required
	brackets  Brackets
}

func NewService(
	db build.Database,
	detail *build.DetailService,
	locker buildlock.Locker,
	publisher event.Publisher,
	printer *buildlog.Printer,
	brackets Brackets,
) *Service {
	return &Service{
		db:        db,
		detail:    detail,
		locker:    locker,
		publisher: publisher,
		printer:   printer,
		brackets:  brackets,
	}
}

type PauseParams struct {
	ProjectID string
	BuildID   string
	TaskID    string
	UserID    string         // optional
	Element   *build.Element // optional, the definition to continue with
}

// Pause stops a task before it executes. The definition the task continues
// with is kept until the task is continued.
func (s *Service) Pause(ctx context.Context, params *PauseParams) error {
	task, err := s.getTask(ctx, params.ProjectID, params.BuildID, params.TaskID)
	if err != nil {
		return fmt.Errorf("taskpause.Service: %w", err)
	}

	newValue := task.Element
	if params.Element != nil {
		newValue, err = json.Marshal(params.Element)
		if err != nil {
			return fmt.Errorf("taskpause.Service: %w", failure.System(failure.CodeModelEncode, "unable to encode task element", err))
		}
	}

	err = s.inTx(ctx, task.BuildID, func(ctx context.Context, tx build.Database) error {
		err := tx.UpdateTaskStatus(ctx, &build.DatabaseUpdateTaskStatusParams{
			ProjectID: task.ProjectID,
			BuildID:   task.BuildID,
			TaskID:    task.TaskID,
			Status:    build.StatusReviewing,
			UserID:    params.UserID,
		})
		if err != nil {
			return err
		}

		err = tx.CreatePauseRecord(ctx, &build.DatabaseCreatePauseRecordParams{
			ProjectID: task.ProjectID,
			BuildID:   task.BuildID,
			TaskID:    task.TaskID,
			NewValue:  newValue,
		})
		if err != nil {
			return err
		}

		return s.detail.TaskPause(ctx, tx, &build.TaskPauseParams{
			ProjectID:   task.ProjectID,
			BuildID:     task.BuildID,
			ContainerID: task.ContainerID,
			TaskID:      task.TaskID,
		})
	})
	if err != nil {
		return fmt.Errorf("taskpause.Service: %w", err)
	}

	s.detail.NotifyChange(ctx, task.ProjectID, task.BuildID, "taskPause")
	s.printer.Yellow(ctx, &buildlog.Line{
		BuildID:      task.BuildID,
		Tag:          task.TaskID,
		JobID:        task.ContainerHashID,
		ExecuteCount: executeCount(task),
		Message:      fmt.Sprintf("[%s] paused, waiting for continue or terminate", task.TaskName),
	})
	return nil
}

// Handle applies a pause event: REFRESH continues the task and END cancels it.
func (s *Service) Handle(ctx context.Context, e event.TaskPause) error {
	task, err := s.getTask(ctx, e.ProjectID, e.BuildID, e.TaskID)
	if err != nil {
		return fmt.Errorf("taskpause.Service: %w", err)
	}

	switch e.ActionType {
	case event.ActionRefresh:
		err = s.Continue(ctx, task, e.UserID)
	case event.ActionEnd:
		err = s.Cancel(ctx, task, e.UserID)
	default:
		err = failure.User(failure.CodeUnknownAction, fmt.Sprintf("unknown pause action %q", e.ActionType), nil)
	}
	if err != nil {
		slog.Warn("pause task execute fail", "build_id", e.BuildID, "task_id", e.TaskID, "action", e.ActionType, "error", err)
		return fmt.Errorf("taskpause.Service: %w", err)
	}
	return nil
}

// Continue queues a paused task, its bracket tasks and its container again.
// If a definition was kept when the task was paused, the task continues with it.
func (s *Service) Continue(ctx context.Context, task *build.Task, userID string) error {
	err := s.inTx(ctx, task.BuildID, func(ctx context.Context, tx build.Database) error {
		if err := s.queueBrackets(ctx, tx, task, userID); err != nil {
			return err
		}

		element, err := s.takeElement(ctx, tx, task)
		if err != nil {
			return err
		}

		return s.detail.TaskContinue(ctx, tx, &build.TaskContinueParams{
			ProjectID:   task.ProjectID,
			BuildID:     task.BuildID,
			ContainerID: task.ContainerID,
			TaskID:      task.TaskID,
			Element:     element,
		})
	})
	if err != nil {
		return fmt.Errorf("continue: %w", err)
	}

	err = s.publisher.Publish(ctx, event.Container{
		Source:          "pauseContinue",
		ProjectID:       task.ProjectID,
		PipelineID:      task.PipelineID,
		BuildID:         task.BuildID,
		StageID:         task.StageID,
		ContainerID:     task.ContainerID,
		ContainerHashID: task.ContainerHashID,
		UserID:          userID,
		ActionType:      event.ActionRefresh,
	})
	if err != nil {
		return fmt.Errorf("continue: %w", err)
	}

	s.printer.Yellow(ctx, &buildlog.Line{
		BuildID:      task.BuildID,
		Tag:          task.TaskID,
		JobID:        task.ContainerHashID,
		ExecuteCount: executeCount(task),
		Message:      fmt.Sprintf("[%s] processed. user: %s, action: continue", task.TaskName, userID),
	})
	return nil
}

func (s *Service) queueBrackets(ctx context.Context, tx build.Database, current *build.Task, userID string) error {
	tasks, err := tx.ListTasks(ctx, &build.DatabaseListTasksParams{
		ProjectID:   current.ProjectID,
		BuildID:     current.BuildID,
		StageID:     current.StageID,
		ContainerID: current.ContainerID,
	})
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if t.TaskID != current.TaskID && !s.brackets.Match(t) {
			continue
		}
		err = tx.UpdateTaskStatus(ctx, &build.DatabaseUpdateTaskStatusParams{
			ProjectID: t.ProjectID,
			BuildID:   t.BuildID,
			TaskID:    t.TaskID,
			Status:    build.StatusQueue,
			UserID:    userID,
		})
		if err != nil {
			return err
		}
		slog.Info("task queued", "build_id", t.BuildID, "task_id", t.TaskID, "from", t.Status)
	}

	return tx.UpdateContainerStatus(ctx, &build.DatabaseUpdateContainerStatusParams{
		ProjectID:   current.ProjectID,
		BuildID:     current.BuildID,
		StageID:     current.StageID,
		ContainerID: current.ContainerID,
		Status:      build.StatusQueue,
	})
}

// takeElement consumes the pause record of task and applies the kept
// definition to it. It returns nil if there is no record.
func (s *Service) takeElement(ctx context.Context, tx build.Database, task *build.Task) (*build.Element, error) {
	record, err := tx.TakePauseRecord(ctx, &build.DatabaseTakePauseRecordParams{
		ProjectID: task.ProjectID,
		BuildID:   task.BuildID,
		TaskID:    task.TaskID,
	})
	if errors.Is(err, build.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var element build.Element
	if err = json.Unmarshal(record.NewValue, &element); err != nil {
		return nil, failure.System(failure.CodePauseRecordDecode, "unable to decode paused task element", err)
	}
	n := executeCount(task)
	element.ExecuteCount = &n

	data, err := json.Marshal(&element)
	if err != nil {
		return nil, failure.System(failure.CodeModelEncode, "unable to encode task element", err)
	}
	err = tx.UpdateTaskElement(ctx, &build.DatabaseUpdateTaskElementParams{
		ProjectID: task.ProjectID,
		BuildID:   task.BuildID,
		TaskID:    task.TaskID,
		TaskName:  element.Name,
		Element:   data,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("task element updated", "build_id", task.BuildID, "task_id", task.TaskID)

	return &element, nil
}

// Cancel terminates a paused task and ends its container.
func (s *Service) Cancel(ctx context.Context, task *build.Task, userID string) error {
	var containerType string
	err := s.inTx(ctx, task.BuildID, func(ctx context.Context, tx build.Database) error {
		err := tx.UpdateTaskStatus(ctx, &build.DatabaseUpdateTaskStatusParams{
			ProjectID: task.ProjectID,
			BuildID:   task.BuildID,
			TaskID:    task.TaskID,
			Status:    build.StatusCanceled,
			UserID:    userID,
		})
		if err != nil {
			return err
		}

		err = s.detail.TaskCancel(ctx, tx, &build.TaskCancelParams{
			ProjectID:   task.ProjectID,
			BuildID:     task.BuildID,
			ContainerID: task.ContainerID,
			TaskID:      task.TaskID,
			CancelUser:  userID,
		})
		if err != nil {
			return err
		}

		containerType = defaultContainerType
		c, err := tx.GetContainer(ctx, &build.DatabaseGetContainerParams{
			ProjectID:   task.ProjectID,
			BuildID:     task.BuildID,
			StageID:     task.StageID,
			ContainerID: task.ContainerID,
		})
		if err != nil && !errors.Is(err, build.ErrNotFound) {
			return err
		}
		if c != nil && c.ContainerType != "" {
			containerType = c.ContainerType
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}

	s.printer.Yellow(ctx, &buildlog.Line{
		BuildID:      task.BuildID,
		Tag:          task.TaskID,
		JobID:        task.ContainerHashID,
		ExecuteCount: executeCount(task),
		Message:      fmt.Sprintf("[%s] processed. user: %s, action: terminate", task.TaskName, userID),
	})

	err = s.publisher.Publish(ctx, event.Container{
		Source:          "manualStopPauseAtom",
		ProjectID:       task.ProjectID,
		PipelineID:      task.PipelineID,
		BuildID:         task.BuildID,
		StageID:         task.StageID,
		ContainerID:     task.ContainerID,
		ContainerHashID: task.ContainerHashID,
		ContainerType:   containerType,
		UserID:          userID,
		ActionType:      event.ActionEnd,
	})
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}

	err = s.publisher.Publish(ctx, event.BuildStatusBroadcast{
		Source:     fmt.Sprintf("pauseCancel-%s-%s", task.ContainerID, task.BuildID),
		ProjectID:  task.ProjectID,
		PipelineID: task.PipelineID,
		BuildID:    task.BuildID,
		UserID:     task.Starter,
		ActionType: event.ActionEnd,
	})
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	return nil
}

func (s *Service) getTask(ctx context.Context, projectID, buildID, taskID string) (*build.Task, error) {
	task, err := s.db.GetTask(ctx, &build.DatabaseGetTaskParams{ProjectID: projectID, BuildID: buildID, TaskID: taskID})
	if errors.Is(err, build.ErrNotFound) {
		return nil, failure.User(failure.CodeTaskNotFound, fmt.Sprintf("task %s of build %s not found", taskID, buildID), err)
	} else if err != nil {
		return nil, err
	}
	return task, nil
}

// inTx runs f in a transaction while holding the build lock.
func (s *Service) inTx(ctx context.Context, buildID string, f func(ctx context.Context, tx build.Database) error) error {
	return buildlock.Do(ctx, s.locker, buildID, func(ctx context.Context) error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback(ctx) // no-op if committed
		}()

		if err = f(ctx, tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

func executeCount(task *build.Task) int {
	if task.ExecuteCount == nil {
		return 1
	}
	return *task.ExecuteCount
}
