package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/k11v/pipetrack/internal/build"
	"github.com/k11v/pipetrack/internal/dispatch"
	"github.com/k11v/pipetrack/internal/event"
	"github.com/k11v/pipetrack/internal/event/eventamqp"
	"github.com/k11v/pipetrack/internal/failure"
	"github.com/k11v/pipetrack/internal/taskpause"
)

// handler turns consumed events into service calls.
type handler struct {
	detail     *build.DetailService // required
	taskPause  *taskpause.Service   // required
	dispatcher *dispatch.Dispatcher // required
}

// routes returns the handler of every consumed queue.
func (h *handler) routes() map[string]eventamqp.HandlerFunc {
	return map[string]eventamqp.HandlerFunc{
		event.QueueBuildStart:    eventamqp.Handle(h.BuildStart),
		event.QueueTaskPause:     eventamqp.Handle(h.TaskPause),
		event.QueueAgentStartup:  eventamqp.Handle(h.dispatcher.Startup),
		event.QueueAgentShutdown: eventamqp.Handle(h.dispatcher.Shutdown),
		event.QueueBuildCancel:   eventamqp.Handle(h.BuildCancel),
		event.QueueBuildEnd:      eventamqp.Handle(h.BuildEnd),
		event.QueueBuildVMInfo:   eventamqp.Handle(h.BuildVMInfo),
	}
}

func (h *handler) BuildStart(ctx context.Context, e event.BuildStart) error {
	var m build.Model
	if err := json.Unmarshal(e.Model, &m); err != nil {
		return failure.User(failure.CodeModelDecode, "unable to decode build model", err)
	}

	_, err := h.detail.Create(ctx, &build.CreateParams{
		ProjectID:  e.ProjectID,
		PipelineID: e.PipelineID,
		BuildID:    e.BuildID,
		StartUser:  e.UserID,
		Model:      &m,
	})
	if errors.Is(err, build.ErrAlreadyExists) {
		slog.Info("build already recorded", "build_id", e.BuildID)
		return nil
	}
	return classify(err, e.BuildID)
}

func (h *handler) TaskPause(ctx context.Context, e event.TaskPause) error {
	return h.taskPause.Handle(ctx, e)
}

func (h *handler) BuildCancel(ctx context.Context, e event.BuildCancel) error {
	err := h.detail.Cancel(ctx, &build.CancelParams{
		ProjectID:  e.ProjectID,
		BuildID:    e.BuildID,
		Status:     build.ParseStatus(e.Status),
		CancelUser: e.UserID,
	})
	return classify(err, e.BuildID)
}

func (h *handler) BuildEnd(ctx context.Context, e event.BuildEnd) error {
	_, err := h.detail.End(ctx, &build.EndParams{
		ProjectID: e.ProjectID,
		BuildID:   e.BuildID,
		Status:    build.ParseStatus(e.Status),
	})
	return classify(err, e.BuildID)
}

func (h *handler) BuildVMInfo(ctx context.Context, e event.BuildVMInfo) error {
	err := h.detail.SaveVMInfo(ctx, &build.SaveVMInfoParams{
		ProjectID:   e.ProjectID,
		BuildID:     e.BuildID,
		ContainerID: e.ContainerID,
		VMInfo:      &build.VMInfo{IP: e.VMIP, Name: e.VMName},
	})
	return classify(err, e.BuildID)
}

// classify marks events about unknown builds as User errors.
// Other errors keep their kind.
func classify(err error, buildID string) error {
	if err == nil {
		return nil
	}
	if _, ok := failure.As(err); !ok && errors.Is(err, build.ErrNotFound) {
		return failure.User(failure.CodeBuildNotFound, fmt.Sprintf("build %s not found", buildID), err)
	}
	return err
}
