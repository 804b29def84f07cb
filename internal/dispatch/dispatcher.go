// Package dispatch grants build agents their sessions and starts them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/k11v/pipetrack/internal/build"
	"github.com/k11v/pipetrack/internal/buildlog"
	"github.com/k11v/pipetrack/internal/buildstatus"
	"github.com/k11v/pipetrack/internal/event"
	"github.com/k11v/pipetrack/internal/failure"
)

const defaultRetryLimit = 3

// StatusClient is the process service surface the dispatcher consumes.
type StatusClient interface {
	GetBuildDetailStatus(ctx context.Context, params *buildstatus.GetBuildDetailStatusParams) (build.Status, error)
	SetVMStatus(ctx context.Context, params *buildstatus.SetVMStatusParams) error
}

// Monitor receives dispatch outcomes. It must not block on or fail the caller.
type Monitor interface {
	Report(ctx context.Context, m event.DispatchMonitoring)
}

// Config holds the dispatcher configuration.
type Config struct {
	Gateway    string        `env:"GATEWAY"`      // passed to agents
	RetryLimit int           `env:"RETRY_LIMIT"`  // default: 3
	HashIDSalt string        `env:"HASH_ID_SALT"` // default: ""
	SessionTTL time.Duration `env:"SESSION_TTL"`  // default: 7 days
}

func (c *Config) retryLimit() int {
	n := c.RetryLimit
	if n == 0 {
		n = defaultRetryLimit
	}
	return n
}

type Dispatcher struct {
	sessions  *SessionStore       // required
	status    StatusClient        // required
	publisher event.Publisher     // required
	printer   *buildlog.Printer   // required
	monitor   Monitor             // required
	launchers map[string]Launcher // keyed by upper-case dispatch type
	fallback  Launcher
	cfg       Config
	now       func() time.Time
}

// NewDispatcher returns a Dispatcher. Dispatch types without a launcher
// are handed to external VM providers through their queues.
func NewDispatcher(
	sessions *SessionStore,
	status StatusClient,
	publisher event.Publisher,
	printer *buildlog.Printer,
	monitor Monitor,
	launchers map[string]Launcher,
	cfg Config,
) *Dispatcher {
	normalized := make(map[string]Launcher, len(launchers))
	for t, l := range launchers {
		normalized[strings.ToUpper(t)] = l
	}
	return &Dispatcher{
		sessions:  sessions,
		status:    status,
		publisher: publisher,
		printer:   printer,
		monitor:   monitor,
		launchers: normalized,
		fallback:  NewQueueLauncher(publisher),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Startup starts an agent for the slot e describes.
//
// A System failure below the retry limit re-dispatches e. Any other failure
// is reported as a FAILED VM status. Startup returns an error only when the
// failure couldn't be handed off, so the event should be redelivered.
func (d *Dispatcher) Startup(ctx context.Context, e event.AgentStartup) error {
	start := d.now()
	err := d.startup(ctx, e)
	if err == nil {
		d.report(ctx, e, event.ActionStart, start, nil)
		return nil
	}

	fe := asFailure(err, failure.CodeLaunchFailed, "unable to start agent")
	slog.Warn("didn't start agent", "build_id", e.BuildID, "vm_seq_id", e.VMSeqID, "retry_time", e.RetryTime, "error", err)
	d.report(ctx, e, event.ActionStart, start, fe)

	if fe.Kind == failure.KindSystem && e.RetryTime < d.cfg.retryLimit() {
		retry := e
		retry.RetryTime++
		d.printer.Info(ctx, d.logLine(e, fmt.Sprintf("Start agent failed, retry %d: %s", retry.RetryTime, fe.Message)))
		slog.Info("re-dispatching agent startup", "build_id", e.BuildID, "vm_seq_id", e.VMSeqID, "retry_time", retry.RetryTime)
		if pubErr := d.publisher.Publish(ctx, retry); pubErr != nil {
			return fmt.Errorf("dispatch.Dispatcher: %w", errors.Join(fe, pubErr))
		}
		return nil
	}

	d.printer.Red(ctx, d.logLine(e, fmt.Sprintf("Start agent failed: %s", fe.Message)))
	d.onContainerFailure(ctx, e, fe)
	return nil
}

func (d *Dispatcher) startup(ctx context.Context, e event.AgentStartup) error {
	if err := d.CheckRunning(ctx, e); err != nil {
		return err
	}

	info, err := d.StartSession(ctx, e)
	if err != nil {
		return err
	}

	d.printer.Info(ctx, d.logLine(e, fmt.Sprintf("Prepare to start agent (%s)", strings.ToUpper(e.DispatchType))))

	msg := d.dispatchMessage(e, info)
	if err = d.launcher(e.DispatchType).Launch(ctx, msg); err != nil {
		return err
	}

	d.printer.Info(ctx, d.logLine(e, "Agent dispatched, waiting for it to connect"))
	return nil
}

// CheckRunning fails unless the build e belongs to is still running.
func (d *Dispatcher) CheckRunning(ctx context.Context, e event.AgentStartup) error {
	status, err := d.status.GetBuildDetailStatus(ctx, &buildstatus.GetBuildDetailStatusParams{
		UserID:     e.UserID,
		ProjectID:  e.ProjectID,
		PipelineID: e.PipelineID,
		BuildID:    e.BuildID,
	})
	if err != nil {
		slog.Warn("didn't check if pipeline is running", "build_id", e.BuildID, "error", err)
		return failure.System(failure.CodePipelineStatusError, "unable to retrieve pipeline status", err)
	}
	if !status.IsRunning() {
		slog.Warn("pipeline is not running", "build_id", e.BuildID, "status", status)
		return failure.User(failure.CodePipelineNotRunning, "pipeline is no longer running", nil)
	}
	return nil
}

// StartSession returns the session of the slot e describes, creating it if needed.
func (d *Dispatcher) StartSession(ctx context.Context, e event.AgentStartup) (*SecretInfo, error) {
	vmName := e.VMNames
	if strings.TrimSpace(vmName) == "" {
		vmName = "Dispatcher-sdk-" + e.VMSeqID
	}
	return d.sessions.Start(ctx, &SessionContext{
		VMName:       vmName,
		ProjectID:    e.ProjectID,
		PipelineID:   e.PipelineID,
		BuildID:      e.BuildID,
		VMSeqID:      e.VMSeqID,
		ChannelCode:  e.ChannelCode,
		Zone:         e.Zone,
		Atoms:        e.Atoms,
		ExecuteCount: executeCount(e.ExecuteCount),
	})
}

// Shutdown ends the session of the slot e describes and stops its agent
// if the launcher owns it.
func (d *Dispatcher) Shutdown(ctx context.Context, e event.AgentShutdown) error {
	start := d.now()
	n := executeCount(e.ExecuteCount)

	if err := d.sessions.End(ctx, e.BuildID, e.VMSeqID, n); err != nil {
		return fmt.Errorf("dispatch.Dispatcher: %w", err)
	}

	var stopErr *failure.Error
	if stopper, ok := d.launcher(e.DispatchType).(Stopper); ok {
		if err := stopper.Stop(ctx, e); err != nil {
			stopErr = failure.BestEffort(failure.CodeLaunchFailed, "unable to stop agent", err)
			slog.Warn("didn't stop agent", "build_id", e.BuildID, "vm_seq_id", e.VMSeqID, "error", err)
		}
	}

	d.monitor.Report(ctx, d.monitoring(e.ProjectID, e.PipelineID, e.BuildID, e.VMSeqID, e.DispatchType, 0, event.ActionEnd, start, stopErr))
	return nil
}

func (d *Dispatcher) launcher(dispatchType string) Launcher {
	if l, ok := d.launchers[strings.ToUpper(dispatchType)]; ok {
		return l
	}
	return d.fallback
}

func (d *Dispatcher) dispatchMessage(e event.AgentStartup, info *SecretInfo) event.Dispatch {
	return event.Dispatch{
		ID:              info.HashID,
		SecretKey:       info.SecretKey,
		Gateway:         d.cfg.Gateway,
		ProjectID:       e.ProjectID,
		PipelineID:      e.PipelineID,
		BuildID:         e.BuildID,
		UserID:          e.UserID,
		VMSeqID:         e.VMSeqID,
		ExecuteCount:    executeCount(e.ExecuteCount),
		ChannelCode:     e.ChannelCode,
		VMNames:         e.VMNames,
		Atoms:           e.Atoms,
		Zone:            e.Zone,
		StageID:         e.StageID,
		ContainerID:     e.ContainerID,
		ContainerHashID: e.ContainerHashID,
		ContainerType:   e.ContainerType,
		DispatchType:    e.DispatchType,
		CustomBuildEnv:  e.CustomBuildEnv,
	}
}

// onContainerFailure reports the slot's VM as FAILED. A failed report is logged.
func (d *Dispatcher) onContainerFailure(ctx context.Context, e event.AgentStartup, fe *failure.Error) {
	slog.Warn("container startup failure", "build_id", e.BuildID, "vm_seq_id", e.VMSeqID)
	err := d.status.SetVMStatus(ctx, &buildstatus.SetVMStatusParams{
		ProjectID:  e.ProjectID,
		PipelineID: e.PipelineID,
		BuildID:    e.BuildID,
		VMSeqID:    e.VMSeqID,
		Status:     build.StatusFailed,
		ErrorType:  string(fe.Kind),
		ErrorCode:  fe.Code,
		ErrorMsg:   fe.Message,
	})
	if err != nil {
		err = failure.BestEffort(failure.CodeVMStatusReport, "unable to report vm status", err)
		slog.Error("didn't report vm status", "build_id", e.BuildID, "vm_seq_id", e.VMSeqID, "error_code", fe.Code, "error", err)
	}
}

func (d *Dispatcher) report(ctx context.Context, e event.AgentStartup, action event.ActionType, start time.Time, fe *failure.Error) {
	d.monitor.Report(ctx, d.monitoring(e.ProjectID, e.PipelineID, e.BuildID, e.VMSeqID, e.DispatchType, e.RetryTime, action, start, fe))
}

func (d *Dispatcher) monitoring(projectID, pipelineID, buildID, vmSeqID, dispatchType string, retryTime int, action event.ActionType, start time.Time, fe *failure.Error) event.DispatchMonitoring {
	m := event.DispatchMonitoring{
		ProjectID:    projectID,
		PipelineID:   pipelineID,
		BuildID:      buildID,
		VMSeqID:      vmSeqID,
		ActionType:   action,
		RetryCount:   retryTime,
		DispatchType: strings.ToUpper(dispatchType),
		StartTime:    start.UnixMilli(),
		StopTime:     d.now().UnixMilli(),
	}
	if fe != nil {
		m.ErrorCode = fe.Code
		m.ErrorType = string(fe.Kind)
		m.ErrorMessage = fe.Message
	}
	return m
}

func (d *Dispatcher) logLine(e event.AgentStartup, message string) *buildlog.Line {
	return &buildlog.Line{
		BuildID:      e.BuildID,
		Tag:          StartVMTaskID(e.VMSeqID),
		JobID:        e.ContainerHashID,
		ExecuteCount: executeCount(e.ExecuteCount),
		Message:      message,
	}
}

// StartVMTaskID is the id of the task that starts the VM of a job.
func StartVMTaskID(vmSeqID string) string {
	return "startVM-" + vmSeqID
}

func asFailure(err error, code int, message string) *failure.Error {
	if fe, ok := failure.As(err); ok {
		return fe
	}
	return failure.System(code, message, err)
}

func executeCount(n *int) int {
	if n == nil {
		return 1
	}
	return *n
}
