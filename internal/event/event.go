// Package event defines the lifecycle events carried by the message bus.
package event

import (
	"context"
	"encoding/json"
	"strings"
)

// Queues consumed by the engine.
const (
	QueueBuildStart    = "build.start"
	QueueTaskPause     = "task.pause"
	QueueAgentStartup  = "agent.startup"
	QueueAgentShutdown = "agent.shutdown"
	QueueBuildCancel   = "build.cancel"
	QueueBuildEnd      = "build.end"
	QueueBuildVMInfo   = "build.vminfo"
)

// Queues the engine publishes to.
const (
	QueueContainer          = "container.lifecycle"
	QueueBuildBroadcast     = "build.broadcast"
	QueueBuildDetail        = "build.detail"
	QueueBuildLog           = "build.log"
	QueueDispatchMonitoring = "dispatch.monitoring"
	queueDispatchPrefix     = "dispatch."
)

// DispatchQueue returns the queue an external VM provider of dispatchType consumes.
func DispatchQueue(dispatchType string) string {
	return queueDispatchPrefix + strings.ToLower(dispatchType)
}

// Event is a message with a destination queue.
type Event interface {
	Queue() string
}

// Publisher publishes events to the bus.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// ActionType tells a consumer what to do with the entity an event is about.
type ActionType string

const (
	ActionStart     ActionType = "START"
	ActionRefresh   ActionType = "REFRESH"
	ActionEnd       ActionType = "END"
	ActionTerminate ActionType = "TERMINATE"
)

type TaskPause struct {
	Source      string     `json:"source"`
	ProjectID   string     `json:"projectId"`
	PipelineID  string     `json:"pipelineId"`
	BuildID     string     `json:"buildId"`
	StageID     string     `json:"stageId"`
	ContainerID string     `json:"containerId"`
	TaskID      string     `json:"taskId"`
	UserID      string     `json:"userId"`
	ActionType  ActionType `json:"actionType"`
}

func (TaskPause) Queue() string { return QueueTaskPause }

type AgentStartup struct {
	Source          string            `json:"source"`
	ProjectID       string            `json:"projectId"`
	PipelineID      string            `json:"pipelineId"`
	BuildID         string            `json:"buildId"`
	VMSeqID         string            `json:"vmSeqId"`
	ExecuteCount    *int              `json:"executeCount,omitempty"`
	UserID          string            `json:"userId"`
	ChannelCode     string            `json:"channelCode"`
	VMNames         string            `json:"vmNames"`
	Atoms           map[string]string `json:"atoms"`
	Zone            string            `json:"zone"`
	StageID         string            `json:"stageId"`
	ContainerID     string            `json:"containerId"`
	ContainerHashID string            `json:"containerHashId"`
	ContainerType   string            `json:"containerType"`
	DispatchType    string            `json:"dispatchType"`
	CustomBuildEnv  map[string]string `json:"customBuildEnv"`
	RetryTime       int               `json:"retryTime"`
}

func (AgentStartup) Queue() string { return QueueAgentStartup }

type AgentShutdown struct {
	Source       string `json:"source"`
	ProjectID    string `json:"projectId"`
	PipelineID   string `json:"pipelineId"`
	BuildID      string `json:"buildId"`
	VMSeqID      string `json:"vmSeqId"`
	ExecuteCount *int   `json:"executeCount,omitempty"`
	UserID       string `json:"userId"`
	BuildResult  bool   `json:"buildResult"`
	DispatchType string `json:"dispatchType,omitempty"`
}

func (AgentShutdown) Queue() string { return QueueAgentShutdown }

// BuildStart carries the initial model of a triggered build.
type BuildStart struct {
	Source     string          `json:"source"`
	ProjectID  string          `json:"projectId"`
	PipelineID string          `json:"pipelineId"`
	BuildID    string          `json:"buildId"`
	UserID     string          `json:"userId"`
	Model      json.RawMessage `json:"model"`
}

func (BuildStart) Queue() string { return QueueBuildStart }

type BuildCancel struct {
	Source     string `json:"source"`
	ProjectID  string `json:"projectId"`
	PipelineID string `json:"pipelineId"`
	BuildID    string `json:"buildId"`
	Status     string `json:"status"`
	UserID     string `json:"userId"`
}

func (BuildCancel) Queue() string { return QueueBuildCancel }

type BuildEnd struct {
	Source     string `json:"source"`
	ProjectID  string `json:"projectId"`
	PipelineID string `json:"pipelineId"`
	BuildID    string `json:"buildId"`
	Status     string `json:"status"`
}

func (BuildEnd) Queue() string { return QueueBuildEnd }

type BuildVMInfo struct {
	ProjectID   string `json:"projectId"`
	PipelineID  string `json:"pipelineId"`
	BuildID     string `json:"buildId"`
	ContainerID string `json:"containerId"`
	VMIP        string `json:"vmIp"`
	VMName      string `json:"vmName"`
}

func (BuildVMInfo) Queue() string { return QueueBuildVMInfo }

type Container struct {
	Source          string     `json:"source"`
	ProjectID       string     `json:"projectId"`
	PipelineID      string     `json:"pipelineId"`
	BuildID         string     `json:"buildId"`
	StageID         string     `json:"stageId"`
	ContainerID     string     `json:"containerId"`
	ContainerHashID string     `json:"containerHashId"`
	ContainerType   string     `json:"containerType"`
	UserID          string     `json:"userId"`
	ActionType      ActionType `json:"actionType"`
}

func (Container) Queue() string { return QueueContainer }

type BuildStatusBroadcast struct {
	Source     string     `json:"source"`
	ProjectID  string     `json:"projectId"`
	PipelineID string     `json:"pipelineId"`
	BuildID    string     `json:"buildId"`
	UserID     string     `json:"userId"`
	ActionType ActionType `json:"actionType"`
}

func (BuildStatusBroadcast) Queue() string { return QueueBuildBroadcast }

type DetailChange struct {
	ProjectID string `json:"projectId"`
	BuildID   string `json:"buildId"`
	Operation string `json:"operation"`
}

func (DetailChange) Queue() string { return QueueBuildDetail }

type LogLine struct {
	BuildID      string `json:"buildId"`
	Tag          string `json:"tag"`
	JobID        string `json:"jobId,omitempty"`
	ExecuteCount int    `json:"executeCount"`
	Message      string `json:"message"`
	Level        string `json:"level"`
	Timestamp    int64  `json:"timestamp"`
}

func (LogLine) Queue() string { return QueueBuildLog }

type DispatchMonitoring struct {
	ProjectID    string     `json:"projectId"`
	PipelineID   string     `json:"pipelineId"`
	BuildID      string     `json:"buildId"`
	VMSeqID      string     `json:"vmSeqId"`
	ActionType   ActionType `json:"actionType"`
	RetryCount   int        `json:"retryCount"`
	DispatchType string     `json:"dispatchType"`
	StartTime    int64      `json:"startTime"`
	StopTime     int64      `json:"stopTime"`
	ErrorCode    int        `json:"errorCode"`
	ErrorType    string     `json:"errorType,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

func (DispatchMonitoring) Queue() string { return QueueDispatchMonitoring }

// Dispatch asks a VM provider to start an agent for a session.
type Dispatch struct {
	ID              string            `json:"id"`
	SecretKey       string            `json:"secretKey"`
	Gateway         string            `json:"gateway"`
	ProjectID       string            `json:"projectId"`
	PipelineID      string            `json:"pipelineId"`
	BuildID         string            `json:"buildId"`
	UserID          string            `json:"userId"`
	VMSeqID         string            `json:"vmSeqId"`
	ExecuteCount    int               `json:"executeCount"`
	ChannelCode     string            `json:"channelCode"`
	VMNames         string            `json:"vmNames"`
	Atoms           map[string]string `json:"atoms"`
	Zone            string            `json:"zone"`
	StageID         string            `json:"stageId"`
	ContainerID     string            `json:"containerId"`
	ContainerHashID string            `json:"containerHashId"`
	ContainerType   string            `json:"containerType"`
	DispatchType    string            `json:"dispatchType"`
	CustomBuildEnv  map[string]string `json:"customBuildEnv"`
}

func (d Dispatch) Queue() string { return DispatchQueue(d.DispatchType) }
