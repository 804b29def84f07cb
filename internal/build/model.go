package build

import (
	"time"
)

// Build is the lifecycle record of one pipeline run.
type Build struct {
	ProjectID   string
	PipelineID  string
	BuildID     string
	Status      Status
	StartTime   *time.Time
	EndTime     *time.Time
	Version     int
	ExecuteTime int64 // milliseconds
	StageStatus []*BuildStageStatus
}

// Model is the execution tree of a build.
// It is loaded once per event and replaced wholesale on save.
type Model struct {
	Name   string   `json:"name"`
	Stages []*Stage `json:"stages"`
}

type Stage struct {
	ID         string       `json:"id,omitempty"`
	Name       string       `json:"name,omitempty"`
	Status     Status       `json:"status,omitempty"`
	StartEpoch *int64       `json:"startEpoch,omitempty"`
	Elapsed    *int64       `json:"elapsed,omitempty"`
	Tag        []string     `json:"tag,omitempty"`
	Containers []*Container `json:"containers"`
}

// Container types.
const (
	ContainerTypeVMBuild = "vmBuild"
	ContainerTypeNormal  = "normal"
	ContainerTypeTrigger = "trigger"
)

type Container struct {
	ID                  string       `json:"id,omitempty"`
	ContainerHashID     string       `json:"containerHashId,omitempty"`
	Type                string       `json:"@type,omitempty"`
	Name                string       `json:"name,omitempty"`
	Status              Status       `json:"status,omitempty"`
	StartEpoch          *int64       `json:"startEpoch,omitempty"`
	SystemElapsed       *int64       `json:"systemElapsed,omitempty"`
	ElementElapsed      *int64       `json:"elementElapsed,omitempty"`
	ContainPostTaskFlag *bool        `json:"containPostTaskFlag,omitempty"`
	ShowBuildResource   *bool        `json:"showBuildResource,omitempty"`
	MatrixGroupFlag     *bool        `json:"matrixGroupFlag,omitempty"`
	GroupContainers     []*Container `json:"groupContainers,omitempty"`
	Elements            []*Element   `json:"elements"`
}

// ContainerByID returns c or one of its matrix group containers with the given ID.
// It returns nil if there is none.
func (c *Container) ContainerByID(id string) *Container {
	if c.ID == id {
		return c
	}
	if c.MatrixGroupFlag == nil || !*c.MatrixGroupFlag {
		return nil
	}
	for _, gc := range c.GroupContainers {
		if gc.ID == id {
			return gc
		}
	}
	return nil
}

func (c *Container) hasPostTask() bool {
	return c.ContainPostTaskFlag != nil && *c.ContainPostTaskFlag
}

type Element struct {
	ID                string             `json:"id,omitempty"`
	Name              string             `json:"name,omitempty"`
	Type              string             `json:"@type,omitempty"`
	Status            Status             `json:"status,omitempty"`
	StartEpoch        *int64             `json:"startEpoch,omitempty"`
	Elapsed           *int64             `json:"elapsed,omitempty"`
	ExecuteCount      *int               `json:"executeCount,omitempty"`
	CanRetry          *bool              `json:"canRetry,omitempty"`
	AdditionalOptions *AdditionalOptions `json:"additionalOptions,omitempty"`
	Data              map[string]any     `json:"data,omitempty"`
}

func (e *Element) runCondition() RunCondition {
	if e.AdditionalOptions == nil {
		return ""
	}
	return e.AdditionalOptions.RunCondition
}

type AdditionalOptions struct {
	Enable          bool         `json:"enable"`
	ContinueWhenErr bool         `json:"continueWhenFailed"`
	RetryCount      int          `json:"retryCount"`
	TimeoutMinutes  int          `json:"timeout,omitempty"`
	RunCondition    RunCondition `json:"runCondition,omitempty"`
	PauseBeforeExec *bool        `json:"pauseBeforeExec,omitempty"`
}

// BuildStageStatus is a snapshot of a stage for build history.
type BuildStageStatus struct {
	StageID    string   `json:"stageId"`
	Name       string   `json:"name"`
	Status     Status   `json:"status,omitempty"`
	StartEpoch *int64   `json:"startEpoch,omitempty"`
	Elapsed    *int64   `json:"elapsed,omitempty"`
	Tag        []string `json:"tag,omitempty"`
}

// VMInfo describes the machine a container was dispatched to.
type VMInfo struct {
	IP   string `json:"ip"`
	Name string `json:"name"`
}

// Normalize fills fields that records written by older engines leave empty.
func (m *Model) Normalize() {
	for _, s := range m.Stages {
		for _, c := range s.Containers {
			normalizeContainer(c)
			for _, gc := range c.GroupContainers {
				normalizeContainer(gc)
			}
		}
	}
}

func normalizeContainer(c *Container) {
	if c.ContainerHashID == "" {
		c.ContainerHashID = c.ID
	}
}

// Task is the persisted record of one element of a running build.
type Task struct {
	ProjectID       string
	PipelineID      string
	BuildID         string
	StageID         string
	ContainerID     string
	ContainerHashID string
	ContainerType   string
	TaskID          string
	TaskName        string
	TaskType        string
	Status          Status
	ExecuteCount    *int
	Starter         string
	Element         []byte // JSON-encoded Element
}

// ContainerRecord is the persisted record of one container of a running build.
type ContainerRecord struct {
	ProjectID       string
	PipelineID      string
	BuildID         string
	StageID         string
	ContainerID     string
	ContainerHashID string
	ContainerType   string
	Status          Status
	ExecuteCount    int
}

// PauseRecord holds the replacement definition of a paused element.
type PauseRecord struct {
	ProjectID string
	BuildID   string
	TaskID    string
	NewValue  []byte // JSON-encoded Element
}

func int64Ptr(v int64) *int64 {
	return &v
}
