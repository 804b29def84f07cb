package build

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Detail is the persisted projection of a build's execution tree.
type Detail struct {
	ProjectID  string
	BuildID    string
	Model      []byte // JSON-encoded Model
	Status     Status
	CancelUser string
	UpdatedAt  time.Time
}

// Database is the persistence collaborator of the engine.
// Implementations don't lock anything; callers serialize through the build lock.
type Database interface {
	CreateBuild(ctx context.Context, params *DatabaseCreateBuildParams) (*Build, error)
	GetBuild(ctx context.Context, params *DatabaseGetBuildParams) (*Build, error)
	FinishBuild(ctx context.Context, params *DatabaseFinishBuildParams) error

	GetDetail(ctx context.Context, params *DatabaseGetDetailParams) (*Detail, error)
	UpdateDetail(ctx context.Context, params *DatabaseUpdateDetailParams) error
	ListStageTagNames(ctx context.Context, params *DatabaseListStageTagNamesParams) (map[string]string, error)

	GetTask(ctx context.Context, params *DatabaseGetTaskParams) (*Task, error)
	ListTasks(ctx context.Context, params *DatabaseListTasksParams) ([]*Task, error)
	UpdateTaskStatus(ctx context.Context, params *DatabaseUpdateTaskStatusParams) error
	UpdateTaskElement(ctx context.Context, params *DatabaseUpdateTaskElementParams) error

	GetContainer(ctx context.Context, params *DatabaseGetContainerParams) (*ContainerRecord, error)
	UpdateContainerStatus(ctx context.Context, params *DatabaseUpdateContainerStatusParams) error

	CreatePauseRecord(ctx context.Context, params *DatabaseCreatePauseRecordParams) error
	TakePauseRecord(ctx context.Context, params *DatabaseTakePauseRecordParams) (*PauseRecord, error)

	Begin(ctx context.Context) (DatabaseTx, error)
}

type DatabaseTx interface {
	Database
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type DatabaseCreateBuildParams struct {
	ProjectID  string
	PipelineID string
	BuildID    string
	Status     Status
	StartTime  time.Time
	StartUser  string
	Model      []byte
	Containers []*ContainerRecord
	Tasks      []*Task
}

type DatabaseGetBuildParams struct {
	ProjectID string
	BuildID   string
}

type DatabaseFinishBuildParams struct {
	ProjectID   string
	BuildID     string
	Status      Status
	EndTime     time.Time
	StageStatus []*BuildStageStatus
}

type DatabaseGetDetailParams struct {
	ProjectID string
	BuildID   string
}

type DatabaseUpdateDetailParams struct {
	ProjectID  string
	BuildID    string
	Model      []byte
	Status     *Status // optional
	CancelUser *string // optional
}

type DatabaseListStageTagNamesParams struct {
	IDs []string
}

type DatabaseGetTaskParams struct {
	ProjectID string
	BuildID   string
	TaskID    string
}

type DatabaseListTasksParams struct {
	ProjectID   string
	BuildID     string
	StageID     string // optional
	ContainerID string // optional
}

type DatabaseUpdateTaskStatusParams struct {
	ProjectID string
	BuildID   string
	TaskID    string
	Status    Status
	UserID    string // optional
}

type DatabaseUpdateTaskElementParams struct {
	ProjectID string
	BuildID   string
	TaskID    string
	TaskName  string
	Element   []byte // JSON-encoded Element
}

type DatabaseGetContainerParams struct {
	ProjectID   string
	BuildID     string
	StageID     string
	ContainerID string
}

type DatabaseUpdateContainerStatusParams struct {
	ProjectID   string
	BuildID     string
	StageID     string
	ContainerID string
	Status      Status
}

type DatabaseCreatePauseRecordParams struct {
	ProjectID string
	BuildID   string
	TaskID    string
	NewValue  []byte
}

type DatabaseTakePauseRecordParams struct {
	ProjectID string
	BuildID   string
	TaskID    string
}
