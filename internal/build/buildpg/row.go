package buildpg

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/k11v/pipetrack/internal/build"
)

type buildRow struct {
	ProjectID   string     `db:"project_id"`
	PipelineID  string     `db:"pipeline_id"`
	BuildID     string     `db:"build_id"`
	Status      string     `db:"status"`
	StartTime   *time.Time `db:"start_time"`
	EndTime     *time.Time `db:"end_time"`
	Version     int        `db:"version"`
	ExecuteTime int64      `db:"execute_time"`
	StageStatus []byte     `db:"stage_status"`
}

func rowToBuild(collectableRow pgx.CollectableRow) (*build.Build, error) {
	collectedRow, err := pgx.RowToStructByName[buildRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to build: %w", err)
	}

	var stageStatus []*build.BuildStageStatus
	if len(collectedRow.StageStatus) > 0 {
		if err = json.Unmarshal(collectedRow.StageStatus, &stageStatus); err != nil {
			return nil, fmt.Errorf("row to build: %w", err)
		}
	}

	return &build.Build{
		ProjectID:   collectedRow.ProjectID,
		PipelineID:  collectedRow.PipelineID,
		BuildID:     collectedRow.BuildID,
		Status:      parseStatus(collectedRow.Status, collectedRow.BuildID),
		StartTime:   collectedRow.StartTime,
		EndTime:     collectedRow.EndTime,
		Version:     collectedRow.Version,
		ExecuteTime: collectedRow.ExecuteTime,
		StageStatus: stageStatus,
	}, nil
}

type detailRow struct {
	ProjectID  string    `db:"project_id"`
	BuildID    string    `db:"build_id"`
	Model      []byte    `db:"model"`
	Status     string    `db:"status"`
	CancelUser string    `db:"cancel_user"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func rowToDetail(collectableRow pgx.CollectableRow) (*build.Detail, error) {
	collectedRow, err := pgx.RowToStructByName[detailRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to detail: %w", err)
	}

	return &build.Detail{
		ProjectID:  collectedRow.ProjectID,
		BuildID:    collectedRow.BuildID,
		Model:      collectedRow.Model,
		Status:     parseStatus(collectedRow.Status, collectedRow.BuildID),
		CancelUser: collectedRow.CancelUser,
		UpdatedAt:  collectedRow.UpdatedAt,
	}, nil
}

type taskRow struct {
	ProjectID       string `db:"project_id"`
	PipelineID      string `db:"pipeline_id"`
	BuildID         string `db:"build_id"`
	StageID         string `db:"stage_id"`
	ContainerID     string `db:"container_id"`
	ContainerHashID string `db:"container_hash_id"`
	ContainerType   string `db:"container_type"`
	TaskID          string `db:"task_id"`
	TaskName        string `db:"task_name"`
	TaskType        string `db:"task_type"`
	Status          string `db:"status"`
	ExecuteCount    *int   `db:"execute_count"`
	Starter         string `db:"starter"`
	Element         []byte `db:"element"`
}

func rowToTask(collectableRow pgx.CollectableRow) (*build.Task, error) {
	collectedRow, err := pgx.RowToStructByName[taskRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to task: %w", err)
	}

	return &build.Task{
		ProjectID:       collectedRow.ProjectID,
		PipelineID:      collectedRow.PipelineID,
		BuildID:         collectedRow.BuildID,
		StageID:         collectedRow.StageID,
		ContainerID:     collectedRow.ContainerID,
		ContainerHashID: collectedRow.ContainerHashID,
		ContainerType:   collectedRow.ContainerType,
		TaskID:          collectedRow.TaskID,
		TaskName:        collectedRow.TaskName,
		TaskType:        collectedRow.TaskType,
		Status:          parseStatus(collectedRow.Status, collectedRow.BuildID),
		ExecuteCount:    collectedRow.ExecuteCount,
		Starter:         collectedRow.Starter,
		Element:         collectedRow.Element,
	}, nil
}

type containerRow struct {
	ProjectID       string `db:"project_id"`
	PipelineID      string `db:"pipeline_id"`
	BuildID         string `db:"build_id"`
	StageID         string `db:"stage_id"`
	ContainerID     string `db:"container_id"`
	ContainerHashID string `db:"container_hash_id"`
	ContainerType   string `db:"container_type"`
	Status          string `db:"status"`
	ExecuteCount    int    `db:"execute_count"`
}

func rowToContainer(collectableRow pgx.CollectableRow) (*build.ContainerRecord, error) {
	collectedRow, err := pgx.RowToStructByName[containerRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to container: %w", err)
	}

	return &build.ContainerRecord{
		ProjectID:       collectedRow.ProjectID,
		PipelineID:      collectedRow.PipelineID,
		BuildID:         collectedRow.BuildID,
		StageID:         collectedRow.StageID,
		ContainerID:     collectedRow.ContainerID,
		ContainerHashID: collectedRow.ContainerHashID,
		ContainerType:   collectedRow.ContainerType,
		Status:          parseStatus(collectedRow.Status, collectedRow.BuildID),
		ExecuteCount:    collectedRow.ExecuteCount,
	}, nil
}

type pauseRecordRow struct {
	ProjectID string `db:"project_id"`
	BuildID   string `db:"build_id"`
	TaskID    string `db:"task_id"`
	NewValue  []byte `db:"new_value"`
}

func rowToPauseRecord(collectableRow pgx.CollectableRow) (*build.PauseRecord, error) {
	collectedRow, err := pgx.RowToStructByName[pauseRecordRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to pause record: %w", err)
	}

	return &build.PauseRecord{
		ProjectID: collectedRow.ProjectID,
		BuildID:   collectedRow.BuildID,
		TaskID:    collectedRow.TaskID,
		NewValue:  collectedRow.NewValue,
	}, nil
}

type stageTagRow struct {
	ID   string `db:"id"`
	Name string `db:"name"`
}

func parseStatus(s, buildID string) build.Status {
	status := build.ParseStatus(s)
	if status == build.StatusUnknown && s != string(build.StatusUnknown) {
		slog.Default().Warn(
			"unknown status encountered while reading build",
			"status", s,
			"build_id", buildID,
		)
	}
	return status
}
