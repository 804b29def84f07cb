package buildpg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/k11v/pipetrack/internal/build"
)

var _ build.Database = (*Database)(nil)

type executor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type Database struct {
	db executor // required
}

// NewDatabase returns a Database. db is usually a *pgxpool.Pool.
func NewDatabase(db executor) *Database {
	return &Database{db: db}
}

// Begin implements build.Database.
func (d *Database) Begin(ctx context.Context) (build.DatabaseTx, error) {
	pgxTx, err := d.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return newDatabaseTx(pgxTx), nil
}

// CreateBuild implements build.Database.
// The build, its detail, containers and tasks are inserted atomically.
func (d *Database) CreateBuild(ctx context.Context, params *build.DatabaseCreateBuildParams) (*build.Build, error) {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // no-op if committed
	}()

	query := `
		INSERT INTO builds (project_id, pipeline_id, build_id, status, start_user, start_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING project_id, pipeline_id, build_id, status, start_time, end_time, version, execute_time, stage_status
	`
	args := []any{params.ProjectID, params.PipelineID, params.BuildID, string(params.Status), params.StartUser, params.StartTime}

	rows, _ := tx.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if err != nil {
		if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, build.ErrAlreadyExists
		}
		return nil, fmt.Errorf("create build: %w", err)
	}

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO build_details (build_id, project_id, model, status)
		VALUES ($1, $2, $3, $4)
	`, params.BuildID, params.ProjectID, params.Model, string(params.Status))
	for _, c := range params.Containers {
		batch.Queue(`
			INSERT INTO build_containers (project_id, pipeline_id, build_id, stage_id, container_id, container_hash_id, container_type, status, execute_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, c.ProjectID, c.PipelineID, c.BuildID, c.StageID, c.ContainerID, c.ContainerHashID, c.ContainerType, string(c.Status), c.ExecuteCount)
	}
	for _, t := range params.Tasks {
		batch.Queue(`
			INSERT INTO build_tasks (project_id, pipeline_id, build_id, stage_id, container_id, container_hash_id, container_type, task_id, task_name, task_type, status, execute_count, starter, element)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, t.ProjectID, t.PipelineID, t.BuildID, t.StageID, t.ContainerID, t.ContainerHashID, t.ContainerType, t.TaskID, t.TaskName, t.TaskType, string(t.Status), t.ExecuteCount, t.Starter, t.Element)
	}
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}

	return b, nil
}

// GetBuild implements build.Database.
func (d *Database) GetBuild(ctx context.Context, params *build.DatabaseGetBuildParams) (*build.Build, error) {
	query := `
		SELECT project_id, pipeline_id, build_id, status, start_time, end_time, version, execute_time, stage_status
		FROM builds
		WHERE project_id = $1 AND build_id = $2
	`
	args := []any{params.ProjectID, params.BuildID}

	rows, _ := d.db.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}

	return b, nil
}

// FinishBuild implements build.Database.
func (d *Database) FinishBuild(ctx context.Context, params *build.DatabaseFinishBuildParams) error {
	stageStatus, err := json.Marshal(params.StageStatus)
	if err != nil {
		return fmt.Errorf("finish build: %w", err)
	}

	query := `
		UPDATE builds
		SET
			status = $3,
			end_time = $4,
			execute_time = COALESCE((EXTRACT(EPOCH FROM ($4::timestamptz - start_time)) * 1000)::bigint, 0),
			stage_status = $5
		WHERE project_id = $1 AND build_id = $2
	`
	args := []any{params.ProjectID, params.BuildID, string(params.Status), params.EndTime, stageStatus}

	tag, err := d.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("finish build: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return build.ErrNotFound
	}

	return nil
}

// GetDetail implements build.Database.
func (d *Database) GetDetail(ctx context.Context, params *build.DatabaseGetDetailParams) (*build.Detail, error) {
	query := `
		SELECT project_id, build_id, model, status, cancel_user, updated_at
		FROM build_details
		WHERE project_id = $1 AND build_id = $2
	`
	args := []any{params.ProjectID, params.BuildID}

	rows, _ := d.db.Query(ctx, query, args...)
	detail, err := pgx.CollectExactlyOneRow(rows, rowToDetail)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get detail: %w", err)
	}

	return detail, nil
}

// UpdateDetail implements build.Database.
// The model is replaced wholesale.
func (d *Database) UpdateDetail(ctx context.Context, params *build.DatabaseUpdateDetailParams) error {
	var status *string
	if params.Status != nil {
		s := string(*params.Status)
		status = &s
	}

	query := `
		UPDATE build_details
		SET
			model = $3,
			status = COALESCE($4, status),
			cancel_user = COALESCE($5, cancel_user),
			updated_at = now()
		WHERE project_id = $1 AND build_id = $2
	`
	args := []any{params.ProjectID, params.BuildID, params.Model, status, params.CancelUser}

	tag, err := d.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update detail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return build.ErrNotFound
	}

	return nil
}

// ListStageTagNames implements build.Database.
// Unknown ids are left out of the result.
func (d *Database) ListStageTagNames(ctx context.Context, params *build.DatabaseListStageTagNamesParams) (map[string]string, error) {
	query := `
		SELECT id, name
		FROM stage_tags
		WHERE id = ANY($1)
	`
	args := []any{params.IDs}

	rows, _ := d.db.Query(ctx, query, args...)
	tags, err := pgx.CollectRows(rows, pgx.RowToStructByName[stageTagRow])
	if err != nil {
		return nil, fmt.Errorf("list stage tag names: %w", err)
	}

	names := make(map[string]string, len(tags))
	for _, t := range tags {
		names[t.ID] = t.Name
	}
	return names, nil
}

const taskColumns = `
	project_id, pipeline_id, build_id, stage_id, container_id, container_hash_id, container_type,
	task_id, task_name, task_type, status, execute_count, starter, element
`

// GetTask implements build.Database.
func (d *Database) GetTask(ctx context.Context, params *build.DatabaseGetTaskParams) (*build.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM build_tasks
		WHERE project_id = $1 AND build_id = $2 AND task_id = $3
	`
	args := []any{params.ProjectID, params.BuildID, params.TaskID}

	rows, _ := d.db.Query(ctx, query, args...)
	t, err := pgx.CollectExactlyOneRow(rows, rowToTask)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	return t, nil
}

// ListTasks implements build.Database.
// Empty StageID and ContainerID don't filter.
func (d *Database) ListTasks(ctx context.Context, params *build.DatabaseListTasksParams) ([]*build.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM build_tasks
		WHERE project_id = $1 AND build_id = $2
			AND ($3::text = '' OR stage_id = $3)
			AND ($4::text = '' OR container_id = $4)
		ORDER BY stage_id, container_id, task_id
	`
	args := []any{params.ProjectID, params.BuildID, params.StageID, params.ContainerID}

	rows, _ := d.db.Query(ctx, query, args...)
	tasks, err := pgx.CollectRows(rows, rowToTask)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	return tasks, nil
}

// UpdateTaskStatus implements build.Database.
func (d *Database) UpdateTaskStatus(ctx context.Context, params *build.DatabaseUpdateTaskStatusParams) error {
	query := `
		UPDATE build_tasks
		SET status = $4, update_user = COALESCE(NULLIF($5::text, ''), update_user), updated_at = now()
		WHERE project_id = $1 AND build_id = $2 AND task_id = $3
	`
	args := []any{params.ProjectID, params.BuildID, params.TaskID, string(params.Status), params.UserID}

	tag, err := d.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return build.ErrNotFound
	}

	return nil
}

// UpdateTaskElement implements build.Database.
func (d *Database) UpdateTaskElement(ctx context.Context, params *build.DatabaseUpdateTaskElementParams) error {
	query := `
		UPDATE build_tasks
		SET element = $4, task_name = $5, updated_at = now()
		WHERE project_id = $1 AND build_id = $2 AND task_id = $3
	`
	args := []any{params.ProjectID, params.BuildID, params.TaskID, params.Element, params.TaskName}

	tag, err := d.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task element: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return build.ErrNotFound
	}

	return nil
}

// GetContainer implements build.Database.
func (d *Database) GetContainer(ctx context.Context, params *build.DatabaseGetContainerParams) (*build.ContainerRecord, error) {
	query := `
		SELECT project_id, pipeline_id, build_id, stage_id, container_id, container_hash_id, container_type, status, execute_count
		FROM build_containers
		WHERE project_id = $1 AND build_id = $2 AND stage_id = $3 AND container_id = $4
	`
	args := []any{params.ProjectID, params.BuildID, params.StageID, params.ContainerID}

	rows, _ := d.db.Query(ctx, query, args...)
	c, err := pgx.CollectExactlyOneRow(rows, rowToContainer)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get container: %w", err)
	}

	return c, nil
}

// UpdateContainerStatus implements build.Database.
func (d *Database) UpdateContainerStatus(ctx context.Context, params *build.DatabaseUpdateContainerStatusParams) error {
	query := `
		UPDATE build_containers
		SET status = $5, updated_at = now()
		WHERE project_id = $1 AND build_id = $2 AND stage_id = $3 AND container_id = $4
	`
	args := []any{params.ProjectID, params.BuildID, params.StageID, params.ContainerID, string(params.Status)}

	tag, err := d.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update container status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return build.ErrNotFound
	}

	return nil
}

// CreatePauseRecord implements build.Database.
// A record left by an earlier pause of the same task is replaced.
func (d *Database) CreatePauseRecord(ctx context.Context, params *build.DatabaseCreatePauseRecordParams) error {
	query := `
		INSERT INTO task_pauses (project_id, build_id, task_id, new_value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (build_id, task_id) DO UPDATE SET new_value = EXCLUDED.new_value, created_at = now()
	`
	args := []any{params.ProjectID, params.BuildID, params.TaskID, params.NewValue}

	if _, err := d.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("create pause record: %w", err)
	}

	return nil
}

// TakePauseRecord implements build.Database.
// The record is deleted so it is consumed exactly once.
func (d *Database) TakePauseRecord(ctx context.Context, params *build.DatabaseTakePauseRecordParams) (*build.PauseRecord, error) {
	query := `
		DELETE FROM task_pauses
		WHERE project_id = $1 AND build_id = $2 AND task_id = $3
		RETURNING project_id, build_id, task_id, new_value
	`
	args := []any{params.ProjectID, params.BuildID, params.TaskID}

	rows, _ := d.db.Query(ctx, query, args...)
	r, err := pgx.CollectExactlyOneRow(rows, rowToPauseRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, build.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("take pause record: %w", err)
	}

	return r, nil
}
