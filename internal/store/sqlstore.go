package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"             // registers the "sqlite" database/sql driver

	"github.com/mxsched/master-core/internal/core"
)

// SQLStore is a ProcessStore backed by database/sql. It works against
// either Postgres (driver name "pgx") or embedded SQLite (driver name
// "sqlite"), since both are reachable through database/sql and the
// queries below use only portable SQL.
type SQLStore struct {
	db *sql.DB
}

// Open connects to driverName/dsn, runs migrations, and returns a ready SQLStore.
func Open(ctx context.Context, driverName, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("verify database: %w", err)
	}

	dialect := "postgres"
	if driverName == "sqlite" {
		dialect = "sqlite3"
	}
	if err := Migrate(db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLStore{db: db}, nil
}

// Verify implements ProcessStore.
func (s *SQLStore) Verify(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func marshalMap(m map[string]string) string {
	if m == nil {
		m = map[string]string{}
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func unmarshalMap(s string) map[string]string {
	m := map[string]string{}
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

// SaveProcessInstance implements ProcessStore.
func (s *SQLStore) SaveProcessInstance(ctx context.Context, pi *core.ProcessInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_instance
			(id, definition_id, definition_json, state, command_type, command_param,
			 host, start_time, end_time, schedule_time, timeout_minutes, failure_strategy,
			 is_complement_data, is_sub_process, global_params, queue)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		pi.ID, pi.DefinitionID, pi.DefinitionJSON, int(pi.State), pi.CommandType,
		marshalMap(pi.CommandParam), pi.Host, nullTime(pi.StartTime), nullTime(pi.EndTime),
		nullTime(pi.ScheduleTime), pi.TimeoutMinutes, int(pi.FailureStrategy),
		pi.IsComplementData, pi.IsSubProcess, marshalMap(pi.GlobalParams), pi.Queue,
	)
	if err != nil {
		return fmt.Errorf("save process instance: %w", err)
	}
	return nil
}

// UpdateProcessInstance implements ProcessStore. Last-writer-wins: no
// optimistic version check.
func (s *SQLStore) UpdateProcessInstance(ctx context.Context, pi *core.ProcessInstance) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE process_instance SET
			state=$2, command_type=$3, command_param=$4, host=$5, start_time=$6,
			end_time=$7, schedule_time=$8, global_params=$9
		WHERE id=$1`,
		pi.ID, int(pi.State), pi.CommandType, marshalMap(pi.CommandParam), pi.Host,
		nullTime(pi.StartTime), nullTime(pi.EndTime), nullTime(pi.ScheduleTime),
		marshalMap(pi.GlobalParams),
	)
	if err != nil {
		return fmt.Errorf("update process instance: %w", err)
	}
	return nil
}

func scanProcessInstance(row interface {
	Scan(dest ...any) error
}) (*core.ProcessInstance, error) {
	var pi core.ProcessInstance
	var commandParam, globalParams string
	var state, failureStrategy int
	var startTime, endTime, scheduleTime sql.NullTime

	err := row.Scan(
		&pi.ID, &pi.DefinitionID, &pi.DefinitionJSON, &state, &pi.CommandType,
		&commandParam, &pi.Host, &startTime, &endTime, &scheduleTime,
		&pi.TimeoutMinutes, &failureStrategy, &pi.IsComplementData, &pi.IsSubProcess,
		&globalParams, &pi.Queue,
	)
	if err != nil {
		return nil, err
	}

	pi.State = core.Status(state)
	pi.FailureStrategy = core.FailureStrategy(failureStrategy)
	pi.CommandParam = unmarshalMap(commandParam)
	pi.GlobalParams = unmarshalMap(globalParams)
	pi.StartTime = startTime.Time
	pi.EndTime = endTime.Time
	pi.ScheduleTime = scheduleTime.Time

	return &pi, nil
}

const selectProcessInstanceColumns = `
	id, definition_id, definition_json, state, command_type, command_param,
	host, start_time, end_time, schedule_time, timeout_minutes, failure_strategy,
	is_complement_data, is_sub_process, global_params, queue`

// FindProcessInstanceByID implements ProcessStore.
func (s *SQLStore) FindProcessInstanceByID(ctx context.Context, id int64) (*core.ProcessInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectProcessInstanceColumns+` FROM process_instance WHERE id=$1`, id)
	pi, err := scanProcessInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("process instance %d: %w", id, err)
	}
	if err != nil {
		return nil, fmt.Errorf("find process instance: %w", err)
	}
	return pi, nil
}

// QueryNeedFailoverProcessInstances implements ProcessStore.
func (s *SQLStore) QueryNeedFailoverProcessInstances(ctx context.Context, host string) ([]*core.ProcessInstance, error) {
	query := `SELECT ` + selectProcessInstanceColumns + ` FROM process_instance WHERE state NOT IN ($1,$2,$3,$4,$5,$6)`
	args := []any{
		int(core.StatusSuccess), int(core.StatusFailure), int(core.StatusStop), int(core.StatusKill),
		int(core.StatusPause), int(core.StatusWaitingThread),
	}
	if host != "" {
		query += ` AND host=$7`
		args = append(args, host)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failover process instances: %w", err)
	}
	defer rows.Close()

	var out []*core.ProcessInstance
	for rows.Next() {
		pi, err := scanProcessInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan process instance: %w", err)
		}
		out = append(out, pi)
	}
	return out, rows.Err()
}

const selectTaskInstanceColumns = `
	id, process_instance_id, name, state, host, flag, retry_times,
	start_time, end_time, task_json, priority, worker_group_id, alert_flag, app_links`

func scanTaskInstance(row interface {
	Scan(dest ...any) error
}) (*core.TaskInstance, error) {
	var ti core.TaskInstance
	var state, flag, priority int
	var taskJSON, appLinks string
	var startTime, endTime sql.NullTime

	err := row.Scan(
		&ti.ID, &ti.ProcessInstanceID, &ti.Name, &state, &ti.Host, &flag, &ti.RetryTimes,
		&startTime, &endTime, &taskJSON, &priority, &ti.WorkerGroupID, &ti.AlertFlag, &appLinks,
	)
	if err != nil {
		return nil, err
	}

	ti.State = core.Status(state)
	ti.Flag = core.TaskFlag(flag)
	ti.TaskInstancePriority = core.Priority(priority)
	ti.StartTime = startTime.Time
	ti.EndTime = endTime.Time
	_ = json.Unmarshal([]byte(taskJSON), &ti.TaskJSON)
	_ = json.Unmarshal([]byte(appLinks), &ti.AppLinks)

	return &ti, nil
}

// FindValidTaskListByProcessID implements ProcessStore.
func (s *SQLStore) FindValidTaskListByProcessID(ctx context.Context, processInstanceID int64) ([]*core.TaskInstance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectTaskInstanceColumns+
		` FROM task_instance WHERE process_instance_id=$1 AND flag=$2`,
		processInstanceID, int(core.FlagYes),
	)
	if err != nil {
		return nil, fmt.Errorf("find valid task list: %w", err)
	}
	defer rows.Close()

	var out []*core.TaskInstance
	for rows.Next() {
		ti, err := scanTaskInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task instance: %w", err)
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

// FindTaskInstanceByID implements ProcessStore.
func (s *SQLStore) FindTaskInstanceByID(ctx context.Context, id int64) (*core.TaskInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectTaskInstanceColumns+` FROM task_instance WHERE id=$1`, id)
	ti, err := scanTaskInstance(row)
	if err != nil {
		return nil, fmt.Errorf("find task instance: %w", err)
	}
	return ti, nil
}

// SaveTaskInstance implements ProcessStore.
func (s *SQLStore) SaveTaskInstance(ctx context.Context, ti *core.TaskInstance) error {
	taskJSON, _ := json.Marshal(ti.TaskJSON)
	appLinks, _ := json.Marshal(ti.AppLinks)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_instance
			(id, process_instance_id, name, state, host, flag, retry_times,
			 start_time, end_time, task_json, priority, worker_group_id, alert_flag, app_links)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		ti.ID, ti.ProcessInstanceID, ti.Name, int(ti.State), ti.Host, int(ti.Flag), ti.RetryTimes,
		nullTime(ti.StartTime), nullTime(ti.EndTime), string(taskJSON), int(ti.TaskInstancePriority),
		ti.WorkerGroupID, ti.AlertFlag, string(appLinks),
	)
	if err != nil {
		return fmt.Errorf("save task instance: %w", err)
	}
	return nil
}

// UpdateTaskInstance implements ProcessStore.
func (s *SQLStore) UpdateTaskInstance(ctx context.Context, ti *core.TaskInstance) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_instance SET
			state=$2, host=$3, flag=$4, retry_times=$5, start_time=$6, end_time=$7, alert_flag=$8
		WHERE id=$1`,
		ti.ID, int(ti.State), ti.Host, int(ti.Flag), ti.RetryTimes,
		nullTime(ti.StartTime), nullTime(ti.EndTime), ti.AlertFlag,
	)
	if err != nil {
		return fmt.Errorf("update task instance: %w", err)
	}
	return nil
}

// QueryNeedFailoverTaskInstances implements ProcessStore.
func (s *SQLStore) QueryNeedFailoverTaskInstances(ctx context.Context, host string) ([]*core.TaskInstance, error) {
	query := `SELECT ` + selectTaskInstanceColumns + ` FROM task_instance WHERE state=$1`
	args := []any{int(core.StatusRunningExecution)}
	if host != "" {
		query += ` AND host=$2`
		args = append(args, host)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failover task instances: %w", err)
	}
	defer rows.Close()

	var out []*core.TaskInstance
	for rows.Next() {
		ti, err := scanTaskInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task instance: %w", err)
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

// ProcessNeedFailoverProcessInstances implements ProcessStore. Clearing
// Host and forcing state to NEED_FAULT_TOLERANCE unconditionally makes
// repeated calls idempotent: the second call just rewrites the same two
// columns to the same values.
func (s *SQLStore) ProcessNeedFailoverProcessInstances(ctx context.Context, pi *core.ProcessInstance) error {
	pi.Host = ""
	pi.State = core.StatusNeedFaultTolerance
	_, err := s.db.ExecContext(ctx,
		`UPDATE process_instance SET host='', state=$2 WHERE id=$1`,
		pi.ID, int(core.StatusNeedFaultTolerance),
	)
	if err != nil {
		return fmt.Errorf("clear process instance host: %w", err)
	}
	return nil
}

// CreateRecoveryWaitingThreadCommand implements ProcessStore. The
// command row's id is the process instance's id, and the upsert on that
// id keeps repeated calls for the same process instance idempotent
// rather than conflicting on the command table's primary key.
func (s *SQLStore) CreateRecoveryWaitingThreadCommand(ctx context.Context, existing *core.Command, pi *core.ProcessInstance) error {
	cmd := existing
	if cmd == nil {
		cmd = &core.Command{ProcessInstanceID: pi.ID}
	}
	recoveryIDs, _ := json.Marshal(cmd.RecoveryStartNodeIDs)
	startNames, _ := json.Marshal(cmd.StartNodeNames)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command (id, process_instance_id, recovery_start_node_ids, start_node_names,
			complement_start_date, complement_end_date, task_depend_type)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			recovery_start_node_ids=excluded.recovery_start_node_ids,
			start_node_names=excluded.start_node_names,
			complement_start_date=excluded.complement_start_date,
			complement_end_date=excluded.complement_end_date,
			task_depend_type=excluded.task_depend_type`,
		pi.ID, pi.ID, string(recoveryIDs), string(startNames),
		nullTime(cmd.ComplementStartDate), nullTime(cmd.ComplementEndDate), int(cmd.TaskDependType),
	)
	if err != nil {
		return fmt.Errorf("create recovery command: %w", err)
	}
	return nil
}
