package store

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type DispatchSQLStore struct {
	*dispatchQueries
	rwdb *sql.DB
}

func NewDispatchSQLStore(rdb, rwdb *sql.DB) *DispatchSQLStore {
	return &DispatchSQLStore{dispatchQueries: &dispatchQueries{db: rdb}, rwdb: rwdb}
}

// RunInTx runs fn inside a single write transaction. The transaction is
// committed only when fn returns nil.
func (store *DispatchSQLStore) RunInTx(ctx context.Context, fn func(DispatchTx) error) error {
	tx, err := store.rwdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&dispatchQueries{db: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type dispatchQueries struct {
	db Querier
}

// placeholders renders "$start, $start+1, ..." for n arguments.
func placeholders(start, n int) string {
	ps := make([]string, n)
	for i := range n {
		ps[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(ps, ", ")
}

func rowsMatched(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *dispatchQueries) readParams(
	ctx context.Context,
	table, idColumn string,
	id int64,
) (map[string]string, error) {
	query := fmt.Sprintf(
		`select name, value from %s where %s = $1 order by name`,
		table, idColumn,
	)
	params := make([]ExecutionParam, 0)
	if err := sqlscan.Select(ctx, q.db, &params, query, id); err != nil {
		return nil, err
	}
	m := make(map[string]string, len(params))
	for _, p := range params {
		m[p.Name] = p.Value
	}
	return m, nil
}

func (q *dispatchQueries) createParams(
	ctx context.Context,
	table, idColumn string,
	id int64,
	params map[string]string,
) error {
	query := fmt.Sprintf(
		`insert into %s (%s, name, value) values ($1, $2, $3)`,
		table, idColumn,
	)
	for _, name := range slices.Sorted(maps.Keys(params)) {
		if _, err := q.db.ExecContext(ctx, query, id, name, params[name]); err != nil {
			return err
		}
	}
	return nil
}

func (q *dispatchQueries) ReadAgentByID(ctx context.Context, id int64) (*Agent, error) {
	a := new(Agent)
	query := `select * from agents where agent_id = $1`
	if err := sqlscan.Get(ctx, q.db, a, query, id); err != nil {
		return nil, err
	}
	return a, nil
}

func (q *dispatchQueries) ReadPipelineByID(ctx context.Context, id int64) (*Pipeline, error) {
	p := new(Pipeline)
	query := `select * from pipelines where pipeline_id = $1`
	if err := sqlscan.Get(ctx, q.db, p, query, id); err != nil {
		return nil, err
	}
	return p, nil
}

func (q *dispatchQueries) ReadReleaseByID(ctx context.Context, id int64) (*Release, error) {
	r := new(Release)
	query := `select * from releases where release_id = $1`
	if err := sqlscan.Get(ctx, q.db, r, query, id); err != nil {
		return nil, err
	}
	return r, nil
}

const releaseStageQuery = `select rs.*, e.requires_approval as environment_requires_approval
	from release_stages rs
	join environments e on e.environment_id = rs.stage_environment_id`

func (q *dispatchQueries) ReadReleaseStageByID(ctx context.Context, id int64) (*ReleaseStage, error) {
	rs := new(ReleaseStage)
	query := releaseStageQuery + ` where rs.stage_id = $1`
	if err := sqlscan.Get(ctx, q.db, rs, query, id); err != nil {
		return nil, err
	}
	return rs, nil
}

func (q *dispatchQueries) ListReleaseStages(
	ctx context.Context,
	releaseID int64,
) ([]*ReleaseStage, error) {
	query := releaseStageQuery + `
	where rs.stage_release_id = $1
	order by rs.order_index, rs.stage_id`
	stages := make([]*ReleaseStage, 0)
	err := sqlscan.Select(ctx, q.db, &stages, query, releaseID)
	return stages, err
}

func (q *dispatchQueries) ReadPipelineExecutionByID(
	ctx context.Context,
	id int64,
) (*PipelineExecution, error) {
	pe := new(PipelineExecution)
	query := `select * from pipeline_executions where pipeline_execution_id = $1`
	if err := sqlscan.Get(ctx, q.db, pe, query, id); err != nil {
		return nil, err
	}
	params, err := q.readParams(
		ctx, "pipeline_execution_params", "pipeline_execution_id", id,
	)
	if err != nil {
		return nil, err
	}
	pe.Parameters = params
	return pe, nil
}

func (q *dispatchQueries) ListPipelineParameters(
	ctx context.Context,
	pipelineID int64,
) ([]*PipelineParameter, error) {
	return listPipelineParameters(ctx, q.db, pipelineID)
}

// ListPipelineExecutions returns the newest executions of a pipeline first,
// each with its parameters.
func (q *dispatchQueries) ListPipelineExecutions(
	ctx context.Context,
	pipelineID, limit int64,
) ([]*PipelineExecution, error) {
	query := `select * from pipeline_executions
	where pipeline_id = $1
	order by started_at desc, pipeline_execution_id desc
	limit $2`
	executions := make([]*PipelineExecution, 0)
	if err := sqlscan.Select(ctx, q.db, &executions, query, pipelineID, limit); err != nil {
		return nil, err
	}
	for _, pe := range executions {
		params, err := q.readParams(
			ctx, "pipeline_execution_params", "pipeline_execution_id", pe.PipelineExecutionID,
		)
		if err != nil {
			return nil, err
		}
		pe.Parameters = params
	}
	return executions, nil
}

func (q *dispatchQueries) ReadReleaseExecutionByID(
	ctx context.Context,
	id int64,
) (*ReleaseExecution, error) {
	re := new(ReleaseExecution)
	query := `select * from release_executions where release_execution_id = $1`
	if err := sqlscan.Get(ctx, q.db, re, query, id); err != nil {
		return nil, err
	}
	params, err := q.readParams(
		ctx, "release_execution_params", "release_execution_id", id,
	)
	if err != nil {
		return nil, err
	}
	re.Parameters = params
	return re, nil
}

func (q *dispatchQueries) ReadStageExecutionByID(
	ctx context.Context,
	id int64,
) (*StageExecution, error) {
	se := new(StageExecution)
	query := `select * from stage_executions where stage_execution_id = $1`
	if err := sqlscan.Get(ctx, q.db, se, query, id); err != nil {
		return nil, err
	}
	return se, nil
}

func (q *dispatchQueries) ListStageExecutions(
	ctx context.Context,
	releaseExecutionID int64,
) ([]*StageExecution, error) {
	query := `select * from stage_executions
	where release_execution_id = $1
	order by order_index, stage_execution_id`
	stages := make([]*StageExecution, 0)
	err := sqlscan.Select(ctx, q.db, &stages, query, releaseExecutionID)
	return stages, err
}

func (q *dispatchQueries) ReadPipelinePickupByID(
	ctx context.Context,
	id int64,
) (*PipelinePickup, error) {
	p := new(PipelinePickup)
	query := `select * from pipeline_pickups where pickup_id = $1`
	if err := sqlscan.Get(ctx, q.db, p, query, id); err != nil {
		return nil, err
	}
	return p, nil
}

func (q *dispatchQueries) ReadReleasePickupByID(
	ctx context.Context,
	id int64,
) (*ReleasePickup, error) {
	p := new(ReleasePickup)
	query := `select * from release_pickups where pickup_id = $1`
	if err := sqlscan.Get(ctx, q.db, p, query, id); err != nil {
		return nil, err
	}
	return p, nil
}

// pendingPickupQuery selects the pickups visible to an agent poll, in the
// order the agent should attend to them. A limit of zero means no limit.
func pendingPickupQuery(kind PickupKind, limit int64) (string, []any) {
	query := fmt.Sprintf(`select * from %s
	where agent_uuid = $1
		and status in ($2, $3)
	order by priority, created_at, pickup_id`, kind.pickupTable())
	args := []any{PickupPending, PickupPickedUp}
	if limit > 0 {
		query += ` limit $4`
		args = append(args, limit)
	}
	return query, args
}

func (q *dispatchQueries) ListPendingPipelinePickups(
	ctx context.Context,
	agentUUID string,
	limit int64,
) ([]*PipelinePickup, error) {
	query, args := pendingPickupQuery(PipelinePickupKind, limit)
	pickups := make([]*PipelinePickup, 0)
	err := sqlscan.Select(ctx, q.db, &pickups, query, append([]any{agentUUID}, args...)...)
	if err != nil {
		return nil, err
	}
	for _, p := range pickups {
		p.Parameters, err = q.readParams(
			ctx, "pipeline_execution_params", "pipeline_execution_id", p.PipelineExecutionID,
		)
		if err != nil {
			return nil, err
		}
	}
	return pickups, nil
}

func (q *dispatchQueries) ListPendingReleasePickups(
	ctx context.Context,
	agentUUID string,
	limit int64,
) ([]*ReleasePickup, error) {
	query, args := pendingPickupQuery(ReleasePickupKind, limit)
	pickups := make([]*ReleasePickup, 0)
	err := sqlscan.Select(ctx, q.db, &pickups, query, append([]any{agentUUID}, args...)...)
	if err != nil {
		return nil, err
	}
	for _, p := range pickups {
		p.Parameters, err = q.readParams(
			ctx, "release_execution_params", "release_execution_id", p.ReleaseExecutionID,
		)
		if err != nil {
			return nil, err
		}
	}
	return pickups, nil
}

func (q *dispatchQueries) CreatePipelineExecution(
	ctx context.Context,
	pe *PipelineExecution,
) error {
	query := `insert into pipeline_executions (
		pipeline_id,
		status,
		started_at,
		triggered_by
	)
	values ($1, $2, $3, $4)
	returning pipeline_execution_id, revision`
	err := sqlscan.Get(
		ctx, q.db, pe, query,
		pe.PipelineID,
		pe.Status,
		pe.StartedAt,
		pe.TriggeredBy,
	)
	if err != nil {
		return err
	}
	return q.createParams(
		ctx, "pipeline_execution_params", "pipeline_execution_id",
		pe.PipelineExecutionID, pe.Parameters,
	)
}

func (q *dispatchQueries) CreateReleaseExecution(
	ctx context.Context,
	re *ReleaseExecution,
) error {
	query := `insert into release_executions (
		release_id,
		agent_id,
		status,
		priority,
		started_at,
		triggered_by
	)
	values ($1, $2, $3, $4, $5, $6)
	returning release_execution_id, revision`
	err := sqlscan.Get(
		ctx, q.db, re, query,
		re.ReleaseID,
		re.AgentID,
		re.Status,
		re.Priority,
		re.StartedAt,
		re.TriggeredBy,
	)
	if err != nil {
		return err
	}
	return q.createParams(
		ctx, "release_execution_params", "release_execution_id",
		re.ReleaseExecutionID, re.Parameters,
	)
}

func (q *dispatchQueries) CreateStageExecution(ctx context.Context, se *StageExecution) error {
	query := `insert into stage_executions (
		release_execution_id,
		stage_id,
		environment_id,
		agent_id,
		name,
		order_index,
		status,
		approval_status
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8)
	returning stage_execution_id`
	return sqlscan.Get(
		ctx, q.db, se, query,
		se.ReleaseExecutionID,
		se.StageID,
		se.EnvironmentID,
		se.AgentID,
		se.Name,
		se.OrderIndex,
		se.Status,
		se.ApprovalStatus,
	)
}

func (q *dispatchQueries) CreatePipelinePickup(ctx context.Context, p *PipelinePickup) error {
	query := `insert into pipeline_pickups (
		pipeline_execution_id,
		pipeline_id,
		agent_id,
		agent_uuid,
		agent_name,
		status,
		priority,
		created_at,
		max_retries
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	returning pickup_id`
	return sqlscan.Get(
		ctx, q.db, p, query,
		p.PipelineExecutionID,
		p.PipelineID,
		p.AgentID,
		p.AgentUUID,
		p.AgentName,
		p.Status,
		p.Priority,
		p.CreatedAt,
		p.MaxRetries,
	)
}

func (q *dispatchQueries) CreateReleasePickup(ctx context.Context, p *ReleasePickup) error {
	query := `insert into release_pickups (
		release_execution_id,
		stage_execution_id,
		agent_id,
		agent_uuid,
		agent_name,
		status,
		priority,
		created_at,
		max_retries
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	returning pickup_id`
	return sqlscan.Get(
		ctx, q.db, p, query,
		p.ReleaseExecutionID,
		p.StageExecutionID,
		p.AgentID,
		p.AgentUUID,
		p.AgentName,
		p.Status,
		p.Priority,
		p.CreatedAt,
		p.MaxRetries,
	)
}

// TransitionPickup moves a pickup to the given state only if it currently
// sits in one of the legal source states for that target.
func (q *dispatchQueries) TransitionPickup(
	ctx context.Context,
	kind PickupKind,
	pickupID int64,
	to PickupStatus,
	at time.Time,
	errorMessage *string,
) (bool, error) {
	from := PickupSources(to)
	if len(from) == 0 {
		return false, fmt.Errorf("no transition leads to pickup status %q", to)
	}
	query := fmt.Sprintf(`update %s
	set status = $1,
		%s = $2,
		error_message = coalesce($3, error_message),
		revision = revision + 1
	where pickup_id = $4
		and status in (%s)`,
		kind.pickupTable(), to.timestampColumn(), placeholders(5, len(from)),
	)
	args := []any{to, at, errorMessage, pickupID}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return rowsMatched(res)
}

func (q *dispatchQueries) CompletePipelineExecution(
	ctx context.Context,
	id int64,
	status ExecutionStatus,
	at time.Time,
	durationSeconds int64,
) (bool, error) {
	query := `update pipeline_executions
	set status = $1,
		completed_at = $2,
		duration_seconds = $3,
		revision = revision + 1
	where pipeline_execution_id = $4
		and status in ($5, $6)`
	res, err := q.db.ExecContext(
		ctx, query,
		status, at, durationSeconds, id,
		ExecutionPending, ExecutionRunning,
	)
	if err != nil {
		return false, err
	}
	return rowsMatched(res)
}

func (q *dispatchQueries) StartStageExecution(
	ctx context.Context,
	id, agentID int64,
	at time.Time,
) (bool, error) {
	query := `update stage_executions
	set status = $1,
		agent_id = $2,
		started_at = $3
	where stage_execution_id = $4
		and status = $5`
	res, err := q.db.ExecContext(ctx, query, StageInProgress, agentID, at, id, StagePending)
	if err != nil {
		return false, err
	}
	return rowsMatched(res)
}

func (q *dispatchQueries) CompleteStageExecution(
	ctx context.Context,
	id int64,
	status StageStatus,
	at time.Time,
	durationSeconds *int64,
	errorMessage *string,
) (bool, error) {
	query := `update stage_executions
	set status = $1,
		completed_at = $2,
		duration_seconds = $3,
		error_message = coalesce($4, error_message)
	where stage_execution_id = $5
		and status in ($6, $7)`
	res, err := q.db.ExecContext(
		ctx, query,
		status, at, durationSeconds, errorMessage, id,
		StagePending, StageInProgress,
	)
	if err != nil {
		return false, err
	}
	return rowsMatched(res)
}

func (q *dispatchQueries) ApproveStageExecution(
	ctx context.Context,
	id int64,
	approver string,
	comments *string,
	agentID int64,
	at time.Time,
) (bool, error) {
	query := `update stage_executions
	set status = $1,
		approval_status = $2,
		approved_by = $3,
		approved_at = $4,
		approval_comments = $5,
		agent_id = $6
	where stage_execution_id = $7
		and status = $8
		and approval_status = $9`
	res, err := q.db.ExecContext(
		ctx, query,
		StagePending, ApprovalApproved, approver, at, comments, agentID, id,
		StageAwaitingApproval, ApprovalPending,
	)
	if err != nil {
		return false, err
	}
	return rowsMatched(res)
}

func (q *dispatchQueries) RejectStageExecution(
	ctx context.Context,
	id int64,
	approver string,
	comments *string,
	at time.Time,
) (bool, error) {
	query := `update stage_executions
	set status = $1,
		approval_status = $2,
		approved_by = $3,
		approved_at = $4,
		approval_comments = $5,
		completed_at = $4
	where stage_execution_id = $6
		and status = $7
		and approval_status = $8`
	res, err := q.db.ExecContext(
		ctx, query,
		StageCancelled, ApprovalRejected, approver, at, comments, id,
		StageAwaitingApproval, ApprovalPending,
	)
	if err != nil {
		return false, err
	}
	return rowsMatched(res)
}

// LockReleaseExecution bumps the release execution revision. The update takes
// the row lock that serializes sibling stage aggregation for the rest of the
// transaction.
func (q *dispatchQueries) LockReleaseExecution(ctx context.Context, id int64) error {
	query := `update release_executions
	set revision = revision + 1
	where release_execution_id = $1`
	res, err := q.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	ok, err := rowsMatched(res)
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}
	return nil
}

func (q *dispatchQueries) CompleteReleaseExecution(
	ctx context.Context,
	id int64,
	status ExecutionStatus,
	at time.Time,
	durationSeconds int64,
) (bool, error) {
	query := `update release_executions
	set status = $1,
		completed_at = $2,
		duration_seconds = $3,
		revision = revision + 1
	where release_execution_id = $4
		and status in ($5, $6)`
	res, err := q.db.ExecContext(
		ctx, query,
		status, at, durationSeconds, id,
		ExecutionPending, ExecutionRunning,
	)
	if err != nil {
		return false, err
	}
	return rowsMatched(res)
}
