package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/sqlscan"
)

var (
	ErrUnknownAgent       = errors.New("unknown agent")
	ErrUnknownEnvironment = errors.New("unknown environment")
)

type DefinitionSQLStore struct {
	rdb, rwdb *sql.DB
}

func NewDefinitionSQLStore(rdb, rwdb *sql.DB) *DefinitionSQLStore {
	return &DefinitionSQLStore{rdb, rwdb}
}

// ImportDefinitions upserts every definition by name in a single transaction.
// Stages are matched by release and name. The parameters and steps of an
// imported pipeline are replaced as a whole. Existing definitions missing
// from defs are left untouched.
func (store *DefinitionSQLStore) ImportDefinitions(
	ctx context.Context,
	defs *Definitions,
) (*ImportSummary, error) {
	tx, err := store.rwdb.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	summary := new(ImportSummary)
	environmentIDs := make(map[string]int64)
	for _, env := range defs.Environments {
		var id int64
		query := `insert into environments (name, requires_approval)
		values ($1, $2)
		on conflict (name) do update set requires_approval = excluded.requires_approval
		returning environment_id`
		if err := sqlscan.Get(ctx, tx, &id, query, env.Name, env.RequiresApproval); err != nil {
			return nil, err
		}
		environmentIDs[env.Name] = id
		summary.Environments++
	}

	for _, p := range defs.Pipelines {
		agentID, err := resolveAgentUUID(ctx, tx, p.AgentUUID)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", p.Name, err)
		}
		branch := p.Branch
		if branch == "" {
			branch = "main"
		}
		var pipelineID int64
		query := `insert into pipelines (name, description, branch, pipeline_agent_id)
		values ($1, $2, $3, $4)
		on conflict (name) do update set
			description = excluded.description,
			branch = excluded.branch,
			pipeline_agent_id = excluded.pipeline_agent_id
		returning pipeline_id`
		err = sqlscan.Get(ctx, tx, &pipelineID, query, p.Name, p.Description, branch, agentID)
		if err != nil {
			return nil, err
		}
		if err := replacePipelineParameters(ctx, tx, pipelineID, p.Parameters); err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", p.Name, err)
		}
		if err := replacePipelineSteps(ctx, tx, pipelineID, p.Steps); err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", p.Name, err)
		}
		summary.Pipelines++
	}

	for _, r := range defs.Releases {
		agentID, err := resolveAgentUUID(ctx, tx, r.AgentUUID)
		if err != nil {
			return nil, fmt.Errorf("release %q: %w", r.Name, err)
		}
		var releaseID int64
		query := `insert into releases (name, description, release_agent_id)
		values ($1, $2, $3)
		on conflict (name) do update set
			description = excluded.description,
			release_agent_id = excluded.release_agent_id
		returning release_id`
		if err := sqlscan.Get(ctx, tx, &releaseID, query, r.Name, r.Description, agentID); err != nil {
			return nil, err
		}
		summary.Releases++

		for _, s := range r.Stages {
			envID, ok := environmentIDs[s.Environment]
			if !ok {
				envID, err = resolveEnvironment(ctx, tx, s.Environment)
				if err != nil {
					return nil, fmt.Errorf("release %q stage %q: %w", r.Name, s.Name, err)
				}
			}
			stageAgentID, err := resolveAgentUUID(ctx, tx, s.AgentUUID)
			if err != nil {
				return nil, fmt.Errorf("release %q stage %q: %w", r.Name, s.Name, err)
			}
			query := `insert into release_stages (
				stage_release_id,
				stage_environment_id,
				stage_agent_id,
				name,
				order_index,
				requires_approval
			)
			values ($1, $2, $3, $4, $5, $6)
			on conflict (stage_release_id, name) do update set
				stage_environment_id = excluded.stage_environment_id,
				stage_agent_id = excluded.stage_agent_id,
				order_index = excluded.order_index,
				requires_approval = excluded.requires_approval`
			_, err = tx.ExecContext(
				ctx, query,
				releaseID, envID, stageAgentID, s.Name, s.OrderIndex, s.RequiresApproval,
			)
			if err != nil {
				return nil, err
			}
			summary.Stages++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return summary, nil
}

// resolveAgentUUID maps an optional agent uuid to its id. An empty uuid
// resolves to nil.
func resolveAgentUUID(ctx context.Context, q Querier, uuid string) (*int64, error) {
	if uuid == "" {
		return nil, nil
	}
	var id int64
	err := sqlscan.Get(ctx, q, &id, `select agent_id from agents where uuid = $1`, uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w %s", ErrUnknownAgent, uuid)
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func resolveEnvironment(ctx context.Context, q Querier, name string) (int64, error) {
	var id int64
	err := sqlscan.Get(
		ctx, q, &id, `select environment_id from environments where name = $1`, name,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w %s", ErrUnknownEnvironment, name)
	}
	return id, err
}

// replacePipelineParameters swaps the stored parameters of a pipeline for defs,
// keeping their file order.
func replacePipelineParameters(
	ctx context.Context,
	q Querier,
	pipelineID int64,
	defs []ParameterDefinition,
) error {
	if _, err := q.ExecContext(
		ctx, `delete from pipeline_parameters where pipeline_id = $1`, pipelineID,
	); err != nil {
		return err
	}
	query := `insert into pipeline_parameters (
		pipeline_id,
		name,
		type,
		default_value,
		required,
		description,
		choices,
		param_order
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8)`
	for i, d := range defs {
		p := d.Parameter()
		_, err := q.ExecContext(
			ctx, query,
			pipelineID, p.Name, p.Type, p.DefaultValue, p.Required, p.Description, p.Choices, i,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func replacePipelineSteps(
	ctx context.Context,
	q Querier,
	pipelineID int64,
	defs []StepDefinition,
) error {
	if _, err := q.ExecContext(
		ctx, `delete from pipeline_steps where pipeline_id = $1`, pipelineID,
	); err != nil {
		return err
	}
	query := `insert into pipeline_steps (pipeline_id, name, command, step_order)
	values ($1, $2, $3, $4)`
	for i, d := range defs {
		if _, err := q.ExecContext(ctx, query, pipelineID, d.Name, d.Command, i); err != nil {
			return err
		}
	}
	return nil
}

func listPipelineParameters(
	ctx context.Context,
	q Querier,
	pipelineID int64,
) ([]*PipelineParameter, error) {
	query := `select * from pipeline_parameters
	where pipeline_id = $1
	order by param_order, parameter_id`
	params := make([]*PipelineParameter, 0)
	err := sqlscan.Select(ctx, q, &params, query, pipelineID)
	return params, err
}

func listPipelineSteps(ctx context.Context, q Querier, pipelineID int64) ([]*PipelineStep, error) {
	query := `select * from pipeline_steps
	where pipeline_id = $1
	order by step_order, step_id`
	steps := make([]*PipelineStep, 0)
	err := sqlscan.Select(ctx, q, &steps, query, pipelineID)
	return steps, err
}

// ListPipelines returns every pipeline with its parameters and steps.
func (store *DefinitionSQLStore) ListPipelines(ctx context.Context) ([]*Pipeline, error) {
	query := `select * from pipelines order by name`
	pipelines := make([]*Pipeline, 0)
	if err := sqlscan.Select(ctx, store.rdb, &pipelines, query); err != nil {
		return nil, err
	}
	for _, p := range pipelines {
		var err error
		if p.Parameters, err = listPipelineParameters(ctx, store.rdb, p.PipelineID); err != nil {
			return nil, err
		}
		if p.Steps, err = listPipelineSteps(ctx, store.rdb, p.PipelineID); err != nil {
			return nil, err
		}
	}
	return pipelines, nil
}

func (store *DefinitionSQLStore) ListReleases(ctx context.Context) ([]*Release, error) {
	query := `select * from releases order by name`
	releases := make([]*Release, 0)
	err := sqlscan.Select(ctx, store.rdb, &releases, query)
	return releases, err
}
