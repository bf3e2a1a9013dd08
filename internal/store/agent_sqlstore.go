package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type AgentSQLStore struct {
	rdb, rwdb *sql.DB
}

func NewAgentSQLStore(rdb, rwdb *sql.DB) *AgentSQLStore {
	return &AgentSQLStore{rdb, rwdb}
}

func (store *AgentSQLStore) CreateAgent(
	ctx context.Context,
	uuid, name, location, description string,
	now time.Time,
) (*Agent, error) {
	a := &Agent{
		UUID:        uuid,
		Name:        name,
		Location:    location,
		Description: description,
		Status:      AgentOnline,
		LastSeen:    &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	query := `insert into agents (
		uuid,
		name,
		location,
		description,
		status,
		last_seen,
		created_at,
		updated_at
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8)
	returning agent_id`
	err := sqlscan.Get(
		ctx, store.rwdb, a, query,
		a.UUID,
		a.Name,
		a.Location,
		a.Description,
		a.Status,
		a.LastSeen,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (store *AgentSQLStore) ReadAgentByID(ctx context.Context, id int64) (*Agent, error) {
	a := new(Agent)
	query := `select * from agents where agent_id = $1`
	if err := sqlscan.Get(ctx, store.rdb, a, query, id); err != nil {
		return nil, err
	}
	return a, nil
}

func (store *AgentSQLStore) ReadAgentByUUID(ctx context.Context, uuid string) (*Agent, error) {
	a := new(Agent)
	query := `select * from agents where uuid = $1`
	if err := sqlscan.Get(ctx, store.rdb, a, query, uuid); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateAgentHeartbeat overwrites the agent's reported state. It returns
// sql.ErrNoRows when no agent has the given uuid.
func (store *AgentSQLStore) UpdateAgentHeartbeat(
	ctx context.Context,
	uuid string,
	metrics AgentMetrics,
	now time.Time,
) error {
	query := `update agents
	set status = $1,
		cpu = $2,
		memory = $3,
		jobs = $4,
		last_seen = $5,
		updated_at = $5
	where uuid = $6`
	res, err := store.rwdb.ExecContext(
		ctx, query,
		metrics.Status,
		metrics.CPU,
		metrics.Memory,
		metrics.Jobs,
		now,
		uuid,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (store *AgentSQLStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `select * from agents order by name, agent_id`
	agents := make([]*Agent, 0)
	err := sqlscan.Select(ctx, store.rdb, &agents, query)
	return agents, err
}

// MarkStaleAgentsOffline demotes online or busy agents last seen before the
// cutoff and returns the uuids of the demoted agents.
func (store *AgentSQLStore) MarkStaleAgentsOffline(
	ctx context.Context,
	cutoff, now time.Time,
) ([]string, error) {
	query := `update agents
	set status = $1,
		updated_at = $2
	where status in ($3, $4)
		and (last_seen is null or last_seen < $5)
	returning uuid`
	uuids := make([]string, 0)
	err := sqlscan.Select(
		ctx, store.rwdb, &uuids, query,
		AgentOffline,
		now,
		AgentOnline,
		AgentBusy,
		cutoff,
	)
	return uuids, err
}
