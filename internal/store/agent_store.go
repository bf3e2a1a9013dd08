package store

import (
	"context"
	"time"
)

type AgentStore interface {
	CreateAgent(
		ctx context.Context,
		uuid, name, location, description string,
		now time.Time,
	) (*Agent, error)
	ReadAgentByID(context.Context, int64) (*Agent, error)
	ReadAgentByUUID(context.Context, string) (*Agent, error)
	UpdateAgentHeartbeat(context.Context, string, AgentMetrics, time.Time) error
	ListAgents(context.Context) ([]*Agent, error)
	MarkStaleAgentsOffline(ctx context.Context, cutoff, now time.Time) ([]string, error)
}
