package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/haatos/simple-dispatch/internal/store"
	"github.com/haatos/simple-dispatch/internal/util"
	"go.uber.org/zap"
)

type AgentService struct {
	agentStore store.AgentStore
	staleAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

func NewAgentService(
	s store.AgentStore,
	staleAfter time.Duration,
	logger *zap.Logger,
) *AgentService {
	return &AgentService{
		agentStore: s,
		staleAfter: staleAfter,
		logger:     logger.Named("agents"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *AgentService) RegisterAgent(
	ctx context.Context,
	agentUUID, name, location, description string,
) (*store.Agent, error) {
	agentUUID = strings.TrimSpace(agentUUID)
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, NewBadRequestError("agent name is required")
	}
	if _, err := uuid.Parse(agentUUID); err != nil {
		return nil, NewBadRequestError("invalid agent uuid %q", agentUUID)
	}

	_, err := s.agentStore.ReadAgentByUUID(ctx, agentUUID)
	if err == nil {
		return nil, NewConflictError("agent %s is already registered", agentUUID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, NewInternalError(err, "error reading agent %s", agentUUID)
	}

	a, err := s.agentStore.CreateAgent(
		ctx, agentUUID, name,
		strings.TrimSpace(location), strings.TrimSpace(description),
		s.now(),
	)
	if err != nil {
		if store.IsUniqueConstraintError(err) {
			return nil, NewConflictError("agent %s is already registered", agentUUID)
		}
		return nil, NewInternalError(err, "error creating agent %s", agentUUID)
	}
	s.logger.Info("agent registered", zap.String("agent_uuid", a.UUID), zap.String("name", a.Name))
	return a, nil
}

func (s *AgentService) HeartbeatAgent(
	ctx context.Context,
	agentUUID string,
	metrics store.AgentMetrics,
) error {
	if !metrics.Status.Valid() {
		return NewBadRequestError("invalid agent status %q", metrics.Status)
	}
	if !util.InRange(metrics.CPU, 0, 100) || !util.InRange(metrics.Memory, 0, 100) {
		return NewBadRequestError("cpu and memory must be between 0 and 100")
	}
	if metrics.Jobs < 0 {
		return NewBadRequestError("jobs must not be negative")
	}

	err := s.agentStore.UpdateAgentHeartbeat(ctx, agentUUID, metrics, s.now())
	return wrapStoreError(err, "agent %s not found", agentUUID)
}

func (s *AgentService) GetAgentByUUID(ctx context.Context, agentUUID string) (*store.Agent, error) {
	a, err := s.agentStore.ReadAgentByUUID(ctx, agentUUID)
	if err != nil {
		return nil, wrapStoreError(err, "agent %s not found", agentUUID)
	}
	s.markStale(a, s.now())
	return a, nil
}

func (s *AgentService) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	agents, err := s.agentStore.ListAgents(ctx)
	if err != nil {
		return nil, NewInternalError(err, "error listing agents")
	}
	now := s.now()
	for _, a := range agents {
		s.markStale(a, now)
	}
	return agents, nil
}

// markStale flags agents whose last heartbeat is older than the stale window.
func (s *AgentService) markStale(a *store.Agent, now time.Time) {
	a.Stale = a.LastSeen == nil || now.Sub(*a.LastSeen) > s.staleAfter
}

// SweepStaleAgents demotes online and busy agents that have not sent a
// heartbeat within the stale window to offline.
func (s *AgentService) SweepStaleAgents(ctx context.Context) ([]string, error) {
	now := s.now()
	uuids, err := s.agentStore.MarkStaleAgentsOffline(ctx, now.Add(-s.staleAfter), now)
	if err != nil {
		return nil, NewInternalError(err, "error sweeping stale agents")
	}
	for _, u := range uuids {
		s.logger.Warn("agent marked offline", zap.String("agent_uuid", u))
	}
	return uuids, nil
}

func (s *AgentService) ScheduleStaleAgentSweep(
	scheduler gocron.Scheduler,
	interval time.Duration,
) (gocron.Job, error) {
	return scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if _, err := s.SweepStaleAgents(context.Background()); err != nil {
				s.logger.Error("stale agent sweep failed", zap.Error(err))
			}
		}),
		gocron.WithName("stale-agent-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
}
