package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haatos/simple-dispatch/internal/store"
	"github.com/haatos/simple-dispatch/internal/util"
	"go.uber.org/zap"
)

type DispatchOptions struct {
	DefaultPriority   int64
	DefaultMaxRetries int64
	// PollLimit caps the pickups returned per poll. Zero returns all of them.
	PollLimit int64
}

type LogAppender interface {
	AppendLog(
		ctx context.Context,
		ref store.LogRef,
		level store.LogLevel,
		message string,
		source store.LogSource,
	) (*store.ExecutionLog, error)
}

type TriggerPipelineRequest struct {
	PipelineID  int64
	AgentID     *int64
	Parameters  map[string]string
	TriggeredBy string
	Priority    *int64
}

type TriggerReleaseRequest struct {
	ReleaseID   int64
	AgentID     *int64
	Parameters  map[string]string
	TriggeredBy string
	Priority    *int64
}

// DispatchService owns the pickup queue and the execution ledger. Every
// operation runs in a single transaction; lifecycle log lines are appended
// only after it commits.
type DispatchService struct {
	dispatchStore store.DispatchStore
	logs          LogAppender
	opts          DispatchOptions
	logger        *zap.Logger
	now           func() time.Time
}

func NewDispatchService(
	dispatchStore store.DispatchStore,
	logs LogAppender,
	opts DispatchOptions,
	logger *zap.Logger,
) *DispatchService {
	return &DispatchService{
		dispatchStore: dispatchStore,
		logs:          logs,
		opts:          opts,
		logger:        logger.Named("dispatch"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

type logLine struct {
	ref     store.LogRef
	level   store.LogLevel
	message string
}

type logBatch []logLine

func (b *logBatch) add(ref store.LogRef, level store.LogLevel, format string, args ...any) {
	*b = append(*b, logLine{ref: ref, level: level, message: fmt.Sprintf(format, args...)})
}

// flushLogs writes server lifecycle lines. Failures are logged and dropped.
func (s *DispatchService) flushLogs(ctx context.Context, lines logBatch) {
	ctx = context.WithoutCancel(ctx)
	for _, l := range lines {
		if _, err := s.logs.AppendLog(ctx, l.ref, l.level, l.message, store.LogSourceServer); err != nil {
			s.logger.Warn("error appending lifecycle log", zap.Error(err))
		}
	}
}

func (s *DispatchService) priority(p *int64) int64 {
	if p != nil {
		return *p
	}
	return s.opts.DefaultPriority
}

func (s *DispatchService) newPickup(agent *store.Agent, priority int64, now time.Time) store.Pickup {
	return store.Pickup{
		AgentID:    agent.AgentID,
		AgentUUID:  agent.UUID,
		AgentName:  agent.Name,
		Status:     store.PickupPending,
		Priority:   priority,
		CreatedAt:  now,
		MaxRetries: s.opts.DefaultMaxRetries,
	}
}

func readAgent(ctx context.Context, tx store.DispatchTx, id int64) (*store.Agent, error) {
	a, err := tx.ReadAgentByID(ctx, id)
	if err != nil {
		return nil, wrapStoreError(err, "agent %d not found", id)
	}
	return a, nil
}

// resolveStageAgent picks the agent a stage runs on: the stage's own agent,
// then the agent given when the release was triggered, then the release's.
func resolveStageAgent(stage *store.ReleaseStage, requested, release *int64) *int64 {
	switch {
	case stage.StageAgentID != nil:
		return stage.StageAgentID
	case requested != nil:
		return requested
	default:
		return release
	}
}

func (s *DispatchService) TriggerPipeline(
	ctx context.Context,
	req TriggerPipelineRequest,
) (*store.PipelineExecution, *store.PipelinePickup, error) {
	now := s.now()
	var (
		pe     *store.PipelineExecution
		pickup *store.PipelinePickup
		logs   logBatch
	)
	err := s.dispatchStore.RunInTx(ctx, func(tx store.DispatchTx) error {
		p, err := tx.ReadPipelineByID(ctx, req.PipelineID)
		if err != nil {
			return wrapStoreError(err, "pipeline %d not found", req.PipelineID)
		}
		agentID := req.AgentID
		if agentID == nil {
			agentID = p.PipelineAgentID
		}
		if agentID == nil {
			return NewBadRequestError("pipeline %d has no agent and none was given", p.PipelineID)
		}
		agent, err := readAgent(ctx, tx, *agentID)
		if err != nil {
			return err
		}
		defined, err := tx.ListPipelineParameters(ctx, p.PipelineID)
		if err != nil {
			return err
		}
		params, err := store.ResolveParameters(defined, req.Parameters)
		if err != nil {
			return NewBadRequestError("pipeline %s: %s", p.Name, err)
		}

		pe = &store.PipelineExecution{
			PipelineID:  p.PipelineID,
			Status:      store.ExecutionRunning,
			StartedAt:   now,
			TriggeredBy: req.TriggeredBy,
			Parameters:  params,
		}
		if err := tx.CreatePipelineExecution(ctx, pe); err != nil {
			return err
		}
		pickup = &store.PipelinePickup{
			Pickup:              s.newPickup(agent, s.priority(req.Priority), now),
			PipelineExecutionID: pe.PipelineExecutionID,
			PipelineID:          p.PipelineID,
			Parameters:          params,
		}
		if err := tx.CreatePipelinePickup(ctx, pickup); err != nil {
			return err
		}
		logs.add(
			store.PipelineLogRef(pe.PipelineExecutionID), store.LogInfo,
			"pipeline %s triggered by %s, queued for agent %s",
			p.Name, triggeredBy(req.TriggeredBy), agent.Name,
		)
		return nil
	})
	if err != nil {
		return nil, nil, wrapStoreError(err, "error triggering pipeline %d", req.PipelineID)
	}
	s.logger.Info("pipeline triggered",
		zap.Int64("pipeline_execution_id", pe.PipelineExecutionID),
		zap.Int64("pickup_id", pickup.PickupID),
		zap.String("agent_uuid", pickup.AgentUUID),
	)
	s.flushLogs(ctx, logs)
	return pe, pickup, nil
}

func (s *DispatchService) TriggerRelease(
	ctx context.Context,
	req TriggerReleaseRequest,
) (*store.ReleaseExecution, []*store.ReleasePickup, error) {
	now := s.now()
	var (
		re      *store.ReleaseExecution
		pickups []*store.ReleasePickup
		logs    logBatch
	)
	err := s.dispatchStore.RunInTx(ctx, func(tx store.DispatchTx) error {
		r, err := tx.ReadReleaseByID(ctx, req.ReleaseID)
		if err != nil {
			return wrapStoreError(err, "release %d not found", req.ReleaseID)
		}
		stages, err := tx.ListReleaseStages(ctx, r.ReleaseID)
		if err != nil {
			return err
		}
		if len(stages) == 0 {
			return NewBadRequestError("release %d has no stages", r.ReleaseID)
		}
		agents := make(map[int64]*store.Agent)
		if req.AgentID != nil {
			a, err := readAgent(ctx, tx, *req.AgentID)
			if err != nil {
				return err
			}
			agents[a.AgentID] = a
		}

		re = &store.ReleaseExecution{
			ReleaseID:   r.ReleaseID,
			AgentID:     req.AgentID,
			Status:      store.ExecutionRunning,
			Priority:    s.priority(req.Priority),
			StartedAt:   now,
			TriggeredBy: req.TriggeredBy,
			Parameters:  req.Parameters,
		}
		if err := tx.CreateReleaseExecution(ctx, re); err != nil {
			return err
		}

		for _, stage := range stages {
			se := &store.StageExecution{
				ReleaseExecutionID: re.ReleaseExecutionID,
				StageID:            stage.StageID,
				EnvironmentID:      stage.StageEnvironmentID,
				Name:               stage.Name,
				OrderIndex:         stage.OrderIndex,
			}
			if stage.Gated() {
				se.Status = store.StageAwaitingApproval
				se.ApprovalStatus = store.ApprovalPending
				if err := tx.CreateStageExecution(ctx, se); err != nil {
					return err
				}
				re.Stages = append(re.Stages, se)
				logs.add(
					store.StageLogRef(se.StageExecutionID), store.LogWarning,
					"stage %s is awaiting approval", se.Name,
				)
				continue
			}

			agentID := resolveStageAgent(stage, req.AgentID, r.ReleaseAgentID)
			if agentID == nil {
				return NewBadRequestError("no agent for stage %s of release %s", stage.Name, r.Name)
			}
			agent, ok := agents[*agentID]
			if !ok {
				if agent, err = readAgent(ctx, tx, *agentID); err != nil {
					return err
				}
				agents[agent.AgentID] = agent
			}
			se.AgentID = &agent.AgentID
			se.Status = store.StagePending
			se.ApprovalStatus = store.ApprovalNotRequired
			if err := tx.CreateStageExecution(ctx, se); err != nil {
				return err
			}
			re.Stages = append(re.Stages, se)

			pickup := &store.ReleasePickup{
				Pickup:             s.newPickup(agent, re.Priority, now),
				ReleaseExecutionID: re.ReleaseExecutionID,
				StageExecutionID:   se.StageExecutionID,
				Parameters:         req.Parameters,
			}
			if err := tx.CreateReleasePickup(ctx, pickup); err != nil {
				return err
			}
			pickups = append(pickups, pickup)
			logs.add(
				store.StageLogRef(se.StageExecutionID), store.LogInfo,
				"stage %s of release %s triggered by %s, queued for agent %s",
				se.Name, r.Name, triggeredBy(req.TriggeredBy), agent.Name,
			)
		}
		return nil
	})
	if err != nil {
		return nil, nil, wrapStoreError(err, "error triggering release %d", req.ReleaseID)
	}
	s.logger.Info("release triggered",
		zap.Int64("release_execution_id", re.ReleaseExecutionID),
		zap.Int("stages", len(re.Stages)),
		zap.Int("pickups", len(pickups)),
	)
	s.flushLogs(ctx, logs)
	return re, pickups, nil
}

func triggeredBy(principal string) string {
	if principal == "" {
		return "anonymous"
	}
	return principal
}

func (s *DispatchService) PollPipelinePickups(
	ctx context.Context,
	agentUUID string,
) ([]*store.PipelinePickup, error) {
	if strings.TrimSpace(agentUUID) == "" {
		return nil, NewBadRequestError("agent uuid is required")
	}
	pickups, err := s.dispatchStore.ListPendingPipelinePickups(ctx, agentUUID, s.opts.PollLimit)
	if err != nil {
		return nil, NewInternalError(err, "error polling pipeline pickups")
	}
	return pickups, nil
}

func (s *DispatchService) PollReleasePickups(
	ctx context.Context,
	agentUUID string,
) ([]*store.ReleasePickup, error) {
	if strings.TrimSpace(agentUUID) == "" {
		return nil, NewBadRequestError("agent uuid is required")
	}
	pickups, err := s.dispatchStore.ListPendingReleasePickups(ctx, agentUUID, s.opts.PollLimit)
	if err != nil {
		return nil, NewInternalError(err, "error polling release pickups")
	}
	return pickups, nil
}

// ownedPickup is a pickup of either kind together with the execution it serves.
type ownedPickup struct {
	*store.Pickup
	kind                store.PickupKind
	pipelineExecutionID int64
	releaseExecutionID  int64
	stageExecutionID    int64
}

func (p *ownedPickup) logRef() store.LogRef {
	if p.kind == store.ReleasePickupKind {
		return store.StageLogRef(p.stageExecutionID)
	}
	return store.PipelineLogRef(p.pipelineExecutionID)
}

func readOwnedPickup(
	ctx context.Context,
	r store.DispatchReader,
	kind store.PickupKind,
	id int64,
) (*ownedPickup, error) {
	if kind == store.ReleasePickupKind {
		p, err := r.ReadReleasePickupByID(ctx, id)
		if err != nil {
			return nil, wrapStoreError(err, "release pickup %d not found", id)
		}
		return &ownedPickup{
			Pickup:             &p.Pickup,
			kind:               kind,
			releaseExecutionID: p.ReleaseExecutionID,
			stageExecutionID:   p.StageExecutionID,
		}, nil
	}
	p, err := r.ReadPipelinePickupByID(ctx, id)
	if err != nil {
		return nil, wrapStoreError(err, "pipeline pickup %d not found", id)
	}
	return &ownedPickup{
		Pickup:              &p.Pickup,
		kind:                kind,
		pipelineExecutionID: p.PipelineExecutionID,
	}, nil
}

// transitionPickup applies a compare-and-swap state change. When no row
// matches, the pickup is re-read to tell a missing pickup from an illegal
// transition.
func transitionPickup(
	ctx context.Context,
	tx store.DispatchTx,
	kind store.PickupKind,
	id int64,
	to store.PickupStatus,
	at time.Time,
	errorMessage *string,
) (*ownedPickup, error) {
	ok, err := tx.TransitionPickup(ctx, kind, id, to, at, errorMessage)
	if err != nil {
		return nil, err
	}
	p, err := readOwnedPickup(ctx, tx, kind, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewConflictError(
			"%s pickup %d is %s and cannot move to %s", kind, id, p.Status, to,
		)
	}
	return p, nil
}

func (s *DispatchService) acknowledge(ctx context.Context, kind store.PickupKind, id int64) error {
	now := s.now()
	var logs logBatch
	err := s.dispatchStore.RunInTx(ctx, func(tx store.DispatchTx) error {
		p, err := transitionPickup(ctx, tx, kind, id, store.PickupPickedUp, now, nil)
		if err != nil {
			return err
		}
		logs.add(p.logRef(), store.LogInfo, "pickup %d acknowledged by agent %s", id, p.AgentName)
		return nil
	})
	if err != nil {
		return wrapStoreError(err, "error acknowledging %s pickup %d", kind, id)
	}
	s.flushLogs(ctx, logs)
	return nil
}

func (s *DispatchService) start(ctx context.Context, kind store.PickupKind, id int64) error {
	now := s.now()
	var logs logBatch
	err := s.dispatchStore.RunInTx(ctx, func(tx store.DispatchTx) error {
		p, err := transitionPickup(ctx, tx, kind, id, store.PickupInProgress, now, nil)
		if err != nil {
			return err
		}
		if kind == store.ReleasePickupKind {
			ok, err := tx.StartStageExecution(ctx, p.stageExecutionID, p.AgentID, now)
			if err != nil {
				return err
			}
			if !ok {
				se, err := tx.ReadStageExecutionByID(ctx, p.stageExecutionID)
				if err != nil {
					return err
				}
				return NewConflictError(
					"stage execution %d is %s and cannot start", se.StageExecutionID, se.Status,
				)
			}
		}
		logs.add(p.logRef(), store.LogInfo, "execution started on agent %s", p.AgentName)
		return nil
	})
	if err != nil {
		return wrapStoreError(err, "error starting %s pickup %d", kind, id)
	}
	s.flushLogs(ctx, logs)
	return nil
}

func (s *DispatchService) complete(
	ctx context.Context,
	kind store.PickupKind,
	id int64,
	success bool,
	errorMessage string,
) error {
	now := s.now()
	to, stageStatus, executionStatus := store.PickupFailed, store.StageFailed, store.ExecutionFailed
	if success {
		to, stageStatus, executionStatus = store.PickupCompleted, store.StageSucceeded, store.ExecutionSucceeded
	}
	msg := util.NilIfBlank(errorMessage)

	var logs logBatch
	err := s.dispatchStore.RunInTx(ctx, func(tx store.DispatchTx) error {
		p, err := transitionPickup(ctx, tx, kind, id, to, now, msg)
		if err != nil {
			return err
		}
		if kind == store.PipelinePickupKind {
			pe, err := tx.ReadPipelineExecutionByID(ctx, p.pipelineExecutionID)
			if err != nil {
				return err
			}
			ok, err := tx.CompletePipelineExecution(
				ctx, pe.PipelineExecutionID, executionStatus, now,
				store.DurationSeconds(pe.StartedAt, now),
			)
			if err != nil {
				return err
			}
			if !ok {
				return NewConflictError(
					"pipeline execution %d is already %s", pe.PipelineExecutionID, pe.Status,
				)
			}
		} else {
			se, err := tx.ReadStageExecutionByID(ctx, p.stageExecutionID)
			if err != nil {
				return err
			}
			var duration *int64
			if se.StartedAt != nil {
				duration = util.AsPtr(store.DurationSeconds(*se.StartedAt, now))
			}
			ok, err := tx.CompleteStageExecution(
				ctx, se.StageExecutionID, stageStatus, now, duration, msg,
			)
			if err != nil {
				return err
			}
			if !ok {
				return NewConflictError(
					"stage execution %d is already %s", se.StageExecutionID, se.Status,
				)
			}
			if err := s.aggregateRelease(ctx, tx, se.ReleaseExecutionID, now); err != nil {
				return err
			}
		}
		if success {
			logs.add(p.logRef(), store.LogSuccess, "execution succeeded on agent %s", p.AgentName)
		} else {
			logs.add(p.logRef(), store.LogError, "execution failed on agent %s: %s",
				p.AgentName, orNone(msg))
		}
		return nil
	})
	if err != nil {
		return wrapStoreError(err, "error completing %s pickup %d", kind, id)
	}
	s.flushLogs(ctx, logs)
	return nil
}

func (s *DispatchService) cancel(
	ctx context.Context,
	kind store.PickupKind,
	id int64,
	reason string,
) error {
	now := s.now()
	msg := util.NilIfBlank(reason)
	var logs logBatch
	err := s.dispatchStore.RunInTx(ctx, func(tx store.DispatchTx) error {
		p, err := transitionPickup(ctx, tx, kind, id, store.PickupCancelled, now, msg)
		if err != nil {
			return err
		}
		if kind == store.PipelinePickupKind {
			pe, err := tx.ReadPipelineExecutionByID(ctx, p.pipelineExecutionID)
			if err != nil {
				return err
			}
			ok, err := tx.CompletePipelineExecution(
				ctx, pe.PipelineExecutionID, store.ExecutionCancelled, now,
				store.DurationSeconds(pe.StartedAt, now),
			)
			if err != nil {
				return err
			}
			if !ok {
				return NewConflictError(
					"pipeline execution %d is already %s", pe.PipelineExecutionID, pe.Status,
				)
			}
		} else {
			se, err := tx.ReadStageExecutionByID(ctx, p.stageExecutionID)
			if err != nil {
				return err
			}
			ok, err := tx.CompleteStageExecution(
				ctx, se.StageExecutionID, store.StageCancelled, now, nil, msg,
			)
			if err != nil {
				return err
			}
			if !ok {
				return NewConflictError(
					"stage execution %d is already %s", se.StageExecutionID, se.Status,
				)
			}
			if err := s.aggregateRelease(ctx, tx, se.ReleaseExecutionID, now); err != nil {
				return err
			}
		}
		logs.add(p.logRef(), store.LogWarning, "pickup %d cancelled: %s", id, orNone(msg))
		return nil
	})
	if err != nil {
		return wrapStoreError(err, "error cancelling %s pickup %d", kind, id)
	}
	s.flushLogs(ctx, logs)
	return nil
}

func orNone(s *string) string {
	if s == nil {
		return "no reason given"
	}
	return *s
}

// AggregateStageStatuses folds sibling stage states into the release outcome.
// It reports false while any stage is still open.
func AggregateStageStatuses(statuses []store.StageStatus) (store.ExecutionStatus, bool) {
	failed := false
	for _, st := range statuses {
		if !st.Terminal() {
			return "", false
		}
		if st == store.StageFailed {
			failed = true
		}
	}
	if failed {
		return store.ExecutionFailed, true
	}
	return store.ExecutionSucceeded, true
}

// aggregateRelease finalizes the release execution once every stage is
// terminal. The release row is locked before siblings are re-scanned so
// concurrent stage completions serialize here.
func (s *DispatchService) aggregateRelease(
	ctx context.Context,
	tx store.DispatchTx,
	releaseExecutionID int64,
	now time.Time,
) error {
	if err := tx.LockReleaseExecution(ctx, releaseExecutionID); err != nil {
		return wrapStoreError(err, "release execution %d not found", releaseExecutionID)
	}
	re, err := tx.ReadReleaseExecutionByID(ctx, releaseExecutionID)
	if err != nil {
		return err
	}
	if re.Status.Terminal() {
		return nil
	}
	stages, err := tx.ListStageExecutions(ctx, releaseExecutionID)
	if err != nil {
		return err
	}
	statuses := make([]store.StageStatus, len(stages))
	for i, se := range stages {
		statuses[i] = se.Status
	}
	status, done := AggregateStageStatuses(statuses)
	if !done {
		return nil
	}
	if _, err := tx.CompleteReleaseExecution(
		ctx, releaseExecutionID, status, now, store.DurationSeconds(re.StartedAt, now),
	); err != nil {
		return err
	}
	s.logger.Info("release execution finished",
		zap.Int64("release_execution_id", releaseExecutionID),
		zap.String("status", string(status)),
	)
	return nil
}

func (s *DispatchService) AcknowledgePipelinePickup(
	ctx context.Context,
	id int64,
) (*store.PipelinePickup, error) {
	if err := s.acknowledge(ctx, store.PipelinePickupKind, id); err != nil {
		return nil, err
	}
	return s.getPipelinePickup(ctx, id)
}

func (s *DispatchService) AcknowledgeReleasePickup(
	ctx context.Context,
	id int64,
) (*store.ReleasePickup, error) {
	if err := s.acknowledge(ctx, store.ReleasePickupKind, id); err != nil {
		return nil, err
	}
	return s.getReleasePickup(ctx, id)
}

func (s *DispatchService) StartPipelinePickup(
	ctx context.Context,
	id int64,
) (*store.PipelinePickup, error) {
	if err := s.start(ctx, store.PipelinePickupKind, id); err != nil {
		return nil, err
	}
	return s.getPipelinePickup(ctx, id)
}

func (s *DispatchService) StartReleasePickup(
	ctx context.Context,
	id int64,
) (*store.ReleasePickup, error) {
	if err := s.start(ctx, store.ReleasePickupKind, id); err != nil {
		return nil, err
	}
	return s.getReleasePickup(ctx, id)
}

func (s *DispatchService) CompletePipelinePickup(
	ctx context.Context,
	id int64,
	success bool,
	errorMessage string,
) (*store.PipelinePickup, error) {
	if err := s.complete(ctx, store.PipelinePickupKind, id, success, errorMessage); err != nil {
		return nil, err
	}
	return s.getPipelinePickup(ctx, id)
}

func (s *DispatchService) CompleteReleasePickup(
	ctx context.Context,
	id int64,
	success bool,
	errorMessage string,
) (*store.ReleasePickup, error) {
	if err := s.complete(ctx, store.ReleasePickupKind, id, success, errorMessage); err != nil {
		return nil, err
	}
	return s.getReleasePickup(ctx, id)
}

func (s *DispatchService) CancelPipelinePickup(
	ctx context.Context,
	id int64,
	reason string,
) (*store.PipelinePickup, error) {
	if err := s.cancel(ctx, store.PipelinePickupKind, id, reason); err != nil {
		return nil, err
	}
	return s.getPipelinePickup(ctx, id)
}

func (s *DispatchService) CancelReleasePickup(
	ctx context.Context,
	id int64,
	reason string,
) (*store.ReleasePickup, error) {
	if err := s.cancel(ctx, store.ReleasePickupKind, id, reason); err != nil {
		return nil, err
	}
	return s.getReleasePickup(ctx, id)
}

func (s *DispatchService) getPipelinePickup(ctx context.Context, id int64) (*store.PipelinePickup, error) {
	p, err := s.dispatchStore.ReadPipelinePickupByID(ctx, id)
	if err != nil {
		return nil, wrapStoreError(err, "pipeline pickup %d not found", id)
	}
	return p, nil
}

func (s *DispatchService) getReleasePickup(ctx context.Context, id int64) (*store.ReleasePickup, error) {
	p, err := s.dispatchStore.ReadReleasePickupByID(ctx, id)
	if err != nil {
		return nil, wrapStoreError(err, "release pickup %d not found", id)
	}
	return p, nil
}

// AppendPickupLog records an agent reported line against the execution the
// pickup serves.
func (s *DispatchService) AppendPickupLog(
	ctx context.Context,
	kind store.PickupKind,
	pickupID int64,
	level store.LogLevel,
	message string,
) (*store.ExecutionLog, error) {
	if !level.Valid() {
		return nil, NewBadRequestError("invalid log level %q", level)
	}
	if strings.TrimSpace(message) == "" {
		return nil, NewBadRequestError("log message is required")
	}
	p, err := readOwnedPickup(ctx, s.dispatchStore, kind, pickupID)
	if err != nil {
		return nil, err
	}
	return s.logs.AppendLog(ctx, p.logRef(), level, message, store.LogSourceAgent)
}

func (s *DispatchService) GetPipelineExecution(
	ctx context.Context,
	id int64,
) (*store.PipelineExecution, error) {
	pe, err := s.dispatchStore.ReadPipelineExecutionByID(ctx, id)
	if err != nil {
		return nil, wrapStoreError(err, "pipeline execution %d not found", id)
	}
	return pe, nil
}

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
)

// ListPipelineExecutions returns the execution history of a pipeline, newest
// first. A zero limit returns the default page size.
func (s *DispatchService) ListPipelineExecutions(
	ctx context.Context,
	pipelineID, limit int64,
) ([]*store.PipelineExecution, error) {
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	if !util.InRange(limit, 1, maxHistoryLimit) {
		return nil, NewBadRequestError("limit must be between 1 and %d", maxHistoryLimit)
	}
	if _, err := s.dispatchStore.ReadPipelineByID(ctx, pipelineID); err != nil {
		return nil, wrapStoreError(err, "pipeline %d not found", pipelineID)
	}
	executions, err := s.dispatchStore.ListPipelineExecutions(ctx, pipelineID, limit)
	if err != nil {
		return nil, NewInternalError(err, "error listing executions of pipeline %d", pipelineID)
	}
	return executions, nil
}

func (s *DispatchService) GetReleaseExecution(
	ctx context.Context,
	id int64,
) (*store.ReleaseExecution, error) {
	re, err := s.dispatchStore.ReadReleaseExecutionByID(ctx, id)
	if err != nil {
		return nil, wrapStoreError(err, "release execution %d not found", id)
	}
	re.Stages, err = s.dispatchStore.ListStageExecutions(ctx, id)
	if err != nil {
		return nil, NewInternalError(err, "error listing stages of release execution %d", id)
	}
	return re, nil
}

func (s *DispatchService) GetStageExecution(
	ctx context.Context,
	id int64,
) (*store.StageExecution, error) {
	se, err := s.dispatchStore.ReadStageExecutionByID(ctx, id)
	if err != nil {
		return nil, wrapStoreError(err, "stage execution %d not found", id)
	}
	return se, nil
}

// ApproveStage resolves a pending approval and enqueues the deferred pickup
// for the stage.
func (s *DispatchService) ApproveStage(
	ctx context.Context,
	stageExecutionID int64,
	approver, comments string,
) (*store.StageExecution, *store.ReleasePickup, error) {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return nil, nil, NewBadRequestError("approver is required")
	}
	now := s.now()
	var (
		pickup *store.ReleasePickup
		logs   logBatch
	)
	err := s.dispatchStore.RunInTx(ctx, func(tx store.DispatchTx) error {
		se, re, err := readAwaitingStage(ctx, tx, stageExecutionID)
		if err != nil {
			return err
		}
		if re.Status.Terminal() {
			return NewConflictError(
				"release execution %d is already %s", re.ReleaseExecutionID, re.Status,
			)
		}
		stage, err := tx.ReadReleaseStageByID(ctx, se.StageID)
		if err != nil {
			return err
		}
		r, err := tx.ReadReleaseByID(ctx, re.ReleaseID)
		if err != nil {
			return err
		}
		agentID := resolveStageAgent(stage, re.AgentID, r.ReleaseAgentID)
		if agentID == nil {
			return NewBadRequestError("no agent for stage %s of release %s", stage.Name, r.Name)
		}
		agent, err := readAgent(ctx, tx, *agentID)
		if err != nil {
			return err
		}

		ok, err := tx.ApproveStageExecution(
			ctx, se.StageExecutionID, approver, util.NilIfBlank(comments), agent.AgentID, now,
		)
		if err != nil {
			return err
		}
		if !ok {
			return NewConflictError("stage execution %d is no longer awaiting approval", se.StageExecutionID)
		}
		pickup = &store.ReleasePickup{
			Pickup:             s.newPickup(agent, re.Priority, now),
			ReleaseExecutionID: re.ReleaseExecutionID,
			StageExecutionID:   se.StageExecutionID,
			Parameters:         re.Parameters,
		}
		if err := tx.CreateReleasePickup(ctx, pickup); err != nil {
			return err
		}
		logs.add(
			store.StageLogRef(se.StageExecutionID), store.LogInfo,
			"stage %s approved by %s, queued for agent %s", se.Name, approver, agent.Name,
		)
		return nil
	})
	if err != nil {
		return nil, nil, wrapStoreError(err, "error approving stage execution %d", stageExecutionID)
	}
	s.flushLogs(ctx, logs)
	se, err := s.GetStageExecution(ctx, stageExecutionID)
	if err != nil {
		return nil, nil, err
	}
	return se, pickup, nil
}

// RejectStage cancels an awaiting stage and fails its release execution.
func (s *DispatchService) RejectStage(
	ctx context.Context,
	stageExecutionID int64,
	approver, comments string,
) (*store.StageExecution, error) {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return nil, NewBadRequestError("approver is required")
	}
	now := s.now()
	var logs logBatch
	err := s.dispatchStore.RunInTx(ctx, func(tx store.DispatchTx) error {
		se, _, err := readAwaitingStage(ctx, tx, stageExecutionID)
		if err != nil {
			return err
		}
		ok, err := tx.RejectStageExecution(
			ctx, se.StageExecutionID, approver, util.NilIfBlank(comments), now,
		)
		if err != nil {
			return err
		}
		if !ok {
			return NewConflictError("stage execution %d is no longer awaiting approval", se.StageExecutionID)
		}

		if err := tx.LockReleaseExecution(ctx, se.ReleaseExecutionID); err != nil {
			return err
		}
		re, err := tx.ReadReleaseExecutionByID(ctx, se.ReleaseExecutionID)
		if err != nil {
			return err
		}
		if !re.Status.Terminal() {
			_, err := tx.CompleteReleaseExecution(
				ctx, re.ReleaseExecutionID, store.ExecutionFailed, now,
				store.DurationSeconds(re.StartedAt, now),
			)
			if err != nil {
				return err
			}
		}
		logs.add(
			store.StageLogRef(se.StageExecutionID), store.LogError,
			"stage %s rejected by %s", se.Name, approver,
		)
		return nil
	})
	if err != nil {
		return nil, wrapStoreError(err, "error rejecting stage execution %d", stageExecutionID)
	}
	s.flushLogs(ctx, logs)
	return s.GetStageExecution(ctx, stageExecutionID)
}

// readAwaitingStage loads a stage execution and its release execution,
// failing with Conflict unless the stage still waits on an approval decision.
func readAwaitingStage(
	ctx context.Context,
	tx store.DispatchTx,
	id int64,
) (*store.StageExecution, *store.ReleaseExecution, error) {
	se, err := tx.ReadStageExecutionByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, NewNotFoundError("stage execution %d not found", id)
	}
	if err != nil {
		return nil, nil, err
	}
	if se.ApprovalStatus != store.ApprovalPending || se.Status != store.StageAwaitingApproval {
		return nil, nil, NewConflictError(
			"stage execution %d is %s with approval %s", id, se.Status, se.ApprovalStatus,
		)
	}
	re, err := tx.ReadReleaseExecutionByID(ctx, se.ReleaseExecutionID)
	if err != nil {
		return nil, nil, err
	}
	return se, re, nil
}
