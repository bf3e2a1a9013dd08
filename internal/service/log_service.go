package service

import (
	"context"
	"strings"
	"time"

	"github.com/haatos/simple-dispatch/internal/store"
)

type LogService struct {
	logStore store.LogStore
	now      func() time.Time
}

func NewLogService(logStore store.LogStore) *LogService {
	return &LogService{
		logStore: logStore,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *LogService) AppendLog(
	ctx context.Context,
	ref store.LogRef,
	level store.LogLevel,
	message string,
	source store.LogSource,
) (*store.ExecutionLog, error) {
	if !ref.Valid() {
		return nil, NewBadRequestError("log line must reference exactly one execution")
	}
	if !level.Valid() {
		return nil, NewBadRequestError("invalid log level %q", level)
	}
	message = strings.TrimRight(message, "\r\n")
	if message == "" {
		return nil, NewBadRequestError("log message is required")
	}
	l := &store.ExecutionLog{
		PipelineExecutionID: ref.PipelineExecutionID,
		StageExecutionID:    ref.StageExecutionID,
		Level:               level,
		Message:             message,
		Source:              source,
		CreatedAt:           s.now(),
	}
	if err := s.logStore.CreateExecutionLog(ctx, l); err != nil {
		if store.IsForeignKeyConstraintError(err) {
			return nil, NewNotFoundError("execution referenced by log line not found")
		}
		return nil, NewInternalError(err, "error appending log line")
	}
	return l, nil
}

func (s *LogService) ListPipelineExecutionLogs(
	ctx context.Context,
	pipelineExecutionID int64,
) ([]*store.ExecutionLog, error) {
	logs, err := s.logStore.ListExecutionLogs(ctx, store.PipelineLogRef(pipelineExecutionID))
	if err != nil {
		return nil, NewInternalError(err, "error listing logs of pipeline execution %d", pipelineExecutionID)
	}
	return logs, nil
}

func (s *LogService) ListStageExecutionLogs(
	ctx context.Context,
	stageExecutionID int64,
) ([]*store.ExecutionLog, error) {
	logs, err := s.logStore.ListExecutionLogs(ctx, store.StageLogRef(stageExecutionID))
	if err != nil {
		return nil, NewInternalError(err, "error listing logs of stage execution %d", stageExecutionID)
	}
	return logs, nil
}
