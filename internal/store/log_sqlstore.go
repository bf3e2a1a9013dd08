package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/georgysavva/scany/v2/sqlscan"
)

var ErrInvalidLogRef = errors.New("log line must reference exactly one execution")

type LogSQLStore struct {
	rdb, rwdb *sql.DB
}

func NewLogSQLStore(rdb, rwdb *sql.DB) *LogSQLStore {
	return &LogSQLStore{rdb, rwdb}
}

func (store *LogSQLStore) CreateExecutionLog(ctx context.Context, l *ExecutionLog) error {
	if !(LogRef{l.PipelineExecutionID, l.StageExecutionID}).Valid() {
		return ErrInvalidLogRef
	}
	query := `insert into execution_logs (
		pipeline_execution_id,
		stage_execution_id,
		level,
		message,
		source,
		created_at
	)
	values ($1, $2, $3, $4, $5, $6)
	returning log_id`
	return sqlscan.Get(
		ctx, store.rwdb, l, query,
		l.PipelineExecutionID,
		l.StageExecutionID,
		l.Level,
		l.Message,
		l.Source,
		l.CreatedAt,
	)
}

func (store *LogSQLStore) ListExecutionLogs(
	ctx context.Context,
	ref LogRef,
) ([]*ExecutionLog, error) {
	if !ref.Valid() {
		return nil, ErrInvalidLogRef
	}
	var (
		query string
		id    int64
	)
	if ref.PipelineExecutionID != nil {
		query = `select * from execution_logs where pipeline_execution_id = $1 order by log_id`
		id = *ref.PipelineExecutionID
	} else {
		query = `select * from execution_logs where stage_execution_id = $1 order by log_id`
		id = *ref.StageExecutionID
	}
	logs := make([]*ExecutionLog, 0)
	err := sqlscan.Select(ctx, store.rdb, &logs, query, id)
	return logs, err
}
