package store

import "context"

type LogStore interface {
	CreateExecutionLog(context.Context, *ExecutionLog) error
	ListExecutionLogs(context.Context, LogRef) ([]*ExecutionLog, error)
}
