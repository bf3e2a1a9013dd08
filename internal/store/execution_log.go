package store

import "time"

type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogInfo, LogSuccess, LogWarning, LogError:
		return true
	}
	return false
}

type LogSource string

const (
	LogSourceServer LogSource = "server"
	LogSourceAgent  LogSource = "agent"
)

// LogRef points a log line at exactly one pipeline execution or stage execution.
type LogRef struct {
	PipelineExecutionID *int64
	StageExecutionID    *int64
}

func PipelineLogRef(id int64) LogRef {
	return LogRef{PipelineExecutionID: &id}
}

func StageLogRef(id int64) LogRef {
	return LogRef{StageExecutionID: &id}
}

func (r LogRef) Valid() bool {
	return (r.PipelineExecutionID == nil) != (r.StageExecutionID == nil)
}

type ExecutionLog struct {
	LogID               int64     `json:"log_id"`
	PipelineExecutionID *int64    `json:"pipeline_execution_id"`
	StageExecutionID    *int64    `json:"stage_execution_id"`
	Level               LogLevel  `json:"level"`
	Message             string    `json:"message"`
	Source              LogSource `json:"source"`
	CreatedAt           time.Time `json:"created_at"`
}
