package store

import "time"

type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentBusy    AgentStatus = "busy"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentOnline, AgentOffline, AgentBusy:
		return true
	}
	return false
}

type Agent struct {
	AgentID     int64       `json:"agent_id"`
	UUID        string      `json:"uuid"`
	Name        string      `json:"name"`
	Location    string      `json:"location"`
	Description string      `json:"description"`
	Status      AgentStatus `json:"status"`
	CPU         int64       `json:"cpu"`
	Memory      int64       `json:"memory"`
	Jobs        int64       `json:"jobs"`
	LastSeen    *time.Time  `json:"last_seen"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`

	// Stale is computed from LastSeen when the agent is read.
	Stale bool `json:"stale" db:"-"`
}

type AgentMetrics struct {
	Status AgentStatus
	CPU    int64
	Memory int64
	Jobs   int64
}
