package store

type Environment struct {
	EnvironmentID    int64  `json:"environment_id"`
	Name             string `json:"name"`
	RequiresApproval bool   `json:"requires_approval"`
}

type Pipeline struct {
	PipelineID      int64  `json:"pipeline_id"`
	PipelineAgentID *int64 `json:"pipeline_agent_id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	Branch          string `json:"branch"`

	Parameters []*PipelineParameter `json:"parameters" db:"-"`
	Steps      []*PipelineStep      `json:"steps" db:"-"`
}

type Release struct {
	ReleaseID      int64  `json:"release_id"`
	ReleaseAgentID *int64 `json:"release_agent_id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
}

type ReleaseStage struct {
	StageID            int64  `json:"stage_id"`
	StageReleaseID     int64  `json:"stage_release_id"`
	StageEnvironmentID int64  `json:"stage_environment_id"`
	StageAgentID       *int64 `json:"stage_agent_id"`
	Name               string `json:"name"`
	OrderIndex         int64  `json:"order_index"`
	RequiresApproval   bool   `json:"requires_approval"`

	EnvironmentRequiresApproval bool `json:"environment_requires_approval"`
}

// Gated reports whether an execution of the stage must wait for approval.
func (rs *ReleaseStage) Gated() bool {
	return rs.RequiresApproval || rs.EnvironmentRequiresApproval
}

type Definitions struct {
	Environments []EnvironmentDefinition `yaml:"environments"`
	Pipelines    []PipelineDefinition    `yaml:"pipelines"`
	Releases     []ReleaseDefinition     `yaml:"releases"`
}

type EnvironmentDefinition struct {
	Name             string `yaml:"name"`
	RequiresApproval bool   `yaml:"requires_approval"`
}

type PipelineDefinition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Branch      string `yaml:"branch"`
	AgentUUID   string `yaml:"agent_uuid"`

	Parameters []ParameterDefinition `yaml:"parameters"`
	Steps      []StepDefinition      `yaml:"steps"`
}

type ReleaseDefinition struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	AgentUUID   string            `yaml:"agent_uuid"`
	Stages      []StageDefinition `yaml:"stages"`
}

type StageDefinition struct {
	Name             string `yaml:"name"`
	Environment      string `yaml:"environment"`
	OrderIndex       int64  `yaml:"order_index"`
	RequiresApproval bool   `yaml:"requires_approval"`
	AgentUUID        string `yaml:"agent_uuid"`
}
