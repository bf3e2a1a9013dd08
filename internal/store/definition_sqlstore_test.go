package store

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
)

type definitionSQLStoreSuite struct {
	definitionStore *DefinitionSQLStore
	dispatchStore   *DispatchSQLStore
	agent           *Agent
	db              *sql.DB
	suite.Suite
}

func TestDefinitionSQLStore(t *testing.T) {
	suite.Run(t, new(definitionSQLStoreSuite))
}

func (suite *definitionSQLStoreSuite) SetupSuite() {
	suite.db = openTestDatabase()
	suite.definitionStore = NewDefinitionSQLStore(suite.db, suite.db)
	suite.dispatchStore = NewDispatchSQLStore(suite.db, suite.db)
	a, err := NewAgentSQLStore(suite.db, suite.db).CreateAgent(
		context.Background(), uuid.NewString(), "definitions agent", "", "", time.Now().UTC(),
	)
	suite.Require().NoError(err)
	suite.agent = a
}

func (suite *definitionSQLStoreSuite) TearDownSuite() {
	_ = suite.db.Close()
}

func (suite *definitionSQLStoreSuite) TestDefinitionSQLStore_ImportDefinitions() {
	suite.Run("success - definitions are created", func() {
		// arrange
		defs := &Definitions{
			Environments: []EnvironmentDefinition{
				{Name: "staging"},
				{Name: "production", RequiresApproval: true},
			},
			Pipelines: []PipelineDefinition{
				{Name: "build", Description: "build it", AgentUUID: suite.agent.UUID},
			},
			Releases: []ReleaseDefinition{
				{
					Name:      "web",
					AgentUUID: suite.agent.UUID,
					Stages: []StageDefinition{
						{Name: "prod", Environment: "production", OrderIndex: 2},
						{Name: "stage", Environment: "staging", OrderIndex: 1},
					},
				},
			},
		}

		// act
		summary, err := suite.definitionStore.ImportDefinitions(context.Background(), defs)
		pipelines, listErr := suite.definitionStore.ListPipelines(context.Background())
		releases, _ := suite.definitionStore.ListReleases(context.Background())

		// assert
		suite.NoError(err)
		suite.NoError(listErr)
		suite.Equal(&ImportSummary{Environments: 2, Pipelines: 1, Releases: 1, Stages: 2}, summary)
		idx := slices.IndexFunc(pipelines, func(p *Pipeline) bool { return p.Name == "build" })
		suite.Require().NotEqual(-1, idx)
		suite.Equal("main", pipelines[idx].Branch)
		suite.Equal(suite.agent.AgentID, *pipelines[idx].PipelineAgentID)

		idx = slices.IndexFunc(releases, func(r *Release) bool { return r.Name == "web" })
		suite.Require().NotEqual(-1, idx)
		var stages []*ReleaseStage
		err = suite.dispatchStore.RunInTx(context.Background(), func(tx DispatchTx) error {
			var err error
			stages, err = tx.ListReleaseStages(context.Background(), releases[idx].ReleaseID)
			return err
		})
		suite.NoError(err)
		suite.Len(stages, 2)
		suite.Equal("stage", stages[0].Name)
		suite.False(stages[0].Gated())
		suite.Equal("prod", stages[1].Name)
		suite.True(stages[1].Gated())
	})
	suite.Run("success - import is an upsert by name", func() {
		// arrange
		defs := &Definitions{
			Pipelines: []PipelineDefinition{
				{Name: "upserted", Branch: "develop"},
			},
		}
		_, err := suite.definitionStore.ImportDefinitions(context.Background(), defs)
		suite.Require().NoError(err)
		defs.Pipelines[0].Branch = "release"

		// act
		_, err = suite.definitionStore.ImportDefinitions(context.Background(), defs)
		pipelines, _ := suite.definitionStore.ListPipelines(context.Background())

		// assert
		suite.NoError(err)
		matches := slices.DeleteFunc(pipelines, func(p *Pipeline) bool { return p.Name != "upserted" })
		suite.Len(matches, 1)
		suite.Equal("release", matches[0].Branch)
		suite.Nil(matches[0].PipelineAgentID)
	})
	suite.Run("failure - unknown agent rolls back the import", func() {
		// arrange
		defs := &Definitions{
			Environments: []EnvironmentDefinition{{Name: "rolled-back"}},
			Pipelines: []PipelineDefinition{
				{Name: "orphan", AgentUUID: uuid.NewString()},
			},
		}

		// act
		summary, err := suite.definitionStore.ImportDefinitions(context.Background(), defs)
		pipelines, _ := suite.definitionStore.ListPipelines(context.Background())

		// assert
		suite.True(errors.Is(err, ErrUnknownAgent))
		suite.Nil(summary)
		suite.False(slices.ContainsFunc(pipelines, func(p *Pipeline) bool {
			return p.Name == "orphan"
		}))
	})
	suite.Run("failure - unknown environment", func() {
		// arrange
		defs := &Definitions{
			Releases: []ReleaseDefinition{
				{Name: "nowhere", Stages: []StageDefinition{{Name: "s", Environment: "missing"}}},
			},
		}

		// act
		_, err := suite.definitionStore.ImportDefinitions(context.Background(), defs)

		// assert
		suite.True(errors.Is(err, ErrUnknownEnvironment))
	})
}

func (suite *definitionSQLStoreSuite) TestDefinitionSQLStore_PipelineParametersAndSteps() {
	findPipeline := func(name string) *Pipeline {
		pipelines, err := suite.definitionStore.ListPipelines(context.Background())
		suite.Require().NoError(err)
		idx := slices.IndexFunc(pipelines, func(p *Pipeline) bool { return p.Name == name })
		suite.Require().NotEqual(-1, idx)
		return pipelines[idx]
	}
	defaultTarget := "linux"

	suite.Run("success - parameters and steps are stored in file order", func() {
		// arrange
		defs := &Definitions{
			Pipelines: []PipelineDefinition{{
				Name: "parameterised",
				Parameters: []ParameterDefinition{
					{
						Name:    "TARGET",
						Type:    ParameterChoice,
						Default: &defaultTarget,
						Choices: []string{"linux", "darwin"},
					},
					{Name: "VERSION", Required: true, Description: "semver tag"},
				},
				Steps: []StepDefinition{
					{Name: "test", Command: "make test"},
					{Name: "build", Command: "make build"},
				},
			}},
		}

		// act
		_, err := suite.definitionStore.ImportDefinitions(context.Background(), defs)
		p := findPipeline("parameterised")

		// assert
		suite.NoError(err)
		suite.Require().Len(p.Parameters, 2)
		suite.Equal("TARGET", p.Parameters[0].Name)
		suite.Equal(ParameterChoice, p.Parameters[0].Type)
		suite.Equal(ParameterChoices{"linux", "darwin"}, p.Parameters[0].Choices)
		suite.Equal("linux", *p.Parameters[0].DefaultValue)
		suite.Equal("VERSION", p.Parameters[1].Name)
		suite.Equal(ParameterString, p.Parameters[1].Type)
		suite.True(p.Parameters[1].Required)
		suite.Nil(p.Parameters[1].DefaultValue)
		suite.Empty(p.Parameters[1].Choices)
		suite.Require().Len(p.Steps, 2)
		suite.Equal("test", p.Steps[0].Name)
		suite.Equal("make build", p.Steps[1].Command)

		var defined []*PipelineParameter
		err = suite.dispatchStore.RunInTx(context.Background(), func(tx DispatchTx) error {
			var err error
			defined, err = tx.ListPipelineParameters(context.Background(), p.PipelineID)
			return err
		})
		suite.NoError(err)
		suite.Equal(p.Parameters, defined)
	})
	suite.Run("success - re-import replaces parameters and steps", func() {
		// arrange
		defs := &Definitions{
			Pipelines: []PipelineDefinition{{
				Name:       "parameterised",
				Parameters: []ParameterDefinition{{Name: "DEBUG", Type: ParameterBoolean}},
			}},
		}

		// act
		_, err := suite.definitionStore.ImportDefinitions(context.Background(), defs)
		p := findPipeline("parameterised")

		// assert
		suite.NoError(err)
		suite.Require().Len(p.Parameters, 1)
		suite.Equal("DEBUG", p.Parameters[0].Name)
		suite.Empty(p.Steps)
	})
}
