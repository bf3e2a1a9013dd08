package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/haatos/simple-dispatch/internal/settings"
	"github.com/haatos/simple-dispatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type dispatchFixture struct {
	db          *sql.DB
	clock       *testClock
	dispatch    *DispatchService
	logs        *LogService
	agents      *AgentService
	definitions *DefinitionService
}

func openTestDatabase(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	require.NoError(t, err)
	require.NoError(t, store.RunMigrations(
		context.Background(), db, settings.DriverSQLite, zap.NewNop(),
	))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// openFileDatabases opens the read-write and read-only pools the server uses
// over a migrated sqlite file.
func openFileDatabases(t *testing.T) (*sql.DB, *sql.DB) {
	t.Helper()
	s := &settings.AppSettings{
		DBDriver: settings.DriverSQLite,
		DBPath:   "file:" + filepath.Join(t.TempDir(), "dispatch.sqlite"),
	}
	rwdb, err := store.InitDatabase(s, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rwdb.Close() })
	require.NoError(t, store.RunMigrations(
		context.Background(), rwdb, settings.DriverSQLite, zap.NewNop(),
	))
	rdb, err := store.InitDatabase(s, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return rwdb, rdb
}

func newDispatchFixture(t *testing.T, db *sql.DB, rdb *sql.DB) *dispatchFixture {
	t.Helper()
	if rdb == nil {
		rdb = db
	}
	clock := newTestClock()
	logService := NewLogService(store.NewLogSQLStore(rdb, db))
	logService.now = clock.Now
	dispatchService := NewDispatchService(
		store.NewDispatchSQLStore(rdb, db),
		logService,
		DispatchOptions{DefaultPriority: 5, DefaultMaxRetries: 2},
		zap.NewNop(),
	)
	dispatchService.now = clock.Now
	agentService := NewAgentService(store.NewAgentSQLStore(rdb, db), time.Minute, zap.NewNop())
	agentService.now = clock.Now
	return &dispatchFixture{
		db:          db,
		clock:       clock,
		dispatch:    dispatchService,
		logs:        logService,
		agents:      agentService,
		definitions: NewDefinitionService(store.NewDefinitionSQLStore(rdb, db), zap.NewNop()),
	}
}

func (f *dispatchFixture) registerAgent(t *testing.T, name string) *store.Agent {
	t.Helper()
	a, err := f.agents.RegisterAgent(context.Background(), uuid.NewString(), name, "", "")
	require.NoError(t, err)
	return a
}

func (f *dispatchFixture) importDefinitions(t *testing.T, doc string) {
	t.Helper()
	_, err := f.definitions.ImportDefinitions(context.Background(), strings.NewReader(doc))
	require.NoError(t, err)
}

func (f *dispatchFixture) pipelineID(t *testing.T, name string) int64 {
	t.Helper()
	pipelines, err := f.definitions.ListPipelines(context.Background())
	require.NoError(t, err)
	for _, p := range pipelines {
		if p.Name == name {
			return p.PipelineID
		}
	}
	t.Fatalf("pipeline %s not found", name)
	return 0
}

func (f *dispatchFixture) releaseID(t *testing.T, name string) int64 {
	t.Helper()
	releases, err := f.definitions.ListReleases(context.Background())
	require.NoError(t, err)
	for _, r := range releases {
		if r.Name == name {
			return r.ReleaseID
		}
	}
	t.Fatalf("release %s not found", name)
	return 0
}

// stagePickups returns the release pickups visible to agent for one stage execution.
func (f *dispatchFixture) stagePickups(
	t *testing.T,
	agent *store.Agent,
	stageExecutionID int64,
) []*store.ReleasePickup {
	t.Helper()
	pickups, err := f.dispatch.PollReleasePickups(context.Background(), agent.UUID)
	require.NoError(t, err)
	var matched []*store.ReleasePickup
	for _, p := range pickups {
		if p.StageExecutionID == stageExecutionID {
			matched = append(matched, p)
		}
	}
	return matched
}

func (f *dispatchFixture) triggerPipeline(t *testing.T, agent *store.Agent) *store.PipelinePickup {
	t.Helper()
	name := "pipeline-" + uuid.NewString()[:8]
	f.importDefinitions(t, fmt.Sprintf(`
pipelines:
  - name: %s
    agent_uuid: %s
`, name, agent.UUID))
	_, pickup, err := f.dispatch.TriggerPipeline(context.Background(), TriggerPipelineRequest{
		PipelineID:  f.pipelineID(t, name),
		TriggeredBy: "tester",
	})
	require.NoError(t, err)
	return pickup
}

// importStagedRelease defines a release with one ungated stage per name,
// all bound to agent.
func (f *dispatchFixture) importStagedRelease(t *testing.T, agent *store.Agent, stages int) int64 {
	t.Helper()
	name := "release-" + uuid.NewString()[:8]
	var b strings.Builder
	fmt.Fprintf(&b, "environments:\n  - name: env-%s\nreleases:\n  - name: %s\n    agent_uuid: %s\n    stages:\n",
		name, name, agent.UUID)
	for i := range stages {
		fmt.Fprintf(&b, "      - name: stage-%d\n        environment: env-%s\n        order_index: %d\n", i, name, i)
	}
	f.importDefinitions(t, b.String())
	return f.releaseID(t, name)
}

func TestDispatchService_TriggerPipeline(t *testing.T) {
	t.Run("success - execution running with one pickup for the default agent", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		agent := f.registerAgent(t, "builder")
		f.importDefinitions(t, fmt.Sprintf(`
pipelines:
  - name: build
    agent_uuid: %s
`, agent.UUID))

		// act
		pe, pickup, err := f.dispatch.TriggerPipeline(context.Background(), TriggerPipelineRequest{
			PipelineID:  f.pipelineID(t, "build"),
			Parameters:  map[string]string{"BRANCH": "main"},
			TriggeredBy: "alice",
		})

		// assert
		require.NoError(t, err)
		assert.Equal(t, store.ExecutionRunning, pe.Status)
		assert.Equal(t, "alice", pe.TriggeredBy)
		assert.Equal(t, store.PickupPending, pickup.Status)
		assert.Equal(t, agent.UUID, pickup.AgentUUID)
		assert.Equal(t, agent.Name, pickup.AgentName)
		assert.Equal(t, int64(5), pickup.Priority)
		assert.Equal(t, int64(2), pickup.MaxRetries)

		polled, err := f.dispatch.PollPipelinePickups(context.Background(), agent.UUID)
		require.NoError(t, err)
		require.Len(t, polled, 1)
		assert.Equal(t, map[string]string{"BRANCH": "main"}, polled[0].Parameters)

		logs, err := f.logs.ListPipelineExecutionLogs(context.Background(), pe.PipelineExecutionID)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, store.LogSourceServer, logs[0].Source)
		assert.Contains(t, logs[0].Message, "triggered by alice")
	})
	t.Run("success - request agent overrides the default", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		defaultAgent := f.registerAgent(t, "default")
		override := f.registerAgent(t, "override")
		f.importDefinitions(t, fmt.Sprintf(`
pipelines:
  - name: build
    agent_uuid: %s
`, defaultAgent.UUID))
		priority := int64(1)

		// act
		_, pickup, err := f.dispatch.TriggerPipeline(context.Background(), TriggerPipelineRequest{
			PipelineID: f.pipelineID(t, "build"),
			AgentID:    &override.AgentID,
			Priority:   &priority,
		})

		// assert
		require.NoError(t, err)
		assert.Equal(t, override.UUID, pickup.AgentUUID)
		assert.Equal(t, priority, pickup.Priority)
	})
	t.Run("failure - no agent anywhere", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		f.importDefinitions(t, "pipelines:\n  - name: orphan\n")

		// act
		_, _, err := f.dispatch.TriggerPipeline(context.Background(), TriggerPipelineRequest{
			PipelineID: f.pipelineID(t, "orphan"),
		})

		// assert
		assert.True(t, errors.Is(err, ErrBadRequest))
	})
	t.Run("failure - unknown pipeline and unknown agent", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		f.importDefinitions(t, "pipelines:\n  - name: orphan\n")
		missingAgent := int64(4242)

		// act
		_, _, pipelineErr := f.dispatch.TriggerPipeline(context.Background(), TriggerPipelineRequest{
			PipelineID: 999,
		})
		_, _, agentErr := f.dispatch.TriggerPipeline(context.Background(), TriggerPipelineRequest{
			PipelineID: f.pipelineID(t, "orphan"),
			AgentID:    &missingAgent,
		})

		// assert
		assert.True(t, errors.Is(pipelineErr, ErrNotFound))
		assert.True(t, errors.Is(agentErr, ErrNotFound))
	})
}

const parameterisedPipeline = `
pipelines:
  - name: deploy
    agent_uuid: %s
    parameters:
      - name: REGION
        type: choice
        choices: ["eu", "us"]
        default: "eu"
      - name: VERSION
        required: true
      - name: DRY_RUN
        type: boolean
`

func TestDispatchService_TriggerPipelineParameters(t *testing.T) {
	t.Run("success - defaults merged into the stored parameters", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		agent := f.registerAgent(t, "deployer")
		f.importDefinitions(t, fmt.Sprintf(parameterisedPipeline, agent.UUID))

		// act
		pe, pickup, err := f.dispatch.TriggerPipeline(context.Background(), TriggerPipelineRequest{
			PipelineID: f.pipelineID(t, "deploy"),
			Parameters: map[string]string{"VERSION": "1.4.0"},
		})

		// assert
		require.NoError(t, err)
		expected := map[string]string{"REGION": "eu", "VERSION": "1.4.0"}
		assert.Equal(t, expected, pe.Parameters)
		assert.Equal(t, expected, pickup.Parameters)
		stored, err := f.dispatch.GetPipelineExecution(context.Background(), pe.PipelineExecutionID)
		require.NoError(t, err)
		assert.Equal(t, expected, stored.Parameters)
	})
	t.Run("failure - missing required or invalid values", func(t *testing.T) {
		for _, params := range []map[string]string{
			nil,
			{"VERSION": "1", "REGION": "asia"},
			{"VERSION": "1", "DRY_RUN": "perhaps"},
		} {
			// arrange
			f := newDispatchFixture(t, openTestDatabase(t), nil)
			agent := f.registerAgent(t, "deployer")
			f.importDefinitions(t, fmt.Sprintf(parameterisedPipeline, agent.UUID))
			pipelineID := f.pipelineID(t, "deploy")

			// act
			_, _, err := f.dispatch.TriggerPipeline(context.Background(), TriggerPipelineRequest{
				PipelineID: pipelineID,
				Parameters: params,
			})

			// assert
			assert.True(t, errors.Is(err, ErrBadRequest), "params %v: got %v", params, err)
			history, err := f.dispatch.ListPipelineExecutions(context.Background(), pipelineID, 0)
			require.NoError(t, err)
			assert.Empty(t, history)
			polled, err := f.dispatch.PollPipelinePickups(context.Background(), agent.UUID)
			require.NoError(t, err)
			assert.Empty(t, polled)
		}
	})
}

func TestDispatchService_ListPipelineExecutions(t *testing.T) {
	t.Run("success - newest first with parameters and limit", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		agent := f.registerAgent(t, "builder")
		f.importDefinitions(t, fmt.Sprintf("pipelines:\n  - name: build\n    agent_uuid: %s\n", agent.UUID))
		pipelineID := f.pipelineID(t, "build")
		var ids []int64
		for i := range 3 {
			f.clock.Advance(time.Minute)
			pe, _, err := f.dispatch.TriggerPipeline(context.Background(), TriggerPipelineRequest{
				PipelineID: pipelineID,
				Parameters: map[string]string{"RUN": fmt.Sprint(i)},
			})
			require.NoError(t, err)
			ids = append(ids, pe.PipelineExecutionID)
		}

		// act
		all, err := f.dispatch.ListPipelineExecutions(context.Background(), pipelineID, 0)
		require.NoError(t, err)
		limited, err := f.dispatch.ListPipelineExecutions(context.Background(), pipelineID, 2)
		require.NoError(t, err)

		// assert
		require.Len(t, all, 3)
		assert.Equal(t, ids[2], all[0].PipelineExecutionID)
		assert.Equal(t, ids[0], all[2].PipelineExecutionID)
		assert.Equal(t, map[string]string{"RUN": "2"}, all[0].Parameters)
		require.Len(t, limited, 2)
		assert.Equal(t, ids[2], limited[0].PipelineExecutionID)
		assert.Equal(t, ids[1], limited[1].PipelineExecutionID)
	})
	t.Run("failure - unknown pipeline and bad limit", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		f.importDefinitions(t, "pipelines:\n  - name: build\n")

		// act
		_, notFound := f.dispatch.ListPipelineExecutions(context.Background(), 999, 10)
		_, negative := f.dispatch.ListPipelineExecutions(context.Background(), f.pipelineID(t, "build"), -1)
		_, tooMany := f.dispatch.ListPipelineExecutions(context.Background(), f.pipelineID(t, "build"), 1000)

		// assert
		assert.True(t, errors.Is(notFound, ErrNotFound))
		assert.True(t, errors.Is(negative, ErrBadRequest))
		assert.True(t, errors.Is(tooMany, ErrBadRequest))
	})
}

func TestDispatchService_PickupStateMachine(t *testing.T) {
	t.Run("success - round trip computes duration from the execution start", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		agent := f.registerAgent(t, "builder")
		pickup := f.triggerPipeline(t, agent)
		ctx := context.Background()

		// act
		f.clock.Advance(2 * time.Second)
		acked, ackErr := f.dispatch.AcknowledgePipelinePickup(ctx, pickup.PickupID)
		f.clock.Advance(3 * time.Second)
		_, startErr := f.dispatch.StartPipelinePickup(ctx, pickup.PickupID)
		f.clock.Advance(40 * time.Second)
		done, completeErr := f.dispatch.CompletePipelinePickup(ctx, pickup.PickupID, true, "")

		// assert
		require.NoError(t, ackErr)
		require.NoError(t, startErr)
		require.NoError(t, completeErr)
		assert.Equal(t, store.PickupPickedUp, acked.Status)
		assert.Equal(t, store.PickupCompleted, done.Status)
		assert.Nil(t, done.ErrorMessage)

		pe, err := f.dispatch.GetPipelineExecution(ctx, pickup.PipelineExecutionID)
		require.NoError(t, err)
		assert.Equal(t, store.ExecutionSucceeded, pe.Status)
		require.NotNil(t, pe.CompletedAt)
		require.NotNil(t, pe.DurationSeconds)
		assert.Equal(t, int64(pe.CompletedAt.Sub(pe.StartedAt)/time.Second), *pe.DurationSeconds)
		assert.Equal(t, int64(45), *pe.DurationSeconds)

		polled, err := f.dispatch.PollPipelinePickups(ctx, agent.UUID)
		require.NoError(t, err)
		assert.Empty(t, polled)
	})
	t.Run("success - failure keeps the error message", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		agent := f.registerAgent(t, "builder")
		pickup := f.triggerPipeline(t, agent)
		ctx := context.Background()
		_, err := f.dispatch.AcknowledgePipelinePickup(ctx, pickup.PickupID)
		require.NoError(t, err)
		_, err = f.dispatch.StartPipelinePickup(ctx, pickup.PickupID)
		require.NoError(t, err)

		// act
		done, err := f.dispatch.CompletePipelinePickup(ctx, pickup.PickupID, false, "exit status 2")

		// assert
		require.NoError(t, err)
		assert.Equal(t, store.PickupFailed, done.Status)
		assert.Equal(t, "exit status 2", *done.ErrorMessage)
		pe, _ := f.dispatch.GetPipelineExecution(ctx, pickup.PipelineExecutionID)
		assert.Equal(t, store.ExecutionFailed, pe.Status)
	})
	t.Run("failure - out of order transitions conflict", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		agent := f.registerAgent(t, "builder")
		pickup := f.triggerPipeline(t, agent)
		ctx := context.Background()

		// act
		_, completeEarly := f.dispatch.CompletePipelinePickup(ctx, pickup.PickupID, true, "")
		_, startEarly := f.dispatch.StartPipelinePickup(ctx, pickup.PickupID)
		_, firstAck := f.dispatch.AcknowledgePipelinePickup(ctx, pickup.PickupID)
		_, secondAck := f.dispatch.AcknowledgePipelinePickup(ctx, pickup.PickupID)

		// assert
		assert.True(t, errors.Is(completeEarly, ErrConflict))
		assert.True(t, errors.Is(startEarly, ErrConflict))
		assert.NoError(t, firstAck)
		assert.True(t, errors.Is(secondAck, ErrConflict))
		pe, _ := f.dispatch.GetPipelineExecution(ctx, pickup.PipelineExecutionID)
		assert.Equal(t, store.ExecutionRunning, pe.Status)
	})
	t.Run("failure - cancelled pickups absorb every transition", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		agent := f.registerAgent(t, "builder")
		pickup := f.triggerPipeline(t, agent)
		ctx := context.Background()
		cancelled, err := f.dispatch.CancelPipelinePickup(ctx, pickup.PickupID, "superseded")
		require.NoError(t, err)

		// act
		_, ackErr := f.dispatch.AcknowledgePipelinePickup(ctx, pickup.PickupID)
		_, startErr := f.dispatch.StartPipelinePickup(ctx, pickup.PickupID)
		_, completeErr := f.dispatch.CompletePipelinePickup(ctx, pickup.PickupID, true, "")
		_, cancelErr := f.dispatch.CancelPipelinePickup(ctx, pickup.PickupID, "")

		// assert
		assert.Equal(t, store.PickupCancelled, cancelled.Status)
		assert.Equal(t, "superseded", *cancelled.ErrorMessage)
		for _, err := range []error{ackErr, startErr, completeErr, cancelErr} {
			assert.True(t, errors.Is(err, ErrConflict), "got %v", err)
		}
		pe, _ := f.dispatch.GetPipelineExecution(ctx, pickup.PipelineExecutionID)
		assert.Equal(t, store.ExecutionCancelled, pe.Status)
	})
	t.Run("failure - in progress pickups cannot be cancelled", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		agent := f.registerAgent(t, "builder")
		pickup := f.triggerPipeline(t, agent)
		ctx := context.Background()
		_, err := f.dispatch.AcknowledgePipelinePickup(ctx, pickup.PickupID)
		require.NoError(t, err)
		_, err = f.dispatch.StartPipelinePickup(ctx, pickup.PickupID)
		require.NoError(t, err)

		// act
		_, err = f.dispatch.CancelPipelinePickup(ctx, pickup.PickupID, "stop")

		// assert
		assert.True(t, errors.Is(err, ErrConflict))
	})
	t.Run("failure - unknown pickup", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)

		// act
		_, pipelineErr := f.dispatch.AcknowledgePipelinePickup(context.Background(), 31337)
		_, releaseErr := f.dispatch.StartReleasePickup(context.Background(), 31337)

		// assert
		assert.True(t, errors.Is(pipelineErr, ErrNotFound))
		assert.True(t, errors.Is(releaseErr, ErrNotFound))
	})
}

func TestDispatchService_PollPickups(t *testing.T) {
	t.Run("success - polls never leak other agents or terminal pickups", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		ctx := context.Background()
		mine := f.registerAgent(t, "mine")
		theirs := f.registerAgent(t, "theirs")
		open := f.triggerPipeline(t, mine)
		acked := f.triggerPipeline(t, mine)
		_, err := f.dispatch.AcknowledgePipelinePickup(ctx, acked.PickupID)
		require.NoError(t, err)
		cancelled := f.triggerPipeline(t, mine)
		_, err = f.dispatch.CancelPipelinePickup(ctx, cancelled.PickupID, "")
		require.NoError(t, err)
		finished := f.triggerPipeline(t, mine)
		_, err = f.dispatch.AcknowledgePipelinePickup(ctx, finished.PickupID)
		require.NoError(t, err)
		_, err = f.dispatch.StartPipelinePickup(ctx, finished.PickupID)
		require.NoError(t, err)
		_, err = f.dispatch.CompletePipelinePickup(ctx, finished.PickupID, false, "boom")
		require.NoError(t, err)
		f.triggerPipeline(t, theirs)

		// act
		pickups, err := f.dispatch.PollPipelinePickups(ctx, mine.UUID)

		// assert
		require.NoError(t, err)
		ids := make([]int64, 0, len(pickups))
		for _, p := range pickups {
			assert.Equal(t, mine.UUID, p.AgentUUID)
			assert.False(t, p.Status.Terminal())
			ids = append(ids, p.PickupID)
		}
		assert.ElementsMatch(t, []int64{open.PickupID, acked.PickupID}, ids)
	})
	t.Run("success - unknown agent sees an empty queue", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)

		// act
		pickups, err := f.dispatch.PollReleasePickups(context.Background(), uuid.NewString())

		// assert
		assert.NoError(t, err)
		assert.Empty(t, pickups)
	})
	t.Run("success - poll limit caps the result", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		f.dispatch.opts.PollLimit = 1
		agent := f.registerAgent(t, "builder")
		first := f.triggerPipeline(t, agent)
		f.clock.Advance(time.Second)
		f.triggerPipeline(t, agent)

		// act
		pickups, err := f.dispatch.PollPipelinePickups(context.Background(), agent.UUID)

		// assert
		require.NoError(t, err)
		require.Len(t, pickups, 1)
		assert.Equal(t, first.PickupID, pickups[0].PickupID)
	})
	t.Run("failure - empty agent uuid", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)

		// act
		_, err := f.dispatch.PollPipelinePickups(context.Background(), " ")

		// assert
		assert.True(t, errors.Is(err, ErrBadRequest))
	})
}

func TestDispatchService_TriggerRelease(t *testing.T) {
	t.Run("success - three ungated stages yield three bound pickups", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		stageAgent := f.registerAgent(t, "stage agent")
		requestAgent := f.registerAgent(t, "request agent")
		releaseAgent := f.registerAgent(t, "release agent")
		f.importDefinitions(t, fmt.Sprintf(`
environments:
  - name: dev
  - name: qa
  - name: uat
releases:
  - name: web
    agent_uuid: %s
    stages:
      - name: dev
        environment: dev
        order_index: 0
        agent_uuid: %s
      - name: qa
        environment: qa
        order_index: 1
      - name: uat
        environment: uat
        order_index: 2
`, releaseAgent.UUID, stageAgent.UUID))

		// act
		re, pickups, err := f.dispatch.TriggerRelease(context.Background(), TriggerReleaseRequest{
			ReleaseID:   f.releaseID(t, "web"),
			AgentID:     &requestAgent.AgentID,
			Parameters:  map[string]string{"TAG": "v1"},
			TriggeredBy: "bob",
		})

		// assert
		require.NoError(t, err)
		assert.Equal(t, store.ExecutionRunning, re.Status)
		require.Len(t, re.Stages, 3)
		require.Len(t, pickups, 3)
		for i, se := range re.Stages {
			assert.Equal(t, store.StagePending, se.Status)
			assert.Equal(t, store.ApprovalNotRequired, se.ApprovalStatus)
			assert.Equal(t, se.StageExecutionID, pickups[i].StageExecutionID)
		}
		assert.Equal(t, stageAgent.UUID, pickups[0].AgentUUID)
		assert.Equal(t, requestAgent.UUID, pickups[1].AgentUUID)
		assert.Equal(t, requestAgent.UUID, pickups[2].AgentUUID)
		assert.Len(t, f.stagePickups(t, stageAgent, re.Stages[0].StageExecutionID), 1)
		assert.Len(t, f.stagePickups(t, requestAgent, re.Stages[1].StageExecutionID), 1)
		assert.Len(t, f.stagePickups(t, requestAgent, re.Stages[2].StageExecutionID), 1)
	})
	t.Run("success - release agent is the last fallback", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		releaseAgent := f.registerAgent(t, "release agent")
		releaseID := f.importStagedRelease(t, releaseAgent, 2)

		// act
		_, pickups, err := f.dispatch.TriggerRelease(context.Background(), TriggerReleaseRequest{
			ReleaseID: releaseID,
		})

		// assert
		require.NoError(t, err)
		require.Len(t, pickups, 2)
		for _, p := range pickups {
			assert.Equal(t, releaseAgent.UUID, p.AgentUUID)
		}
	})
	t.Run("success - gated stage waits for approval", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		agent := f.registerAgent(t, "deployer")
		f.importDefinitions(t, fmt.Sprintf(`
environments:
  - name: dev
  - name: prod
    requires_approval: true
releases:
  - name: api
    agent_uuid: %[1]s
    stages:
      - name: one
        environment: dev
        order_index: 1
      - name: two
        environment: prod
        order_index: 2
      - name: three
        environment: dev
        order_index: 3
`, agent.UUID))
		ctx := context.Background()

		// act
		re, pickups, err := f.dispatch.TriggerRelease(ctx, TriggerReleaseRequest{
			ReleaseID: f.releaseID(t, "api"),
		})

		// assert
		require.NoError(t, err)
		require.Len(t, re.Stages, 3)
		assert.Len(t, pickups, 2)
		gated := re.Stages[1]
		assert.Equal(t, store.StageAwaitingApproval, gated.Status)
		assert.Equal(t, store.ApprovalPending, gated.ApprovalStatus)
		assert.Nil(t, gated.AgentID)
		assert.Empty(t, f.stagePickups(t, agent, gated.StageExecutionID))
		assert.Len(t, f.stagePickups(t, agent, re.Stages[0].StageExecutionID), 1)
		assert.Len(t, f.stagePickups(t, agent, re.Stages[2].StageExecutionID), 1)

		// act
		se, pickup, err := f.dispatch.ApproveStage(ctx, gated.StageExecutionID, "carol", "go")

		// assert
		require.NoError(t, err)
		assert.Equal(t, store.StagePending, se.Status)
		assert.Equal(t, store.ApprovalApproved, se.ApprovalStatus)
		assert.Equal(t, "carol", *se.ApprovedBy)
		assert.Equal(t, "go", *se.ApprovalComments)
		assert.Equal(t, gated.StageExecutionID, pickup.StageExecutionID)
		assert.Len(t, f.stagePickups(t, agent, gated.StageExecutionID), 1)

		// act
		_, _, again := f.dispatch.ApproveStage(ctx, gated.StageExecutionID, "carol", "")
		_, rejectAfter := f.dispatch.RejectStage(ctx, gated.StageExecutionID, "dave", "")

		// assert
		assert.True(t, errors.Is(again, ErrConflict))
		assert.True(t, errors.Is(rejectAfter, ErrConflict))
		assert.Len(t, f.stagePickups(t, agent, gated.StageExecutionID), 1)
	})
	t.Run("failure - stage without any agent rolls back the trigger", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		agent := f.registerAgent(t, "deployer")
		f.importDefinitions(t, fmt.Sprintf(`
environments:
  - name: dev
releases:
  - name: partial
    stages:
      - name: bound
        environment: dev
        order_index: 0
        agent_uuid: %s
      - name: unbound
        environment: dev
        order_index: 1
`, agent.UUID))

		// act
		re, pickups, err := f.dispatch.TriggerRelease(context.Background(), TriggerReleaseRequest{
			ReleaseID: f.releaseID(t, "partial"),
		})

		// assert
		assert.True(t, errors.Is(err, ErrBadRequest))
		assert.Nil(t, re)
		assert.Nil(t, pickups)
		polled, err := f.dispatch.PollReleasePickups(context.Background(), agent.UUID)
		require.NoError(t, err)
		assert.Empty(t, polled)
		var n int
		require.NoError(t, f.db.QueryRow(`select count(*) from release_executions`).Scan(&n))
		assert.Equal(t, 0, n)
	})
	t.Run("failure - release without stages", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		f.importDefinitions(t, "releases:\n  - name: empty\n")

		// act
		_, _, err := f.dispatch.TriggerRelease(context.Background(), TriggerReleaseRequest{
			ReleaseID: f.releaseID(t, "empty"),
		})

		// assert
		assert.True(t, errors.Is(err, ErrBadRequest))
	})
	t.Run("failure - unknown release", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)

		// act
		_, _, err := f.dispatch.TriggerRelease(context.Background(), TriggerReleaseRequest{
			ReleaseID: 77,
		})

		// assert
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestDispatchService_RejectStage(t *testing.T) {
	t.Run("success - rejection cancels the stage and fails the release", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		agent := f.registerAgent(t, "deployer")
		f.importDefinitions(t, fmt.Sprintf(`
environments:
  - name: dev
  - name: prod
releases:
  - name: api
    agent_uuid: %s
    stages:
      - name: dev
        environment: dev
        order_index: 0
      - name: prod
        environment: prod
        order_index: 1
        requires_approval: true
`, agent.UUID))
		ctx := context.Background()
		re, pickups, err := f.dispatch.TriggerRelease(ctx, TriggerReleaseRequest{
			ReleaseID: f.releaseID(t, "api"),
		})
		require.NoError(t, err)
		_, err = f.dispatch.AcknowledgeReleasePickup(ctx, pickups[0].PickupID)
		require.NoError(t, err)
		f.clock.Advance(time.Minute)

		// act
		se, err := f.dispatch.RejectStage(ctx, re.Stages[1].StageExecutionID, "erin", "not today")

		// assert
		require.NoError(t, err)
		assert.Equal(t, store.StageCancelled, se.Status)
		assert.Equal(t, store.ApprovalRejected, se.ApprovalStatus)
		assert.Equal(t, "not today", *se.ApprovalComments)
		assert.Empty(t, f.stagePickups(t, agent, se.StageExecutionID))

		got, err := f.dispatch.GetReleaseExecution(ctx, re.ReleaseExecutionID)
		require.NoError(t, err)
		assert.Equal(t, store.ExecutionFailed, got.Status)
		require.NotNil(t, got.CompletedAt)
		assert.Equal(t, int64(60), *got.DurationSeconds)
		assert.Equal(t, store.StagePending, got.Stages[0].Status)

		// act
		_, _, approveErr := f.dispatch.ApproveStage(ctx, se.StageExecutionID, "erin", "")

		// assert
		assert.True(t, errors.Is(approveErr, ErrConflict))
	})
	t.Run("failure - approval on a finished release conflicts", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		agent := f.registerAgent(t, "deployer")
		f.importDefinitions(t, fmt.Sprintf(`
environments:
  - name: gate
    requires_approval: true
releases:
  - name: twin
    agent_uuid: %s
    stages:
      - name: a
        environment: gate
      - name: b
        environment: gate
`, agent.UUID))
		ctx := context.Background()
		re, _, err := f.dispatch.TriggerRelease(ctx, TriggerReleaseRequest{
			ReleaseID: f.releaseID(t, "twin"),
		})
		require.NoError(t, err)
		_, err = f.dispatch.RejectStage(ctx, re.Stages[0].StageExecutionID, "erin", "")
		require.NoError(t, err)

		// act
		_, _, err = f.dispatch.ApproveStage(ctx, re.Stages[1].StageExecutionID, "erin", "")

		// assert
		assert.True(t, errors.Is(err, ErrConflict))
		assert.Empty(t, f.stagePickups(t, agent, re.Stages[1].StageExecutionID))
	})
	t.Run("failure - validation", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)

		// act
		_, missingApprover := f.dispatch.RejectStage(context.Background(), 1, " ", "")
		_, missingStage := f.dispatch.RejectStage(context.Background(), 404, "erin", "")
		_, _, missingApprove := f.dispatch.ApproveStage(context.Background(), 404, "erin", "")

		// assert
		assert.True(t, errors.Is(missingApprover, ErrBadRequest))
		assert.True(t, errors.Is(missingStage, ErrNotFound))
		assert.True(t, errors.Is(missingApprove, ErrNotFound))
	})
}

func TestDispatchService_ReleaseAggregation(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		for _, withFailure := range []bool{false, true} {
			name := fmt.Sprintf("success - %d stages, failure=%t", n, withFailure)
			t.Run(name, func(t *testing.T) {
				// arrange
				f := newDispatchFixture(t, openTestDatabase(t), nil)
				agent := f.registerAgent(t, "deployer")
				releaseID := f.importStagedRelease(t, agent, n)
				ctx := context.Background()
				re, pickups, err := f.dispatch.TriggerRelease(ctx, TriggerReleaseRequest{
					ReleaseID: releaseID,
				})
				require.NoError(t, err)
				require.Len(t, pickups, n)
				for _, p := range pickups {
					_, err := f.dispatch.AcknowledgeReleasePickup(ctx, p.PickupID)
					require.NoError(t, err)
					_, err = f.dispatch.StartReleasePickup(ctx, p.PickupID)
					require.NoError(t, err)
				}
				rng := rand.New(rand.NewSource(int64(n)))
				order := rng.Perm(n)
				failing := -1
				if withFailure {
					failing = order[rng.Intn(n)]
				}

				// act
				for i, idx := range order {
					f.clock.Advance(time.Second)
					_, err := f.dispatch.CompleteReleasePickup(
						ctx, pickups[idx].PickupID, idx != failing, "",
					)
					require.NoError(t, err)

					got, err := f.dispatch.GetReleaseExecution(ctx, re.ReleaseExecutionID)
					require.NoError(t, err)
					if i < n-1 {
						// assert
						assert.Equal(t, store.ExecutionRunning, got.Status)
						assert.Nil(t, got.CompletedAt)
					}
				}

				// assert
				got, err := f.dispatch.GetReleaseExecution(ctx, re.ReleaseExecutionID)
				require.NoError(t, err)
				expected := store.ExecutionSucceeded
				if withFailure {
					expected = store.ExecutionFailed
				}
				assert.Equal(t, expected, got.Status)
				require.NotNil(t, got.DurationSeconds)
				assert.Equal(t, int64(n), *got.DurationSeconds)
				for _, se := range got.Stages {
					assert.True(t, se.Status.Terminal())
					require.NotNil(t, se.StartedAt)
					require.NotNil(t, se.DurationSeconds)
					assert.Equal(
						t,
						int64(se.CompletedAt.Sub(*se.StartedAt)/time.Second),
						*se.DurationSeconds,
					)
					assert.Equal(t, agent.AgentID, *se.AgentID)
				}
			})
		}
	}
	t.Run("success - cancelled stage counts as terminal", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		agent := f.registerAgent(t, "deployer")
		releaseID := f.importStagedRelease(t, agent, 2)
		ctx := context.Background()
		re, pickups, err := f.dispatch.TriggerRelease(ctx, TriggerReleaseRequest{ReleaseID: releaseID})
		require.NoError(t, err)
		_, err = f.dispatch.AcknowledgeReleasePickup(ctx, pickups[0].PickupID)
		require.NoError(t, err)
		_, err = f.dispatch.StartReleasePickup(ctx, pickups[0].PickupID)
		require.NoError(t, err)
		_, err = f.dispatch.CompleteReleasePickup(ctx, pickups[0].PickupID, true, "")
		require.NoError(t, err)

		// act
		_, err = f.dispatch.CancelReleasePickup(ctx, pickups[1].PickupID, "skip qa")

		// assert
		require.NoError(t, err)
		got, err := f.dispatch.GetReleaseExecution(ctx, re.ReleaseExecutionID)
		require.NoError(t, err)
		assert.Equal(t, store.ExecutionSucceeded, got.Status)
		assert.Equal(t, store.StageCancelled, got.Stages[1].Status)
		assert.Equal(t, "skip qa", *got.Stages[1].ErrorMessage)
	})
}

func TestAggregateStageStatuses(t *testing.T) {
	cases := []struct {
		name     string
		statuses []store.StageStatus
		expected store.ExecutionStatus
		done     bool
	}{
		{"open stage", []store.StageStatus{store.StageSucceeded, store.StageInProgress}, "", false},
		{"awaiting approval", []store.StageStatus{store.StageAwaitingApproval}, "", false},
		{"all succeeded", []store.StageStatus{store.StageSucceeded, store.StageSkipped}, store.ExecutionSucceeded, true},
		{"one failed", []store.StageStatus{store.StageCancelled, store.StageFailed}, store.ExecutionFailed, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			status, done := AggregateStageStatuses(c.statuses)
			assert.Equal(t, c.expected, status)
			assert.Equal(t, c.done, done)
		})
	}
}

func TestDispatchService_ConcurrentAcknowledge(t *testing.T) {
	t.Run("success - exactly one acknowledge wins", func(t *testing.T) {
		// arrange
		rwdb, rdb := openFileDatabases(t)
		f := newDispatchFixture(t, rwdb, rdb)
		agent := f.registerAgent(t, "racer")
		pickup := f.triggerPipeline(t, agent)

		// act
		const callers = 8
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = f.dispatch.AcknowledgePipelinePickup(context.Background(), pickup.PickupID)
			}()
		}
		wg.Wait()

		// assert
		var succeeded, conflicted int
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrConflict):
				conflicted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, callers-1, conflicted)
	})
}

func TestDispatchService_ConcurrentStageCompletion(t *testing.T) {
	for _, withFailure := range []bool{false, true} {
		name := fmt.Sprintf("success - release finalized once, failure=%t", withFailure)
		t.Run(name, func(t *testing.T) {
			// arrange
			rwdb, rdb := openFileDatabases(t)
		f := newDispatchFixture(t, rwdb, rdb)
			core, observed := observer.New(zap.InfoLevel)
			f.dispatch.logger = zap.New(core)
			agent := f.registerAgent(t, "deployer")
			const stages = 5
			releaseID := f.importStagedRelease(t, agent, stages)
			ctx := context.Background()
			re, pickups, err := f.dispatch.TriggerRelease(ctx, TriggerReleaseRequest{
				ReleaseID: releaseID,
			})
			require.NoError(t, err)
			require.Len(t, pickups, stages)
			for _, p := range pickups {
				_, err := f.dispatch.AcknowledgeReleasePickup(ctx, p.PickupID)
				require.NoError(t, err)
				_, err = f.dispatch.StartReleasePickup(ctx, p.PickupID)
				require.NoError(t, err)
			}

			// act
			errs := make([]error, stages)
			var wg sync.WaitGroup
			for i, p := range pickups {
				wg.Add(1)
				go func() {
					defer wg.Done()
					success := !(withFailure && i == stages/2)
					_, errs[i] = f.dispatch.CompleteReleasePickup(ctx, p.PickupID, success, "")
				}()
			}
			wg.Wait()

			// assert
			for _, err := range errs {
				assert.NoError(t, err)
			}
			got, err := f.dispatch.GetReleaseExecution(ctx, re.ReleaseExecutionID)
			require.NoError(t, err)
			expected := store.ExecutionSucceeded
			if withFailure {
				expected = store.ExecutionFailed
			}
			assert.Equal(t, expected, got.Status)
			assert.NotNil(t, got.CompletedAt)
			assert.NotNil(t, got.DurationSeconds)
			// one lock per stage completion plus the final transition
			assert.Equal(t, int64(stages+1), got.Revision)
			for _, se := range got.Stages {
				assert.True(t, se.Status.Terminal())
			}
			assert.Equal(t, 1, observed.FilterMessage("release execution finished").Len())
		})
	}
}

func TestDispatchService_CancelFinishedExecution(t *testing.T) {
	t.Run("failure - pipeline execution already finished", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		agent := f.registerAgent(t, "builder")
		pickup := f.triggerPipeline(t, agent)
		_, err := f.db.Exec(
			`update pipeline_executions set status = 'succeeded' where pipeline_execution_id = $1`,
			pickup.PipelineExecutionID,
		)
		require.NoError(t, err)

		// act
		_, err = f.dispatch.CancelPipelinePickup(context.Background(), pickup.PickupID, "too late")

		// assert
		assert.True(t, errors.Is(err, ErrConflict), "got %v", err)
		got, err := f.dispatch.getPipelinePickup(context.Background(), pickup.PickupID)
		require.NoError(t, err)
		assert.Equal(t, store.PickupPending, got.Status)
		pe, err := f.dispatch.GetPipelineExecution(context.Background(), pickup.PipelineExecutionID)
		require.NoError(t, err)
		assert.Equal(t, store.ExecutionSucceeded, pe.Status)
	})
	t.Run("failure - stage execution already finished", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		agent := f.registerAgent(t, "deployer")
		releaseID := f.importStagedRelease(t, agent, 2)
		ctx := context.Background()
		re, pickups, err := f.dispatch.TriggerRelease(ctx, TriggerReleaseRequest{ReleaseID: releaseID})
		require.NoError(t, err)
		_, err = f.db.Exec(
			`update stage_executions set status = 'succeeded' where stage_execution_id = $1`,
			pickups[0].StageExecutionID,
		)
		require.NoError(t, err)

		// act
		_, err = f.dispatch.CancelReleasePickup(ctx, pickups[0].PickupID, "too late")

		// assert
		assert.True(t, errors.Is(err, ErrConflict), "got %v", err)
		got, err := f.dispatch.getReleasePickup(ctx, pickups[0].PickupID)
		require.NoError(t, err)
		assert.Equal(t, store.PickupPending, got.Status)
		rel, err := f.dispatch.GetReleaseExecution(ctx, re.ReleaseExecutionID)
		require.NoError(t, err)
		assert.Equal(t, store.ExecutionRunning, rel.Status)
	})
}

func TestDispatchService_AppendPickupLog(t *testing.T) {
	t.Run("success - agent lines are bound to the stage execution", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)
		agent := f.registerAgent(t, "deployer")
		releaseID := f.importStagedRelease(t, agent, 1)
		ctx := context.Background()
		re, pickups, err := f.dispatch.TriggerRelease(ctx, TriggerReleaseRequest{ReleaseID: releaseID})
		require.NoError(t, err)

		// act
		l, err := f.dispatch.AppendPickupLog(
			ctx, store.ReleasePickupKind, pickups[0].PickupID, store.LogWarning, "disk almost full",
		)

		// assert
		require.NoError(t, err)
		assert.Equal(t, store.LogSourceAgent, l.Source)
		logs, err := f.logs.ListStageExecutionLogs(ctx, re.Stages[0].StageExecutionID)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, store.LogSourceServer, logs[0].Source)
		assert.Equal(t, "disk almost full", logs[1].Message)
		assert.Equal(t, store.LogWarning, logs[1].Level)
	})
	t.Run("failure - unknown pickup and bad level", func(t *testing.T) {
		// arrange
		f := newDispatchFixture(t, openTestDatabase(t), nil)

		// act
		_, notFound := f.dispatch.AppendPickupLog(
			context.Background(), store.PipelinePickupKind, 999, store.LogInfo, "hello",
		)
		_, badLevel := f.dispatch.AppendPickupLog(
			context.Background(), store.PipelinePickupKind, 999, "debug", "hello",
		)

		// assert
		assert.True(t, errors.Is(notFound, ErrNotFound))
		assert.True(t, errors.Is(badLevel, ErrBadRequest))
	})
}
