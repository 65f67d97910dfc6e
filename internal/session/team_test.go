package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/internal/unified"
)

func taskUse(id, teamName, memberName string) unified.ContentBlock {
	return unified.ContentBlock{
		Type:  unified.BlockToolUse,
		ID:    id,
		Name:  "Task",
		Input: map[string]any{"team_name": teamName, "name": memberName},
	}
}

func TestTeamTaskSpawnsMember(t *testing.T) {
	c := NewTeamCorrelator(30 * time.Second)
	state := NewState("11111111-1111-1111-1111-111111111111")
	now := time.Unix(1000, 0)

	next := c.Reduce(state, []unified.ContentBlock{taskUse("tu1", "alpha", "agent1")}, now)
	require.NotSame(t, state, next)
	assert.Equal(t, "alpha", next.Team.Name)
	require.Len(t, next.Team.Members, 1)
	assert.Equal(t, "agent1", next.Team.Members[0].Name)
	assert.Equal(t, MemberActive, next.Team.Members[0].Status)
}

func TestTeamResultCorrelationIsIdempotent(t *testing.T) {
	c := NewTeamCorrelator(30 * time.Second)
	state := NewState("11111111-1111-1111-1111-111111111111")
	now := time.Unix(1000, 0)

	state = c.Reduce(state, []unified.ContentBlock{taskUse("tu1", "alpha", "agent1")}, now)
	require.Len(t, state.Team.Members, 1)

	// Matching result 5s later leaves the optimistically applied member alone.
	result := unified.ContentBlock{Type: unified.BlockToolResult, ToolUseID: "tu1", Content: "ok"}
	after := c.Reduce(state, []unified.ContentBlock{result}, now.Add(5*time.Second))
	assert.Equal(t, state.Team, after.Team)
	assert.Equal(t, 0, c.PendingCount())

	// Re-spawning the same member does not duplicate it.
	again := c.Reduce(after, []unified.ContentBlock{taskUse("tu2", "alpha", "agent1")}, now.Add(6*time.Second))
	assert.Len(t, again.Team.Members, 1)
}

func TestTeamTaskCreateSyntheticThenRealID(t *testing.T) {
	c := NewTeamCorrelator(30 * time.Second)
	state := NewState("11111111-1111-1111-1111-111111111111")
	now := time.Unix(1000, 0)

	use := unified.ContentBlock{
		Type:  unified.BlockToolUse,
		ID:    "tuX",
		Name:  "TaskCreate",
		Input: map[string]any{"subject": "write docs"},
	}
	state = c.Reduce(state, []unified.ContentBlock{use}, now)
	require.Len(t, state.Team.Tasks, 1)
	assert.Equal(t, "tu-tuX", state.Team.Tasks[0].ID)
	assert.Equal(t, "write docs", state.Team.Tasks[0].Subject)

	result := unified.ContentBlock{
		Type:      unified.BlockToolResult,
		ToolUseID: "tuX",
		Content:   `{"task_id": "task-77"}`,
	}
	state = c.Reduce(state, []unified.ContentBlock{result}, now.Add(time.Second))
	require.Len(t, state.Team.Tasks, 1)
	assert.Equal(t, "task-77", state.Team.Tasks[0].ID)
}

func TestTeamBufferExpiry(t *testing.T) {
	c := NewTeamCorrelator(30 * time.Second)
	state := NewState("11111111-1111-1111-1111-111111111111")
	now := time.Unix(1000, 0)

	use := unified.ContentBlock{
		Type:  unified.BlockToolUse,
		ID:    "tuX",
		Name:  "TaskCreate",
		Input: map[string]any{"subject": "stale"},
	}
	state = c.Reduce(state, []unified.ContentBlock{use}, now)
	require.Equal(t, 1, c.PendingCount())

	// Result arriving after the TTL finds no buffered entry.
	result := unified.ContentBlock{
		Type:      unified.BlockToolResult,
		ToolUseID: "tuX",
		Content:   `{"task_id": "task-77"}`,
	}
	after := c.Reduce(state, []unified.ContentBlock{result}, now.Add(31*time.Second))
	assert.Same(t, state, after)
	assert.Equal(t, "tu-tuX", after.Team.Tasks[0].ID, "synthetic id survives an expired correlation")
}

func TestTeamShutdownResponse(t *testing.T) {
	c := NewTeamCorrelator(30 * time.Second)
	state := NewState("11111111-1111-1111-1111-111111111111")
	now := time.Unix(1000, 0)

	state = c.Reduce(state, []unified.ContentBlock{taskUse("tu1", "alpha", "agent1")}, now)
	state = c.Reduce(state, []unified.ContentBlock{taskUse("tu2", "alpha", "agent2")}, now.Add(time.Second))

	shutdown := unified.ContentBlock{
		Type:  unified.BlockToolUse,
		ID:    "tu3",
		Name:  "SendMessage",
		Input: map[string]any{"type": "shutdown_response", "approve": true},
	}
	state = c.Reduce(state, []unified.ContentBlock{shutdown}, now.Add(2*time.Second))

	byName := map[string]MemberStatus{}
	for _, m := range state.Team.Members {
		byName[m.Name] = m.Status
	}
	assert.Equal(t, MemberActive, byName["agent1"])
	assert.Equal(t, MemberShutdown, byName["agent2"], "most recently active member shuts down")

	// Other SendMessage variants change nothing.
	other := unified.ContentBlock{
		Type:  unified.BlockToolUse,
		ID:    "tu4",
		Name:  "SendMessage",
		Input: map[string]any{"type": "broadcast", "content": "hi"},
	}
	after := c.Reduce(state, []unified.ContentBlock{other}, now.Add(3*time.Second))
	assert.Equal(t, state.Team, after.Team)
}
