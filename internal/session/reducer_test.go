package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/internal/unified"
)

func newTestReducer() *Reducer {
	return NewReducer(30 * time.Second)
}

func TestReduceSessionInit(t *testing.T) {
	r := newTestReducer()
	state := NewState("11111111-1111-1111-1111-111111111111")

	msg := unified.NewMessage(unified.TypeSessionInit, unified.RoleSystem)
	msg.SetMeta(unified.MetaModel, "claude-opus-4")
	msg.SetMeta(unified.MetaCwd, "/home/dev/project")
	msg.SetMeta(unified.MetaPermissionMode, "default")
	msg.SetMeta(unified.MetaTools, []string{"Bash", "Edit"})
	msg.SetMeta(unified.MetaSlashCommands, []string{"compact", "review"})
	msg.SetMeta(unified.MetaSkills, []string{"pdf"})
	msg.SetMeta(unified.MetaMCPServers, []any{
		map[string]any{"name": "filesystem", "status": "connected"},
	})

	next := r.Reduce(state, msg, time.Now())
	require.NotSame(t, state, next)
	assert.Equal(t, "claude-opus-4", next.Model)
	assert.Equal(t, "/home/dev/project", next.Cwd)
	assert.Equal(t, "default", next.PermissionMode)
	assert.Equal(t, []string{"Bash", "Edit"}, next.Tools)
	assert.Equal(t, []string{"compact", "review"}, next.SlashCommands)
	assert.Equal(t, []string{"pdf"}, next.Skills)
	require.Len(t, next.MCPServers, 1)
	assert.Equal(t, "filesystem", next.MCPServers[0].Name)

	// Original state untouched.
	assert.Empty(t, state.Model)
}

func TestReduceStatusChangeIdentityWhenUnchanged(t *testing.T) {
	r := newTestReducer()
	state := NewState("11111111-1111-1111-1111-111111111111")

	msg := unified.NewMessage(unified.TypeStatusChange, unified.RoleSystem)
	next := r.Reduce(state, msg, time.Now())
	assert.Same(t, state, next, "no-op status change must return the same state")

	msg.SetMeta(unified.MetaIsCompacting, true)
	next = r.Reduce(state, msg, time.Now())
	require.NotSame(t, state, next)
	assert.True(t, next.IsCompacting)
}

func TestReduceResultStatsAndContextPercent(t *testing.T) {
	r := newTestReducer()
	state := NewState("11111111-1111-1111-1111-111111111111")
	state.IsCompacting = true

	msg := unified.NewMessage(unified.TypeResult, unified.RoleSystem)
	msg.SetMeta(unified.MetaCostUSD, 0.42)
	msg.SetMeta(unified.MetaNumTurns, float64(7))
	msg.SetMeta(unified.MetaDurationMS, float64(1234))
	msg.SetMeta(unified.MetaDurationAPIMS, float64(900))
	msg.SetMeta(unified.MetaModelUsage, map[string]unified.ModelUsage{
		"claude-opus-4": {InputTokens: 40_000, OutputTokens: 10_000, ContextWindow: 200_000},
	})

	next := r.Reduce(state, msg, time.Now())
	require.NotSame(t, state, next)
	assert.Equal(t, 0.42, next.TotalCostUSD)
	assert.Equal(t, 7, next.NumTurns)
	assert.Equal(t, int64(1234), next.DurationMS)
	assert.Equal(t, int64(900), next.DurationAPIMS)
	assert.Equal(t, 25, next.ContextUsedPercent)
	assert.False(t, next.IsCompacting, "a result ends compaction")
}

func TestReduceResultWithoutMetadataKeepsStats(t *testing.T) {
	r := newTestReducer()
	state := NewState("11111111-1111-1111-1111-111111111111")
	state.TotalCostUSD = 1.25
	state.NumTurns = 7
	state.DurationMS = 4321
	state.DurationAPIMS = 3000

	// A backend error surfaces as a result with no usage metadata.
	msg := unified.NewMessage(unified.TypeResult, unified.RoleSystem)
	msg.SetMeta(unified.MetaIsError, true)

	next := r.Reduce(state, msg, time.Now())
	assert.Equal(t, 1.25, next.TotalCostUSD, "accumulated cost survives an error result")
	assert.Equal(t, 7, next.NumTurns)
	assert.Equal(t, int64(4321), next.DurationMS)
	assert.Equal(t, int64(3000), next.DurationAPIMS)
}

func TestReduceConfigurationChange(t *testing.T) {
	r := newTestReducer()
	state := NewState("11111111-1111-1111-1111-111111111111")
	state.Model = "claude-sonnet-4"

	msg := unified.NewMessage(unified.TypeConfigurationChange, unified.RoleUser)
	msg.SetMeta(unified.MetaModel, "claude-opus-4")

	next := r.Reduce(state, msg, time.Now())
	require.NotSame(t, state, next)
	assert.Equal(t, "claude-opus-4", next.Model)

	// Same model again is identity.
	again := r.Reduce(next, msg, time.Now())
	assert.Same(t, next, again)
}
