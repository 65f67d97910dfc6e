package session

import (
	"math"
	"time"

	"github.com/beamcode/beamcode/internal/unified"
)

// Reducer applies unified messages to session state. State mutation is
// copy-on-write: Reduce returns the input state unchanged (same pointer) when
// a message carries nothing to apply, so callers can use identity checks to
// skip persistence. The team correlator it owns is the only mutable piece.
type Reducer struct {
	team *TeamCorrelator
}

// NewReducer creates a reducer with a team correlation buffer using the given
// entry TTL.
func NewReducer(correlationTTL time.Duration) *Reducer {
	return &Reducer{team: NewTeamCorrelator(correlationTTL)}
}

// Reduce applies one message to state and returns the resulting state.
func (r *Reducer) Reduce(state *State, msg *unified.Message, now time.Time) *State {
	if msg == nil {
		return state
	}

	// Team tools can appear inside any message's content and are applied
	// before result stats so correlation sees the blocks first.
	state = r.team.Reduce(state, msg.Content, now)

	switch msg.Type {
	case unified.TypeSessionInit:
		return reduceSessionInit(state, msg)
	case unified.TypeStatusChange:
		return reduceStatusChange(state, msg)
	case unified.TypeResult:
		return reduceResult(state, msg)
	case unified.TypeConfigurationChange:
		return reduceConfigurationChange(state, msg)
	default:
		return state
	}
}

func reduceSessionInit(state *State, msg *unified.Message) *State {
	next := state.clone()
	next.Model = msg.MetaString(unified.MetaModel)
	next.Cwd = msg.MetaString(unified.MetaCwd)
	next.PermissionMode = msg.MetaString(unified.MetaPermissionMode)
	next.Tools = msg.MetaStrings(unified.MetaTools)
	next.SlashCommands = msg.MetaStrings(unified.MetaSlashCommands)
	next.Skills = msg.MetaStrings(unified.MetaSkills)
	next.MCPServers = metaMCPServers(msg)
	return next
}

func reduceStatusChange(state *State, msg *unified.Message) *State {
	next := state
	changed := func() *State {
		if next == state {
			next = state.clone()
		}
		return next
	}

	if msg.Metadata != nil {
		if _, ok := msg.Metadata[unified.MetaIsCompacting]; ok {
			if v := msg.MetaBool(unified.MetaIsCompacting); v != state.IsCompacting {
				changed().IsCompacting = v
			}
		}
	}
	if mode := msg.MetaString(unified.MetaPermissionMode); mode != "" && mode != state.PermissionMode {
		changed().PermissionMode = mode
	}
	return next
}

func reduceResult(state *State, msg *unified.Message) *State {
	next := state.clone()
	// Error results often carry no usage metadata. Absent keys keep the
	// accumulated stats instead of zeroing them.
	if msg.HasMeta(unified.MetaCostUSD) {
		next.TotalCostUSD = msg.MetaFloat(unified.MetaCostUSD)
	}
	if msg.HasMeta(unified.MetaNumTurns) {
		next.NumTurns = int(msg.MetaFloat(unified.MetaNumTurns))
	}
	if msg.HasMeta(unified.MetaDurationMS) {
		next.DurationMS = int64(msg.MetaFloat(unified.MetaDurationMS))
	}
	if msg.HasMeta(unified.MetaDurationAPIMS) {
		next.DurationAPIMS = int64(msg.MetaFloat(unified.MetaDurationAPIMS))
	}
	if added := int(msg.MetaFloat(unified.MetaLinesAdded)); added != 0 {
		next.LinesAdded = added
	}
	if removed := int(msg.MetaFloat(unified.MetaLinesRemoved)); removed != 0 {
		next.LinesRemoved = removed
	}
	next.IsCompacting = false

	// Last writer wins when multiple models report usage.
	for _, usage := range msg.MetaModelUsageMap() {
		if usage.ContextWindow <= 0 {
			continue
		}
		used := float64(usage.InputTokens+usage.OutputTokens) / float64(usage.ContextWindow)
		next.ContextUsedPercent = int(math.Round(used * 100))
	}
	return next
}

func reduceConfigurationChange(state *State, msg *unified.Message) *State {
	next := state
	changed := func() *State {
		if next == state {
			next = state.clone()
		}
		return next
	}

	if model := msg.MetaString(unified.MetaModel); model != "" && model != state.Model {
		changed().Model = model
	}
	if mode := msg.MetaString(unified.MetaPermissionMode); mode != "" && mode != state.PermissionMode {
		changed().PermissionMode = mode
	}
	if cwd := msg.MetaString(unified.MetaCwd); cwd != "" && cwd != state.Cwd {
		changed().Cwd = cwd
	}
	return next
}

// metaMCPServers extracts MCP server entries from session_init metadata. The
// wire shape varies by backend: plain names or {name, status} objects.
func metaMCPServers(msg *unified.Message) []MCPServer {
	if msg.Metadata == nil {
		return nil
	}
	raw, ok := msg.Metadata[unified.MetaMCPServers]
	if !ok {
		return nil
	}

	var servers []MCPServer
	switch v := raw.(type) {
	case []string:
		for _, name := range v {
			servers = append(servers, MCPServer{Name: name})
		}
	case []MCPServer:
		servers = append([]MCPServer(nil), v...)
	case []any:
		for _, item := range v {
			switch entry := item.(type) {
			case string:
				servers = append(servers, MCPServer{Name: entry})
			case map[string]any:
				server := MCPServer{}
				if name, ok := entry["name"].(string); ok {
					server.Name = name
				}
				if status, ok := entry["status"].(string); ok {
					server.Status = status
				}
				if server.Name != "" {
					servers = append(servers, server)
				}
			}
		}
	}
	return servers
}
