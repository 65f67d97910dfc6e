// Package session owns the per-session aggregate: its persisted state, the
// pure reducer that mutates it, the team-tool correlator, the slash-command
// registry, and the runtime accessors every other component goes through.
package session

import (
	"regexp"
	"time"
)

// idPattern matches UUID-shaped session ids. All WebSocket paths and storage
// filenames must match it.
var idPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ValidID reports whether id is a well-formed session id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Status is the coarse activity status reported by the backend.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRunning    Status = "running"
	StatusCompacting Status = "compacting"
)

// Phase is the session lifecycle phase.
type Phase string

const (
	PhaseStarting     Phase = "starting"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
	PhaseClosed       Phase = "closed"
)

// MCPServer describes one configured MCP server reported by the backend.
type MCPServer struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// Command describes one slash command reported during the capabilities
// handshake.
type Command struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ArgumentHint string `json:"argument_hint,omitempty"`
}

// Model describes one selectable model.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Account describes the authenticated backend account.
type Account struct {
	Email        string `json:"email,omitempty"`
	Organization string `json:"organization,omitempty"`
	Subscription string `json:"subscription,omitempty"`
}

// Capabilities is the record populated by the initialize handshake.
type Capabilities struct {
	Commands   []Command `json:"commands,omitempty"`
	Models     []Model   `json:"models,omitempty"`
	Account    *Account  `json:"account,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// GitState carries repository metadata surfaced to consumers.
type GitState struct {
	Branch   string `json:"branch,omitempty"`
	Worktree string `json:"worktree,omitempty"`
	RepoRoot string `json:"repo_root,omitempty"`
	Ahead    int    `json:"ahead,omitempty"`
	Behind   int    `json:"behind,omitempty"`
}

// MemberStatus is the status of a team member.
type MemberStatus string

const (
	MemberActive   MemberStatus = "active"
	MemberShutdown MemberStatus = "shutdown"
)

// TeamMember is one collaborative agent derived from team tool calls.
type TeamMember struct {
	Name         string       `json:"name"`
	Status       MemberStatus `json:"status"`
	LastActiveAt time.Time    `json:"last_active_at"`
}

// TeamTask is one task derived from TaskCreate tool calls. Synthetic ids
// (tu-<toolUseId>) are replaced by real ids once the tool_result arrives.
type TeamTask struct {
	ID      string `json:"id"`
	Subject string `json:"subject,omitempty"`
	Status  string `json:"status,omitempty"`
}

// TeamState aggregates collaborative-agent state for a session.
type TeamState struct {
	Name    string       `json:"name,omitempty"`
	Members []TeamMember `json:"members,omitempty"`
	Tasks   []TeamTask   `json:"tasks,omitempty"`
}

// State is the persisted per-session state. It is mutated only through the
// pure reducer; components read it via the session runtime.
type State struct {
	ID             string      `json:"id"`
	Model          string      `json:"model,omitempty"`
	Cwd            string      `json:"cwd,omitempty"`
	PermissionMode string      `json:"permission_mode,omitempty"`
	Tools          []string    `json:"tools,omitempty"`
	MCPServers     []MCPServer `json:"mcp_servers,omitempty"`
	SlashCommands  []string    `json:"slash_commands,omitempty"`
	Skills         []string    `json:"skills,omitempty"`

	Capabilities *Capabilities `json:"capabilities,omitempty"`

	TotalCostUSD       float64 `json:"total_cost_usd"`
	NumTurns           int     `json:"num_turns"`
	LinesAdded         int     `json:"lines_added"`
	LinesRemoved       int     `json:"lines_removed"`
	DurationMS         int64   `json:"duration_ms"`
	DurationAPIMS      int64   `json:"duration_api_ms"`
	ContextUsedPercent int     `json:"context_used_percent"`
	IsCompacting       bool    `json:"is_compacting"`

	Git  GitState  `json:"git"`
	Team TeamState `json:"team"`
}

// NewState returns an empty state for the given session id.
func NewState(id string) *State {
	return &State{ID: id}
}

// clone returns a shallow copy with fresh slices, suitable for
// copy-on-write mutation by the reducer.
func (s *State) clone() *State {
	cp := *s
	cp.Tools = append([]string(nil), s.Tools...)
	cp.MCPServers = append([]MCPServer(nil), s.MCPServers...)
	cp.SlashCommands = append([]string(nil), s.SlashCommands...)
	cp.Skills = append([]string(nil), s.Skills...)
	cp.Team.Members = append([]TeamMember(nil), s.Team.Members...)
	cp.Team.Tasks = append([]TeamTask(nil), s.Team.Tasks...)
	return &cp
}

// FindMember returns the index of the named team member, or -1.
func (t *TeamState) FindMember(name string) int {
	for i := range t.Members {
		if t.Members[i].Name == name {
			return i
		}
	}
	return -1
}

// FindTask returns the index of the task with the given id, or -1.
func (t *TeamState) FindTask(id string) int {
	for i := range t.Tasks {
		if t.Tasks[i].ID == id {
			return i
		}
	}
	return -1
}
