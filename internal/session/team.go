package session

import (
	"encoding/json"
	"time"

	"github.com/beamcode/beamcode/internal/unified"
)

// Team tool names. Only these tool_use blocks feed team state.
const (
	toolTask        = "Task"
	toolTeamCreate  = "TeamCreate"
	toolTaskCreate  = "TaskCreate"
	toolSendMessage = "SendMessage"
)

// SyntheticTaskPrefix prefixes optimistic task ids until the tool_result
// carries the real one.
const SyntheticTaskPrefix = "tu-"

type correlationEntry struct {
	toolUseID string
	toolName  string
	input     map[string]any
	seenAt    time.Time
}

// TeamCorrelator pairs team tool_use blocks with their later tool_result
// blocks. Each tool_use is applied optimistically on arrival; the matching
// result refines it (replacing synthetic task ids) and is idempotent for
// tools whose optimistic application was already complete. Entries expire
// after the configured TTL.
type TeamCorrelator struct {
	ttl     time.Duration
	pending []correlationEntry
}

// NewTeamCorrelator creates a correlator with the given entry TTL.
func NewTeamCorrelator(ttl time.Duration) *TeamCorrelator {
	return &TeamCorrelator{ttl: ttl}
}

// Reduce scans content blocks for team tools and applies them to state.
// Returns state unchanged (same pointer) when no recognized block is present.
func (c *TeamCorrelator) Reduce(state *State, blocks []unified.ContentBlock, now time.Time) *State {
	c.flush(now)

	next := state
	for i := range blocks {
		block := &blocks[i]
		switch block.Type {
		case unified.BlockToolUse:
			if !isTeamTool(block.Name) {
				continue
			}
			c.pending = append(c.pending, correlationEntry{
				toolUseID: block.ID,
				toolName:  block.Name,
				input:     block.Input,
				seenAt:    now,
			})
			next = applyTeamTool(ensureClone(state, next), block.Name, block.ID, block.Input, now)
		case unified.BlockToolResult:
			entry, ok := c.take(block.ToolUseID)
			if !ok {
				continue
			}
			next = correlateResult(ensureClone(state, next), entry, block)
		}
	}
	return next
}

// PendingCount returns the number of uncorrelated tool_use entries.
func (c *TeamCorrelator) PendingCount() int {
	return len(c.pending)
}

func (c *TeamCorrelator) flush(now time.Time) {
	kept := c.pending[:0]
	for _, entry := range c.pending {
		if now.Sub(entry.seenAt) < c.ttl {
			kept = append(kept, entry)
		}
	}
	c.pending = kept
}

func (c *TeamCorrelator) take(toolUseID string) (correlationEntry, bool) {
	for i, entry := range c.pending {
		if entry.toolUseID == toolUseID {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return entry, true
		}
	}
	return correlationEntry{}, false
}

func ensureClone(orig, current *State) *State {
	if current == orig {
		return orig.clone()
	}
	return current
}

func isTeamTool(name string) bool {
	switch name {
	case toolTask, toolTeamCreate, toolTaskCreate, toolSendMessage:
		return true
	}
	return false
}

func applyTeamTool(state *State, name, toolUseID string, input map[string]any, now time.Time) *State {
	switch name {
	case toolTask:
		teamName, _ := input["team_name"].(string)
		memberName, _ := input["name"].(string)
		if teamName == "" || memberName == "" {
			return state
		}
		state.Team.Name = teamName
		if i := state.Team.FindMember(memberName); i >= 0 {
			state.Team.Members[i].Status = MemberActive
			state.Team.Members[i].LastActiveAt = now
		} else {
			state.Team.Members = append(state.Team.Members, TeamMember{
				Name:         memberName,
				Status:       MemberActive,
				LastActiveAt: now,
			})
		}

	case toolTeamCreate:
		if teamName, _ := input["team_name"].(string); teamName != "" {
			state.Team.Name = teamName
		}

	case toolTaskCreate:
		subject, _ := input["subject"].(string)
		if subject == "" {
			subject, _ = input["description"].(string)
		}
		id := SyntheticTaskPrefix + toolUseID
		if state.Team.FindTask(id) < 0 {
			state.Team.Tasks = append(state.Team.Tasks, TeamTask{
				ID:      id,
				Subject: subject,
				Status:  "pending",
			})
		}

	case toolSendMessage:
		msgType, _ := input["type"].(string)
		approve, _ := input["approve"].(bool)
		if msgType != "shutdown_response" || !approve {
			return state
		}
		latest := -1
		for i := range state.Team.Members {
			if state.Team.Members[i].Status != MemberActive {
				continue
			}
			if latest < 0 || state.Team.Members[i].LastActiveAt.After(state.Team.Members[latest].LastActiveAt) {
				latest = i
			}
		}
		if latest >= 0 {
			state.Team.Members[latest].Status = MemberShutdown
		}
	}
	return state
}

// correlateResult applies the tool_result half of a buffered pair. For
// TaskCreate the synthetic task id is replaced by the real id parsed from the
// result; the remaining tools were fully applied optimistically, so their
// results change nothing.
func correlateResult(state *State, entry correlationEntry, block *unified.ContentBlock) *State {
	if entry.toolName != toolTaskCreate || block.IsError {
		return state
	}
	realID := parseTaskID(block.Content)
	if realID == "" {
		return state
	}
	if i := state.Team.FindTask(SyntheticTaskPrefix + entry.toolUseID); i >= 0 {
		state.Team.Tasks[i].ID = realID
	}
	return state
}

func parseTaskID(content string) string {
	var body struct {
		TaskID string `json:"task_id"`
		ID     string `json:"id"`
	}
	if err := json.Unmarshal([]byte(content), &body); err != nil {
		return ""
	}
	if body.TaskID != "" {
		return body.TaskID
	}
	return body.ID
}
