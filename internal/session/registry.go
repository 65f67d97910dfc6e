package session

import (
	"sort"
	"strings"
	"sync"
)

// CommandSource identifies where a registered slash command came from.
type CommandSource string

const (
	SourceBuiltin CommandSource = "builtin"
	SourceCLI     CommandSource = "cli"
	SourceSkill   CommandSource = "skill"
)

// RegisteredCommand is one entry in the per-session slash-command registry.
type RegisteredCommand struct {
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	ArgumentHint string        `json:"argument_hint,omitempty"`
	Source       CommandSource `json:"source"`
}

// Registry is the per-session slash-command registry. It merges built-in
// commands, commands reported by the CLI during the capabilities handshake,
// and commands derived from skills. Lookups are case-insensitive on the
// command name without its leading slash.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]RegisteredCommand
}

// NewRegistry creates a registry pre-populated with the built-in commands.
func NewRegistry() *Registry {
	r := &Registry{commands: make(map[string]RegisteredCommand)}
	r.register(RegisteredCommand{
		Name:        "help",
		Description: "List available slash commands",
		Source:      SourceBuiltin,
	})
	return r
}

// normalize strips the leading slash and lowercases the command name.
func normalize(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "/"))
}

func (r *Registry) register(cmd RegisteredCommand) {
	cmd.Name = normalize(cmd.Name)
	if cmd.Name == "" {
		return
	}
	r.commands[cmd.Name] = cmd
}

// RegisterCLI replaces all CLI-reported commands with the given set. Called
// when a capabilities record is applied; a re-initialize swaps the set
// atomically.
func (r *Registry) RegisterCLI(cmds []Command) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, existing := range r.commands {
		if existing.Source == SourceCLI {
			delete(r.commands, name)
		}
	}
	for _, cmd := range cmds {
		r.register(RegisteredCommand{
			Name:         cmd.Name,
			Description:  cmd.Description,
			ArgumentHint: cmd.ArgumentHint,
			Source:       SourceCLI,
		})
	}
}

// RegisterSkills registers one command per skill name.
func (r *Registry) RegisterSkills(skills []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, skill := range skills {
		r.register(RegisteredCommand{
			Name:        skill,
			Description: "Skill: " + skill,
			Source:      SourceSkill,
		})
	}
}

// RegisterNames registers bare command names (e.g. persisted slash_commands
// restored at startup so commands work before the backend re-attaches).
func (r *Registry) RegisterNames(names []string, source CommandSource) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		key := normalize(name)
		if _, exists := r.commands[key]; exists {
			continue
		}
		r.register(RegisteredCommand{Name: name, Source: source})
	}
}

// Lookup returns the registered command for a name, if any.
func (r *Registry) Lookup(name string) (RegisteredCommand, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[normalize(name)]
	return cmd, ok
}

// List returns all registered commands sorted by name.
func (r *Registry) List() []RegisteredCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RegisteredCommand, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
