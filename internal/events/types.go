// Package events provides event types and subjects for the broker event system.
package events

// Event types for session lifecycle
const (
	SessionCreated  = "session.created"
	SessionClosed   = "session.closed"
	SessionRestored = "session.restored"
)

// Event types for backend connections
const (
	BackendConnected    = "backend.connected"
	BackendDisconnected = "backend.disconnected"
)

// Event types for child processes
const (
	ProcessSpawned   = "process.spawned"
	ProcessConnected = "process.connected"
	ProcessExited    = "process.exited"
)

// Event types for the capabilities handshake
const (
	CapabilitiesReady   = "capabilities.ready"
	CapabilitiesTimeout = "capabilities.timeout"
)

// Event types for slash commands
const (
	SlashCommandExecuted = "slash_command.executed"
	SlashCommandFailed   = "slash_command.failed"
)

// Event types for consumers
const (
	ConsumerConnected    = "consumer.connected"
	ConsumerDisconnected = "consumer.disconnected"
	RateLimitExceeded    = "ratelimit.exceeded"
	FrameDropped         = "frame.dropped"
)

// BuildSessionSubject scopes an event type to a specific session.
func BuildSessionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildWildcardSubject subscribes to an event type across all sessions.
func BuildWildcardSubject(eventType string) string {
	return eventType + ".*"
}
