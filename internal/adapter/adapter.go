// Package adapter defines the contract every backend adapter implements and
// the resolver that maps adapter names to instances. Adapters are pure
// translators: wire events map to unified messages or are dropped, and
// consumer-originated unified messages map to wire forms. All state mutation
// happens in the core on the normalized stream.
package adapter

import (
	"context"

	"github.com/beamcode/beamcode/internal/unified"
)

// Availability describes where an adapter's backend runs.
type Availability string

const (
	AvailabilityLocal  Availability = "local"
	AvailabilityRemote Availability = "remote"
	AvailabilityBoth   Availability = "both"
)

// Capabilities advertises what an adapter supports.
type Capabilities struct {
	Streaming     bool
	Permissions   bool
	SlashCommands bool
	Passthrough   bool
	Teams         bool
	Availability  Availability
}

// ConnectOptions parameterize a backend connection.
type ConnectOptions struct {
	SessionID      string
	Resume         bool
	Cwd            string
	Model          string
	PermissionMode string
	AdapterOptions map[string]any
}

// BackendSession is one live backend connection. Messages is a finite stream:
// the channel closes when the underlying transport ends and is not
// restartable. Close is idempotent and terminates the stream.
type BackendSession interface {
	SessionID() string
	Send(ctx context.Context, msg *unified.Message) error
	// SendRaw writes pre-encoded protocol bytes (NDJSON line). Adapters whose
	// translator does not speak raw bytes return an Unsupported error.
	SendRaw(ctx context.Context, data []byte) error
	Messages() <-chan *unified.Message
	Close() error
}

// SlashResult is the outcome of an adapter-native slash command.
type SlashResult struct {
	Content    string
	Source     string
	DurationMS int64
}

// SlashExecutor executes slash commands natively for one backend session.
type SlashExecutor interface {
	Handles(command string) bool
	Execute(ctx context.Context, command string) (*SlashResult, error)
	SupportedCommands() []string
}

// Adapter is one backend protocol implementation.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	Connect(ctx context.Context, opts ConnectOptions) (BackendSession, error)
}

// SlashExecutorProvider is implemented by adapters with native slash
// command support.
type SlashExecutorProvider interface {
	CreateSlashExecutor(session BackendSession) SlashExecutor
}

// Inverted is implemented by adapters whose backend dials the broker. The
// CLI gateway hands accepted sockets to DeliverSocket; CancelPending rejects
// a rendezvous that will never be fulfilled.
type Inverted interface {
	DeliverSocket(sessionID string, socket InvertedSocket) bool
	CancelPending(sessionID string)
}

// InvertedSocket is the transport handed to an inverted adapter: an ordered
// byte-frame connection already upgraded by the gateway.
type InvertedSocket interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}
