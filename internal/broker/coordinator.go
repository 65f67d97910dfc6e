package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/beamcode/beamcode/internal/adapter"
	"github.com/beamcode/beamcode/internal/common/config"
	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/events/bus"
	"github.com/beamcode/beamcode/internal/process"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/storage"
	"github.com/beamcode/beamcode/internal/unified"
)

// Coordinator is the broker composition root: it wires the repository,
// adapters, gateways, and policies together and exposes the session
// lifecycle operations the control API calls.
type Coordinator struct {
	cfg      *config.Config
	logger   *logger.Logger
	eventBus bus.EventBus

	repo        *storage.Repository
	resolver    *adapter.Resolver
	launcher    *process.Launcher
	broadcaster *Broadcaster
	router      *Router
	caps        *CapabilitiesPolicy
	connector   *Connector
	slash       *SlashChain
	consumerGW  *ConsumerGateway
	cliGW       *CLIGateway
	reconnect   *ReconnectPolicy
	idle        *IdlePolicy

	mu      sync.Mutex
	baseURL string
	cancel  context.CancelFunc
}

// NewCoordinator wires the broker. launcher may be nil when no local child
// processes are spawned (remote-only adapter sets, embedded use).
func NewCoordinator(cfg *config.Config, repo *storage.Repository, resolver *adapter.Resolver, launcher *process.Launcher, eventBus bus.EventBus, log *logger.Logger) *Coordinator {
	broadcaster := NewBroadcaster(QueueLimits{
		HighWaterMark: cfg.Broadcast.HighWaterMark,
		MaxQueueSize:  cfg.Broadcast.MaxQueueSize,
	}, log)
	caps := NewCapabilitiesPolicy(cfg.Sessions.InitializeTimeout(), broadcaster, eventBus, log)
	router := NewRouter(repo, broadcaster, caps, eventBus, log)
	connector := NewConnector(resolver, repo, broadcaster, router, caps, eventBus, log)
	slash := NewSlashChain(resolver, broadcaster, eventBus, log)

	checkOrigin := originChecker(cfg.Server)
	consumerGW := NewConsumerGateway(repo, broadcaster, connector, slash, eventBus, GatewayConfig{
		MaxFrameBytes:    cfg.Sessions.MaxConsumerMessageSize,
		ReplayCount:      cfg.Sessions.InitialReplayCount,
		DefaultAdapter:   cfg.Sessions.DefaultAdapter,
		RateLimitEnabled: cfg.RateLimit.Enabled,
		RateBurst:        cfg.RateLimit.BurstSize,
		RateRefillPerSec: cfg.RateLimit.RefillPerSec,
		AuthTimeout:      cfg.Auth.AuthTimeout(),
	}, checkOrigin, log)
	cliGW := NewCLIGateway(repo, resolver, connector, eventBus, checkOrigin, log)

	reconnect := NewReconnectPolicy(connector,
		cfg.Sessions.ReconnectGracePeriod(),
		cfg.Sessions.RelaunchFailureThreshold,
		cfg.Sessions.RelaunchRecovery(),
		log)

	c := &Coordinator{
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "coordinator")),
		eventBus:    eventBus,
		repo:        repo,
		resolver:    resolver,
		launcher:    launcher,
		broadcaster: broadcaster,
		router:      router,
		caps:        caps,
		connector:   connector,
		slash:       slash,
		consumerGW:  consumerGW,
		cliGW:       cliGW,
		reconnect:   reconnect,
	}
	c.idle = NewIdlePolicy(repo,
		cfg.Sessions.IdleSessionTimeout(),
		cfg.Sessions.IdleSweepInterval(),
		func(sess *session.Session) { _ = c.CloseSession(sess.ID()) },
		log)

	if launcher != nil {
		connector.SetSpawnFunc(c.spawnCLI)
	}
	return c
}

// SetBaseURL records the externally reachable address, used to build the
// dial-back URL handed to spawned CLIs. Called once the listener is bound.
func (c *Coordinator) SetBaseURL(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimSuffix(baseURL, "/")
}

// SetAuthenticator installs the consumer identity hook. Embedders call this
// before Start; without it every consumer joins anonymously.
func (c *Coordinator) SetAuthenticator(a Authenticator) {
	c.consumerGW.SetAuthenticator(a)
}

// Routes registers the WebSocket endpoints on the shared engine.
func (c *Coordinator) Routes(r *gin.Engine) {
	r.GET("/ws/consumer/:id", c.consumerGW.Handle)
	r.GET("/ws/cli/:id", c.cliGW.Handle)
}

// Start restores persisted sessions and launches the background policies.
func (c *Coordinator) Start(ctx context.Context) error {
	restored, err := c.repo.RestoreAll()
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	c.reconnect.WatchRestored(restored)

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.idle.Run(runCtx)
	return nil
}

// Stop tears the broker down: backends detach, children die, pending saves
// flush.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(8)
	for _, sess := range c.repo.All() {
		sess := sess
		g.Go(func() error {
			c.reconnect.Cancel(sess.ID())
			c.connector.Disconnect(sess)
			c.broadcaster.CloseAll(sess.ID(), websocket.CloseGoingAway, "broker shutting down")
			return nil
		})
	}
	_ = g.Wait()

	if c.launcher != nil {
		c.launcher.KillAll()
	}
	c.repo.Close()
}

// CreateSession creates (or returns) the session for id without attaching a
// backend. The control API uses it for POST /sessions.
func (c *Coordinator) CreateSession(id, adapterName, cwd string) (*session.Session, bool, error) {
	if adapterName == "" {
		adapterName = c.cfg.Sessions.DefaultAdapter
	}
	if !c.resolver.Known(adapterName) {
		return nil, false, apperrors.UnknownAdapter(adapterName)
	}

	sess, created, err := c.repo.GetOrCreate(id, adapterName)
	if err != nil {
		return nil, false, err
	}
	if created {
		if cwd != "" {
			sess.Apply(cwdMessage(cwd), sess.LastActivity())
		}
		if err := c.repo.SaveSync(sess); err != nil {
			c.logger.Warn("save after create failed", zap.String("session_id", id), zap.Error(err))
		}
		c.publish(id, events.SessionCreated, map[string]any{"adapter": adapterName})
	}
	return sess, created, nil
}

// CloseSession terminates the session: the backend detaches, the child dies,
// consumers are closed, and the final state is flushed.
func (c *Coordinator) CloseSession(id string) error {
	sess, ok := c.repo.Get(id)
	if !ok {
		return apperrors.UnknownSession(id)
	}
	if sess.Closed() {
		return nil
	}

	c.reconnect.Cancel(id)
	sess.CancelPendingInitialize()
	sess.SetPhase(session.PhaseClosed)
	c.connector.Disconnect(sess)
	if c.launcher != nil {
		c.launcher.Kill(id)
	}
	if inverted, ok := c.invertedAdapter(sess); ok {
		inverted.CancelPending(id)
	}

	c.broadcaster.CloseAll(id, websocket.CloseNormalClosure, "session closed")
	if err := c.repo.SaveSync(sess); err != nil {
		c.logger.Warn("final save failed", zap.String("session_id", id), zap.Error(err))
	}
	c.publish(id, events.SessionClosed, nil)
	return nil
}

// Sessions returns a snapshot of live sessions for the control API.
func (c *Coordinator) Sessions() []*session.Session {
	return c.repo.All()
}

// SessionCount returns the number of live sessions.
func (c *Coordinator) SessionCount() int {
	return c.repo.Count()
}

// SessionPID returns the pid of the spawned CLI child, or 0 when the broker
// did not spawn one.
func (c *Coordinator) SessionPID(id string) int {
	if c.launcher == nil {
		return 0
	}
	record, ok := c.launcher.Record(id)
	if !ok {
		return 0
	}
	return record.PID
}

func (c *Coordinator) invertedAdapter(sess *session.Session) (adapter.Inverted, bool) {
	ad, err := c.resolver.Resolve(sess.AdapterName())
	if err != nil {
		return nil, false
	}
	inverted, ok := ad.(adapter.Inverted)
	return inverted, ok
}

// spawnCLI launches the local CLI child that dials back to the CLI gateway.
func (c *Coordinator) spawnCLI(ctx context.Context, sess *session.Session) error {
	c.mu.Lock()
	baseURL := c.baseURL
	c.mu.Unlock()
	if baseURL == "" {
		return fmt.Errorf("broker base URL not set")
	}

	dialURL := fmt.Sprintf("%s/ws/cli/%s", baseURL, sess.ID())
	spec := process.Spec{
		Binary: sess.AdapterName(),
		Args: []string{
			"--input-format", "stream-json",
			"--output-format", "stream-json",
			"--sdk-url", dialURL,
		},
		Cwd: sess.State().Cwd,
	}
	_, err := c.launcher.Launch(ctx, sess.ID(), spec)
	return err
}

func (c *Coordinator) publish(sessionID, eventType string, data map[string]any) {
	if c.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "coordinator", data)
	subject := events.BuildSessionSubject(eventType, sessionID)
	if err := c.eventBus.Publish(context.Background(), subject, event); err != nil {
		c.logger.Warn("failed to publish event", zap.String("event", eventType), zap.Error(err))
	}
}

// cwdMessage builds the configuration seed that records the working
// directory of a freshly created session.
func cwdMessage(cwd string) *unified.Message {
	msg := unified.NewMessage(unified.TypeConfigurationChange, unified.RoleSystem)
	msg.SetMeta(unified.MetaCwd, cwd)
	return msg
}

// originChecker builds the Origin validator for WebSocket upgrades. Requests
// without an Origin header (native CLIs, curl) are governed by
// allowMissingOrigin; browser origins must be loopback or on the allowlist.
func originChecker(cfg config.ServerConfig) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[strings.ToLower(strings.TrimSuffix(origin, "/"))] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return cfg.AllowMissingOrigin
		}
		if _, ok := allowed[strings.ToLower(strings.TrimSuffix(origin, "/"))]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	}
}
