package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/beamcode/beamcode/internal/common/errors"
	"github.com/beamcode/beamcode/internal/common/logger"
	"github.com/beamcode/beamcode/internal/events"
	"github.com/beamcode/beamcode/internal/events/bus"
	"github.com/beamcode/beamcode/internal/session"
	"github.com/beamcode/beamcode/internal/unified"
	"github.com/beamcode/beamcode/pkg/consumerwire"
)

// CapabilitiesPolicy drives the initialize handshake after a backend
// attaches: it sends the initialize control request, matches the response to
// the outstanding request id, and publishes the resulting capabilities
// exactly once. Only one handshake is in flight per session.
type CapabilitiesPolicy struct {
	timeout     time.Duration
	broadcaster *Broadcaster
	eventBus    bus.EventBus
	logger      *logger.Logger
}

// NewCapabilitiesPolicy creates the policy with the given handshake deadline.
func NewCapabilitiesPolicy(timeout time.Duration, broadcaster *Broadcaster, eventBus bus.EventBus, log *logger.Logger) *CapabilitiesPolicy {
	return &CapabilitiesPolicy{
		timeout:     timeout,
		broadcaster: broadcaster,
		eventBus:    eventBus,
		logger:      log.WithFields(zap.String("component", "capabilities")),
	}
}

// Ensure starts the handshake unless capabilities are already known or a
// handshake is outstanding.
func (p *CapabilitiesPolicy) Ensure(ctx context.Context, sess *session.Session) {
	if sess.State().Capabilities != nil {
		return
	}
	backend := sess.Backend()
	if backend == nil {
		return
	}

	requestID := uuid.New().String()
	timer := time.AfterFunc(p.timeout, func() {
		p.expire(sess, requestID)
	})
	if !sess.SetPendingInitialize(requestID, timer) {
		timer.Stop()
		return
	}

	frame, err := json.Marshal(map[string]any{
		"type":       "control_request",
		"request_id": requestID,
		"request":    map[string]any{"subtype": "initialize"},
	})
	if err != nil {
		sess.CancelPendingInitialize()
		return
	}
	frame = append(frame, '\n')

	if err := backend.SendRaw(ctx, frame); err != nil {
		sess.CancelPendingInitialize()
		if apperrors.IsKind(err, apperrors.KindUnsupported) {
			// No initialize on this protocol; derive capabilities from what
			// the session_init already reported.
			p.synthesize(sess)
			return
		}
		p.logger.Warn("failed to send initialize request",
			zap.String("session_id", sess.ID()), zap.Error(err))
	}
}

// HandleControlResponse matches a control response against the outstanding
// initialize request. Stale or unknown request ids are dropped.
func (p *CapabilitiesPolicy) HandleControlResponse(sess *session.Session, msg *unified.Message) {
	requestID := msg.MetaString(unified.MetaRequestID)
	if !sess.MatchPendingInitialize(requestID) {
		p.logger.Debug("dropping unmatched control response",
			zap.String("session_id", sess.ID()),
			zap.String("request_id", requestID))
		return
	}

	if errMsg := msg.MetaString(unified.MetaError); errMsg != "" {
		p.logger.Warn("initialize request failed",
			zap.String("session_id", sess.ID()),
			zap.String("error", errMsg))
		p.synthesize(sess)
		return
	}

	caps := decodeCapabilities(msg.Metadata[unified.MetaCapabilities])
	if caps == nil {
		p.synthesize(sess)
		return
	}
	p.apply(sess, caps)
}

// expire fires when the handshake deadline passes without a response.
func (p *CapabilitiesPolicy) expire(sess *session.Session, requestID string) {
	if !sess.MatchPendingInitialize(requestID) {
		return
	}
	p.logger.Warn("initialize handshake timed out", zap.String("session_id", sess.ID()))

	payload := newErrorPayload(consumerwire.OutError, "capabilities handshake timed out")
	payload["kind"] = apperrors.KindHandshakeTimeout
	p.broadcaster.Broadcast(sess, payload)
	p.publish(sess.ID(), events.CapabilitiesTimeout, map[string]any{"request_id": requestID})
}

// synthesize builds a capabilities record from the slash commands the
// session_init reported. Used when the backend has no initialize exchange.
func (p *CapabilitiesPolicy) synthesize(sess *session.Session) {
	state := sess.State()
	caps := &session.Capabilities{ReceivedAt: time.Now()}
	for _, name := range state.SlashCommands {
		caps.Commands = append(caps.Commands, session.Command{Name: name})
	}
	if state.Model != "" {
		caps.Models = []session.Model{{ID: state.Model}}
	}
	p.apply(sess, caps)
}

func (p *CapabilitiesPolicy) apply(sess *session.Session, caps *session.Capabilities) {
	sess.SetCapabilities(caps)

	payload := consumerwire.NewPayload(consumerwire.OutCapabilitiesReady)
	payload["commands"] = caps.Commands
	payload["models"] = caps.Models
	if caps.Account != nil {
		payload["account"] = caps.Account
	}
	p.broadcaster.Broadcast(sess, payload)
	p.publish(sess.ID(), events.CapabilitiesReady, map[string]any{
		"commands": len(caps.Commands),
		"models":   len(caps.Models),
	})
}

func (p *CapabilitiesPolicy) publish(sessionID, eventType string, data map[string]any) {
	if p.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "capabilities", data)
	subject := events.BuildSessionSubject(eventType, sessionID)
	if err := p.eventBus.Publish(context.Background(), subject, event); err != nil {
		p.logger.Warn("failed to publish event", zap.String("event", eventType), zap.Error(err))
	}
}

// decodeCapabilities converts whatever shape the adapter attached (a typed
// struct from an in-process translator or a generic JSON map) into the
// session capabilities record via a JSON round trip.
func decodeCapabilities(raw any) *session.Capabilities {
	if raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var decoded struct {
		Commands []session.Command `json:"commands"`
		Models   []session.Model   `json:"models"`
		Account  *session.Account  `json:"account"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil
	}
	if len(decoded.Commands) == 0 && len(decoded.Models) == 0 && decoded.Account == nil {
		return nil
	}
	return &session.Capabilities{
		Commands:   decoded.Commands,
		Models:     decoded.Models,
		Account:    decoded.Account,
		ReceivedAt: time.Now(),
	}
}
