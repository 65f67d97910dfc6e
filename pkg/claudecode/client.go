package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/common/logger"
)

// RequestHandler receives control requests originated by the CLI, such as
// can_use_tool. The handler answers through SendControlResponse.
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler receives every streaming message that is not control
// traffic.
type MessageHandler func(msg *CLIMessage)

// ResponseHandler receives control responses no in-flight call is waiting
// on, letting a caller match request ids it issued out of band.
type ResponseHandler func(resp *IncomingControlResponse)

// Client speaks the stream-json protocol over any reader/writer pair: the
// stdio of a spawned CLI, or an inverted WebSocket bridged to pipes. Reads
// are line-delimited JSON; writes are NDJSON.
type Client struct {
	r io.Reader
	w io.Writer

	hmu        sync.RWMutex
	onMessage  MessageHandler
	onRequest  RequestHandler
	onResponse ResponseHandler

	wmu sync.Mutex

	imu      sync.Mutex
	inflight map[string]chan *IncomingControlResponse

	stopOnce sync.Once
	stopped  chan struct{}
	logger   *logger.Logger
}

// Lines can carry whole file contents inside tool results.
const maxLineBytes = 10 * 1024 * 1024

// NewClient wraps the stream pair. Call Start to begin reading.
func NewClient(w io.Writer, r io.Reader, log *logger.Logger) *Client {
	return &Client{
		r:        r,
		w:        w,
		inflight: make(map[string]chan *IncomingControlResponse),
		stopped:  make(chan struct{}),
		logger:   log.WithFields(zap.String("component", "stream-json")),
	}
}

// SetMessageHandler installs the streaming message handler.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.hmu.Lock()
	c.onMessage = h
	c.hmu.Unlock()
}

// SetRequestHandler installs the CLI-originated control request handler.
func (c *Client) SetRequestHandler(h RequestHandler) {
	c.hmu.Lock()
	c.onRequest = h
	c.hmu.Unlock()
}

// SetResponseHandler installs the unmatched control response handler.
func (c *Client) SetResponseHandler(h ResponseHandler) {
	c.hmu.Lock()
	c.onResponse = h
	c.hmu.Unlock()
}

// Start launches the read loop. The returned channel closes when the stream
// ends or Stop is called.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		c.readLoop(ctx)
	}()
	return finished
}

// Stop ends the read loop. Idempotent; does not close the underlying stream.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

// Initialize performs the initialize control exchange and returns the CLI's
// advertised commands, models, and account.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) (*InitializeResponseData, error) {
	requestID := uuid.New().String()
	ch := make(chan *IncomingControlResponse, 1)

	c.imu.Lock()
	c.inflight[requestID] = ch
	c.imu.Unlock()
	defer func() {
		c.imu.Lock()
		delete(c.inflight, requestID)
		c.imu.Unlock()
	}()

	err := c.SendControlRequest(&SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   SDKControlRequestBody{Subtype: SubtypeInitialize},
	})
	if err != nil {
		return nil, fmt.Errorf("send initialize: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("initialize timed out after %v", timeout)
	case resp := <-ch:
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("initialize failed: %s", resp.Error)
		}
		return resp.Response, nil
	}
}

// SendControlRequest writes one control request frame.
func (c *Client) SendControlRequest(req *SDKControlRequest) error {
	return c.Send(req)
}

// SendControlResponse writes one control response frame.
func (c *Client) SendControlResponse(resp *ControlResponseMessage) error {
	return c.Send(resp)
}

// SendUserMessage writes a user prompt. Content is either a plain string or
// a block list.
func (c *Client) SendUserMessage(sessionID string, content any) error {
	return c.Send(&UserMessage{
		Type:      MessageTypeUser,
		SessionID: sessionID,
		Message:   UserMessageBody{Role: "user", Content: content},
	})
}

// Send marshals any frame and writes it as one line.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes a pre-encoded frame. Writers are serialized so concurrent
// sends never interleave inside one line.
func (c *Client) SendRaw(data []byte) error {
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		default:
		}
		if line := scanner.Bytes(); len(line) > 0 {
			c.dispatch(line)
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Debug("stream ended", zap.Error(err))
	}
}

// dispatch routes one frame: CLI control requests, responses to our control
// requests, or streaming messages, in that order.
func (c *Client) dispatch(line []byte) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("unparseable frame", zap.Error(err), zap.ByteString("line", line))
		return
	}

	switch {
	case msg.Type == MessageTypeControlRequest && msg.Request != nil:
		c.dispatchRequest(msg.RequestID, msg.Request)

	case msg.Type == MessageTypeControlResponse && msg.Response != nil:
		// The request id lives inside the response object on this frame.
		c.dispatchResponse(msg.Response)

	default:
		c.hmu.RLock()
		h := c.onMessage
		c.hmu.RUnlock()
		if h != nil {
			msg.RawContent = append([]byte(nil), line...)
			h(&msg)
		}
	}
}

func (c *Client) dispatchRequest(requestID string, req *ControlRequest) {
	c.hmu.RLock()
	h := c.onRequest
	c.hmu.RUnlock()

	if h != nil {
		h(requestID, req)
		return
	}

	// Without a handler the safe answer to a permission ask is a refusal.
	err := c.SendControlResponse(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response:  &ControlResponse{Subtype: "error", Error: "no handler registered"},
	})
	if err != nil {
		c.logger.Warn("failed to refuse control request",
			zap.String("request_id", requestID), zap.Error(err))
	}
}

func (c *Client) dispatchResponse(resp *IncomingControlResponse) {
	c.imu.Lock()
	ch, ok := c.inflight[resp.RequestID]
	c.imu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
		return
	}

	c.hmu.RLock()
	h := c.onResponse
	c.hmu.RUnlock()
	if h != nil {
		h(resp)
		return
	}

	c.logger.Debug("control response with no taker",
		zap.String("request_id", resp.RequestID),
		zap.String("subtype", resp.Subtype))
}
