package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/cmdq/internal/observability"
	"github.com/harun/cmdq/internal/tracing"
	"github.com/harun/cmdq/pkg/commandqueue"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NotificationHandler receives notifications pushed by the peer
type NotificationHandler func(method string, data json.RawMessage)

// ClientConfig holds client configuration
type ClientConfig struct {
	URL            string
	Header         http.Header
	RequestTimeout time.Duration // 0 waits forever
	Logger         *zerolog.Logger
	OnNotification NotificationHandler
}

// Client is a request/response signaling connection. It implements
// commandqueue.Executor: every command becomes one request and the command's
// sink settles with the peer's response.
type Client struct {
	conn           *websocket.Conn
	url            string
	requestTimeout time.Duration
	logger         zerolog.Logger
	onNotification NotificationHandler

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
	done    chan struct{}

	closeOnce sync.Once
}

type pendingRequest struct {
	method    string
	sink      *commandqueue.Sink
	timer     *time.Timer
	startedAt time.Time
	span      trace.Span
	logger    zerolog.Logger
}

var _ commandqueue.Executor = (*Client)(nil)

// Dial connects to a signaling peer
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.RequestTimeout < 0 {
		return nil, fmt.Errorf("invalid request timeout: %s", cfg.RequestTimeout)
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.URL, err)
	}

	c := newClient(conn, cfg, logger)
	go c.readLoop()

	c.logger.Info().Msg("Connected to peer")
	observability.RecordPeerAudit(ctx, "connect", cfg.URL, "success", nil)

	return c, nil
}

func newClient(conn *websocket.Conn, cfg ClientConfig, logger zerolog.Logger) *Client {
	return &Client{
		conn:           conn,
		url:            cfg.URL,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger.With().Str("component", "signaling-client").Str("peer", cfg.URL).Logger(),
		onNotification: cfg.OnNotification,
		pending:        make(map[string]*pendingRequest),
		done:           make(chan struct{}),
	}
}

// Exec sends cmd as a request and settles sink with the response
func (c *Client) Exec(cmd *commandqueue.Command, sink *commandqueue.Sink) {
	id, err := gonanoid.New()
	if err != nil {
		_ = sink.Reject(fmt.Errorf("failed to generate request id: %w", err))
		return
	}

	msg, err := NewRequest(id, cmd.Method, cmd.Data)
	if err != nil {
		_ = sink.Reject(err)
		return
	}

	ctx := tracing.WithRequestID(cmd.Context(), id)
	ctx, span := tracing.StartSpan(
		ctx,
		"cmdq.signaling",
		"signaling.request",
		attribute.String("request_id", id),
		attribute.String("command_id", cmd.ID),
		attribute.String("method", cmd.Method),
	)

	logger := tracing.LoggerFromContext(ctx, c.logger)
	pr := &pendingRequest{
		method:    cmd.Method,
		sink:      sink,
		startedAt: time.Now(),
		span:      span,
		logger:    logger,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		span.RecordError(ErrConnectionClosed)
		span.End()
		_ = sink.Reject(ErrConnectionClosed)
		return
	}
	c.pending[id] = pr
	if c.requestTimeout > 0 {
		pr.timer = time.AfterFunc(c.requestTimeout, func() {
			c.settle(id, nil, ErrRequestTimeout)
		})
	}
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		c.settle(id, nil, fmt.Errorf("failed to send request: %w", err))
		return
	}

	logger.Debug().
		Str("requestId", id).
		Str("method", cmd.Method).
		Msg("Request sent")
}

// Notify sends a notification to the peer
func (c *Client) Notify(method string, data interface{}) error {
	msg, err := NewNotification(method, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}

	return c.write(msg)
}

// Pending returns the number of requests awaiting a response
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once the connection is lost or closed
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. Pending requests are rejected with
// ErrConnectionClosed.
func (c *Client) Close() error {
	c.shutdown()

	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()

		err = c.conn.Close()
		c.logger.Info().Msg("Disconnected from peer")
	})
	return err
}

func (c *Client) write(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *Client) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("Connection lost")
			}
			c.shutdown()
			return
		}

		msg, err := ParseMessage(raw)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed message")
			continue
		}

		switch {
		case msg.Response:
			if msg.OK {
				c.settle(msg.ID, msg.Data, nil)
			} else {
				c.settle(msg.ID, nil, NewPeerError(msg.ErrorCode, msg.ErrorReason))
			}

		case msg.Notification:
			if c.onNotification != nil {
				c.onNotification(msg.Method, msg.Data)
			}

		case msg.Request:
			reply := NewErrorResponse(msg.ID, CodeNotImplemented, "client does not serve requests")
			if err := c.write(reply); err != nil {
				c.logger.Warn().Err(err).Str("requestId", msg.ID).Msg("Failed to refuse peer request")
			}
		}
	}
}

// settle completes the pending request id. Responses for unknown or
// already-settled ids are ignored.
func (c *Client) settle(id string, data json.RawMessage, err error) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Str("requestId", id).Msg("Ignoring response for unknown request")
		return
	}

	c.finish(id, pr, data, err)
}

func (c *Client) finish(id string, pr *pendingRequest, data json.RawMessage, err error) {
	if pr.timer != nil {
		pr.timer.Stop()
	}

	duration := time.Since(pr.startedAt)
	observability.RecordPeerRequest("client", pr.method, duration, err == nil)

	if err != nil {
		pr.span.RecordError(err)
		pr.span.SetStatus(codes.Error, err.Error())
		pr.span.End()

		pr.logger.Debug().
			Err(err).
			Str("requestId", id).
			Str("method", pr.method).
			Dur("duration", duration).
			Msg("Request failed")
		_ = pr.sink.Reject(err)
		return
	}

	pr.span.End()
	pr.logger.Debug().
		Str("requestId", id).
		Str("method", pr.method).
		Dur("duration", duration).
		Msg("Response received")
	_ = pr.sink.Resolve(data)
}

// shutdown marks the client closed and rejects everything pending
func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	close(c.done)

	for id, pr := range pending {
		c.finish(id, pr, nil, ErrConnectionClosed)
	}

	if len(pending) > 0 {
		c.logger.Warn().Int("pending", len(pending)).Msg("Rejected pending requests on disconnect")
	}
	observability.RecordPeerAudit(context.Background(), "disconnect", c.url, "success", map[string]interface{}{
		"pending": len(pending),
	})
}
