// Package gateway terminates one WebSocket per browser tab and
// multiplexes it against live sessions. Every inbound message names its
// session; output is fanned back out tagged the same way.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/perchhq/perch/internal/protocol"
	"github.com/perchhq/perch/internal/session"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	// sendQueueSize bounds the per-connection outbound queue. A client
	// that cannot drain it is disconnected rather than allowed to stall
	// session pumps.
	sendQueueSize = 256

	// inputRate caps inbound bytes per connection. Interactive typing
	// and pastes fit comfortably; a runaway client does not.
	inputRate  = 1 << 20 // 1 MiB/s
	inputBurst = 1 << 20
)

type Gateway struct {
	registry *session.Registry
	logger   *slog.Logger

	// requireTakeover switches reattach from last-attach-wins to
	// explicit takeover confirmation.
	requireTakeover bool
	shell           string
}

func New(registry *session.Registry, logger *slog.Logger, requireTakeover bool, shell string) *Gateway {
	return &Gateway{
		registry:        registry,
		logger:          logger,
		requireTakeover: requireTakeover,
		shell:           shell,
	}
}

// HandleWS upgrades the request and serves the connection until the
// client goes away. workspaceID comes from the trusted routing layer,
// never from the client.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request, workspaceID string) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", "err", err)
		return
	}

	c := &conn{
		ws:          ws,
		gw:          g,
		workspaceID: workspaceID,
		sendCh:      make(chan protocol.Message, sendQueueSize),
		closed:      make(chan struct{}),
		attached:    make(map[string]struct{}),
		limiter:     rate.NewLimiter(rate.Limit(inputRate), inputBurst),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go c.writeLoop(ctx)
	go c.pingLoop(ctx)

	c.readLoop(ctx)

	c.close(websocket.StatusNormalClosure, "")
	c.detachAll()
}

// conn is one browser tab's connection. It implements session.Sink;
// all sink callbacks enqueue onto sendCh and never block.
type conn struct {
	ws          *websocket.Conn
	gw          *Gateway
	workspaceID string

	sendCh    chan protocol.Message
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	attached map[string]struct{}

	limiter *rate.Limiter
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close(code, reason)
	})
}

// send enqueues without blocking. A full queue means the client is not
// reading; the connection is closed and the sessions fall back to
// scrollback buffering.
func (c *conn) send(msg protocol.Message) {
	select {
	case <-c.closed:
	case c.sendCh <- msg:
	default:
		c.gw.logger.Warn("send queue full, dropping connection", "workspace", c.workspaceID)
		c.close(websocket.StatusPolicyViolation, "slow consumer")
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.sendCh:
			data, err := json.Marshal(msg)
			if err != nil {
				c.gw.logger.Error("marshal outbound message", "err", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

func (c *conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				c.close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := c.limiter.WaitN(ctx, len(data)); err != nil {
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", protocol.ErrCodeInvalid, "malformed message")
			continue
		}
		c.handle(msg)
	}
}

func (c *conn) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		c.send(protocol.Message{Type: protocol.TypePong})
	case protocol.TypeInput:
		c.handleInput(msg)
	case protocol.TypeResize:
		c.handleResize(msg)
	case protocol.TypeCreateSession:
		c.handleCreate(msg)
	case protocol.TypeCloseSession:
		c.handleClose(msg)
	case protocol.TypeRenameSession:
		c.handleRename(msg)
	case protocol.TypeListSessions:
		c.handleList()
	case protocol.TypeReattachSession:
		c.handleReattach(msg)
	default:
		// Unknown types are ignored so newer clients keep working.
	}
}

func (c *conn) handleInput(msg protocol.Message) {
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		c.sendError(msg.SessionID, protocol.ErrCodeInvalid, "bad input encoding")
		return
	}
	if err := c.gw.registry.Input(msg.SessionID, data); err != nil {
		c.sendSessionError(msg.SessionID, err)
	}
}

func (c *conn) handleResize(msg protocol.Message) {
	if err := c.gw.registry.Resize(msg.SessionID, msg.Cols, msg.Rows); err != nil {
		c.sendSessionError(msg.SessionID, err)
	}
}

func (c *conn) handleCreate(msg protocol.Message) {
	// The browser only spawns terminals here; agent (chat) sessions are
	// created through the agent gateway's HTTP surface.
	s, err := c.gw.registry.Create(session.CreateParams{
		WorkspaceID:    c.workspaceID,
		Kind:           session.KindTerminal,
		Label:          msg.Label,
		Dir:            msg.Dir,
		Cols:           msg.Cols,
		Rows:           msg.Rows,
		IdempotencyKey: msg.IdempotencyKey,
	})
	if err != nil {
		c.sendSessionError("", err)
		return
	}

	err = c.gw.registry.Attach(s.ID, c, true, msg.Cols, msg.Rows, func(info session.Info) {
		c.trackAttached(s.ID)
		raw, _ := json.Marshal(info)
		c.send(protocol.Message{
			Type:      protocol.TypeSessionCreated,
			SessionID: s.ID,
			Session:   raw,
		})
	})
	if err != nil {
		c.sendSessionError(s.ID, err)
	}
}

func (c *conn) handleClose(msg protocol.Message) {
	if err := c.gw.registry.Close(msg.SessionID); err != nil {
		c.sendSessionError(msg.SessionID, err)
		return
	}
	c.forgetAttached(msg.SessionID)
	c.send(protocol.Message{Type: protocol.TypeSessionClosed, SessionID: msg.SessionID})
}

func (c *conn) handleRename(msg protocol.Message) {
	if err := c.gw.registry.Rename(msg.SessionID, msg.Label); err != nil {
		c.sendSessionError(msg.SessionID, err)
		return
	}
	c.send(protocol.Message{
		Type:      protocol.TypeSessionRenamed,
		SessionID: msg.SessionID,
		Label:     msg.Label,
	})
}

func (c *conn) handleList() {
	infos := c.gw.registry.List(c.workspaceID)
	raw, err := json.Marshal(infos)
	if err != nil {
		c.sendError("", protocol.ErrCodeInternal, "failed to encode session list")
		return
	}
	c.send(protocol.Message{Type: protocol.TypeSessionList, Sessions: raw})
}

func (c *conn) handleReattach(msg protocol.Message) {
	// Terminal policy defaults to last-attach-wins: a fresh browser tab
	// displaces a stale one without ceremony, unless the deployment
	// sets require_takeover. Agent (chat) sessions always demand the
	// explicit flag: stealing a conversation mid-task is never silent.
	takeover := msg.Takeover || !c.gw.requireTakeover
	if s, ok := c.gw.registry.Get(msg.SessionID); ok && s.Kind == session.KindChat {
		takeover = msg.Takeover
	}

	err := c.gw.registry.Attach(msg.SessionID, c, takeover, msg.Cols, msg.Rows, func(info session.Info) {
		c.trackAttached(msg.SessionID)
		c.send(protocol.Message{
			Type:             protocol.TypeSessionReattached,
			SessionID:        msg.SessionID,
			WorkingDirectory: info.WorkingDirectory,
			Shell:            c.gw.shell,
		})
	})
	if err != nil {
		c.sendSessionError(msg.SessionID, err)
	}
}

func (c *conn) trackAttached(id string) {
	c.mu.Lock()
	c.attached[id] = struct{}{}
	c.mu.Unlock()
}

func (c *conn) forgetAttached(id string) {
	c.mu.Lock()
	delete(c.attached, id)
	c.mu.Unlock()
}

// detachAll releases every session this connection held, starting
// their orphan clocks.
func (c *conn) detachAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.attached))
	for id := range c.attached {
		ids = append(ids, id)
	}
	c.attached = make(map[string]struct{})
	c.mu.Unlock()

	for _, id := range ids {
		c.gw.registry.Detach(id, c)
	}
}

func (c *conn) sendError(sessionID, code, detail string) {
	c.send(protocol.Message{
		Type:      protocol.TypeError,
		SessionID: sessionID,
		Error:     code,
		Message:   detail,
	})
}

func (c *conn) sendSessionError(sessionID string, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.sendError(sessionID, protocol.ErrCodeNotFound, "")
	case errors.Is(err, session.ErrExited):
		c.sendError(sessionID, protocol.ErrCodeExited, "")
	case errors.Is(err, session.ErrNotRunning):
		c.sendError(sessionID, protocol.ErrCodeExited, "session is shutting down")
	case errors.Is(err, session.ErrAlreadyAttached):
		c.sendError(sessionID, protocol.ErrCodeAlreadyAttached, "")
	case errors.Is(err, session.ErrLimitReached):
		c.sendError(sessionID, protocol.ErrCodeLimitReached, "")
	case errors.Is(err, session.ErrLabelTooLong):
		c.sendError(sessionID, protocol.ErrCodeInvalid, "label too long")
	default:
		c.sendError(sessionID, protocol.ErrCodeInternal, err.Error())
	}
}

// Output implements session.Sink.
func (c *conn) Output(sessionID string, data []byte) {
	c.send(protocol.Message{
		Type:      protocol.TypeOutput,
		SessionID: sessionID,
		Data:      base64.StdEncoding.EncodeToString(data),
	})
}

// Scrollback implements session.Sink. Sent exactly once per attach,
// empty or not.
func (c *conn) Scrollback(sessionID string, data []byte) {
	c.send(protocol.Message{
		Type:      protocol.TypeScrollback,
		SessionID: sessionID,
		Data:      base64.StdEncoding.EncodeToString(data),
	})
}

// Exited implements session.Sink.
func (c *conn) Exited(sessionID string, exitCode int) {
	c.forgetAttached(sessionID)
	code := exitCode
	c.send(protocol.Message{
		Type:      protocol.TypeSession,
		SessionID: sessionID,
		Event:     protocol.EventExited,
		ExitCode:  &code,
	})
}

// Detached implements session.Sink. The client always learns why it
// lost a session; a connection is never left guessing.
func (c *conn) Detached(sessionID string, reason string) {
	c.forgetAttached(sessionID)
	event := protocol.EventDetached
	if reason == "closed" {
		event = protocol.EventStopped
	}
	c.send(protocol.Message{
		Type:      protocol.TypeSession,
		SessionID: sessionID,
		Event:     event,
		Reason:    reason,
	})
}
