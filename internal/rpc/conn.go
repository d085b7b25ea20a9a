package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Conn is one client's WebSocket connection: a read loop decoding JSON-RPC
// request frames and dispatching them against the Server's method table,
// and a write loop draining a buffered send channel. Grounded on wsSession
// in internal/gateway/ws_control_plane.go — same ping/pong deadlines, same
// fixed-size non-blocking send channel, same read/write goroutine split —
// with the bespoke wsFrame envelope replaced by real JSON-RPC 2.0 frames.
type Conn struct {
	server *Server
	ws     *websocket.Conn
	send   chan []byte
	flush  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	id  string
	seq int64

	// limiter bounds how fast this connection may dispatch requests, so one
	// misbehaving or compromised client can't starve the turn lock or the
	// event store of every other connection's fair share.
	limiter *rate.Limiter

	coalesceMu sync.Mutex
	coalesced  map[string]pendingNotification
}

// pendingNotification is one notification merged or superseded while the
// connection's send buffer was full.
type pendingNotification struct {
	method string
	params map[string]any
}

func newConn(s *Server, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		server:    s,
		ws:        ws,
		send:      make(chan []byte, sendBufferSize),
		flush:     make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		id:        uuid.NewString(),
		limiter:   rate.NewLimiter(rate.Limit(inboundRequestsPerSecond), inboundRequestBurst),
		coalesced: make(map[string]pendingNotification),
	}
}

func (c *Conn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *Conn) close() {
	c.cancel()
	c.server.Fanout.Unsubscribe(c)
	close(c.send)
	_ = c.ws.Close()
}

func (c *Conn) readLoop() {
	c.ws.SetReadLimit(maxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.dispatch(data)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.flush:
			c.drainCoalesced()
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			c.drainCoalesced()
		}
	}
}

func (c *Conn) dispatch(raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.writeResponse(newErrorResponse(nil, CodeParseError, "parse error: "+err.Error()))
		return
	}
	if req.Method == "" {
		c.writeResponse(newErrorResponse(req.ID, CodeInvalidParams, "missing method"))
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.writeResponse(newErrorResponse(req.ID, CodeRateLimited, "request rate exceeded"))
		return
	}

	handler, ok := c.server.methods[req.Method]
	if !ok {
		c.writeResponse(newErrorResponse(req.ID, CodeMethodNotFound, "unknown method: "+req.Method))
		return
	}

	result, rpcErr := handler(c, req.Params)
	if rpcErr != nil {
		c.writeResponse(newErrorResponse(req.ID, rpcErr.Code, rpcErr.Message))
		return
	}
	c.writeResponse(newResponse(req.ID, result))
}

func (c *Conn) writeResponse(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// notify is called by Fanout.Notify to push one server-initiated
// notification to this connection. A connection that is keeping up gets
// the frame immediately; a connection whose send buffer is full coalesces
// it instead of dropping it outright (text deltas concatenate, tool-start/
// tool-end for the same call collapse to the latest one).
func (c *Conn) notify(method string, params any) {
	data, err := json.Marshal(newNotification(method, params))
	if err != nil {
		return
	}
	select {
	case c.send <- data:
		return
	default:
	}
	c.coalesce(method, params)
}

func (c *Conn) coalesce(method string, params any) {
	key, ok := coalesceKey(method, params)
	if !ok {
		if c.server != nil {
			c.server.Log.Warn("send buffer full, dropping frame", "conn_id", c.id, "method", method)
		}
		return
	}
	pmap, _ := params.(map[string]any)

	c.coalesceMu.Lock()
	if c.coalesced == nil {
		c.coalesced = make(map[string]pendingNotification)
	}
	if method == "agent.text_delta" || method == "agent.thinking_delta" {
		if prev, ok := c.coalesced[key]; ok {
			merged := cloneParams(prev.params)
			prevText, _ := merged["text"].(string)
			merged["text"] = prevText + textOf(pmap)
			c.coalesced[key] = pendingNotification{method: method, params: merged}
		} else {
			c.coalesced[key] = pendingNotification{method: method, params: cloneParams(pmap)}
		}
	} else {
		// tool-start/tool-end for the same call: only the latest state survives.
		c.coalesced[key] = pendingNotification{method: method, params: cloneParams(pmap)}
	}
	c.coalesceMu.Unlock()

	select {
	case c.flush <- struct{}{}:
	default:
	}
}

// drainCoalesced pushes as many coalesced notifications onto send as fit
// without blocking, called whenever a slot frees up.
func (c *Conn) drainCoalesced() {
	for {
		c.coalesceMu.Lock()
		var key string
		var pn pendingNotification
		for k, v := range c.coalesced {
			key, pn = k, v
			break
		}
		if key == "" {
			c.coalesceMu.Unlock()
			return
		}
		data, err := json.Marshal(newNotification(pn.method, pn.params))
		if err != nil {
			delete(c.coalesced, key)
			c.coalesceMu.Unlock()
			continue
		}
		select {
		case c.send <- data:
			delete(c.coalesced, key)
			c.coalesceMu.Unlock()
		default:
			c.coalesceMu.Unlock()
			return
		}
	}
}

func (c *Conn) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		if c.server != nil {
			c.server.Log.Warn("send buffer full, dropping frame", "conn_id", c.id)
		}
	}
}

func (c *Conn) nextSeq() int64 {
	return atomic.AddInt64(&c.seq, 1)
}

const (
	// inboundRequestsPerSecond/inboundRequestBurst bound one connection's
	// sustained and bursty request rate. Generous enough that a client
	// streaming several agent.message/agent.respond calls per second never
	// notices; tight enough that a runaway client can't monopolize the
	// turn lock or event store.
	inboundRequestsPerSecond = 50
	inboundRequestBurst      = 100
)

// coalesceKey reports the merge key for a notification eligible for
// coalescing, and false for everything else (turn lifecycle notifications
// are rare enough per turn that dropping one under backpressure is
// acceptable; only the high-frequency streams coalesce).
func coalesceKey(method string, params any) (string, bool) {
	pmap, ok := params.(map[string]any)
	if !ok {
		return "", false
	}
	sessionID, _ := pmap["sessionId"].(string)
	switch method {
	case "agent.text_delta", "agent.thinking_delta":
		return method + ":" + sessionID, true
	case "agent.tool_start", "agent.tool_end":
		toolCallID, _ := pmap["toolCallId"].(string)
		if toolCallID == "" {
			return "", false
		}
		return "tool:" + toolCallID, true
	default:
		return "", false
	}
}

func textOf(params map[string]any) string {
	s, _ := params["text"].(string)
	return s
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
