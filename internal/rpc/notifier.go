package rpc

import "sync"

// Fanout is a bounded, coalescing notification broadcaster: it tracks
// which connections are subscribed to which session, and forwards
// eventctx.Notifier.Notify calls to each subscriber's send loop. A slow or
// absent subscriber never blocks the turn that produced the notification —
// Conn.notify is itself non-blocking: when the send buffer is full it
// coalesces text/thinking deltas and tool_start/tool_end into their pending
// entries and drops only notifications it cannot merge, the same tradeoff internal/gateway/ws_control_plane.go
// makes with its fixed-size per-connection send channel (the durable event
// log, not the notification stream, is the source of truth for anything a
// client cannot afford to miss).
type Fanout struct {
	mu   sync.RWMutex
	subs map[string]map[*Conn]struct{}
}

// NewFanout returns an empty notification fan-out table.
func NewFanout() *Fanout {
	return &Fanout{subs: make(map[string]map[*Conn]struct{})}
}

// Subscribe registers conn to receive notifications for sessionID.
func (f *Fanout) Subscribe(conn *Conn, sessionID string) {
	if sessionID == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.subs[sessionID]
	if !ok {
		set = make(map[*Conn]struct{})
		f.subs[sessionID] = set
	}
	set[conn] = struct{}{}
}

// Unsubscribe removes conn from every session it was subscribed to. Called
// once a connection closes.
func (f *Fanout) Unsubscribe(conn *Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sessionID, set := range f.subs {
		delete(set, conn)
		if len(set) == 0 {
			delete(f.subs, sessionID)
		}
	}
}

// Notify implements eventctx.Notifier. It is also used directly by
// subagent.Tracker to push subagent.* notifications onto a parent
// session's subscribers.
func (f *Fanout) Notify(sessionID string, method string, params any) {
	f.mu.RLock()
	subs := make([]*Conn, 0, len(f.subs[sessionID]))
	for c := range f.subs[sessionID] {
		subs = append(subs, c)
	}
	f.mu.RUnlock()

	for _, c := range subs {
		c.notify(method, params)
	}
}
