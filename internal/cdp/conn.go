// Package cdp multiplexes one Chrome DevTools Protocol websocket across
// many concurrent commands and event subscribers. Commands are correlated
// by sequence id, events are routed by protocol session id.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event is an unsolicited push from the browser, scoped to a protocol
// session ("" for browser-level events).
type Event struct {
	Method    string
	SessionID string
	Params    json.RawMessage
}

// message is the CDP wire envelope for commands, responses, and events.
type message struct {
	ID        uint64          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ProtocolError  `json:"error,omitempty"`
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

type subKey struct {
	sessionID string
	method    string
}

// Conn is one live websocket to the browser. All workers and targets share
// it; the write path is serialized, reads and dispatch run concurrently.
type Conn struct {
	ws             *websocket.Conn
	log            *zap.Logger
	commandTimeout time.Duration

	// writeMu enforces one frame on the wire at a time. Commands for the
	// same target therefore reach the browser in issuance order.
	writeMu sync.Mutex

	seq atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan pendingResult
	subs    map[subKey]map[uint64]*subscriber
	subSeq  uint64
	closed  bool

	done chan struct{}
}

const eventBuffer = 32

// subscriber decouples event delivery from the read loop: dispatch appends
// to a growable queue and a pump goroutine forwards to the consumer channel.
// A slow consumer therefore delays only itself; no event is ever dropped
// while the subscription is live.
type subscriber struct {
	out  chan Event
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	queue []Event
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:  make(chan Event, eventBuffer),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(ev Event) {
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// close stops delivery; the consumer observes the out channel closing.
func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func newConn(ws *websocket.Conn, log *zap.Logger, commandTimeout time.Duration) *Conn {
	c := &Conn{
		ws:             ws,
		log:            log,
		commandTimeout: commandTimeout,
		pending:        make(map[uint64]chan pendingResult),
		subs:           make(map[subKey]map[uint64]*subscriber),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Alive reports whether the transport is still usable.
func (c *Conn) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed when the transport fails or is shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send issues a command scoped to a protocol session and waits for its
// correlated response. sessionID "" targets the browser itself. If ctx has
// no deadline the connection's default command timeout is applied.
func (c *Conn) Send(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	limit := c.commandTimeout
	if deadline, ok := ctx.Deadline(); ok {
		limit = time.Until(deadline)
	} else if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = data
	}

	id := c.seq.Add(1)
	ch := make(chan pendingResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("send %s: %w", method, ErrConnectionLost)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	msg := message{ID: id, Method: method, Params: raw, SessionID: sessionID}
	c.writeMu.Lock()
	err := c.ws.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(id)
		c.fail(err)
		return nil, fmt.Errorf("send %s: %w", method, ErrConnectionLost)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%s: %w", method, res.err)
		}
		return res.result, nil
	case <-ctx.Done():
		c.removePending(id)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Method: method, Limit: limit}
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("%s: %w", method, ErrConnectionLost)
	}
}

// Subscribe registers a channel for events of the given method on a
// protocol session. Delivery is queued, so a consumer that falls behind
// delays only itself and never loses events. The returned cancel removes
// the subscription and closes the channel; the channel is also closed when
// the connection dies, so consumers detect teardown by channel close.
func (c *Conn) Subscribe(sessionID, method string) (<-chan Event, func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	key := subKey{sessionID: sessionID, method: method}
	c.subSeq++
	id := c.subSeq
	sub := newSubscriber()
	if c.subs[key] == nil {
		c.subs[key] = make(map[uint64]*subscriber)
	}
	c.subs[key][id] = sub
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if m, ok := c.subs[key]; ok {
			if sub, ok := m[id]; ok {
				delete(m, id)
				if len(m) == 0 {
					delete(c.subs, key)
				}
				sub.close()
			}
		}
	}
	return sub.out, cancel
}

// UnsubscribeSession drops every subscription routed to a protocol session.
// Called when a target closes so its subscriptions do not leak.
func (c *Conn) UnsubscribeSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, m := range c.subs {
		if key.sessionID != sessionID {
			continue
		}
		for _, sub := range m {
			sub.close()
		}
		delete(c.subs, key)
	}
}

// Close fails all pending commands before tearing down the socket so no
// caller is left blocked on a response that will never arrive.
func (c *Conn) Close() {
	c.fail(nil)
}

func (c *Conn) removePending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// fail marks the connection dead exactly once: every pending command gets
// ErrConnectionLost, every subscriber channel is closed, then the socket
// is torn down.
func (c *Conn) fail(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		ch <- pendingResult{err: ErrConnectionLost}
		delete(c.pending, id)
	}
	for key, m := range c.subs {
		for _, sub := range m {
			sub.close()
		}
		delete(c.subs, key)
	}
	close(c.done)
	c.mu.Unlock()

	if cause != nil {
		c.log.Warn("cdp connection failed", zap.Error(cause))
	}
	_ = c.ws.Close()
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Already shut down; the read error is just the closing socket.
			default:
				c.fail(err)
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("cdp frame not parseable", zap.Error(err))
			continue
		}

		switch {
		case msg.ID != 0:
			c.deliver(msg)
		case msg.Method != "":
			c.dispatch(msg)
		}
	}
}

func (c *Conn) deliver(msg message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		// The caller timed out and removed its tracker; drop the late reply.
		return
	}
	if msg.Error != nil {
		ch <- pendingResult{err: msg.Error}
		return
	}
	ch <- pendingResult{result: msg.Result}
}

func (c *Conn) dispatch(msg message) {
	key := subKey{sessionID: msg.SessionID, method: msg.Method}
	ev := Event{Method: msg.Method, SessionID: msg.SessionID, Params: msg.Params}

	c.mu.Lock()
	targets := make([]*subscriber, 0, len(c.subs[key]))
	for _, sub := range c.subs[key] {
		targets = append(targets, sub)
	}
	c.mu.Unlock()

	for _, sub := range targets {
		sub.push(ev)
	}
}
