package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Pool owns the single transport to the browser. Acquire hands out the
// lazily-dialed connection and redials once when it has dropped; if that
// redial fails the pool is broken until Restart.
type Pool struct {
	log            *zap.Logger
	commandTimeout time.Duration

	dialer     *websocket.Dialer
	httpClient *http.Client

	mu       sync.Mutex
	endpoint string
	conn     *Conn
	broken   bool
	shutdown bool
}

// NewPool creates a pool for the given debugging endpoint. The endpoint is
// either an http(s) base (resolved through /json/version) or a ws(s) URL
// used directly.
func NewPool(log *zap.Logger, endpoint string, commandTimeout time.Duration) *Pool {
	return &Pool{
		log:            log,
		endpoint:       endpoint,
		commandTimeout: commandTimeout,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		httpClient:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Acquire returns the live connection, dialing if necessary. After a failed
// reconnect it fails fast with ErrPoolBroken until Restart.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return nil, fmt.Errorf("acquire: %w", ErrConnectionLost)
	}
	if p.broken {
		return nil, ErrPoolBroken
	}
	if p.conn != nil && p.conn.Alive() {
		return p.conn, nil
	}

	reconnect := p.conn != nil
	conn, err := p.dialLocked(ctx)
	if err != nil {
		if reconnect {
			// The single best-effort reconnect failed; fail fast from now on.
			p.broken = true
			p.log.Error("reconnect failed, pool marked broken", zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrPoolBroken, err)
		}
		return nil, err
	}

	if reconnect {
		p.log.Info("reconnected to browser", zap.String("endpoint", p.endpoint))
	}
	p.conn = conn
	return conn, nil
}

// Send acquires the connection and issues one command.
func (p *Pool) Send(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Send(ctx, sessionID, method, params)
}

// Subscribe acquires the connection and registers an event subscription.
func (p *Pool) Subscribe(sessionID, method string) (<-chan Event, func(), error) {
	conn, err := p.Acquire(context.Background())
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := conn.Subscribe(sessionID, method)
	return ch, cancel, nil
}

// UnsubscribeSession drops all subscriptions for a protocol session.
func (p *Pool) UnsubscribeSession(sessionID string) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		conn.UnsubscribeSession(sessionID)
	}
}

// Restart clears the broken flag and points the pool at a (possibly new)
// endpoint. Called by whoever relaunched the browser process.
func (p *Pool) Restart(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	if endpoint != "" {
		p.endpoint = endpoint
	}
	p.broken = false
	p.shutdown = false
	p.log.Info("pool restarted", zap.String("endpoint", p.endpoint))
}

// Close proactively fails every pending command, then tears the socket down.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = true
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func (p *Pool) dialLocked(ctx context.Context) (*Conn, error) {
	wsURL := p.endpoint
	if !strings.HasPrefix(wsURL, "ws://") && !strings.HasPrefix(wsURL, "wss://") {
		resolved, err := p.resolveDebuggerURL(ctx)
		if err != nil {
			return nil, err
		}
		wsURL = resolved
	}

	ws, _, err := p.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	p.log.Info("connected to browser", zap.String("url", wsURL))
	return newConn(ws, p.log, p.commandTimeout), nil
}

// resolveDebuggerURL asks the browser's HTTP endpoint for the browser-level
// websocket URL.
func (p *Pool) resolveDebuggerURL(ctx context.Context) (string, error) {
	url := strings.TrimSuffix(p.endpoint, "/") + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("query %s: status %d", url, resp.StatusCode)
	}

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return "", fmt.Errorf("decode version response: %w", err)
	}
	if version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("browser at %s reported no webSocketDebuggerUrl", p.endpoint)
	}
	return version.WebSocketDebuggerURL, nil
}
