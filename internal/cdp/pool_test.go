package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeBrowser speaks just enough of the protocol for the pool: it serves
// /json/version and answers commands on the websocket via respond.
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu   sync.Mutex
	conn *websocket.Conn

	// respond decides the reply for a command; returning nil suppresses the
	// response entirely (for timeout tests).
	respond func(id uint64, method, sessionID string, params json.RawMessage) map[string]any
}

func newFakeBrowser(t *testing.T, respond func(id uint64, method, sessionID string, params json.RawMessage) map[string]any) *fakeBrowser {
	fb := &fakeBrowser{t: t, respond: respond}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws://" + r.Host + "/devtools/browser"
		_ = json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	})
	mux.HandleFunc("/devtools/browser", fb.serveWS)

	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.close)
	return fb
}

func (fb *fakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fb.mu.Lock()
	fb.conn = conn
	fb.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd struct {
			ID        uint64          `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		reply := fb.respond(cmd.ID, cmd.Method, cmd.SessionID, cmd.Params)
		if reply == nil {
			continue
		}
		fb.write(reply)
	}
}

func (fb *fakeBrowser) write(v any) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.conn != nil {
		_ = fb.conn.WriteJSON(v)
	}
}

// pushEvent emits an unsolicited event frame.
func (fb *fakeBrowser) pushEvent(method, sessionID string, params any) {
	raw, _ := json.Marshal(params)
	fb.write(map[string]any{
		"method":    method,
		"sessionId": sessionID,
		"params":    json.RawMessage(raw),
	})
}

func (fb *fakeBrowser) close() {
	fb.mu.Lock()
	if fb.conn != nil {
		_ = fb.conn.Close()
		fb.conn = nil
	}
	fb.mu.Unlock()
	fb.srv.Close()
}

func echoResponder(id uint64, method, sessionID string, params json.RawMessage) map[string]any {
	return map[string]any{"id": id, "result": map[string]any{"method": method, "params": params}}
}

func TestSendCorrelatesConcurrentCommands(t *testing.T) {
	fb := newFakeBrowser(t, func(id uint64, method, sessionID string, params json.RawMessage) map[string]any {
		return map[string]any{"id": id, "result": map[string]any{"echo": json.RawMessage(params)}}
	})
	pool := NewPool(zaptest.NewLogger(t), fb.srv.URL, 5*time.Second)
	defer pool.Close()

	const n = 50
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := pool.Send(context.Background(), "", "Test.echo", map[string]int{"n": i})
			if err != nil {
				errs[i] = err
				return
			}
			var out struct {
				Echo struct {
					N int `json:"n"`
				} `json:"echo"`
			}
			if err := json.Unmarshal(res, &out); err != nil {
				errs[i] = err
				return
			}
			if out.Echo.N != i {
				errs[i] = fmt.Errorf("command %d got reply for %d", i, out.Echo.N)
			}
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoErrorf(t, err, "command %d", i)
	}
}

func TestSendTimeoutDropsLateResponse(t *testing.T) {
	fb := newFakeBrowser(t, func(id uint64, method, sessionID string, params json.RawMessage) map[string]any {
		if method == "Slow.method" {
			return nil // answered late, below
		}
		return echoResponder(id, method, sessionID, params)
	})
	pool := NewPool(zaptest.NewLogger(t), fb.srv.URL, 100*time.Millisecond)
	defer pool.Close()

	_, err := pool.Send(context.Background(), "", "Slow.method", nil)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "Slow.method", te.Method)
	require.True(t, te.Timeout())

	// The late reply for the timed-out id must be discarded, and the
	// connection must still serve new commands.
	fb.write(map[string]any{"id": 1, "result": map[string]any{}})

	_, err = pool.Send(context.Background(), "", "Fast.method", nil)
	require.NoError(t, err)
}

func TestCloseFailsPendingCommands(t *testing.T) {
	fb := newFakeBrowser(t, func(id uint64, method, sessionID string, params json.RawMessage) map[string]any {
		return nil // never answer
	})
	pool := NewPool(zaptest.NewLogger(t), fb.srv.URL, time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := pool.Send(context.Background(), "", "Never.answers", nil)
		done <- err
	}()

	// Let the command reach the wire before tearing down.
	require.Eventually(t, func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		return fb.conn != nil
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	pool.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("pending command not failed by Close")
	}
}

func TestSubscribeRoutesBySessionAndMethod(t *testing.T) {
	fb := newFakeBrowser(t, echoResponder)
	pool := NewPool(zaptest.NewLogger(t), fb.srv.URL, 5*time.Second)
	defer pool.Close()

	events, cancel, err := pool.Subscribe("sess-a", "Page.loadEventFired")
	require.NoError(t, err)
	defer cancel()

	other, cancelOther, err := pool.Subscribe("sess-b", "Page.loadEventFired")
	require.NoError(t, err)
	defer cancelOther()

	fb.pushEvent("Page.loadEventFired", "sess-a", map[string]any{"timestamp": 1.5})
	fb.pushEvent("Page.loadEventFired", "sess-b", map[string]any{"timestamp": 2.5})
	fb.pushEvent("Network.requestWillBeSent", "sess-a", map[string]any{})

	select {
	case ev := <-events:
		require.Equal(t, "Page.loadEventFired", ev.Method)
		require.Equal(t, "sess-a", ev.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber for sess-a received nothing")
	}

	select {
	case ev := <-other:
		require.Equal(t, "sess-b", ev.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber for sess-b received nothing")
	}

	// Nothing else should arrive for sess-a: the Network event has no
	// subscriber and sess-b's event went elsewhere.
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s for %s", ev.Method, ev.SessionID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlowSubscriberLosesNoEvents(t *testing.T) {
	fb := newFakeBrowser(t, echoResponder)
	pool := NewPool(zaptest.NewLogger(t), fb.srv.URL, 5*time.Second)
	defer pool.Close()

	events, cancel, err := pool.Subscribe("sess-a", "Page.frameNavigated")
	require.NoError(t, err)
	defer cancel()

	// Push far more events than the delivery channel buffers while the
	// consumer reads nothing. A burst of target teardown notifications must
	// not be thinned out just because the consumer lagged.
	const n = 200
	for i := 0; i < n; i++ {
		fb.pushEvent("Page.frameNavigated", "sess-a", map[string]any{"seq": i})
	}

	for i := 0; i < n; i++ {
		select {
		case ev := <-events:
			var p struct {
				Seq int `json:"seq"`
			}
			require.NoError(t, json.Unmarshal(ev.Params, &p))
			require.Equal(t, i, p.Seq, "events delivered out of order or dropped")
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never delivered", i)
		}
	}
}

func TestUnsubscribeSessionClosesChannels(t *testing.T) {
	fb := newFakeBrowser(t, echoResponder)
	pool := NewPool(zaptest.NewLogger(t), fb.srv.URL, 5*time.Second)
	defer pool.Close()

	events, _, err := pool.Subscribe("sess-a", "Page.loadEventFired")
	require.NoError(t, err)

	pool.UnsubscribeSession("sess-a")

	select {
	case _, ok := <-events:
		require.False(t, ok, "channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed by UnsubscribeSession")
	}
}

func TestPoolBrokenAfterFailedReconnect(t *testing.T) {
	fb := newFakeBrowser(t, echoResponder)
	pool := NewPool(zaptest.NewLogger(t), fb.srv.URL, 5*time.Second)
	defer pool.Close()

	_, err := pool.Send(context.Background(), "", "Test.ping", nil)
	require.NoError(t, err)

	// Kill the browser entirely: the live connection drops and the redial
	// has nowhere to go.
	fb.close()
	require.Eventually(t, func() bool {
		_, err := pool.Send(context.Background(), "", "Test.ping", nil)
		return errors.Is(err, ErrPoolBroken)
	}, 2*time.Second, 20*time.Millisecond)

	// Broken is sticky.
	_, err = pool.Send(context.Background(), "", "Test.ping", nil)
	require.ErrorIs(t, err, ErrPoolBroken)

	// A restart against a fresh browser recovers.
	fb2 := newFakeBrowser(t, echoResponder)
	pool.Restart(fb2.srv.URL)
	_, err = pool.Send(context.Background(), "", "Test.ping", nil)
	require.NoError(t, err)
}

func TestDialResolvesDebuggerURL(t *testing.T) {
	fb := newFakeBrowser(t, echoResponder)
	pool := NewPool(zaptest.NewLogger(t), fb.srv.URL, 5*time.Second)
	defer pool.Close()

	conn, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, conn.Alive())

	// Direct ws:// endpoints skip version resolution.
	wsURL := "ws" + strings.TrimPrefix(fb.srv.URL, "http") + "/devtools/browser"
	direct := NewPool(zaptest.NewLogger(t), wsURL, 5*time.Second)
	defer direct.Close()
	_, err = direct.Send(context.Background(), "", "Test.ping", nil)
	require.NoError(t, err)
}

func TestProtocolErrorSurfaced(t *testing.T) {
	fb := newFakeBrowser(t, func(id uint64, method, sessionID string, params json.RawMessage) map[string]any {
		return map[string]any{"id": id, "error": map[string]any{"code": -32601, "message": "method not found"}}
	})
	pool := NewPool(zaptest.NewLogger(t), fb.srv.URL, 5*time.Second)
	defer pool.Close()

	_, err := pool.Send(context.Background(), "", "No.suchMethod", nil)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, -32601, pe.Code)
}
