package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The debug proxy is an operator tool; origin enforcement happens at
	// the deployment edge.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleDebugProxy splices the caller directly onto the browser's protocol
// socket for interactive debugging. Traffic is passed through untouched in
// both directions; the session id is only used for access logging.
func (s *Server) handleDebugProxy(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if _, err := s.reg.GetSession(sessionID); err != nil {
		s.writeRegistryError(w, err)
		return
	}

	browserWS, err := s.resolveBrowserWS(r)
	if err != nil {
		s.writeInternal(w, "resolve browser socket", err)
		return
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("debug proxy upgrade failed", zap.Error(err))
		return
	}
	defer clientConn.Close()

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	browserConn, _, err := dialer.Dial(browserWS, nil)
	if err != nil {
		s.log.Warn("debug proxy dial failed",
			zap.String("url", browserWS), zap.Error(err))
		_ = clientConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "browser unreachable"))
		return
	}
	defer browserConn.Close()

	s.log.Info("debug proxy connected", zap.String("session", sessionID))

	errChan := make(chan error, 2)
	go proxyMessages(clientConn, browserConn, errChan)
	go proxyMessages(browserConn, clientConn, errChan)
	<-errChan

	s.log.Info("debug proxy disconnected", zap.String("session", sessionID))
}

func proxyMessages(src, dst *websocket.Conn, errChan chan<- error) {
	for {
		messageType, data, err := src.ReadMessage()
		if err != nil {
			errChan <- err
			return
		}
		if err := dst.WriteMessage(messageType, data); err != nil {
			errChan <- err
			return
		}
	}
}

// resolveBrowserWS asks the browser's HTTP debugging endpoint for its
// websocket URL.
func (s *Server) resolveBrowserWS(r *http.Request) (string, error) {
	url := strings.TrimSuffix(s.browserEndpoint, "/") + "/json/version"
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
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
		return "", err
	}
	if version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("browser reported no webSocketDebuggerUrl")
	}
	return version.WebSocketDebuggerURL, nil
}
