package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tabmux/tabmux/internal/cdp"
	"github.com/tabmux/tabmux/internal/ref"
	"github.com/tabmux/tabmux/internal/registry"
	"github.com/tabmux/tabmux/pkg/models"
)

// scriptedClient answers registry plumbing commands generically and page
// commands from a per-method script.
type scriptedClient struct {
	mu      sync.Mutex
	counter int
	replies map[string]json.RawMessage
	sent    []string
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{replies: map[string]json.RawMessage{}}
}

func (s *scriptedClient) script(method string, v any) {
	raw, _ := json.Marshal(v)
	s.mu.Lock()
	s.replies[method] = raw
	s.mu.Unlock()
}

func (s *scriptedClient) Send(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, method)
	if raw, ok := s.replies[method]; ok {
		return raw, nil
	}
	s.counter++
	switch method {
	case "Target.createBrowserContext":
		return json.Marshal(map[string]string{"browserContextId": fmt.Sprintf("ctx-%d", s.counter)})
	case "Target.createTarget":
		return json.Marshal(map[string]string{"targetId": fmt.Sprintf("target-%d", s.counter)})
	case "Target.attachToTarget":
		return json.Marshal(map[string]string{"sessionId": fmt.Sprintf("proto-%d", s.counter)})
	default:
		return json.Marshal(map[string]any{})
	}
}

func (s *scriptedClient) Subscribe(sessionID, method string) (<-chan cdp.Event, func(), error) {
	ch := make(chan cdp.Event)
	return ch, func() { close(ch) }, nil
}

func (s *scriptedClient) UnsubscribeSession(sessionID string) {}

func (s *scriptedClient) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func setup(t *testing.T) (*Handler, *ref.Manager, *scriptedClient, string, string) {
	log := zaptest.NewLogger(t)
	client := newScriptedClient()
	reg := registry.New(log, client, 10)
	refs := ref.NewManager()
	h := NewHandler(log, reg, refs)

	ctx := context.Background()
	sess, err := reg.GetOrCreateSession(ctx, "sess-1")
	require.NoError(t, err)
	res, err := reg.CreateTarget(ctx, sess.ID, models.CreateTargetRequest{URL: "https://a.test"})
	require.NoError(t, err)
	return h, refs, client, sess.ID, res.TargetID
}

func axTree(nodes ...map[string]any) map[string]any {
	return map[string]any{"nodes": nodes}
}

func axNodeFixture(backendID int, role, name string) map[string]any {
	return map[string]any{
		"backendDOMNodeId": backendID,
		"role":             map[string]any{"value": role},
		"name":             map[string]any{"value": name},
	}
}

func TestSnapshotMintsRefsForInteractiveNodes(t *testing.T) {
	h, refs, client, sessionID, targetID := setup(t)

	client.script("Accessibility.getFullAXTree", axTree(
		axNodeFixture(11, "button", "Submit"),
		axNodeFixture(12, "link", "Home"),
		axNodeFixture(13, "genericContainer", ""), // filtered out
		map[string]any{"ignored": true, "backendDOMNodeId": 14,
			"role": map[string]any{"value": "button"}},
	))

	nodes, err := h.Snapshot(context.Background(), sessionID, targetID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Equal(t, "button", nodes[0].Role)
	require.Equal(t, "Submit", nodes[0].Name)

	// Every returned ref resolves to its backend node.
	id, ok := refs.BackendNodeID(sessionID, targetID, nodes[0].Ref)
	require.True(t, ok)
	require.Equal(t, 11, id)
}

func TestSnapshotInvalidatesPreviousRefs(t *testing.T) {
	h, refs, client, sessionID, targetID := setup(t)

	client.script("Accessibility.getFullAXTree", axTree(axNodeFixture(11, "button", "First")))
	first, err := h.Snapshot(context.Background(), sessionID, targetID)
	require.NoError(t, err)
	require.Len(t, first, 1)

	client.script("Accessibility.getFullAXTree", axTree(axNodeFixture(21, "button", "Second")))
	second, err := h.Snapshot(context.Background(), sessionID, targetID)
	require.NoError(t, err)
	require.Len(t, second, 1)

	// The old ref is dead, the new one resolves to the new node.
	_, ok := refs.BackendNodeID(sessionID, targetID, first[0].Ref)
	require.False(t, ok, "ref from the previous snapshot must not resolve")
	id, ok := refs.BackendNodeID(sessionID, targetID, second[0].Ref)
	require.True(t, ok)
	require.Equal(t, 21, id)
}

func TestClickDispatchesMouseEvents(t *testing.T) {
	h, _, client, sessionID, targetID := setup(t)

	client.script("Accessibility.getFullAXTree", axTree(axNodeFixture(11, "button", "Go")))
	nodes, err := h.Snapshot(context.Background(), sessionID, targetID)
	require.NoError(t, err)

	client.script("DOM.getBoxModel", map[string]any{
		"model": map[string]any{
			"content": []float64{10, 20, 110, 20, 110, 60, 10, 60},
		},
	})

	require.NoError(t, h.Click(context.Background(), sessionID, targetID, nodes[0].Ref))

	methods := client.methods()
	require.Contains(t, methods, "DOM.scrollIntoViewIfNeeded")
	pressed := 0
	for _, m := range methods {
		if m == "Input.dispatchMouseEvent" {
			pressed++
		}
	}
	require.Equal(t, 2, pressed, "press and release")
}

func TestClickUnknownRef(t *testing.T) {
	h, _, _, sessionID, targetID := setup(t)
	err := h.Click(context.Background(), sessionID, targetID, "r1-999")
	require.ErrorIs(t, err, ErrRefNotFound)
}

func TestClickOnClosedTarget(t *testing.T) {
	h, _, _, sessionID, _ := setup(t)
	err := h.Click(context.Background(), sessionID, "gone-target", "r1-1")
	require.ErrorIs(t, err, registry.ErrTargetNotFound)
}

func TestEvaluateReturnsValue(t *testing.T) {
	h, _, client, sessionID, targetID := setup(t)

	client.script("Runtime.evaluate", map[string]any{
		"result": map[string]any{"value": 42},
	})
	value, err := h.Evaluate(context.Background(), sessionID, targetID, "6*7")
	require.NoError(t, err)
	require.JSONEq(t, "42", string(value))
}

func TestEvaluateSurfacesScriptException(t *testing.T) {
	h, _, client, sessionID, targetID := setup(t)

	client.script("Runtime.evaluate", map[string]any{
		"result": map[string]any{},
		"exceptionDetails": map[string]any{
			"text": "Uncaught",
			"exception": map[string]any{
				"description": "ReferenceError: nope is not defined",
			},
		},
	})
	_, err := h.Evaluate(context.Background(), sessionID, targetID, "nope()")
	require.ErrorContains(t, err, "ReferenceError")
}
