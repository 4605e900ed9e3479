// Package tools implements the typed page actions exposed to clients:
// navigate, snapshot the page into addressable element refs, click a ref,
// and evaluate script. Each action resolves its tab through the registry so
// a stale target id surfaces as a clean user-facing error instead of a
// protocol failure.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tabmux/tabmux/internal/ref"
	"github.com/tabmux/tabmux/internal/registry"
)

// ErrRefNotFound means the element ref expired (a newer snapshot was taken)
// or never existed.
var ErrRefNotFound = errors.New("element ref not found; take a new snapshot")

// Handler executes page actions for one server instance.
type Handler struct {
	log  *zap.Logger
	reg  *registry.Registry
	refs *ref.Manager
}

func NewHandler(log *zap.Logger, reg *registry.Registry, refs *ref.Manager) *Handler {
	return &Handler{log: log, reg: reg, refs: refs}
}

// SnapshotNode is one addressable element from a page snapshot.
type SnapshotNode struct {
	Ref  string `json:"ref"`
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
	Tag  string `json:"tag,omitempty"`
	Text string `json:"text,omitempty"`
}

// Navigate points a tab at a URL.
func (h *Handler) Navigate(ctx context.Context, sessionID, targetID, url string) error {
	page, err := h.reg.GetPage(sessionID, targetID)
	if err != nil {
		return fmt.Errorf("tab is gone, open a new one: %w", err)
	}
	return page.Navigate(ctx, url)
}

// Snapshot reads the page's accessibility tree and mints a fresh ref for
// every interesting node. Refs from the previous snapshot of this tab are
// invalidated first, so a caller acting on an old ref gets a miss rather
// than a click on the wrong element.
func (h *Handler) Snapshot(ctx context.Context, sessionID, targetID string) ([]SnapshotNode, error) {
	page, err := h.reg.GetPage(sessionID, targetID)
	if err != nil {
		return nil, fmt.Errorf("tab is gone, open a new one: %w", err)
	}

	h.refs.ClearTarget(sessionID, targetID)

	if _, err := page.Send(ctx, "Accessibility.enable", nil); err != nil {
		return nil, fmt.Errorf("enable accessibility: %w", err)
	}
	res, err := page.Send(ctx, "Accessibility.getFullAXTree", nil)
	if err != nil {
		return nil, fmt.Errorf("read accessibility tree: %w", err)
	}

	var tree struct {
		Nodes []axNode `json:"nodes"`
	}
	if err := json.Unmarshal(res, &tree); err != nil {
		return nil, fmt.Errorf("decode accessibility tree: %w", err)
	}

	var out []SnapshotNode
	for _, node := range tree.Nodes {
		if node.Ignored || node.BackendDOMNodeID == 0 {
			continue
		}
		role := node.Role.stringValue()
		if !interestingRole(role) {
			continue
		}
		name := node.Name.stringValue()
		r := h.refs.Generate(sessionID, targetID, node.BackendDOMNodeID, role, name, "", "")
		out = append(out, SnapshotNode{Ref: r, Role: role, Name: name})
	}

	h.log.Debug("snapshot taken",
		zap.String("session", sessionID),
		zap.String("target", targetID),
		zap.Int("refs", len(out)))
	return out, nil
}

// Click scrolls the element behind a ref into view and dispatches a mouse
// press/release at its center.
func (h *Handler) Click(ctx context.Context, sessionID, targetID, elementRef string) error {
	page, err := h.reg.GetPage(sessionID, targetID)
	if err != nil {
		return fmt.Errorf("tab is gone, open a new one: %w", err)
	}
	backendNodeID, ok := h.refs.BackendNodeID(sessionID, targetID, elementRef)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRefNotFound, elementRef)
	}

	if _, err := page.Send(ctx, "DOM.scrollIntoViewIfNeeded", map[string]any{
		"backendNodeId": backendNodeID,
	}); err != nil {
		return fmt.Errorf("scroll element into view: %w", err)
	}

	box, err := page.Send(ctx, "DOM.getBoxModel", map[string]any{
		"backendNodeId": backendNodeID,
	})
	if err != nil {
		return fmt.Errorf("element has no layout box (hidden?): %w", err)
	}
	x, y, err := boxCenter(box)
	if err != nil {
		return err
	}

	for _, eventType := range []string{"mousePressed", "mouseReleased"} {
		if _, err := page.Send(ctx, "Input.dispatchMouseEvent", map[string]any{
			"type":       eventType,
			"x":          x,
			"y":          y,
			"button":     "left",
			"clickCount": 1,
		}); err != nil {
			return fmt.Errorf("dispatch %s: %w", eventType, err)
		}
	}
	return nil
}

// Evaluate runs a script expression in the tab and returns its value.
func (h *Handler) Evaluate(ctx context.Context, sessionID, targetID, expression string) (json.RawMessage, error) {
	page, err := h.reg.GetPage(sessionID, targetID)
	if err != nil {
		return nil, fmt.Errorf("tab is gone, open a new one: %w", err)
	}

	res, err := page.Send(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return nil, err
	}

	var eval struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(res, &eval); err != nil {
		return nil, fmt.Errorf("decode evaluate result: %w", err)
	}
	if eval.ExceptionDetails != nil {
		detail := eval.ExceptionDetails.Text
		if eval.ExceptionDetails.Exception != nil && eval.ExceptionDetails.Exception.Description != "" {
			detail = eval.ExceptionDetails.Exception.Description
		}
		return nil, fmt.Errorf("script threw: %s", detail)
	}
	return eval.Result.Value, nil
}

type axNode struct {
	Ignored          bool    `json:"ignored"`
	BackendDOMNodeID int     `json:"backendDOMNodeId"`
	Role             axValue `json:"role"`
	Name             axValue `json:"name"`
}

type axValue struct {
	Value any `json:"value"`
}

func (v axValue) stringValue() string {
	s, _ := v.Value.(string)
	return s
}

// interestingRole filters the accessibility tree down to nodes a caller can
// plausibly act on or read.
func interestingRole(role string) bool {
	switch strings.ToLower(role) {
	case "button", "link", "textbox", "checkbox", "radio", "combobox",
		"listbox", "option", "menuitem", "tab", "switch", "slider",
		"searchbox", "heading", "image":
		return true
	}
	return false
}

func boxCenter(raw json.RawMessage) (float64, float64, error) {
	var box struct {
		Model struct {
			Content []float64 `json:"content"`
		} `json:"model"`
	}
	if err := json.Unmarshal(raw, &box); err != nil {
		return 0, 0, fmt.Errorf("decode box model: %w", err)
	}
	// Content quad: x1,y1,x2,y2,x3,y3,x4,y4.
	q := box.Model.Content
	if len(q) < 8 {
		return 0, 0, fmt.Errorf("element box model is empty")
	}
	x := (q[0] + q[2] + q[4] + q[6]) / 4
	y := (q[1] + q[3] + q[5] + q[7]) / 4
	return x, y, nil
}
