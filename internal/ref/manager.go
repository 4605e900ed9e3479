// Package ref maps ephemeral per-tab DOM node identifiers to short-lived
// opaque reference strings, so stateless tool calls can address an element
// observed in an earlier snapshot without re-querying the page.
package ref

import (
	"fmt"
	"sync"
)

// Handle is what a reference string stands for: a backend DOM node plus
// enough snapshot context to describe it back to the caller.
type Handle struct {
	BackendNodeID int
	Role          string
	Name          string
	Tag           string
	Text          string
}

type tabKey struct {
	sessionID string
	targetID  string
}

// tabRefs is one generation of refs for a (session, target) pair. Clearing
// the tab replaces the whole struct, so refs handed out before the clear
// can never resolve against the new snapshot.
type tabRefs struct {
	generation uint64
	counter    uint64
	byRef      map[string]Handle
}

// Manager stores reference handles scoped to (session, target). All
// operations are safe for concurrent use; generation bumps are atomic with
// respect to ref generation, so a ref is never handed out for a generation
// that is already invalidated.
type Manager struct {
	mu   sync.Mutex
	tabs map[tabKey]*tabRefs
}

func NewManager() *Manager {
	return &Manager{tabs: make(map[tabKey]*tabRefs)}
}

// Generate mints a ref for a node observed in the current snapshot of the
// given tab. The ref is unique within the (session, target) scope for the
// current generation.
func (m *Manager) Generate(sessionID, targetID string, backendNodeID int, role, name, tag, text string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tabKey{sessionID: sessionID, targetID: targetID}
	tab := m.tabs[key]
	if tab == nil {
		tab = &tabRefs{generation: 1, byRef: make(map[string]Handle)}
		m.tabs[key] = tab
	}

	tab.counter++
	ref := fmt.Sprintf("r%d-%d", tab.generation, tab.counter)
	tab.byRef[ref] = Handle{
		BackendNodeID: backendNodeID,
		Role:          role,
		Name:          name,
		Tag:           tag,
		Text:          text,
	}
	return ref
}

// BackendNodeID resolves a ref back to its backend DOM node id. Unknown or
// expired refs report ok=false rather than an error so callers can produce
// a clean "ref not found" message.
func (m *Manager) BackendNodeID(sessionID, targetID, ref string) (int, bool) {
	h, ok := m.Lookup(sessionID, targetID, ref)
	if !ok {
		return 0, false
	}
	return h.BackendNodeID, true
}

// Lookup returns the full handle behind a ref.
func (m *Manager) Lookup(sessionID, targetID, ref string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tab := m.tabs[tabKey{sessionID: sessionID, targetID: targetID}]
	if tab == nil {
		return Handle{}, false
	}
	h, ok := tab.byRef[ref]
	return h, ok
}

// ClearTarget invalidates every ref for a tab. Must be called before a
// fresh full-tree read so refs from the previous snapshot fail lookups
// instead of silently resolving to the wrong element. Dropping the old map
// also keeps a long session from accumulating refs without bound.
func (m *Manager) ClearTarget(sessionID, targetID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tabKey{sessionID: sessionID, targetID: targetID}
	tab := m.tabs[key]
	if tab == nil {
		return
	}
	m.tabs[key] = &tabRefs{
		generation: tab.generation + 1,
		byRef:      make(map[string]Handle),
	}
}

// DropTarget removes all state for a closed tab.
func (m *Manager) DropTarget(sessionID, targetID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tabs, tabKey{sessionID: sessionID, targetID: targetID})
}

// Count reports how many live refs a tab currently holds.
func (m *Manager) Count(sessionID, targetID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	tab := m.tabs[tabKey{sessionID: sessionID, targetID: targetID}]
	if tab == nil {
		return 0
	}
	return len(tab.byRef)
}
