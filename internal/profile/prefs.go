package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// restoreNewTabPage is Chrome's "open the New Tab Page" startup mode.
const restoreNewTabPage = 5

// PatchPreferences rewrites the destination profile's Preferences file so
// the browser starts silently: the crash-recovery flags are reset to a
// clean exit and session restore is disabled. Without this the browser
// shows a "restore previous session" prompt that breaks automation
// determinism.
func PatchPreferences(profileDir string) error {
	path := filepath.Join(profileDir, "Default", "Preferences")

	prefs := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &prefs); err != nil {
			return fmt.Errorf("parse preferences: %w", err)
		}
	case os.IsNotExist(err):
		// A fresh profile gets a minimal clean-exit preferences file.
	default:
		return fmt.Errorf("read preferences: %w", err)
	}

	prof := subMap(prefs, "profile")
	prof["exit_type"] = "Normal"
	prof["exited_cleanly"] = true

	sess := subMap(prefs, "session")
	sess["restore_on_startup"] = restoreNewTabPage
	sess["startup_urls"] = []string{}

	out, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}

func subMap(parent map[string]any, key string) map[string]any {
	if m, ok := parent[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	parent[key] = m
	return m
}
