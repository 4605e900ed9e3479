// Package profile keeps a persistent fallback browser profile's cookie
// store reasonably fresh relative to the user's real profile, without ever
// corrupting either database.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/tabmux/tabmux/pkg/models"
)

// ErrSyncExhausted reports that every copy tier failed. Non-fatal: callers
// proceed without fresh cookies.
var ErrSyncExhausted = errors.New("all cookie sync tiers failed; continuing without fresh cookies")

// DefaultFreshness is how old a sync may be before it is redone.
const DefaultFreshness = 30 * time.Minute

const metadataFile = "sync-metadata.json"

// Metadata is persisted next to the destination profile after every sync
// attempt, whichever tier ran.
type Metadata struct {
	LastSyncAt  time.Time `json:"lastSyncAt"`
	Fingerprint string    `json:"fingerprint"`
	Count       int       `json:"count"`
	SourcePath  string    `json:"sourcePath"`
	Tier        string    `json:"tier,omitempty"`
}

// Result reports one completed sync.
type Result struct {
	Tier     string
	Synced   bool
	Metadata Metadata
}

// Syncer performs the tiered copy plus the post-sync profile patching.
type Syncer struct {
	log        *zap.Logger
	strategies []CopyStrategy
	freshness  time.Duration
	now        func() time.Time
}

// Option tweaks a Syncer. Used by tests to inject strategies and clocks.
type Option func(*Syncer)

func WithStrategies(strategies ...CopyStrategy) Option {
	return func(s *Syncer) { s.strategies = strategies }
}

func WithFreshness(d time.Duration) Option {
	return func(s *Syncer) { s.freshness = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

func NewSyncer(log *zap.Logger, opts ...Option) *Syncer {
	s := &Syncer{
		log:        log,
		strategies: defaultStrategies(),
		freshness:  DefaultFreshness,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fingerprint derives a cheap content fingerprint for the source cookie
// store from its modification time and size. Deliberately not a full hash:
// the store can be hundreds of megabytes.
func Fingerprint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size()), nil
}

// CookiePath locates the cookie database inside a profile directory. Newer
// Chrome keeps it under Default/Network, older under Default.
func CookiePath(profileDir string) (string, bool) {
	candidates := []string{
		filepath.Join(profileDir, "Default", "Network", "Cookies"),
		filepath.Join(profileDir, "Default", "Cookies"),
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// NeedsSync decides whether the destination profile is stale relative to
// the source cookie store. A missing source store means no sync is needed
// and is not an error.
func (s *Syncer) NeedsSync(srcProfileDir, dstProfileDir string) bool {
	srcCookies, ok := CookiePath(srcProfileDir)
	if !ok {
		return false
	}

	meta, err := s.loadMetadata(dstProfileDir)
	if err != nil {
		return true
	}

	fp, err := Fingerprint(srcCookies)
	if err != nil || fp != meta.Fingerprint {
		return true
	}
	return s.now().Sub(meta.LastSyncAt) > s.freshness
}

// Sync copies cookie state from the source profile into the destination
// profile, patches the destination's preferences, copies Local State
// verbatim, and persists metadata. Tier failures fall through to the next
// tier; only full exhaustion is reported, and even that is non-fatal for
// callers.
func (s *Syncer) Sync(ctx context.Context, srcProfileDir, dstProfileDir string) (*Result, error) {
	srcCookies, ok := CookiePath(srcProfileDir)
	if !ok {
		s.log.Info("source cookie store not found, skipping sync",
			zap.String("source", srcProfileDir))
		return &Result{Synced: false}, nil
	}

	dstCookies := filepath.Join(dstProfileDir, "Default", "Network", "Cookies")
	if err := os.MkdirAll(filepath.Dir(dstCookies), 0o755); err != nil {
		return nil, fmt.Errorf("prepare destination profile: %w", err)
	}

	meta, _ := s.loadMetadata(dstProfileDir)
	meta.SourcePath = srcCookies

	var tier string
	var lastErr error
	for _, strategy := range s.strategies {
		if err := strategy.Copy(ctx, srcCookies, dstCookies); err != nil {
			s.log.Warn("cookie copy tier failed",
				zap.String("tier", strategy.Name()), zap.Error(err))
			lastErr = err
			continue
		}
		tier = strategy.Name()
		break
	}

	// Metadata is persisted regardless of which tier succeeded, so the next
	// staleness check has something to compare against.
	meta.LastSyncAt = s.now()
	meta.Count++
	meta.Tier = tier
	if fp, err := Fingerprint(srcCookies); err == nil {
		meta.Fingerprint = fp
	}
	if err := s.saveMetadata(dstProfileDir, meta); err != nil {
		s.log.Warn("persist sync metadata failed", zap.Error(err))
	}

	if tier == "" {
		return &Result{Synced: false, Metadata: meta},
			fmt.Errorf("%w: last tier error: %v", ErrSyncExhausted, lastErr)
	}

	if err := PatchPreferences(dstProfileDir); err != nil {
		s.log.Warn("preferences patch failed", zap.Error(err))
	}
	if err := copyLocalState(srcProfileDir, dstProfileDir); err != nil {
		s.log.Warn("local state copy failed", zap.Error(err))
	}

	s.log.Info("cookie sync completed",
		zap.String("tier", tier),
		zap.Int("syncCount", meta.Count))
	return &Result{Tier: tier, Synced: true, Metadata: meta}, nil
}

// Info converts metadata for API exposure.
func (m Metadata) Info() *models.SyncInfo {
	return &models.SyncInfo{
		LastSyncAt:  m.LastSyncAt,
		Fingerprint: m.Fingerprint,
		Count:       m.Count,
		SourcePath:  m.SourcePath,
		Tier:        m.Tier,
	}
}

func (s *Syncer) loadMetadata(dstProfileDir string) (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(filepath.Join(dstProfileDir, metadataFile))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func (s *Syncer) saveMetadata(dstProfileDir string, meta Metadata) error {
	if err := os.MkdirAll(dstProfileDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dstProfileDir, metadataFile), data, 0o644)
}

// copyLocalState copies the top-level "Local State" file verbatim. It is
// never patched.
func copyLocalState(srcProfileDir, dstProfileDir string) error {
	src := filepath.Join(srcProfileDir, "Local State")
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(filepath.Join(dstProfileDir, "Local State"),
		os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
