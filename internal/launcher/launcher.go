// Package launcher decides which user-data directory the browser runs
// with, starts or attaches to the browser process, and exposes its
// debugging endpoint.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/tabmux/tabmux/internal/profile"
	"github.com/tabmux/tabmux/pkg/models"
)

// Options describes one launch.
type Options struct {
	// Mode is "process", "container", or "attach".
	Mode string

	// AttachURL is the debugging endpoint for attach mode.
	AttachURL string

	// ExecutablePath overrides browser binary discovery.
	ExecutablePath string

	// UserDataDir, when set, wins unconditionally (explicit profile).
	UserDataDir string

	// Headless forces an ephemeral temp profile.
	Headless bool

	// PersistentDir is the private long-lived fallback profile.
	PersistentDir string
}

// Browser is a launched or attached browser process.
type Browser struct {
	// Endpoint is the http debugging base, e.g. http://127.0.0.1:9222.
	Endpoint string
	Profile  models.ProfileRecord

	cmd         *exec.Cmd
	containerID string
}

// Launcher resolves profiles and drives the browser process lifecycle.
type Launcher struct {
	log    *zap.Logger
	syncer *profile.Syncer

	// Probes are injectable so the resolution policy is testable without a
	// real Chrome installation.
	realProfileDir func() (string, bool)
	profileLocked  func(dir string) bool
}

func New(log *zap.Logger, syncer *profile.Syncer) *Launcher {
	return &Launcher{
		log:            log,
		syncer:         syncer,
		realProfileDir: realProfileDir,
		profileLocked:  profileLocked,
	}
}

// ResolveProfile applies the resolution policy, in priority order: explicit
// directory, ephemeral temp dir for headless runs, the real profile when no
// other browser holds its lock, otherwise the persistent private profile
// (synchronized first when stale).
func (l *Launcher) ResolveProfile(ctx context.Context, opts Options) (models.ProfileRecord, error) {
	if opts.UserDataDir != "" {
		return models.ProfileRecord{Dir: opts.UserDataDir, Type: models.ProfileExplicit}, nil
	}

	if opts.Headless {
		dir, err := os.MkdirTemp("", "tabmux-profile-")
		if err != nil {
			return models.ProfileRecord{}, fmt.Errorf("create temp profile: %w", err)
		}
		return models.ProfileRecord{Dir: dir, Type: models.ProfileTemp}, nil
	}

	realDir, ok := l.realProfileDir()
	if ok && !l.profileLocked(realDir) {
		return models.ProfileRecord{Dir: realDir, Type: models.ProfileReal}, nil
	}

	rec := models.ProfileRecord{Dir: opts.PersistentDir, Type: models.ProfilePersistent}
	if err := os.MkdirAll(opts.PersistentDir, 0o755); err != nil {
		return models.ProfileRecord{}, fmt.Errorf("create persistent profile: %w", err)
	}

	if ok && l.syncer.NeedsSync(realDir, opts.PersistentDir) {
		res, err := l.syncer.Sync(ctx, realDir, opts.PersistentDir)
		if err != nil {
			if !errors.Is(err, profile.ErrSyncExhausted) {
				return models.ProfileRecord{}, err
			}
			// Exhaustion is a warning; the profile is used as-is.
			l.log.Warn("cookie sync exhausted all tiers", zap.Error(err))
		}
		if res != nil && res.Synced {
			rec.Sync = res.Metadata.Info()
		}
	}
	return rec, nil
}

// Launch resolves the profile and starts (or attaches to) the browser,
// blocking until its debugging endpoint answers.
func (l *Launcher) Launch(ctx context.Context, opts Options) (*Browser, error) {
	if opts.Mode == "attach" {
		b := &Browser{Endpoint: opts.AttachURL}
		if err := waitForReady(ctx, b.Endpoint); err != nil {
			return nil, fmt.Errorf("attach to %s: %w", opts.AttachURL, err)
		}
		l.log.Info("attached to browser", zap.String("endpoint", b.Endpoint))
		return b, nil
	}

	rec, err := l.ResolveProfile(ctx, opts)
	if err != nil {
		return nil, err
	}
	l.log.Info("profile resolved",
		zap.String("dir", rec.Dir),
		zap.String("type", string(rec.Type)))

	switch opts.Mode {
	case "container":
		return l.launchContainer(ctx, opts, rec)
	default:
		return l.launchProcess(ctx, opts, rec)
	}
}

// Stop terminates the browser and discards a temp profile.
func (l *Launcher) Stop(ctx context.Context, b *Browser) error {
	var err error
	switch {
	case b.containerID != "":
		err = l.stopContainer(ctx, b.containerID)
	case b.cmd != nil && b.cmd.Process != nil:
		if killErr := b.cmd.Process.Kill(); killErr != nil {
			err = fmt.Errorf("kill browser process: %w", killErr)
		}
		_ = b.cmd.Wait()
	}

	if b.Profile.Type == models.ProfileTemp && b.Profile.Dir != "" {
		if rmErr := os.RemoveAll(b.Profile.Dir); rmErr != nil && err == nil {
			err = fmt.Errorf("remove temp profile: %w", rmErr)
		}
	}
	return err
}
