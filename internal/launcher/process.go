package launcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tabmux/tabmux/pkg/models"
)

func (l *Launcher) launchProcess(ctx context.Context, opts Options, rec models.ProfileRecord) (*Browser, error) {
	exePath := opts.ExecutablePath
	if exePath == "" {
		exePath = findBrowser()
		if exePath == "" {
			return nil, fmt.Errorf("no chrome/chromium binary found; set the executable path explicitly")
		}
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("allocate debugging port: %w", err)
	}

	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(port),
		"--user-data-dir=" + rec.Dir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-default-apps",
		"--disable-background-networking",
		"--disable-sync",
		"--disable-blink-features=AutomationControlled",
	}
	if opts.Headless {
		args = append(args, "--headless=new", "--disable-gpu")
	}

	l.log.Info("starting browser",
		zap.String("binary", exePath),
		zap.Int("debugPort", port))

	cmd := exec.Command(exePath, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}

	b := &Browser{
		Endpoint: fmt.Sprintf("http://127.0.0.1:%d", port),
		Profile:  rec,
		cmd:      cmd,
	}
	if err := waitForReady(ctx, b.Endpoint); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}
	return b, nil
}

// waitForReady polls the /json/version endpoint until the browser answers.
func waitForReady(ctx context.Context, endpoint string) error {
	url := strings.TrimSuffix(endpoint, "/") + "/json/version"
	client := &http.Client{Timeout: 2 * time.Second}
	const maxRetries = 40

	for i := 0; i < maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("endpoint %s did not become ready after %d retries", endpoint, maxRetries)
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// findBrowser locates a Chrome-family binary, first at well-known install
// paths, then on PATH.
func findBrowser() string {
	var candidates []string
	switch runtime.GOOS {
	case "darwin":
		candidates = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "windows":
		for _, env := range []string{"ProgramFiles", "ProgramFiles(x86)", "LocalAppData"} {
			if base := os.Getenv(env); base != "" {
				candidates = append(candidates, filepath.Join(base, "Google", "Chrome", "Application", "chrome.exe"))
			}
		}
	default:
		candidates = []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
		}
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "chrome"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

// realProfileDir returns the user's live Chrome profile directory, if it
// exists on this machine.
func realProfileDir() (string, bool) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}

	var dir string
	switch runtime.GOOS {
	case "darwin":
		dir = filepath.Join(home, "Library", "Application Support", "Google", "Chrome")
	case "windows":
		local := os.Getenv("LOCALAPPDATA")
		if local == "" {
			return "", false
		}
		dir = filepath.Join(local, "Google", "Chrome", "User Data")
	default:
		dir = filepath.Join(home, ".config", "google-chrome")
	}

	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir, true
	}
	return "", false
}

// profileLocked reports whether another running browser holds the profile.
// Chrome drops a SingletonLock entry in the profile root while running.
func profileLocked(dir string) bool {
	if _, err := os.Lstat(filepath.Join(dir, "SingletonLock")); err == nil {
		return true
	}
	if _, err := os.Lstat(filepath.Join(dir, "lockfile")); err == nil {
		return true
	}
	return false
}
