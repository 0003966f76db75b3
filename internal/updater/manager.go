package updater

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keukaworks/keuka-station/internal/version"
)

// Manager states exposed to the admin UI.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateSuccess = "success"
	StateError   = "error"
)

// ManagerConfig wires the update pipeline to its environment.
type ManagerConfig struct {
	RepoURL     string
	AppRoot     string
	ServiceName string
	LogPath     string
}

// Status is a point-in-time view of the manager for the admin UI.
type Status struct {
	State      string   `json:"state"`
	Logs       []string `json:"logs"`
	StartedAt  *int64   `json:"started_at,omitempty"`
	FinishedAt *int64   `json:"finished_at,omitempty"`
}

// Manager runs one update at a time: shallow-clone the repo, stage the
// tree, then hand off to the Applier. It keeps a persisted run log so
// the admin page can show progress across restarts.
type Manager struct {
	cfg     ManagerConfig
	applier *Applier
	log     *RunLog
	logger  *logrus.Logger

	mu         sync.Mutex
	state      string
	startedAt  *int64
	finishedAt *int64
	cancel     bool
}

func NewManager(cfg ManagerConfig, applier *Applier, logger *logrus.Logger) *Manager {
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(cfg.AppRoot, "logs", "updater.log")
	}
	_ = os.MkdirAll(filepath.Dir(cfg.LogPath), 0755)
	return &Manager{
		cfg:     cfg,
		applier: applier,
		log:     NewRunLog(cfg.LogPath),
		logger:  logger,
		state:   StateIdle,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StatusSnapshot returns state plus the current (or last persisted) run
// log.
func (m *Manager) StatusSnapshot() Status {
	m.mu.Lock()
	st := Status{State: m.state, StartedAt: m.startedAt, FinishedAt: m.finishedAt}
	m.mu.Unlock()
	st.Logs = m.log.Lines()
	return st
}

// Start launches an update in the background. Returns false when a run
// is already in progress.
func (m *Manager) Start(ctx context.Context) bool {
	m.mu.Lock()
	if m.state == StateRunning {
		m.mu.Unlock()
		return false
	}
	m.state = StateRunning
	now := time.Now().Unix()
	m.startedAt = &now
	m.finishedAt = nil
	m.cancel = false
	m.mu.Unlock()

	m.log.StartRun()
	go m.run(ctx)
	return true
}

// Cancel requests a stop at the next checkpoint. The apply step itself
// is never interrupted mid-way.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRunning {
		m.cancel = true
		m.log.Append("Cancellation requested...")
	}
}

func (m *Manager) canceled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel
}

func (m *Manager) finish(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.state = StateSuccess
	} else {
		m.state = StateError
	}
	now := time.Now().Unix()
	m.finishedAt = &now
}

func (m *Manager) run(ctx context.Context) {
	ok := false
	defer func() {
		m.sweepLeftovers()
		m.finish(ok)
	}()

	localBefore, _ := version.LocalCommit(m.cfg.AppRoot)
	remoteHead, err := version.RemoteHead(m.cfg.RepoURL)
	if err != nil {
		m.log.Append(fmt.Sprintf("WARNING: could not resolve remote HEAD: %v", err))
	}
	m.log.Append("Local commit before: " + version.Short(localBefore))
	m.log.Append("Remote HEAD commit: " + version.Short(remoteHead))

	if localBefore != "" && remoteHead != "" && localBefore == remoteHead {
		m.log.Append("Already up-to-date; skipping apply.")
		ok = true
		return
	}

	tmpDir, err := os.MkdirTemp("", "station_update_")
	if err != nil {
		m.log.Append("ERROR: could not create scratch directory: " + err.Error())
		return
	}
	defer func() {
		os.RemoveAll(tmpDir)
		m.log.Append("Cleaned up temporary files.")
	}()
	m.log.Append("Scratch directory: " + tmpDir)

	if m.canceled() {
		m.log.Append("Canceled before clone.")
		return
	}

	repoDir := filepath.Join(tmpDir, "repo")
	m.log.Append("Cloning repo (shallow): " + m.cfg.RepoURL)
	if out, err := runCmd(ctx, tmpDir, "git", "clone", "--depth", "1", m.cfg.RepoURL, repoDir); err != nil {
		m.log.Append(out)
		m.log.Append("ERROR: git clone failed: " + err.Error())
		return
	}

	if m.canceled() {
		m.log.Append("Canceled after clone.")
		return
	}

	headSHA, err := runCmd(ctx, repoDir, "git", "rev-parse", "HEAD")
	headSHA = strings.TrimSpace(headSHA)
	if err != nil || headSHA == "" {
		m.log.Append("ERROR: could not determine cloned HEAD SHA.")
		return
	}
	m.log.Append("Cloned commit: " + version.Short(headSHA))

	stageDir := filepath.Join(tmpDir, "stage")
	m.log.Append("Staging latest code...")
	if err := copyTree(repoDir, stageDir); err != nil {
		m.log.Append("ERROR: staging failed: " + err.Error())
		return
	}

	if m.canceled() {
		m.log.Append("Canceled before apply.")
		return
	}

	m.log.Append("Applying staged code...")
	err = m.applier.Run(ctx, ApplyOptions{
		StageDir: stageDir,
		Root:     m.cfg.AppRoot,
		Service:  m.cfg.ServiceName,
		Commit:   headSHA,
	})
	if err != nil {
		m.log.Append(fmt.Sprintf("ERROR: apply failed (exit %d): %v", ExitCode(err), err))
		return
	}

	m.log.Append("Update applied for commit: " + version.Short(headSHA))
	ok = true
}

// sweepLeftovers prunes stale scratch directories so failed runs don't
// slowly eat the card.
func (m *Manager) sweepLeftovers() {
	const maxAge = 6 * time.Hour
	entries, err := os.ReadDir(os.TempDir())
	if err != nil {
		return
	}
	now := time.Now()
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "station_update_") {
			continue
		}
		path := filepath.Join(os.TempDir(), e.Name())
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maxAge {
			if os.RemoveAll(path) == nil {
				m.log.Append("Swept leftover snapshot: " + path)
			}
		}
	}
}

func runCmd(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// copyTree copies a directory recursively, skipping .git.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0755)
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}
