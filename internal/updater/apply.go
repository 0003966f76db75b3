package updater

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keukaworks/keuka-station/internal/version"
)

// Exit codes of the apply pipeline, kept stable for systemd/monitoring.
const (
	ExitOK         = 0
	ExitValidation = 1
	ExitPermission = 2
	ExitApply      = 3
	ExitRolledBack = 4
)

var (
	ErrValidation = errors.New("validation failed")
	ErrRolledBack = errors.New("apply failed, previous code restored")
)

// ExitCode maps an apply error to the script-compatible exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrValidation):
		return ExitValidation
	case errors.Is(err, os.ErrPermission):
		return ExitPermission
	case errors.Is(err, ErrRolledBack):
		return ExitRolledBack
	default:
		return ExitApply
	}
}

// ServiceManager controls the supervised unit. The real implementation
// shells out to systemctl; tests substitute a recorder.
type ServiceManager interface {
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
}

// SystemctlManager drives systemd.
type SystemctlManager struct{}

func (SystemctlManager) Stop(ctx context.Context, unit string) error {
	return exec.CommandContext(ctx, "systemctl", "stop", unit).Run()
}

func (SystemctlManager) Restart(ctx context.Context, unit string) error {
	return exec.CommandContext(ctx, "systemctl", "restart", unit).Run()
}

// HealthChecker probes the restarted service. The default polls the
// health endpoint until it answers 200 or the deadline passes.
type HealthChecker func(ctx context.Context) error

// HTTPHealthCheck returns a checker polling url.
func HTTPHealthCheck(url string, timeout time.Duration) HealthChecker {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		client := &http.Client{Timeout: 3 * time.Second}
		var lastErr error
		for {
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
				lastErr = fmt.Errorf("health endpoint returned %d", resp.StatusCode)
			} else {
				lastErr = err
			}

			select {
			case <-ctx.Done():
				return fmt.Errorf("health check timed out: %w", lastErr)
			case <-time.After(2 * time.Second):
			}
		}
	}
}

// ApplyOptions configures one apply run.
type ApplyOptions struct {
	StageDir string // staged snapshot root (contains the new tree)
	Root     string // deployed application root
	Service  string // systemd unit name
	Commit   string // SHA being deployed, written to the marker files
	Patterns []string
	DryRun   bool // print the plan, touch nothing
	Force    bool // apply even when the plan is empty
}

// Applier executes the update runbook.
type Applier struct {
	Services ServiceManager
	Health   HealthChecker
	Logger   *logrus.Logger
}

// Run applies a staged snapshot onto the deployed tree. On restart or
// health-check failure the previous code is restored, the service is
// restarted again and ErrRolledBack is returned.
func (a *Applier) Run(ctx context.Context, opts ApplyOptions) error {
	if err := validate(opts); err != nil {
		return err
	}

	plan, err := BuildPlan(opts.StageDir, opts.Root, opts.Patterns)
	if err != nil {
		return fmt.Errorf("failed to compute plan: %w", err)
	}

	a.Logger.WithFields(logrus.Fields{
		"copies":    len(plan.Copies),
		"prunes":    len(plan.Prunes),
		"unchanged": plan.Unchanged,
		"commit":    version.Short(opts.Commit),
	}).Info("update plan")

	if opts.DryRun {
		for _, rel := range plan.Copies {
			a.Logger.WithField("file", rel).Info("would copy")
		}
		for _, rel := range plan.Prunes {
			a.Logger.WithField("file", rel).Info("would prune")
		}
		return nil
	}

	if plan.Empty() && !opts.Force {
		a.Logger.Info("already up to date, nothing to apply")
		return nil
	}

	if err := a.Services.Stop(ctx, opts.Service); err != nil {
		return fmt.Errorf("failed to stop %s: %w", opts.Service, err)
	}

	backupDir := filepath.Join(opts.Root, "backups",
		"apply-"+time.Now().UTC().Format("20060102-150405"))
	if err := a.backup(opts.Root, backupDir, opts.Patterns); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}

	applyErr := a.applyPlan(opts, plan)
	if applyErr == nil {
		applyErr = version.WriteMarker(opts.Root, opts.Commit, true)
	}

	if applyErr == nil {
		if err := a.Services.Restart(ctx, opts.Service); err != nil {
			applyErr = fmt.Errorf("restart failed: %w", err)
		} else if a.Health != nil {
			if err := a.Health(ctx); err != nil {
				applyErr = fmt.Errorf("health check failed: %w", err)
			}
		}
	}

	if applyErr != nil {
		a.Logger.WithError(applyErr).Error("apply failed, rolling back")
		if rbErr := a.rollback(opts, backupDir); rbErr != nil {
			return fmt.Errorf("rollback failed after %v: %w", applyErr, rbErr)
		}
		if err := a.Services.Restart(ctx, opts.Service); err != nil {
			return fmt.Errorf("restart after rollback failed: %w", err)
		}
		return fmt.Errorf("%w: %v", ErrRolledBack, applyErr)
	}

	if err := version.PromoteMarker(opts.Root); err != nil {
		return fmt.Errorf("failed to promote commit marker: %w", err)
	}
	_ = os.RemoveAll(backupDir)

	a.Logger.WithField("commit", version.Short(opts.Commit)).Info("update applied")
	return nil
}

func validate(opts ApplyOptions) error {
	if opts.StageDir == "" || opts.Root == "" || opts.Service == "" {
		return fmt.Errorf("%w: stage, root and service are required", ErrValidation)
	}
	if info, err := os.Stat(opts.StageDir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: stage dir %s is not a directory", ErrValidation, opts.StageDir)
	}
	if info, err := os.Stat(opts.Root); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: root %s is not a directory", ErrValidation, opts.Root)
	}
	if opts.Commit == "" && !opts.Force && !opts.DryRun {
		return fmt.Errorf("%w: commit SHA is required (use --force to skip)", ErrValidation)
	}
	return nil
}

// backup snapshots every deployed source file so rollback can restore
// the exact pre-apply state. The directory is created even when no
// files match, so a first deploy onto an empty root can still roll
// back by removing everything it introduced.
func (a *Applier) backup(root, backupDir string, patterns []string) error {
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return err
	}
	files, err := listSourceFiles(root, normalizePatterns(patterns))
	if err != nil {
		return err
	}
	for _, rel := range files {
		if err := copyFile(filepath.Join(root, rel), filepath.Join(backupDir, rel)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) applyPlan(opts ApplyOptions, plan Plan) error {
	for _, rel := range plan.Copies {
		if err := copyFile(filepath.Join(opts.StageDir, rel), filepath.Join(opts.Root, rel)); err != nil {
			return err
		}
		a.Logger.WithField("file", rel).Debug("copied")
	}
	for _, rel := range plan.Prunes {
		if err := os.Remove(filepath.Join(opts.Root, rel)); err != nil && !os.IsNotExist(err) {
			return err
		}
		a.Logger.WithField("file", rel).Debug("pruned")
	}
	return nil
}

// rollback restores the backup: files re-copied, files introduced by
// the failed apply removed.
func (a *Applier) rollback(opts ApplyOptions, backupDir string) error {
	patterns := normalizePatterns(opts.Patterns)

	backedUp, err := listSourceFiles(backupDir, patterns)
	if err != nil {
		return err
	}
	backedUpSet := make(map[string]bool, len(backedUp))
	for _, rel := range backedUp {
		backedUpSet[rel] = true
		if err := copyFile(filepath.Join(backupDir, rel), filepath.Join(opts.Root, rel)); err != nil {
			return err
		}
	}

	deployed, err := listSourceFiles(opts.Root, patterns)
	if err != nil {
		return err
	}
	for _, rel := range deployed {
		if !backedUpSet[rel] {
			if err := os.Remove(filepath.Join(opts.Root, rel)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}

	// The half-applied commit never happened.
	_ = os.Remove(filepath.Join(opts.Root, version.MarkerFile+".next"))
	return nil
}

func normalizePatterns(patterns []string) []string {
	if len(patterns) == 0 {
		return DefaultSourcePatterns
	}
	return patterns
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
