package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// PIDFileName is the daemon PID file inside the data directory.
const PIDFileName = "marinabox.pid"

// LifecycleManager manages the daemon PID file.
type LifecycleManager struct {
	daemon  *Daemon
	pidFile string
}

// NewLifecycleManager creates a new lifecycle manager
func NewLifecycleManager(d *Daemon) *LifecycleManager {
	return &LifecycleManager{
		daemon:  d,
		pidFile: PIDFilePath(d.config.DataDir),
	}
}

// PIDFilePath returns the PID file path for a data directory.
func PIDFilePath(dataDir string) string {
	return filepath.Join(dataDir, PIDFileName)
}

// Start writes the PID file. It refuses to start when another live daemon
// owns the file.
func (l *LifecycleManager) Start() error {
	if err := os.MkdirAll(filepath.Dir(l.pidFile), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if pid, err := ReadPID(l.pidFile); err == nil && pid != os.Getpid() && ProcessAlive(pid) {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}

	if err := os.WriteFile(l.pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	l.daemon.logger.Info().
		Str("pid_file", l.pidFile).
		Int("pid", os.Getpid()).
		Msg("Lifecycle manager started")

	return nil
}

// Stop removes the PID file
func (l *LifecycleManager) Stop() error {
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}

	l.daemon.logger.Info().Msg("Lifecycle manager stopped")
	return nil
}

// GetPID returns the PID recorded in the PID file
func (l *LifecycleManager) GetPID() (int, error) {
	return ReadPID(l.pidFile)
}

// ReadPID parses a PID file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// ProcessAlive reports whether a process with pid exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 checks for existence.
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// RunningInfo describes a daemon found through its PID file.
type RunningInfo struct {
	PID    int           `json:"pid" yaml:"pid"`
	Uptime time.Duration `json:"uptime" yaml:"uptime"`
}

// Running inspects the PID file in dataDir. It returns ok=false when no
// live daemon owns it.
func Running(dataDir string) (RunningInfo, bool) {
	path := PIDFilePath(dataDir)
	pid, err := ReadPID(path)
	if err != nil || !ProcessAlive(pid) {
		return RunningInfo{}, false
	}

	info := RunningInfo{PID: pid}
	if fi, err := os.Stat(path); err == nil {
		info.Uptime = time.Since(fi.ModTime())
	}
	return info, true
}

// Signal sends SIGTERM to the daemon owning the PID file in dataDir and
// waits up to timeout for it to exit. After the timeout it sends SIGKILL.
func Signal(dataDir string, timeout time.Duration) (killed bool, err error) {
	path := PIDFilePath(dataDir)
	pid, err := ReadPID(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, fmt.Errorf("daemon is not running")
		}
		return false, err
	}
	if !ProcessAlive(pid) {
		_ = os.Remove(path)
		return false, fmt.Errorf("daemon is not running (removed stale PID file)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return false, fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !ProcessAlive(pid) {
			_ = os.Remove(path)
			return false, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := process.Signal(syscall.SIGKILL); err != nil {
		return false, fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	_ = os.Remove(path)
	return true, nil
}
