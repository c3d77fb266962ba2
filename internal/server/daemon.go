package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/Tomas025/merge-helper/internal/config"
)

// PIDFilePath returns the path to the daemon PID file.
func PIDFilePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			slog.Error("cannot determine home directory; set $HOME or $XDG_DATA_HOME", "error", err)
			os.Exit(1)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "merge-helper", "merge-helperd.pid")
}

// LogFilePath returns the path to the daemon log file.
func LogFilePath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return ""
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "merge-helper", "logs", "merge-helperd.log")
}

// StartDaemon forks the current process as a daemon.
// If foreground is true, runs the server inline without forking.
func StartDaemon(port int, logDir string, foreground bool) error {
	// File lock prevents concurrent starts racing the PID check.
	lockPath := PIDFilePath() + ".lock"
	return withStartLock(lockPath, 5*time.Second, func() error {
		if running, pid, _, _ := DaemonStatus(); running {
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}

		if foreground {
			return runForeground(port)
		}

		return forkDaemon(port, logDir)
	})
}

func withStartLock(path string, timeout time.Duration, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	lock := flock.New(path)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquiring start lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("start lock held by another process")
	}
	defer lock.Unlock()

	return fn()
}

func forkDaemon(port int, logDir string) error {
	logDir = config.ExpandHome(logDir)

	if logDir == "" {
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			home, _ := os.UserHomeDir()
			dataDir = filepath.Join(home, ".local", "share")
		}
		logDir = filepath.Join(dataDir, "merge-helper", "logs")
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	logFile := filepath.Join(logDir, "merge-helperd.log")

	// Fork: re-exec with --foreground, propagating the port.
	forkArgs := []string{"server", "start", "--foreground", "--port", strconv.Itoa(port)}

	cmd := exec.Command(os.Args[0], forkArgs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	cmd.Stdout = f
	cmd.Stderr = f
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		f.Close()
		return fmt.Errorf("starting daemon: %w", err)
	}

	pid := cmd.Process.Pid

	// Release without waiting. The child writes its own PID file in
	// runForeground.
	cmd.Process.Release()
	f.Close()

	fmt.Printf("daemon started (PID: %d)\n", pid)
	fmt.Printf("log file: %s\n", logFile)
	return nil
}

func runForeground(port int) error {
	cfg, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config, using defaults", "error", err)
		defaultCfg := config.DefaultConfig()
		cfg = &defaultCfg
	}

	// Write PID file for foreground mode too (for status checks).
	if err := writePIDFile(os.Getpid()); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM, syscall.SIGINT,
	)
	defer stop()

	return RunServer(ctx, port, cfg)
}

// StopDaemon sends SIGTERM to the running daemon and waits for exit.
func StopDaemon() error {
	running, pid, _, err := DaemonStatus()
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("daemon is not running")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Check if process is already gone.
		if errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
			removePIDFile()
			return nil
		}
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	// Wait for exit with timeout.
	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			_ = proc.Signal(syscall.SIGKILL)
			removePIDFile()
			return fmt.Errorf("daemon did not stop gracefully, sent SIGKILL")
		case <-ticker.C:
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				// Process is gone.
				removePIDFile()
				return nil
			}
		}
	}
}

// DaemonStatus checks whether the daemon is running.
// Returns: running bool, pid int, uptime duration, error.
func DaemonStatus() (bool, int, time.Duration, error) {
	pidFile := PIDFilePath()
	data, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, 0, nil
		}
		return false, 0, 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0, 0, fmt.Errorf("invalid PID file: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		removePIDFile()
		return false, 0, 0, nil
	}

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		// Process is not running. Stale PID file.
		removePIDFile()
		return false, 0, 0, nil
	}

	// Uptime comes from the PID file modification time.
	info, err := os.Stat(pidFile)
	if err != nil {
		return true, pid, 0, nil
	}
	uptime := time.Since(info.ModTime())

	return true, pid, uptime, nil
}

func writePIDFile(pid int) error {
	pidFile := PIDFilePath()
	dir := filepath.Dir(pidFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating PID directory: %w", err)
	}

	// Atomic write: temp file + rename.
	tmp := pidFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, pidFile)
}

func removePIDFile() {
	_ = os.Remove(PIDFilePath())
}

// InstallSystemdService writes a systemd user unit file and enables the service.
func InstallSystemdService() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("getting home dir: %w", err)
	}

	unitDir := filepath.Join(home, ".config", "systemd", "user")
	if err := os.MkdirAll(unitDir, 0755); err != nil {
		return fmt.Errorf("creating systemd directory: %w", err)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable path: %w", err)
	}

	unit := fmt.Sprintf(`[Unit]
Description=Merge Helper Daemon
After=network.target

[Service]
Type=simple
ExecStart=%s server start --foreground
Restart=on-failure
RestartSec=5s
TimeoutStopSec=30
Environment=HOME=%s

[Install]
WantedBy=default.target
`, execPath, home)

	unitPath := filepath.Join(unitDir, "merge-helper.service")
	if err := os.WriteFile(unitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}

	reloadCmd := exec.Command("systemctl", "--user", "daemon-reload")
	if out, err := reloadCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("daemon-reload: %s: %w", string(out), err)
	}

	enableCmd := exec.Command("systemctl", "--user", "enable", "merge-helper")
	if out, err := enableCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("enabling service: %s: %w", string(out), err)
	}

	fmt.Printf("installed merge-helper.service at %s\n", unitPath)
	fmt.Println("service enabled — start with: systemctl --user start merge-helper")
	return nil
}
