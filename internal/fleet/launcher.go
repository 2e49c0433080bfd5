package fleet

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ProcHandle abstracts a spawned worker process so supervisor tests can run
// without forking.
type ProcHandle interface {
	PID() int
	// Wait blocks until the process exits, returning its exit error.
	Wait() error
	// Terminate signals stop and force-kills the full descendant tree
	// after the grace period.
	Terminate(grace time.Duration)
}

// Launcher spawns one worker process for an assignment.
type Launcher interface {
	Launch(a Assignment, workerID, profileDir, outputPath string) (ProcHandle, error)
}

// ExecLauncher launches workers as real OS processes running this binary's
// `worker` subcommand, each in its own process group.
type ExecLauncher struct {
	Bin    string
	RunDir string
	Args   []string
	Logger *zap.Logger
}

// Launch implements Launcher. The task list is handed over through a file
// in the run dir; stdout/stderr go to a per-worker log file.
func (l *ExecLauncher) Launch(a Assignment, workerID, profileDir, outputPath string) (ProcHandle, error) {
	if l.Bin == "" {
		return nil, fmt.Errorf("launcher binary is required")
	}
	if err := os.MkdirAll(l.RunDir, 0o750); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	taskPath := filepath.Join(l.RunDir, fmt.Sprintf("worker-%s-tasks.json", workerID))
	payload, err := json.MarshalIndent(a.Tasks, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tasks: %w", err)
	}
	if err := os.WriteFile(taskPath, payload, 0o640); err != nil {
		return nil, fmt.Errorf("write task file: %w", err)
	}

	args := []string{
		"worker",
		"--worker-id", workerID,
		"--store", a.StoreID,
		"--tasks", taskPath,
		"--output", outputPath,
		"--profile", profileDir,
	}
	args = append(args, l.Args...)
	cmd := exec.Command(l.Bin, args...)

	logPath := filepath.Join(l.RunDir, fmt.Sprintf("worker-%s.log", workerID))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open worker log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	configureWorkerProcess(cmd)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start worker %s: %w", workerID, err)
	}
	if l.Logger != nil {
		l.Logger.Info("Worker launched",
			zap.String("worker_id", workerID),
			zap.String("store", a.StoreID),
			zap.Int("pid", cmd.Process.Pid),
			zap.String("log", logPath),
		)
	}
	return &execHandle{cmd: cmd, logFile: logFile}, nil
}

type execHandle struct {
	cmd     *exec.Cmd
	logFile *os.File
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Wait() error {
	err := h.cmd.Wait()
	_ = h.logFile.Close()
	return err
}

func (h *execHandle) Terminate(grace time.Duration) {
	killProcessTree(h.PID(), grace)
}
