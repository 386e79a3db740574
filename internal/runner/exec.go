package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/mtzanidakis/sminos/internal/solver"
)

// Exit code the kernel's OOM killer (and docker's memory limit) produce.
const oomExitCode = 137

const stderrTailBytes = 4096

// frame is one line of a solver process's stdout: a progress report, an
// intermediate result, or the final result envelope.
type frame struct {
	Type     string           `json:"type"`
	Progress *solver.Progress `json:"progress,omitempty"`
	Result   *solver.Result   `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	Reason   solver.Reason    `json:"reason,omitempty"`
}

// ExecAdapter runs a solver binary as a child process. The request goes in
// on stdin, progress and result frames come out as JSON lines on stdout.
type ExecAdapter struct {
	rt       *Runtime
	name     string
	workerID string
	swarmID  string
	workDir  string
	command  string
	args     []string
	extraEnv map[string]string
}

func (a *ExecAdapter) Name() string { return a.name }

func (a *ExecAdapter) Available(ctx context.Context) bool {
	_, err := a.lookup()
	return err == nil
}

// lookup resolves the solver command: absolute paths as-is, then the
// configured bin dir, then PATH.
func (a *ExecAdapter) lookup() (string, error) {
	if filepath.IsAbs(a.command) {
		if _, err := os.Stat(a.command); err != nil {
			return "", err
		}
		return a.command, nil
	}
	if a.rt.cfg.BinDir != "" {
		local := filepath.Join(a.rt.cfg.BinDir, a.command)
		if _, err := os.Stat(local); err == nil {
			return local, nil
		}
	}
	return exec.LookPath(a.command)
}

func (a *ExecAdapter) Solve(ctx context.Context, spec *solver.Spec, hints *solver.Hints) (*solver.Result, error) {
	path, err := a.lookup()
	if err != nil {
		return nil, &solver.Failure{Solver: a.name, Reason: solver.ReasonUnavailable, Msg: fmt.Sprintf("command %s not found", a.command), Err: err}
	}

	input, err := json.Marshal(request{
		WorkerID: a.workerID,
		SwarmID:  a.swarmID,
		Spec:     spec,
		Hints:    hints,
	})
	if err != nil {
		return nil, &solver.Failure{Solver: a.name, Reason: solver.ReasonBadModel, Err: err}
	}

	cmd := exec.CommandContext(ctx, path, a.args...)
	cmd.Stdin = bytes.NewReader(input)
	// Children of a killed solver can hold the pipe open; don't wait on them.
	cmd.WaitDelay = 5 * time.Second
	if a.workDir != "" {
		cmd.Dir = a.workDir
	}

	env := append(os.Environ(),
		fmt.Sprintf("SMINOS_WORKER_ID=%s", a.workerID),
		fmt.Sprintf("SMINOS_SOLVER=%s", a.name),
	)
	if a.workDir != "" {
		env = append(env, fmt.Sprintf("SMINOS_WORK_DIR=%s", a.workDir))
	}
	if a.rt.cfg.MemoryLimitMB > 0 {
		env = append(env, fmt.Sprintf("SMINOS_MEMORY_LIMIT_MB=%d", a.rt.cfg.MemoryLimitMB))
	}
	if spec.TimeLimit > 0 {
		env = append(env, fmt.Sprintf("SMINOS_TIME_LIMIT=%d", int(spec.TimeLimit.Seconds())))
	}
	for k, v := range a.extraEnv {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &solver.Failure{Solver: a.name, Reason: solver.ReasonResources, Err: err}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		reason := solver.ReasonCrashed
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			reason = solver.ReasonUnavailable
		}
		return nil, &solver.Failure{Solver: a.name, Reason: reason, Msg: "failed to start solver", Err: err}
	}

	var res *solver.Result
	var resErr error

	scanner := bufio.NewScanner(stdout)
	// Assignment maps can be large; allow long result lines.
	scanner.Buffer(make([]byte, 0, 64<<10), 8<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			continue
		}
		switch f.Type {
		case "progress":
			if f.Progress == nil {
				continue
			}
			p := *f.Progress
			if p.WorkerID == "" {
				p.WorkerID = a.workerID
			}
			a.rt.reportProgress(p)
		case "intermediate":
			if f.Result == nil {
				continue
			}
			r := *f.Result
			if r.Solver == "" {
				r.Solver = a.name
			}
			a.rt.reportIntermediate(a.workerID, r)
		case "result":
			envl := solver.Envelope{WorkerID: a.workerID, Result: f.Result, Error: f.Error, Reason: f.Reason}
			res, resErr = envl.Resolve(a.name)
		}
	}

	waitErr := cmd.Wait()

	switch ctx.Err() {
	case context.DeadlineExceeded:
		return nil, &solver.Failure{Solver: a.name, Reason: solver.ReasonTimeout, Msg: fmt.Sprintf("killed after %s", time.Since(start).Round(time.Millisecond))}
	case context.Canceled:
		return nil, &solver.Failure{Solver: a.name, Reason: solver.ReasonCancelled, Msg: "solve cancelled"}
	}

	// A reported outcome beats exit-code guesswork, even on a dirty exit.
	if resErr != nil {
		return nil, resErr
	}
	if res != nil {
		if res.Runtime == 0 {
			res.Runtime = time.Since(start)
		}
		return res, nil
	}

	if waitErr != nil {
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			reason := solver.ReasonCrashed
			if ee.ExitCode() == oomExitCode {
				reason = solver.ReasonOutOfMemory
			}
			msg := fmt.Sprintf("exit code %d", ee.ExitCode())
			if tail := stderr.String(); tail != "" {
				msg += ": " + tail
			}
			return nil, &solver.Failure{Solver: a.name, Reason: reason, Msg: msg}
		}
		return nil, &solver.Failure{Solver: a.name, Reason: solver.ReasonCrashed, Err: waitErr}
	}

	return nil, &solver.Failure{Solver: a.name, Reason: solver.ReasonCrashed, Msg: "solver exited without reporting a result"}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}
