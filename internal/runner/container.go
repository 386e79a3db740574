package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/sminos/internal/container"
	"github.com/mtzanidakis/sminos/internal/natsbus"
	"github.com/mtzanidakis/sminos/internal/solver"
)

// resultGrace is how long to wait for an in-flight bus message after the
// container stops before declaring a crash.
const resultGrace = 2 * time.Second

// ContainerAdapter runs a solver inside a Docker container. The request is
// written to the worker's scratch dir (mounted at /work) and the container
// reports progress and its result over the bus; /work/result.json is the
// fallback when the bus report never arrives.
type ContainerAdapter struct {
	rt         *Runtime
	name       string
	workerID   string
	swarmID    string
	workDir    string
	problemDir string
	image      string
	extraEnv   map[string]string
}

type resultMsg struct {
	res *solver.Result
	err error
}

func (a *ContainerAdapter) Name() string { return a.name }

func (a *ContainerAdapter) Available(ctx context.Context) bool {
	if a.rt.containers == nil || a.rt.nc == nil {
		return false
	}
	return a.rt.containers.Ping(ctx) == nil
}

func (a *ContainerAdapter) Solve(ctx context.Context, spec *solver.Spec, hints *solver.Hints) (*solver.Result, error) {
	if a.rt.nc == nil {
		return nil, &solver.Failure{Solver: a.name, Reason: solver.ReasonBadConfig, Msg: "container execution needs the message bus"}
	}
	if a.rt.containers == nil {
		return nil, &solver.Failure{Solver: a.name, Reason: solver.ReasonUnavailable, Msg: "docker runtime not available"}
	}

	if err := a.writeRequest(spec, hints); err != nil {
		return nil, &solver.Failure{Solver: a.name, Reason: solver.ReasonResources, Msg: "write request file", Err: err}
	}

	resultCh := make(chan resultMsg, 1)
	sub, err := a.rt.nc.Subscribe(natsbus.TopicWorkerResult(a.workerID), func(msg *nats.Msg) {
		var envl solver.Envelope
		if err := json.Unmarshal(msg.Data, &envl); err != nil {
			return
		}
		if envl.Intermediate {
			if envl.Result != nil {
				r := *envl.Result
				if r.Solver == "" {
					r.Solver = a.name
				}
				a.rt.reportIntermediate(a.workerID, r)
			}
			return
		}
		res, rerr := envl.Resolve(a.name)
		select {
		case resultCh <- resultMsg{res: res, err: rerr}:
		default:
		}
	})
	if err != nil {
		return nil, &solver.Failure{Solver: a.name, Reason: solver.ReasonNetwork, Msg: "subscribe result topic", Err: err}
	}
	defer func() { _ = sub.Unsubscribe() }()

	_, err = a.rt.containers.StartWorker(ctx, container.WorkerOpts{
		WorkerID:   a.workerID,
		SwarmID:    a.swarmID,
		Solver:     a.name,
		Image:      a.image,
		WorkDir:    a.workDir,
		ProblemDir: a.problemDir,
		NATSUrl:    a.rt.cfg.NATSUrl,
		Env:        a.extraEnv,
	})
	if err != nil {
		reason := solver.ReasonUnavailable
		if strings.Contains(err.Error(), "max containers") {
			reason = solver.ReasonResources
		}
		return nil, &solver.Failure{Solver: a.name, Reason: reason, Msg: "start worker container", Err: err}
	}
	defer func() { _ = a.rt.containers.StopWorker(context.Background(), a.workerID) }()

	exitCh := make(chan int64, 1)
	go func() {
		code, werr := a.rt.containers.WaitExit(ctx, a.workerID)
		if werr != nil {
			return
		}
		exitCh <- code
	}()

	start := time.Now()
	for {
		select {
		case m := <-resultCh:
			return a.finish(m, start)
		case <-ctx.Done():
			return nil, a.ctxFailure(ctx, start)
		case code := <-exitCh:
			return a.finishAfterExit(ctx, code, resultCh, start)
		}
	}
}

// finishAfterExit handles a container that stopped without a bus report:
// first the result file, then a short grace for an in-flight message, then
// a crash diagnosis from the container logs.
func (a *ContainerAdapter) finishAfterExit(ctx context.Context, code int64, resultCh chan resultMsg, start time.Time) (*solver.Result, error) {
	if data, err := os.ReadFile(filepath.Join(a.workDir, "result.json")); err == nil {
		res, derr := solver.DecodeEnvelope(data, a.name)
		return a.finish(resultMsg{res: res, err: derr}, start)
	}

	select {
	case m := <-resultCh:
		return a.finish(m, start)
	case <-ctx.Done():
		return nil, a.ctxFailure(ctx, start)
	case <-time.After(resultGrace):
	}

	reason := solver.ReasonCrashed
	if code == oomExitCode {
		reason = solver.ReasonOutOfMemory
	}
	msg := fmt.Sprintf("container exited with code %d without a result", code)
	if logs, lerr := a.rt.containers.Logs(ctx, a.workerID, 20); lerr == nil && logs != "" {
		msg += ": " + strings.TrimSpace(logs)
	}
	return nil, &solver.Failure{Solver: a.name, Reason: reason, Msg: msg}
}

func (a *ContainerAdapter) finish(m resultMsg, start time.Time) (*solver.Result, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.res.Runtime == 0 {
		m.res.Runtime = time.Since(start)
	}
	return m.res, nil
}

func (a *ContainerAdapter) ctxFailure(ctx context.Context, start time.Time) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &solver.Failure{Solver: a.name, Reason: solver.ReasonTimeout, Msg: fmt.Sprintf("stopped after %s", time.Since(start).Round(time.Millisecond))}
	}
	return &solver.Failure{Solver: a.name, Reason: solver.ReasonCancelled, Msg: "solve cancelled"}
}

func (a *ContainerAdapter) writeRequest(spec *solver.Spec, hints *solver.Hints) error {
	if a.workDir == "" {
		return fmt.Errorf("no work dir assigned")
	}
	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(request{
		WorkerID: a.workerID,
		SwarmID:  a.swarmID,
		Spec:     spec,
		Hints:    hints,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(a.workDir, "request.json"), data, 0o644)
}
