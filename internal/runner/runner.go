// Package runner executes solver workers. Two backends exist: exec runs a
// solver binary as a child process speaking JSON frames over stdio, and
// container runs it in a Docker container reporting back over the bus.
// Either way the orchestrator sees the same Adapter contract.
package runner

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/container"
	"github.com/mtzanidakis/sminos/internal/natsbus"
	"github.com/mtzanidakis/sminos/internal/solver"
)

// request is the wire form a worker receives: exec solvers read it from
// stdin, container solvers from /work/request.json.
type request struct {
	WorkerID string        `json:"worker_id"`
	SwarmID  string        `json:"swarm_id,omitempty"`
	Spec     *solver.Spec  `json:"spec"`
	Hints    *solver.Hints `json:"hints,omitempty"`
}

// WorkerEnv identifies one dispatch slot: the worker id the solver reports
// as, the directories it may use, and extra environment (license variables,
// tuning overrides) resolved by the orchestrator.
type WorkerEnv struct {
	WorkerID   string
	SwarmID    string
	WorkDir    string
	ProblemDir string
	Env        map[string]string
}

// Runtime builds per-worker adapters and funnels progress reports from both
// backends into a single sink. Progress travels over worker.*.progress when
// the bus is up so CLI and web monitors see the same stream.
type Runtime struct {
	cfg        config.RunnerConfig
	nc         *natsbus.Client
	containers *container.Manager

	mu        sync.RWMutex
	sink      func(solver.Progress)
	interSink func(workerID string, res solver.Result)
}

// NewRuntime wires the execution runtime. nc may be nil for bus-less use
// (progress then goes straight to the sink, container solvers are refused);
// containers may be nil when docker is not available.
func NewRuntime(cfg config.RunnerConfig, nc *natsbus.Client, containers *container.Manager) *Runtime {
	rt := &Runtime{
		cfg:        cfg,
		nc:         nc,
		containers: containers,
	}
	if nc != nil {
		_, _ = nc.Subscribe("worker.*.progress", rt.handleProgressMsg)
	}
	return rt
}

// SetProgressSink routes decoded progress frames to fn. The orchestrator
// points this at the swarm manager.
func (rt *Runtime) SetProgressSink(fn func(solver.Progress)) {
	rt.mu.Lock()
	rt.sink = fn
	rt.mu.Unlock()
}

// SetIntermediateSink routes intermediate results to fn. The orchestrator
// records them against the worker and checkpoints them.
func (rt *Runtime) SetIntermediateSink(fn func(workerID string, res solver.Result)) {
	rt.mu.Lock()
	rt.interSink = fn
	rt.mu.Unlock()
}

// Adapter builds the execution adapter for one worker slot.
func (rt *Runtime) Adapter(env WorkerEnv, name string, def config.SolverDefinition) (solver.Adapter, error) {
	switch def.Kind {
	case "exec":
		return &ExecAdapter{
			rt:       rt,
			name:     name,
			workerID: env.WorkerID,
			swarmID:  env.SwarmID,
			workDir:  env.WorkDir,
			command:  def.Command,
			args:     def.Args,
			extraEnv: env.Env,
		}, nil
	case "container":
		image := def.Image
		if image == "" {
			image = rt.cfg.Image
		}
		return &ContainerAdapter{
			rt:         rt,
			name:       name,
			workerID:   env.WorkerID,
			swarmID:    env.SwarmID,
			workDir:    env.WorkDir,
			problemDir: env.ProblemDir,
			image:      image,
			extraEnv:   env.Env,
		}, nil
	default:
		return nil, fmt.Errorf("solver %s: unknown kind %q", name, def.Kind)
	}
}

// Containers exposes the docker runtime for lifecycle management (cleanup,
// image builds). May be nil.
func (rt *Runtime) Containers() *container.Manager {
	return rt.containers
}

func (rt *Runtime) handleProgressMsg(msg *nats.Msg) {
	var p solver.Progress
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		return
	}
	if p.WorkerID == "" {
		// worker.{workerID}.progress
		parts := strings.Split(msg.Subject, ".")
		if len(parts) == 3 {
			p.WorkerID = parts[1]
		}
	}
	rt.deliver(p)
}

func (rt *Runtime) deliver(p solver.Progress) {
	rt.mu.RLock()
	sink := rt.sink
	rt.mu.RUnlock()
	if sink != nil {
		sink(p)
	}
}

// reportProgress puts a frame on the bus; the runtime's own subscription
// brings it back to the sink. Without a bus it delivers directly.
func (rt *Runtime) reportProgress(p solver.Progress) {
	if rt.nc != nil {
		if err := rt.nc.PublishJSON(natsbus.TopicWorkerProgress(p.WorkerID), p); err == nil {
			return
		}
	}
	rt.deliver(p)
}

// reportIntermediate hands an intermediate result to the sink. Intermediates
// stay in-process; only the orchestrator consumes them.
func (rt *Runtime) reportIntermediate(workerID string, res solver.Result) {
	rt.mu.RLock()
	sink := rt.interSink
	rt.mu.RUnlock()
	if sink != nil {
		sink(workerID, res)
	}
}
