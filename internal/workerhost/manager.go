// Package workerhost implements the worker manager and worker bridge: the
// two halves of the process-lifecycle layer that spawns, supervises, and
// tears down worker subprocesses on behalf of a backend.
package workerhost

import (
	"fmt"
	"sync"
	"time"

	"github.com/relaycore/workhost/internal/ipc"
	"github.com/relaycore/workhost/internal/log"
)

// Sink receives the two kinds of notification the manager produces as a
// side effect of driving worker lifecycles: status transitions (for the
// global Worker topic) and raw config events forwarded from a worker's
// bridge (for the event bus and log cache). Keeping this as an interface,
// rather than a concrete dependency on the event bus, is what lets the
// manager be tested with a recording fake instead of wiring a real bus.
type Sink interface {
	OnWorkerStatus(config string, status Status)
	OnConfigEvent(event ipc.ConfigEvent)
}

// workerHandle is the subset of *workerProcess the manager's lifecycle
// logic depends on. Pulling it out as an interface lets tests drive the
// state machine against a fake instead of a real re-exec'd process, the
// same shape supervisor.backendHandle has one level up the process tree.
type workerHandle interface {
	send(ev ipc.CommandEvent) error
	terminate() error
	kill() error
	wait() error
	exitCode() int
	closeStdin() error
	pid() int
}

// Manager is the single per-backend authority over every worker's process
// and lifecycle state. All exported methods are safe for concurrent use.
type Manager struct {
	selfExe string
	sink    Sink
	spawn   func(selfExe, mod, config string, inbox chan<- inboxMsg) (workerHandle, error)

	mu     sync.Mutex
	states map[string]*WorkerState

	inbox   chan inboxMsg
	closed  chan struct{}
	closeWG sync.WaitGroup
}

// NewManager creates a manager that re-execs selfExe to spawn workers and
// reports lifecycle notifications to sink. inboxCapacity bounds how many
// pending config-event/disconnect notifications the io loop may have
// queued (config.WorkerManagerConfig.IOInboxCapacity).
func NewManager(selfExe string, sink Sink, inboxCapacity int) *Manager {
	if inboxCapacity < 1 {
		inboxCapacity = 1
	}
	m := &Manager{
		selfExe: selfExe,
		sink:    sink,
		spawn: func(selfExe, mod, config string, inbox chan<- inboxMsg) (workerHandle, error) {
			wp, err := spawnWorkerProcess(selfExe, mod, config, inbox)
			if err != nil {
				return nil, err
			}
			return wp, nil
		},
		states: make(map[string]*WorkerState),
		inbox:  make(chan inboxMsg, inboxCapacity),
		closed: make(chan struct{}),
	}
	m.closeWG.Add(1)
	go m.ioLoop()
	return m
}

// Start spawns a worker process running mod under config's name, rejecting
// the request if a worker is already live for that config. Status is set to
// starting immediately, under the lock, before the process is spawned --
// so a concurrent Start call for the same config sees starting rather than
// racing to spawn twice.
func (m *Manager) Start(mod, config string) error {
	if _, err := LookupMod(mod); err != nil {
		return err
	}

	m.mu.Lock()
	if ws, ok := m.states[config]; ok && ws.Status != StatusIdle && ws.Status != StatusError {
		m.mu.Unlock()
		return fmt.Errorf("workerhost: worker %q already in status %s", config, ws.Status)
	}
	ws := &WorkerState{Mod: mod, Config: config}
	ws.setStatus(StatusStarting)
	m.states[config] = ws
	m.mu.Unlock()

	m.notifyStatus(config, StatusStarting)

	proc, err := m.spawn(m.selfExe, mod, config, m.inbox)
	if err != nil {
		// Nothing was started, so nothing is retained: the slot goes straight
		// back to empty rather than parking in error like an unexpected death
		// does.
		m.mu.Lock()
		delete(m.states, config)
		m.mu.Unlock()
		m.notifyStatus(config, StatusIdle)
		return fmt.Errorf("spawning worker %q: %w", config, err)
	}

	m.mu.Lock()
	ws.proc = proc
	ws.setStatus(StatusRunning)
	m.mu.Unlock()

	m.notifyStatus(config, StatusRunning)
	log.Info(log.CatWorker, "worker started", "config", config, "mod", mod, "pid", proc.pid())
	return nil
}

// SchedulerStop asks a running worker to wind down at its own next
// convenient point. It is a no-op request rejected outright if the worker
// is not in a state that can meaningfully honor it: a stop or kill already
// in flight is never walked back to scheduler-stopping, and a worker
// already waiting between jobs has nothing to wind down.
func (m *Manager) SchedulerStop(config string) error {
	m.mu.Lock()
	ws, ok := m.states[config]
	if !ok || ws.Status == StatusIdle || ws.Status == StatusError {
		m.mu.Unlock()
		return fmt.Errorf("workerhost: worker %q is not running", config)
	}
	switch ws.Status {
	case StatusSchedulerStopping, StatusSchedulerWaiting, StatusKilling, StatusForceKilling:
		m.mu.Unlock()
		return fmt.Errorf("workerhost: worker %q is already stopping", config)
	}
	ws.setStatus(StatusSchedulerStopping)
	proc := ws.proc
	m.mu.Unlock()

	m.notifyStatus(config, StatusSchedulerStopping)
	if proc == nil {
		return nil
	}
	return proc.send(ipc.CommandEvent{Cmd: ipc.CmdSchedulerStopping})
}

// Kill asks a worker to wind down cooperatively: it sends the killing
// command and lets the bridge's own context cancellation drive the worker's
// exit. No OS signal is sent here -- that's reserved for ForceKill after a
// worker has failed to honor the cooperative request. The manager
// transitions the entry to idle and removes it once the process actually
// disconnects; Kill itself only requests the stop.
func (m *Manager) Kill(config string) error {
	m.mu.Lock()
	ws, ok := m.states[config]
	if !ok || ws.Status == StatusIdle || ws.Status == StatusError {
		m.mu.Unlock()
		return fmt.Errorf("workerhost: worker %q is not running", config)
	}
	if ws.Status == StatusKilling || ws.Status == StatusForceKilling {
		m.mu.Unlock()
		return fmt.Errorf("workerhost: worker %q is already being killed", config)
	}
	ws.setStatus(StatusKilling)
	proc := ws.proc
	m.mu.Unlock()

	m.notifyStatus(config, StatusKilling)
	if proc == nil {
		return nil
	}
	return proc.send(ipc.CommandEvent{Cmd: ipc.CmdKilling})
}

// ForceKill immediately and unconditionally tears a worker down, not
// waiting for the disconnect to arrive through the normal io loop path.
// This is the one operation that pops the entry itself rather than leaving
// removal to handleDisconnect: a force kill must be able to reclaim the
// slot even if the process never reports back.
func (m *Manager) ForceKill(config string) error {
	m.mu.Lock()
	ws, ok := m.states[config]
	if !ok || ws.Status == StatusIdle || ws.Status == StatusError || ws.Status == StatusForceKilling {
		m.mu.Unlock()
		return fmt.Errorf("workerhost: worker %q cannot be force-killed from its current state", config)
	}
	ws.setStatus(StatusForceKilling)
	proc := ws.proc
	m.mu.Unlock()

	m.notifyStatus(config, StatusForceKilling)

	if proc != nil {
		_ = proc.send(ipc.CommandEvent{Cmd: ipc.CmdForceKilling})
		gracefulKill(proc)
		_ = proc.closeStdin()
	}

	m.mu.Lock()
	delete(m.states, config)
	m.mu.Unlock()

	m.notifyStatus(config, StatusIdle)
	return nil
}

// gracefulKill asks the process to terminate, gives it a moment to exit,
// then kills outright if it hasn't. It returns the process's exit code
// (-1 if it was killed via signal rather than exiting on its own), so
// callers can distinguish a clean exit from a forced one.
func gracefulKill(proc workerHandle) int {
	_ = proc.terminate()
	done := make(chan struct{})
	go func() {
		_ = proc.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		_ = proc.kill()
		<-done
	}
	return proc.exitCode()
}

// GetStateInfo returns a snapshot of every tracked worker.
func (m *Manager) GetStateInfo() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]Info, 0, len(m.states))
	for _, ws := range m.states {
		infos = append(infos, Info{Mod: ws.Mod, Config: ws.Config, Status: ws.Status, Update: ws.Update})
	}
	return infos
}

// Close tears down every tracked worker and stops the io loop. It may be
// called more than once; only the first call does work.
func (m *Manager) Close() {
	m.mu.Lock()
	configs := make([]string, 0, len(m.states))
	for c := range m.states {
		configs = append(configs, c)
	}
	m.mu.Unlock()

	for _, c := range configs {
		_ = m.ForceKill(c)
	}

	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	m.closeWG.Wait()
}

// notifyStatus forwards a status transition to the sink, matching the
// Worker topic's own del-on-idle/set-otherwise contract (enforced by the
// sink, not here -- the manager just reports raw transitions).
func (m *Manager) notifyStatus(config string, status Status) {
	if m.sink != nil {
		m.sink.OnWorkerStatus(config, status)
	}
}

// ioLoop is the manager's single dedicated goroutine draining every
// worker's event stream. Fanning every reader goroutine into one shared
// channel stands in for an OS-level multi-handle wait over a set of pipe
// descriptors: select already multiplexes an arbitrary number of producers
// over one consumer without needing to rebuild anything when the worker
// set changes.
func (m *Manager) ioLoop() {
	defer m.closeWG.Done()
	for {
		select {
		case <-m.closed:
			return
		case msg := <-m.inbox:
			if msg.Err != nil {
				m.handleDisconnect(msg.WorkerID)
				continue
			}
			m.handleConfigEvent(msg.WorkerID, msg.Event)
		}
	}
}

// handleDisconnect runs when a worker's event pipe reports EOF or an
// error. The final status follows exit code first: exit code 0 always
// resolves to idle (the entry is removed), regardless of what the
// manager had requested -- a worker that finishes its own work cleanly
// (testRun3, or testScheduler after a scheduler-stop) is not an error just
// because the manager never asked for a kill. Only when the exit code is
// unknown or non-zero does the request-in-flight matter: a kill/force-kill
// already in flight still resolves to idle; anything else is an unrequested
// exit and resolves to error (the entry is kept so GetStateInfo can surface
// it).
func (m *Manager) handleDisconnect(config string) {
	m.mu.Lock()
	ws, ok := m.states[config]
	if !ok {
		m.mu.Unlock()
		return
	}
	statusBefore := ws.Status
	proc := ws.proc
	m.mu.Unlock()

	exitCode := -1
	if proc != nil {
		exitCode = gracefulKill(proc)
		_ = proc.closeStdin()
	}

	m.mu.Lock()
	ws, ok = m.states[config]
	if !ok {
		m.mu.Unlock()
		return
	}
	if exitCode == 0 || statusBefore == StatusKilling || statusBefore == StatusForceKilling {
		delete(m.states, config)
		m.mu.Unlock()
		m.notifyStatus(config, StatusIdle)
		return
	}
	ws.setStatus(StatusError)
	m.mu.Unlock()
	m.notifyStatus(config, StatusError)
}

// handleConfigEvent applies the manager's trust boundary: the config a
// worker claims for itself is never honored, it is overwritten
// with the config the manager already has on file for that worker, before
// the event is forwarded to the sink. A Worker-topic self report is
// additionally gated to only move between running and scheduler-waiting --
// a worker cannot announce itself killed or idle, only the manager can
// decide that.
func (m *Manager) handleConfigEvent(config string, event ipc.ConfigEvent) {
	m.mu.Lock()
	ws, ok := m.states[config]
	if !ok {
		m.mu.Unlock()
		return
	}
	event.Config = ws.Config

	if event.Topic == ipc.TopicWorker {
		reported, _ := event.Value.(string)
		newStatus := parseStatus(reported)
		if CanSelfReport(ws.Status) && CanSelfReport(newStatus) {
			ws.setStatus(newStatus)
			m.mu.Unlock()
			m.notifyStatus(config, newStatus)
			return
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.OnConfigEvent(event)
	}
}

func parseStatus(s string) Status {
	switch s {
	case "running":
		return StatusRunning
	case "scheduler-waiting":
		return StatusSchedulerWaiting
	default:
		return StatusError
	}
}
