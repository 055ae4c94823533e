// Package supervisor implements the top-level process that owns a single
// backend child, detects crashes versus requested restarts, enforces a
// sliding-window restart budget, and escalates operator interrupts from an
// advisory `stop` through to a force-kill.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/relaycore/workhost/internal/config"
	"github.com/relaycore/workhost/internal/ipc"
	"github.com/relaycore/workhost/internal/log"
	"github.com/relaycore/workhost/internal/watcher"
)

// backendHandle is the subset of *backendProcess that the supervisor's
// lifecycle logic (runOnce/shutdown/forceKillAndWait) actually depends on.
// Pulling it out as an interface lets tests drive that logic against a
// fake instead of a real re-exec'd process.
type backendHandle interface {
	sendStop() error
	alive() bool
	forceKill() error
	wait() error
}

// spawnFunc starts a backend and returns its handle plus its event stream,
// matching spawnBackend's signature generalized to backendHandle.
type spawnFunc func(selfExe string, args []string) (backendHandle, <-chan ipc.CommandEvent, error)

// Supervisor owns exactly one backend child for its entire run. It exposes
// no operations of its own -- its surface is the OS (signals, exit code)
// and the backend's pipe.
type Supervisor struct {
	selfExe    string
	args       []string
	configPath string
	spawn      spawnFunc

	mu  sync.RWMutex
	cfg config.SupervisorConfig

	sigintCount int
}

// New constructs a Supervisor that will re-invoke selfExe as `backend`,
// forwarding args verbatim, governed by cfg's restart/shutdown policy.
// configPath, if non-empty, is watched for changes so the restart policy
// can be hot-reloaded without restarting the supervisor itself; pass "" to
// disable watching when no config file is in use.
func New(selfExe string, args []string, configPath string, cfg config.SupervisorConfig) *Supervisor {
	return &Supervisor{
		selfExe:    selfExe,
		args:       args,
		configPath: configPath,
		cfg:        cfg,
		spawn: func(selfExe string, args []string) (backendHandle, <-chan ipc.CommandEvent, error) {
			return spawnBackend(selfExe, args)
		},
	}
}

func (s *Supervisor) policy() config.SupervisorConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// watchConfig starts the config file watcher, if configPath is set, and
// hot-swaps the restart/shutdown policy fields on every debounced change.
// Everything else in the config file (listen address, channel capacities)
// lives in the backend process; the watcher logs those as deferred to the
// next restart rather than silently ignoring them.
func (s *Supervisor) watchConfig() func() {
	if s.configPath == "" {
		log.Debug(log.CatSupervisor, "no config file in use, hot-reload disabled")
		return func() {}
	}

	w, err := watcher.New(watcher.DefaultConfig(s.configPath))
	if err != nil {
		log.ErrorErr(log.CatSupervisor, "failed to create config watcher", err)
		return func() {}
	}
	changes, err := w.Start()
	if err != nil {
		log.ErrorErr(log.CatSupervisor, "failed to start config watcher", err)
		return func() {}
	}

	go func() {
		for range changes {
			full, _, err := config.Load(s.configPath)
			if err != nil {
				log.ErrorErr(log.CatSupervisor, "failed to reload config", err)
				continue
			}
			reloadable := config.Reloadable(full)
			s.mu.Lock()
			s.cfg = reloadable.Supervisor
			s.mu.Unlock()
			log.Info(log.CatSupervisor, "reloaded restart policy from config",
				"max_restart_attempts", reloadable.Supervisor.MaxRestartAttempts,
				"restart_window", reloadable.Supervisor.RestartWindow.String())
			log.Info(log.CatSupervisor, "websocket/channel config changes take effect on next restart only")
		}
	}()

	return func() { _ = w.Stop() }
}

// outcomeKind classifies why one backend lifetime ended, driving the
// restart-or-exit decision at the bottom of Run's lifecycle loop.
type outcomeKind int

const (
	outcomeCrash outcomeKind = iota
	outcomeStartupFailure
	outcomeRestartRequested
	outcomeOperatorShutdown
)

// Run executes the supervisor's lifecycle loop until the backend is
// deliberately shut down by the operator or the restart budget is
// exhausted, returning the process exit code: 0 on operator shutdown,
// non-zero otherwise.
func (s *Supervisor) Run(ctx context.Context) int {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	stopWatching := s.watchConfig()
	defer stopWatching()

	var restartTimes []time.Time

	for {
		log.Info(log.CatSupervisor, "starting backend", "args", s.args)
		bp, events, err := s.spawn(s.selfExe, s.args)
		if err != nil {
			log.ErrorErr(log.CatSupervisor, "failed to start backend", err)
			return 1
		}

		exitCh := make(chan error, 1)
		go func() { exitCh <- bp.wait() }()

		outcome := s.runOnce(ctx, bp, events, exitCh, sigCh)

		switch outcome {
		case outcomeOperatorShutdown:
			log.Info(log.CatSupervisor, "operator shutdown complete")
			return 0

		case outcomeRestartRequested:
			log.Info(log.CatSupervisor, "backend requested restart")
			continue

		case outcomeStartupFailure:
			log.Error(log.CatSupervisor, "backend died during startup, not retrying")
			return 1

		case outcomeCrash:
			policy := s.policy()
			now := time.Now()
			restartTimes = append(restartTimes, now)
			restartTimes = pruneOlderThan(restartTimes, now.Add(-policy.RestartWindow))
			if len(restartTimes) > policy.MaxRestartAttempts {
				log.Error(log.CatSupervisor, "restart budget exhausted",
					"attempts", len(restartTimes), "window", policy.RestartWindow.String())
				return 1
			}
			log.Warn(log.CatSupervisor, "backend crashed, restarting",
				"attempt", len(restartTimes), "max", policy.MaxRestartAttempts)
			time.Sleep(policy.RestartDelay)
		}
	}
}

// runOnce supervises a single backend lifetime: it selects over the
// backend's event stream, its process exit, the startup timeout, and
// operator signals, and returns which of the four end-of-loop outcomes
// applies.
func (s *Supervisor) runOnce(ctx context.Context, bp backendHandle, events <-chan ipc.CommandEvent, exitCh <-chan error, sigCh <-chan os.Signal) outcomeKind {
	startupTimer := time.NewTimer(s.policy().StartupTimeout)
	defer startupTimer.Stop()
	started := false

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(bp, exitCh, sigCh)

		case <-startupTimer.C:
			// The backend never emits anything on its own -- the only
			// messages it ever sends are CmdRestart and CmdStop, which most
			// runs never trigger -- so startup success can't be keyed on
			// having received an event. Surviving StartupTimeout while the
			// process is still alive is itself the signal that startup succeeded;
			// only a process that has already exited by the time the timer
			// fires counts as a startup failure.
			if !started {
				select {
				case <-exitCh:
					return outcomeStartupFailure
				default:
					started = true
				}
			}

		case ev, ok := <-events:
			if !ok {
				// Backend's event stream ended (pipe EOF / process exited)
				// without ever asking to restart or stop.
				<-exitCh
				if started {
					return outcomeCrash
				}
				return outcomeStartupFailure
			}
			started = true
			switch ev.Cmd {
			case ipc.CmdRestart:
				s.forceKillAndWait(bp, exitCh)
				return outcomeRestartRequested
			case ipc.CmdStop:
				// The backend asking to stop takes the same escalation path
				// as an operator interrupt.
				log.Info(log.CatSupervisor, "backend requested stop")
				return s.shutdown(bp, exitCh, sigCh)
			default:
				log.Warn(log.CatSupervisor, "unknown command from backend", "cmd", ev.Cmd)
			}

		case err := <-exitCh:
			if err != nil {
				log.Warn(log.CatSupervisor, "backend process exited", "err", err.Error())
			} else {
				log.Info(log.CatSupervisor, "backend process exited")
			}
			if started {
				return outcomeCrash
			}
			return outcomeStartupFailure

		case sig := <-sigCh:
			log.Info(log.CatSupervisor, "received signal", "signal", sig.String())
			return s.shutdown(bp, exitCh, sigCh)
		}
	}
}

// shutdown escalates operator interrupts: the first sends the advisory
// `stop` and waits up to GracefulShutdownTimeout before force-killing; a
// second interrupt received at any point force-kills immediately. Any
// interrupt beyond the second arrives while forceKillAndWait is already
// blocked waiting for the OS to reap the process, so it sits unread in
// sigCh's buffer, acted on by nothing.
func (s *Supervisor) shutdown(bp backendHandle, exitCh <-chan error, sigCh <-chan os.Signal) outcomeKind {
	s.sigintCount++

	if s.sigintCount == 1 {
		if err := bp.sendStop(); err != nil {
			log.Warn(log.CatSupervisor, "failed to send stop to backend", "err", err.Error())
		}

		timeout := time.NewTimer(s.policy().GracefulShutdownTimeout)
		defer timeout.Stop()
		for {
			select {
			case <-exitCh:
				return outcomeOperatorShutdown
			case <-timeout.C:
				log.Warn(log.CatSupervisor, "graceful shutdown timed out, force-killing backend")
				s.forceKillAndWait(bp, exitCh)
				return outcomeOperatorShutdown
			case sig := <-sigCh:
				log.Info(log.CatSupervisor, "received signal during graceful shutdown", "signal", sig.String())
				return s.shutdown(bp, exitCh, sigCh)
			}
		}
	}

	log.Warn(log.CatSupervisor, "second interrupt, force-killing backend")
	s.forceKillAndWait(bp, exitCh)
	return outcomeOperatorShutdown
}

func (s *Supervisor) forceKillAndWait(bp backendHandle, exitCh <-chan error) {
	if bp.alive() {
		if err := bp.forceKill(); err != nil {
			log.Warn(log.CatSupervisor, "force-kill failed", "err", err.Error())
		}
	}
	<-exitCh
}

func pruneOlderThan(times []time.Time, cutoff time.Time) []time.Time {
	kept := make([]time.Time, 0, len(times))
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
