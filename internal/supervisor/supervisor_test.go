package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/relaycore/workhost/internal/config"
	"github.com/relaycore/workhost/internal/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPruneOlderThanDropsExpiredEntries(t *testing.T) {
	now := time.Now()
	times := []time.Time{
		now.Add(-90 * time.Second),
		now.Add(-30 * time.Second),
		now.Add(-5 * time.Second),
	}
	kept := pruneOlderThan(times, now.Add(-60*time.Second))
	assert.Equal(t, []time.Time{times[1], times[2]}, kept)
}

func TestPruneOlderThanKeepsAllWhenNoneExpired(t *testing.T) {
	now := time.Now()
	times := []time.Time{now.Add(-1 * time.Second), now}
	kept := pruneOlderThan(times, now.Add(-time.Minute))
	assert.Equal(t, times, kept)
}

func TestPruneOlderThanEmptyInput(t *testing.T) {
	assert.Empty(t, pruneOlderThan(nil, time.Now()))
}

// fakeBackend is a backendHandle test double: no real process, just counters
// and a liveness flag the test controls directly. When waitCh is set, wait
// blocks until it closes, standing in for a process that is still running.
type fakeBackend struct {
	mu          sync.Mutex
	stopSent    int
	sendStopErr error
	aliveVal    bool
	killCount   int
	waitCh      chan struct{}
}

func (f *fakeBackend) sendStop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopSent++
	return f.sendStopErr
}

func (f *fakeBackend) alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aliveVal
}

func (f *fakeBackend) forceKill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killCount++
	f.aliveVal = false
	return nil
}

func (f *fakeBackend) wait() error {
	if f.waitCh != nil {
		<-f.waitCh
	}
	return nil
}

func (f *fakeBackend) kills() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killCount
}

func (f *fakeBackend) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopSent
}

func testSupervisor(cfg config.SupervisorConfig) *Supervisor {
	return New("test-self-exe", nil, "", cfg)
}

// TestRunOnceSurvivingStartupTimeoutMarksStarted guards against the bug
// where "started" was only ever set from a backend-sent CommandEvent: the
// real backend never sends one on a healthy run, so every crash -- even
// after hours of uptime -- was misclassified as a startup failure. Here the
// startup timer fires while the backend is still alive, and only later does
// it exit; that must be a crash, not a startup failure.
func TestRunOnceSurvivingStartupTimeoutMarksStarted(t *testing.T) {
	sup := testSupervisor(config.SupervisorConfig{StartupTimeout: 10 * time.Millisecond})
	bp := &fakeBackend{aliveVal: true}
	events := make(chan ipc.CommandEvent)
	exitCh := make(chan error, 1)
	sigCh := make(chan os.Signal, 1)

	done := make(chan outcomeKind, 1)
	go func() { done <- sup.runOnce(context.Background(), bp, events, exitCh, sigCh) }()

	// Give the startup timer time to fire while the backend is still
	// "alive", then simulate it dying well after startup completed.
	time.Sleep(40 * time.Millisecond)
	exitCh <- errors.New("boom")

	select {
	case outcome := <-done:
		assert.Equal(t, outcomeCrash, outcome)
	case <-time.After(time.Second):
		t.Fatal("runOnce did not return")
	}
}

// TestRunOnceExitBeforeStartupTimeoutIsStartupFailure covers the
// complementary case: a backend that dies before ever surviving the
// startup window is a startup failure, not a crash.
func TestRunOnceExitBeforeStartupTimeoutIsStartupFailure(t *testing.T) {
	sup := testSupervisor(config.SupervisorConfig{StartupTimeout: time.Second})
	bp := &fakeBackend{}
	events := make(chan ipc.CommandEvent)
	exitCh := make(chan error, 1)
	exitCh <- errors.New("died immediately")
	sigCh := make(chan os.Signal, 1)

	outcome := sup.runOnce(context.Background(), bp, events, exitCh, sigCh)
	assert.Equal(t, outcomeStartupFailure, outcome)
}

// TestRunOnceRestartRequestedForceKillsAliveBackend covers the
// backend-initiated restart path: it force-kills the still-alive backend
// and reports outcomeRestartRequested, not outcomeCrash -- this outcome is
// what keeps a requested restart from consuming the restart budget.
func TestRunOnceRestartRequestedForceKillsAliveBackend(t *testing.T) {
	sup := testSupervisor(config.SupervisorConfig{StartupTimeout: time.Second})
	bp := &fakeBackend{aliveVal: true}
	events := make(chan ipc.CommandEvent, 1)
	events <- ipc.CommandEvent{Cmd: ipc.CmdRestart}
	exitCh := make(chan error, 1)
	sigCh := make(chan os.Signal, 1)

	// The backend only exits once force-killed; deliver its exit after the
	// restart command has had time to be picked up.
	go func() {
		time.Sleep(10 * time.Millisecond)
		exitCh <- nil
	}()

	outcome := sup.runOnce(context.Background(), bp, events, exitCh, sigCh)
	assert.Equal(t, outcomeRestartRequested, outcome)
	assert.Equal(t, 1, bp.kills())
}

// TestRunOnceBackendStopTakesShutdownPath covers the backend-initiated
// stop: a `stop` arriving over the pipe is treated exactly like a first
// operator interrupt -- advisory stop echoed back, then a wait for the
// backend to exit within the grace window.
func TestRunOnceBackendStopTakesShutdownPath(t *testing.T) {
	sup := testSupervisor(config.SupervisorConfig{
		StartupTimeout:          time.Second,
		GracefulShutdownTimeout: 200 * time.Millisecond,
	})
	bp := &fakeBackend{aliveVal: true}
	events := make(chan ipc.CommandEvent, 1)
	events <- ipc.CommandEvent{Cmd: ipc.CmdStop}
	exitCh := make(chan error, 1)
	sigCh := make(chan os.Signal, 1)

	go func() {
		time.Sleep(10 * time.Millisecond)
		exitCh <- nil
	}()

	outcome := sup.runOnce(context.Background(), bp, events, exitCh, sigCh)
	assert.Equal(t, outcomeOperatorShutdown, outcome)
	assert.Equal(t, 1, bp.stops())
	assert.Equal(t, 0, bp.kills())
}

// TestShutdownFirstSignalGracefulExit covers the happy path of the first
// interrupt: advisory stop sent, backend exits on its own well inside the
// grace window, no force-kill needed.
func TestShutdownFirstSignalGracefulExit(t *testing.T) {
	sup := testSupervisor(config.SupervisorConfig{GracefulShutdownTimeout: 200 * time.Millisecond})
	bp := &fakeBackend{aliveVal: true}
	exitCh := make(chan error, 1)
	sigCh := make(chan os.Signal, 1)

	go func() {
		time.Sleep(10 * time.Millisecond)
		exitCh <- nil
	}()

	outcome := sup.shutdown(bp, exitCh, sigCh)
	assert.Equal(t, outcomeOperatorShutdown, outcome)
	assert.Equal(t, 1, bp.stops())
	assert.Equal(t, 0, bp.kills())
}

// TestShutdownFirstSignalTimesOutAndForceKills covers escalation when the
// backend doesn't honor the advisory stop within GracefulShutdownTimeout.
func TestShutdownFirstSignalTimesOutAndForceKills(t *testing.T) {
	sup := testSupervisor(config.SupervisorConfig{GracefulShutdownTimeout: 10 * time.Millisecond})
	bp := &fakeBackend{aliveVal: true}
	exitCh := make(chan error, 1)
	sigCh := make(chan os.Signal, 1)

	// The backend only actually exits once force-killed; simulate that by
	// delivering its exit well after GracefulShutdownTimeout.
	go func() {
		time.Sleep(40 * time.Millisecond)
		exitCh <- nil
	}()

	outcome := sup.shutdown(bp, exitCh, sigCh)
	assert.Equal(t, outcomeOperatorShutdown, outcome)
	assert.Equal(t, 1, bp.kills())
}

// TestShutdownSecondSignalForceKillsImmediately covers the second stage of
// escalation: a second interrupt skips the advisory stop/timeout entirely.
func TestShutdownSecondSignalForceKillsImmediately(t *testing.T) {
	sup := testSupervisor(config.SupervisorConfig{GracefulShutdownTimeout: time.Second})
	sup.sigintCount = 1
	bp := &fakeBackend{aliveVal: true}
	exitCh := make(chan error, 1)
	exitCh <- nil
	sigCh := make(chan os.Signal, 1)

	outcome := sup.shutdown(bp, exitCh, sigCh)
	assert.Equal(t, outcomeOperatorShutdown, outcome)
	assert.Equal(t, 1, bp.kills())
	assert.Equal(t, 0, bp.stops())
}

// TestRunRetriesCrashesUpToRestartBudgetThenExits drives the actual Run
// loop with a fake spawn function: the backend
// crashes immediately after surviving startup on every attempt, and Run
// must retry until the restart budget is exhausted, then exit non-zero.
func TestRunRetriesCrashesUpToRestartBudgetThenExits(t *testing.T) {
	sup := testSupervisor(config.SupervisorConfig{
		StartupTimeout:     5 * time.Millisecond,
		MaxRestartAttempts: 2,
		RestartWindow:      time.Minute,
		RestartDelay:       time.Millisecond,
	})

	var mu sync.Mutex
	spawnCount := 0
	sup.spawn = func(selfExe string, args []string) (backendHandle, <-chan ipc.CommandEvent, error) {
		mu.Lock()
		spawnCount++
		mu.Unlock()

		waitCh := make(chan struct{})
		bp := &fakeBackend{aliveVal: true, waitCh: waitCh}
		events := make(chan ipc.CommandEvent)
		go func() {
			// Crash only after the startup timer has had time to fire and
			// mark the backend started, so each iteration is a genuine
			// crash rather than a startup failure.
			time.Sleep(20 * time.Millisecond)
			close(waitCh)
			close(events)
		}()
		return bp, events, nil
	}

	resultCh := make(chan int, 1)
	go func() { resultCh <- sup.Run(context.Background()) }()

	select {
	case code := <-resultCh:
		assert.Equal(t, 1, code)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	// MaxRestartAttempts=2 permits two crashes to be retried; the third
	// crash exceeds the budget, for three spawns total.
	assert.Equal(t, 3, spawnCount)
}

func TestNewSupervisorUsesRealSpawnByDefault(t *testing.T) {
	sup := New("self", nil, "", config.Defaults().Supervisor)
	require.NotNil(t, sup.spawn)
}
