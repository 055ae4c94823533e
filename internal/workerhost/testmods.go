package workerhost

import (
	"time"

	"github.com/relaycore/workhost/internal/ipc"
)

// Names of the built-in test mods, registered below so integration tests
// can exercise a real spawned child process instead of a fake in-process
// stand-in.
const (
	ModTestInfinite   = "test-infinite"
	ModTestRun3       = "test-run3"
	ModTestError      = "test-error"
	ModTestScheduler  = "test-scheduler"
	ModTestSendEvents = "test-send-events"
)

func init() {
	RegisterMod(ModTestInfinite, testInfinite)
	RegisterMod(ModTestRun3, testRun3)
	RegisterMod(ModTestError, testError)
	RegisterMod(ModTestScheduler, testScheduler)
	RegisterMod(ModTestSendEvents, testSendEvents)
}

// testInfinite runs until killed, used to exercise Kill/ForceKill paths.
func testInfinite(b *Bridge, _ string) error {
	<-b.Context().Done()
	return nil
}

// testRun3 does three units of work and exits on its own, used to exercise
// the idle-after-clean-exit path.
func testRun3(b *Bridge, _ string) error {
	for i := 0; i < 3; i++ {
		select {
		case <-b.Context().Done():
			return nil
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

// testError exits immediately with a non-nil error, used to exercise the
// error-retained-for-inspection disconnect path.
func testError(_ *Bridge, _ string) error {
	return errTestWorkerFailed
}

var errTestWorkerFailed = testErr("simulated worker failure")

type testErr string

func (e testErr) Error() string { return string(e) }

// testScheduler alternates between running and scheduler-waiting every
// third iteration, then honors a scheduler-stop request, used to exercise
// the Worker topic's self-reported status transitions.
func testScheduler(b *Bridge, _ string) error {
	for i := 0; ; i++ {
		if i%3 == 2 {
			b.SendWorkerState("scheduler-waiting")
		} else {
			b.SendWorkerState("running")
		}
		select {
		case <-b.SchedulerStopping():
			return nil
		case <-b.Context().Done():
			return nil
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// testSendEvents emits a log line, two custom config events, and a couple
// of worker-state transitions, then emits a debug "tick" log every 5ms until
// scheduler-stop or kill, used to exercise the event bus / log cache fan-out
// end to end.
func testSendEvents(b *Bridge, config string) error {
	b.SendLog(ipc.LogRecord{Time: float64(time.Now().Unix()), Level: "info", Message: "starting send-events"})
	b.Send("Custom", []string{config, "alpha"}, 1)
	b.Send("Custom", []string{config, "beta"}, 2)
	b.SendWorkerState("scheduler-waiting")
	b.SendWorkerState("running")

	for {
		select {
		case <-b.SchedulerStopping():
			return nil
		case <-b.Context().Done():
			return nil
		case <-time.After(5 * time.Millisecond):
			b.SendLog(ipc.LogRecord{Time: float64(time.Now().Unix()), Level: "debug", Message: "tick"})
		}
	}
}
