package workerhost

import (
	"io"
	"testing"
	"time"

	"github.com/relaycore/workhost/internal/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bridgeHarness stands in for the manager's side of the pipe pair: cmds
// writes CommandEvents into the bridge, events reads ConfigEvents out.
type bridgeHarness struct {
	bridge *Bridge
	cmds   *ipc.Writer
	events *ipc.Reader
	cmdW   *io.PipeWriter
}

func newBridgeHarness(t *testing.T, config string) *bridgeHarness {
	t.Helper()
	cmdR, cmdW := io.Pipe()
	evR, evW := io.Pipe()
	t.Cleanup(func() {
		_ = cmdW.Close()
		_ = evR.Close()
	})

	b := NewBridge(config, cmdR, evW)
	b.Run()
	return &bridgeHarness{
		bridge: b,
		cmds:   ipc.NewWriter(cmdW),
		events: ipc.NewReader(evR),
		cmdW:   cmdW,
	}
}

func (h *bridgeHarness) readEvent(t *testing.T) ipc.ConfigEvent {
	t.Helper()
	var ev ipc.ConfigEvent
	require.NoError(t, h.events.Read(&ev))
	return ev
}

func TestBridgeEmitsInitialRunningState(t *testing.T) {
	h := newBridgeHarness(t, "alas")

	ev := h.readEvent(t)
	assert.Equal(t, ipc.TopicWorker, ev.Topic)
	assert.Equal(t, "running", ev.Value)
}

func TestBridgeSendsEventsInOrder(t *testing.T) {
	h := newBridgeHarness(t, "alas")
	h.readEvent(t) // initial running state

	h.bridge.Send("Custom", []string{"k1"}, 1)
	h.bridge.Send("Custom", []string{"k2"}, 2)
	h.bridge.SendLog(ipc.LogRecord{Message: "hello"})

	assert.Equal(t, []string{"k1"}, h.readEvent(t).Key)
	assert.Equal(t, []string{"k2"}, h.readEvent(t).Key)

	logEv := h.readEvent(t)
	assert.Equal(t, ipc.TopicLog, logEv.Topic)
	rec, ok := logEv.Value.(ipc.LogRecord)
	require.True(t, ok)
	assert.Equal(t, "hello", rec.Message)
}

func TestBridgeSchedulerStoppingClosesChannel(t *testing.T) {
	h := newBridgeHarness(t, "alas")
	h.readEvent(t)

	require.NoError(t, h.cmds.Write(ipc.CommandEvent{Cmd: ipc.CmdSchedulerStopping}))

	select {
	case <-h.bridge.SchedulerStopping():
	case <-time.After(time.Second):
		t.Fatal("scheduler-stopping was never signalled")
	}
	// The context stays intact: scheduler-stopping is advisory, not a kill.
	assert.NoError(t, h.bridge.Context().Err())
}

func TestBridgeKillingCancelsContext(t *testing.T) {
	h := newBridgeHarness(t, "alas")
	h.readEvent(t)

	require.NoError(t, h.cmds.Write(ipc.CommandEvent{Cmd: ipc.CmdKilling}))

	select {
	case <-h.bridge.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("killing did not cancel the bridge context")
	}
}

func TestBridgeTestContinueUnblocksWaiter(t *testing.T) {
	h := newBridgeHarness(t, "alas")
	h.readEvent(t)

	require.NoError(t, h.cmds.Write(ipc.CommandEvent{Cmd: ipc.CmdTestContinue}))
	assert.True(t, h.bridge.WaitTestContinue(time.Second))
	assert.False(t, h.bridge.WaitTestContinue(10*time.Millisecond))
}

func TestBridgeUnknownCommandIsDropped(t *testing.T) {
	h := newBridgeHarness(t, "alas")
	h.readEvent(t)

	require.NoError(t, h.cmds.Write(ipc.CommandEvent{Cmd: "do-a-flip"}))

	// The bridge stays healthy: a later recognized command still works.
	require.NoError(t, h.cmds.Write(ipc.CommandEvent{Cmd: ipc.CmdKilling}))
	select {
	case <-h.bridge.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("bridge stopped processing commands after an unknown one")
	}
}

// brokenWriter fails every write, standing in for a pipe whose far end has
// already gone away.
type brokenWriter struct{}

func (brokenWriter) Write(p []byte) (int, error) {
	return 0, io.ErrClosedPipe
}

func TestBridgeWriteFailureUnblocksSenders(t *testing.T) {
	cmdR, cmdW := io.Pipe()
	t.Cleanup(func() { _ = cmdW.Close() })

	b := NewBridge("alas", cmdR, brokenWriter{})
	b.Run()

	// Run's initial WorkerState write fails, which must flip the bridge to
	// closing rather than leaving the outbox to silently fill.
	select {
	case <-b.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("write failure did not cancel the bridge context")
	}

	// With nothing draining the outbox, sends past its capacity only
	// return because the context is cancelled -- fire-and-forget, no hang.
	done := make(chan struct{})
	go func() {
		for i := 0; i < outboxCapacity+10; i++ {
			b.Send("Custom", nil, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked after the pipe write failed")
	}
}

func TestBridgeFlushWaitsForOutboxToDrain(t *testing.T) {
	h := newBridgeHarness(t, "alas")
	h.readEvent(t)

	for i := 0; i < 5; i++ {
		h.bridge.Send("Custom", nil, i)
	}
	go func() {
		var ev ipc.ConfigEvent
		for h.events.Read(&ev) == nil {
		}
	}()

	h.bridge.Flush(time.Second)
	assert.Zero(t, len(h.bridge.outbox))
}

func TestBridgeCommandPipeEOFCancelsContext(t *testing.T) {
	h := newBridgeHarness(t, "alas")
	h.readEvent(t)

	require.NoError(t, h.cmdW.Close())

	select {
	case <-h.bridge.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("command pipe EOF did not cancel the bridge context")
	}
}
