package workerhost

import (
	"context"
	"io"
	"time"

	"github.com/relaycore/workhost/internal/ipc"
	"github.com/relaycore/workhost/internal/log"
)

// outboxCapacity bounds how many outgoing events a worker may have queued
// before Bridge.Send starts applying backpressure to its caller.
const outboxCapacity = 256

// Bridge is the worker-side counterpart to Manager: it runs inside the
// worker process, owns the two ends of the command/event pipe pair (the
// process's own stdin/stdout), and translates the manager's kill/stop
// commands into cooperative cancellation. EntryFunc implementations
// receive a context cancelled on killing/force-killing and are expected to
// check it (or the channel-returning equivalents below) at their own
// natural yield points, rather than being interrupted off-thread.
type Bridge struct {
	config string
	in     io.Reader
	frames *ipc.Writer
	outbox chan ipc.ConfigEvent

	ctx      context.Context
	cancel   context.CancelFunc
	stopping chan struct{}
	testWait chan struct{}
}

// NewBridge constructs a bridge reading commands from r and writing events
// to w. Call Run to start its goroutines before doing anything else.
func NewBridge(config string, r io.Reader, w io.Writer) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		config:   config,
		in:       r,
		frames:   ipc.NewWriter(w),
		outbox:   make(chan ipc.ConfigEvent, outboxCapacity),
		ctx:      ctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
		testWait: make(chan struct{}, 1),
	}
}

// Run starts the send and receive goroutines and emits the initial running
// WorkerState event, then returns immediately -- the caller runs its
// EntryFunc logic on its own goroutine (typically the one that called Run).
func (b *Bridge) Run() {
	go b.sendLoop()
	go b.receiveLoop(b.in)
	b.SendWorkerState("running")
}

// Context is cancelled once the manager requests killing or force-killing.
// EntryFuncs that run a blocking loop should select on Context().Done()
// alongside their own work.
func (b *Bridge) Context() context.Context {
	return b.ctx
}

// SchedulerStopping returns a channel that closes once the manager has
// asked this worker to wind down at its own pace. Unlike Context, this does
// not mean "stop now" -- it means "finish what you're doing and exit soon".
func (b *Bridge) SchedulerStopping() <-chan struct{} {
	return b.stopping
}

// Send enqueues a config event for delivery to the manager. It blocks if
// the outbox is full, applying backpressure to a worker that is producing
// faster than the pipe can drain rather than dropping records silently.
func (b *Bridge) Send(topic string, key []string, value any) {
	select {
	case b.outbox <- ipc.ConfigEvent{Topic: topic, Config: b.config, Key: key, Value: value}:
	case <-b.ctx.Done():
	}
}

// SendLog emits a log record on the Log topic, which the manager routes to
// the per-config log cache rather than the general event bus.
func (b *Bridge) SendLog(rec ipc.LogRecord) {
	b.Send(ipc.TopicLog, nil, rec)
}

// SendWorkerState reports this worker's own view of its status. The
// manager only honors transitions between running and scheduler-waiting;
// anything else is dropped by the manager's trust boundary, not by the
// bridge, so workers may call this freely.
func (b *Bridge) SendWorkerState(status string) {
	b.Send(ipc.TopicWorker, []string{b.config}, status)
}

// sendLoop drains the outbox and writes each event as a frame. Exits as soon
// as the context is cancelled, leaving any events still queued in the outbox
// unwritten, or immediately on a write error (the pipe is gone, nothing more
// can be sent). The write
// error also cancels the context: once nothing drains the outbox, Send's
// blocking enqueue must fall through to its Done branch or callers would
// hang forever once the outbox fills.
func (b *Bridge) sendLoop() {
	for {
		select {
		case ev := <-b.outbox:
			if err := b.frames.Write(ev); err != nil {
				log.Debug(log.CatWorker, "bridge send failed", "config", b.config, "error", err)
				b.cancel()
				return
			}
		case <-b.ctx.Done():
			return
		}
	}
}

// receiveLoop decodes command events from the manager and dispatches them.
// An EOF or decode error means the manager has gone away, which unblocks
// any EntryFunc waiting on Context() by cancelling it.
func (b *Bridge) receiveLoop(r io.Reader) {
	fr := ipc.NewReader(r)
	for {
		var cmd ipc.CommandEvent
		if err := fr.Read(&cmd); err != nil {
			b.cancel()
			return
		}
		b.handleCommand(cmd)
	}
}

func (b *Bridge) handleCommand(cmd ipc.CommandEvent) {
	switch cmd.Cmd {
	case ipc.CmdSchedulerStopping:
		select {
		case <-b.stopping:
		default:
			close(b.stopping)
		}
	case ipc.CmdKilling, ipc.CmdForceKilling:
		b.cancel()
	case ipc.CmdTestContinue:
		select {
		case b.testWait <- struct{}{}:
		default:
		}
	default:
		log.Debug(log.CatWorker, "bridge dropped unknown command", "config", b.config, "cmd", cmd.Cmd)
	}
}

// Flush waits up to d for the send loop to drain the outbox, so a worker
// exiting normally does not lose its last few queued events to process
// teardown. Returns early if the bridge is already closing.
func (b *Bridge) Flush(d time.Duration) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		if len(b.outbox) == 0 {
			return
		}
		select {
		case <-deadline.C:
			return
		case <-b.ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// WaitTestContinue blocks until a test-continue command arrives or d
// elapses, whichever comes first. It exists solely so test mods can
// synchronize with a driving test harness; production EntryFuncs never
// call it.
func (b *Bridge) WaitTestContinue(d time.Duration) bool {
	select {
	case <-b.testWait:
		return true
	case <-time.After(d):
		return false
	}
}
