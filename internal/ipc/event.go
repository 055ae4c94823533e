// Package ipc defines the wire records exchanged between the backend's
// worker manager and the bridge running inside each worker process, plus the
// length-delimited framing used to carry them over a duplex byte pipe.
package ipc

// CommandEvent is sent from the worker manager to a worker's bridge over the
// command pipe. It carries a single verb and an optional value.
type CommandEvent struct {
	Cmd   string
	Value any
}

// Command verbs recognized by a bridge's receive loop.
const (
	CmdSchedulerStopping = "scheduler-stopping"
	CmdKilling           = "killing"
	CmdForceKilling      = "force-killing"
	CmdTestContinue      = "test-continue"
)

// Command verbs exchanged between the supervisor and its backend child over
// the same length-delimited CommandEvent framing, reused one level up the
// process tree. CmdStop flows both ways: supervisor-to-backend it is the
// advisory half of the shutdown policy; backend-to-supervisor it requests a
// full shutdown, taken through the same escalation path as an operator
// interrupt. CmdRestart flows backend-to-supervisor only (the backend
// asking to be restarted without being treated as a crash).
const (
	CmdStop    = "stop"
	CmdRestart = "restart"
)

// ConfigEvent is sent from a worker's bridge to the worker manager over the
// event pipe. Config is overwritten by the manager on receipt to the config
// name it actually has on file for the sending worker -- a bridge's self
// report is never trusted for routing.
type ConfigEvent struct {
	Topic  string
	Config string
	Key    []string
	Value  any
}

// Log is the topic name a bridge uses to emit log lines; the manager routes
// these to the per-config log cache instead of the global event bus.
const TopicLog = "Log"

// Worker is the global topic name the manager publishes worker status
// transitions to.
const TopicWorker = "Worker"

// LogRecord is the payload carried on the Log topic.
type LogRecord struct {
	Time    float64
	Level   string
	Message string
	Err     string
	Raw     int
}
