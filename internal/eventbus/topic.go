// Package eventbus routes worker-originated ConfigEvents and internal
// global events to subscribed WebSocket topics. It owns
// two pieces: the generic global/config topic router (Bus) and the
// per-config Log Cache, a lock-light broker between the worker manager's
// io-loop producer and a cooperative consumer that batches deliveries with
// a doorbell pattern instead of waking once per log line.
package eventbus

// Envelope is the payload shape delivered to every topic: op "full"
// replaces the subscriber's local view, "set" applies Value at Key, "del"
// removes Key. The Log topic's batched deltas use the additional op
// "append" since a batch of log lines has no natural key to set/del.
type Envelope struct {
	Topic string
	Op    string
	Key   []string
	Value any
}

const (
	OpFull   = "full"
	OpSet    = "set"
	OpDel    = "del"
	OpAppend = "append"
)

// Topic is a subscriber object: a browser WebSocket connection in
// production, or a recording fake in tests. TopicName identifies which
// wire topic this subscriber is receiving (a connection may hold several
// Topic instances, one per subscribed topic name).
type Topic interface {
	TopicName() string
	// Send delivers env, blocking until accepted.
	Send(env Envelope)
	// SendNowait delivers env without blocking, reporting false if the
	// subscriber's channel was full and the delivery was dropped -- a slow
	// consumer must not stall the broker.
	SendNowait(env Envelope) bool
}
