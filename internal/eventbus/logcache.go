package eventbus

import (
	"sync"

	"github.com/relaycore/workhost/internal/ipc"
	"github.com/relaycore/workhost/internal/log"
)

// LogRecord is the payload carried on the Log topic, identical to the wire
// record a worker's bridge emits.
type LogRecord = ipc.LogRecord

// dedupSearchSlack is the extra number of snapshot entries (beyond
// len(pending)) the subscription protocol scans looking for the overlap
// boundary.
const dedupSearchSlack = 20

// LogCache is the per-config broker between the worker manager's io-loop
// goroutine (appending log records for one config) and a single drain
// goroutine, connected by two bounded ring buffers and a doorbell channel.
//
// Four properties hold simultaneously:
//  1. Cheap fast path -- OnEvent holds the mutex only for O(1) work.
//  2. Adaptive batching -- the drain goroutine wakes once per
//     empty-to-nonempty transition and drains everything pending, not
//     once per record.
//  3. Zero idle overhead -- OnEvent never touches the inbox or the
//     doorbell channel when there are no subscribers.
//  4. No loss, no duplication, no reorder across a concurrent Subscribe --
//     via the inbox-before-cache write order and the sequence-number
//     dedup in Subscribe.
type LogCache struct {
	config string

	mu      sync.Mutex
	cache   *ringBuffer
	inbox   *ringBuffer
	subs    map[Topic]struct{}
	nextSeq uint64

	drainCh chan struct{}
	closed  chan struct{}
	closeWG sync.WaitGroup
}

func newLogCache(config string, capacity int) *LogCache {
	lc := &LogCache{
		config:  config,
		cache:   newRingBuffer(capacity),
		inbox:   newRingBuffer(capacity),
		subs:    make(map[Topic]struct{}),
		drainCh: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	lc.closeWG.Add(1)
	go lc.drainLoop()
	return lc
}

// OnEvent is the producer path: called synchronously from the worker
// manager's io loop for every Log-topic ConfigEvent belonging to this
// cache's config. Ordering is load-bearing -- the inbox append happens
// before the cache append, which is what lets Subscribe's step-3 dedup
// assume "anything already in cache that a concurrent consumer hasn't
// drained is still reachable through inbox".
func (lc *LogCache) OnEvent(rec LogRecord) {
	lc.mu.Lock()
	seq := lc.nextSeq
	lc.nextSeq++
	cr := cachedRecord{seq: seq, rec: rec}

	ringDoorbell := false
	if len(lc.subs) > 0 {
		lc.inbox.append(cr)
		ringDoorbell = lc.inbox.len() == 1
	}
	lc.cache.append(cr)
	lc.mu.Unlock()

	if ringDoorbell {
		lc.scheduleDrain()
	}
}

// scheduleDrain rings the doorbell: a non-blocking send to a
// capacity-1 channel. If the drain loop has already exited, the send is
// simply dropped on the floor -- drainCh is never closed, only the
// goroutine reading it stops, so this never panics.
func (lc *LogCache) scheduleDrain() {
	select {
	case lc.drainCh <- struct{}{}:
	default:
	}
}

// drainLoop is the consumer side: it wakes whenever scheduleDrain rings
// the bell and drains everything currently in the inbox in one batch.
func (lc *LogCache) drainLoop() {
	defer lc.closeWG.Done()
	for {
		select {
		case <-lc.drainCh:
			lc.drainInbox()
		case <-lc.closed:
			return
		}
	}
}

// drainInbox sends its batch while still holding lc.mu, the same lock
// Subscribe's full-send holds below. Both are non-blocking SendNowait
// calls, so this never stalls OnEvent's brief lock acquisition -- but it
// is what keeps the two delivery paths from interleaving on a given
// subscriber: without it, a subscriber could be added to subs, release the
// lock, and have a concurrent drainInbox deliver an append batch before
// Subscribe's own full snapshot reaches the socket, so the browser would
// see append-then-full and lose everything after the (stale) snapshot.
func (lc *LogCache) drainInbox() {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	batch := lc.inbox.drainAll()
	if len(batch) == 0 {
		return
	}

	env := Envelope{Topic: ipc.TopicLog, Op: OpAppend, Value: toRecords(batch)}
	for t := range lc.subs {
		if !t.SendNowait(env) {
			log.Debug(log.CatCache, "dropped log batch for slow subscriber", "config", lc.config, "topic", t.TopicName())
		}
	}
}

// Subscribe adds topic to the subscriber set and sends it a "full"
// snapshot. The sequence matters: add to
// subs (so future OnEvent calls also populate inbox for this config),
// snapshot cache then inbox in that order, truncate the cache snapshot to
// exclude anything also present in inbox (since that overlap will be
// delivered by the ordinary drain path instead), then send the trimmed
// snapshot. The send happens while still holding lc.mu -- see drainInbox --
// so no concurrent drain can deliver an append batch to this subscriber
// before its full snapshot lands.
func (lc *LogCache) Subscribe(topic Topic) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	lc.subs[topic] = struct{}{}
	snapshot := lc.cache.snapshot()
	pending := lc.inbox.snapshot()

	trimmed := trimOverlap(snapshot, pending)
	topic.SendNowait(Envelope{Topic: ipc.TopicLog, Op: OpFull, Value: toRecords(trimmed)})
}

// Unsubscribe removes topic from the subscriber set. If the set becomes
// empty, the inbox is cleared -- there is no remaining consumer to deliver
// it to, and the producer will stop appending to it until a new
// subscriber arrives.
func (lc *LogCache) Unsubscribe(topic Topic) {
	lc.mu.Lock()
	delete(lc.subs, topic)
	if len(lc.subs) == 0 {
		lc.inbox.clear()
	}
	lc.mu.Unlock()
}

// Close stops the drain goroutine. Called only when the whole bus is
// shutting down -- log caches are otherwise process-wide singletons for
// the lifetime of the backend.
func (lc *LogCache) Close() {
	select {
	case <-lc.closed:
	default:
		close(lc.closed)
	}
	lc.closeWG.Wait()
}

// trimOverlap finds, when pending is non-empty, whether pending's first
// element's sequence number matches some tail element of snapshot,
// searching at most len(pending)+dedupSearchSlack entries back. If found,
// it truncates snapshot to exclude that entry and everything after it.
func trimOverlap(snapshot, pending []cachedRecord) []cachedRecord {
	if len(pending) == 0 {
		return snapshot
	}
	firstPendingSeq := pending[0].seq

	limit := len(pending) + dedupSearchSlack
	start := 0
	if len(snapshot) > limit {
		start = len(snapshot) - limit
	}
	for i := len(snapshot) - 1; i >= start; i-- {
		if snapshot[i].seq == firstPendingSeq {
			return snapshot[:i]
		}
	}
	return snapshot
}

func toRecords(crs []cachedRecord) []LogRecord {
	out := make([]LogRecord, len(crs))
	for i, cr := range crs {
		out[i] = cr.rec
	}
	return out
}
