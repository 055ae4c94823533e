package eventbus

import (
	"context"
	"sync"

	"github.com/relaycore/workhost/internal/ipc"
	"github.com/relaycore/workhost/internal/log"
	"github.com/relaycore/workhost/internal/workerhost"
)

// TopicWorker is the global topic name the bus publishes worker status
// transitions to: the minimum sync surface a browser needs to render the
// fleet.
const TopicWorker = ipc.TopicWorker

// TopicLog is the config-scoped topic name log records are delivered on,
// brokered through the per-config log cache rather than a plain broker.
const TopicLog = ipc.TopicLog

// Bus is the backend's global and per-config event router. It implements
// workerhost.Sink, so a Manager can be constructed directly against a Bus:
// worker status transitions become Worker-topic envelopes, and forwarded
// ConfigEvents are either routed to the per-config Log Cache (Log topic) or
// fanned out to config-scoped subscribers (everything else).
//
// Each topic name (global) or (config, topic name) pair gets its own
// fanout -- a bounded, drop-on-full channel broker, one instance per topic
// bucket, giving the two-tier global/config addressing without a second
// dispatch mechanism.
type Bus struct {
	mu             sync.Mutex
	globalCapacity int
	configCapacity int
	globalSubs     map[string]*fanout
	configSubs     map[string]*fanout // key: config + "\x00" + topic

	cancels map[Topic]context.CancelFunc

	caches *cacheRegistry
}

// NewBus creates a bus whose per-topic fanouts buffer globalCapacity
// (global topics) or configCapacity (config-scoped topics) envelopes, and
// whose log caches retain logCacheCapacity records per config.
func NewBus(globalCapacity, configCapacity, logCacheCapacity int) *Bus {
	return &Bus{
		globalCapacity: globalCapacity,
		configCapacity: configCapacity,
		globalSubs:     make(map[string]*fanout),
		configSubs:     make(map[string]*fanout),
		cancels:        make(map[Topic]context.CancelFunc),
		caches:         newCacheRegistry(logCacheCapacity),
	}
}

func configKey(config, topicName string) string {
	return config + "\x00" + topicName
}

func (b *Bus) fanoutFor(m map[string]*fanout, key string, capacity int) *fanout {
	b.mu.Lock()
	defer b.mu.Unlock()
	fo, ok := m[key]
	if !ok {
		fo = newFanout(capacity)
		m[key] = fo
	}
	return fo
}

// subscribe wires topic to fo: it takes a subscription channel and spawns
// a forwarder goroutine translating received envelopes into topic.SendNowait
// calls, until topic is unsubscribed (ctx cancelled) or fo shuts down.
func (b *Bus) subscribe(fo *fanout, topic Topic) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := fo.subscribe(ctx)

	b.mu.Lock()
	b.cancels[topic] = cancel
	b.mu.Unlock()

	go func() {
		for env := range ch {
			// The fanout drops the subscription asynchronously; anything
			// still buffered once unsubscribe has cancelled ctx is discarded.
			if ctx.Err() != nil {
				continue
			}
			if !topic.SendNowait(env) {
				log.Debug(log.CatBus, "dropped event for slow subscriber", "topic", env.Topic)
			}
		}
	}()
}

func (b *Bus) unsubscribe(topic Topic) {
	b.mu.Lock()
	cancel, ok := b.cancels[topic]
	delete(b.cancels, topic)
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

// SubscribeGlobal registers topic to receive every envelope published on
// topicName globally (e.g. the Worker topic).
func (b *Bus) SubscribeGlobal(topicName string, topic Topic) {
	b.subscribe(b.fanoutFor(b.globalSubs, topicName, b.globalCapacity), topic)
}

// UnsubscribeGlobal removes topic's global subscription.
func (b *Bus) UnsubscribeGlobal(topicName string, topic Topic) {
	b.unsubscribe(topic)
}

// SubscribeConfig registers topic to receive envelopes published on
// topicName scoped to config; an event from config A is never delivered to
// subscribers of config B, even for the same topicName.
func (b *Bus) SubscribeConfig(config, topicName string, topic Topic) {
	b.subscribe(b.fanoutFor(b.configSubs, configKey(config, topicName), b.configCapacity), topic)
}

// UnsubscribeConfig removes topic's config-scoped subscription.
func (b *Bus) UnsubscribeConfig(config, topicName string, topic Topic) {
	b.unsubscribe(topic)
}

// SubscribeLog subscribes topic to a config's log cache, creating the
// cache on first use and immediately delivering the "full" snapshot.
func (b *Bus) SubscribeLog(config string, topic Topic) {
	b.caches.getOrCreate(config).Subscribe(topic)
}

// UnsubscribeLog removes topic from a config's log cache subscriber set.
func (b *Bus) UnsubscribeLog(config string, topic Topic) {
	if lc := b.caches.get(config); lc != nil {
		lc.Unsubscribe(topic)
	}
}

// PublishGlobal publishes env to topicName's global fanout. Publishing is
// non-blocking per subscriber and is itself a no-op if nothing has ever
// subscribed to topicName -- fanoutFor still creates an (empty) fanout,
// which is harmless and keeps Publish callers unconditional.
func (b *Bus) PublishGlobal(topicName string, env Envelope) {
	b.fanoutFor(b.globalSubs, topicName, b.globalCapacity).publish(env)
}

// PublishConfig publishes env to (config, topicName)'s fanout.
func (b *Bus) PublishConfig(config, topicName string, env Envelope) {
	b.fanoutFor(b.configSubs, configKey(config, topicName), b.configCapacity).publish(env)
}

// Close shuts down every topic fanout and log cache, ending all forwarder
// goroutines.
func (b *Bus) Close() {
	b.mu.Lock()
	fanouts := make([]*fanout, 0, len(b.globalSubs)+len(b.configSubs))
	for _, fo := range b.globalSubs {
		fanouts = append(fanouts, fo)
	}
	for _, fo := range b.configSubs {
		fanouts = append(fanouts, fo)
	}
	b.mu.Unlock()

	for _, fo := range fanouts {
		fo.shutDown()
	}
	b.caches.closeAll()
}

// OnWorkerStatus implements workerhost.Sink, publishing the Worker topic's
// del-on-idle/set-otherwise contract.
func (b *Bus) OnWorkerStatus(config string, status workerhost.Status) {
	if status == workerhost.StatusIdle {
		b.PublishGlobal(TopicWorker, Envelope{Topic: TopicWorker, Op: OpDel, Key: []string{config}})
		return
	}
	b.PublishGlobal(TopicWorker, Envelope{Topic: TopicWorker, Op: OpSet, Key: []string{config}, Value: status.String()})
}

// OnConfigEvent implements workerhost.Sink. Log-topic events are routed to
// the per-config Log Cache; everything else is fanned out to config-scoped
// subscribers of (event.Config, event.Topic) as a plain "set" envelope --
// the generic shape for config-scoped custom events, since the bus has no
// way to know a given topic's own del semantics beyond the Worker special
// case handled separately by OnWorkerStatus.
func (b *Bus) OnConfigEvent(event ipc.ConfigEvent) {
	if event.Topic == ipc.TopicLog {
		rec, ok := event.Value.(ipc.LogRecord)
		if !ok {
			log.Warn(log.CatBus, "log event had unexpected value type", "config", event.Config)
			return
		}
		b.caches.getOrCreate(event.Config).OnEvent(rec)
		return
	}

	b.PublishConfig(event.Config, event.Topic, Envelope{
		Topic: event.Topic,
		Op:    OpSet,
		Key:   event.Key,
		Value: event.Value,
	})
}
