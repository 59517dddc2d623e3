// Package broadcast implements per-target message batching and
// channel-to-connection fan-out. A Layer owns a subscription registry
// (channel name -> subscriber connection ids) and a batch per target
// connection; batches flush on count, byte, or age triggers so a burst of
// rapid messages to one target collapses into a single network write.
package broadcast

import (
	"sync"
	"time"
)

// Sink receives a target's flushed lines. The broadcast layer itself
// does not own sockets; Sink does the actual write, supplied by the
// connection supervisor.
type Sink interface {
	Write(lines []string)
}

// Batch accumulates pending lines for one target until a trigger fires.
type Batch struct {
	mu        sync.Mutex
	createdAt time.Time
	lines     []string
	bytes     int
}

func newBatch(now time.Time) *Batch {
	return &Batch{createdAt: now}
}

func (b *Batch) add(now time.Time, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) == 0 {
		b.createdAt = now
	}
	b.lines = append(b.lines, line)
	b.bytes += len(line)
}

func (b *Batch) drain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.lines
	b.lines = nil
	b.bytes = 0
	return out
}

func (b *Batch) snapshot() (count, bytes int, age time.Duration, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines), b.bytes, 0, b.createdAt
}

// Triggers bounds when a batch is flushed.
type Triggers struct {
	MaxCount int
	MaxBytes int
	MaxDelay time.Duration
}

// Layer is the subscription registry plus the per-target batch map.
type Layer struct {
	mu       sync.Mutex
	triggers Triggers
	sinks    map[string]Sink
	batches  map[string]*Batch
	subs     map[string]map[string]struct{} // channel -> set of target ids
}

// New returns an empty Layer.
func New(triggers Triggers) *Layer {
	return &Layer{
		triggers: triggers,
		sinks:    make(map[string]Sink),
		batches:  make(map[string]*Batch),
		subs:     make(map[string]map[string]struct{}),
	}
}

// RegisterTarget associates a target id with the Sink that flushes its
// batch to a real connection.
func (l *Layer) RegisterTarget(targetID string, sink Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks[targetID] = sink
}

// RemoveTarget drops a target's sink and batch, and unsubscribes it from
// every channel. Call on connection close.
func (l *Layer) RemoveTarget(targetID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sinks, targetID)
	delete(l.batches, targetID)
	for _, members := range l.subs {
		delete(members, targetID)
	}
}

// Subscribe adds targetID as a subscriber of channel.
func (l *Layer) Subscribe(targetID, channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs[channel] == nil {
		l.subs[channel] = make(map[string]struct{})
	}
	l.subs[channel][targetID] = struct{}{}
}

// Unsubscribe removes targetID from channel's subscriber set.
func (l *Layer) Unsubscribe(targetID, channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if members, ok := l.subs[channel]; ok {
		delete(members, targetID)
		if len(members) == 0 {
			delete(l.subs, channel)
		}
	}
}

// AddMessage appends msg to targetID's batch (creating it if needed),
// flushing immediately if any trigger is met.
func (l *Layer) AddMessage(now time.Time, targetID, msg string) {
	l.mu.Lock()
	b, ok := l.batches[targetID]
	if !ok {
		b = newBatch(now)
		l.batches[targetID] = b
	}
	l.mu.Unlock()

	b.add(now, msg)

	count, bytes, _, createdAt := b.snapshot()
	exceeded := (l.triggers.MaxCount > 0 && count >= l.triggers.MaxCount) ||
		(l.triggers.MaxBytes > 0 && bytes >= l.triggers.MaxBytes) ||
		(l.triggers.MaxDelay > 0 && now.Sub(createdAt) >= l.triggers.MaxDelay)
	if exceeded {
		l.FlushTarget(targetID)
	}
}

// FanOutChannel resolves channel's subscribers and enqueues msg to each,
// excluding excludeTarget (the sender) unless includeSender is true (set
// when the echo-message capability is in force for that target).
func (l *Layer) FanOutChannel(now time.Time, channel, msg, excludeTarget string, includeSender bool) {
	l.mu.Lock()
	members := make([]string, 0, len(l.subs[channel]))
	for id := range l.subs[channel] {
		members = append(members, id)
	}
	l.mu.Unlock()

	for _, id := range members {
		if id == excludeTarget && !includeSender {
			continue
		}
		l.AddMessage(now, id, msg)
	}
}

// FlushTarget drains and writes a target's batch as a single write. A
// no-op if the target has no sink or an empty batch.
func (l *Layer) FlushTarget(targetID string) {
	l.mu.Lock()
	sink := l.sinks[targetID]
	b := l.batches[targetID]
	l.mu.Unlock()

	if b == nil {
		return
	}
	lines := b.drain()
	if len(lines) == 0 || sink == nil {
		return
	}
	sink.Write(lines)
}

// FlushAll drains and writes every target's batch.
func (l *Layer) FlushAll() {
	l.mu.Lock()
	targets := make([]string, 0, len(l.batches))
	for id := range l.batches {
		targets = append(targets, id)
	}
	l.mu.Unlock()

	for _, id := range targets {
		l.FlushTarget(id)
	}
}

// FlushAged flushes every batch older than MaxDelay, intended to be
// called periodically by a background ticker so a lone slow trickle of
// messages doesn't sit in a batch forever.
func (l *Layer) FlushAged(now time.Time) {
	if l.triggers.MaxDelay <= 0 {
		return
	}
	l.mu.Lock()
	var stale []string
	for id, b := range l.batches {
		_, _, _, createdAt := b.snapshot()
		if now.Sub(createdAt) >= l.triggers.MaxDelay {
			stale = append(stale, id)
		}
	}
	l.mu.Unlock()

	for _, id := range stale {
		l.FlushTarget(id)
	}
}
