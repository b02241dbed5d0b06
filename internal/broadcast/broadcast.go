// Package broadcast fans completed results out to live subscribers. The
// manager owns, per logical topic, the set of connected sinks; a sink whose
// delivery fails is assumed dead and dropped without affecting the rest.
package broadcast

import (
	"sort"
	"sync"

	"github.com/quakeflow/quakeflow/internal/logging"
)

// Subscriber-facing topics.
const (
	TopicWaveforms  = "waveforms"
	TopicDetections = "detections"
)

// Sink is a live delivery target, typically a streaming HTTP connection. Send
// must be safe for concurrent use. A Send error marks the sink dead.
type Sink interface {
	Send(payload []byte) error
	Close() error
}

// Manager maintains the per-topic subscriber sets. The zero value is not
// usable; construct with NewManager.
type Manager struct {
	mu     sync.RWMutex
	topics map[string]map[Sink]struct{}
	logger logging.ServiceLogger

	// onDelivery is invoked after each send attempt with the topic and
	// whether it succeeded. Wired to metrics by the runtime.
	onDelivery func(topic string, ok bool)
}

// NewManager builds an empty broadcast manager.
func NewManager(logger logging.ServiceLogger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		topics: make(map[string]map[Sink]struct{}),
		logger: logger,
	}
}

// SetDeliveryObserver registers a callback invoked after every send attempt.
func (m *Manager) SetDeliveryObserver(fn func(topic string, ok bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDelivery = fn
}

// Subscribe registers sink under topic. Registering the same sink twice on
// one topic is a no-op.
func (m *Manager) Subscribe(sink Sink, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.topics[topic]
	if !ok {
		set = make(map[Sink]struct{})
		m.topics[topic] = set
	}
	set[sink] = struct{}{}
	m.logger.Info("Subscriber connected", logging.LogFields{
		"topic": topic,
		"total": len(set),
	})
}

// Unsubscribe removes sink from topic. It is idempotent and does not close
// the sink; the caller owns the connection on explicit disconnect.
func (m *Manager) Unsubscribe(sink Sink, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.topics[topic]
	if !ok {
		return
	}
	if _, ok := set[sink]; !ok {
		return
	}
	delete(set, sink)
	m.logger.Info("Subscriber disconnected", logging.LogFields{
		"topic": topic,
		"total": len(set),
	})
}

// Broadcast delivers payload to every sink currently registered on topic.
// A failing sink is removed and closed; delivery to the remaining sinks is
// unaffected.
func (m *Manager) Broadcast(payload []byte, topic string) {
	m.mu.RLock()
	set := m.topics[topic]
	sinks := make([]Sink, 0, len(set))
	for sink := range set {
		sinks = append(sinks, sink)
	}
	observer := m.onDelivery
	m.mu.RUnlock()

	var dead []Sink
	for _, sink := range sinks {
		err := sink.Send(payload)
		if observer != nil {
			observer(topic, err == nil)
		}
		if err != nil {
			m.logger.Error("Failed to deliver to subscriber, dropping it", err, logging.LogFields{
				"topic": topic,
			})
			dead = append(dead, sink)
		}
	}

	if len(dead) == 0 {
		return
	}

	m.mu.Lock()
	set = m.topics[topic]
	for _, sink := range dead {
		delete(set, sink)
	}
	m.mu.Unlock()

	for _, sink := range dead {
		_ = sink.Close()
	}
	m.logger.Info("Cleaned up dead subscribers", logging.LogFields{
		"topic":   topic,
		"dropped": len(dead),
	})
}

// ConnectionCounts reports the number of live sinks per topic.
func (m *Manager) ConnectionCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int, len(m.topics))
	for topic, set := range m.topics {
		counts[topic] = len(set)
	}
	return counts
}

// Topics lists the known topic names, sorted.
func (m *Manager) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		names = append(names, topic)
	}
	sort.Strings(names)
	return names
}

// CloseAll drops and closes every sink on every topic. Called on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	var all []Sink
	for topic, set := range m.topics {
		for sink := range set {
			all = append(all, sink)
		}
		delete(m.topics, topic)
	}
	m.mu.Unlock()

	for _, sink := range all {
		_ = sink.Close()
	}
}
