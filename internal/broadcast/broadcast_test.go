package broadcast

import (
	"errors"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
)

// fakeSink records deliveries and can be told to fail.
type fakeSink struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
}

func (s *fakeSink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("connection reset")
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	m := NewManager(nil)
	a, b := &fakeSink{}, &fakeSink{}
	m.Subscribe(a, TopicWaveforms)
	m.Subscribe(b, TopicWaveforms)

	m.Broadcast([]byte(`{"type":"waveform"}`), TopicWaveforms)

	if a.received() != 1 || b.received() != 1 {
		t.Fatalf("deliveries = %d/%d, want 1/1", a.received(), b.received())
	}
}

func TestBroadcastIsolatesTopics(t *testing.T) {
	m := NewManager(nil)
	wf, det := &fakeSink{}, &fakeSink{}
	m.Subscribe(wf, TopicWaveforms)
	m.Subscribe(det, TopicDetections)

	m.Broadcast([]byte("x"), TopicWaveforms)

	if wf.received() != 1 {
		t.Errorf("waveform sink got %d deliveries, want 1", wf.received())
	}
	if det.received() != 0 {
		t.Errorf("detection sink got %d deliveries, want 0", det.received())
	}
}

func TestBroadcastDropsFailedSink(t *testing.T) {
	m := NewManager(nil)
	a := &fakeSink{}
	b := &fakeSink{fail: true}
	c := &fakeSink{}
	m.Subscribe(a, TopicDetections)
	m.Subscribe(b, TopicDetections)
	m.Subscribe(c, TopicDetections)

	m.Broadcast([]byte("first"), TopicDetections)

	if !b.isClosed() {
		t.Error("failed sink should be closed")
	}
	if got := m.ConnectionCounts()[TopicDetections]; got != 2 {
		t.Fatalf("connection count = %d after failure, want 2", got)
	}

	// The survivors keep receiving.
	m.Broadcast([]byte("second"), TopicDetections)
	if a.received() != 2 || c.received() != 2 {
		t.Errorf("survivor deliveries = %d/%d, want 2/2", a.received(), c.received())
	}
}

func TestBroadcastNoSubscribers(t *testing.T) {
	m := NewManager(nil)
	m.Broadcast([]byte("x"), TopicWaveforms)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	m := NewManager(nil)
	s := &fakeSink{}
	m.Subscribe(s, TopicWaveforms)

	m.Unsubscribe(s, TopicWaveforms)
	m.Unsubscribe(s, TopicWaveforms)
	m.Unsubscribe(s, "never_seen")

	if got := m.ConnectionCounts()[TopicWaveforms]; got != 0 {
		t.Fatalf("connection count = %d, want 0", got)
	}
	if s.isClosed() {
		t.Error("Unsubscribe must not close the sink")
	}

	m.Broadcast([]byte("x"), TopicWaveforms)
	if s.received() != 0 {
		t.Error("unsubscribed sink must not receive")
	}
}

func TestSubscribeTwiceIsNoOp(t *testing.T) {
	m := NewManager(nil)
	s := &fakeSink{}
	m.Subscribe(s, TopicWaveforms)
	m.Subscribe(s, TopicWaveforms)

	m.Broadcast([]byte("x"), TopicWaveforms)
	if s.received() != 1 {
		t.Fatalf("deliveries = %d, want 1", s.received())
	}
}

func TestDeliveryObserver(t *testing.T) {
	m := NewManager(nil)
	var (
		mu       sync.Mutex
		outcomes []bool
	)
	m.SetDeliveryObserver(func(topic string, ok bool) {
		mu.Lock()
		outcomes = append(outcomes, ok)
		mu.Unlock()
	})

	m.Subscribe(&fakeSink{}, TopicWaveforms)
	m.Subscribe(&fakeSink{fail: true}, TopicWaveforms)
	m.Broadcast([]byte("x"), TopicWaveforms)

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 2 {
		t.Fatalf("observer called %d times, want 2", len(outcomes))
	}
	succeeded := 0
	for _, ok := range outcomes {
		if ok {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Errorf("%d successful deliveries observed, want 1", succeeded)
	}
}

func TestTopicsSorted(t *testing.T) {
	m := NewManager(nil)
	m.Subscribe(&fakeSink{}, "zebra")
	m.Subscribe(&fakeSink{}, "alpha")

	if got, want := m.Topics(), []string{"alpha", "zebra"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Topics = %v, want %v", got, want)
	}
}

func TestCloseAll(t *testing.T) {
	m := NewManager(nil)
	a, b := &fakeSink{}, &fakeSink{}
	m.Subscribe(a, TopicWaveforms)
	m.Subscribe(b, TopicDetections)

	m.CloseAll()

	if !a.isClosed() || !b.isClosed() {
		t.Error("CloseAll must close every sink")
	}
	if got := m.ConnectionCounts(); len(got) != 0 && (got[TopicWaveforms] != 0 || got[TopicDetections] != 0) {
		t.Errorf("connection counts after CloseAll = %v", got)
	}
}

func TestConcurrentSubscribeBroadcast(t *testing.T) {
	m := NewManager(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := &fakeSink{}
			m.Subscribe(s, TopicWaveforms)
			m.Unsubscribe(s, TopicWaveforms)
		}()
		go func() {
			defer wg.Done()
			m.Broadcast([]byte("x"), TopicWaveforms)
		}()
	}
	wg.Wait()
}

func TestSSESinkWritesEventStreamFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := &sseSink{w: rec, flusher: rec}

	if err := sink.Send([]byte(`{"type":"waveform"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "data: ") || !strings.HasSuffix(body, "\n\n") {
		t.Fatalf("unexpected SSE frame: %q", body)
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sink.Send([]byte("x")); err == nil {
		t.Fatal("Send after Close must fail")
	}
}
