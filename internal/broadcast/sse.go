package broadcast

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/quakeflow/quakeflow/internal/logging"
)

// ErrSinkClosed is returned by Send after a sink has been closed.
var ErrSinkClosed = errors.New("broadcast: sink closed")

// sseSink adapts one Server-Sent Events connection into a Sink. Writes are
// serialised; after Close every Send fails so the manager drops the sink.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func (s *sseSink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SSEHandler serves a streaming subscription to one broadcast topic. Each
// request becomes a sink for its connected lifetime: registered on arrival,
// removed when the client goes away or a write fails.
func SSEHandler(m *Manager, topic string, logger logging.ServiceLogger) http.Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		sink := &sseSink{w: w, flusher: flusher}
		m.Subscribe(sink, topic)

		<-r.Context().Done()

		m.Unsubscribe(sink, topic)
		_ = sink.Close()
		logger.Debug("SSE client gone", logging.LogFields{"topic": topic})
	})
}
