package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/quakeflow/quakeflow/internal/config"
	loggingpkg "github.com/quakeflow/quakeflow/internal/logging"
	"github.com/quakeflow/quakeflow/internal/schema"
	storepkg "github.com/quakeflow/quakeflow/internal/store"
	transportpkg "github.com/quakeflow/quakeflow/transport"
)

var errBoom = errors.New("boom")

func nopHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
}

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

func newTestConfig() *configpkg.Config {
	return &configpkg.Config{
		PubSubSystem:  "channel",
		WaveformTopic: "seismic.waveforms",
		Producers: map[string]string{
			"seisbench_eqtransformer": "seismic.detections.seisbench",
			"pytorch_custom":          "seismic.detections.pytorch",
		},
		CacheTTL:            time.Minute,
		ShutdownGracePeriod: 5 * time.Second,
		APIPort:             18311,
	}
}

func newChannelTransport() *transportpkg.Transport {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	return &transportpkg.Transport{Publisher: pubSub, Subscriber: pubSub}
}

type savedGroup struct {
	members map[string]schema.DetectionRecord
	summary schema.ComparisonSummary
}

// fakeStore records SaveGroup calls and serves canned read results.
type fakeStore struct {
	mu      sync.Mutex
	saved   []savedGroup
	records []storepkg.Record
	err     error
	closed  bool

	savedCh chan savedGroup
}

func newFakeStore() *fakeStore {
	return &fakeStore{savedCh: make(chan savedGroup, 16)}
}

func (f *fakeStore) SaveGroup(ctx context.Context, members map[string]schema.DetectionRecord, summary schema.ComparisonSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	g := savedGroup{members: members, summary: summary}
	f.saved = append(f.saved, g)
	select {
	case f.savedCh <- g:
	default:
	}
	return nil
}

func (f *fakeStore) ListDetections(ctx context.Context, filter storepkg.Filter) ([]storepkg.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records, f.err
}

func (f *fakeStore) EventDetections(ctx context.Context, eventID string) ([]storepkg.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []storepkg.Record
	for _, rec := range f.records {
		if rec.EventID == eventID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) ComparisonStats(ctx context.Context, since time.Time) (storepkg.ComparisonStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return storepkg.ComputeComparisonStats(f.records), f.err
}

func (f *fakeStore) RecentStats(ctx context.Context, since time.Time) (storepkg.RecentStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return storepkg.ComputeRecentStats(f.records), f.err
}

func (f *fakeStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestService(t *testing.T, deps Dependencies) *Service {
	t.Helper()
	if deps.Transport == nil {
		deps.Transport = newChannelTransport()
	}
	if deps.MetricsRegisterer == nil {
		deps.MetricsRegisterer = prometheus.NewRegistry()
	}
	svc, err := NewService(newTestConfig(), newTestLogger(), context.Background(), deps)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestNewServiceRequiresConfigAndLogger(t *testing.T) {
	if _, err := NewService(nil, newTestLogger(), context.Background(), Dependencies{}); err == nil {
		t.Fatal("nil config accepted")
	}
	if _, err := NewService(newTestConfig(), nil, context.Background(), Dependencies{}); err == nil {
		t.Fatal("nil logger accepted")
	}
}

func TestNewServiceRejectsInvalidConfig(t *testing.T) {
	cfg := newTestConfig()
	cfg.Producers = map[string]string{"only_one": "topic"}

	_, err := NewService(cfg, newTestLogger(), context.Background(), Dependencies{
		Transport:         newChannelTransport(),
		MetricsRegisterer: prometheus.NewRegistry(),
	})
	if err == nil {
		t.Fatal("invalid producer set accepted")
	}
}

func TestNewServiceRejectsUnknownTransport(t *testing.T) {
	cfg := newTestConfig()
	cfg.PubSubSystem = "carrier-pigeon"

	_, err := NewService(cfg, newTestLogger(), context.Background(), Dependencies{
		MetricsRegisterer: prometheus.NewRegistry(),
	})
	if err == nil {
		t.Fatal("unknown transport accepted")
	}
}

func TestNewServiceUsesInjectedTransport(t *testing.T) {
	transport := newChannelTransport()
	svc := newTestService(t, Dependencies{Transport: transport})

	if svc.publisher != transport.Publisher {
		t.Error("injected publisher not used")
	}
	if svc.subscriber != transport.Subscriber {
		t.Error("injected subscriber not used")
	}
	if svc.router == nil {
		t.Error("router should be built")
	}
	if svc.Publisher() != transport.Publisher {
		t.Error("Publisher() accessor mismatch")
	}
}

func TestNewServiceMiddlewareBuilderError(t *testing.T) {
	bad := MiddlewareRegistration{
		Name: "bad",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return nil, errBoom
		},
	}

	_, err := NewService(newTestConfig(), newTestLogger(), context.Background(), Dependencies{
		Transport:         newChannelTransport(),
		MetricsRegisterer: prometheus.NewRegistry(),
		Middlewares:       []MiddlewareRegistration{bad},
	})
	if err == nil {
		t.Fatal("middleware builder error not propagated")
	}
}

func TestDrainFinalizersWaits(t *testing.T) {
	svc := newTestService(t, Dependencies{})

	svc.finalizers.Add(1)
	released := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		svc.finalizers.Done()
		close(released)
	}()

	start := time.Now()
	svc.drainFinalizers()
	<-released
	if time.Since(start) < 50*time.Millisecond {
		t.Error("drainFinalizers returned before in-flight work finished")
	}
}

func TestDrainFinalizersHonorsGracePeriod(t *testing.T) {
	svc := newTestService(t, Dependencies{})
	svc.Conf.ShutdownGracePeriod = 50 * time.Millisecond

	// Never released; drain must give up after the grace period.
	svc.finalizers.Add(1)
	defer svc.finalizers.Done()

	done := make(chan struct{})
	go func() {
		svc.drainFinalizers()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drainFinalizers did not honor the grace period")
	}
}

func TestRegisterHTTPHandlerGroupsByPort(t *testing.T) {
	svc := newTestService(t, Dependencies{})

	svc.RegisterHTTPHandler(18080, "/one", nopHandler())
	svc.RegisterHTTPHandler(18080, "/two", nopHandler())
	svc.RegisterHTTPHandler(18081, "/three", nopHandler())

	svc.httpServersMu.Lock()
	defer svc.httpServersMu.Unlock()
	if len(svc.httpServers) < 2 {
		t.Fatalf("expected muxes for at least 2 ports, got %d", len(svc.httpServers))
	}
}
