package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quakeflow/quakeflow/internal/broadcast"
	configpkg "github.com/quakeflow/quakeflow/internal/config"
	"github.com/quakeflow/quakeflow/internal/correlate"
	loggingpkg "github.com/quakeflow/quakeflow/internal/logging"
	storepkg "github.com/quakeflow/quakeflow/internal/store"
	transportpkg "github.com/quakeflow/quakeflow/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// Dependencies holds the optional collaborators of a Service. Leave fields
// nil to get the defaults built from Config.
type Dependencies struct {
	// Store persists completed groups and serves the history API. Nil
	// disables persistence; the live relay path still runs.
	Store storepkg.Store

	// Broadcaster overrides the default broadcast manager.
	Broadcaster *broadcast.Manager

	// Transport overrides the transport built from Config.PubSubSystem.
	// Used by tests to inject a gochannel pub/sub directly.
	Transport *transportpkg.Transport

	// Middlewares are appended after the default middleware chain.
	Middlewares []MiddlewareRegistration
	// DisableDefaultMiddlewares skips the default chain when true.
	DisableDefaultMiddlewares bool

	// MetricsRegisterer overrides where instruments are registered. Defaults
	// to the Prometheus default registerer when metrics are enabled, or a
	// private registry when not.
	MetricsRegisterer prometheus.Registerer
}

// Service hosts the dispatch loop: the Watermill router consuming every input
// topic, the correlation cache, the broadcast manager, and the HTTP surface.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router

	cache       *correlate.Cache
	broadcaster *broadcast.Manager
	store       storepkg.Store
	metrics     *Metrics
	registerer  prometheus.Registerer

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	// finalizers tracks in-flight persist+broadcast work for completed
	// groups so shutdown can wait for it, bounded by the grace period.
	finalizers sync.WaitGroup
}

// NewService wires a Service for the supplied configuration. The config is
// validated first; handlers for every input topic and the HTTP surface are
// registered before returning.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps Dependencies) (*Service, error) {
	if conf == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating dispatch service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"producers":     conf.ProducerNames(),
		"config":        conf,
	})

	s := &Service{
		Conf:   conf,
		Logger: log,
		store:  deps.Store,
	}

	registerer := deps.MetricsRegisterer
	if registerer == nil {
		if conf.MetricsEnabled {
			registerer = prometheus.DefaultRegisterer
		} else {
			registerer = prometheus.NewRegistry()
		}
	}
	s.registerer = registerer
	s.metrics = NewMetrics(registerer)

	s.broadcaster = deps.Broadcaster
	if s.broadcaster == nil {
		s.broadcaster = broadcast.NewManager(log)
	}
	s.broadcaster.SetDeliveryObserver(s.metrics.observeDelivery)
	registerSubscriberGauges(registerer, s.broadcaster.ConnectionCounts,
		broadcast.TopicWaveforms, broadcast.TopicDetections)

	cache, err := correlate.NewCache(conf.ProducerNames(), conf.CacheTTL,
		correlate.WithEvictFunc(s.onEvictedGroup))
	if err != nil {
		return nil, err
	}
	s.cache = cache

	if deps.Transport != nil {
		s.publisher = deps.Transport.Publisher
		s.subscriber = deps.Transport.Subscriber
	} else {
		t, err := transportpkg.Build(ctx, conf, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("building transport %q: %w", conf.PubSubSystem, err)
		}
		s.publisher = t.Publisher
		s.subscriber = t.Subscriber
	}

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	s.registerDispatchHandlers()
	s.registerAPIRoutes()

	return s, nil
}

// Start runs the dispatch loop until ctx is cancelled, then drains in-flight
// group finalisation (bounded by the shutdown grace period) and releases
// subscribers and the store.
func (s *Service) Start(ctx context.Context) error {
	s.startHTTPServers()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go s.cache.RunSweeper(sweepCtx, s.Conf.SweepInterval)

	err := routerRun(s.router, ctx)

	s.drainFinalizers()
	s.broadcaster.CloseAll()
	if s.store != nil {
		if cerr := s.store.Close(); cerr != nil {
			s.Logger.Error("Failed to close store", cerr, nil)
		}
	}
	return err
}

// Broadcaster exposes the broadcast manager, primarily so callers can attach
// their own sinks.
func (s *Service) Broadcaster() *broadcast.Manager {
	return s.broadcaster
}

// Publisher exposes the bus publisher for producer simulators and tests.
func (s *Service) Publisher() message.Publisher {
	return s.publisher
}

// Running returns a channel closed when the router has started and all
// handlers are running.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

func (s *Service) drainFinalizers() {
	done := make(chan struct{})
	go func() {
		s.finalizers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.Conf.ShutdownGracePeriod):
		s.Logger.Error("Shutdown grace period elapsed with finalizers still running", nil, loggingpkg.LogFields{
			"grace_period": s.Conf.ShutdownGracePeriod.String(),
		})
	}
}

func (s *Service) registerConfiguredMiddlewares(deps Dependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("registering middleware %s: %w", name, err)
		}
	}
	return nil
}

// RegisterHTTPHandler attaches handler to the mux served on port. Servers are
// started by Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				s.Logger.Error("HTTP server stopped", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}
