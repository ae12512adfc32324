package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/fengb3/streambus/internal/runtime/config"
	errspkg "github.com/fengb3/streambus/internal/runtime/errors"
	handlerpkg "github.com/fengb3/streambus/internal/runtime/handlers"
	loggingpkg "github.com/fengb3/streambus/internal/runtime/logging"
	"github.com/fengb3/streambus/transport"
)

const httpShutdownTimeout = 5 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to use the defaults.
type ServiceDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	ErrorClassifier           ErrorClassifier
	// MetricsRegisterer receives the bus collectors. Defaults to the
	// Prometheus default registerer.
	MetricsRegisterer prometheus.Registerer
	// Sleeper replaces the wall-clock wait used for poll and error backoff.
	Sleeper Sleeper
}

// Service runs one consumption loop per handler binding over a shared store.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	store    transport.Store
	registry *handlerpkg.Registry
	producer *StoreProducer

	middlewares   []HandlerMiddleware
	middlewaresMu sync.Mutex

	loops []*consumer

	metrics    *busMetrics
	dlqMetrics *DLQMetrics

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker
	sleep           Sleeper

	started atomic.Bool
}

// NewService is TryNewService that panics on error.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, store transport.Store, registry *handlerpkg.Registry, deps ServiceDependencies) *Service {
	svc, err := TryNewService(conf, log, store, registry, deps)
	if err != nil {
		panic(err)
	}
	return svc
}

// TryNewService validates conf and prepares a loop for every binding in
// registry. Nothing touches the store until Start.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, store transport.Store, registry *handlerpkg.Registry, deps ServiceDependencies) (*Service, error) {
	switch {
	case conf == nil:
		return nil, errspkg.ErrConfigRequired
	case log == nil:
		return nil, errspkg.ErrLoggerRequired
	case store == nil:
		return nil, errspkg.ErrStoreRequired
	case registry == nil:
		return nil, errspkg.ErrRegistryRequired
	}

	resolved := conf.WithDefaults()
	if err := resolved.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating event service", loggingpkg.LogFields{
		"store":    resolved.Store,
		"handlers": registry.Len(),
		"config":   resolved.String(),
	})

	s := &Service{
		Conf:            &resolved,
		Logger:          log,
		store:           store,
		registry:        registry,
		producer:        NewStoreProducer(store, log),
		errorClassifier: deps.ErrorClassifier,
		resourceTracker: newResourceTracker(),
		sleep:           deps.Sleeper,
		dlqMetrics:      NewDLQMetrics(deps.MetricsRegisterer),
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}
	if s.sleep == nil {
		s.sleep = sleepContext
	}

	if resolved.MetricsEnabled {
		metrics, err := newBusMetrics(deps.MetricsRegisterer)
		if err != nil {
			return nil, fmt.Errorf("streambus: register metrics: %w", err)
		}
		s.metrics = metrics
		if resolved.DeadLetterEnabled() {
			if err := s.dlqMetrics.Register(); err != nil {
				return nil, fmt.Errorf("streambus: register dead-letter metrics: %w", err)
			}
		}
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}

	for _, binding := range registry.Bindings() {
		s.loops = append(s.loops, newConsumer(s, binding))
	}
	return s, nil
}

// Start runs every consumption loop until ctx is cancelled and returns once
// all of them have exited. A loop whose group cannot be created stops on its
// own without affecting the others. Start may only be called once.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("streambus: service already started")
	}

	s.StartWebUIServer()

	g, gctx := errgroup.WithContext(ctx)
	s.startHTTPServers(gctx, g)

	s.Logger.Info("Starting event service", loggingpkg.LogFields{
		"handlers": len(s.loops),
		"group":    s.Conf.ConsumerGroup,
		"consumer": s.Conf.ConsumerName,
	})
	if len(s.loops) == 0 {
		s.Logger.Info("No handlers bound, waiting for shutdown", nil)
	}

	for _, loop := range s.loops {
		g.Go(func() error {
			return loop.run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	s.Logger.Info("Event service stopped", nil)
	return err
}

// Handlers describes every consumption loop, ordered by stream key.
func (s *Service) Handlers() []HandlerInfo {
	infos := make([]HandlerInfo, 0, len(s.loops))
	for _, loop := range s.loops {
		infos = append(infos, loop.info())
	}
	sort.SliceStable(infos, func(i, j int) bool { return infos[i].StreamKey < infos[j].StreamKey })
	return infos
}

// Store returns the store every loop reads from.
func (s *Service) Store() transport.Store {
	return s.store
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
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
			return fmt.Errorf("streambus: register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

func (s *Service) getResourceTracker() *resourceTracker {
	if s.resourceTracker == nil {
		s.resourceTracker = newResourceTracker()
	}
	return s.resourceTracker
}

// RegisterHTTPHandler mounts handler on pattern of the server listening on
// port. Servers are started by Start.
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

func (s *Service) startHTTPServers(ctx context.Context, g *errgroup.Group) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		fields := loggingpkg.LogFields{"address": server.Addr}
		s.Logger.Info("Starting HTTP server", fields)

		g.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, fields)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				s.Logger.Error("Failed to stop HTTP server", err, fields)
			}
			return nil
		})
	}
}
