package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/streamflow/internal/runtime/channel"
	"github.com/drblury/streamflow/internal/runtime/codecs"
	configpkg "github.com/drblury/streamflow/internal/runtime/config"
	sferrors "github.com/drblury/streamflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	"github.com/drblury/streamflow/transport"
)

// AppDependencies holds optional collaborators. Leave fields nil to get the
// defaults.
type AppDependencies struct {
	// Transport is used as is when its Publisher is set. Otherwise the
	// transport named by Config.PubSubSystem is built from Registry.
	Transport transport.Transport
	Registry  *transport.Registry
	Codecs    *codecs.Registry
	// Registerer receives the channel metrics when MetricsEnabled is set.
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
	Clock      func() time.Time
}

// App owns the transport and every channel created through it. It
// implements channel.AppContext.
type App struct {
	Conf *configpkg.Config

	logger    loggingpkg.ServiceLogger
	transport transport.Transport
	declarer  transport.Declarer
	producer  *TransportProducer
	conductor *Conductor
	codecs    *codecs.Registry
	observer  channel.Observer
	metrics   *ChannelMetrics
	now       func() time.Time

	mu     sync.Mutex
	topics map[string]*channel.Topic

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

var _ channel.AppContext = (*App)(nil)

// NewApp validates conf, builds the transport and prepares the app. Create
// channels on the returned App before or after calling Run.
func NewApp(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps AppDependencies) (*App, error) {
	if conf == nil {
		return nil, sferrors.ErrConfigRequired
	}
	if log == nil {
		return nil, sferrors.ErrLoggerRequired
	}
	cfg := conf.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, sferrors.ConfigValidationError{Err: err}
	}

	log.Info("Creating streamflow app", loggingpkg.LogFields{
		"pubsub_system": cfg.PubSubSystem,
		"config":        cfg.String(),
	})

	tr := deps.Transport
	if tr.Publisher == nil {
		registry := deps.Registry
		if registry == nil {
			registry = transport.DefaultRegistry
		}
		var err error
		tr, err = registry.Build(ctx, &cfg, loggingpkg.ToWatermill(log))
		if err != nil {
			return nil, fmt.Errorf("build transport %q: %w", cfg.PubSubSystem, err)
		}
	}

	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	reg := deps.Codecs
	if reg == nil {
		reg = codecs.Default()
	}

	a := &App{
		Conf:      &cfg,
		logger:    log,
		transport: tr,
		declarer:  NewTracingDeclarer(tr.Declarer, deps.Tracer),
		producer:  NewTransportProducer(tr.Publisher, deps.Tracer, now),
		conductor: NewConductor(tr.Subscriber, log, deps.Tracer, now),
		codecs:    reg,
		observer:  channel.NopObserver{},
		now:       now,
		topics:    make(map[string]*channel.Topic),
	}

	if cfg.MetricsEnabled {
		a.metrics = NewChannelMetrics(deps.Registerer)
		if err := a.metrics.Register(); err != nil {
			_ = tr.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		a.observer = a.metrics
		if cfg.MetricsPort > 0 {
			a.RegisterHTTPHandler(cfg.MetricsPort, "/metrics", a.metrics.Handler())
		}
	}
	return a, nil
}

func (a *App) Producer() channel.Producer       { return a.producer }
func (a *App) Declarer() transport.Declarer     { return a.declarer }
func (a *App) Codecs() *codecs.Registry         { return a.codecs }
func (a *App) KeySerializer() string            { return a.Conf.KeySerializer }
func (a *App) ValueSerializer() string          { return a.Conf.ValueSerializer }
func (a *App) Logger() loggingpkg.ServiceLogger { return a.logger }
func (a *App) Observer() channel.Observer       { return a.observer }
func (a *App) Now() time.Time                   { return a.now() }
func (a *App) Metrics() *ChannelMetrics         { return a.metrics }
func (a *App) Transport() transport.Transport   { return a.transport }

// Channel resolves a topic channel by name, creating it on first use.
func (a *App) Channel(name string) (channel.Channel, error) {
	return a.Topic(name)
}

// Topic returns the channel for the named topic, creating it on first use.
// Options only apply when the channel is created; they come after the
// configured defaults and override them.
func (a *App) Topic(name string, opts ...channel.Option) (*channel.Topic, error) {
	if name == "" {
		return nil, sferrors.ErrTopicRequired
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.topics[name]; ok {
		return t, nil
	}

	t, err := channel.NewTopic(a, name, append(a.topicDefaults(), opts...)...)
	if err != nil {
		return nil, err
	}
	a.topics[name] = t
	a.conductor.Add(t)
	a.logger.Debug("Topic channel created", loggingpkg.LogFields{"topic": name})
	return t, nil
}

func (a *App) topicDefaults() []channel.Option {
	opts := []channel.Option{
		channel.Capacity(a.Conf.QueueCapacity),
		channel.Partitions(a.Conf.TopicPartitions),
		channel.Replicas(a.Conf.TopicReplicas),
	}
	if a.Conf.TopicRetention > 0 {
		opts = append(opts, channel.Retention(a.Conf.TopicRetention))
	}
	if a.Conf.DeclareCacheFailures {
		opts = append(opts, channel.CacheDeclareFailures())
	}
	return opts
}

// Memory creates an in-process channel.
func (a *App) Memory(opts ...channel.Option) *channel.Memory {
	return channel.NewMemory(a, append([]channel.Option{channel.Capacity(a.Conf.QueueCapacity)}, opts...)...)
}

// Run starts the registered HTTP servers and consumes every topic channel
// until ctx ends.
func (a *App) Run(ctx context.Context) error {
	a.startHTTPServers(ctx)
	return a.conductor.Run(ctx)
}

// Close closes every topic channel and the transport.
func (a *App) Close() error {
	a.conductor.Stop()
	a.mu.Lock()
	for _, t := range a.topics {
		t.Close()
	}
	a.mu.Unlock()
	return a.transport.Close()
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with Run.
func (a *App) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	a.httpServersMu.Lock()
	defer a.httpServersMu.Unlock()

	if a.httpServers == nil {
		a.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := a.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		a.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (a *App) startHTTPServers(ctx context.Context) {
	a.httpServersMu.Lock()
	defer a.httpServersMu.Unlock()

	for port, mux := range a.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		a.logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
}
