package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/logflow/canteen/internal/model"
	"github.com/logflow/canteen/pkg/hooks"
	"github.com/logflow/canteen/pkg/report"
)

var (
	mealCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canteen",
			Subsystem: "actor",
			Name:      "meals_total",
			Help:      "number of times an actor reached the dining state",
		}, []string{"actor"})
	backoffCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canteen",
			Subsystem: "actor",
			Name:      "backoffs_total",
			Help:      "number of times an actor released its left resource because the right one was busy",
		})
	acquireTimeoutCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canteen",
			Subsystem: "actor",
			Name:      "acquire_timeouts_total",
			Help:      "number of bounded waits on the left resource that expired",
		})
	transientCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canteen",
			Subsystem: "actor",
			Name:      "transient_failures_total",
			Help:      "number of abandoned actor iterations",
		})
	starvedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canteen",
			Subsystem: "actor",
			Name:      "starved_total",
			Help:      "number of actors that entered the starved state",
		})
	hungryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "canteen",
			Subsystem: "actor",
			Name:      "hungry_duration_seconds",
			Help:      "time spent acquiring both resources",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 12), // 100us ~ 7min
		})

	queueDepthGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "canteen",
			Subsystem: "observer",
			Name:      "queue_depth",
			Help:      "events waiting to be rendered",
		})
	lastEventAgeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "canteen",
			Subsystem: "observer",
			Name:      "last_event_age_seconds",
			Help:      "time since the most recent state transition",
		})
	renderedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "canteen",
			Subsystem: "observer",
			Name:      "rendered_events",
			Help:      "events handed to the renderer so far",
		})
	renderFailuresGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "canteen",
			Subsystem: "observer",
			Name:      "render_failures",
			Help:      "batches the renderer rejected so far",
		})
	actorStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "canteen",
			Subsystem: "arena",
			Name:      "actors",
			Help:      "number of actors per state",
		}, []string{"state"})
	dinedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "canteen",
			Subsystem: "arena",
			Name:      "dined_actors",
			Help:      "number of actors that dined at least once",
		})
)

// InitMetrics registers all metrics used by canteen.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(mealCounter)
	registry.MustRegister(backoffCounter)
	registry.MustRegister(acquireTimeoutCounter)
	registry.MustRegister(transientCounter)
	registry.MustRegister(starvedCounter)
	registry.MustRegister(hungryDuration)
	registry.MustRegister(queueDepthGauge)
	registry.MustRegister(lastEventAgeGauge)
	registry.MustRegister(renderedGauge)
	registry.MustRegister(renderFailuresGauge)
	registry.MustRegister(actorStateGauge)
	registry.MustRegister(dinedGauge)
}

// RegisterHooks feeds actor events into the counters.
func RegisterHooks(h *hooks.HookManager) {
	h.RegisterBackoff(func(hooks.WaitInfo) {
		backoffCounter.Inc()
	})
	h.RegisterMeal(func(info hooks.MealInfo) {
		mealCounter.WithLabelValues(strconv.Itoa(info.Actor)).Inc()
		acquireTimeoutCounter.Add(float64(info.Timeouts))
		hungryDuration.Observe(info.Waited.Seconds())
	})
	h.RegisterTransient(func(int, error) {
		transientCounter.Inc()
	})
	h.RegisterStarved(func(int, time.Duration) {
		starvedCounter.Inc()
	})
}

// MetricsReporter publishes liveness snapshots as gauges.
type MetricsReporter struct{}

// Report implements report.Reporter.
func (MetricsReporter) Report(_ context.Context, snap report.Snapshot) error {
	queueDepthGauge.Set(float64(snap.QueueDepth))
	lastEventAgeGauge.Set(snap.LastEventAge.Seconds())
	renderedGauge.Set(float64(snap.Rendered))
	renderFailuresGauge.Set(float64(snap.RenderErrors))
	dinedGauge.Set(float64(snap.Dined))

	counts := snap.StateCounts()
	for _, st := range []model.State{model.Idle, model.Waiting, model.Active, model.Starved} {
		actorStateGauge.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
	return nil
}

// Close implements report.Reporter.
func (MetricsReporter) Close() error { return nil }

// MetricsServer serves /metrics for a registry.
type MetricsServer struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// ServeMetrics starts serving registry on addr in the background.
func ServeMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) (*MetricsServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	s := &MetricsServer{
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: ln,
		logger:   logger,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return s, nil
}

// Addr returns the address the server listens on.
func (s *MetricsServer) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops the server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
