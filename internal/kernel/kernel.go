// Package kernel is the fleet daemon's composition root. It opens the
// database, builds every service on top of it and registers their periodic
// cycles with the supervisor.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"agentfleet/handlers"
	"agentfleet/internal/supervisor"
	"agentfleet/pkg/autopause"
	"agentfleet/pkg/config"
	"agentfleet/pkg/limiter"
	"agentfleet/pkg/logx"
	"agentfleet/pkg/metrics"
	"agentfleet/pkg/models"
	"agentfleet/pkg/persistence"
	"agentfleet/pkg/pool"
	"agentfleet/pkg/queue"
	"agentfleet/pkg/quota"
	"agentfleet/pkg/scaler"
	"agentfleet/pkg/statemachine"
	"agentfleet/pkg/utils"
)

// shutdownTimeout bounds the HTTP server drain on Stop.
const shutdownTimeout = 10 * time.Second

// Kernel owns the store, the services and the background tasks.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // Required for kernel lifecycle management
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Store        *persistence.Store
	Registry     *prometheus.Registry
	Recorder     metrics.Recorder
	StateMachine *statemachine.StateMachine
	Pool         *pool.Pool
	Scaler       *scaler.Scaler
	Governor     *quota.Governor
	Dashboard    *quota.DashboardNotifier
	Limiter      *limiter.Limiter
	Queue        *queue.Queue
	Dispatcher   *queue.Dispatcher
	AutoPause    *autopause.Controller
	Supervisor   *supervisor.Supervisor

	server  *http.Server
	running bool
}

// Option customizes kernel construction, mainly for tests.
type Option func(*options)

type options struct {
	transport queue.Transport
	registry  *prometheus.Registry
}

// WithTransport replaces the HTTP transport used by the dispatcher.
func WithTransport(t queue.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// NewKernel opens the database at cfg.Database.Path and wires the services.
// Nothing runs until Start.
func NewKernel(parent context.Context, cfg *config.Config, opts ...Option) (*Kernel, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(parent)
	k := &Kernel{
		ctx:        ctx,
		cancel:     cancel,
		Config:     cfg,
		Logger:     logx.NewLogger("kernel"),
		Supervisor: supervisor.NewSupervisor(),
	}
	k.Supervisor.ShutdownHandler = supervisor.NewCancelShutdownHandler(k.Supervisor.Logger, cancel)

	if err := k.initializeDatabase(); err != nil {
		cancel()
		return nil, err
	}
	if err := k.initializeServices(ctx, o); err != nil {
		_ = k.Store.Close()
		cancel()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	if err := k.registerTasks(); err != nil {
		_ = k.Store.Close()
		cancel()
		return nil, fmt.Errorf("failed to register background tasks: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeDatabase() error {
	path := k.Config.Database.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return logx.Wrap(err, "failed to create database directory")
		}
	}
	store, err := persistence.Open(path)
	if err != nil {
		return logx.Wrap(err, "failed to initialize database")
	}
	k.Store = store
	k.Logger.Info("Database initialized with schema: %s", path)
	return nil
}

func (k *Kernel) initializeServices(ctx context.Context, o options) error {
	cfg := k.Config

	k.Registry = o.registry
	if k.Registry == nil {
		k.Registry = prometheus.NewRegistry()
		k.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	k.Recorder = metrics.NewPrometheusRecorder(k.Registry)

	k.Pool = pool.New(k.Store.Agents(), pool.WithRecorder(k.Recorder))
	k.StateMachine = statemachine.New(k.Store.Projects(),
		statemachine.WithRecorder(k.Recorder),
		statemachine.WithObservers(&pool.ProjectReleaser{Pool: k.Pool}),
	)
	k.Scaler = scaler.New(scaler.PolicyFromConfig(cfg.Scaler), k.Pool, k.Store.Scaling(),
		scaler.WithRecorder(k.Recorder))

	providers := make([]models.Provider, len(cfg.Providers))
	for i := range cfg.Providers {
		providers[i] = cfg.Providers[i].Model()
	}

	govOpts := []quota.Option{quota.WithRecorder(k.Recorder)}
	logNotifier := quota.NewLogNotifier()
	for _, ch := range cfg.Notifications.Channels {
		switch ch {
		case config.ChannelDashboard:
			k.Dashboard = quota.NewDashboardNotifier(cfg.Notifications.DashboardSize)
			govOpts = append(govOpts, quota.WithNotifier(ch, k.Dashboard))
		default:
			// desktop, audio and email have no daemon-side delivery; they land in the log.
			govOpts = append(govOpts, quota.WithNotifier(ch, logNotifier))
		}
	}
	k.Governor = quota.New(k.Store.Quotas(), cfg.Quota.DefaultAlertConfig(cfg.Notifications.Channels), govOpts...)
	if err := k.Governor.SyncProviders(ctx, providers); err != nil {
		return fmt.Errorf("failed to sync providers: %w", err)
	}
	alertConfigs := make([]models.AlertConfig, len(cfg.AlertConfigs))
	for i := range cfg.AlertConfigs {
		alertConfigs[i] = cfg.AlertConfigs[i].Model(&cfg.Quota)
	}
	if err := k.Governor.ConfigureAlerts(ctx, alertConfigs); err != nil {
		return fmt.Errorf("failed to configure alerts: %w", err)
	}

	k.Limiter = limiter.NewLimiter(providers)
	counter, err := utils.NewTokenCounter("")
	if err != nil {
		// The counter falls back to a character estimate without a codec.
		k.Logger.Warn("Token counter unavailable, estimating by length: %v", err)
	}

	transport := o.transport
	if transport == nil {
		transport = queue.NewHTTPTransport(cfg.Providers, cfg.Queue.RequestTimeout)
	}
	k.Queue = queue.New(k.Store.Queue(), queue.WithDefaultMaxRetries(cfg.Queue.DefaultMaxRetries))
	k.Dispatcher = queue.NewDispatcher(k.Store.Queue(), transport, cfg.Queue,
		queue.WithGovernor(k.Governor),
		queue.WithThrottle(k.Limiter),
		queue.WithTokenEstimator(counter),
		queue.WithDispatchRecorder(k.Recorder),
	)

	k.AutoPause = autopause.New(k.Store.Pauses(), k.StateMachine, k.Governor,
		autopause.WithRecorder(k.Recorder),
		autopause.WithDefaultThreshold(cfg.AutoPause.DefaultThresholdPercent),
	)

	k.Logger.Info("Kernel services initialized successfully (%d providers)", len(providers))
	return nil
}

// registerTasks adds every periodic cycle to the supervisor.
func (k *Kernel) registerTasks() error {
	cfg := k.Config
	// Pool health and dispatch stop the daemon once they keep failing.
	critical := supervisor.Continue
	if cfg.Supervisor.MaxFailures > 0 {
		critical = supervisor.FatalShutdown
	}
	tasks := []supervisor.Task{
		{
			Name:        "pool-stale",
			Interval:    cfg.Pool.SyncInterval,
			OnFailure:   critical,
			MaxFailures: cfg.Supervisor.MaxFailures,
			Run: func(ctx context.Context) error {
				_, err := k.Pool.MarkStale(ctx, cfg.Pool.StaleTimeout)
				return err
			},
		},
		{
			Name:     "quota-escalations",
			Interval: cfg.Quota.EscalationInterval,
			Run: func(ctx context.Context) error {
				_, err := k.Governor.CheckEscalations(ctx)
				return err
			},
		},
		{
			Name:     "quota-sweep",
			Interval: cfg.Quota.SweepInterval,
			Run: func(ctx context.Context) error {
				_, err := k.Governor.SweepExpiredPeriods(ctx)
				return err
			},
		},
		{
			Name:     "autopause",
			Interval: cfg.AutoPause.Interval,
			Run:      k.AutoPause.RunCycle,
		},
		{
			Name:       "queue-maintenance",
			Interval:   cfg.Queue.MaintenanceInterval,
			RunAtStart: true,
			Run:        k.queueMaintenance,
		},
	}

	if cfg.Pool.SnapshotFile != "" {
		detector := &pool.FileDetector{Path: cfg.Pool.SnapshotFile}
		tasks = append(tasks, supervisor.Task{
			Name:       "pool-sync",
			Interval:   cfg.Pool.SyncInterval,
			RunAtStart: true,
			Run: func(ctx context.Context) error {
				_, err := k.Pool.SyncFrom(ctx, detector)
				return err
			},
		})
	}
	if cfg.Scaler.Enabled {
		tasks = append(tasks, supervisor.Task{
			Name:     "scaler",
			Interval: cfg.Scaler.Interval,
			Run:      k.Scaler.RunCycle,
		})
	}
	for i := range cfg.Providers {
		providerID := cfg.Providers[i].ID
		tasks = append(tasks, supervisor.Task{
			Name:        "queue-dispatch-" + providerID,
			Interval:    cfg.Queue.PollInterval,
			RunAtStart:  true,
			OnFailure:   critical,
			MaxFailures: cfg.Supervisor.MaxFailures,
			Run: func(ctx context.Context) error {
				n, err := k.Dispatcher.Drain(ctx, providerID)
				if n > 0 {
					logx.Debug(ctx, "queue", "dispatched %d items for %s", n, providerID)
				}
				return err
			},
		})
	}

	for _, t := range tasks {
		if err := k.Supervisor.Add(t); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) queueMaintenance(ctx context.Context) error {
	_, recoverErr := k.Queue.RecoverStale(ctx, k.Config.Queue.StaleProcessingTimeout)
	_, purgeErr := k.Queue.PurgeTerminal(ctx, k.Config.Queue.Retention)
	return errors.Join(recoverErr, purgeErr)
}

// Context is cancelled when the kernel stops or a fatal task asks for shutdown.
func (k *Kernel) Context() context.Context {
	return k.ctx
}

// Handler serves /health, /metrics, /logs and, with the dashboard channel
// enabled, /alerts/recent.
func (k *Kernel) Handler() http.Handler {
	var alerts handlers.RecentFunc
	if k.Dashboard != nil {
		alerts = k.Dashboard.Recent
	}
	return handlers.NewMux(k.Store.DB(), k.Registry, alerts)
}

// Start launches the background tasks and, when a listen address is
// configured, the HTTP server.
func (k *Kernel) Start() error {
	if k.running {
		return logx.Errorf("kernel already running")
	}
	k.Logger.Info("Starting kernel services...")

	if addr := k.Config.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return logx.Wrap(err, "failed to listen on "+addr)
		}
		k.server = &http.Server{Handler: k.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := k.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				k.Logger.Error("HTTP server failed: %v", err)
			}
		}()
		k.Logger.Info("Serving HTTP on %s", ln.Addr())
	}

	k.Supervisor.Start(k.ctx)
	k.running = true
	k.Logger.Info("Kernel services started successfully")
	return nil
}

// Stop cancels the background tasks, waits for in-flight cycles, shuts the
// HTTP server down and closes the database.
func (k *Kernel) Stop() error {
	k.Logger.Info("Stopping kernel services...")
	k.cancel()
	k.Supervisor.Stop()

	var errs []error
	if k.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := k.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
		cancel()
		k.server = nil
	}
	if k.Store != nil {
		if err := k.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		k.Store = nil
	}

	k.running = false
	k.Logger.Info("Kernel services stopped")
	return errors.Join(errs...)
}
