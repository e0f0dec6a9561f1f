package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tengine/internal/config"
	"tengine/internal/executor"
	"tengine/internal/files"
	"tengine/internal/filestore"
	"tengine/internal/limit"
	"tengine/internal/logging"
	"tengine/internal/probe"
	"tengine/internal/queue"
	"tengine/internal/registry"
	"tengine/internal/telemetry"
	"tengine/internal/transform"
	"tengine/internal/transport"
)

type Option func(*options)

type options struct {
	executors map[string]executor.Executor
	fallback  executor.Executor
	logger    *slog.Logger
}

// WithExecutor registers e under name in addition to the configured backends.
func WithExecutor(name string, e executor.Executor) Option {
	return func(o *options) { o.executors[name] = e }
}

// WithFallbackExecutor overrides the configured fallback backend.
func WithFallbackExecutor(e executor.Executor) Option {
	return func(o *options) { o.fallback = e }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Bootstrap assembles every component from cfg and binds the listeners.
// Nothing is served until Run.
func Bootstrap(ctx context.Context, cfg config.Config, opts ...Option) (_ *Engine, err error) {
	o := options{executors: map[string]executor.Executor{}}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logging.Configure(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
		logger = logging.L()
	}

	e := &Engine{logger: logger, shutdownTimeout: cfg.Server.ShutdownTimeout}
	defer func() {
		if err != nil {
			e.abort()
		}
	}()

	// 1. metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(promReg)

	// 2. staging area
	stager, err := files.NewManager(cfg.Staging.Dir,
		files.WithLogger(logger),
		files.WithReleaseHook(metrics.ObserveRelease),
	)
	if err != nil {
		return nil, fmt.Errorf("staging: %w", err)
	}
	if cfg.Staging.StaleAfter > 0 {
		if removed := stager.CleanStale(cfg.Staging.StaleAfter); len(removed) > 0 {
			logger.Info("removed stale staged files", slog.Int("count", len(removed)))
		}
	}

	// 3. registry and executors
	reg, err := loadRegistry(cfg.Registry.File, logger)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	execs, closers, err := buildExecutors(cfg.Executors, cfg.Server.MaxMessageBytes, logger)
	e.closers = append(e.closers, closers...)
	if err != nil {
		return nil, fmt.Errorf("executors: %w", err)
	}
	for name, ex := range o.executors {
		execs.Register(name, ex)
	}
	if o.fallback != nil {
		execs.SetFallback(o.fallback)
	}

	// 4. dispatcher
	state := probe.NewState()
	e.log = telemetry.NewLog(cfg.Log.Entries)
	dispatcher := transform.NewDispatcher(stager, reg, execs,
		transform.WithTracker(state),
		transform.WithObserver(telemetry.NewRecorder(metrics, e.log)),
		transform.WithTimeout(cfg.Transform.Timeout),
		transform.WithLogger(logger),
	)

	// 5. health
	e.health = newHealth(cfg.Probe, dispatcher, state, metrics, logger)

	// 6. listeners
	limiter := limit.New(int64(cfg.Transform.MaxInFlight))
	e.limiter = limiter
	if e.grpc, err = transport.StartServer(cfg.Server.GRPCAddr, dispatcher, e.health,
		transport.WithLimiter(limiter),
		transport.WithMaxMessageBytes(cfg.Server.MaxMessageBytes),
		transport.WithLogger(logger),
	); err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	if e.http, err = telemetry.Listen(cfg.Server.HTTPAddr, telemetry.Handler(e.health, e.log, promReg), logger); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// 7. queue endpoint
	if cfg.Queue.Enabled {
		store, err := filestore.NewS3(ctx, filestore.Config(cfg.FileStore), logger)
		if err != nil {
			return nil, err
		}
		qc := cfg.Queue
		e.queue, err = queue.NewListener(queue.Config{
			Brokers:      qc.Brokers,
			GroupID:      qc.GroupID,
			RequestTopic: qc.RequestTopic,
			ReplyTopic:   qc.ReplyTopic,
			Version:      qc.Version,
			StartFrom:    qc.StartFrom,
			TLSEn:        qc.TLSEn,
			SASLUser:     qc.SASLUser,
			SASLPass:     qc.SASLPass,
		}, queue.NewHandler(dispatcher, store, limiter, logger), logger)
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

func loadRegistry(path string, logger *slog.Logger) (*registry.Static, error) {
	if path == "" {
		logger.Warn("no registry file configured, only forced transformer names will resolve")
		return registry.NewStatic(nil)
	}
	return registry.Load(path)
}

// buildExecutors creates the configured backends. Closers are returned even
// on error so partially dialed remotes can be released.
func buildExecutors(cfgs []config.ExecutorConfig, maxBytes int, logger *slog.Logger) (*executor.Set, []io.Closer, error) {
	set := executor.NewSet()
	var closers []io.Closer
	for i, c := range cfgs {
		var e executor.Executor
		switch c.Type {
		case "command":
			cmd, err := executor.NewCommand(c.Command,
				executor.WithArgs(c.Args...),
				executor.WithPassOptions(c.PassOptions...),
				executor.WithUnsupportedExitCodes(c.UnsupportedExitCodes...),
				executor.WithCommandLogger(logger),
			)
			if err != nil {
				return nil, closers, fmt.Errorf("executors[%d]: %w", i, err)
			}
			e = cmd
		case "remote":
			ropts := []executor.RemoteOption{executor.WithRemoteLogger(logger)}
			if len(c.Names) == 1 {
				ropts = append(ropts, executor.WithRemoteTransformer(c.Names[0]))
			}
			r, err := executor.DialRemote(c.Address, maxBytes, ropts...)
			if err != nil {
				return nil, closers, fmt.Errorf("executors[%d]: %w", i, err)
			}
			closers = append(closers, r)
			e = r
		default:
			return nil, closers, fmt.Errorf("executors[%d]: unknown type %q", i, c.Type)
		}
		for _, name := range c.Names {
			set.Register(name, e)
		}
		if c.Fallback {
			set.SetFallback(e)
		}
	}
	return set, closers, nil
}

// newHealth builds the probe harness, or an always-passing check when no
// probe test file is configured.
func newHealth(pc config.ProbeConfig, d probe.Dispatcher, state *probe.State, m *telemetry.Metrics, logger *slog.Logger) transport.Health {
	if !pc.Enabled() {
		return staticHealth{}
	}
	minSize, maxSize := pc.MinSize, pc.MaxSize
	if minSize == 0 && maxSize == 0 && pc.ExpectedLength > 0 {
		minSize, maxSize = probe.SizeRange(pc.ExpectedLength, pc.PlusOrMinus)
	}
	return probe.New(probe.Config{
		SourceFilename:    pc.SourceFilename,
		TargetFilename:    pc.TargetFilename,
		SourceMediaType:   pc.SourceMimetype,
		TargetMediaType:   pc.TargetMimetype,
		Transformer:       pc.Transformer,
		Options:           pc.Options,
		MinSize:           minSize,
		MaxSize:           maxSize,
		ExpectedUnits:     pc.ExpectedUnits,
		NormalTime:        pc.NormalTime,
		LivenessPercent:   pc.LivenessPercent,
		MaxTransforms:     pc.MaxTransforms,
		MaxTransformTime:  pc.MaxTransformTime,
		LivenessPeriod:    pc.LivenessPeriod,
		LivenessTransform: pc.LivenessTransform,
		ProbeEvery:        pc.ProbeEvery,
		ProbeInterval:     pc.ProbeInterval,
	}, os.DirFS(pc.TestFilesDir), d, state,
		probe.WithLogger(logger),
		probe.WithReportHook(m.ObserveProbe),
	)
}
