package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"apphost/internal/audit"
	"apphost/internal/config"
	"apphost/internal/llm"
	"apphost/internal/logging"
	"apphost/internal/mcp"
	"apphost/internal/metrics"
	"apphost/internal/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// runtime bundles everything a command needs.
type runtime struct {
	cfg     *config.Config
	pool    *mcp.Pool
	session *session.Session
	audit   *audit.Logger

	stopMetrics context.CancelFunc
	auditDone   chan struct{}
}

// setup loads configuration and wires the session. needModel makes a
// missing model configuration fatal.
func setup(ctx context.Context, needModel bool) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Version = version
	if model != "" {
		cfg.Model.Name = model
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	configureLogging(cfg)

	if err := cfg.Validate(); err != nil {
		if needModel || !errors.Is(err, config.ErrMissingAuth) {
			return nil, err
		}
	}

	var delegate llm.Delegate
	if d, err := llm.New(ctx, cfg); err != nil {
		if needModel {
			return nil, fmt.Errorf("failed to create model client: %w", err)
		}
		logging.Debug("model client unavailable", "error", err)
	} else {
		delegate = d
	}

	rt := &runtime{
		cfg: cfg,
		pool: mcp.NewPool(serverConfigs(cfg.Apps), &mcp.ClientInfo{Name: "apphost", Version: version},
			mcp.WithBreaker(cfg.Session.BreakerThreshold, cfg.Session.BreakerReset)),
	}

	opts := []session.Option{
		session.WithTimeouts(cfg.Session.ProtocolTimeout, cfg.Session.ModelTimeout),
		session.WithStructuredOutput(cfg.Model.StructuredOutput),
		session.WithHistoryLimit(cfg.Session.HistoryLimit),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, session.WithMetrics(rt.startMetrics(ctx)))
	}

	rt.session = session.New(rt.pool, delegate, opts...)
	if cfg.Audit.Enabled {
		rt.startAudit()
	}
	logging.Info("apphost started", "version", version, "session", rt.session.ID(), "provider", cfg.API.GetProvider())
	return rt, nil
}

func configureLogging(cfg *config.Config) {
	level := logging.ParseLevel(cfg.Logging.Level)
	if verbose {
		logging.Configure(level, os.Stderr)
		return
	}
	if err := logging.EnableFileLogging(config.ConfigDir(), level); err != nil {
		fmt.Fprintf(os.Stderr, "warning: file logging disabled: %v\n", err)
	}
}

func (rt *runtime) startMetrics(ctx context.Context) *metrics.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	metricsCtx, cancel := context.WithCancel(ctx)
	rt.stopMetrics = cancel
	go func() {
		if err := metrics.Serve(metricsCtx, rt.cfg.Metrics.Addr, reg); err != nil {
			logging.Error("metrics server failed", "addr", rt.cfg.Metrics.Addr, "error", err)
		}
	}()
	return m
}

// startAudit records tool calls for this session. Failure only disables the
// trail.
func (rt *runtime) startAudit() {
	l, err := audit.NewLogger(config.ConfigDir(), rt.session.ID().String(), audit.Config{
		MaxResultLen:  rt.cfg.Audit.MaxResultLen,
		RetentionDays: rt.cfg.Audit.RetentionDays,
	})
	if err != nil {
		logging.Warn("audit trail disabled", "error", err)
		return
	}
	rt.audit = l

	// Larger than interactive subscribers: a full buffer drops entries.
	events, _ := rt.session.Subscribe(rt.cfg.Session.EventBuffer * 4)
	rt.auditDone = make(chan struct{})
	go func() {
		defer close(rt.auditDone)
		audit.Record(events, l)
	}()

	go func() {
		if n, err := l.CleanupOldFiles(); err != nil {
			logging.Debug("audit cleanup failed", "error", err)
		} else if n > 0 {
			logging.Info("removed old audit files", "count", n)
		}
	}()
}

func (rt *runtime) close() {
	rt.session.Close()
	if rt.audit != nil {
		<-rt.auditDone
		if err := rt.audit.Close(); err != nil {
			logging.Warn("closing audit trail failed", "error", err)
		}
	}
	if err := rt.pool.Close(); err != nil {
		logging.Warn("closing tool server connections failed", "error", err)
	}
	if rt.stopMetrics != nil {
		rt.stopMetrics()
	}
	logging.Close()
}

func serverConfigs(apps []config.AppConfig) []*mcp.ServerConfig {
	servers := make([]*mcp.ServerConfig, 0, len(apps))
	for _, app := range apps {
		servers = append(servers, &mcp.ServerConfig{
			Name:      app.ID,
			Transport: app.Transport,
			Command:   app.Command,
			Args:      app.Args,
			Env:       app.Env,
			URL:       app.URL,
			Headers:   app.Headers,
			Timeout:   app.Timeout,
		})
	}
	return servers
}

// connect connects the configured app with the given id.
func (rt *runtime) connect(ctx context.Context, appID string) (*session.App, error) {
	appCfg, ok := rt.cfg.App(appID)
	if !ok {
		return nil, fmt.Errorf("unknown app %q (configure it under apps in %s)", appID, config.GetConfigPath())
	}
	return rt.session.Connect(ctx, appCfg.ID, appCfg.Endpoint())
}

// connectAuto connects every auto_connect app concurrently, skipping skip.
func (rt *runtime) connectAuto(ctx context.Context, skip string) {
	var wg sync.WaitGroup
	for _, app := range rt.cfg.Apps {
		if !app.AutoConnect || app.ID == skip {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := rt.connect(ctx, id); err != nil {
				logging.Warn("auto-connect failed", "app", id, "error", err)
			}
		}(app.ID)
	}
	wg.Wait()
}
