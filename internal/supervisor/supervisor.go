package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"agproxy/internal/account"
	"agproxy/internal/config"
	"agproxy/internal/handler"
	"agproxy/internal/integration"
	"agproxy/internal/middleware"
	"agproxy/internal/monitor"
	"agproxy/internal/proxyerr"
	"agproxy/internal/ratelimit"
	"agproxy/internal/router"
	"agproxy/internal/sanitizer"
	"agproxy/internal/scheduler"
	"agproxy/internal/service"
	logstore "agproxy/internal/store"
	"agproxy/internal/upstream"
)

const shutdownGrace = 10 * time.Second

var (
	ErrAlreadyRunning = errors.New("proxy service already running")
	ErrNotRunning     = errors.New("proxy service not running")
	ErrPortInUse      = errors.New("port already bound")
	ErrNoAccounts     = errors.New("no accounts loaded and no fallback provider")
)

// Status describes the running proxy service
type Status struct {
	Running        bool   `json:"running"`
	Port           int    `json:"port"`
	BaseURL        string `json:"base_url"`
	ActiveAccounts int    `json:"active_accounts"`
}

// instance holds everything owned by one start/stop cycle
type instance struct {
	cfg     *config.Config
	server  *http.Server
	manager *scheduler.Manager
	tracker ratelimit.Tracker
	monitor *monitor.Monitor
	sink    monitor.LogSink
	client  *upstream.Client
	models  *router.Router
}

// Supervisor owns the optional proxy instance behind a read-write lock for
// the start/stop lifecycle. There are no package-level singletons.
type Supervisor struct {
	mu    sync.RWMutex
	inst  *instance
	store account.Store
	integ integration.System
}

// New creates a supervisor around the given account store and integration
func New(store account.Store, integ integration.System) *Supervisor {
	return &Supervisor{store: store, integ: integ}
}

// Start brings the proxy service up. Duplicate starts are rejected.
func (s *Supervisor) Start(cfg *config.Config) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inst != nil {
		return Status{}, ErrAlreadyRunning
	}

	count, err := s.store.Reload()
	if err != nil {
		log.Warn().Err(err).Msg("account reload failed at startup")
	}
	zaiUsable := cfg.Scheduler.Zai.Enabled &&
		cfg.Scheduler.Zai.APIKey != "" &&
		cfg.Scheduler.Zai.DispatchMode != scheduler.ZaiOff
	if count == 0 && !zaiUsable {
		return Status{}, ErrNoAccounts
	}

	models, err := router.New(cfg.Mapping)
	if err != nil {
		return Status{}, proxyerr.Newf(proxyerr.KindConfigInvalid, "model mapping: %v", err)
	}
	client, err := upstream.New(cfg.Upstream)
	if err != nil {
		return Status{}, proxyerr.Newf(proxyerr.KindConfigInvalid, "upstream: %v", err)
	}

	tracker := ratelimit.NewTracker(cfg.RateLimit)
	refresher := service.NewOAuthService(cfg.OAuth, s.store)
	manager := scheduler.NewManager(cfg.Scheduler, s.store, tracker, refresher)

	var sink monitor.LogSink
	if cfg.Storage.DBPath != "" {
		sqliteSink, err := logstore.NewSQLiteSink(cfg.Storage.DBPath)
		if err != nil {
			log.Warn().Err(err).Msg("log sink unavailable, persisting disabled")
		} else {
			sink = sqliteSink
		}
	}
	monCfg := cfg.Monitor
	monCfg.Enabled = monCfg.Enabled && cfg.Storage.EnableLogging
	mon := monitor.New(monCfg, sink)

	proxy := handler.NewProxyHandler(handler.ProxyOptions{
		RequestTimeout: cfg.Server.RequestTimeout,
		Retry:          cfg.Retry,
	}, handler.ProxyDeps{
		Store:     s.store,
		Manager:   manager,
		Models:    models,
		Sanitizer: sanitizer.NewRegistry(),
		Tracker:   tracker,
		Upstream:  client,
		Monitor:   mon,
		Zai:       manager.Zai,
	})

	engine := buildRouter(cfg, proxy)

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddr, cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		manager.Close()
		tracker.Close()
		mon.Close()
		if sink != nil {
			sink.Close()
		}
		return Status{}, fmt.Errorf("%w: %s", ErrPortInUse, addr)
	}

	srv := &http.Server{
		Handler:     engine,
		ReadTimeout: cfg.Server.ReadTimeout,
		// no write timeout: streaming responses are unbounded
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("proxy server exited")
		}
	}()

	s.inst = &instance{
		cfg:     cfg,
		server:  srv,
		manager: manager,
		tracker: tracker,
		monitor: mon,
		sink:    sink,
		client:  client,
		models:  models,
	}

	status := Status{
		Running:        true,
		Port:           cfg.Server.Port,
		BaseURL:        fmt.Sprintf("http://%s:%d", cfg.Server.BindAddr, cfg.Server.Port),
		ActiveAccounts: count,
	}
	log.Info().Str("addr", addr).Int("accounts", count).Msg("proxy service started")
	s.integ.Notify("agproxy", fmt.Sprintf("proxy listening on %s", status.BaseURL))
	return status, nil
}

// Stop shuts the proxy down, awaiting in-flight requests up to the grace
// period, then stops every background task
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inst == nil {
		return ErrNotRunning
	}
	inst := s.inst
	s.inst = nil

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := inst.server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("forced proxy server shutdown")
	}

	inst.manager.Close()
	inst.tracker.Close()
	inst.monitor.Close()
	if inst.sink != nil {
		inst.sink.Close()
	}
	inst.client.CloseIdleConnections()

	log.Info().Msg("proxy service stopped")
	s.integ.Notify("agproxy", "proxy stopped")
	return nil
}

// Status reports the current lifecycle state
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.inst == nil {
		return Status{}
	}
	return Status{
		Running:        true,
		Port:           s.inst.cfg.Server.Port,
		BaseURL:        fmt.Sprintf("http://%s:%d", s.inst.cfg.Server.BindAddr, s.inst.cfg.Server.Port),
		ActiveAccounts: len(s.store.Snapshot()),
	}
}

// ReloadAccounts clears stale session bindings, then re-reads the store, so
// requests cannot keep routing to an account that just went away
func (s *Supervisor) ReloadAccounts() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.inst == nil {
		return 0, ErrNotRunning
	}
	s.inst.manager.ClearAllSessions()
	return s.store.Reload()
}

// UpdateMapping hot-swaps the model mapping table
func (s *Supervisor) UpdateMapping(rules []router.Rule) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.inst == nil {
		return ErrNotRunning
	}
	return s.inst.models.Update(rules)
}

// UpdateScheduling hot-swaps the sticky-session configuration
func (s *Supervisor) UpdateScheduling(cfg scheduler.StickyConfig) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.inst == nil {
		return ErrNotRunning
	}
	s.inst.manager.UpdateStickyConfig(cfg)
	return nil
}

// SetPreferredAccount pins or unpins the fixed account
func (s *Supervisor) SetPreferredAccount(id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.inst == nil {
		return ErrNotRunning
	}
	s.inst.manager.SetPreferredAccount(id)
	if id != "" {
		if acc := findAccount(s.store.Snapshot(), id); acc != nil {
			if err := s.integ.OnAccountSwitch(context.Background(), acc); err != nil {
				log.Warn().Err(err).Str("account_id", id).Msg("account switch hook failed")
			}
		}
	}
	return nil
}

// Logs returns recent request summaries from the ring
func (s *Supervisor) Logs(limit int) ([]monitor.RequestLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.inst == nil {
		return nil, ErrNotRunning
	}
	return s.inst.monitor.GetLogs(limit), nil
}

// LogDetail returns one summary, falling back to the persisted sink when the
// ring has already evicted it
func (s *Supervisor) LogDetail(id string) (monitor.RequestLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.inst == nil {
		return monitor.RequestLog{}, ErrNotRunning
	}
	if l, ok := s.inst.monitor.GetLogDetail(id); ok {
		return l, nil
	}
	if sink, ok := s.inst.sink.(*logstore.SQLiteSink); ok {
		l, found, err := sink.GetLog(id)
		if err != nil {
			return monitor.RequestLog{}, err
		}
		if found {
			return l, nil
		}
	}
	return monitor.RequestLog{}, fmt.Errorf("log %s not found", id)
}

// Stats returns the cumulative monitor stats
func (s *Supervisor) Stats() (monitor.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.inst == nil {
		return monitor.Stats{}, ErrNotRunning
	}
	return s.inst.monitor.GetStats(), nil
}

// SchedulerStats returns the selection counters
func (s *Supervisor) SchedulerStats() (scheduler.ManagerStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.inst == nil {
		return scheduler.ManagerStats{}, ErrNotRunning
	}
	return s.inst.manager.Stats(), nil
}

// SetMonitorEnabled gates request recording
func (s *Supervisor) SetMonitorEnabled(enabled bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.inst == nil {
		return ErrNotRunning
	}
	s.inst.monitor.SetEnabled(enabled)
	return nil
}

// ClearLogs empties the monitor ring
func (s *Supervisor) ClearLogs() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.inst == nil {
		return ErrNotRunning
	}
	s.inst.monitor.Clear()
	return nil
}

// ClearSessions drops all sticky bindings
func (s *Supervisor) ClearSessions() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.inst == nil {
		return ErrNotRunning
	}
	s.inst.manager.ClearAllSessions()
	return nil
}

// Subscribe attaches a monitor event listener
func (s *Supervisor) Subscribe() (<-chan monitor.Event, func(), error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.inst == nil {
		return nil, nil, ErrNotRunning
	}
	ch, cancel := s.inst.monitor.Subscribe()
	return ch, cancel, nil
}

func buildRouter(cfg *config.Config, proxy *handler.ProxyHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())

	engine.GET("/health", proxy.Health)

	v1 := engine.Group("/v1")
	v1.Use(middleware.BearerAuth(cfg.Auth.APIKey))
	{
		v1.POST("/messages", proxy.Messages)
		v1.POST("/chat/completions", proxy.ChatCompletions)
		v1.GET("/models", proxy.ListModels)
	}
	return engine
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info().
			Int("status", c.Writer.Status()).
			Str("method", c.Request.Method).
			Str("path", path).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func findAccount(accounts []*account.Account, id string) *account.Account {
	for _, acc := range accounts {
		if acc.ID == id {
			return acc
		}
	}
	return nil
}
