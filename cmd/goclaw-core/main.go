// Command goclaw-core is the deployable worker process: one
// OS process hosting the gateway's WebSocket/HTTP surface, the
// dispatcher's poll loop, and the trigger scheduler, all sharing one
// resource store and one Redis-backed bus/lock pair so that many
// goclaw-core instances can run side by side against the same backing
// services. Wiring order: config, logger/otel, store, bus/locks,
// engine, dispatcher, scheduler, gateway, then signal-driven graceful
// shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/chatshell"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/dispatcher"
	"github.com/basket/go-claw/internal/executor"
	"github.com/basket/go-claw/internal/gateway"
	"github.com/basket/go-claw/internal/lock"
	"github.com/basket/go-claw/internal/model"
	otelpkg "github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/reducer"
	"github.com/basket/go-claw/internal/shutdown"
	"github.com/basket/go-claw/internal/store"
	"github.com/basket/go-claw/internal/streaming"
	"github.com/basket/go-claw/internal/telemetry"
	"github.com/basket/go-claw/internal/trigger"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v1.0-dev"

func main() {
	cfg := config.Load()

	logger, logCloser, err := telemetry.NewLogger(cfg.LogDir, cfg.LogLevel, cfg.LogQuiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "goclaw-core: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	logger = logger.With("version", Version, "config_fingerprint", cfg.Fingerprint())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:                 cfg.OTel.Enabled,
		ServiceName:             "goclaw-core",
		Endpoint:                cfg.OTel.ExporterOTLPEndpoint,
		SampleRate:              cfg.OTel.TracesSamplerArg,
		ExcludedSpanNames:       cfg.OTel.ExcludedURLs,
		DisableSendReceiveSpans: cfg.OTel.DisableSendReceiveSpans,
	})
	if err != nil {
		logger.Error("otel init failed, continuing without telemetry", "error", err)
		otelProvider, _ = otelpkg.Init(ctx, otelpkg.Config{Enabled: false})
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "store_opened", "storage_type", cfg.StorageType)

	resolver := store.NewResolver(st)

	eventBus, err := newBus(cfg)
	if err != nil {
		logger.Error("event bus init failed", "error", err)
		os.Exit(1)
	}
	locks, err := newLocks(cfg)
	if err != nil {
		logger.Error("distributed lock init failed", "error", err)
		os.Exit(1)
	}
	logger.Info("startup phase", "phase", "bus_and_locks_ready")

	coord := shutdown.New(logger)

	execClient := executor.NewClient(cfg.ExecutorBaseURL)

	reconcilerSvc := reducer.NewService(st, resolver, eventBus, logger)

	brain, err := buildBrain(ctx, cfg, logger)
	if err != nil {
		logger.Error("brain init failed", "error", err)
		os.Exit(1)
	}

	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		os.Exit(1)
	}

	engine := streaming.New(st, eventBus, locks, brain, reconcilerSvc, logger, cfg.MaxConcurrentTasks, cfg.ChatToolMaxRequests, buildContextConfig(cfg))
	engine.Metrics = metrics

	disp := dispatcher.New(st, eventBus, resolver, execClient, logger, cfg.MaxConcurrentTasks, cfg.ModelSecretKey)
	disp.AuthToken = cfg.AuthToken
	disp.Metrics = metrics

	sched := trigger.New(trigger.Config{
		Store:             st,
		Bus:               eventBus,
		Locks:             locks,
		Dispatch:          disp,
		Resolver:          resolver,
		Engine:            engine,
		Logger:            logger,
		OrphanGracePeriod: cfg.FlowStalePendingHours,
		StuckGracePeriod:  cfg.FlowStaleRunningHours,
		RetryCount:        cfg.FlowDefaultRetryCount,
		Metrics:           metrics,
	})
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "trigger_scheduler_started")

	go runDispatchLoop(ctx, disp, cfg, logger)

	gw := gateway.New(gateway.Config{
		Store:        st,
		Bus:          eventBus,
		Locks:        locks,
		Resolver:     resolver,
		Engine:       engine,
		Reconciler:   reconcilerSvc,
		Executor:     execClient,
		Shutdown:     coord,
		Logger:       logger,
		AuthToken:    cfg.AuthToken,
		AllowOrigins: cfg.CORSAllowedOrigins,

		RateLimitEnabled:           cfg.RateLimitEnabled,
		RateLimitRequestsPerMinute: cfg.RateLimitRequestsPerMinute,
		RateLimitBurstSize:         cfg.RateLimitBurstSize,

		Metrics: metrics,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := listen(ctx, cfg.BindAddr)
	if err != nil {
		logger.Error("listener bind failed", "addr", cfg.BindAddr, "error", err)
		os.Exit(1)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/chat")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Graceful shutdown: stop intake, then drain in-flight
	// streams/connections before releasing backing resources via the
	// deferred Close()/Stop() calls above.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	coord.Drain(shutdownCtx, cfg.GracefulShutdownTimeout)
	logger.Info("shutdown complete")
}

// runDispatchLoop polls the dispatcher on TASK_FETCH_INTERVAL, running
// online and offline candidates as two independently limited filters,
// the offline lane gated to its configured off-peak windows.
func runDispatchLoop(ctx context.Context, disp *dispatcher.Dispatcher, cfg config.Config, logger *slog.Logger) {
	interval := cfg.TaskFetchInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := disp.Dispatch(ctx, dispatcher.Filter{Type: model.TaskTypeOnline}, cfg.MaxConcurrentTasks); err != nil {
				logger.ErrorContext(ctx, "dispatch cycle failed", "lane", "online", "error", err)
			}
			if inOfflineWindow(time.Now().UTC(), cfg.OfflineTaskEveningHours, cfg.OfflineTaskMorningHours) {
				if err := disp.Dispatch(ctx, dispatcher.Filter{Type: model.TaskTypeOffline}, cfg.MaxOfflineConcurrentTasks); err != nil {
					logger.ErrorContext(ctx, "dispatch cycle failed", "lane", "offline", "error", err)
				}
			}
		}
	}
}

// inOfflineWindow reports whether now falls inside either the evening or
// morning "HH:MM-HH:MM" window. An empty/unparseable window is treated
// as always-open, so a deployment that never sets these env vars keeps
// today's behavior of dispatching offline tasks continuously.
func inOfflineWindow(now time.Time, evening, morning string) bool {
	if evening == "" && morning == "" {
		return true
	}
	return inHourRange(now, evening) || inHourRange(now, morning)
}

func inHourRange(now time.Time, window string) bool {
	if window == "" {
		return false
	}
	parts := strings.SplitN(window, "-", 2)
	if len(parts) != 2 {
		return false
	}
	start, ok1 := parseHHMM(parts[0])
	end, ok2 := parseHHMM(parts[1])
	if !ok1 || !ok2 {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	if start <= end {
		return cur >= start && cur < end
	}
	// wraps past midnight, e.g. "22:00-06:00"
	return cur >= start || cur < end
}

func parseHHMM(s string) (int, bool) {
	s = strings.TrimSpace(s)
	hm := strings.SplitN(s, ":", 2)
	if len(hm) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(hm[0])
	m, err2 := strconv.Atoi(hm[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// buildBrain selects the direct-chat Brain implementation: a remote
// chat-shell client under CHAT_SHELL_MODE=http/legacy, or an
// in-process genkit provider under bridge mode, wrapped in a circuit
// breaker either way.
func buildBrain(ctx context.Context, cfg config.Config, logger *slog.Logger) (streaming.Brain, error) {
	var inner streaming.Brain
	switch chatshell.Mode(cfg.ChatShellMode) {
	case chatshell.ModeHTTP, chatshell.ModeLegacy:
		if cfg.ChatShellURL == "" {
			return nil, fmt.Errorf("CHAT_SHELL_MODE=%s requires CHAT_SHELL_URL", cfg.ChatShellMode)
		}
		inner = chatshell.NewClient(chatshell.Mode(cfg.ChatShellMode), cfg.ChatShellURL, cfg.ChatShellToken, func(msg string) {
			logger.Warn(msg)
		})
	default:
		gb, err := streaming.NewGenkitBrain(ctx, cfg.ChatBrainProvider, cfg.ChatBrainModel, cfg.ChatBrainAPIKey, cfg.ChatBrainBaseURL)
		if err != nil {
			return nil, err
		}
		inner = gb
	}
	return streaming.NewBreakerBrain(inner, cfg.ChatBrainCircuitThreshold, cfg.ChatBrainCircuitCooldown), nil
}

// buildContextConfig wires the streaming engine's optional
// context-build features from their env-gated config flags: the
// knowledge-base tool under WEB_SEARCH_ENABLED and memory recall under
// MEMORY_ENABLED.
// Either is left nil when its flag is off, which streaming.Engine
// treats as "feature absent" rather than an error.
func buildContextConfig(cfg config.Config) streaming.ContextBuild {
	var ctxBuild streaming.ContextBuild
	if cfg.WebSearchEnabled {
		ctxBuild.KB = streaming.NewWebSearchKB()
		ctxBuild.KBMaxResults = cfg.WebSearchDefaultMaxResults
	}
	if cfg.MemoryEnabled && cfg.MemoryBaseURL != "" {
		ctxBuild.Memory = streaming.NewHTTPMemoryClient(cfg.MemoryBaseURL, cfg.MemoryUserIDPrefix)
		ctxBuild.MemoryMaxResults = cfg.MemoryMaxResults
	}
	ctxBuild.MCPEnabled = cfg.MCPEnabled
	ctxBuild.GlobalMCPServers = parseMCPServers(cfg.MCPServers)
	return ctxBuild
}

// parseMCPServers decodes CHAT_MCP_SERVERS "name=url" entries into the
// global MCP fallback list used when a bot's Ghost declares none.
func parseMCPServers(entries []string) []model.MCPServer {
	servers := make([]model.MCPServer, 0, len(entries))
	for _, e := range entries {
		name, url, ok := strings.Cut(e, "=")
		if !ok || name == "" || url == "" {
			continue
		}
		servers = append(servers, model.MCPServer{Name: name, URL: url})
	}
	return servers
}

func newBus(cfg config.Config) (bus.Bus, error) {
	if cfg.RedisURL == "" {
		return bus.NewMemoryBus(), nil
	}
	return bus.NewRedisBus(cfg.RedisURL)
}

func newLocks(cfg config.Config) (lock.Store, error) {
	if cfg.RedisURL == "" {
		return lock.NewMemoryStore(), nil
	}
	return lock.NewRedisStore(cfg.RedisURL)
}

// listen binds cfg.BindAddr with SO_REUSEADDR so a rolling restart of
// a goclaw-core instance doesn't fail on a socket still in TIME_WAIT.
func listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := &net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}
