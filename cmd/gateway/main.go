// Command gateway is the main entry point for the conversational WebSocket
// gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/yw0nam/DesktopMatePlus-sub000/internal/config"
	"github.com/yw0nam/DesktopMatePlus-sub000/internal/gateway"
	"github.com/yw0nam/DesktopMatePlus-sub000/internal/health"
	"github.com/yw0nam/DesktopMatePlus-sub000/internal/observe"
	"github.com/yw0nam/DesktopMatePlus-sub000/internal/resilience"
	"github.com/yw0nam/DesktopMatePlus-sub000/internal/textproc"
	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/agent"
	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/agent/llmagent"
	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/history/postgres"
	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/provider/llm"
	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/provider/llm/anyllm"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "gateway: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("gateway starting",
		"config", *configPath,
		"listen_addr", listenAddr(cfg),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "gateway",
	})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics instruments", "err", err)
		return 1
	}

	// ── Gateway wiring ────────────────────────────────────────────────────────
	opts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
	}
	opts = append(opts, gatewayOptions(cfg.Gateway)...)

	textOpts, err := textOptions(cfg.Text)
	if err != nil {
		slog.Error("failed to load text processing config", "err", err)
		return 1
	}
	opts = append(opts, textOpts...)

	agentSvc, err := buildAgent(cfg)
	if err != nil {
		slog.Error("failed to build LLM agent", "err", err)
		return 1
	}
	if agentSvc != nil {
		opts = append(opts, gateway.WithAgentService(agentSvc))
	}

	var readinessChecks []health.Checker
	if cfg.History.PostgresDSN != "" {
		store, err := postgres.Connect(ctx, cfg.History.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to history store", "err", err)
			return 1
		}
		defer store.Close()
		opts = append(opts, gateway.WithRecorder(store))
		readinessChecks = append(readinessChecks, health.Checker{
			Name:  "history",
			Check: store.Ping,
		})
		slog.Info("history store connected")
	}

	manager := gateway.NewManager(opts...)

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("/ws", manager)
	mux.Handle("/metrics", promhttp.Handler())
	health.New(manager, readinessChecks...).Register(mux)

	srv := &http.Server{
		Addr:              listenAddr(cfg),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg, agentSvc != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	cleanupMaxAge := cfg.Gateway.CleanupMaxAge.Std()
	if cleanupMaxAge <= 0 {
		cleanupMaxAge = time.Hour
	}
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := manager.Sweep(cleanupMaxAge); n > 0 {
					slog.Debug("pruned finished turns", "count", n)
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()

		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		manager.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
		return nil
	})

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Wiring helpers ────────────────────────────────────────────────────────────

func listenAddr(cfg *config.Config) string {
	if cfg.Server.ListenAddr != "" {
		return cfg.Server.ListenAddr
	}
	return ":8080"
}

// gatewayOptions converts the gateway config block to manager options,
// leaving zero values to the manager defaults.
func gatewayOptions(gc config.GatewayConfig) []gateway.Option {
	var opts []gateway.Option
	if gc.QueueSize > 0 {
		opts = append(opts, gateway.WithQueueSize(gc.QueueSize))
	}
	if gc.PingInterval > 0 {
		opts = append(opts, gateway.WithPingInterval(gc.PingInterval.Std()))
	}
	if gc.PongTimeout > 0 {
		opts = append(opts, gateway.WithPongTimeout(gc.PongTimeout.Std()))
	}
	if gc.InactivityTimeout > 0 {
		opts = append(opts, gateway.WithInactivityTimeout(gc.InactivityTimeout.Std()))
	}
	if gc.InterruptWait > 0 {
		opts = append(opts, gateway.WithInterruptWait(gc.InterruptWait.Std()))
	}
	return opts
}

// textOptions builds the chunker and cleaner options from the text config
// block, loading the cleaning rules file when one is configured.
func textOptions(tc config.TextConfig) ([]gateway.Option, error) {
	var opts []gateway.Option

	if tc.ReasoningStartTag != "" && tc.ReasoningEndTag != "" {
		opts = append(opts, gateway.WithChunkerOptions(
			textproc.WithReasoningTags(tc.ReasoningStartTag, tc.ReasoningEndTag),
		))
	}
	if tc.RulesPath != "" {
		rules, err := textproc.LoadRules(tc.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("load cleaning rules %q: %w", tc.RulesPath, err)
		}
		opts = append(opts, gateway.WithCleanerOptions(textproc.WithRules(rules)))
		slog.Info("loaded TTS cleaning rules", "path", tc.RulesPath, "rules", len(rules))
	}
	return opts, nil
}

// buildAgent constructs the built-in LLM agent when provider.llm is
// configured. Returns nil when no provider is named; chat turns then run the
// synthetic default stream. Configured llm_fallbacks are assembled into a
// failover chain in front of the agent.
func buildAgent(cfg *config.Config) (agent.Service, error) {
	entry := cfg.Provider.LLM
	if entry.Name == "" {
		return nil, nil
	}

	primary, err := buildLLMProvider(entry)
	if err != nil {
		return nil, err
	}

	provider := primary
	if len(cfg.Provider.LLMFallbacks) > 0 {
		failover := resilience.NewLLMFailover(primary, entry.Name, resilience.ChainConfig{})
		for _, fb := range cfg.Provider.LLMFallbacks {
			p, err := buildLLMProvider(fb)
			if err != nil {
				return nil, err
			}
			failover.Add(fb.Name, p)
			slog.Info("llm fallback registered", "name", fb.Name, "model", fb.Model)
		}
		provider = failover
	}

	var agentOpts []llmagent.Option
	if prompt := optString(entry.Options, "system_prompt"); prompt != "" {
		agentOpts = append(agentOpts, llmagent.WithSystemPrompt(prompt))
	}
	ag, err := llmagent.New(provider, agentOpts...)
	if err != nil {
		return nil, fmt.Errorf("create llm agent: %w", err)
	}
	slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
	return ag, nil
}

// buildLLMProvider constructs one any-llm backend from a config entry.
func buildLLMProvider(entry config.ProviderEntry) (llm.Provider, error) {
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	p, err := anyllm.New(entry.Name, entry.Model, opts...)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
	}
	return p, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, agentConfigured bool) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Gateway — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	llmValue := "(not configured)"
	if agentConfigured {
		llmValue = cfg.Provider.LLM.Name + " / " + cfg.Provider.LLM.Model
		if len(llmValue) > 19 {
			llmValue = llmValue[:16] + "…"
		}
	}
	fmt.Printf("║  LLM             : %-19s ║\n", llmValue)
	histValue := "(disabled)"
	if cfg.History.PostgresDSN != "" {
		histValue = "postgres"
	}
	fmt.Printf("║  History         : %-19s ║\n", histValue)
	tlsValue := "plain http"
	if cfg.Server.TLS != nil {
		tlsValue = "tls"
	}
	fmt.Printf("║  Transport       : %-19s ║\n", tlsValue)
	fmt.Printf("║  Listen addr     : %-19s ║\n", listenAddr(cfg))
	fmt.Println("╚═══════════════════════════════════════╝")
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
