package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/moltbot/moltbroker/internal/adapter/inbound/tcp"
	auditstore "github.com/moltbot/moltbroker/internal/adapter/outbound/audit"
	"github.com/moltbot/moltbroker/internal/adapter/outbound/integration"
	"github.com/moltbot/moltbroker/internal/adapter/outbound/sops"
	"github.com/moltbot/moltbroker/internal/adapter/outbound/telegram"
	"github.com/moltbot/moltbroker/internal/config"
	"github.com/moltbot/moltbroker/internal/domain/approval"
	"github.com/moltbot/moltbroker/internal/domain/audit"
	"github.com/moltbot/moltbroker/internal/domain/auth"
	"github.com/moltbot/moltbroker/internal/domain/canary"
	"github.com/moltbot/moltbroker/internal/domain/killswitch"
	"github.com/moltbot/moltbroker/internal/domain/policy"
	"github.com/moltbot/moltbroker/internal/domain/vault"
	"github.com/moltbot/moltbroker/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the request server",
	Long: `Start the broker's TCP request server.

The server loads the action policy table, opens the audit chain, arms the
kill switch and anomaly detector, connects the Telegram approval channel,
and then accepts line-JSON requests from the reasoning zone.

Examples:
  # Start with config file settings
  moltbroker serve

  # Start with a specific config file
  moltbroker --config /path/to/moltbroker.yaml serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("moltbroker stopped")
	return nil
}

// run wires all components together and serves until the context is
// cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Metrics registry owned by the transport layer.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := tcp.NewMetrics(reg)

	// Audit chain. Every other component records through it.
	store, err := auditstore.NewChainStore(auditstore.ChainStoreConfig{Dir: cfg.Audit.Dir}, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit chain: %w", err)
	}
	defer func() { _ = store.Close() }()
	auditLog := &meteredAuditLog{store: store, appended: metrics.AuditEventsTotal}
	logger.Info("audit chain opened", "dir", cfg.Audit.Dir, "last_hash", store.LastHash())

	// Policy engine, with file overrides merged over the built-in table.
	actions, err := policy.LoadActions(cfg.Policy.OverridesFile)
	if err != nil {
		return fmt.Errorf("failed to load policy overrides: %w", err)
	}
	engine, err := policy.NewEngine(logger, policy.WithActions(actions))
	if err != nil {
		return fmt.Errorf("failed to build policy engine: %w", err)
	}
	logger.Info("policy engine ready", "actions", len(engine.Actions()))

	// Kill switch. Activation is itself an audited event.
	kill := killswitch.New(logger,
		killswitch.WithMarkerPath(cfg.Kill.MarkerPath),
		killswitch.WithCheckInterval(cfg.Kill.CheckIntervalDuration()),
		killswitch.WithOnKill(func(event killswitch.Event) {
			auditLog.Record(context.Background(), audit.Entry{
				Kind:       audit.KindKillSwitchTriggered,
				Actor:      event.TriggeredBy,
				SourceZone: "zone1",
				Details: map[string]any{
					"reason":  string(event.Reason),
					"details": event.Details,
				},
			})
		}),
	)
	kill.Start()
	defer kill.Stop()
	anomaly := killswitch.NewAnomalyDetector(kill)
	if kill.IsKilled() {
		logger.Warn("starting in killed state; all executes are blocked until reset",
			"marker", cfg.Kill.MarkerPath)
	}

	// Canary registry. A detection means planted data crossed a boundary,
	// which escalates straight to the kill switch.
	registry, err := canary.NewRegistry(cfg.Canary.TokenFile, cfg.Canary.TriggerFile, logger,
		canary.WithOnTrigger(func(trigger canary.Trigger) {
			metrics.CanaryTriggersTotal.Inc()
			kill.Trigger(killswitch.ReasonSecurityBreach,
				fmt.Sprintf("Canary token %s detected", trigger.TokenID), "canary_registry")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to load canary registry: %w", err)
	}
	if cfg.Canary.SeedDefaults != nil && *cfg.Canary.SeedDefaults && len(registry.List()) == 0 {
		seeded, err := registry.CreateDefaults()
		if err != nil {
			return fmt.Errorf("failed to seed default canaries: %w", err)
		}
		logger.Info("seeded default canary tokens", "count", len(seeded))
	}

	// Approval channel. Without a bot token there is no operator to ask,
	// so approval-level actions are refused at request time.
	var messenger approval.Messenger
	if cfg.Telegram.BotToken != "" {
		var opts []telegram.Option
		if cfg.Telegram.APIBase != "" {
			opts = append(opts, telegram.WithAPIBase(cfg.Telegram.APIBase))
		}
		messenger = telegram.New(cfg.Telegram.BotToken, logger, opts...)
		logger.Info("telegram approval channel configured", "chat_id", cfg.Telegram.AdminChatID)
	} else {
		logger.Warn("telegram not configured; approval-level actions will be rejected")
		messenger = disabledMessenger{}
	}
	approvals := approval.NewManager(messenger, cfg.Telegram.AdminChatID, logger,
		approval.WithTimeout(cfg.Telegram.ApprovalTimeoutDuration()))

	// Credential vault behind the sops subprocess source.
	source, err := sops.New(sops.Config{
		SecretsDir: cfg.Secrets.Dir,
		KeyFile:    cfg.Secrets.AgeKeyFile,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open secret source: %w", err)
	}
	secrets := vault.New(source, logger)

	// Protocol auth.
	var verifier *auth.Verifier
	if cfg.Auth.Required || len(cfg.Auth.TokenHashes) > 0 {
		verifier, err = auth.NewVerifier(cfg.Auth.Required, cfg.Auth.TokenHashes)
		if err != nil {
			return fmt.Errorf("failed to build auth verifier: %w", err)
		}
	}

	exec := service.NewExecutor(service.Deps{
		Policy:    engine,
		Vault:     secrets,
		Kill:      kill,
		Anomaly:   anomaly,
		Approvals: approvals,
		AuditLog:  auditLog,
		Canaries:  registry,
		Verifier:  verifier,
		Invoker:   integration.New(logger),
		Logger:    logger,
		Version:   Version,
	})

	// The manager and the executor reference each other; the decision
	// callback is wired after both exist.
	approvals.SetOnDecision(exec.OnApprovalDecision)
	approvals.Start()
	defer approvals.Stop()

	tcp.RegisterStateGauges(reg, approvals.PendingCount, kill.IsKilled)

	// Optional Prometheus scrape endpoint.
	if cfg.Metrics.Addr != "" {
		mux := stdhttp.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv := &stdhttp.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	auditLog.Record(ctx, audit.Entry{
		Kind:       audit.KindSystemStart,
		Actor:      "moltbroker",
		SourceZone: "zone1",
		Details: map[string]any{
			"version": Version,
			"addr":    cfg.Server.Addr,
		},
	})
	defer auditLog.Record(context.Background(), audit.Entry{
		Kind:       audit.KindSystemStop,
		Actor:      "moltbroker",
		SourceZone: "zone1",
	})

	transport := tcp.NewTransport(exec,
		tcp.WithAddr(cfg.Server.Addr),
		tcp.WithWorkers(cfg.Server.Workers),
		tcp.WithConnTimeout(cfg.Server.ConnTimeoutDuration()),
		tcp.WithLogger(logger),
		tcp.WithMetrics(metrics),
	)
	return transport.Start(ctx)
}

// meteredAuditLog counts appended events on top of the chain store.
type meteredAuditLog struct {
	store    *auditstore.ChainStore
	appended prometheus.Counter
}

func (m *meteredAuditLog) Record(ctx context.Context, entry audit.Entry) (*audit.Event, error) {
	event, err := m.store.Record(ctx, entry)
	if err == nil {
		m.appended.Inc()
	}
	return event, err
}

func (m *meteredAuditLog) Close() error { return m.store.Close() }

// Stats exposes the store's statistics to the status handler.
func (m *meteredAuditLog) Stats() (audit.Stats, error) { return m.store.Stats() }

var _ audit.Log = (*meteredAuditLog)(nil)

// disabledMessenger stands in when no approval channel is configured.
// Sends fail, so Submit fails and the request is answered with an error
// instead of parking an approval nobody can decide.
type disabledMessenger struct{}

func (disabledMessenger) SendApproval(context.Context, int64, string, string) (approval.MessageRef, error) {
	return approval.MessageRef{}, errors.New("approval channel not configured")
}

func (disabledMessenger) Updates(ctx context.Context, _ int64) ([]approval.Update, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (disabledMessenger) AnswerCallback(context.Context, string, string) error { return nil }

func (disabledMessenger) EditMessage(context.Context, approval.MessageRef, string) error { return nil }

var _ approval.Messenger = (disabledMessenger{})

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
