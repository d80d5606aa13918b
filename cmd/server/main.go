package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/propertyops/orchestrator/internal/ai"
	"github.com/propertyops/orchestrator/internal/approval"
	"github.com/propertyops/orchestrator/internal/client"
	"github.com/propertyops/orchestrator/internal/config"
	"github.com/propertyops/orchestrator/internal/db"
	"github.com/propertyops/orchestrator/internal/escalation"
	httpapi "github.com/propertyops/orchestrator/internal/http"
	"github.com/propertyops/orchestrator/internal/metrics"
	"github.com/propertyops/orchestrator/internal/plan"
	"github.com/propertyops/orchestrator/internal/resilience"
	"github.com/propertyops/orchestrator/internal/workflow"
)

func rulesFromConfig(cfg config.Config) plan.Rules {
	rules := plan.DefaultRules()
	rules.MaxWeeks = cfg.MaxPlanWeeks
	rules.MinWeekly = cfg.MinWeeklyPayment
	rules.MaxWeekly = cfg.MaxWeeklyPayment
	rules.CoverageTolerance = cfg.CoverageTolerance
	rules.ShortPlanWeeks = cfg.ShortPlanWeeks
	rules.MaxStartDelayDays = cfg.MaxStartDelayDays
	return rules
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	logger := log.Level(level).With().Str("service", "collections-orchestrator").Logger()

	ctx := context.Background()
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect db")
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure schema")
	}

	recorder := metrics.NewRecorder()
	newCaller := func(dependency string) (*resilience.Caller, *gobreaker.CircuitBreaker) {
		breaker := resilience.NewBreaker(dependency, cfg.BreakerThreshold, cfg.BreakerCooldown, logger)
		return &resilience.Caller{
			Dependency:     dependency,
			Breaker:        breaker,
			MaxAttempts:    cfg.RetryMaxAttempts,
			BaseDelay:      cfg.RetryBaseDelay,
			AttemptTimeout: cfg.AttemptTimeout,
			Observer:       recorder,
			Logger:         logger,
		}, breaker
	}

	monitorCaller, monitorBreaker := newCaller("monitor")
	smsCaller, smsBreaker := newCaller("sms")
	notifyCaller, notifyBreaker := newCaller("notify")
	generatorCaller, generatorBreaker := newCaller("generator")

	var monitor client.Monitor
	if cfg.MonitorURL == "" {
		monitor = client.MockMonitor{}
		logger.Info().Msg("using mock collections monitor")
	} else {
		monitor = &client.HTTPMonitor{BaseURL: cfg.MonitorURL, Caller: monitorCaller}
	}

	var sms client.SMS
	if cfg.SMSURL == "" {
		sms = &client.MockSMS{}
		logger.Info().Msg("using mock SMS agent")
	} else {
		sms = &client.HTTPSMS{BaseURL: cfg.SMSURL, Caller: smsCaller}
	}

	var notifier client.Notifier
	if cfg.NotifyURL == "" {
		notifier = client.MockNotifier{}
		logger.Info().Msg("using mock notification service")
	} else {
		notifier = &client.HTTPNotifier{BaseURL: cfg.NotifyURL, Recipient: cfg.ManagerEmail, Caller: notifyCaller}
	}

	var generator ai.Generator
	if cfg.GeneratorURL == "" {
		generator = ai.MockGenerator{ModelVersion: "mock-v1"}
		logger.Info().Msg("using mock reply generator")
	} else {
		generator = ai.ResilientGenerator{
			Inner:  ai.HTTPGenerator{BaseURL: cfg.GeneratorURL},
			Caller: generatorCaller,
		}
	}

	detector := escalation.DefaultDetector(cfg.SilenceThreshold)

	engine := &workflow.Engine{
		Store:     store,
		Monitor:   monitor,
		SMS:       sms,
		Notifier:  notifier,
		Generator: generator,
		Detector:  detector,
		Rules:     rulesFromConfig(cfg),
		AutoSendThreshold:  cfg.AutoSendThreshold,
		ApprovalThreshold:  cfg.ApprovalThreshold,
		ProcessingDeadline: cfg.ProcessingDeadline,
		HistoryLimit:       cfg.HistoryLimit,
		OnDuplicate:        workflow.DuplicatePolicy(cfg.DuplicatePolicy),
		MaxRetries:         cfg.MaxWorkflowRetries,
		Logger:             logger,
	}

	approvals := &approval.Router{
		Store:     store,
		SMS:       sms,
		Escalator: engine,
		Logger:    logger,
	}

	metricsSvc := &metrics.Service{
		Store:    store,
		Recorder: recorder,
		Breakers: []metrics.StateReporter{monitorBreaker, smsBreaker, notifyBreaker, generatorBreaker},
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweeper := &workflow.Sweeper{Engine: engine, Interval: cfg.SweepInterval, Logger: logger}
	go sweeper.Run(sweepCtx)

	router := httpapi.Router(cfg, store, engine, approvals, metricsSvc, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopSweeper()
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
	logger.Info().Msg("server stopped")
}
