package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"ModuleCouncil/internal/budget"
	"ModuleCouncil/internal/config"
	"ModuleCouncil/internal/council"
	"ModuleCouncil/internal/dispatch"
	"ModuleCouncil/internal/ledger"
	"ModuleCouncil/internal/memory"
	"ModuleCouncil/internal/module"
	"ModuleCouncil/internal/observability/alerting"
	"ModuleCouncil/internal/orchestrator"
	"ModuleCouncil/internal/retry"
	sqlstore "ModuleCouncil/internal/storage/mysql"
	redisstore "ModuleCouncil/internal/storage/redis"
	"ModuleCouncil/internal/telemetry"
	"ModuleCouncil/pkg/logger"
)

// app 汇总守护进程运行所需的组件。
type app struct {
	orchestrator *orchestrator.Service
	dispatcher   *dispatch.Service
	processor    *dispatch.Processor
	closers      []func() error
}

// Close 按创建的逆序释放资源。
func (a *app) Close() {
	if a.orchestrator != nil {
		a.orchestrator.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}
}

func build(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var db *sql.DB
	if cfg.Storage.Driver == "mysql" || cfg.Ledger.Driver == "mysql" {
		db, err = sqlstore.Open(ctx, sqlstore.ConfigFrom(cfg.Storage))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
	}

	var (
		moduleStore module.Store
		memoryStore memory.Store
		eventLog    telemetry.Log
	)
	switch cfg.Storage.Driver {
	case "memory":
		moduleStore = module.NewMemoryStore()
		memoryStore = memory.NewMemoryStore()
		eventLog = telemetry.NewMemoryLog()
	case "mysql":
		moduleStore = module.NewMySQLStore(db)
		memoryStore = memory.NewMySQLStore(db)
		eventLog = telemetry.NewMySQLLog(db)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}

	redisClients := make(map[string]*goredis.Client)
	openRedis := func(rc config.RedisConfig) (*goredis.Client, error) {
		key := fmt.Sprintf("%s/%d", rc.Address, rc.DB)
		if client, ok := redisClients[key]; ok {
			return client, nil
		}
		client, err := redisstore.Open(ctx, rc)
		if err != nil {
			return nil, err
		}
		redisClients[key] = client
		a.closers = append(a.closers, client.Close)
		return client, nil
	}

	ledgerOpts := []ledger.Option{ledger.WithTTL(cfg.Ledger.TTL), ledger.WithStaleAfter(cfg.Ledger.StaleAfter)}
	var idem ledger.Ledger
	switch cfg.Ledger.Driver {
	case "memory":
		idem = ledger.NewMemoryLedger(ledgerOpts...)
	case "mysql":
		idem = ledger.NewMySQLLedger(db, ledgerOpts...)
	case "redis":
		client, err := openRedis(cfg.Ledger.Redis)
		if err != nil {
			return nil, err
		}
		idem = ledger.NewRedisLedger(client, cfg.Ledger.Redis.Prefix, ledgerOpts...)
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}

	table := budget.TableFromConfig(cfg.Budget)
	var spend budget.Ledger
	switch cfg.Budget.Driver {
	case "memory":
		spend = budget.NewMemoryLedger(table)
	case "redis":
		client, err := openRedis(cfg.Budget.Redis)
		if err != nil {
			return nil, err
		}
		spend = budget.NewRedisLedger(client, cfg.Budget.Redis.Prefix, table)
	default:
		return nil, fmt.Errorf("未知的预算驱动: %s", cfg.Budget.Driver)
	}

	alerts := buildAlerts(cfg.Alerting)
	recorder := telemetry.NewRecorder(eventLog, telemetry.WithAlerts(alerts))

	consolidator := memory.NewConsolidator(memoryStore,
		memory.WithThresholds(memory.ThresholdsFromConfig(cfg.Memory)),
		memory.WithReporter(recorder),
	)
	machine := module.NewMachine(moduleStore,
		module.WithRecorder(recorder),
		module.WithConsolidator(consolidator),
	)

	executors, err := buildExecutors(cfg.Council.Executors)
	if err != nil {
		return nil, err
	}
	c, err := council.New(council.Dependencies{
		Store:     moduleStore,
		Executors: executors.Limit(cfg.Council.RateLimit, cfg.Council.RateBurst),
		Ledger:    idem,
		Budget:    spend,
		Policy:    retry.FromConfig(cfg.Retry),
		Memory:    memoryStore,
		Recorder:  recorder,
	},
		council.WithMaxParallel(cfg.Council.MaxParallel),
		council.WithStepTimeout(cfg.Council.StepTimeout),
		council.WithPollInterval(cfg.Ledger.PollInterval),
		council.WithRenewInterval(cfg.Ledger.StaleAfter/3),
		council.WithRecallLimit(cfg.Council.RecallLimit),
		council.WithTracer(buildTracer(cfg.Tracing, otel.GetTracerProvider())),
	)
	if err != nil {
		return nil, err
	}
	a.orchestrator = orchestrator.NewService(machine, c,
		orchestrator.WithRecorder(recorder),
		orchestrator.WithBaseContext(ctx),
	)

	queue, err := buildQueue(cfg.Queue, openRedis)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, queue.Close)
	a.dispatcher = dispatch.NewService(a.orchestrator, queue)
	a.processor = dispatch.NewProcessor(a.orchestrator, queue, queue,
		dispatch.WithWorkerCount(cfg.Queue.Workers),
		dispatch.WithAlertDispatcher(alerts),
		dispatch.WithMaxRequeues(cfg.Queue.MaxRequeues),
		dispatch.WithRequeueDelay(cfg.Queue.RequeueDelay),
	)
	return a, nil
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.WebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    url,
			Client: &http.Client{Timeout: cfg.WebhookTimeout},
		})
	}
	return alerting.NewFanout(notifiers...)
}

func buildExecutors(cfg config.ExecutorConfig) (*council.Table, error) {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = strings.TrimSpace(os.Getenv(cfg.APIKeyEnv))
	}
	remote := func(url string) (council.Executor, error) {
		return council.NewHTTPExecutor(council.HTTPConfig{URL: url, APIKey: apiKey, Timeout: cfg.Timeout})
	}

	table := council.NewTable()
	for capability, url := range cfg.Workers {
		exec, err := remote(url)
		if err != nil {
			return nil, fmt.Errorf("执行者 %s: %w", capability, err)
		}
		table.RegisterWorker(capability, exec)
	}
	for capability, url := range cfg.Evaluators {
		exec, err := remote(url)
		if err != nil {
			return nil, fmt.Errorf("评审者 %s: %w", capability, err)
		}
		table.RegisterEvaluator(capability, exec)
	}
	if cfg.DefaultWorker != "" {
		exec, err := remote(cfg.DefaultWorker)
		if err != nil {
			return nil, err
		}
		table.DefaultWorker = exec
	}
	if cfg.DefaultEvaluator != "" {
		exec, err := remote(cfg.DefaultEvaluator)
		if err != nil {
			return nil, err
		}
		table.DefaultEvaluator = exec
	}
	if table.DefaultWorker == nil && len(table.Workers) == 0 {
		logger.L().Warn("未配置任何执行者，所有步骤都将以 VALIDATION_ERROR 失败")
	}
	return table, nil
}

// buildTracer 在启用追踪时使用全局 TracerProvider。守护进程不内置导出器，
// 宿主需在 build 之前通过 otel.SetTracerProvider 安装 SDK provider，否则 span 被丢弃。
func buildTracer(cfg config.TracingConfig, provider trace.TracerProvider) trace.Tracer {
	if !cfg.Enabled || provider == nil {
		return noop.NewTracerProvider().Tracer(cfg.ServiceName)
	}
	logger.L().Info("追踪已启用，span 交由全局 TracerProvider 导出",
		slog.String("service_name", cfg.ServiceName),
	)
	return provider.Tracer(cfg.ServiceName)
}

func buildQueue(cfg config.QueueConfig, openRedis func(config.RedisConfig) (*goredis.Client, error)) (dispatch.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return dispatch.NewMemoryQueue(cfg.Size), nil
	case "redis":
		client, err := openRedis(cfg.Redis.RedisConfig)
		if err != nil {
			return nil, err
		}
		return dispatch.NewRedisQueueWithClient(client, cfg.Redis.Queue, cfg.Redis.BlockWait), nil
	case "rabbitmq":
		return dispatch.NewRabbitMQQueue(dispatch.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}
