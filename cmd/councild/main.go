package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"ModuleCouncil/internal/api"
	"ModuleCouncil/internal/config"
	"ModuleCouncil/pkg/logger"
)

// main 是模块议会守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("councild 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	app, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := app.processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("运行请求处理器异常退出", slog.Any("error", err))
		}
	}()

	// 重新进入上次进程退出时仍在运行的模块。
	go func() {
		results := app.orchestrator.Resume(ctx)
		for _, res := range results {
			logger.L().Info("恢复运行结束",
				slog.String("module_id", res.ModuleID),
				slog.String("status", string(res.Status)),
				slog.String("module_status", string(res.ModuleStatus)),
			)
		}
	}()

	server := api.NewServer(cfg.Server.Address, app.orchestrator, api.WithSubmitter(app.dispatcher))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	path := os.Getenv("COUNCIL_CONFIG")
	if path == "" {
		path = filepath.Join("configs", "council.yaml")
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cfg := config.Default()
			cfg.Runtime.DataDir = "data"
			return cfg, nil
		}
	}
	return config.Load(path)
}
