package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lifetrack-reminder/internal/config"
	"lifetrack-reminder/internal/httpapi"
	"lifetrack-reminder/internal/logger"
	"lifetrack-reminder/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg := config.Load()

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "lifetrack-reminder")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建服务
	reminderService, err := service.NewReminderService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create reminder service",
			zap.Error(err),
		)
	}
	defer reminderService.Stop()

	// 4. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. 启动后台组件（事件链路、对账、推送分发）
	if err := reminderService.Start(ctx); err != nil {
		log.Fatal("Failed to start reminder service",
			zap.Error(err),
		)
	}

	// 6. 注册 HTTP 路由
	handler := httpapi.NewReminderHandler(
		reminderService.Manager(),
		reminderService.Devices(),
		reminderService.Subscriptions(),
		log,
	)
	sse := httpapi.NewEventsHandler(reminderService.Manager().Events(), log)

	router := httpapi.NewRouter(log)
	router.RegisterReminderRoutes(handler, sse)

	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}

	// 7. 启动 HTTP 服务（在 goroutine 中）
	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening",
			zap.String("addr", cfg.HTTP.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- err
		}
	}()

	// 8. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
	case err := <-serverErrChan:
		log.Error("HTTP server error",
			zap.Error(err),
		)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed",
			zap.Error(err),
		)
	}
	cancel()

	log.Info("Reminder service stopped")
}
