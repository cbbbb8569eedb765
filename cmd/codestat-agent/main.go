// Package main codestat-agent 入口
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zihaoli-cn/codestat-agent/internal/apiserver/auth"
	"github.com/zihaoli-cn/codestat-agent/internal/apiserver/server"
	"github.com/zihaoli-cn/codestat-agent/internal/config"
	"github.com/zihaoli-cn/codestat-agent/internal/instance"
	"github.com/zihaoli-cn/codestat-agent/internal/registry"
	"github.com/zihaoli-cn/codestat-agent/internal/runtime/docker"
	"github.com/zihaoli-cn/codestat-agent/internal/scheduler"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/cache"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/infra"
	objstore "github.com/zihaoli-cn/codestat-agent/internal/shared/minio"
	"github.com/zihaoli-cn/codestat-agent/internal/sink"
	"github.com/zihaoli-cn/codestat-agent/internal/webhook"
	"github.com/zihaoli-cn/codestat-agent/pkg/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configDir := flag.String("config", "", "配置文件目录（默认 CONFIG_DIR 或 configs/）")
	hashPassword := flag.String("hash-password", "", "输出密码的 bcrypt 哈希后退出（用于 ADMIN_PASSWORD_HASH）")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	if *configDir != "" {
		config.SetConfigDir(*configDir)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("codestat-agent: %v", err)
	}
	fmt.Println("codestat-agent stopped")
}

func run(cfg *config.Config) error {
	logger := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		Component: "codestat-agent",
	})
	logger.Info("starting codestat-agent", "env", cfg.Env, "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 存储、缓存、事件总线、对象存储
	inf, err := infra.New(ctx, cfg, logger.Named("infra"))
	if err != nil {
		return fmt.Errorf("init infrastructure: %w", err)
	}
	defer inf.Close()

	// 运行时
	engine, err := docker.New()
	if err != nil {
		return fmt.Errorf("init container engine: %w", err)
	}
	ctrl, err := instance.New(engine, instance.Options{
		Image:         cfg.Runtime.WorkerImage,
		Network:       cfg.Runtime.Network,
		DataDir:       cfg.Runtime.DataDir,
		NamePrefix:    cfg.Runtime.ContainerPrefix,
		MemoryLimitMB: cfg.Runtime.MemoryLimitMB,
		CPULimit:      cfg.Runtime.CPULimit,
		StopGrace:     cfg.Runtime.StopGracePeriod,
		PollTimeout:   cfg.Runtime.PollTimeout,
		CallTimeout:   cfg.Runtime.CallTimeout,
	}, logger.Named("instance"))
	if err != nil {
		return fmt.Errorf("init instance controller: %w", err)
	}
	if err := ctrl.Ping(ctx); err != nil {
		logger.Warn("container engine not reachable, tasks will fail until it recovers", "error", err)
	}

	// 结果交付：持久化、事件、归档
	sinks := sink.Multi{
		sink.NewStoreSink(inf.Storage, sink.DefaultRetryConfig(), logger.Named("sink")),
		sink.NewEventSink(inf.EventBus),
	}
	if inf.Objects != nil {
		sinks = append(sinks, sink.NewArtifactSink(inf.Objects, objstore.ResultKey))
	}

	configs := cache.NewRepositories(inf.Storage, inf.Cache, cfg.Scheduler.ConfigCacheTTL, logger.Named("cache"))

	reg := registry.New()
	sched := scheduler.New(scheduler.Options{
		CheckInterval:   cfg.Scheduler.CheckInterval,
		DefaultTimeout:  cfg.Scheduler.DefaultTimeout,
		MaxTasks:        cfg.Scheduler.MaxTasks,
		Workers:         cfg.Scheduler.Workers,
		LogTailLines:    cfg.Runtime.LogTailLines,
		MaintenanceSpec: cfg.Scheduler.MaintenanceSpec,
		ResultRetention: cfg.Scheduler.ResultRetention,
	}, reg, ctrl, configs, sinks, scheduler.NewMetrics("codestat", prometheus.DefaultRegisterer), logger.Named("scheduler"))

	// 上次进程遗留的未完成任务
	stale, err := inf.Storage.ListActiveTasks(ctx)
	if err != nil {
		logger.Warn("load unfinished tasks failed", "error", err)
	} else if n := sched.Recover(ctx, stale); n > 0 {
		logger.Info("recovered unfinished tasks", "count", n)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	h := server.NewHandler(server.Deps{
		Scheduler:  sched,
		Registry:   reg,
		Store:      inf.Storage,
		Controller: ctrl,
		Configs:    configs,
		Events:     inf.EventBus,
		Auth: auth.Config{
			JWTSecret:         cfg.Auth.JWTSecret,
			TokenTTL:          cfg.Auth.TokenTTL,
			AdminUser:         cfg.Auth.AdminUser,
			AdminPasswordHash: cfg.Auth.AdminPasswordHash,
		},
		Webhook: webhook.Options{
			RateLimit: cfg.Webhook.RateLimit,
			Burst:     cfg.Webhook.Burst,
		},
		Logger: logger.Named("apiserver"),
	})
	h.Start(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", srv.Addr, "auth", cfg.Auth.Enabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("api server failed", "error", err)
		}
	}

	// 优雅关闭：先停止接入，再排空调度器
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown error", "error", err)
	}
	return nil
}
