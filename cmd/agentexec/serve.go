package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/api"
	"github.com/kandev/agentexec/internal/common/config"
	"github.com/kandev/agentexec/internal/common/httpmw"
	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/events"
	gwterminal "github.com/kandev/agentexec/internal/gateway/terminal"
	"github.com/kandev/agentexec/internal/mcpserver"
	"github.com/kandev/agentexec/internal/metrics"
	"github.com/kandev/agentexec/internal/orchestrator/queue"
	"github.com/kandev/agentexec/internal/orchestrator/worker"
	"github.com/kandev/agentexec/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agentexec server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, log *logger.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting agentexec", zap.String("version", Version), zap.String("commit", Commit))

	stores, closeStores, err := provideStores(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStores(); err != nil {
			log.Warn("close database", zap.Error(err))
		}
	}()

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer closeBus()

	jobs, err := queue.New(cfg.Redis.URL, cfg.Redis.KeyPrefix)
	if err != nil {
		return fmt.Errorf("init job queue: %w", err)
	}
	defer func() { _ = jobs.Close() }()

	m := metrics.New()

	svcs, err := provideServices(ctx, cfg, stores, eventBus, jobs, m, log)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svcs.Runtime.Shutdown(sctx); err != nil {
			log.Warn("runtime shutdown", zap.Error(err))
		}
	}()

	if err := svcs.Terminals.Start(ctx); err != nil {
		return err
	}
	defer svcs.Terminals.Close()

	gateway := gwterminal.New(svcs.Terminals, svcs.Runtime, eventBus, m, gwterminal.Config{}, log)
	if err := gateway.Start(ctx); err != nil {
		return err
	}
	defer gateway.Close()

	if err := svcs.Orchestrator.Start(ctx); err != nil {
		return err
	}
	defer svcs.Orchestrator.Shutdown()

	pool := worker.NewPool(jobs, svcs.Orchestrator.ProcessExecution, log, m, worker.Config{Workers: cfg.Orchestrator.Workers})
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = pool.Stop() }()

	var exported *metrics.Metrics
	if cfg.Metrics.Enabled {
		exported = m
	}
	router := newRouter(cfg, m, log)
	gateway.RegisterRoutes(router)
	api.NewHandler(api.Deps{
		Executions:       svcs.Orchestrator,
		Issues:           svcs.Provisioner,
		Secrets:          stores.Secrets,
		Runtime:          svcs.Runtime,
		Bus:              eventBus,
		Metrics:          exported,
		MetricsPath:      cfg.Metrics.Path,
		DefaultAgentKind: cfg.Orchestrator.DefaultAgentKind,
	}, log).RegisterRoutes(router)
	toolBridge := mcpserver.New(mcpserver.Deps{
		Keys:       stores.Keys,
		Executions: svcs.Orchestrator,
		Issues:     svcs.Provisioner,
		Bus:        eventBus,
	}, log)
	toolBridge.RegisterRoutes(router)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}
	if err := toolBridge.Close(sctx); err != nil {
		log.Warn("mcp server shutdown", zap.Error(err))
	}
	if err := tracing.Shutdown(sctx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
	return nil
}

func newRouter(cfg *config.Config, m *metrics.Metrics, log *logger.Logger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing("agentexec"))
	router.Use(httpmw.RequestLogger(log, "agentexec"))
	router.Use(httpmw.Metrics(m))
	return router
}
