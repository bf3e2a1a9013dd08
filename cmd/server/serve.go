package main

import (
	"github.com/haatos/simple-dispatch/internal"
	"github.com/haatos/simple-dispatch/internal/handler"
	"github.com/haatos/simple-dispatch/internal/service"
	"github.com/haatos/simple-dispatch/internal/settings"
	"github.com/haatos/simple-dispatch/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), settings.Settings)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve()
		},
	}
}

func (a *app) serve() error {
	agentSvc := service.NewAgentService(
		store.NewAgentSQLStore(a.rdb, a.rwdb),
		a.config.AgentStaleAfter.Duration(),
		a.logger,
	)
	logSvc := service.NewLogService(store.NewLogSQLStore(a.rdb, a.rwdb))
	dispatchSvc := service.NewDispatchService(
		store.NewDispatchSQLStore(a.rdb, a.rwdb),
		logSvc,
		service.DispatchOptions{
			DefaultPriority:   a.config.DefaultPriority,
			DefaultMaxRetries: a.config.DefaultMaxRetries,
			PollLimit:         a.config.PollLimit,
		},
		a.logger,
	)
	definitionSvc := service.NewDefinitionService(
		store.NewDefinitionSQLStore(a.rdb, a.rwdb),
		a.logger,
	)

	scheduler, err := service.NewScheduler(a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			a.logger.Warn("error shutting down scheduler", zap.Error(err))
		}
	}()
	if _, err := agentSvc.ScheduleStaleAgentSweep(
		scheduler, a.config.SweepInterval.Duration(),
	); err != nil {
		return err
	}
	scheduler.Start()

	e := a.setupEcho()
	router := e.Group("")
	handler.SetupAppRoutes(router, a.config, a.rwdb)
	handler.SetupAgentRoutes(router, agentSvc)
	handler.SetupDefinitionRoutes(router, definitionSvc)
	handler.SetupPipelineRoutes(router, dispatchSvc, logSvc)
	handler.SetupReleaseRoutes(router, dispatchSvc, logSvc)

	a.logger.Info("starting server", zap.String("addr", a.settings.Port))
	return internal.GracefulShutdown(e, a.settings.Port, a.logger)
}

func (a *app) setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.NewErrorHandler(a.logger)
	e.Use(
		handler.RequestLogger(a.logger),
		middleware.Recover(),
		middleware.CORSWithConfig(internal.GetCORSConfig()),
		middleware.RateLimiterWithConfig(internal.GetRateLimiterConfig()),
	)
	return e
}
