package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	apiv1 "github.com/beam-cloud/playground/pkg/api/v1"
	"github.com/beam-cloud/playground/pkg/common"
	"github.com/beam-cloud/playground/pkg/engine"
	"github.com/beam-cloud/playground/pkg/playground"
	"github.com/beam-cloud/playground/pkg/repository"
	"github.com/beam-cloud/playground/pkg/streams"
	"github.com/beam-cloud/playground/pkg/types"
	"github.com/beam-cloud/playground/pkg/workflow"
)

type Gateway struct {
	Config      types.AppConfig
	RedisClient *common.RedisClient
	BackendRepo *repository.PostgresBackend
	httpServer  *http.Server
	echo        *echo.Echo
	ctx         context.Context
	cancelFunc  context.CancelFunc

	baseRouteGroup *echo.Group
	rootRouteGroup *echo.Group

	engine    *engine.DockerEngine
	manager   *playground.Manager
	broker    *streams.Broker
	workflows *workflow.Service

	background errgroup.Group
}

func NewGateway() (*Gateway, error) {
	configManager, err := common.NewConfigManager[types.AppConfig]()
	if err != nil {
		return nil, err
	}
	config := configManager.GetConfig()

	// Setup logging
	if config.PrettyLogs {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	if config.DebugMode {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	}

	var redisClient *common.RedisClient
	var backendRepo *repository.PostgresBackend

	// Local mode: JSON files only
	if config.IsLocalMode() {
		log.Info().Msg("running in local mode - Redis and Postgres disabled")
	} else {
		redisClient, err = common.NewRedisClient(config.Database.Redis, common.WithClientName("PlaygroundGateway"))
		if err != nil {
			return nil, err
		}

		// Postgres is optional; runs fall back to the data directory without it
		if config.Database.Postgres.Host != "" {
			backendRepo, err = repository.NewPostgresBackend(config.Database.Postgres)
			if err != nil {
				log.Warn().Err(err).Msg("failed to connect to postgres, run history will use the data directory")
			} else if err := backendRepo.RunMigrations(); err != nil {
				log.Warn().Err(err).Msg("failed to run postgres migrations")
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		Config:      config,
		RedisClient: redisClient,
		BackendRepo: backendRepo,
		ctx:         ctx,
		cancelFunc:  cancel,
	}, nil
}

func (g *Gateway) initHTTP() error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Pre(middleware.RemoveTrailingSlash())

	if g.Config.Gateway.HTTP.EnablePrettyLogs {
		e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
			Format: "${time_rfc3339} ${method} ${uri} ${status} ${latency_human}\n",
		}))
	}

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: g.Config.Gateway.HTTP.CORS.AllowedOrigins,
		AllowHeaders: g.Config.Gateway.HTTP.CORS.AllowedHeaders,
		AllowMethods: g.Config.Gateway.HTTP.CORS.AllowedMethods,
	}))

	e.Use(middleware.Recover())

	g.echo = e
	g.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", g.Config.Gateway.HTTP.Host, g.Config.Gateway.HTTP.Port),
		Handler: e,
	}

	g.baseRouteGroup = e.Group(apiv1.HttpServerBaseRoute)
	g.rootRouteGroup = e.Group(apiv1.HttpServerRootRoute)

	if g.Config.Metrics.Enabled {
		path := g.Config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		g.rootRouteGroup.GET(path, echo.WrapHandler(promhttp.Handler()))
	}

	return nil
}

func (g *Gateway) dataPath(name string) string {
	return filepath.Join(g.Config.Storage.DataDir, name)
}

func (g *Gateway) registerServices() error {
	dockerEngine, err := engine.NewDockerEngine()
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	g.engine = dockerEngine

	if err := g.engine.Ping(g.ctx); err != nil {
		log.Warn().Err(err).Msg("docker daemon not reachable; playground instances will fail until it is")
	}

	instances := repository.NewInstanceFileRepository(g.dataPath(g.Config.Storage.InstancesFile))
	workflows := repository.NewWorkflowFileRepository(g.dataPath(g.Config.Storage.WorkflowsFile))

	var runs repository.RunRepository = repository.NewRunFileRepository(g.dataPath(g.Config.Storage.RunsDir))
	if g.BackendRepo != nil {
		runs = repository.NewRunPostgresRepository(g.BackendRepo)
		log.Info().Msg("run history stored in postgres")
	}

	var opts []playground.ManagerOption
	if g.RedisClient != nil {
		opts = append(opts, playground.WithRedisLock(common.NewRedisLock(g.RedisClient)))
	}

	manager, err := playground.NewManager(g.ctx, g.Config.Playground, g.Config.Terminal, g.engine, instances, opts...)
	if err != nil {
		return fmt.Errorf("failed to create playground manager: %w", err)
	}
	g.manager = manager

	g.broker = streams.NewBroker(g.Config.Streams.BufferSize)
	if g.RedisClient != nil {
		channel := g.Config.Streams.Channel
		if channel == "" {
			channel = common.Keys.RunEvents()
		}
		g.broker.WithRelay(streams.NewRedisRelay(g.RedisClient, channel))
	}

	interpreter := workflow.NewInterpreter(
		workflow.NewHostExecutor(),
		g.manager,
		workflow.NewOpenAIClient(g.Config.Workflows.AI),
		workflow.NewReportNotifier(),
		runs,
	)
	g.workflows = workflow.NewService(g.ctx, g.Config.Workflows, interpreter, workflows, runs, g.broker)

	g.background.Go(func() error {
		g.broker.Start(g.ctx)
		return nil
	})
	g.background.Go(func() error {
		g.manager.Start(g.ctx)
		return nil
	})

	apiv1.NewHealthGroup(g.baseRouteGroup.Group("/health"), g.RedisClient, g.engine)
	apiv1.NewPlaygroundGroup(g.baseRouteGroup.Group("/playground"), g.manager, g.Config.Gateway.AuthToken)
	apiv1.NewWorkflowsGroup(g.baseRouteGroup.Group("/workflows"), g.workflows)
	apiv1.NewRunsGroup(g.baseRouteGroup.Group("/runs"), g.workflows, g.broker, g.Config.Streams.HeartbeatInterval)
	apiv1.NewHostTerminalGroup(g.baseRouteGroup.Group("/terminal"), g.Config.Terminal.HostShellEnabled)

	log.Info().
		Str("mode", g.Config.Mode).
		Str("data_dir", g.Config.Storage.DataDir).
		Bool("redis", g.RedisClient != nil).
		Bool("postgres", g.BackendRepo != nil).
		Msg("playground services registered")

	return nil
}

// StartAsync starts the gateway without blocking.
func (g *Gateway) StartAsync() error {
	if err := g.initHTTP(); err != nil {
		return fmt.Errorf("failed to initialize http server: %w", err)
	}

	if err := g.registerServices(); err != nil {
		return fmt.Errorf("failed to register services: %w", err)
	}

	lis, err := net.Listen("tcp", g.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on http: %w", err)
	}

	go func() {
		if err := g.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server error")
		}
	}()

	log.Info().
		Str("host", g.Config.Gateway.HTTP.Host).
		Int("port", g.Config.Gateway.HTTP.Port).
		Msg("gateway http server running")

	return nil
}

// Shutdown gracefully shuts down the gateway
func (g *Gateway) Shutdown() {
	g.shutdown()
}

func (g *Gateway) Start() error {
	if err := g.StartAsync(); err != nil {
		return err
	}

	terminationSignal := make(chan os.Signal, 1)
	signal.Notify(terminationSignal, os.Interrupt, syscall.SIGTERM)
	<-terminationSignal

	log.Info().Msg("termination signal received. shutting down...")
	g.shutdown()

	return nil
}

func (g *Gateway) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), g.Config.Gateway.ShutdownTimeout)
	defer cancel()

	// Terminal websockets are hijacked and not tracked by http.Server.Shutdown
	if g.manager != nil {
		g.manager.CloseAllSessions()
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return g.httpServer.Shutdown(ctx)
	})

	if g.workflows != nil {
		eg.Go(func() error {
			done := make(chan struct{})
			go func() {
				g.workflows.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("workflow runs still in flight: %w", ctx.Err())
			}
		})
	}

	if err := eg.Wait(); err != nil {
		log.Error().Err(err).Msg("failed to shutdown gateway gracefully")
	}

	g.cancelFunc()
	if err := g.background.Wait(); err != nil {
		log.Error().Err(err).Msg("background worker failed")
	}

	if g.engine != nil {
		if err := g.engine.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close docker client")
		}
	}
	if g.BackendRepo != nil {
		if err := g.BackendRepo.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close postgres")
		}
	}
	if g.RedisClient != nil {
		if err := g.RedisClient.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close redis")
		}
	}

	log.Info().Msg("gateway stopped")
}
