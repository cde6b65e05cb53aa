// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/api"
	"github.com/flyingrobots/go-redis-work-queue/internal/backend"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/dispatcher"
	"github.com/flyingrobots/go-redis-work-queue/internal/domain"
	"github.com/flyingrobots/go-redis-work-queue/internal/ingestor"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobqueue"
	"github.com/flyingrobots/go-redis-work-queue/internal/machine"
	"github.com/flyingrobots/go-redis-work-queue/internal/notify"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/redisclient"
	"github.com/flyingrobots/go-redis-work-queue/internal/repository"
	"github.com/flyingrobots/go-redis-work-queue/internal/retry"
	"github.com/flyingrobots/go-redis-work-queue/internal/supervisor"
	"github.com/spf13/viper"
)

var version = "dev"

func main() {
	var configPath string
	var seedPath string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&seedPath, "seed", "", "Path to YAML file bootstrapping deployments/machines/groups into the in-memory repository")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(2)
	}

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	repo := repository.NewMemory()
	if seedPath != "" {
		if err := loadSeed(seedPath, repo); err != nil {
			logger.Fatal("failed to load seed", obs.Err(err))
		}
	}

	registry := machine.NewRegistry(rdb, logger, nil)
	selector := machine.NewSelector()
	queue := jobqueue.New(rdb, logger, cfg.JobQueue.Namespace, cfg.JobQueue.CompletedRetention,
		cfg.JobQueue.CompletedMaxCount, cfg.JobQueue.FailedRetention)

	backendClient := backend.NewClient(cfg.Backend.HTTPTimeout, cfg.Backend.RatePerSecond,
		cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod,
		cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)

	notifier := notify.New(rdb, logger, cfg.Notification.HTTPTimeout, cfg.Notification.MaxAttempts,
		cfg.Notification.InitialBackoff, cfg.Notification.FailedRetention)

	dispCfg := dispatcher.Config{
		EventDriven:              cfg.Dispatcher.EventDriven,
		Concurrency:              cfg.Dispatcher.Concurrency,
		LockDuration:             cfg.Dispatcher.LockDuration,
		ProcessAllAvailableBound: cfg.Dispatcher.ProcessAllAvailableBound,
		LoadBalancerStrategy:     domain.LoadBalancerStrategy(cfg.Dispatcher.LoadBalancerStrategy),
		QueueRetryPolicy:         retry.NewQueuePolicy(cfg.Retry.QueueRetryDelay, cfg.Retry.MaxQueueRetries),
		ExecutionRetryPolicy:     retry.NewExecutionPolicy(cfg.Retry.ExecutionRetryEnabled, cfg.Retry.ExecutionRetryDelay),
		RatePerSecond:            cfg.Backend.RatePerSecond,
	}
	disp := dispatcher.New(queue, registry, selector, repo, backendClient, notifier, logger, dispCfg)

	ing := ingestor.New(repo, registry, notifier, disp, backendClient,
		retry.NewExecutionPolicy(cfg.Retry.ExecutionRetryEnabled, cfg.Retry.ExecutionRetryDelay),
		rdb, logger, cfg.Backend.RatePerSecond)

	sup := supervisor.New(disp, notifier, queue, registry, logger, cfg.Dispatcher.EventDriven, cfg.Notification.WorkerConcurrency)

	apiServer := api.New(queue, repo, ing, disp, cfg.API.EffectiveOrigin, cfg.API.RequireCallbackAuth, cfg.API.CallbackAuthToken, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Start(ctx, cfg.Observability.QueueSampleInterval, 5*time.Minute)

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	obsSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = obsSrv.Shutdown(context.Background()) }()

	producerSrv := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: apiServer.Router(),
	}
	go func() {
		logger.Info("producer-edge API listening", obs.String("addr", cfg.API.ListenAddr))
		if err := producerSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("producer-edge API stopped", obs.Err(err))
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, draining", obs.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = producerSrv.Shutdown(shutdownCtx)
	shutdownCancel()

	go func() {
		sig2 := <-sigCh
		logger.Warn("second signal received, forcing exit", obs.String("signal", sig2.String()))
		os.Exit(1)
	}()

	sup.Stop(false, 30*time.Second)
	cancel()
}

// seedFile is the shape of the optional bootstrap file: the deployment/
// machine/group catalogue a real deployment would read from its database,
// stood in here for local runs and demos.
type seedFile struct {
	Deployments []domain.Deployment   `mapstructure:"deployments"`
	Machines    []domain.Machine      `mapstructure:"machines"`
	Groups      []domain.MachineGroup `mapstructure:"groups"`
}

func loadSeed(path string, repo *repository.Memory) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	var seed seedFile
	if err := v.Unmarshal(&seed); err != nil {
		return err
	}
	for _, d := range seed.Deployments {
		repo.PutDeployment(d)
	}
	for _, m := range seed.Machines {
		if err := repo.PutMachine(context.Background(), m); err != nil {
			return err
		}
	}
	for _, g := range seed.Groups {
		repo.PutMachineGroup(g)
	}
	return nil
}
