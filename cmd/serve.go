package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"enclave-manager/internal/backend"
	"enclave-manager/internal/config"
	"enclave-manager/internal/control"
	"enclave-manager/internal/cpupool"
	"enclave-manager/internal/database"
	"enclave-manager/internal/enclave"
	"enclave-manager/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func runServe(configFile string, logLevelFromFlag bool) error {
	logger := logging.GetLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" && !logLevelFromFlag {
		if err := logging.SetLogLevel(cfg.LogLevel); err != nil {
			return fmt.Errorf("invalid log level in config: %w", err)
		}
	}

	// Only one process may own the pool, since it offlines host CPUs.
	lock := flock.New(cfg.Server.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", cfg.Server.LockFile, err)
	}
	if !locked {
		return fmt.Errorf("another enclave manager holds %s", cfg.Server.LockFile)
	}
	defer func() {
		if err := lock.Close(); err != nil {
			logger.WithField("path", lock.Path()).WithError(err).Debug("Failed to release lock")
		}
	}()

	topoBackend, topo, err := buildTopology(cfg)
	if err != nil {
		return err
	}
	pool, err := cpupool.New(topo, topoBackend, logger)
	if err != nil {
		return err
	}

	client := backend.NewSimulated(cfg.Backend.MaxMemRegions)
	pages := backend.NewSimulatedPages(cfg.Backend.HugePageBytes, cfg.Backend.NUMANode)
	manager, err := enclave.NewManager(pool, client, pages, enclave.ConfigFrom(cfg.Memory), logger)
	if err != nil {
		return err
	}
	surface := control.NewSurface(manager, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// The recorder outlives gctx so that teardown events are flushed.
	recCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()
	if db := cfg.Events.InfluxDB; db != nil {
		rec, err := database.NewInfluxRecorder(*db)
		if err != nil {
			return err
		}
		defer rec.Close()
		surface.SetRecorder(rec)
		g.Go(func() error {
			return rec.Run(recCtx)
		})
	}

	if cfg.Pool.CPUs != "" {
		if _, err := surface.SetPool(cfg.Pool.CPUs); err != nil {
			stopRecorder()
			_ = g.Wait()
			return fmt.Errorf("configuring pool %q: %w", cfg.Pool.CPUs, err)
		}
	}

	server := &fasthttp.Server{
		Handler: control.NewRouter(surface).Handler,
		Name:    "enclave-manager/" + Version,
		Logger:  logger,
	}

	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"listen": cfg.Server.Listen,
			"cores":  topo.CoreCount(),
		}).Info("Control surface listening")
		return server.ListenAndServe(cfg.Server.Listen)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.ShutdownWithContext(shutdownCtx)
		surface.Shutdown(shutdownCtx)
		stopRecorder()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Enclave manager stopped")
	return nil
}
