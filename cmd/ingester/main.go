package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/plumehq/plume/internal/config"
	"github.com/plumehq/plume/internal/hub"
	"github.com/plumehq/plume/internal/server"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithField("error", err.Error()).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := hub.New(ctx, cfg, log)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("Failed to initialize pipeline")
	}
	defer h.Close()

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.Run(groupCtx)
	})
	g.Go(func() error {
		return server.NewOps(cfg.Server, h.Pool, log).Run(groupCtx)
	})

	log.WithFields(logrus.Fields{
		"topic": cfg.Kafka.ConsumerTopic,
		"group": cfg.Kafka.ConsumerGroupID,
	}).Info("Ingestion pipeline started")

	if err := g.Wait(); err != nil {
		log.WithField("error", err.Error()).Error("Pipeline terminated with error")
		os.Exit(1)
	}
	log.Info("Ingestion pipeline stopped")
}
