package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/flufflyhq/fluffly/internal/dispatch"
	"github.com/flufflyhq/fluffly/internal/provider"
	"github.com/flufflyhq/fluffly/internal/store"
	"github.com/flufflyhq/fluffly/pkg/config"
	"github.com/flufflyhq/fluffly/pkg/db"
	"github.com/flufflyhq/fluffly/pkg/logx"
	"github.com/flufflyhq/fluffly/pkg/rmq"
	"github.com/flufflyhq/fluffly/services/dispatch-worker/worker"
)

func main() {
	logx.Init()
	defer logx.Sync()

	config.MustLoadWorker()
	cfg := config.Worker

	sqlDB, err := db.Open(cfg.DBDSN)
	if err != nil {
		log.Fatal("db open:", err)
	}
	defer sqlDB.Close()

	cons, err := rmq.NewConsumer(cfg.RMQURL, cfg.Queue)
	if err != nil {
		log.Fatal("rmq consumer:", err)
	}
	defer cons.Close()

	pub, err := rmq.NewPublisher(cfg.RMQURL, cfg.Queue)
	if err != nil {
		log.Fatal("rmq publisher:", err)
	}
	defer pub.Close()

	st := store.New(sqlDB)
	sender := provider.New(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)
	limiter := &dispatch.FixedInterval{Interval: cfg.SendInterval}
	d := dispatch.New(st, sender, limiter)

	w := worker.New(st, d, cons, pub)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}
