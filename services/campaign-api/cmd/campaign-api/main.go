package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flufflyhq/fluffly/internal/analytics"
	"github.com/flufflyhq/fluffly/internal/dispatch"
	"github.com/flufflyhq/fluffly/internal/provider"
	"github.com/flufflyhq/fluffly/internal/store"
	"github.com/flufflyhq/fluffly/internal/webhook"
	"github.com/flufflyhq/fluffly/pkg/config"
	"github.com/flufflyhq/fluffly/pkg/db"
	"github.com/flufflyhq/fluffly/pkg/logx"
	"github.com/flufflyhq/fluffly/pkg/rmq"
	"github.com/flufflyhq/fluffly/services/campaign-api/server"
)

func main() {
	logx.Init()
	defer logx.Sync()

	config.MustLoadAPI()
	cfg := config.API

	sqlDB, err := db.Open(cfg.DBDSN)
	if err != nil {
		logx.L().Fatalw("db_open_error", "error", err)
	}
	defer func() {
		if err := sqlDB.Close(); err != nil {
			logx.L().Warnw("db_close_error", "error", err)
		}
	}()

	st := store.New(sqlDB)

	pub, err := rmq.NewPublisher(cfg.RMQURL, cfg.Queue)
	if err != nil {
		logx.L().Fatalw("rmq_init_error", "error", err)
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logx.L().Warnw("rmq_publisher_close_error", "error", err)
		}
	}()

	var verifier webhook.Verifier = webhook.NoopVerifier{}
	if cfg.WebhookSecret != "" {
		v, err := webhook.NewSvixVerifier(cfg.WebhookSecret)
		if err != nil {
			logx.L().Fatalw("webhook_secret_error", "error", err)
		}
		verifier = v
	} else {
		logx.L().Warnw("webhook_verification_disabled")
	}

	sender := provider.New(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)
	limiter := &dispatch.FixedInterval{Interval: cfg.SendInterval}

	h := &server.Handlers{
		Store:      st,
		Dispatcher: dispatch.New(st, sender, limiter),
		Reconciler: webhook.New(st),
		Analytics:  analytics.New(st),
		Pub:        pub,
		Verifier:   verifier,
	}
	srv := server.NewHTTPServer(":"+cfg.Port, cfg.JWTSecret, h)

	go func() {
		logx.L().Infow("api_listen_start", "addr", ":"+cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.L().Fatalw("http_server_error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logx.L().Infow("signal_received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logx.L().Errorw("server_shutdown_error", "error", err)
	} else {
		logx.L().Infow("server_shutdown_success")
	}
}
