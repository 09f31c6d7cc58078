// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	_ "github.com/kardianos/minwinsvc"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/element-hq/fedcore/appservice"
	"github.com/element-hq/fedcore/federationapi/consumers"
	"github.com/element-hq/fedcore/federationapi/fedclient"
	"github.com/element-hq/fedcore/federationapi/keyring"
	"github.com/element-hq/fedcore/federationapi/queue"
	"github.com/element-hq/fedcore/federationapi/routing"
	"github.com/element-hq/fedcore/federationapi/statistics"
	fedstorage "github.com/element-hq/fedcore/federationapi/storage"
	"github.com/element-hq/fedcore/internal"
	"github.com/element-hq/fedcore/internal/caching"
	"github.com/element-hq/fedcore/internal/pushgateway"
	"github.com/element-hq/fedcore/roomserver"
	rsstorage "github.com/element-hq/fedcore/roomserver/storage"
	"github.com/element-hq/fedcore/setup/config"
	"github.com/element-hq/fedcore/setup/jetstream"
)

func main() {
	initVersion()
	flagSet := pflag.NewFlagSet(Name, pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "fedcore.yaml", "The path to the config file")
	httpAddr := flagSet.String("http-bind-address", ":8008", "The HTTP listening address for the server")
	showVersion := flagSet.BoolP("version", "v", false, "Shows the current version and exits immediately")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *showVersion {
		fmt.Println(VersionDescription)
		os.Exit(0)
	}

	internal.SetupStdLogging()
	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Invalid config file: %s", err)
	}
	internal.SetupHookLogging(cfg.Logging)
	logrus.WithFields(logrus.Fields{
		"version":     VersionWithCommit,
		"server_name": cfg.Global.ServerName,
	}).Info("Starting fedcore")

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			Environment:      cfg.Global.Sentry.Environment,
			Debug:            true,
			ServerName:       string(cfg.Global.ServerName),
			Release:          Name + "@" + VersionWithCommit,
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
		defer sentry.Flush(5 * time.Second)
	}

	closer, err := cfg.SetupTracing()
	if err != nil {
		logrus.WithError(err).Panicf("failed to start opentracing")
	}
	defer closer.Close() // nolint: errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	natsInstance := &jetstream.NATSInstance{}
	js, nc, err := natsInstance.Prepare(ctx, &cfg.Global.JetStream)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to NATS")
	}
	defer nc.Close()

	caches := caching.NewRistrettoCache(cfg.Global.Cache.EstimatedMaxSize, cfg.Global.Cache.MaxAge, cfg.Global.Metrics.Enabled)

	rsDB, err := rsstorage.Open(ctx, cfg.RoomServer.Database.OrGlobal(&cfg.Global), caches)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to room server db")
	}
	fedDB, err := fedstorage.NewDatabase(ctx, cfg.FederationAPI.Database.OrGlobal(&cfg.Global))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to federation sender db")
	}

	fedClient := fedclient.NewClient(&cfg.FederationAPI)
	keyRing := keyring.NewKeyRing(&cfg.FederationAPI, fedClient)

	rsAPI := roomserver.NewInternalAPI(&cfg.RoomServer, rsDB, js, keyRing, fedClient)
	defer rsAPI.Stop()

	stats := statistics.NewStatistics(fedDB, cfg.FederationAPI.SendQueue.MaxBackoff)
	pushers := pushgateway.NewRegistry(cfg.PushGateway.Pushers)
	senders := queue.Senders{
		Federation: fedClient,
		AppService: appservice.NewSender(
			internal.NewHTTPClient(cfg.FederationAPI.RequestTimeout, nil, nil, cfg.AppServiceAPI.DisableTLSValidation),
		),
		AppServices: &cfg.AppServiceAPI,
		Push: pushgateway.NewHTTPClient(
			internal.NewHTTPClient(cfg.PushGateway.RequestTimeout, nil, internal.DefaultDenyNetworks, false),
		),
		Pushers: pushers,
	}
	queues := queue.NewOutgoingQueues(ctx, fedDB, rsDB, &cfg.FederationAPI, stats, senders)
	if err = queues.Start(); err != nil {
		logrus.WithError(err).Fatal("Failed to start outbound queues")
	}

	consumer := consumers.NewOutputRoomEventConsumer(ctx, &cfg.FederationAPI, &cfg.AppServiceAPI, js, rsDB, pushers, queues)
	if err = consumer.Start(); err != nil {
		logrus.WithError(err).Fatal("Failed to start room server consumer")
	}

	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	keyRing.Setup(router, VersionWithCommit)
	routing.Setup(router, &cfg.Global, queues, rsAPI)

	server := &http.Server{
		Addr:              *httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		logrus.Infof("Starting HTTP listener on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("failed to serve HTTP")
		}
	}()

	<-ctx.Done()
	logrus.Warn("Shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Failed to shut down HTTP listener cleanly")
	}
	logrus.Info("fedcore stopped")
}
