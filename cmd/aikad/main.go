// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command aikad is the historian daemon (SPEC_FULL.md §4.9): it loads
// configuration, wires up a Historian, optionally starts the NATS
// ingestion subscriber, and serves /healthz and /metrics until signalled
// to stop.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aika-project/aika/internal/config"
	"github.com/aika-project/aika/internal/historian"
	"github.com/aika-project/aika/internal/ingest"
	"github.com/aika-project/aika/internal/metrics"
	"github.com/aika-project/aika/internal/model"
	"github.com/aika-project/aika/internal/runtimeEnv"
	"github.com/aika-project/aika/internal/storage"
	natsclient "github.com/aika-project/aika/pkg/nats"
)

func main() {
	var flagConfigFile, flagUser, flagGroup string
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Path to the `config.json` file")
	flag.StringVar(&flagUser, "user", "", "Drop privileges to this `user` after startup")
	flag.StringVar(&flagGroup, "group", "", "Drop privileges to this `group` after startup")
	flag.Parse()

	if err := runtimeEnv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		cclog.Fatalf("aikad: parsing './.env' failed: %v", err)
	}

	cfgPath := flagConfigFile
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) && cfgPath == "./config.json" {
		cfgPath = ""
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cclog.Fatalf("aikad: %v", err)
	}
	cclog.Init(cfg.LogLevel, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rawStorage, err := cfg.StorageRawConfig()
	if err != nil {
		cclog.Fatalf("aikad: %v", err)
	}
	adapter, err := storage.Open(ctx, rawStorage)
	if err != nil {
		cclog.Fatalf("aikad: open storage adapter: %v", err)
	}

	rec := metrics.NewRecorder()

	h, err := historian.New(adapter, historian.Config{
		SnapshotWriteInterval: cfg.SnapshotWriteInterval(),
		ArchiveWriteInterval:  cfg.ArchiveWriteInterval(),
		SuffixFunc:            storage.DefaultSuffix,
		QueryLimits:           cfg.QueryLimits(),
		QueryCacheMaxMemory:   cfg.QueryCacheMaxMemory,
		QueryCacheTTL:         cfg.QueryCacheTTL(),
		Retention:             cfg.Retention,
	}, rec)
	if err != nil {
		cclog.Fatalf("aikad: construct historian: %v", err)
	}

	if err := h.Load(ctx); err != nil {
		cclog.Fatalf("aikad: load tag registry: %v", err)
	}

	var wg sync.WaitGroup
	if err := h.Start(ctx, &wg); err != nil {
		cclog.Fatalf("aikad: start historian: %v", err)
	}

	var subscriber *ingest.Subscriber
	var natsConn *natsclient.Client
	if cfg.NATS.Enabled {
		natsConn, err = natsclient.NewClient(natsclient.Config{Address: cfg.NATS.URL})
		if err != nil {
			cclog.Fatalf("aikad: connect to NATS: %v", err)
		}

		subscriber = ingest.NewSubscriber(natsConn, cfg.NATS.SubjectPrefix, func(name string) (model.TagDefinition, bool) {
			rt := h.Registry().GetByName(name)
			if rt == nil {
				return model.TagDefinition{}, false
			}
			return rt.Tag, true
		}, h.WriteTagValues, rec)

		if err := subscriber.Start(); err != nil {
			cclog.Fatalf("aikad: start NATS subscriber: %v", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		cclog.Fatalf("aikad: listen on %s: %v", cfg.MetricsAddr, err)
	}

	if err := runtimeEnv.DropPrivileges(flagUser, flagGroup); err != nil {
		cclog.Fatalf("aikad: drop privileges: %v", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			cclog.Errorf("aikad: http server: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sigs
		runtimeEnv.SystemdNotifiy(false, "shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)

		if natsConn != nil {
			natsConn.Close()
		}

		if err := h.Shutdown(shutdownCtx); err != nil {
			cclog.Warnf("aikad: historian shutdown: %v", err)
		}

		cancel()
	}()

	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(25)
	}
	runtimeEnv.SystemdNotifiy(true, "running")
	wg.Wait()
	cclog.Print("aikad: graceful shutdown completed")
}
