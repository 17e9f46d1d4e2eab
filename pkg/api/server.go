// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api assembles the sandboxd HTTP server from the pkg/api/v1
// sub-routers.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/stacklok/sandboxd/pkg/api/v1"
	"github.com/stacklok/sandboxd/pkg/logger"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Serve starts the HTTP server on the given address and serves the API
// until ctx is cancelled. It is assumed that the caller sets up
// appropriate signal handling to cancel ctx.
func Serve(ctx context.Context, address string, deps v1.Deps) error {
	cancelCtx, cancel := context.WithCancel(ctx)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Timeout(middlewareTimeout),
	)

	routers := map[string]http.Handler{
		"/health":   v1.HealthRouter(deps),
		"/execute":  v1.ExecuteRouter(deps),
		"/sessions": v1.SessionsRouter(deps),
		"/warmup":   v1.WarmupRouter(deps),
		"/tools":    v1.ToolsRouter(deps),
		"/shutdown": v1.ShutdownRouter(deps, cancel),
	}
	for prefix, router := range routers {
		r.Mount(prefix, router)
	}
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return cancelCtx },
		Addr:              address,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	logger.Infof("starting http server on %s", srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server stopped with error: %v", err)
		}
	}()

	<-cancelCtx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Infof("http server stopped")
	return nil
}
