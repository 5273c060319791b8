// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub031/internal/logging"
)

// ErrDraining is reported by the readiness check while the API shuts down.
var ErrDraining = errors.New("api server is draining")

// HTTPServer is satisfied by *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerConfig controls how the API listener stops.
type HTTPServerConfig struct {
	// ShutdownTimeout bounds in-flight webhook and admin requests.
	ShutdownTimeout time.Duration

	// DrainDelay keeps the listener open after readiness starts failing, so
	// load balancers stop routing provider retries here first.
	DrainDelay time.Duration
}

// HTTPServerService runs the webhook and admin API listener under the
// supervisor.
type HTTPServerService struct {
	server   HTTPServer
	addr     string
	cfg      HTTPServerConfig
	draining atomic.Bool
}

// NewHTTPServerService wraps server. addr is only used for logging.
func NewHTTPServerService(server HTTPServer, addr string, cfg HTTPServerConfig) *HTTPServerService {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.DrainDelay < 0 {
		cfg.DrainDelay = 0
	}
	return &HTTPServerService{server: server, addr: addr, cfg: cfg}
}

// Draining reports whether shutdown has begun.
func (h *HTTPServerService) Draining() bool {
	return h.draining.Load()
}

// ReadinessCheck fails with ErrDraining once shutdown has begun. It is meant
// for the /health/ready checks.
func (h *HTTPServerService) ReadinessCheck() func(context.Context) error {
	return func(context.Context) error {
		if h.draining.Load() {
			return ErrDraining
		}
		return nil
	}
}

// Serve implements suture.Service.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	h.draining.Store(false)

	listenErr := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", h.addr).Msg("Webhook and admin API listening")
		err := h.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		listenErr <- err
	}()

	select {
	case err := <-listenErr:
		if err != nil {
			return fmt.Errorf("api listener: %w", err)
		}
		return errors.New("api listener closed without shutdown")
	case <-ctx.Done():
	}

	h.draining.Store(true)
	if h.cfg.DrainDelay > 0 {
		logging.Info().Dur("delay", h.cfg.DrainDelay).Msg("Readiness failing, waiting before closing API listener")
		time.Sleep(h.cfg.DrainDelay)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownTimeout)
	defer cancel()
	logging.Info().Dur("timeout", h.cfg.ShutdownTimeout).Msg("Finishing in-flight webhook and admin requests")
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	<-listenErr
	return ctx.Err()
}

func (h *HTTPServerService) String() string {
	return "http-server"
}
