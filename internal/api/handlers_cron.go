// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package api

import (
	"context"
	"net/http"
	"time"
)

const defaultCronTimeout = 5 * time.Minute

// ProcessPayments runs one process-payments pass for an external scheduler.
// The run is detached from the client connection so a scheduler hanging up
// early does not abort a half-finished batch.
func (h *Handler) ProcessPayments(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.payments == nil {
		rw.ServiceUnavailable("payment processing is not available")
		return
	}

	timeout := defaultCronTimeout
	if h.cfg != nil && h.cfg.Cron.Timeout > 0 {
		timeout = h.cfg.Cron.Timeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
	defer cancel()

	result, err := h.payments.Run(ctx, "http")
	if err != nil {
		rw.InternalError(err, "process-payments run failed")
		return
	}
	rw.Success(result)
}
