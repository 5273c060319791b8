// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package services

import (
	"context"
	"fmt"
)

// StartStopper is a component with its own background goroutines.
// queue.Worker, queue.Compactor and scheduler.Scheduler implement it.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop()
}

// StartStopService runs a StartStopper for the lifetime of Serve's context.
type StartStopService struct {
	component StartStopper
	name      string
}

// NewStartStopService wraps component under name.
func NewStartStopService(name string, component StartStopper) *StartStopService {
	return &StartStopService{component: component, name: name}
}

// Serve implements suture.Service.
func (s *StartStopService) Serve(ctx context.Context) error {
	if err := s.component.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.name, err)
	}

	<-ctx.Done()

	s.component.Stop()
	return ctx.Err()
}

func (s *StartStopService) String() string {
	return s.name
}
