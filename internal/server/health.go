package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/vanshika/fintrace/riskpipe/internal/graph"
)

// HealthService defines behaviour for readiness probes.
type HealthService interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to HealthService.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// GraphHealthService verifies graph connectivity as part of health checks.
type GraphHealthService struct {
	Client graph.Client
}

// Probe implements the HealthService interface.
func (s GraphHealthService) Probe(ctx context.Context) error {
	if s.Client == nil {
		return nil
	}
	return s.Client.VerifyConnectivity(ctx)
}

// CompositeHealth probes every named dependency and joins the failures.
type CompositeHealth map[string]HealthService

func (c CompositeHealth) Probe(ctx context.Context) error {
	var errs []error
	for name, probe := range c {
		if probe == nil {
			continue
		}
		if err := probe.Probe(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
