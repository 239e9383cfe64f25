package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency the service cannot run without.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthProbeFunc adapts a function to HealthProbe.
type HealthProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p HealthProbeFunc) Name() string                    { return p.ProbeName }
func (p HealthProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every probe concurrently under a 2 second deadline.
// It answers 200 when all pass and 503 otherwise, reporting each
// component. A probe that panics or overruns the deadline is unhealthy.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy"}
	if s.Config != nil {
		resp.Version = s.Config.Build.Version
	}
	if len(s.HealthProbes) == 0 {
		JSON(w, r, http.StatusOK, resp)
		return
	}

	var (
		mu         sync.Mutex
		components = make(map[string]componentStatus, len(s.HealthProbes))
	)

	// Probe failures are recorded per component, never returned, so one
	// failing probe does not cancel the others.
	var g errgroup.Group
	for _, probe := range s.HealthProbes {
		g.Go(func() error {
			err := runProbe(ctx, probe)
			status := componentStatus{Status: "healthy"}
			if err != nil {
				status = componentStatus{Status: "unhealthy", Message: err.Error()}
			}
			mu.Lock()
			components[probe.Name()] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	resp.Components = components
	for _, c := range components {
		if c.Status != "healthy" {
			resp.Status = "unhealthy"
			JSON(w, r, http.StatusServiceUnavailable, resp)
			return
		}
	}
	JSON(w, r, http.StatusOK, resp)
}

// runProbe runs p, converting a panic into an error and abandoning a probe
// that ignores the deadline.
func runProbe(ctx context.Context, p HealthProbe) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rvr := recover(); rvr != nil {
				done <- fmt.Errorf("probe panicked: %v", rvr)
			}
		}()
		done <- p.Check(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("health check timed out")
	}
}
