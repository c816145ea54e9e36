// Package supervisor runs the long-lived services of one instance under a
// suture tree so a crashed service is restarted without taking the process down.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"

	"snackkiosk/backend/internal/logging"
)

type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff. Default 5.
	FailureThreshold float64
	// FailureDecay is the rate at which failures decay in seconds. Default 30.
	FailureDecay float64
	// FailureBackoff is the wait once the threshold is exceeded. Default 15s.
	FailureBackoff time.Duration
	// ShutdownTimeout bounds how long each service gets to stop. Default 10s.
	ShutdownTimeout time.Duration
}

// Tree groups services in three layers: realtime (event bus, fanout relay),
// workers (notification dispatch) and api (HTTP).
type Tree struct {
	root     *suture.Supervisor
	realtime *suture.Supervisor
	workers  *suture.Supervisor
	api      *suture.Supervisor
}

func NewTree(cfg TreeConfig) *Tree {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := childSpec
	rootSpec.EventHook = logEvent

	t := &Tree{
		root:     suture.New("snackkiosk", rootSpec),
		realtime: suture.New("realtime", childSpec),
		workers:  suture.New("workers", childSpec),
		api:      suture.New("api", childSpec),
	}
	t.root.Add(t.realtime)
	t.root.Add(t.workers)
	t.root.Add(t.api)
	return t
}

func (t *Tree) AddRealtime(svc suture.Service) suture.ServiceToken { return t.realtime.Add(svc) }

func (t *Tree) AddWorker(svc suture.Service) suture.ServiceToken { return t.workers.Add(svc) }

func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken { return t.api.Add(svc) }

func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// logEvent forwards supervisor events to the process logger.
func logEvent(e suture.Event) {
	event := logging.Warn()
	switch e.Type() {
	case suture.EventTypeServicePanic:
		event = logging.Error()
	case suture.EventTypeResume:
		event = logging.Info()
	}
	event.Fields(e.Map()).Str("component", "supervisor").Msg(e.String())
}
