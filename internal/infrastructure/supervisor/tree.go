// Package supervisor runs the daemon's long-lived services under a suture
// tree so that a failing socket or listener is restarted with backoff.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// TreeConfig holds failure handling parameters shared by every layer.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree has two layers: links to other processes (bridge socket, event bus,
// config watcher) and the API surface (HTTP listener).
type Tree struct {
	root  *suture.Supervisor
	links *suture.Supervisor
	api   *suture.Supervisor
}

func NewTree(logger *zap.SugaredLogger, config TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = def.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = def.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	spec := suture.Spec{
		EventHook:        eventHook(logger),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := spec
	childSpec.EventHook = nil

	root := suture.New("tabcastd", spec)
	links := suture.New("links", childSpec)
	api := suture.New("api", childSpec)
	root.Add(links)
	root.Add(api)

	return &Tree{root: root, links: links, api: api}
}

func eventHook(logger *zap.SugaredLogger) suture.EventHook {
	return func(e suture.Event) {
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
			logger.Warnw("supervised service stopped", "event", e.String())
		case suture.EventTypeBackoff:
			logger.Warnw("supervisor backing off", "event", e.String())
		case suture.EventTypeResume:
			logger.Infow("supervisor resumed", "event", e.String())
		default:
			logger.Debugw("supervisor event", "event", e.String())
		}
	}
}

func (t *Tree) AddLink(svc suture.Service) suture.ServiceToken {
	return t.links.Add(svc)
}

func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve blocks until ctx ends and every service has stopped.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that ignored shutdown.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
