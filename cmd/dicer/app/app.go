package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/dicer-proj/dicer/modules/frontend"
	"github.com/dicer-proj/dicer/modules/registry"
	"github.com/dicer-proj/dicer/modules/storage"
	"github.com/dicer-proj/dicer/modules/supervisor"
	"github.com/dicer-proj/dicer/pkg/util/log"
)

// App wires the store, the consumer supervisor and the HTTP frontend into one
// process.
type App struct {
	cfg Config

	store      *storage.Store
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	frontend   *frontend.Frontend
}

func New(cfg Config) (*App, error) {
	store := storage.New(cfg.Store)
	reg := registry.New(store, log.Logger)

	return &App{
		cfg:        cfg,
		store:      store,
		registry:   reg,
		supervisor: supervisor.New(store, reg, log.Logger),
		frontend:   frontend.New(cfg.Frontend, store, reg, log.Logger),
	}, nil
}

// Run starts all services and blocks until a signal arrives or a service
// fails.
func (a *App) Run() error {
	ctx := context.Background()

	if err := a.store.Ping(ctx); err != nil {
		return errors.Wrapf(err, "store at %s is unreachable", a.cfg.Store.Address)
	}

	sm, err := services.NewManager(a.supervisor, a.frontend)
	if err != nil {
		return fmt.Errorf("failed to create service manager %w", err)
	}

	serviceName := func(s services.Service) string {
		switch s {
		case services.Service(a.supervisor):
			return "supervisor"
		case services.Service(a.frontend):
			return "frontend"
		}
		return "unknown"
	}

	healthy := func() { level.Info(log.Logger).Log("msg", "dicer started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "dicer stopped") }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()
		level.Error(log.Logger).Log("msg", "service failed", "service", serviceName(service), "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// a signal stops the manager, which stops all the services
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		level.Info(log.Logger).Log("msg", "received signal", "signal", sig.String())
		sm.StopAsync()
	}()

	if err := sm.StartAsync(ctx); err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	err = sm.AwaitStopped(ctx)
	if cerr := a.store.Close(); err == nil {
		err = cerr
	}
	return err
}
