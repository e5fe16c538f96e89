package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	secure "github.com/fanzplatform/fanz-secure"
	"github.com/fanzplatform/fanz-secure/instrumentation"
	"github.com/fanzplatform/fanz-secure/logging"
	"github.com/fanzplatform/fanz-secure/pipeline"
	"github.com/fanzplatform/fanz-secure/security"
	"github.com/fanzplatform/fanz-secure/storage"
	"github.com/fanzplatform/fanz-secure/storage/memory"
	"github.com/fanzplatform/fanz-secure/storage/valkey"
	"github.com/fanzplatform/fanz-secure/validation"
)

// dashboardBuffer is the queue length of the asynchronous dashboard subscriber
const dashboardBuffer = 1024

// appOptions tunes how the app is assembled.
type appOptions struct {
	// Logger replaces the logger built from the configuration
	Logger *slog.Logger

	// SchemaFile is an optional YAML file of additional validation schemas
	SchemaFile string

	Metrics bool
}

// app holds the long-lived components of a running server.
type app struct {
	cfg      *secure.Config
	logger   *slog.Logger
	inst     *instrumentation.Instrumentation
	bus      *security.Bus
	pipeline *pipeline.Pipeline

	closers []func()
}

func newApp(cfg *secure.Config, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.logger = opts.Logger
	if a.logger == nil {
		logger, cleanup, err := logging.New(logging.FromConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		a.logger = logger
		a.closers = append(a.closers, cleanup)
	}

	a.inst, err = instrumentation.New(instrumentation.Config{
		ServiceVersion: version,
		Enabled:        opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.inst.Shutdown(context.Background()) })

	store, fallback, err := a.newStores()
	if err != nil {
		return nil, err
	}

	a.bus = security.NewBus(security.BusConfig{Logger: a.logger, Instrumentation: a.inst})
	a.bus.Subscribe("audit", security.NewAuditor(a.logger, true))
	if cfg.Dashboard.Enabled() {
		sink, err := security.NewDashboardSink(security.DashboardSinkConfig{
			URL:             cfg.Dashboard.URL,
			TokenURL:        cfg.Dashboard.TokenURL,
			ClientID:        cfg.Dashboard.ClientID,
			ClientSecret:    cfg.Dashboard.ClientSecret,
			Logger:          a.logger,
			Instrumentation: a.inst,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create dashboard sink: %w", err)
		}
		a.bus.SubscribeAsync("dashboard", sink, dashboardBuffer)
	}

	schemas, err := newSchemas(opts.SchemaFile)
	if err != nil {
		return nil, err
	}

	a.pipeline, err = pipeline.New(pipeline.Options{
		Security:        cfg,
		Store:           store,
		Fallback:        fallback,
		Schemas:         schemas,
		Bus:             a.bus,
		Logger:          a.logger,
		Instrumentation: a.inst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return a, nil
}

// newStores returns the primary store and, for Valkey, an in-memory
// fallback used while Valkey is unreachable.
func (a *app) newStores() (storage.Store, storage.Store, error) {
	mem := memory.NewWithConfig(memory.Config{Logger: a.logger})
	mem.SetInstrumentation(a.inst)
	a.closers = append(a.closers, mem.Stop)

	if a.cfg.Store.Backend != secure.StoreBackendValkey {
		return mem, nil, nil
	}

	vk, err := valkey.New(valkey.Config{
		Address:   a.cfg.Store.ValkeyAddress,
		Password:  a.cfg.Store.ValkeyPassword,
		DB:        a.cfg.Store.ValkeyDB,
		KeyPrefix: a.cfg.Store.KeyPrefix,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create valkey store: %w", err)
	}
	vk.SetInstrumentation(a.inst)
	a.closers = append(a.closers, vk.Close)
	return vk, mem, nil
}

// newSchemas returns the built-in schemas plus those in file.
func newSchemas(file string) (*validation.Registry, error) {
	reg := validation.NewRegistry()
	for _, s := range builtinSchemas() {
		if err := reg.Register(s); err != nil {
			return nil, fmt.Errorf("failed to register schema %q: %w", s.Name, err)
		}
	}
	if file != "" {
		if err := reg.LoadFile(file); err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
	}
	return reg, nil
}

// shutdown drains the event bus and releases every component.
func (a *app) shutdown(ctx context.Context) error {
	var err error
	if a.bus != nil {
		err = a.bus.Close(ctx)
	}
	a.close()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("event bus did not drain: %w", err)
	}
	return err
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
