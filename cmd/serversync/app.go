package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-dev/serversync/internal/config"
	"github.com/vango-dev/serversync/internal/logging"
	"github.com/vango-dev/serversync/pkg/codec"
	"github.com/vango-dev/serversync/pkg/configsync"
	"github.com/vango-dev/serversync/pkg/metrics"
	"github.com/vango-dev/serversync/pkg/node"
	"github.com/vango-dev/serversync/pkg/settings"
)

// app is a node with its settings, metrics and admin list assembled
// from configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	admins   *configsync.AdminSet
	node     *node.Node
	store    *settings.Store
	saver    *saver

	refused chan string
}

func newApp(cfg *config.Config, logOut io.Writer) (*app, error) {
	logger, err := logging.New(logOut, cfg.Log)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		admins:   configsync.NewAdminSet(cfg.Admins...),
		refused:  make(chan string, 1),
	}
	a.metrics = metrics.New(
		metrics.WithRegistry(a.registry),
		metrics.WithNamespace(cfg.Metrics.Namespace),
	)

	a.node = node.New(node.Config{
		Name:         cfg.Name,
		Server:       cfg.IsServer(),
		TickInterval: cfg.Tick,
	},
		node.WithLogger(logger.With("component", "node")),
		node.WithMetrics(a.metrics),
		node.WithManagerOptions(
			configsync.WithConfig(cfg.SyncOptions()),
			configsync.WithAdmins(a.admins),
		),
		node.OnRefused(func(reason string) {
			select {
			case a.refused <- reason:
			default:
			}
		}),
	)

	backend, err := newBackend(cfg.Settings)
	if err != nil {
		return nil, err
	}
	a.store = settings.New(backend,
		settings.WithLogger(logger.With("component", "settings")),
		settings.WithInterceptor(a.node.Manager()),
	)
	a.saver = newSaver(a.node, a.store, logger)

	for _, rc := range cfg.Registries {
		if err := a.addRegistry(rc); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func newBackend(cfg config.SettingsConfig) (settings.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return settings.NewMemoryBackend(), nil
	case config.BackendFile:
		return settings.NewFileBackend(cfg.Path), nil
	case config.BackendS3:
		client := settings.NewS3Client(settings.S3Config{
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			UsePathStyle:    cfg.S3.UsePathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		return settings.NewS3Backend(client, cfg.S3.Bucket, cfg.S3.Key), nil
	}
	return nil, fmt.Errorf("unknown settings backend %q", cfg.Backend)
}

func (a *app) addRegistry(rc config.RegistryConfig) error {
	reg, err := a.node.Manager().NewRegistry(rc.Options())
	if err != nil {
		return err
	}
	types := a.node.Manager().Types()

	for _, fc := range rc.Fields {
		shape, err := types.Resolve(fc.Type)
		if err != nil {
			return fmt.Errorf("registry %s: %s/%s: %w", rc.Name, fc.Section, fc.Key, err)
		}
		def, err := defaultValue(shape, fc.Default)
		if err != nil {
			return fmt.Errorf("registry %s: %s/%s default: %w", rc.Name, fc.Section, fc.Key, err)
		}
		field, err := a.store.Define(fc.Section, fc.Key, shape, def, fc.Description)
		if err != nil {
			return err
		}

		var tracked *configsync.TrackedField
		if fc.Locking {
			tracked, err = reg.AddLockingField(field)
		} else {
			tracked, err = reg.AddField(field)
		}
		if err != nil {
			return err
		}
		tracked.SetSynchronized(!fc.Local)

		field.OnChange(func() {
			a.logger.Debug("setting changed", "registry", rc.Name,
				"section", field.Section(), "key", field.Key(), "value", field.Value())
			a.saver.Request()
		})
	}
	return nil
}

// defaultValue converts a configured default to the field's Go type.
// A missing default is the zero value of the shape.
func defaultValue(shape codec.Shape, raw any) (any, error) {
	if raw != nil {
		return settings.ParseValue(shape, raw)
	}
	if shape.Nullable() {
		return nil, nil
	}
	switch s := shape.(type) {
	case codec.Scalar:
		switch {
		case s.Kind == codec.Bool:
			return false, nil
		case s.Kind == codec.Float32 || s.Kind == codec.Float64:
			return settings.ParseValue(shape, float64(0))
		}
		return settings.ParseValue(shape, int64(0))
	case *codec.Enum:
		return settings.ParseValue(shape, int64(0))
	}
	return nil, fmt.Errorf("%s needs an explicit default", shape.TypeName())
}

// load reads persisted settings into the store on the event loop.
func (a *app) load(ctx context.Context) error {
	data, err := a.store.Backend().Load(ctx)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	var decodeErr error
	if err := a.node.Do(ctx, func() {
		a.saver.Loaded(data)
		decodeErr = a.store.Decode(data)
	}); err != nil {
		return err
	}
	return decodeErr
}

// watchSettings reloads the settings file whenever it changes.
func (a *app) watchSettings(ctx context.Context) {
	err := a.store.Watch(ctx, func() {
		if err := a.load(ctx); err != nil {
			a.logger.Warn("settings reload failed", "error", err)
		}
	})
	if err != nil && ctx.Err() == nil {
		a.logger.Error("settings watcher stopped", "error", err)
	}
}

// watchConfig applies admin list edits from the configuration file.
func (a *app) watchConfig(ctx context.Context, loader *config.Loader) {
	w, err := config.NewWatcher(loader, config.WithWatcherLogger(a.logger.With("component", "config")))
	if err != nil {
		a.logger.Warn("configuration watcher disabled", "error", err)
		return
	}
	w.OnChange(func(c *config.Config) {
		a.admins.Set(c.Admins)
	})
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	w.Start()
}

// saver writes the settings document outside the event loop. Requests
// made while a save is running collapse into one follow-up save, and a
// document equal to the last one loaded or saved is not written.
type saver struct {
	node   *node.Node
	store  *settings.Store
	logger *slog.Logger
	wake   chan struct{}

	mu   sync.Mutex
	last []byte
}

func newSaver(n *node.Node, store *settings.Store, logger *slog.Logger) *saver {
	return &saver{
		node:   n,
		store:  store,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Request schedules a save.
func (s *saver) Request() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Loaded records data as the persisted document.
func (s *saver) Loaded(data []byte) {
	s.mu.Lock()
	s.last = data
	s.mu.Unlock()
}

// Run saves on request until ctx is done.
func (s *saver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			if err := s.save(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("save settings", "error", err)
			}
		}
	}
}

func (s *saver) save(ctx context.Context) error {
	var data []byte
	var encodeErr error
	if err := s.node.Do(ctx, func() {
		data, encodeErr = s.store.Encode()
	}); err != nil {
		return err
	}
	if encodeErr != nil {
		return encodeErr
	}

	s.mu.Lock()
	unchanged := bytes.Equal(data, s.last)
	s.mu.Unlock()
	if unchanged {
		return nil
	}
	if err := s.store.Backend().Save(ctx, data); err != nil {
		return err
	}
	s.Loaded(data)
	return nil
}
