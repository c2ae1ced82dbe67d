package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"traction/internal/blob"
	"traction/internal/core"
	"traction/internal/instrument"
	"traction/internal/lock"
	"traction/pkg/domain"
)

// deps are the runtime collaborators shared by every command.
type deps struct {
	catalog *instrument.Catalog
	store   domain.PersistentStore
	service *core.Service
	closers []func() error
}

func (d *deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// build wires the catalogue, store, archive and run lock from configuration.
// Extra options are applied after the configured ones.
func (a *app) build(ctx context.Context, logger *slog.Logger, extra ...core.Option) (*deps, error) {
	d := &deps{}
	var archive blob.Store
	if a.cfg.Archive || strings.HasPrefix(a.cfg.Catalog, instrument.BlobScheme) {
		store, err := blob.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		archive = store
	}

	catalog, err := instrument.Open(ctx, a.cfg.Catalog, archive)
	if err != nil {
		return nil, fmt.Errorf("load instrument catalogue: %w", err)
	}
	d.catalog = catalog

	engine := core.NewDefaultRulesEngine(catalog)
	logger.Debug("commit rules registered", "rules", engine.Names())
	store, err := core.OpenPersistentStore(ctx, engine)
	if err != nil {
		return nil, fmt.Errorf("open persistent store: %w", err)
	}
	d.store = store
	if c, ok := store.(io.Closer); ok {
		d.closers = append(d.closers, c.Close)
	}

	opts := []core.Option{
		core.WithLogger(logger),
		core.WithAuditRecorder(core.SlogAuditRecorder{Logger: logger}),
	}
	if a.cfg.Archive {
		opts = append(opts, core.WithArchive(archive))
	}
	if a.cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		d.closers = append(d.closers, client.Close)
		locker := lock.NewRedis(client)
		locker.TTL = a.cfg.Redis.LockTTL
		opts = append(opts, core.WithRunLocker(locker))
		logger.Info("using redis run lock", "addr", a.cfg.Redis.Addr)
	}
	opts = append(opts, extra...)
	d.service = core.NewService(store, catalog, opts...)
	return d, nil
}
