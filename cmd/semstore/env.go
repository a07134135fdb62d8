package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/archesproject/semstore/adapters/clock"
	"github.com/archesproject/semstore/adapters/idgen"
	"github.com/archesproject/semstore/adapters/memory"
	"github.com/archesproject/semstore/adapters/metrics"
	"github.com/archesproject/semstore/adapters/sqlite"
	"github.com/archesproject/semstore/app"
	"github.com/archesproject/semstore/config"
	"github.com/archesproject/semstore/domain/codec"
	"github.com/archesproject/semstore/domain/reconcile"
	"github.com/archesproject/semstore/domain/schema"
	"github.com/archesproject/semstore/ports"
)

// env is the wired application a CLI command runs against: schema holder,
// stores for the configured driver, and the two application services.
type env struct {
	cfg     *config.Config
	logger  zerolog.Logger
	schemas *config.SchemaHolder

	entities ports.EntityStore
	audit    ports.AuditReader

	materializer *app.Materializer
	coordinator  *app.PersistenceCoordinator

	closeFn func() error
}

func (e *env) Close() error {
	if e.closeFn == nil {
		return nil
	}
	return e.closeFn()
}

// openEnv loads config and schemas and wires the stores for the configured
// database driver. The cardinality lookup is synced before any command
// touches data so the one-per-parent guard reflects the published schemas.
func openEnv(ctx context.Context) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
	}

	holder, err := config.NewSchemaHolder(cfg.Schemas.Dir, logger, collector)
	if err != nil {
		return nil, err
	}
	if cfg.Schemas.Watch {
		if err := holder.WatchDir(); err != nil {
			return nil, err
		}
	}

	e := &env{cfg: cfg, logger: logger, schemas: holder}
	codecs := codec.NewRegistry()
	opts := reconcile.Options{PruneBlank: cfg.Reconcile.PruneBlank}

	switch cfg.Database.Driver {
	case "memory":
		store := memory.NewStore()
		for _, sch := range holder.All() {
			store.SyncSchema(sch)
		}
		holder.OnChange(func(schemas map[string]*schema.Schema) {
			for _, sch := range schemas {
				store.SyncSchema(sch)
			}
		})
		e.entities = store
		e.audit = store
		e.materializer = app.NewMaterializer(holder, store, store.Records(), codecs, store, logger, collector)
		e.coordinator = app.NewPersistenceCoordinator(
			holder, store, store.Records(), store, codecs, clock.Real{}, idgen.UUID{}, opts, logger, collector)
		e.closeFn = func() error { holder.Stop(); return nil }

	case "sqlite":
		db, err := sqlite.Open(cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		for _, sch := range holder.All() {
			if err := db.SyncSchema(ctx, sch); err != nil {
				db.Close()
				return nil, fmt.Errorf("sync schema %q: %w", sch.Slug, err)
			}
		}
		// Reloads happen after the command-scoped ctx may be done, so the
		// re-sync runs against the background context.
		holder.OnChange(func(schemas map[string]*schema.Schema) {
			for _, sch := range schemas {
				if err := db.SyncSchema(context.Background(), sch); err != nil {
					logger.Error().Err(err).Str("schema", sch.Slug).Msg("schema resync failed")
				}
			}
		})

		entities := sqlite.NewEntityStore(db)
		records := sqlite.NewRecordStore(db)
		labels := sqlite.NewLabelStore(db)
		e.entities = entities
		e.audit = sqlite.NewAuditStore(db)
		e.materializer = app.NewMaterializer(holder, entities, records, codecs, labels, logger, collector)
		e.coordinator = app.NewPersistenceCoordinator(
			holder, entities, records, sqlite.NewTxBeginner(db), codecs,
			clock.Real{}, idgen.UUID{}, opts, logger, collector)
		e.closeFn = func() error { holder.Stop(); return db.Close() }

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	return e, nil
}
