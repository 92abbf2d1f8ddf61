package main

import (
	"context"
	"net/http"
	"time"

	"github.com/zonekit/zonekit/changelog"
	"github.com/zonekit/zonekit/conflict"
	"github.com/zonekit/zonekit/dedupe"
	"github.com/zonekit/zonekit/engine"
	"github.com/zonekit/zonekit/record"
	"github.com/zonekit/zonekit/storage/sqlite"
	zonehttp "github.com/zonekit/zonekit/transport/http"
)

// app bundles everything a command needs to talk to the engine. The
// CLI ships a small contact-book schema so the commands are usable
// against the reference server out of the box.
type app struct {
	store  *sqlite.Store
	engine *engine.Engine
}

func demoSchema() (*record.Schema, error) {
	return record.NewSchema(
		record.TypeDescriptor{
			Name: "Contact",
			Fields: []record.FieldDescriptor{
				{Name: "name", Kind: record.KindScalar},
				{Name: "email", Kind: record.KindScalar},
			},
		},
		record.TypeDescriptor{
			Name: "Note",
			Fields: []record.FieldDescriptor{
				{Name: "body", Kind: record.KindScalar},
				{Name: "contact", Kind: record.KindReference, RefType: "Contact", Cascade: true},
			},
		},
	)
}

func newApp() (*app, error) {
	schema, err := demoSchema()
	if err != nil {
		return nil, err
	}

	storeCfg := sqlite.DefaultConfig(cfg.Database.Path)
	storeCfg.EntityTypes = schema.TypeNames()
	storeCfg.Logger = logger
	store, err := sqlite.New(storeCfg)
	if err != nil {
		return nil, err
	}

	remote := zonehttp.NewClient(cfg.Remote.BaseURL, &http.Client{
		Timeout: time.Duration(cfg.Remote.Timeout),
	})

	eng, err := engine.New(store, store.ChangeLog(), remote, store.SyncState(), store.SyncState(), engine.Options{
		Schema: schema,
		Policy: conflict.Policy(cfg.Sync.Policy),
		Dedupe: &dedupe.Options{
			UniqueAttributes: demoUniqueAttributes,
			Selector:         dedupe.KeepNewest,
		},
		QueueDepth: cfg.Sync.QueueDepth,
		Logger:     logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	tracker := changelog.NewTracker(store.ChangeLog(), logger)
	store.SetCommitHook(func(ctx context.Context, ev changelog.CommitEvent) {
		if err := tracker.HandleCommit(ctx, ev); err != nil {
			logger.LogError(ctx, err, "record local changes")
		}
	})

	return &app{store: store, engine: eng}, nil
}

func demoUniqueAttributes(typeName string) []string {
	if typeName == "Contact" {
		return []string{"email"}
	}
	return nil
}

func (a *app) close() {
	a.engine.Close()
	a.store.Close()
}
