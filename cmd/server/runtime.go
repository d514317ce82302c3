package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kannanvijayan/ProceduralEden/internal/api"
	"github.com/kannanvijayan/ProceduralEden/internal/config"
	"github.com/kannanvijayan/ProceduralEden/internal/persistence/indexdb"
	"github.com/kannanvijayan/ProceduralEden/internal/persistence/journal"
	"github.com/kannanvijayan/ProceduralEden/internal/persistence/objectstore"
	"github.com/kannanvijayan/ProceduralEden/internal/persistence/snapshot"
	"github.com/kannanvijayan/ProceduralEden/internal/registry"
	"github.com/kannanvijayan/ProceduralEden/internal/sim"
	"github.com/kannanvijayan/ProceduralEden/internal/transport/ws"
)

// runtime holds everything one server process wires together.
type runtime struct {
	cfg     config.Config
	log     logrus.FieldLogger
	started time.Time

	reg *registry.Registry
	svc *api.Service
	ws  *ws.Server

	journal *journal.Journal
	index   *indexdb.SQLiteIndex
	mirror  *objectstore.Mirror
}

func openRuntime(cfg config.Config, logger logrus.FieldLogger) (*runtime, error) {
	rt := &runtime{
		cfg:     cfg,
		log:     logger,
		started: time.Now(),
		reg:     registry.New(),
	}

	if cfg.Restore {
		if err := rt.restore(); err != nil {
			return nil, err
		}
	}

	// Optional: read-model index (does not affect simulation determinism).
	if !cfg.DisableDB {
		idx, err := indexdb.OpenSQLite(cfg.IndexPath())
		if err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
		rt.index = idx
	}
	if cfg.Mirror.Enabled() {
		b, err := objectstore.NewBucket(objectstore.Credentials{
			Endpoint:        cfg.Mirror.Endpoint,
			Bucket:          cfg.Mirror.Bucket,
			Region:          cfg.Mirror.Region,
			AccessKeyID:     cfg.Mirror.AccessKeyID,
			SecretAccessKey: cfg.Mirror.SecretAccessKey,
		})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("mirror: %w", err)
		}
		rt.mirror = objectstore.NewMirror(b, cfg.DataDir, cfg.Mirror.Prefix,
			objectstore.WithMirrorLogger(logger.WithField("component", "mirror")))
	}
	if !cfg.DisableJournal {
		rt.journal = journal.Open(cfg.JournalDir(), logger.WithField("component", "journal"))
	}

	opts := []api.ServiceOption{api.WithLogger(logger.WithField("component", "api"))}
	if rt.journal != nil {
		opts = append(opts, api.WithObserver(rt.journal))
	}
	if rt.index != nil {
		opts = append(opts, api.WithObserver(rt.index))
	}
	rt.svc = api.NewService(rt.reg, opts...)
	rt.ws = ws.NewServer(api.Catalog(), rt.svc,
		ws.WithLogger(logger.WithField("component", "ws")),
		ws.WithMaxQueue(cfg.MaxQueue),
	)
	return rt, nil
}

func (rt *runtime) restore() error {
	states, err := journal.Replay(rt.cfg.JournalDir())
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}
	units := 0
	for _, st := range states {
		units += st.UnitCount()
		if err := rt.reg.Add(registry.FromState(st)); err != nil {
			return err
		}
	}
	rt.log.WithFields(logrus.Fields{"simulations": len(states), "units": units}).Info("restored from journal")
	return nil
}

// snapshotAll writes the buffers of every live simulation.
func (rt *runtime) snapshotAll() {
	dir := rt.cfg.SnapshotDir()
	for _, id := range rt.reg.IDs() {
		rec, err := rt.reg.Get(id)
		if err != nil {
			continue
		}
		var snap snapshot.SnapshotV1
		rec.View(func(st *sim.State) { snap = snapshot.Capture(st) })
		path := snapshot.PathFor(dir, id)
		if err := snapshot.WriteSnapshot(path, snap); err != nil {
			rt.log.WithField("sim_id", id).WithError(err).Error("snapshot write")
			continue
		}
		if rt.index != nil {
			rt.index.RecordSnapshot(id, path, time.Now().UTC())
		}
		if rt.mirror != nil {
			rt.mirror.Enqueue(path)
		}
		rt.log.WithFields(logrus.Fields{"sim_id": id, "path": path, "units": snap.Header.UnitCount}).Info("snapshot written")
	}
}

func (rt *runtime) Close() {
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			rt.log.WithError(err).Warn("close journal")
		}
	}
	if rt.mirror != nil {
		// Journal files are complete once the journal is closed.
		if files, err := journal.Files(rt.cfg.JournalDir()); err == nil {
			for _, f := range files {
				rt.mirror.Enqueue(f)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.ShutdownTimeout)
		if err := rt.mirror.Close(ctx); err != nil {
			rt.log.WithError(err).Warn("close mirror")
		}
		cancel()
	}
	if rt.index != nil {
		if err := rt.index.Close(); err != nil {
			rt.log.WithError(err).Warn("close index")
		}
	}
}
