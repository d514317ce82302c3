// Package indexdb keeps a queryable SQLite index of simulations. The journal
// stays the source of truth; index writes are queued and dropped when the
// writer falls behind.
package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kannanvijayan/ProceduralEden/internal/sim"
)

var ErrClosed = errors.New("indexdb: closed")

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.RWMutex
	closed bool

	commitEvery   int
	commitMaxWait time.Duration

	dropCreate   atomic.Uint64
	dropChange   atomic.Uint64
	dropDrop     atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqCreate reqKind = iota + 1
	reqChange
	reqDrop
	reqSnapshot
	reqFlush
)

type req struct {
	kind reqKind
	at   time.Time

	init      sim.InitState
	simID     string
	change    sim.Change
	unitCount int
	nextTurn  uint32
	path      string

	done chan struct{}
}

// Stats reports queue pressure.
type Stats struct {
	QueueDepth    int
	QueueCapacity int

	DropCreateTotal   uint64
	DropChangeTotal   uint64
	DropDropTotal     uint64
	DropSnapshotTotal uint64
}

// SimulationRow is one indexed simulation.
type SimulationRow struct {
	ID           string
	Seed         uint64
	LogicVersion string
	Label        string
	WorldDims    sim.WorldDims
	UnitCount    int
	NextTurn     uint32
	Changes      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DroppedAt    *time.Time
	Snapshot     string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:            db,
		ch:            make(chan req, 16384),
		commitEvery:   500,
		commitMaxWait: time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-heavy workload; NORMAL is enough for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS simulations (
			id TEXT PRIMARY KEY,
			seed INTEGER NOT NULL,
			logic_version TEXT NOT NULL,
			label TEXT NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			unit_count INTEGER NOT NULL DEFAULT 0,
			next_turn INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			dropped_at TEXT,
			snapshot_path TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_simulations_created ON simulations(created_at);`,
		`CREATE TABLE IF NOT EXISTS changes (
			sim_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			action TEXT NOT NULL,
			count INTEGER NOT NULL,
			unit_count INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (sim_id, seq)
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropCreateTotal:   s.dropCreate.Load(),
		DropChangeTotal:   s.dropChange.Load(),
		DropDropTotal:     s.dropDrop.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

// enqueue never blocks; a full queue drops r and bumps its counter.
func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) SimulationCreated(init sim.InitState, at time.Time) {
	s.enqueue(req{kind: reqCreate, at: at, init: init, simID: init.ID}, &s.dropCreate)
}

func (s *SQLiteIndex) SimulationChanged(id string, c sim.Change, unitCount int, nextTurn uint32, at time.Time) {
	s.enqueue(req{kind: reqChange, at: at, simID: id, change: c, unitCount: unitCount, nextTurn: nextTurn}, &s.dropChange)
}

func (s *SQLiteIndex) SimulationDropped(id string, at time.Time) {
	s.enqueue(req{kind: reqDrop, at: at, simID: id}, &s.dropDrop)
}

// RecordSnapshot remembers the latest snapshot file written for a simulation.
func (s *SQLiteIndex) RecordSnapshot(id, path string, at time.Time) {
	s.enqueue(req{kind: reqSnapshot, at: at, simID: id, path: path}, &s.dropSnapshot)
}

// Flush blocks until every request queued before it is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	done := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListSimulations returns indexed simulations in creation order. Dropped
// ones are included only when includeDropped is set.
func (s *SQLiteIndex) ListSimulations(ctx context.Context, includeDropped bool) ([]SimulationRow, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	q := `SELECT s.id, s.seed, s.logic_version, s.label, s.width, s.height, s.unit_count, s.next_turn,
			s.created_at, s.updated_at, s.dropped_at, COALESCE(s.snapshot_path, ''),
			(SELECT COUNT(*) FROM changes c WHERE c.sim_id = s.id)
		FROM simulations s`
	if !includeDropped {
		q += ` WHERE s.dropped_at IS NULL`
	}
	q += ` ORDER BY s.created_at, s.id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SimulationRow
	for rows.Next() {
		var (
			r                SimulationRow
			seed             int64
			created, updated string
			dropped          sql.NullString
		)
		if err := rows.Scan(&r.ID, &seed, &r.LogicVersion, &r.Label, &r.WorldDims[0], &r.WorldDims[1],
			&r.UnitCount, &r.NextTurn, &created, &updated, &dropped, &r.Snapshot, &r.Changes); err != nil {
			return nil, err
		}
		r.Seed = uint64(seed)
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("simulation %s created_at: %w", r.ID, err)
		}
		if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, fmt.Errorf("simulation %s updated_at: %w", r.ID, err)
		}
		if dropped.Valid {
			t, err := time.Parse(time.RFC3339Nano, dropped.String)
			if err != nil {
				return nil, fmt.Errorf("simulation %s dropped_at: %w", r.ID, err)
			}
			r.DroppedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func (s *SQLiteIndex) loop() {
	ctx := context.Background()
	// Prepared statements (on db; executed within tx).
	insertSim, _ := s.db.Prepare(`INSERT OR REPLACE INTO simulations(id,seed,logic_version,label,width,height,unit_count,next_turn,created_at,updated_at) VALUES(?,?,?,?,?,?,0,1,?,?)`)
	updateSim, _ := s.db.Prepare(`UPDATE simulations SET unit_count=?, next_turn=?, updated_at=? WHERE id=?`)
	insertChange, _ := s.db.Prepare(`INSERT OR REPLACE INTO changes(sim_id,seq,action,count,unit_count,recorded_at) VALUES(?,(SELECT COUNT(*) FROM changes WHERE sim_id=?),?,?,?,?)`)
	dropSim, _ := s.db.Prepare(`UPDATE simulations SET dropped_at=?, updated_at=? WHERE id=?`)
	snapSim, _ := s.db.Prepare(`UPDATE simulations SET snapshot_path=? WHERE id=?`)
	defer func() {
		for _, st := range []*sql.Stmt{insertSim, updateSim, insertChange, dropSim, snapSim} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx         *sql.Tx
		opCount    int
		lastCommit = time.Now()
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if tx == nil || st == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	ticker := time.NewTicker(s.commitMaxWait)
	defer ticker.Stop()

	for {
		var (
			r  req
			ok bool
		)
		select {
		case r, ok = <-s.ch:
		case <-ticker.C:
			if tx != nil && time.Since(lastCommit) >= s.commitMaxWait {
				commit()
			}
			continue
		}
		if !ok {
			break
		}
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqCreate:
			in := r.init
			exec(insertSim, in.ID, int64(in.Seed), in.LogicVersion, in.Label,
				in.WorldDims.Width(), in.WorldDims.Height(), stamp(r.at), stamp(r.at))
		case reqChange:
			exec(insertChange, r.simID, r.simID, string(r.change.Action), r.change.Count, r.unitCount, stamp(r.at))
			exec(updateSim, r.unitCount, int64(r.nextTurn), stamp(r.at), r.simID)
		case reqDrop:
			exec(dropSim, stamp(r.at), stamp(r.at), r.simID)
		case reqSnapshot:
			exec(snapSim, r.path, r.simID)
		}
		if opCount >= s.commitEvery || time.Since(lastCommit) >= s.commitMaxWait {
			commit()
		}
	}

	commit()
}
