// Package journal records every committed simulation mutation as
// zstd-compressed JSON lines, rotated hourly, so the registry can be rebuilt
// by replaying the log.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/kannanvijayan/ProceduralEden/internal/sim"
)

const filePrefix = "journal"

type EntryKind string

const (
	KindCreate EntryKind = "create"
	KindChange EntryKind = "change"
	KindDrop   EntryKind = "drop"
)

// Entry is one journal line.
type Entry struct {
	Time  time.Time `json:"ts"`
	Kind  EntryKind `json:"kind"`
	SimID string    `json:"sim_id"`

	Init   *sim.InitState `json:"init,omitempty"`
	Change *sim.Change    `json:"change,omitempty"`

	// Unit count and next turn after a change, checked on replay.
	UnitCount int    `json:"unit_count,omitempty"`
	NextTurn  uint32 `json:"next_turn,omitempty"`
}

// JSONLZstdWriter appends JSON lines to hourly zstd files under baseDir.
// Each Write is flushed through the encoder so a crash loses at most the
// line being written.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Appending after a restart starts a new zstd frame; readers decode
	// concatenated frames as one stream.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// Journal writes simulation mutations. Its methods match api.Observer; write
// failures are logged rather than surfaced because the mutation has already
// been committed in memory.
type Journal struct {
	w   *JSONLZstdWriter
	log logrus.FieldLogger
}

// Open returns a journal writing under dir. Files are created lazily.
func Open(dir string, logger logrus.FieldLogger) *Journal {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Journal{w: NewJSONLZstdWriter(dir, filePrefix), log: logger}
}

func (j *Journal) Append(e Entry) error { return j.w.Write(e) }
func (j *Journal) Close() error         { return j.w.Close() }

func (j *Journal) SimulationCreated(init sim.InitState, at time.Time) {
	j.append(Entry{Time: at, Kind: KindCreate, SimID: init.ID, Init: &init})
}

func (j *Journal) SimulationChanged(id string, c sim.Change, unitCount int, nextTurn uint32, at time.Time) {
	j.append(Entry{Time: at, Kind: KindChange, SimID: id, Change: &c, UnitCount: unitCount, NextTurn: nextTurn})
}

func (j *Journal) SimulationDropped(id string, at time.Time) {
	j.append(Entry{Time: at, Kind: KindDrop, SimID: id})
}

func (j *Journal) append(e Entry) {
	if err := j.Append(e); err != nil {
		j.log.WithFields(logrus.Fields{"sim_id": e.SimID, "kind": e.Kind}).WithError(err).Error("journal write failed")
	}
}
