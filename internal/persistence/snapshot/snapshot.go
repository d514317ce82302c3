// Package snapshot writes a simulation's word buffers to disk in the layout
// the compute backend consumes, alongside the init state and change log
// needed to rebuild it.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/klauspost/compress/zstd"

	"github.com/kannanvijayan/ProceduralEden/internal/sim"
)

const Version = 1

var ErrMismatch = errors.New("snapshot: buffers do not match rebuilt state")

type Header struct {
	Version   int    `json:"version"`
	SimID     string `json:"sim_id"`
	NextTurn  uint32 `json:"next_turn"`
	UnitCount int    `json:"unit_count"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	Init    sim.InitState `json:"init"`
	Changes []sim.Change  `json:"changes"`

	Globals []uint32 `json:"globals"`
	Units   []uint32 `json:"units"`
}

// Capture copies the state's buffers. The caller holds whatever lock guards st.
func Capture(st *sim.State) SnapshotV1 {
	units := make([]uint32, st.UnitsWordLen())
	_ = st.WriteUnits(units)
	return SnapshotV1{
		Header: Header{
			Version:   Version,
			SimID:     st.Init().ID,
			NextTurn:  st.NextTurn(),
			UnitCount: st.UnitCount(),
		},
		Init:    st.Init(),
		Changes: st.Changes(),
		Globals: st.Globals(),
		Units:   units,
	}
}

// PathFor names the snapshot file of a simulation under dir.
func PathFor(dir, simID string) string {
	return filepath.Join(dir, simID+".snap.zst")
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeFile(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, snap SnapshotV1) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

// ReadHeader decodes only the leading JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Skip the header line; gob carries it too.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// Restore rebuilds the state from the init state and change log, then
// checks the result against the stored buffers.
func Restore(snap SnapshotV1) (*sim.State, error) {
	st := sim.CreateAtStart(snap.Init)
	for i, c := range snap.Changes {
		if err := st.Apply(c); err != nil {
			return nil, fmt.Errorf("change %d: %w", i, err)
		}
	}
	again := Capture(st)
	if !slices.Equal(again.Globals, snap.Globals) || !slices.Equal(again.Units, snap.Units) {
		return nil, fmt.Errorf("%w: %s", ErrMismatch, snap.Header.SimID)
	}
	return st, nil
}
