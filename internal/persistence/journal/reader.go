package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/kannanvijayan/ProceduralEden/internal/sim"
)

// Files lists the journal files under dir in write order. Hour stamps sort
// lexically, so name order is time order.
func Files(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// ReadFile decodes every entry in one journal file, calling fn in order.
// A torn final line, left by a crash mid-write, ends the file without error.
func ReadFile(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 128*1024)
	for line := 1; ; line++ {
		b, err := br.ReadBytes('\n')
		if len(b) > 0 && b[len(b)-1] == '\n' {
			var e Entry
			if jerr := json.Unmarshal(b, &e); jerr != nil {
				return fmt.Errorf("%s:%d: %w", filepath.Base(path), line, jerr)
			}
			if ferr := fn(e); ferr != nil {
				return fmt.Errorf("%s:%d: %w", filepath.Base(path), line, ferr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
}

// ReadDir decodes every entry under dir.
func ReadDir(dir string, fn func(Entry) error) error {
	files, err := Files(dir)
	if err != nil {
		return err
	}
	for _, p := range files {
		if err := ReadFile(p, fn); err != nil {
			return err
		}
	}
	return nil
}

var ErrReplayMismatch = errors.New("journal: replay diverged")

// Replayer rebuilds simulation states from journal entries. Unit placement
// is a pure function of the seed, so only creations and change counts are
// needed.
type Replayer struct {
	states map[string]*sim.State
	order  []string
	// Entries counts applied entries.
	Entries int
}

func NewReplayer() *Replayer {
	return &Replayer{states: map[string]*sim.State{}}
}

func (r *Replayer) Apply(e Entry) error {
	switch e.Kind {
	case KindCreate:
		if e.Init == nil {
			return fmt.Errorf("create %s without init", e.SimID)
		}
		if _, ok := r.states[e.SimID]; ok {
			return fmt.Errorf("%w: %s created twice", ErrReplayMismatch, e.SimID)
		}
		r.states[e.SimID] = sim.CreateAtStart(*e.Init)
		r.order = append(r.order, e.SimID)
	case KindChange:
		st, ok := r.states[e.SimID]
		if !ok {
			return fmt.Errorf("%w: change for unknown simulation %s", ErrReplayMismatch, e.SimID)
		}
		if e.Change == nil {
			return fmt.Errorf("change %s without payload", e.SimID)
		}
		if err := st.Apply(*e.Change); err != nil {
			return err
		}
		if st.UnitCount() != e.UnitCount {
			return fmt.Errorf("%w: %s has %d units, journal says %d", ErrReplayMismatch, e.SimID, st.UnitCount(), e.UnitCount)
		}
	case KindDrop:
		if _, ok := r.states[e.SimID]; !ok {
			return fmt.Errorf("%w: drop of unknown simulation %s", ErrReplayMismatch, e.SimID)
		}
		delete(r.states, e.SimID)
		for i, id := range r.order {
			if id == e.SimID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	default:
		return fmt.Errorf("unknown journal entry kind %q", e.Kind)
	}
	r.Entries++
	return nil
}

// States returns the surviving simulations in creation order.
func (r *Replayer) States() []*sim.State {
	out := make([]*sim.State, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.states[id])
	}
	return out
}

// Replay rebuilds every simulation recorded under dir.
func Replay(dir string) ([]*sim.State, error) {
	r := NewReplayer()
	if err := ReadDir(dir, r.Apply); err != nil {
		return nil, err
	}
	return r.States(), nil
}
