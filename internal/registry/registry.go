// Package registry holds the live simulations of one server process.
package registry

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kannanvijayan/ProceduralEden/internal/sim"
)

var (
	ErrNotFound    = errors.New("simulation not found")
	ErrDuplicateID = errors.New("simulation id already registered")
)

// SeedSource yields seeds in [0, sim.MaxSeed).
type SeedSource func() (uint64, error)

// NewSeed draws a uniformly distributed seed below sim.MaxSeed from
// crypto/rand, rejecting the biased tail.
func NewSeed() (uint64, error) {
	const limit = (1<<64 - 1) / sim.MaxSeed * sim.MaxSeed
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("read seed: %w", err)
		}
		v := binary.LittleEndian.Uint64(b[:])
		if v < limit {
			return v % sim.MaxSeed, nil
		}
	}
}

// Record is one live simulation. Its state is only touched under the
// record's lock, so requests for different simulations run in parallel while
// requests for the same one are serialized.
type Record struct {
	Created time.Time

	mu    sync.Mutex
	state *sim.State
}

// NewRecord assigns a fresh v4 UUID and a seed, then builds the turn-1 state.
func NewRecord(params sim.InitParams, seeds SeedSource) (*Record, error) {
	if seeds == nil {
		seeds = NewSeed
	}
	seed, err := seeds()
	if err != nil {
		return nil, err
	}
	if seed >= sim.MaxSeed {
		return nil, fmt.Errorf("seed %d out of range", seed)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	return FromInit(sim.InitState{InitParams: params, ID: id.String(), Seed: seed}), nil
}

// FromInit wraps an already-identified simulation at turn 1.
func FromInit(init sim.InitState) *Record {
	return FromState(sim.CreateAtStart(init))
}

// FromState adopts a state rebuilt elsewhere, e.g. replayed from a journal.
// The caller must not keep using st.
func FromState(st *sim.State) *Record {
	return &Record{Created: time.Now().UTC(), state: st}
}

func (r *Record) ID() string { return r.state.Init().ID }

// Init is immutable after creation and safe to read without the lock.
func (r *Record) Init() sim.InitState { return r.state.Init() }

// Update runs fn with exclusive access to the state.
func (r *Record) Update(fn func(*sim.State) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.state)
}

// View runs fn with exclusive access to the state. fn must not mutate it.
func (r *Record) View(fn func(*sim.State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.state)
}

// Registry maps simulation ids to records. Entries never expire; they leave
// only through Remove.
type Registry struct {
	mu   sync.RWMutex
	sims map[string]*Record
}

func New() *Registry {
	return &Registry{sims: map[string]*Record{}}
}

func (g *Registry) Add(r *Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := r.ID()
	if _, ok := g.sims[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	g.sims[id] = r
	return nil
}

func (g *Registry) Get(id string) (*Record, error) {
	g.mu.RLock()
	r, ok := g.sims[id]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// Remove reports whether id was present.
func (g *Registry) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sims[id]; !ok {
		return false
	}
	delete(g.sims, id)
	return true
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sims)
}

// IDs returns the registered ids in sorted order.
func (g *Registry) IDs() []string {
	g.mu.RLock()
	out := make([]string, 0, len(g.sims))
	for id := range g.sims {
		out = append(out, id)
	}
	g.mu.RUnlock()
	sort.Strings(out)
	return out
}
