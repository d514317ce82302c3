package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kannanvijayan/ProceduralEden/internal/protocol"
	"github.com/kannanvijayan/ProceduralEden/internal/registry"
	"github.com/kannanvijayan/ProceduralEden/internal/sim"
)

// Observer hears about every committed mutation. Calls for one simulation
// arrive in commit order. Implementations handle their own failures.
type Observer interface {
	SimulationCreated(init sim.InitState, at time.Time)
	SimulationChanged(id string, c sim.Change, unitCount int, nextTurn uint32, at time.Time)
	SimulationDropped(id string, at time.Time)
}

type ServiceOption func(*Service)

func WithLogger(l logrus.FieldLogger) ServiceOption {
	return func(s *Service) { s.log = l }
}

// WithSeedSource overrides crypto/rand seeding.
func WithSeedSource(src registry.SeedSource) ServiceOption {
	return func(s *Service) { s.seeds = src }
}

func WithObserver(o Observer) ServiceOption {
	return func(s *Service) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// Service answers catalog requests against a registry. One Service is
// shared by every connection; it implements protocol.Handler.
type Service struct {
	reg       *registry.Registry
	log       logrus.FieldLogger
	seeds     registry.SeedSource
	observers []Observer
	now       func() time.Time
}

func NewService(reg *registry.Registry, opts ...ServiceOption) *Service {
	s := &Service{
		reg:   reg,
		log:   logrus.StandardLogger(),
		seeds: registry.NewSeed,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Registry() *registry.Registry { return s.reg }

func (s *Service) HandleRequest(ctx context.Context, name string, params json.RawMessage) (protocol.Result, error) {
	req, err := DecodeRequest(name, params)
	if err != nil {
		return protocol.Result{}, err
	}
	switch r := req.(type) {
	case *CreateSimulationRequest:
		return s.createSimulation(r)
	case *GetSimulationRequest:
		return s.getSimulation(r)
	case *AddRandomUnitsRequest:
		return s.addRandomUnits(r)
	case *DropSimulationRequest:
		return s.dropSimulation(r)
	default:
		return protocol.Result{}, fmt.Errorf("no handler for %T", req)
	}
}

func (s *Service) createSimulation(r *CreateSimulationRequest) (protocol.Result, error) {
	rec, err := registry.NewRecord(r.InitParams, s.seeds)
	if err != nil {
		return protocol.Result{}, err
	}
	if err := s.reg.Add(rec); err != nil {
		return protocol.Result{}, err
	}
	init := rec.Init()
	s.log.WithFields(logrus.Fields{
		"sim_id": init.ID,
		"seed":   init.Seed,
		"label":  init.Label,
		"dims":   fmt.Sprintf("%dx%d", init.WorldDims.Width(), init.WorldDims.Height()),
	}).Info("simulation created")
	at := s.now()
	for _, o := range s.observers {
		o.SimulationCreated(init, at)
	}
	return protocol.Reply(CreateSimulationResult{ID: init.ID, Seed: init.Seed}), nil
}

func (s *Service) getSimulation(r *GetSimulationRequest) (protocol.Result, error) {
	rec, err := s.reg.Get(r.ID)
	if err != nil {
		return protocol.Result{}, err
	}
	var info SimulationInfo
	rec.View(func(st *sim.State) {
		info = SimulationInfo{InitState: st.Init(), NextTurn: st.NextTurn(), UnitCount: st.UnitCount()}
	})
	return protocol.Reply(info), nil
}

func (s *Service) addRandomUnits(r *AddRandomUnitsRequest) (protocol.Result, error) {
	rec, err := s.reg.Get(r.ID)
	if err != nil {
		return protocol.Result{}, err
	}
	change := sim.Change{Action: sim.ChangeAddRandomUnits, Count: r.Count}
	var res AddRandomUnitsResult
	err = rec.Update(func(st *sim.State) error {
		if cur, err := s.reg.Get(r.ID); err != nil || cur != rec {
			return fmt.Errorf("%w: %s", registry.ErrNotFound, r.ID)
		}
		if err := st.Apply(change); err != nil {
			return err
		}
		res = AddRandomUnitsResult{UnitCount: st.UnitCount(), NextTurn: st.NextTurn()}
		// Observers run under the record lock so per-simulation order holds.
		at := s.now()
		for _, o := range s.observers {
			o.SimulationChanged(r.ID, change, res.UnitCount, res.NextTurn, at)
		}
		return nil
	})
	if err != nil {
		return protocol.Result{}, err
	}
	s.log.WithFields(logrus.Fields{"sim_id": r.ID, "added": r.Count, "units": res.UnitCount}).Debug("units added")
	return protocol.Reply(res), nil
}

func (s *Service) dropSimulation(r *DropSimulationRequest) (protocol.Result, error) {
	rec, err := s.reg.Get(r.ID)
	if err != nil {
		return protocol.Result{}, err
	}
	// Holding the record lock orders the drop after any in-flight change.
	err = rec.Update(func(*sim.State) error {
		if !s.reg.Remove(r.ID) {
			return fmt.Errorf("%w: %s", registry.ErrNotFound, r.ID)
		}
		at := s.now()
		for _, o := range s.observers {
			o.SimulationDropped(r.ID, at)
		}
		return nil
	})
	if err != nil {
		return protocol.Result{}, err
	}
	s.log.WithField("sim_id", r.ID).Info("simulation dropped")
	return protocol.NoReply(), nil
}
