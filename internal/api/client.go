package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kannanvijayan/ProceduralEden/internal/protocol"
	"github.com/kannanvijayan/ProceduralEden/internal/sim"
)

// Client wraps a protocol client with typed catalog calls.
type Client struct {
	pc *protocol.Client
}

func NewClient(pc *protocol.Client) *Client { return &Client{pc: pc} }

func (c *Client) Protocol() *protocol.Client { return c.pc }

func call[T any](ctx context.Context, pc *protocol.Client, name string, params any) (T, error) {
	var out T
	cl, err := pc.SendRequest(ctx, name, params)
	if err != nil {
		return out, err
	}
	raw, err := cl.Wait(ctx)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", name, err)
	}
	return out, nil
}

// CreateSimulation returns the full initial state: the parameters sent plus
// the id and seed the server assigned.
func (c *Client) CreateSimulation(ctx context.Context, p sim.InitParams) (sim.InitState, error) {
	res, err := call[CreateSimulationResult](ctx, c.pc, CreateSimulationName, CreateSimulationRequest{InitParams: p})
	if err != nil {
		return sim.InitState{}, err
	}
	return sim.InitState{InitParams: p, ID: res.ID, Seed: res.Seed}, nil
}

func (c *Client) GetSimulation(ctx context.Context, id string) (SimulationInfo, error) {
	return call[SimulationInfo](ctx, c.pc, GetSimulationName, GetSimulationRequest{ID: id})
}

func (c *Client) AddRandomUnits(ctx context.Context, id string, count int) (AddRandomUnitsResult, error) {
	return call[AddRandomUnitsResult](ctx, c.pc, AddRandomUnitsName, AddRandomUnitsRequest{ID: id, Count: count})
}

// DropSimulation is fire-and-forget: the server does not reply on success.
// Failures arrive through the client's error handler.
func (c *Client) DropSimulation(ctx context.Context, id string) error {
	_, err := c.pc.Notify(ctx, DropSimulationName, DropSimulationRequest{ID: id})
	return err
}

// DecodeServerShutdown decodes ServerShutdown attrs.
func DecodeServerShutdown(attrs json.RawMessage) (ServerShutdown, error) {
	var ev ServerShutdown
	err := json.Unmarshal(attrs, &ev)
	return ev, err
}
