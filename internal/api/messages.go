package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/kannanvijayan/ProceduralEden/internal/sim"
)

// Request is one decoded request variant.
type Request interface {
	RequestName() string
}

type CreateSimulationRequest struct {
	sim.InitParams
}

type CreateSimulationResult struct {
	ID   string `json:"id"`
	Seed uint64 `json:"seed"`
}

type GetSimulationRequest struct {
	ID string `json:"id"`
}

// SimulationInfo describes a live simulation.
type SimulationInfo struct {
	sim.InitState
	NextTurn  uint32 `json:"nextTurn"`
	UnitCount int    `json:"unitCount"`
}

type AddRandomUnitsRequest struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

type AddRandomUnitsResult struct {
	UnitCount int    `json:"unitCount"`
	NextTurn  uint32 `json:"nextTurn"`
}

type DropSimulationRequest struct {
	ID string `json:"id"`
}

// ServerShutdown tells clients the server is going away.
type ServerShutdown struct {
	Reason string `json:"reason"`
}

func (*CreateSimulationRequest) RequestName() string { return CreateSimulationName }
func (*GetSimulationRequest) RequestName() string    { return GetSimulationName }
func (*AddRandomUnitsRequest) RequestName() string   { return AddRandomUnitsName }
func (*DropSimulationRequest) RequestName() string   { return DropSimulationName }

// DecodeRequest maps already-validated params onto the variant for name.
func DecodeRequest(name string, params json.RawMessage) (Request, error) {
	var req Request
	switch name {
	case CreateSimulationName:
		req = &CreateSimulationRequest{}
	case GetSimulationName:
		req = &GetSimulationRequest{}
	case AddRandomUnitsName:
		req = &AddRandomUnitsRequest{}
	case DropSimulationName:
		req = &DropSimulationRequest{}
	default:
		return nil, fmt.Errorf("unknown request %q", name)
	}
	norm, err := integralNumbers(params)
	if err != nil {
		return nil, fmt.Errorf("decode %s params: %w", name, err)
	}
	if err := json.Unmarshal(norm, req); err != nil {
		return nil, fmt.Errorf("decode %s params: %w", name, err)
	}
	return req, nil
}

// integralNumbers rewrites numbers with an integral value, such as 8192.0 or
// 8.192e3, as plain integers. The schemas count those as integers, so the
// typed decode has to as well.
func integralNumbers(raw json.RawMessage) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(rewriteNumbers(v))
}

func rewriteNumbers(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = rewriteNumbers(e)
		}
	case []any:
		for i, e := range x {
			x[i] = rewriteNumbers(e)
		}
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return x
		}
		f, err := x.Float64()
		if err == nil && f == math.Trunc(f) && math.Abs(f) <= 1<<53 {
			return json.Number(strconv.FormatInt(int64(f), 10))
		}
	}
	return v
}
