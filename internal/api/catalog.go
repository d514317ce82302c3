// Package api is the simulation service's request and event catalog: the
// JSON schemas both ends validate against, the typed messages, the server
// side handler and typed client helpers.
package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	CreateSimulationName = "CreateSimulation"
	GetSimulationName    = "GetSimulation"
	AddRandomUnitsName   = "AddRandomUnits"
	DropSimulationName   = "DropSimulation"

	ServerShutdownEvent = "ServerShutdown"
)

const schemaBaseURL = "https://werld.local/schemas/"

//go:embed schemas/*.schema.json
var schemaFS embed.FS

type requestSchemas struct {
	params *jsonschema.Schema
	// result is nil for requests that never reply.
	result *jsonschema.Schema
}

// Spec validates messages against the embedded schemas. It implements
// protocol.Spec.
type Spec struct {
	requests map[string]requestSchemas
	events   map[string]*jsonschema.Schema
}

var catalogFiles = struct {
	requests map[string][2]string
	events   map[string]string
}{
	requests: map[string][2]string{
		CreateSimulationName: {"create_simulation.params", "create_simulation.result"},
		GetSimulationName:    {"get_simulation.params", "get_simulation.result"},
		AddRandomUnitsName:   {"add_random_units.params", "add_random_units.result"},
		DropSimulationName:   {"drop_simulation.params", ""},
	},
	events: map[string]string{
		ServerShutdownEvent: "server_shutdown.attrs",
	},
}

// NewSpec compiles the embedded schemas.
func NewSpec() (*Spec, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true

	files, err := fs.Glob(schemaFS, "schemas/*.schema.json")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		b, err := schemaFS.ReadFile(f)
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBaseURL+path.Base(f), bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", f, err)
		}
	}
	compile := func(stem string) (*jsonschema.Schema, error) {
		if stem == "" {
			return nil, nil
		}
		s, err := c.Compile(schemaBaseURL + stem + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", stem, err)
		}
		return s, nil
	}

	sp := &Spec{
		requests: make(map[string]requestSchemas, len(catalogFiles.requests)),
		events:   make(map[string]*jsonschema.Schema, len(catalogFiles.events)),
	}
	for name, stems := range catalogFiles.requests {
		p, err := compile(stems[0])
		if err != nil {
			return nil, err
		}
		r, err := compile(stems[1])
		if err != nil {
			return nil, err
		}
		sp.requests[name] = requestSchemas{params: p, result: r}
	}
	for name, stem := range catalogFiles.events {
		s, err := compile(stem)
		if err != nil {
			return nil, err
		}
		sp.events[name] = s
	}
	return sp, nil
}

var catalog = sync.OnceValue(func() *Spec {
	s, err := NewSpec()
	if err != nil {
		panic(fmt.Sprintf("api: embedded schemas: %v", err))
	}
	return s
})

// Catalog returns the process-wide compiled Spec.
func Catalog() *Spec { return catalog() }

func (s *Spec) HasRequest(name string) bool {
	_, ok := s.requests[name]
	return ok
}

func (s *Spec) HasEvent(name string) bool {
	_, ok := s.events[name]
	return ok
}

func (s *Spec) ValidateRequest(name string, params json.RawMessage) bool {
	r, ok := s.requests[name]
	return ok && validate(r.params, params)
}

func (s *Spec) ValidateResponse(name string, result json.RawMessage) bool {
	r, ok := s.requests[name]
	return ok && r.result != nil && validate(r.result, result)
}

func (s *Spec) ValidateEvent(name string, attrs json.RawMessage) bool {
	e, ok := s.events[name]
	return ok && validate(e, attrs)
}

// RequestNames lists the catalog's request names.
func (s *Spec) RequestNames() []string {
	out := make([]string, 0, len(s.requests))
	for n := range s.requests {
		out = append(out, n)
	}
	return out
}

func validate(s *jsonschema.Schema, raw json.RawMessage) bool {
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	var v any
	if err := d.Decode(&v); err != nil {
		return false
	}
	if d.More() {
		return false
	}
	return s.Validate(v) == nil
}
