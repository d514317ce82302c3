package protocol

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

// testSpec knows Echo {text}, Fail {}, Silent {} and Block {} requests and a
// Notice {message} event.
type testSpec struct{}

func (testSpec) HasRequest(name string) bool {
	switch name {
	case "Echo", "Fail", "Silent", "Block":
		return true
	}
	return false
}

func (testSpec) HasEvent(name string) bool { return name == "Notice" }

func (s testSpec) ValidateRequest(name string, params json.RawMessage) bool {
	if !s.HasRequest(name) {
		return false
	}
	if name != "Echo" {
		return true
	}
	var p struct {
		Text *string `json:"text"`
	}
	return json.Unmarshal(params, &p) == nil && p.Text != nil
}

func (testSpec) ValidateResponse(name string, result json.RawMessage) bool {
	if name != "Echo" && name != "Block" {
		return false
	}
	var r struct {
		Text *string `json:"text"`
	}
	return json.Unmarshal(result, &r) == nil && r.Text != nil
}

func (testSpec) ValidateEvent(name string, attrs json.RawMessage) bool {
	var a struct {
		Message *string `json:"message"`
	}
	return name == "Notice" && json.Unmarshal(attrs, &a) == nil && a.Message != nil
}

// testHandler serves testSpec. Block waits on release.
type testHandler struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func newTestHandler() *testHandler { return &testHandler{release: make(chan struct{})} }

func (h *testHandler) HandleRequest(ctx context.Context, name string, params json.RawMessage) (Result, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	switch name {
	case "Echo":
		var p struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(params, &p)
		return Reply(map[string]string{"text": p.Text}), nil
	case "Fail":
		return Result{}, io.ErrUnexpectedEOF
	case "Silent":
		return NoReply(), nil
	case "Block":
		select {
		case <-h.release:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
		return Reply(map[string]string{"text": "released"}), nil
	}
	panic("unreachable: " + name)
}

func (h *testHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// recorder is a Transport that keeps every sent message.
type recorder struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (r *recorder) Send(_ context.Context, b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, append([]byte(nil), b...))
	return nil
}

func (r *recorder) envelopes(t *testing.T) []map[string]any {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]any, 0, len(r.msgs))
	for _, b := range r.msgs {
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatalf("sent invalid json %s: %v", b, err)
		}
		out = append(out, m)
	}
	return out
}

func (r *recorder) last(t *testing.T) map[string]any {
	t.Helper()
	envs := r.envelopes(t)
	if len(envs) == 0 {
		t.Fatalf("nothing sent")
	}
	return envs[len(envs)-1]
}

// pipe delivers messages to a receiver goroutine in order.
type pipe struct {
	ch chan []byte
}

func newPipe() *pipe { return &pipe{ch: make(chan []byte, 64)} }

func (p *pipe) Send(ctx context.Context, b []byte) error {
	select {
	case p.ch <- append([]byte(nil), b...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
