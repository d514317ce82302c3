package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// connect couples a client and a server through two pipes, each drained by
// one goroutine so inbound messages are processed in arrival order.
func connect(t *testing.T, h Handler) (*Client, *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	toServer, toClient := newPipe(), newPipe()
	srv := NewServer(toClient, testSpec{}, h, WithServerLogger(quietLogger()))
	cli := NewClient(toServer, testSpec{}, WithClientLogger(quietLogger()))

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case b := <-toServer.ch:
				srv.HandleMessage(ctx, Text(b))
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case b := <-toClient.ch:
				cli.HandleMessage(Text(b))
			}
		}
	}()
	go func() {
		defer wg.Done()
		_ = srv.PumpEvents(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		cli.Close()
	})
	return cli, srv
}

func TestRoundTrip_ConcurrentRequests(t *testing.T) {
	cli, _ := connect(t, newTestHandler())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var calls []*Call
	for i := 0; i < 50; i++ {
		call, err := cli.SendRequest(ctx, "Echo", map[string]string{"text": fmt.Sprint(i)})
		if err != nil {
			t.Fatalf("SendRequest: %v", err)
		}
		calls = append(calls, call)
	}
	for i, call := range calls {
		res, err := call.Wait(ctx)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		var out struct{ Text string }
		_ = json.Unmarshal(res, &out)
		if out.Text != fmt.Sprint(i) {
			t.Fatalf("call %d got %q", i, out.Text)
		}
	}
}

func TestRoundTrip_OutOfOrderCompletion(t *testing.T) {
	h := newTestHandler()
	cli, srv := connect(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	blocked, _ := cli.SendRequest(ctx, "Block", map[string]string{})
	fast, _ := cli.SendRequest(ctx, "Echo", map[string]string{"text": "fast"})
	if _, err := fast.Wait(ctx); err != nil {
		t.Fatalf("fast: %v", err)
	}
	if settled(blocked) {
		t.Fatalf("blocked call settled early")
	}
	if srv.Outstanding() != 1 {
		t.Fatalf("outstanding=%d want 1", srv.Outstanding())
	}
	close(h.release)
	if _, err := blocked.Wait(ctx); err != nil {
		t.Fatalf("blocked: %v", err)
	}
}

func TestRoundTrip_ErrorsReachCaller(t *testing.T) {
	cli, _ := connect(t, newTestHandler())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fail, _ := cli.SendRequest(ctx, "Fail", map[string]string{})
	if _, err := fail.Wait(ctx); !errors.Is(err, &Error{Kind: KindRequestFailed}) {
		t.Fatalf("Fail: %v", err)
	}
	bad, _ := cli.SendRequest(ctx, "Echo", map[string]int{"text": 1})
	if _, err := bad.Wait(ctx); !errors.Is(err, &Error{Kind: KindInvalidRequestParams}) {
		t.Fatalf("bad params: %v", err)
	}
	unknown, _ := cli.SendRequest(ctx, "Nope", map[string]int{})
	if _, err := unknown.Wait(ctx); !errors.Is(err, &Error{Kind: KindInvalidRequestName}) {
		t.Fatalf("unknown name: %v", err)
	}
}

func TestKindOfID(t *testing.T) {
	cases := map[ID]EnvelopeType{1: TypeRequest, 32: TypeResponse, 1003: TypeEvent, 49: TypeError}
	for id, want := range cases {
		if got, ok := KindOfID(id); !ok || got != want {
			t.Fatalf("KindOfID(%d)=%q,%v want %q", id, got, ok, want)
		}
	}
	if _, ok := KindOfID(5); ok {
		t.Fatalf("residue 5 should be unknown")
	}
}
