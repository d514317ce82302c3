package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kannanvijayan/ProceduralEden/internal/api"
	"github.com/kannanvijayan/ProceduralEden/internal/config"
	"github.com/kannanvijayan/ProceduralEden/internal/persistence/snapshot"
	"github.com/kannanvijayan/ProceduralEden/internal/protocol"
	"github.com/kannanvijayan/ProceduralEden/internal/sim"
	"github.com/kannanvijayan/ProceduralEden/internal/transport/ws"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) (*runtime, *httptest.Server) {
	t.Helper()
	rt, err := openRuntime(cfg, quietLogger())
	if err != nil {
		t.Fatalf("openRuntime: %v", err)
	}
	hs := httptest.NewServer(rt.mux())
	t.Cleanup(func() {
		hs.Close()
		rt.Close()
	})
	return rt, hs
}

func dialAPI(t *testing.T, hs *httptest.Server) *api.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/ws"
	c, err := ws.Dial(ctx, url, api.Catalog(), protocol.WithClientLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return api.NewClient(c.Protocol())
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestHealthz(t *testing.T) {
	cfg := testConfig(t)
	cfg.DisableDB, cfg.DisableJournal = true, true
	_, hs := startRuntime(t, cfg)

	code, body := get(t, hs.URL+"/healthz")
	if code != 200 || body != "ok" {
		t.Fatalf("healthz=%d %q", code, body)
	}
}

func TestMetricsAndAdminListing(t *testing.T) {
	rt, hs := startRuntime(t, testConfig(t))
	c := dialAPI(t, hs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	init, err := c.CreateSimulation(ctx, sim.InitParams{LogicVersion: "v1", Label: "meadow", WorldDims: sim.WorldDims{1024, 512}})
	if err != nil {
		t.Fatalf("CreateSimulation: %v", err)
	}
	if _, err := c.AddRandomUnits(ctx, init.ID, 5); err != nil {
		t.Fatalf("AddRandomUnits: %v", err)
	}

	_, body := get(t, hs.URL+"/metrics")
	for _, want := range []string{
		"werld_simulations 1\n",
		"werld_units 5\n",
		"werld_connections 1\n",
		"werld_index_queue_depth ",
		`werld_index_dropped_total{kind="change"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}

	code, body := get(t, hs.URL+"/admin/v1/simulations")
	if code != 200 {
		t.Fatalf("admin status=%d body=%s", code, body)
	}
	var live []simulationView
	if err := json.Unmarshal([]byte(body), &live); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(live) != 1 || live[0].ID != init.ID || live[0].Label != "meadow" || live[0].UnitCount != 5 || live[0].NextTurn != 1 {
		t.Fatalf("live=%+v", live)
	}

	if err := c.DropSimulation(ctx, init.ID); err != nil {
		t.Fatalf("DropSimulation: %v", err)
	}
	var indexed []simulationView
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := rt.index.Flush(ctx); err != nil {
			t.Fatalf("Flush: %v", err)
		}
		_, body = get(t, hs.URL+"/admin/v1/simulations?source=index")
		indexed = nil
		if err := json.Unmarshal([]byte(body), &indexed); err != nil {
			t.Fatalf("decode indexed: %v (%s)", err, body)
		}
		if len(indexed) == 1 && indexed[0].DroppedAt != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("indexed=%+v", indexed)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if indexed[0].ID != init.ID || indexed[0].UnitCount != 5 || rt.reg.Len() != 0 {
		t.Fatalf("indexed=%+v live=%d", indexed, rt.reg.Len())
	}
}

func TestAdmin_RejectsRemoteAndNonGet(t *testing.T) {
	cfg := testConfig(t)
	cfg.DisableDB, cfg.DisableJournal = true, true
	rt, _ := startRuntime(t, cfg)
	h := rt.mux()

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/simulations", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote status=%d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/v1/simulations", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("post status=%d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/v1/simulations?source=index", nil)
	req.RemoteAddr = "[::1]:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("index disabled status=%d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/v1/simulations", nil)
	req.RemoteAddr = "[::1]:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != 200 || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty listing=%d %q", rec.Code, rec.Body.String())
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:80":   true,
		"[::1]:443":      true,
		"::1":            true,
		"10.0.0.1:80":    false,
		"example.com:80": false,
		"":               false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", in, got, want)
		}
	}
}

func TestRestoreFromJournalAndSnapshot(t *testing.T) {
	cfg := testConfig(t)
	cfg.DisableDB = true

	rt, err := openRuntime(cfg, quietLogger())
	if err != nil {
		t.Fatalf("openRuntime: %v", err)
	}
	hs := httptest.NewServer(rt.mux())
	c := dialAPI(t, hs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ids []string
	for i, n := range []int{3, 7} {
		init, err := c.CreateSimulation(ctx, sim.InitParams{LogicVersion: "v1", Label: "r", WorldDims: sim.WorldDims{128 * (i + 1), 128}})
		if err != nil {
			t.Fatalf("CreateSimulation: %v", err)
		}
		if _, err := c.AddRandomUnits(ctx, init.ID, n); err != nil {
			t.Fatalf("AddRandomUnits: %v", err)
		}
		ids = append(ids, init.ID)
	}
	want := map[string][]sim.Unit{}
	for _, id := range ids {
		rec, err := rt.reg.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		rec.View(func(st *sim.State) { want[id] = st.Units() })
	}
	hs.Close()
	rt.Close()

	cfg.Restore = true
	again, err := openRuntime(cfg, quietLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if again.reg.Len() != 2 {
		t.Fatalf("restored %d simulations", again.reg.Len())
	}
	for id, units := range want {
		rec, err := again.reg.Get(id)
		if err != nil {
			t.Fatalf("Get restored: %v", err)
		}
		var got []sim.Unit
		rec.View(func(st *sim.State) { got = st.Units() })
		if len(got) != len(units) {
			t.Fatalf("%s: units=%d want %d", id, len(got), len(units))
		}
		for i := range units {
			if got[i] != units[i] {
				t.Fatalf("%s: unit %d=%+v want %+v", id, i, got[i], units[i])
			}
		}
	}

	again.snapshotAll()
	for id, units := range want {
		snap, err := snapshot.ReadSnapshot(snapshot.PathFor(cfg.SnapshotDir(), id))
		if err != nil {
			t.Fatalf("ReadSnapshot: %v", err)
		}
		if snap.Header.UnitCount != len(units) || snap.Header.SimID != id {
			t.Fatalf("header=%+v", snap.Header)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.SnapshotOnShutdown = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, quietLogger()) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func TestMirrorUploadsSnapshotsAndJournal(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	bucket := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		keys = append(keys, r.URL.Path)
		mu.Unlock()
	}))
	defer bucket.Close()

	cfg := testConfig(t)
	cfg.DisableDB = true
	cfg.Mirror = config.Mirror{Endpoint: bucket.URL, Bucket: "b", Prefix: "test", AccessKeyID: "k", SecretAccessKey: "s"}

	rt, err := openRuntime(cfg, quietLogger())
	if err != nil {
		t.Fatalf("openRuntime: %v", err)
	}
	hs := httptest.NewServer(rt.mux())
	c := dialAPI(t, hs)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	init, err := c.CreateSimulation(ctx, sim.InitParams{LogicVersion: "v1", Label: "m", WorldDims: sim.WorldDims{128, 128}})
	if err != nil {
		t.Fatalf("CreateSimulation: %v", err)
	}
	hs.Close()

	rt.snapshotAll()
	rt.Close()

	mu.Lock()
	defer mu.Unlock()
	var snap, jnl bool
	for _, k := range keys {
		snap = snap || k == "/b/test/snapshots/"+init.ID+".snap.zst"
		jnl = jnl || strings.HasPrefix(k, "/b/test/journal/journal-")
	}
	if !snap || !jnl {
		t.Fatalf("uploaded keys=%v", keys)
	}
}

func TestServe_ExitCodes(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		args []string
		want int
	}{
		{"bad flag", []string{"-no_such_flag"}, 2},
		{"invalid config", []string{"-data", dir, "-restore", "-disable_journal"}, 2},
		{"listen error", []string{"-data", dir, "-addr", "127.0.0.1:-1", "-log_level", "panic"}, 1},
	}
	for _, tc := range cases {
		if got := serve(tc.args); got != tc.want {
			t.Fatalf("%s: exit=%d want %d", tc.name, got, tc.want)
		}
	}
}

func TestMetrics_MirrorHelpLines(t *testing.T) {
	bucket := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
	}))
	defer bucket.Close()

	cfg := testConfig(t)
	cfg.DisableDB, cfg.DisableJournal = true, true
	cfg.Mirror = config.Mirror{Endpoint: bucket.URL, Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"}
	_, hs := startRuntime(t, cfg)

	_, body := get(t, hs.URL+"/metrics")
	for _, name := range []string{"werld_mirror_queue_depth", "werld_mirror_uploads_total"} {
		help := strings.Index(body, "# HELP "+name+" ")
		typ := strings.Index(body, "# TYPE "+name+" ")
		if help < 0 || typ < 0 || help > typ {
			t.Fatalf("%s: HELP at %d, TYPE at %d:\n%s", name, help, typ, body)
		}
	}
	if !strings.Contains(body, `werld_mirror_uploads_total{result="ok"} 0`) {
		t.Fatalf("missing ok counter:\n%s", body)
	}
}
