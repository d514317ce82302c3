package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kannanvijayan/ProceduralEden/internal/api"
	"github.com/kannanvijayan/ProceduralEden/internal/persistence/indexdb"
	"github.com/kannanvijayan/ProceduralEden/internal/sim"
)

func (rt *runtime) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", rt.handleMetrics)
	// Local-only admin endpoints.
	mux.HandleFunc("/admin/v1/simulations", rt.handleSimulations)
	mux.HandleFunc("/v1/ws", rt.ws.Handler())
	return mux
}

func (rt *runtime) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	units := 0
	for _, id := range rt.reg.IDs() {
		rec, err := rt.reg.Get(id)
		if err != nil {
			continue
		}
		rec.View(func(st *sim.State) { units += st.UnitCount() })
	}

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP werld_simulations Live simulations in the registry.\n")
	fmt.Fprintf(rw, "# TYPE werld_simulations gauge\n")
	fmt.Fprintf(rw, "werld_simulations %d\n", rt.reg.Len())

	fmt.Fprintf(rw, "# HELP werld_units Units across all live simulations.\n")
	fmt.Fprintf(rw, "# TYPE werld_units gauge\n")
	fmt.Fprintf(rw, "werld_units %d\n", units)

	fmt.Fprintf(rw, "# HELP werld_connections Open websocket connections.\n")
	fmt.Fprintf(rw, "# TYPE werld_connections gauge\n")
	fmt.Fprintf(rw, "werld_connections %d\n", rt.ws.ConnCount())

	fmt.Fprintf(rw, "# HELP werld_uptime_seconds Seconds since the process started.\n")
	fmt.Fprintf(rw, "# TYPE werld_uptime_seconds gauge\n")
	fmt.Fprintf(rw, "werld_uptime_seconds %.0f\n", time.Since(rt.started).Seconds())

	if rt.index != nil {
		s := rt.index.Stats()
		fmt.Fprintf(rw, "# HELP werld_index_queue_depth Pending index writes.\n")
		fmt.Fprintf(rw, "# TYPE werld_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "werld_index_queue_depth %d\n", s.QueueDepth)

		fmt.Fprintf(rw, "# HELP werld_index_dropped_total Index writes dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE werld_index_dropped_total counter\n")
		fmt.Fprintf(rw, "werld_index_dropped_total{kind=%q} %d\n", "create", s.DropCreateTotal)
		fmt.Fprintf(rw, "werld_index_dropped_total{kind=%q} %d\n", "change", s.DropChangeTotal)
		fmt.Fprintf(rw, "werld_index_dropped_total{kind=%q} %d\n", "drop", s.DropDropTotal)
		fmt.Fprintf(rw, "werld_index_dropped_total{kind=%q} %d\n", "snapshot", s.DropSnapshotTotal)
	}

	if rt.mirror != nil {
		s := rt.mirror.Stats()
		fmt.Fprintf(rw, "# HELP werld_mirror_queue_depth Files waiting for upload.\n")
		fmt.Fprintf(rw, "# TYPE werld_mirror_queue_depth gauge\n")
		fmt.Fprintf(rw, "werld_mirror_queue_depth %d\n", s.QueueDepth)

		fmt.Fprintf(rw, "# HELP werld_mirror_uploads_total Mirror uploads by result.\n")
		fmt.Fprintf(rw, "# TYPE werld_mirror_uploads_total counter\n")
		fmt.Fprintf(rw, "werld_mirror_uploads_total{result=%q} %d\n", "ok", s.UploadedTotal)
		fmt.Fprintf(rw, "werld_mirror_uploads_total{result=%q} %d\n", "failed", s.FailedTotal)
		fmt.Fprintf(rw, "werld_mirror_uploads_total{result=%q} %d\n", "dropped", s.DroppedTotal)
	}
}

type simulationView struct {
	api.SimulationInfo
	CreatedAt time.Time  `json:"createdAt"`
	DroppedAt *time.Time `json:"droppedAt,omitempty"`
	Snapshot  string     `json:"snapshot,omitempty"`
}

// handleSimulations lists live simulations, or with ?source=index every
// simulation the index has seen, dropped ones included.
func (rt *runtime) handleSimulations(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}

	var out []simulationView
	if r.URL.Query().Get("source") == "index" {
		if rt.index == nil {
			http.Error(rw, "index disabled", http.StatusNotFound)
			return
		}
		rows, err := rt.index.ListSimulations(r.Context(), true)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		for _, row := range rows {
			out = append(out, viewFromRow(row))
		}
	} else {
		for _, id := range rt.reg.IDs() {
			rec, err := rt.reg.Get(id)
			if err != nil {
				continue
			}
			v := simulationView{CreatedAt: rec.Created}
			rec.View(func(st *sim.State) {
				v.SimulationInfo = api.SimulationInfo{InitState: st.Init(), NextTurn: st.NextTurn(), UnitCount: st.UnitCount()}
			})
			out = append(out, v)
		}
	}
	if out == nil {
		out = []simulationView{}
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(out)
}

func viewFromRow(row indexdb.SimulationRow) simulationView {
	return simulationView{
		SimulationInfo: api.SimulationInfo{
			InitState: sim.InitState{
				InitParams: sim.InitParams{LogicVersion: row.LogicVersion, Label: row.Label, WorldDims: row.WorldDims},
				ID:         row.ID,
				Seed:       row.Seed,
			},
			NextTurn:  row.NextTurn,
			UnitCount: row.UnitCount,
		},
		CreatedAt: row.CreatedAt,
		DroppedAt: row.DroppedAt,
		Snapshot:  row.Snapshot,
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
