package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tileworld.ai/internal/persistence/chunkdb"
	"tileworld.ai/internal/sim/world"
	"tileworld.ai/internal/transport/observer"
	"tileworld.ai/internal/transport/ws"
)

type httpOptions struct {
	EnableAdmin bool
	EnablePprof bool
	SnapshotDir string
}

func newMux(w *world.World, db *chunkdb.Store, opts httpOptions, logger logrus.FieldLogger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, w.Config().MapID, w.Metrics())
	})

	obsSrv := observer.NewServer(w, logger)
	mux.HandleFunc("/v1/bootstrap", obsSrv.BootstrapHandler())
	mux.HandleFunc("/v1/observer/ws", obsSrv.WSHandler())
	mux.HandleFunc("/v1/ws", ws.NewServer(w, logger).Handler())

	if opts.EnableAdmin {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				MapID   int64         `json:"map_id"`
				Tick    uint64        `json:"tick"`
				Metrics world.Metrics `json:"metrics"`
			}{
				MapID:   w.Config().MapID,
				Tick:    w.CurrentTick(),
				Metrics: w.Metrics(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
			defer cancel()
			path, n, err := writeSnapshot(ctx, w, db, opts.SnapshotDir)
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "path": filepath.Base(path), "chunks": n})
		})
	} else {
		logger.Info("admin endpoints disabled (TW_ENABLE_ADMIN_HTTP=false)")
	}
	if opts.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

type metric struct {
	name, help, kind string
	value            any
}

// writeMetrics emits a minimal Prometheus text exposition.
func writeMetrics(out io.Writer, mapID int64, m world.Metrics) {
	metrics := []metric{
		{"tileworld_world_tick", "Current world tick.", "gauge", m.Tick},
		{"tileworld_loaders", "Registered chunk loaders.", "gauge", m.Loaders},
		{"tileworld_revealers", "Registered revealers.", "gauge", m.Revealers},
		{"tileworld_observers", "Connected observer sessions.", "gauge", m.Observers},
		{"tileworld_wanted_chunks", "Chunks covered by some loader.", "gauge", m.Wanted},
		{"tileworld_resident_chunks", "Resident chunk count.", "gauge", m.Resident},
		{"tileworld_preloaded_chunks", "Resident chunks covered only by a preload ring.", "gauge", m.Preloaded},
		{"tileworld_loading_chunks", "Chunks with a load in flight.", "gauge", m.Loading},
		{"tileworld_queued_loads", "Loads waiting for a pool slot.", "gauge", m.Queued},
		{"tileworld_colliders", "Spawned chunk colliders.", "gauge", m.Colliders},
		{"tileworld_chunks_committed_total", "Chunks committed to the resident set.", "counter", m.Committed},
		{"tileworld_chunks_evicted_total", "Chunks evicted from the resident set.", "counter", m.Evicted},
		{"tileworld_loads_cancelled_total", "Loads cancelled before commit.", "counter", m.Cancelled},
		{"tileworld_chunks_generated_total", "Chunks produced by the generator.", "counter", m.Generated},
		{"tileworld_chunks_from_store_total", "Chunks read back from the store.", "counter", m.FromStore},
		{"tileworld_store_read_errors_total", "Store reads that fell back to generation.", "counter", m.ReadErrors},
		{"tileworld_store_flush_errors_total", "Chunk writes that failed.", "counter", m.FlushErrors},
		{"tileworld_last_committed", "Chunks committed in the last tick.", "gauge", m.LastCommitted},
		{"tileworld_last_deferred", "Ready chunks deferred in the last tick.", "gauge", m.LastDeferred},
		{"tileworld_last_commit_us", "Time spent committing in the last tick.", "gauge", m.LastElapsed.Microseconds()},
		{"tileworld_load_debt_us", "Commit time carried into the next tick.", "gauge", m.Debt.Microseconds()},
	}
	for _, mt := range metrics {
		fmt.Fprintf(out, "# HELP %s %s\n", mt.name, mt.help)
		fmt.Fprintf(out, "# TYPE %s %s\n", mt.name, mt.kind)
		fmt.Fprintf(out, "%s{map=\"%d\"} %v\n", mt.name, mapID, mt.value)
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
