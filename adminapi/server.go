// Package adminapi exposes the HTTP surface operators use to check on
// a running ops worker or flush engine: a liveness probe, a JSON
// status summary, and, when given a registry, the Prometheus scrape
// endpoint, all behind one chi router.
package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"turnstone/logbus"
)

// WorkerStatus is the subset of an opsworker.Worker's state the status
// endpoint reports.
type WorkerStatus interface {
	EndOffsets() map[logbus.Partition]int64
	Positions() map[logbus.Partition]int64
	IsSteady() bool
}

// FlushStatus is the subset of a flushengine.Engine's state the status
// endpoint reports.
type FlushStatus interface {
	FlushesTotal() uint64
	CleanedRecordsTotal() uint64
	IndexKeysTotal() uint64
}

type statusResponse struct {
	Steady       bool             `json:"steady"`
	Lag          map[string]int64 `json:"lag,omitempty"`
	FlushesTotal uint64           `json:"flushesTotal,omitempty"`
	CleanedTotal uint64           `json:"cleanedRecordsTotal,omitempty"`
	IndexKeys    uint64           `json:"indexKeysTotal,omitempty"`
}

// NewRouter builds the admin HTTP handler. worker or flush may be nil
// when a process only runs one of the two roles.
func NewRouter(worker WorkerStatus, flush FlushStatus, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		resp := statusResponse{}
		if worker != nil {
			resp.Steady = worker.IsSteady()
			ends := worker.EndOffsets()
			positions := worker.Positions()
			resp.Lag = make(map[string]int64, len(ends))
			for part, end := range ends {
				resp.Lag[part.String()] = end - positions[part]
			}
		}
		if flush != nil {
			resp.FlushesTotal = flush.FlushesTotal()
			resp.CleanedTotal = flush.CleanedRecordsTotal()
			resp.IndexKeys = flush.IndexKeysTotal()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return r
}

// StartServer serves handler at addr in the background, logging and
// returning if the listener itself fails to start.
func StartServer(addr string, handler http.Handler, logger *slog.Logger) {
	if addr == "" {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	go func() {
		logger.Info("admin api starting", "addr", addr)
		if err := http.ListenAndServe(addr, handler); err != nil {
			logger.Error("admin api stopped", "error", err)
		}
	}()
}
