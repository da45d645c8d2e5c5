package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/nmxmxh/overlay/core/mesh/common"
	"github.com/nmxmxh/overlay/core/overlay"
	"github.com/nmxmxh/overlay/internal/core"
	"github.com/nmxmxh/overlay/internal/network"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const requestTimeout = 5 * time.Second

type api struct {
	node      *network.Node
	processor *core.Processor
	logger    *slog.Logger
}

// newAPI serves the node's introspection endpoints. gatherer may be nil.
func newAPI(node *network.Node, processor *core.Processor, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	a := &api{node: node, processor: processor, logger: logger.With("component", "http")}

	router := mux.NewRouter()
	router.HandleFunc("/info", a.handleInfo).Methods(http.MethodGet)
	router.HandleFunc("/graph", a.handleGraph).Methods(http.MethodGet)
	router.HandleFunc("/view-trace", a.handleViewTrace).Methods(http.MethodPost)
	router.HandleFunc("/matrix", a.handleMatrix).Methods(http.MethodGet)
	router.HandleFunc("/connections", a.handleConnections).Methods(http.MethodGet)
	router.HandleFunc("/performance-trackers", a.handlePerformance).Methods(http.MethodGet)
	router.HandleFunc("/trace", a.handleTrace).Methods(http.MethodGet)
	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return router
}

func (a *api) engine(w http.ResponseWriter) (*overlay.Engine, bool) {
	e, err := a.node.Engine()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return nil, false
	}
	return e, true
}

func (a *api) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, overlay.ErrDisposed) || errors.Is(err, network.ErrNotConnected) {
		status = http.StatusServiceUnavailable
	}
	a.logger.Warn("request failed", "error", err)
	http.Error(w, err.Error(), status)
}

func (a *api) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to encode response", "error", err)
	}
}

type infoResponse struct {
	ID    common.PeerID    `json:"id"`
	Ping  string           `json:"ping"`
	Trace string           `json:"trace"`
	Mesh  overlay.Info     `json:"mesh"`
	Probe *core.PingReport `json:"probe,omitempty"`
}

func (a *api) handleInfo(w http.ResponseWriter, r *http.Request) {
	e, ok := a.engine(w)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	info, err := e.Info(ctx)
	if err != nil {
		a.fail(w, err)
		return
	}

	resp := infoResponse{ID: e.ID(), Ping: "No ping", Trace: a.processor.Trace(), Mesh: info}
	if report, ok := a.processor.LastPing(); ok {
		resp.Ping = report.String()
		resp.Probe = &report
	}
	a.writeJSON(w, resp)
}

func (a *api) writeDOT(w http.ResponseWriter, r *http.Request, paint []common.PeerID) {
	e, ok := a.engine(w)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	dot, err := e.GraphDOT(ctx, paint)
	if err != nil {
		a.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	io.WriteString(w, dot)
}

func (a *api) handleGraph(w http.ResponseWriter, r *http.Request) {
	a.writeDOT(w, r, nil)
}

func (a *api) handleViewTrace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodesToPaint []common.PeerID `json:"nodesToPaint"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	a.writeDOT(w, r, body.NodesToPaint)
}

func (a *api) handleMatrix(w http.ResponseWriter, r *http.Request) {
	e, ok := a.engine(w)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	html, err := e.MatrixHTML(ctx)
	if err != nil {
		a.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, html)
}

func (a *api) handleConnections(w http.ResponseWriter, r *http.Request) {
	e, ok := a.engine(w)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	report, err := e.Connections(ctx)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, report)
}

func (a *api) handlePerformance(w http.ResponseWriter, r *http.Request) {
	e, ok := a.engine(w)
	if !ok {
		return
	}
	avg := e.Perf().AverageTimes()
	out := make(map[string]float64, len(avg))
	for name, d := range avg {
		out[name] = float64(d) / float64(time.Millisecond)
	}
	a.writeJSON(w, out)
}

func (a *api) handleTrace(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	id, err := a.processor.SendTrace(ctx)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.writeJSON(w, map[string]string{"id": id})
}
