// Package serve exposes the daemon HTTP API: manual migration
// triggers, restore, record ingest, and a routed data-plane proxy.
package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/strataops/strata/internal/archiver"
	"github.com/strataops/strata/internal/config"
	"github.com/strataops/strata/internal/meta"
	"github.com/strataops/strata/internal/metrics"
	"github.com/strataops/strata/internal/migrate"
	"github.com/strataops/strata/internal/probe"
	"github.com/strataops/strata/internal/registry"
	"github.com/strataops/strata/internal/router"
	"github.com/strataops/strata/internal/types"
	"go.uber.org/zap"
)

type handler struct {
	engine  *migrate.Engine
	meta    meta.Store
	arch    *archiver.Archiver
	prober  *probe.Prober
	router  *router.Router
	reg     *registry.Registry
	daemon  context.Context
	client  *http.Client
	logger  *zap.Logger
}

// Deps bundles what the API needs from the rest of the daemon.
type Deps struct {
	Engine  *migrate.Engine
	Meta    meta.Store
	Arch    *archiver.Archiver
	Prober  *probe.Prober
	Router  *router.Router
	Reg     *registry.Registry
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, deps Deps, logger *zap.Logger) error {
	h := &handler{
		engine:  deps.Engine,
		meta:    deps.Meta,
		arch:    deps.Arch,
		prober:  deps.Prober,
		router:  deps.Router,
		reg:     deps.Reg,
		daemon:  ctx,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: h.routes(),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *handler) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/tiers", h.handleTiers)
	mux.HandleFunc("GET /v1/endpoints", h.handleEndpoints)
	mux.HandleFunc("POST /v1/migrations", h.handleTriggerMigration)
	mux.HandleFunc("GET /v1/migrations", h.handleListMigrations)
	mux.HandleFunc("GET /v1/migrations/{id}", h.handleGetMigration)
	mux.HandleFunc("DELETE /v1/migrations/{id}", h.handleCancelMigration)
	mux.HandleFunc("PUT /v1/records/{id}", h.handlePutRecord)
	mux.HandleFunc("GET /v1/records/{id}", h.handleRestore)
	mux.HandleFunc("/v1/data/{path...}", h.handleProxy)
	return mux
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
	})
}

func (h *handler) handleTiers(w http.ResponseWriter, r *http.Request) {
	var tiers []map[string]interface{}
	for _, t := range h.reg.Tiers() {
		info, err := h.reg.Info(t)
		if err != nil {
			continue
		}
		used, err := h.meta.Usage(r.Context(), t)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		tiers = append(tiers, map[string]interface{}{
			"tier":       t.String(),
			"used_bytes": used,
			"capacity":   info.Capacity,
			"high_water": info.HighWater,
			"low_water":  info.LowWater,
		})
	}
	writeJSON(w, http.StatusOK, tiers)
}

func (h *handler) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	var out []map[string]interface{}
	for _, s := range h.prober.States() {
		out = append(out, map[string]interface{}{
			"id":                s.Endpoint.ID,
			"url":               s.Endpoint.URL,
			"health":            s.Health.String(),
			"consecutive_fails": s.ConsecFails,
			"latency_ms":        float64(s.LatencyEWMA.Microseconds()) / 1000,
			"last_probe":        s.LastProbe,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type triggerRequest struct {
	Source       string `json:"source"`
	Dest         string `json:"dest"`
	ReclaimBytes int64  `json:"reclaim_bytes"`
}

func (h *handler) handleTriggerMigration(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	src, err := types.ParseTier(req.Source)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	dst, err := types.ParseTier(req.Dest)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	reclaim := req.ReclaimBytes
	if reclaim <= 0 {
		// Default: reclaim down to the tier's low-water mark.
		info, err := h.reg.Info(src)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		used, err := h.meta.Usage(r.Context(), src)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		reclaim = used - int64(info.LowWater*float64(info.Capacity))
		if reclaim <= 0 {
			writeJSON(w, http.StatusOK, map[string]string{"result": "nothing to reclaim"})
			return
		}
	}

	job, err := h.engine.Trigger(r.Context(), types.MigrationTrigger{
		Source:       src,
		Dest:         dst,
		ReclaimBytes: reclaim,
		Reason:       "manual trigger",
	}, true)
	if err != nil {
		if errors.Is(err, types.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// The job runs on the daemon context so it survives this request.
	go func() {
		if err := h.engine.Run(h.daemon, job); err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Error("manual migration error",
				zap.String("job_id", job.ID), zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (h *handler) handleListMigrations(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.meta.ListJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) handleGetMigration(w http.ResponseWriter, r *http.Request) {
	job, err := h.meta.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) handleCancelMigration(w http.ResponseWriter, r *http.Request) {
	if !h.engine.Cancel(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no running job %s", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"result": "cancelling"})
}

func (h *handler) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	core, err := h.reg.Backend(types.TierCore)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	sum := xxhash.Sum64(payload)
	if err := core.Put(r.Context(), id, payload, sum); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	now := time.Now()
	delta := int64(len(payload))
	if old, err := h.meta.GetRecord(r.Context(), id); err == nil {
		if old.Tier == types.TierCore {
			delta -= old.StoredSize
		} else {
			// Repointing the record at core would orphan the packed copy
			// in its old tier; remove it and release its usage.
			oldBackend, err := h.reg.Backend(old.Tier)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if err := oldBackend.Delete(r.Context(), id); err != nil {
				writeError(w, http.StatusBadGateway, err)
				return
			}
			if err := h.meta.AddUsage(r.Context(), old.Tier, -old.StoredSize); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
		}
	}

	rec := types.Record{
		ID:           id,
		Size:         int64(len(payload)),
		StoredSize:   int64(len(payload)),
		Checksum:     sum,
		Tier:         types.TierCore,
		CreatedAt:    now,
		LastAccessed: now,
	}
	if err := h.meta.PutRecord(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.meta.AddUsage(r.Context(), types.TierCore, delta); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       id,
		"size":     len(payload),
		"checksum": fmt.Sprintf("%016x", sum),
	})
}

func (h *handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	payload, err := h.arch.Restore(r.Context(), id)
	if err != nil {
		var integrity *types.IntegrityError
		switch {
		case errors.Is(err, types.ErrNotFound):
			metrics.RestoreRequests.WithLabelValues("not_found").Inc()
			writeError(w, http.StatusNotFound, err)
		case errors.As(err, &integrity):
			metrics.RestoreRequests.WithLabelValues("integrity_error").Inc()
			writeError(w, http.StatusUnprocessableEntity, err)
		default:
			metrics.RestoreRequests.WithLabelValues("error").Inc()
			writeError(w, http.StatusBadGateway, err)
		}
		return
	}

	metrics.RestoreRequests.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// handleProxy forwards a data-plane request to a routed endpoint. A
// transport-level failure is reported to the prober and retried once
// against a different endpoint before surfacing to the caller.
func (h *handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var resp *http.Response
	err = h.router.Do(r.Context(), func(ctx context.Context, ep types.Endpoint) error {
		url := ep.URL + "/" + r.PathValue("path")
		req, err := http.NewRequestWithContext(ctx, r.Method, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header = r.Header.Clone()
		res, err := h.client.Do(req)
		if err != nil {
			return err
		}
		resp = res
		return nil
	})
	if err != nil {
		if errors.Is(err, types.ErrNoHealthyEndpoint) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
