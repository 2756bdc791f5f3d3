package commands

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	nethttp "net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meigma/rescache"
	"github.com/meigma/rescache/vfs"
)

// newRouter exposes dev over HTTP:
//
//	GET /health                       liveness
//	GET /metrics                      Prometheus metrics from gatherer
//	GET /files/{resource}/{file...}   file content, downloaded on demand
//	GET /flags/{resource}/{file...}   page flags as JSON
func newRouter(dev *rescache.Device, gatherer prometheus.Gatherer, logger *slog.Logger) nethttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		writeJSON(w, nethttp.StatusOK, map[string]any{
			"status":        "ok",
			"handles_inuse": dev.HandlesInUse(),
		})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	files := &fileHandler{dev: dev, logger: logger}
	r.Get("/files/{resource}/*", files.Get)
	r.Get("/flags/{resource}/*", files.Flags)
	return r
}

type fileHandler struct {
	dev    *rescache.Device
	logger *slog.Logger
}

func (h *fileHandler) path(r *nethttp.Request) string {
	return h.dev.Prefix() + chi.URLParam(r, "resource") + "/" + chi.URLParam(r, "*")
}

// Get streams a file. The download completes before any header is written
// so failures map to a status code.
func (h *fileHandler) Get(w nethttp.ResponseWriter, r *nethttp.Request) {
	p := h.path(r)
	fh, err := h.dev.Open(p, true)
	if err != nil {
		h.writeError(w, p, err)
		return
	}
	defer h.dev.Close(fh) //nolint:errcheck // read-only handle

	if _, err := h.dev.Read(fh, nil); err != nil {
		h.writeError(w, p, err)
		return
	}
	size, err := h.dev.Length(fh)
	if err != nil {
		h.writeError(w, p, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(nethttp.StatusOK)
	start := time.Now()
	n, err := io.Copy(w, vfs.NewReader(h.dev, fh))
	if err != nil {
		h.logger.Warn("file stream aborted",
			slog.String("path", p),
			slog.Int64("written", n),
			slog.Any("error", err))
		return
	}
	h.logger.Debug("served file",
		slog.String("path", p),
		slog.Int64("size", n),
		slog.Duration("elapsed", time.Since(start)))
}

// Flags answers page flags from the manifest.
func (h *fileHandler) Flags(w nethttp.ResponseWriter, r *nethttp.Request) {
	req := rescache.PageFlagsRequest{Name: h.path(r)}
	if err := h.dev.ExtensionControl(rescache.ControlPageFlags, &req); err != nil {
		h.writeError(w, req.Name, err)
		return
	}
	writeJSON(w, nethttp.StatusOK, map[string]any{
		"version":  req.Version,
		"virtual":  req.Flags.Virtual,
		"physical": req.Flags.Physical,
	})
}

func (h *fileHandler) writeError(w nethttp.ResponseWriter, p string, err error) {
	status := statusFor(err)
	if status >= nethttp.StatusInternalServerError {
		h.logger.Warn("request failed", slog.String("path", p), slog.Any("error", err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rescache.ErrNotFound):
		return nethttp.StatusNotFound
	case errors.Is(err, rescache.ErrFetchFailed):
		return nethttp.StatusBadGateway
	case errors.Is(err, rescache.ErrHandlesExhausted):
		return nethttp.StatusServiceUnavailable
	case errors.Is(err, rescache.ErrInvalidExtData):
		return nethttp.StatusUnprocessableEntity
	default:
		return nethttp.StatusInternalServerError
	}
}

func writeJSON(w nethttp.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
