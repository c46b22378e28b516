// Package api serves the single sync endpoint: with proxy_url it is an image
// proxy, otherwise an authenticated trigger for one sync batch.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gisement-io/gisement/internal/assetcache"
	"github.com/gisement-io/gisement/internal/engine"
	"github.com/gisement-io/gisement/internal/httpserver"
	"github.com/gisement-io/gisement/internal/imaging"
	"github.com/gisement-io/gisement/internal/ir"
	"github.com/gisement-io/gisement/internal/logging"
	"github.com/gisement-io/gisement/internal/metrics"
)

// Proxy modes.
const (
	ModeBuffered = "buffered"
	ModeStream   = "stream"
	ModeOff      = "off"
)

// Batcher runs one sync batch.
type Batcher interface {
	RunBatch(ctx context.Context, maxRecords int, opts ...engine.RunOption) (*ir.BatchResult, error)
}

// Images produces the normalized form of a source image.
type Images interface {
	Descriptor(sourceURL string) ir.AssetDescriptor
	Normalize(ctx context.Context, sourceURL string) (*imaging.Result, error)
	Stream(ctx context.Context, sourceURL string, w io.Writer) (string, error)
}

type Options struct {
	Secret    string
	BatchSize int
	ProxyMode string
	Batcher   Batcher
	Images    Images
	Cache     assetcache.Cache
	// Metrics is optional.
	Metrics *metrics.Metrics
}

type Handler struct {
	opts Options
}

func New(opts Options) *Handler {
	if opts.ProxyMode == "" {
		opts.ProxyMode = ModeBuffered
	}
	if opts.Cache == nil {
		opts.Cache = assetcache.Nop{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = engine.DefaultBatchSize
	}
	return &Handler{opts: opts}
}

// Routes mounts the handler on /api/sync and / next to the health and
// metrics endpoints.
func (h *Handler) Routes(checks ...httpserver.ReadinessCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/api/sync", h)
	mux.Handle("/healthz", httpserver.Healthz())
	mux.Handle("/readyz", httpserver.Readyz(checks...))
	if h.opts.Metrics != nil {
		mux.Handle("/metrics", h.opts.Metrics.Handler())
	}
	mux.Handle("/", h)
	return mux
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("proxy_url") {
		h.serveProxy(w, r, q.Get("proxy_url"))
		return
	}
	if !h.authorized(q.Get("secret")) {
		httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"})
		return
	}
	h.serveBatch(w, r)
}

func (h *Handler) authorized(secret string) bool {
	if h.opts.Secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(h.opts.Secret)) == 1
}

func (h *Handler) serveBatch(w http.ResponseWriter, r *http.Request) {
	var opts []engine.RunOption
	if h.opts.ProxyMode != ModeOff {
		opts = append(opts, engine.WithAssetRewriter(engine.ProxyRewriter(forwardedProto(r), r.Host)))
	}
	if h.opts.Metrics != nil {
		opts = append(opts, engine.WithEvents(h.opts.Metrics.ObserveEvent))
	}
	if id, ok := httpserver.RequestIDFromContext(r.Context()); ok {
		logging.Debug("batch triggered", "request_id", id)
	}

	result, err := h.opts.Batcher.RunBatch(r.Context(), h.opts.BatchSize, opts...)
	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveBatch(result, err)
	}

	logs := []string{}
	if result != nil && result.Logs != nil {
		logs = result.Logs
	}
	switch {
	case err != nil:
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "logs": logs})
	case len(result.Records) == 0:
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{"message": "Nothing to sync.", "logs": logs})
	default:
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"runId":   result.RunID,
			"logs":    logs,
			"results": result.Records,
		})
	}
}

// forwardedProto returns the first X-Forwarded-Proto entry, https when absent.
func forwardedProto(r *http.Request) string {
	proto, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ",")
	proto = strings.TrimSpace(proto)
	if proto == "" {
		return "https"
	}
	return proto
}

const proxyFailure = "Error fetching or processing image"

func (h *Handler) serveProxy(w http.ResponseWriter, r *http.Request, raw string) {
	sourceURL := sourceFromQuery(raw)
	if sourceURL == "" {
		http.Error(w, "No URL provided", http.StatusNotFound)
		return
	}

	switch h.opts.ProxyMode {
	case ModeOff:
		h.observeProxy("rejected")
		http.Error(w, "Image proxy disabled", http.StatusNotFound)
	case ModeStream:
		h.streamImage(w, r, sourceURL)
	default:
		h.bufferImage(w, r, sourceURL)
	}
}

// sourceFromQuery undoes a second round of URL encoding, which some callers
// apply on top of the query encoding.
func sourceFromQuery(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw != "" && !strings.Contains(raw, "://") {
		if decoded, err := url.QueryUnescape(raw); err == nil {
			raw = decoded
		}
	}
	return raw
}

func (h *Handler) bufferImage(w http.ResponseWriter, r *http.Request, sourceURL string) {
	ctx := r.Context()
	key := assetcache.Key(h.opts.Images.Descriptor(sourceURL))

	body, hit, err := h.opts.Cache.Get(ctx, key)
	if err != nil {
		logging.Warn("asset cache read failed", "key", key, "error", err)
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveCache(hit)
	}

	if !hit {
		res, err := h.opts.Images.Normalize(ctx, sourceURL)
		if err != nil {
			logging.Error("Proxy Error", "url", sourceURL, "error", err)
			h.observeProxy(proxyOutcome(err))
			http.Error(w, proxyFailure, http.StatusInternalServerError)
			return
		}
		body = res.Body
		if err := h.opts.Cache.Put(ctx, key, body); err != nil {
			logging.Warn("asset cache write failed", "key", key, "error", err)
		}
	}

	h.observeProxy("ok")
	w.Header().Set("Content-Type", imaging.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

func (h *Handler) streamImage(w http.ResponseWriter, r *http.Request, sourceURL string) {
	cw := &countingWriter{w: w}
	w.Header().Set("Content-Type", imaging.ContentType)

	if _, err := h.opts.Images.Stream(r.Context(), sourceURL, cw); err != nil {
		logging.Error("Proxy Error", "url", sourceURL, "error", err, "bytes_sent", cw.n)
		h.observeProxy(proxyOutcome(err))
		if cw.n == 0 {
			w.Header().Del("Content-Type")
			http.Error(w, proxyFailure, http.StatusInternalServerError)
		}
		return
	}
	h.observeProxy("ok")
}

func (h *Handler) observeProxy(outcome string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveProxy(h.opts.ProxyMode, outcome)
	}
}

func proxyOutcome(err error) string {
	switch {
	case errors.Is(err, imaging.ErrHostNotAllowed):
		return "forbidden"
	case errors.Is(err, imaging.ErrFetch):
		return "fetch_error"
	case errors.Is(err, imaging.ErrTooLarge):
		return "too_large"
	default:
		return "transcode_error"
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}
