package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	middleware "github.com/markdave123-py/docpipe/internal/api/middlewares"
	"github.com/markdave123-py/docpipe/internal/core/cache"
	"github.com/markdave123-py/docpipe/internal/logging"
	"github.com/markdave123-py/docpipe/internal/models"
)

var errCacheDisabled = errors.New("result cache disabled")

// CacheHandler exposes cache maintenance. A nil cache answers 404.
type CacheHandler struct {
	cache  *cache.ResultCache
	logger *zap.Logger
}

func NewCacheHandler(c *cache.ResultCache, logger *zap.Logger) *CacheHandler {
	return &CacheHandler{cache: c, logger: logging.OrNop(logger).Named("http")}
}

func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeError(w, http.StatusNotFound, errCacheDisabled)
		return
	}
	writeJSON(w, http.StatusOK, h.cache.Stats(r.Context()))
}

// Invalidate removes the caller's entry for a fingerprint.
func (h *CacheHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeError(w, http.StatusNotFound, errCacheDisabled)
		return
	}
	fp := models.Fingerprint(chi.URLParam(r, "fingerprint"))
	tenant := middleware.TenantFromContext(r.Context())
	if !h.cache.Invalidate(r.Context(), fp, tenant) {
		writeJSON(w, http.StatusNotFound, map[string]bool{"removed": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

// Sweep drops expired entries in every namespace.
func (h *CacheHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeError(w, http.StatusNotFound, errCacheDisabled)
		return
	}
	n := h.cache.ClearExpired(r.Context())
	h.logger.Info("cache swept", zap.Int("removed", n))
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}
