// Package httpcache serves HTTP responses out of the cache engine. It is a
// boundary consumer: all HTTP semantics (cacheability, validators, resource
// invalidation on writes) live here, and the engine only ever sees opaque
// keys and byte values.
package httpcache

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/wudi/cascade/cache"
	"github.com/wudi/cascade/internal/logging"
	"github.com/wudi/cascade/keys"
)

// Response is the cached shape of an upstream HTTP response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Config controls one handler's caching policy.
type Config struct {
	TTL         time.Duration
	MaxBodySize int64
	Methods     []string // cacheable methods, default GET
	KeyHeaders  []string // request headers that fragment the cache
	Identity    string   // request header naming the caller, e.g. X-User-ID

	// ValidatorCap bounds the in-process fingerprint cache used for
	// If-None-Match short-circuits.
	ValidatorCap int
}

// Handler caches HTTP responses through a cache manager.
type Handler struct {
	manager     *cache.Manager
	ttl         time.Duration
	maxBodySize int64
	keyHeaders  []string
	identity    string
	methods     map[string]bool

	// validators maps cache key to the strong ETag of the stored body.
	// Kept in-process only: a validator miss just skips the 304 fast path.
	validators *expirable.LRU[string, string]
}

// NewHandler creates a response-cache handler backed by the manager.
func NewHandler(m *cache.Manager, cfg Config) *Handler {
	methods := cfg.Methods
	if len(methods) == 0 {
		methods = []string{http.MethodGet}
	}
	methodMap := make(map[string]bool, len(methods))
	for _, mtd := range methods {
		methodMap[strings.ToUpper(mtd)] = true
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = keys.ResponseTTL
	}
	maxBodySize := cfg.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20 // 1MB
	}
	validatorCap := cfg.ValidatorCap
	if validatorCap <= 0 {
		validatorCap = 4096
	}

	return &Handler{
		manager:     m,
		ttl:         ttl,
		maxBodySize: maxBodySize,
		keyHeaders:  cfg.KeyHeaders,
		identity:    cfg.Identity,
		methods:     methodMap,
		validators:  expirable.NewLRU[string, string](validatorCap, nil, ttl),
	}
}

// BuildKey derives the cache key for a request.
func (h *Handler) BuildKey(r *http.Request) string {
	identity := ""
	if h.identity != "" {
		identity = r.Header.Get(h.identity)
	}
	return keys.Response(r.Method, r.URL.Path, r.URL.RawQuery, r.Header, h.keyHeaders, identity)
}

// ShouldCache reports whether the request may be answered from cache.
func (h *Handler) ShouldCache(r *http.Request) bool {
	if !h.methods[r.Method] {
		return false
	}
	cc := r.Header.Get("Cache-Control")
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "no-cache") {
		return false
	}
	return true
}

// ShouldStore reports whether the response may be written to cache.
func (h *Handler) ShouldStore(statusCode int, headers http.Header, bodySize int64) bool {
	if statusCode < 200 || statusCode >= 300 {
		return false
	}
	if strings.Contains(headers.Get("Cache-Control"), "no-store") {
		return false
	}
	if bodySize > h.maxBodySize {
		return false
	}
	return true
}

// Middleware wraps next with response caching. Mutating methods bypass the
// cache and invalidate the request's resource footprint on success.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsMutatingMethod(r.Method) {
			rec := NewRecorder(w)
			next.ServeHTTP(rec, r)
			if rec.StatusCode() < 400 {
				h.invalidate(r)
			}
			return
		}

		if !h.ShouldCache(r) {
			next.ServeHTTP(w, r)
			return
		}

		key := h.BuildKey(r)

		// Conditional fast path: a matching validator answers without
		// touching the cache layers at all.
		if inm := r.Header.Get("If-None-Match"); inm != "" {
			if etag, ok := h.validators.Get(key); ok && etagMatches(inm, etag) {
				w.Header().Set("ETag", etag)
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}

		if data, ok := h.manager.Get(r.Context(), key); ok {
			resp, err := decodeResponse(data)
			if err != nil {
				// Undecodable entries are dropped and treated as a miss.
				logging.Warn("cached response undecodable, dropping",
					zap.String("key", key), zap.Error(err))
				h.manager.Delete(r.Context(), key)
			} else {
				writeCached(w, resp)
				return
			}
		}

		rec := NewRecorder(w)
		next.ServeHTTP(rec, r)

		body := rec.Body.Bytes()
		if !h.ShouldStore(rec.StatusCode(), rec.Header(), int64(len(body))) {
			return
		}
		data, err := encodeResponse(&Response{
			StatusCode: rec.StatusCode(),
			Headers:    rec.Header().Clone(),
			Body:       body,
		})
		if err != nil {
			logging.Warn("response encoding failed", zap.String("key", key), zap.Error(err))
			return
		}
		// Response keys are hashes, so resource invalidation can never find
		// them by pattern; the tag is what ties them back to the resource.
		opts := cache.SetOptions{TTL: h.ttl}
		if resource := resourceFromPath(r.URL.Path); resource != "" {
			opts.Tags = []string{"resource:" + resource}
		}
		if _, err := h.manager.Set(r.Context(), key, data, opts); err == nil {
			h.validators.Add(key, strongETag(body))
		}
	})
}

// invalidate drops the resource footprint touched by a mutating request.
func (h *Handler) invalidate(r *http.Request) {
	resource := resourceFromPath(r.URL.Path)
	if resource == "" {
		return
	}
	if _, err := h.manager.InvalidateResource(r.Context(), resource); err != nil {
		logging.Warn("resource invalidation failed",
			zap.String("resource", resource), zap.Error(err))
	}
	h.manager.InvalidateTag(r.Context(), "resource:"+resource)
	h.validators.Purge()
}

// resourceFromPath extracts the resource name from a request path, skipping
// a leading api/version segment: /api/v1/users/42 and /users/42 both map to
// "users".
func resourceFromPath(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for _, s := range segs {
		if s == "" || s == "api" || (len(s) >= 2 && s[0] == 'v' && s[1] >= '0' && s[1] <= '9') {
			continue
		}
		return s
	}
	return ""
}

// IsMutatingMethod reports whether the method may change server state.
func IsMutatingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func strongETag(body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("%q", hex.EncodeToString(sum[:16]))
}

// etagMatches checks an If-None-Match header value against the stored tag.
func etagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "*" {
		return true
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}

func writeCached(w http.ResponseWriter, resp *Response) {
	for k, vals := range resp.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Cache", "HIT")
	w.Header().Set("ETag", strongETag(resp.Body))
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func encodeResponse(resp *Response) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(resp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
