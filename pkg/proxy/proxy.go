// Package proxy implements the credential-swapping HTTP proxy: sandboxes
// never hold real LLM provider keys, only a bearer token scoped to their
// container; the proxy swaps that token for the real upstream key on
// every forwarded request (spec §4.3).
package proxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/autobb888/vap-dispatcher/pkg/log"
	"github.com/autobb888/vap-dispatcher/pkg/metrics"
)

const maxBodyBytes = 100 * 1024 // 100 KiB, spec §4.3

// Upstream is one provider the proxy forwards to: a base URL and the real
// key swapped into the Authorization header.
type Upstream struct {
	BaseURL string
	APIKey  string
}

// tokenEntry is what the registry tracks per bearer token.
type tokenEntry struct {
	jobID     string
	createdAt time.Time
	limiter   *rate.Limiter
}

// Server is the loopback credential proxy. One Server serves every
// container's sandbox traffic; tokens scope each request to its job.
type Server struct {
	Primary    Upstream
	Embeddings Upstream
	RateLimit  int // requests per minute per token

	httpClient *http.Client

	mu     sync.RWMutex
	tokens map[string]*tokenEntry
}

// NewServer constructs a Server. rateLimit is the per-token cap on
// requests per minute (spec §5 proxyRateLimit).
func NewServer(primary, embeddings Upstream, rateLimit int) *Server {
	return &Server{
		Primary:    primary,
		Embeddings: embeddings,
		RateLimit:  rateLimit,
		httpClient: &http.Client{Timeout: 0}, // provider-default per spec §5; caller's context carries the real bound
		tokens:     make(map[string]*tokenEntry),
	}
}

// NewToken mints and registers a fresh 256-bit bearer token for jobID
// (spec GLOSSARY: "A 256-bit random secret issued per container"). The
// manager's invariant from §4.2 — "every token handed out ... has been
// registered at the proxy before health probing begins" — holds because
// registration happens here, synchronously, before the token is ever
// returned to a caller.
func (s *Server) NewToken(jobID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate bearer token: %w", err)
	}
	token := hex.EncodeToString(buf)

	s.mu.Lock()
	s.tokens[token] = &tokenEntry{
		jobID:     jobID,
		createdAt: time.Now(),
		limiter:   rate.NewLimiter(rate.Limit(float64(s.RateLimit)/60.0), s.RateLimit),
	}
	s.mu.Unlock()
	return token, nil
}

// Revoke removes a token's registry entries synchronously. Spec §4.2:
// "every destroy revokes the token at the proxy before issuing the
// runtime stop."
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// TokenCount reports how many tokens are currently registered, surfaced
// on the health endpoint.
func (s *Server) TokenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

func (s *Server) lookup(token string) (*tokenEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tokens[token]
	return e, ok
}

// ServeHTTP implements the request handling sequence from spec §4.3:
// OPTIONS short-circuit, health, bearer extraction, rate limiting, body
// cap, routing, relay.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.URL.Path == "/health" {
		s.serveHealth(w)
		return
	}

	token := extractBearer(r.Header.Get("Authorization"))
	if token == "" {
		metrics.ProxyRequestsTotal.WithLabelValues("401").Inc()
		http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
		return
	}
	entry, ok := s.lookup(token)
	if !ok {
		metrics.ProxyRequestsTotal.WithLabelValues("401").Inc()
		http.Error(w, `{"error":"unknown bearer token"}`, http.StatusUnauthorized)
		return
	}
	if !entry.limiter.Allow() {
		metrics.ProxyRequestsTotal.WithLabelValues("429").Inc()
		http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	body, err := readCappedBody(r)
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues("413").Inc()
		http.Error(w, `{"error":"request body too large"}`, http.StatusRequestEntityTooLarge)
		return
	}

	upstream, path := s.route(r.URL.Path)
	s.forward(w, r, upstream, path, body)
}

func (s *Server) serveHealth(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":     true,
		"tokens": s.TokenCount(),
	})
}

// route picks the upstream and forwarded path for a request path. A path
// containing "/embeddings/" is routed to the embeddings provider with
// that prefix stripped; everything else goes to the primary provider
// verbatim (spec §4.3 point 6).
func (s *Server) route(path string) (Upstream, string) {
	const marker = "/embeddings/"
	if idx := strings.Index(path, marker); idx >= 0 {
		return s.Embeddings, path[idx+len(marker)-1:]
	}
	return s.Primary, path
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, upstream Upstream, path string, body []byte) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstream.BaseURL+path, newBodyReader(body))
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues("502").Inc()
		writeBadGateway(w, err)
		return
	}
	req.Header = r.Header.Clone()
	req.Header.Set("Authorization", "Bearer "+upstream.APIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues("502").Inc()
		writeBadGateway(w, err)
		return
	}
	defer resp.Body.Close()

	metrics.ProxyRequestsTotal.WithLabelValues(statusClass(resp.StatusCode)).Inc()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Logger.Warn().Err(err).Msg("proxy: error relaying upstream response body")
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func writeBadGateway(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

func readCappedBody(r *http.Request) ([]byte, error) {
	limited := io.LimitReader(r.Body, maxBodyBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(raw) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	return raw, nil
}

func newBodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}

// Shutdown is a no-op placeholder for symmetry with other components that
// expose Shutdown(ctx); the proxy holds no background goroutines of its
// own beyond the http.Server that wraps it in cmd/vap-dispatcher.
func (s *Server) Shutdown(ctx context.Context) error {
	return nil
}
