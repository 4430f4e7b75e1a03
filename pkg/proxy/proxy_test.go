package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestUpstream(t *testing.T, expectKey string, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer "+expectKey, r.Header.Get("Authorization"))
		w.Header().Set("X-Upstream-Path", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
}

func TestOptionsShortCircuitsOK(t *testing.T) {
	s := NewServer(Upstream{}, Upstream{}, 60)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/anything", nil)
	s.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHealthReportsTokenCount(t *testing.T) {
	s := NewServer(Upstream{}, Upstream{}, 60)
	_, err := s.NewToken("job-1")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"tokens":1`)
}

func TestUnknownTokenRejected401(t *testing.T) {
	s := NewServer(Upstream{}, Upstream{}, 60)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer not-registered")
	s.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMissingTokenRejected401(t *testing.T) {
	s := NewServer(Upstream{}, Upstream{}, 60)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	s.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRevokedTokenRejected401(t *testing.T) {
	s := NewServer(Upstream{}, Upstream{}, 60)
	token, err := s.NewToken("job-1")
	require.NoError(t, err)
	s.Revoke(token)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	s.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimitExceeded429(t *testing.T) {
	primary := newTestUpstream(t, "primary-key", "ok")
	defer primary.Close()

	s := NewServer(Upstream{BaseURL: primary.URL, APIKey: "primary-key"}, Upstream{}, 1)
	token, err := s.NewToken("job-1")
	require.NoError(t, err)

	r1 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r1.Header.Set("Authorization", "Bearer "+token)
	w1 := httptest.NewRecorder()
	s.ServeHTTP(w1, r1)
	require.Equal(t, http.StatusOK, w1.Code)

	r2 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r2.Header.Set("Authorization", "Bearer "+token)
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, r2)
	require.Equal(t, http.StatusTooManyRequests, w2.Code)
}

func TestBodyTooLargeRejected413(t *testing.T) {
	s := NewServer(Upstream{}, Upstream{}, 60)
	token, err := s.NewToken("job-1")
	require.NoError(t, err)

	bigBody := make([]byte, maxBodyBytes+10)
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", io.NopCloser(newBodyReader(bigBody)))
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestRoutesPrimaryByDefault(t *testing.T) {
	primary := newTestUpstream(t, "primary-key", "primary-ok")
	defer primary.Close()
	embeddings := newTestUpstream(t, "embed-key", "embed-ok")
	defer embeddings.Close()

	s := NewServer(
		Upstream{BaseURL: primary.URL, APIKey: "primary-key"},
		Upstream{BaseURL: embeddings.URL, APIKey: "embed-key"},
		60,
	)
	token, err := s.NewToken("job-1")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "primary-ok", w.Body.String())
}

func TestRoutesEmbeddingsWhenPathMatches(t *testing.T) {
	primary := newTestUpstream(t, "primary-key", "primary-ok")
	defer primary.Close()
	embeddings := newTestUpstream(t, "embed-key", "embed-ok")
	defer embeddings.Close()

	s := NewServer(
		Upstream{BaseURL: primary.URL, APIKey: "primary-key"},
		Upstream{BaseURL: embeddings.URL, APIKey: "embed-key"},
		60,
	)
	token, err := s.NewToken("job-1")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/v1/embeddings/create", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "embed-ok", w.Body.String())
}

func TestUpstreamFailureReturns502(t *testing.T) {
	s := NewServer(Upstream{BaseURL: "http://127.0.0.1:0", APIKey: "k"}, Upstream{}, 60)
	token, err := s.NewToken("job-1")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	require.Equal(t, http.StatusBadGateway, w.Code)
}
