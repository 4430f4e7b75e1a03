package marketplace

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/autobb888/vap-dispatcher/pkg/signer"
	"github.com/autobb888/vap-dispatcher/pkg/types"
)

const testWIF = "L1aW4aubDFB7yfras2S1mN3bqg9nwySY8nkoLmJebSLD5BWv3ENZ"

func newTestSigner(t *testing.T) *signer.Signer {
	t.Helper()
	s, err := signer.New(&types.Identity{
		AgentID:      "agent-1",
		WIF:          testWIF,
		IAddress:     "iAddr1",
		IdentityName: "agent1@",
	})
	require.NoError(t, err)
	return s
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write([]byte(`{"data":` + string(raw) + `}`))
	require.NoError(t, err)
}

func TestLoginSetsSessionCookie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/challenge":
			writeEnvelope(t, w, challengeResponse{Challenge: "abc", ChallengeID: "ch1"})
		case "/auth/login":
			http.SetCookie(w, &http.Cookie{Name: "verus_session", Value: "s1"})
			writeEnvelope(t, w, map[string]string{"ok": "true"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL, newTestSigner(t), time.Second)
	require.NoError(t, err)

	require.NoError(t, c.Login(t.Context()))
	require.True(t, c.loggedIn)

	u, err := url.Parse(srv.URL + "/auth/challenge")
	require.NoError(t, err)
	cookies := c.httpClient.Jar.Cookies(u)
	require.Len(t, cookies, 1)
	require.Equal(t, "verus_session", cookies[0].Name)
}

func TestPingSucceedsWithoutLoggingIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/challenge" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeEnvelope(t, w, challengeResponse{Challenge: "abc", ChallengeID: "ch1"})
	}))
	defer srv.Close()

	c, err := New(srv.URL, newTestSigner(t), time.Second)
	require.NoError(t, err)

	require.NoError(t, c.Ping(t.Context()))
	require.False(t, c.loggedIn)
}

func TestPingPropagatesUnreachableError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(srv.URL, newTestSigner(t), time.Second)
	require.NoError(t, err)

	require.Error(t, c.Ping(t.Context()))
}

func TestDoRequestRetriesOnceOn401(t *testing.T) {
	var jobCalls int32
	var loginCalls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/auth/challenge":
			writeEnvelope(t, w, challengeResponse{Challenge: "abc", ChallengeID: "ch1"})
		case r.URL.Path == "/auth/login":
			atomic.AddInt32(&loginCalls, 1)
			http.SetCookie(w, &http.Cookie{Name: "verus_session", Value: "s1"})
			writeEnvelope(t, w, map[string]string{"ok": "true"})
		case r.URL.Path == "/v1/jobs/job-1":
			n := atomic.AddInt32(&jobCalls, 1)
			if n == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			writeEnvelope(t, w, types.Job{ID: "job-1", JobHash: "hash1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL, newTestSigner(t), time.Second)
	require.NoError(t, err)

	job, err := c.Job(t.Context(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "hash1", job.JobHash)
	require.Equal(t, int32(2), atomic.LoadInt32(&jobCalls))
	require.Equal(t, int32(1), atomic.LoadInt32(&loginCalls))
}

func TestJobsListsByStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/me/jobs", r.URL.Path)
		require.Equal(t, "requested", r.URL.Query().Get("status"))
		require.Equal(t, "seller", r.URL.Query().Get("role"))
		writeEnvelope(t, w, []types.Job{{ID: "job-1"}, {ID: "job-2"}})
	}))
	defer srv.Close()

	c, err := New(srv.URL, newTestSigner(t), time.Second)
	require.NoError(t, err)

	jobs, err := c.Jobs(t.Context(), "requested")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}

func TestAcceptPostsTimestampAndSignature(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/jobs/job-1/accept", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, err := New(srv.URL, newTestSigner(t), time.Second)
	require.NoError(t, err)

	require.NoError(t, c.Accept(t.Context(), "job-1", 1700000000, "sig123"))
	require.Equal(t, "sig123", gotBody["signature"])
}

func TestJobPropagatesNonRetryableError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(srv.URL, newTestSigner(t), time.Second)
	require.NoError(t, err)

	_, err = c.Job(t.Context(), "job-1")
	require.Error(t, err)
}
