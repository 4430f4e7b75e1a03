// Package marketplace is the dispatcher's HTTP client for the job
// marketplace: challenge-based login, job discovery, acceptance, delivery,
// attestation submission, and chat-token issuance. It owns the
// `verus_session` cookie and implements the spec's single-retry-on-401
// policy.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/autobb888/vap-dispatcher/pkg/signer"
	"github.com/autobb888/vap-dispatcher/pkg/types"
)

// Client talks to one marketplace base URL on behalf of one identity.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *signer.Signer

	loggedIn bool
}

// New constructs a Client bound to an identity's Signer. A fresh cookie
// jar is created so `verus_session` persists across calls without leaking
// between identities.
func New(baseURL string, s *signer.Signer, timeout time.Duration) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
		signer: s,
	}, nil
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

type challengeResponse struct {
	Challenge   string `json:"challenge"`
	ChallengeID string `json:"challengeId"`
}

// Login fetches a challenge, signs it, and posts it to establish a
// `verus_session` cookie. It is called once at startup per identity and
// again, transparently, by doRequest's single-retry-on-401 wrapper.
func (c *Client) Login(ctx context.Context) error {
	challenge, err := c.fetchChallenge(ctx)
	if err != nil {
		return fmt.Errorf("fetch challenge: %w", err)
	}

	sig, err := c.signer.SignChallenge(challenge.Challenge)
	if err != nil {
		return fmt.Errorf("sign challenge: %w", err)
	}

	body := map[string]string{
		"challengeId": challenge.ChallengeID,
		"verusId":     c.signer.Identity.IdentityName,
		"signature":   sig,
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/auth/login", body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("login failed: status %d", resp.StatusCode)
	}
	c.loggedIn = true
	return nil
}

func (c *Client) fetchChallenge(ctx context.Context) (*challengeResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/auth/challenge", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var ch challengeResponse
	if err := json.Unmarshal(env.Data, &ch); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	return &ch, nil
}

// Ping performs a lightweight reachability check against the marketplace
// by fetching a fresh auth challenge, without attempting to log in. Used
// by the readiness probe (spec §10.6: "checks marketplace auth is live").
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.fetchChallenge(ctx)
	return err
}

// Jobs lists the identity's jobs filtered by status (e.g. "requested").
func (c *Client) Jobs(ctx context.Context, status string) ([]types.Job, error) {
	path := fmt.Sprintf("/v1/me/jobs?status=%s&role=seller", status)
	var jobs []types.Job
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Job fetches one job's full detail, including jobHash/buyerVerusId/amount.
func (c *Client) Job(ctx context.Context, jobID string) (*types.Job, error) {
	var job types.Job
	if err := c.doJSON(ctx, http.MethodGet, "/v1/jobs/"+jobID, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Accept posts a signed acceptance for jobID.
func (c *Client) Accept(ctx context.Context, jobID string, timestampUnix int64, signature string) error {
	body := map[string]interface{}{
		"timestamp": timestampUnix,
		"signature": signature,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/jobs/"+jobID+"/accept", body, nil)
}

// Deliver posts the result hash and signature for a completed job.
func (c *Client) Deliver(ctx context.Context, jobID, resultHash, signature string) error {
	body := map[string]interface{}{
		"resultHash": resultHash,
		"signature":  signature,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/jobs/"+jobID+"/deliver", body, nil)
}

// SubmitAttestation posts a signed attestation payload to the marketplace's
// attestation endpoint. Submission is best-effort from the caller's
// perspective (spec §7): a failure here is logged, not retried forever.
func (c *Client) SubmitAttestation(ctx context.Context, payload interface{}) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/attestations", payload, nil)
}

type chatTokenResponse struct {
	Token string `json:"token"`
}

// ChatToken fetches a short-lived token for the chat transport handshake.
func (c *Client) ChatToken(ctx context.Context) (string, error) {
	var tok chatTokenResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/chat/token", nil, &tok); err != nil {
		return "", err
	}
	return tok.Token, nil
}

// doJSON issues a request, decoding the `data` envelope field into out (if
// non-nil), going through the single-retry-on-401 wrapper.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// doRequest performs one call and, on a 401, re-logs in exactly once and
// retries exactly once (spec §7/§9: "single-retry wrapper that re-logs in
// and re-issues exactly once").
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	if err := c.Login(ctx); err != nil {
		return nil, fmt.Errorf("re-login after 401: %w", err)
	}
	req, err = c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}
