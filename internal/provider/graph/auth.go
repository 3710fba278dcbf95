package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// graphScope requests the application permissions granted to the client.
	graphScope = "https://graph.microsoft.com/.default"

	// expiryMargin is subtracted from the advertised token lifetime so a token
	// never expires while a sendMail request carrying it is in flight.
	expiryMargin = 5 * time.Minute

	maxTokenResponse = 64 << 10
)

// tokenSource fetches app-only access tokens with the client credentials
// grant and caches the current one until shortly before it expires. It is
// safe for concurrent use; concurrent callers share one fetch.
type tokenSource struct {
	endpoint string
	form     string
	client   *http.Client
	now      func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func newTokenSource(endpoint, clientID, clientSecret string, client *http.Client) *tokenSource {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"scope":         {graphScope},
	}
	return &tokenSource{
		endpoint: endpoint,
		form:     form.Encode(),
		client:   client,
		now:      time.Now,
	}
}

// Token returns the cached token, fetching a new one when none is cached or
// the cached one is about to expire.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && ts.now().Before(ts.expiry) {
		return ts.token, nil
	}
	return ts.fetch(ctx)
}

// Invalidate drops the cached token. Graph answers 401 for tokens revoked
// before their expiry; the next Token call then fetches a fresh one.
func (ts *tokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.expiry = time.Time{}
	ts.mu.Unlock()
}

// fetch must be called with ts.mu held.
func (ts *tokenSource) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.endpoint, strings.NewReader(ts.form))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", newTokenError(resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("token response missing access_token")
	}

	ts.token = tr.AccessToken
	ts.expiry = ts.now().Add(time.Duration(tr.ExpiresIn)*time.Second - expiryMargin)
	return ts.token, nil
}

// tokenError is an error answer of the token endpoint.
type tokenError struct {
	status      int
	code        string
	description string
}

// newTokenError reads the OAuth2 error body. The identity platform appends
// trace and correlation ids to the description on further lines; only the
// first line is kept.
func newTokenError(status int, body []byte) *tokenError {
	e := &tokenError{status: status}
	var er tokenErrorResponse
	if json.Unmarshal(body, &er) == nil {
		e.code = er.Error
		e.description, _, _ = strings.Cut(strings.TrimSpace(er.ErrorDescription), "\n")
		e.description = strings.TrimSpace(e.description)
	}
	return e
}

func (e *tokenError) Error() string {
	switch {
	case e.code == "":
		return fmt.Sprintf("token endpoint returned %d", e.status)
	case e.description == "":
		return fmt.Sprintf("token endpoint returned %d: %s", e.status, e.code)
	default:
		return fmt.Sprintf("token endpoint returned %d: %s: %s", e.status, e.code, e.description)
	}
}

// temporary reports whether asking again with the same credentials can
// succeed.
func (e *tokenError) temporary() bool {
	switch e.code {
	case "temporarily_unavailable":
		return true
	case "invalid_client", "unauthorized_client", "invalid_request", "invalid_scope", "unsupported_grant_type":
		return false
	}
	return e.status == http.StatusTooManyRequests || e.status >= 500
}
