package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/pithecene-io/dredge/creds"
)

// DefaultTokenExpiry applies when the token response omits expires_in.
const DefaultTokenExpiry = 3600 * time.Second

// DefaultExpirySkew is subtracted from the token expiry when deciding
// whether to reuse a cached token, absorbing clock drift and in-flight
// request latency.
const DefaultExpirySkew = 60 * time.Second

// OAuth implements the client-credentials grant with a cached token.
//
// Token lifecycle: none -> acquiring -> valid(expiry) -> expiring ->
// acquiring. At most one acquisition is in flight per instance;
// concurrent requesters coalesce on the same acquisition.
type OAuth struct {
	// ConfigName scopes the provider lookups for consumer_key and
	// consumer_secret.
	ConfigName string
	// TokenURL is the token endpoint.
	TokenURL string
	// Skew overrides DefaultExpirySkew when > 0.
	Skew time.Duration
	// HTTPClient overrides the token-endpoint client. The pool's clients
	// are not used here: acquisition must not recurse through the pool's
	// own auth step.
	HTTPClient *http.Client

	mu    sync.Mutex
	token *oauth2.Token
	group singleflight.Group

	// now is swappable for expiry tests.
	now func() time.Time
}

// Name implements Mechanism.
func (o *OAuth) Name() string { return "oauth:" + o.ConfigName + "@" + o.TokenURL }

// Authenticate implements Mechanism. A valid cached token is reused;
// otherwise one acquisition runs and every concurrent caller shares its
// outcome. On acquisition failure the cached state is left unchanged.
func (o *OAuth) Authenticate(ctx context.Context, headers map[string]string, provider creds.Provider) (map[string]string, error) {
	tok, err := o.tokenFor(ctx, provider)
	if err != nil {
		return nil, err
	}
	out := copyHeaders(headers)
	out[HeaderAuthorization] = "Bearer " + tok.AccessToken
	return out, nil
}

// Token returns the current token, acquiring one if needed.
func (o *OAuth) tokenFor(ctx context.Context, provider creds.Provider) (*oauth2.Token, error) {
	if tok := o.cachedValid(); tok != nil {
		return tok, nil
	}

	v, err, _ := o.group.Do("acquire", func() (any, error) {
		// Re-check under the flight: a previous caller may have
		// refreshed the token while we waited to enter.
		if tok := o.cachedValid(); tok != nil {
			return tok, nil
		}
		tok, err := o.acquire(ctx, provider)
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		o.token = tok
		o.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

func (o *OAuth) cachedValid() *oauth2.Token {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.token == nil || o.token.AccessToken == "" {
		return nil
	}
	skew := o.Skew
	if skew <= 0 {
		skew = DefaultExpirySkew
	}
	if !o.clock().Before(o.token.Expiry.Add(-skew)) {
		return nil
	}
	return o.token
}

// tokenResponse is the subset of RFC 6749 §5.1 the engine consumes.
type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   json.Number `json:"expires_in"`
}

func (o *OAuth) acquire(ctx context.Context, provider creds.Provider) (*oauth2.Token, error) {
	key, err := provider.GetCredential(ctx, o.ConfigName, "consumer_key")
	if err != nil {
		return nil, fmt.Errorf("oauth %s: %w", o.ConfigName, err)
	}
	secret, err := provider.GetCredential(ctx, o.ConfigName, "consumer_secret")
	if err != nil {
		return nil, fmt.Errorf("oauth %s: %w", o.ConfigName, err)
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("oauth %s: build token request: %w", o.ConfigName, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(key, secret)

	resp, err := o.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth %s: token request: %w", o.ConfigName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("oauth %s: read token response: %w", o.ConfigName, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth %s: token endpoint returned %d", o.ConfigName, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("oauth %s: decode token response: %w", o.ConfigName, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("oauth %s: token response missing access_token", o.ConfigName)
	}

	expiresIn := DefaultTokenExpiry
	if secs, err := tr.ExpiresIn.Int64(); err == nil && secs > 0 {
		expiresIn = time.Duration(secs) * time.Second
	}

	return &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
		Expiry:      o.clock().Add(expiresIn),
	}, nil
}

func (o *OAuth) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (o *OAuth) clock() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now()
}

// Verify OAuth implements Mechanism.
var _ Mechanism = (*OAuth)(nil)
