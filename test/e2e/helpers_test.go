package e2e_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/gwcli/internal/config"
	"github.com/alexjbarnes/gwcli/internal/keyring"
	"github.com/alexjbarnes/gwcli/internal/logging"
	"github.com/alexjbarnes/gwcli/internal/oauth"
	"github.com/alexjbarnes/gwcli/internal/secrets"
)

const (
	testClientID = "e2e-client"
	testSecret   = "e2e-secret"
	idTokenKey   = "e2e-id-token-signing-key"
)

// provider is a minimal OAuth 2.0 authorization server: /auth approves
// immediately, /token issues refresh and access tokens, /api/ping checks
// bearer tokens.
type provider struct {
	t   *testing.T
	srv *httptest.Server

	// email is the account the consent screen "signs in" as.
	email string

	mu        sync.Mutex
	codes     map[string]string // code -> redirect_uri
	refresh   map[string]string // refresh token -> email
	access    map[string]string // access token -> email
	seq       int
	pings     []string
	loginHint string
}

func newProvider(t *testing.T, email string) *provider {
	t.Helper()

	p := &provider{
		t:       t,
		email:   email,
		codes:   map[string]string{},
		refresh: map[string]string{},
		access:  map[string]string{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth", p.authorize)
	mux.HandleFunc("POST /token", p.token)
	mux.HandleFunc("GET /api/ping", p.ping)

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)

	return p
}

func (p *provider) next(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%d", prefix, p.seq)
}

func (p *provider) authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("client_id") != testClientID || q.Get("response_type") != "code" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	code := p.next("code")
	p.codes[code] = redirect.String()
	p.loginHint = q.Get("login_hint")
	p.mu.Unlock()

	rq := url.Values{"code": {code}, "state": {q.Get("state")}}
	redirect.RawQuery = rq.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (p *provider) clientOK(r *http.Request) bool {
	id, secret, ok := r.BasicAuth()
	if !ok {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}

	return id == testClientID && secret == testSecret
}

func (p *provider) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || !p.clientOK(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		redirect, ok := p.codes[r.PostForm.Get("code")]
		if !ok || redirect != r.PostForm.Get("redirect_uri") {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}

		delete(p.codes, r.PostForm.Get("code"))

		rt := p.next("rt")
		at := p.next("at")
		p.refresh[rt] = p.email
		p.access[at] = p.email

		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  at,
			"refresh_token": rt,
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "openid email https://www.googleapis.com/auth/drive",
			"id_token":      p.idToken(),
		})
	case "refresh_token":
		email, ok := p.refresh[r.PostForm.Get("refresh_token")]
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}

		at := p.next("at")
		p.access[at] = email

		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": at,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (p *provider) idToken() string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   p.srv.URL,
		"aud":   testClientID,
		"email": p.email,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	signed, err := tok.SignedString([]byte(idTokenKey))
	require.NoError(p.t, err)

	return signed
}

func (p *provider) ping(w http.ResponseWriter, r *http.Request) {
	at := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	p.mu.Lock()
	email, ok := p.access[at]
	if ok {
		p.pings = append(p.pings, email)
	}
	p.mu.Unlock()

	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"email": email})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// env is an on-disk gwcli configuration pointed at a provider.
type env struct {
	dir   string
	store *secrets.Store
	creds config.CredentialsReader
}

// newEnv writes client credentials whose auth_uri and token_uri point at
// p and opens the named keyring backend under a temp config directory.
func newEnv(t *testing.T, p *provider, backend string) *env {
	t.Helper()

	dir := t.TempDir()

	raw, err := json.Marshal(map[string]any{"installed": map[string]string{
		"client_id":     testClientID,
		"client_secret": testSecret,
		"auth_uri":      p.srv.URL + "/auth",
		"token_uri":     p.srv.URL + "/token",
	}})
	require.NoError(t, err)

	_, err = config.WriteClientCredentials(dir, "", raw)
	require.NoError(t, err)

	b, err := keyring.Open(backend, filepath.Join(dir, "keyring"),
		keyring.WithIdentity(func() (string, error) { return "e2e-host\x00e2e-user", nil }),
		keyring.WithLogger(logging.Discard()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = keyring.Close(b) })

	return &env{
		dir:   dir,
		store: secrets.NewStore(b, logging.Discard()),
		creds: config.CredentialsReader{Dir: dir},
	}
}

func (e *env) engine() *oauth.Engine {
	return oauth.NewEngine(oauth.EngineConfig{
		Credentials: e.creds,
		Logger:      logging.Discard(),
		Timeout:     10 * time.Second,
	})
}

// browser follows the provider's redirect back to the loopback callback.
func browser() *http.Client {
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

func fileExists(t *testing.T, path string) bool {
	t.Helper()

	_, err := os.Stat(path)

	return err == nil
}
