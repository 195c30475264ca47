package oauth

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
	"github.com/alexjbarnes/gwcli/internal/logging"
)

type flowResult struct {
	res LocalServerResult
	err error
}

// startFlow runs AuthorizeWithLocalServer in the background and returns
// the emitted authorization URL.
func startFlow(t *testing.T, ctx context.Context, e *Engine, opts LocalServerOptions) (*url.URL, <-chan flowResult) {
	t.Helper()

	urls := make(chan string, 1)
	opts.OnAuthURL = func(u string) { urls <- u }

	if opts.Scopes == nil {
		opts.Scopes = []string{"s1"}
	}

	done := make(chan flowResult, 1)

	go func() {
		res, err := e.AuthorizeWithLocalServer(ctx, opts)
		done <- flowResult{res, err}
	}()

	select {
	case raw := <-urls:
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return u, done
	case r := <-done:
		t.Fatalf("flow ended before emitting URL: %v", r.err)
	case <-time.After(5 * time.Second):
		t.Fatal("no auth URL emitted")
	}

	return nil, nil
}

// callbackURL builds a request URL against the flow's redirect URI.
func callbackURL(t *testing.T, authURL *url.URL, path string, query url.Values) string {
	t.Helper()

	redirect, err := url.Parse(authURL.Query().Get("redirect_uri"))
	require.NoError(t, err)

	redirect.Path = path
	redirect.RawQuery = query.Encode()

	return redirect.String()
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

func waitFlow(t *testing.T, done <-chan flowResult) flowResult {
	t.Helper()

	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("flow did not finish")
	}

	return flowResult{}
}

// --- Success ---

func TestLocalServer_Success(t *testing.T) {
	var got ExchangeRequest

	e := testEngine(t, ExchangerFunc(func(_ context.Context, req ExchangeRequest) (ExchangeResult, error) {
		got = req
		return ExchangeResult{RefreshToken: "rt-local", Email: "a@x.com"}, nil
	}))

	var phases []Phase

	authURL, done := startFlow(t, context.Background(), e, LocalServerOptions{
		URLOptions: URLOptions{Client: "team"},
		OnPhase:    func(p Phase) { phases = append(phases, p) },
	})

	state := authURL.Query().Get("state")
	assert.Regexp(t, redirectRE, authURL.Query().Get("redirect_uri"))
	assert.Equal(t, "offline", authURL.Query().Get("access_type"))

	resp, err := newHTTPClient().Get(callbackURL(t, authURL, CallbackPath, url.Values{
		"state": {state}, "code": {"code-123"},
	}))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Authorization complete")
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", resp.Header.Get("Referrer-Policy"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	r := waitFlow(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, "rt-local", r.res.RefreshToken)
	assert.Equal(t, "a@x.com", r.res.Email)
	emitted, err := url.Parse(r.res.AuthURL)
	require.NoError(t, err)
	assert.Equal(t, authURL.String(), emitted.String())

	assert.Equal(t, "code-123", got.Code)
	assert.Equal(t, authURL.Query().Get("redirect_uri"), got.RedirectURI)
	assert.Equal(t, "team-id", got.ClientID)

	assert.Equal(t, []Phase{
		PhaseInit, PhaseServerBound, PhaseAuthURLEmitted, PhaseAwaitingCallback,
		PhaseCallbackAccepted, PhaseExchanged,
	}, phases)
}

func TestLocalServer_OtherPathIs404AndKeepsWaiting(t *testing.T) {
	e := testEngine(t, stubExchanger("rt"))

	authURL, done := startFlow(t, context.Background(), e, LocalServerOptions{})
	client := newHTTPClient()

	resp, err := client.Get(callbackURL(t, authURL, "/favicon.ico", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	select {
	case r := <-done:
		t.Fatalf("flow ended on a 404 path: %v", r.err)
	default:
	}

	resp, err = client.Get(callbackURL(t, authURL, CallbackPath, url.Values{
		"state": {authURL.Query().Get("state")}, "code": {"c"},
	}))
	require.NoError(t, err)
	resp.Body.Close()

	r := waitFlow(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, "rt", r.res.RefreshToken)
}

// --- Rejections ---

func TestLocalServer_StateMismatchClosesServer(t *testing.T) {
	ctrl := gomock.NewController(t)
	e := testEngine(t, NewMockExchanger(ctrl))

	authURL, done := startFlow(t, context.Background(), e, LocalServerOptions{})
	client := newHTTPClient()
	target := callbackURL(t, authURL, CallbackPath, url.Values{"state": {"forged"}, "code": {"stolen"}})

	resp, err := client.Get(target)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r := waitFlow(t, done)
	require.Error(t, r.err)
	assert.ErrorIs(t, r.err, apperrors.ErrStateMismatch)

	_, err = client.Get(target)
	assert.Error(t, err, "server must be closed after a state mismatch")
}

func TestLocalServer_MissingCode(t *testing.T) {
	ctrl := gomock.NewController(t)
	e := testEngine(t, NewMockExchanger(ctrl))

	authURL, done := startFlow(t, context.Background(), e, LocalServerOptions{})

	resp, err := newHTTPClient().Get(callbackURL(t, authURL, CallbackPath, url.Values{
		"state": {authURL.Query().Get("state")},
	}))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r := waitFlow(t, done)
	assert.ErrorIs(t, r.err, apperrors.ErrInvalidRedirect)
	assert.Contains(t, r.err.Error(), "missing code")
}

func TestLocalServer_ProviderError(t *testing.T) {
	ctrl := gomock.NewController(t)
	e := testEngine(t, NewMockExchanger(ctrl))

	authURL, done := startFlow(t, context.Background(), e, LocalServerOptions{})

	resp, err := newHTTPClient().Get(callbackURL(t, authURL, CallbackPath, url.Values{
		"state": {authURL.Query().Get("state")}, "error": {"access_denied"},
	}))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r := waitFlow(t, done)
	assert.ErrorIs(t, r.err, apperrors.ErrInvalidRedirect)
	assert.Contains(t, r.err.Error(), "access_denied")
}

func TestLocalServer_NoRefreshToken(t *testing.T) {
	e := testEngine(t, stubExchanger(""))

	authURL, done := startFlow(t, context.Background(), e, LocalServerOptions{})

	resp, err := newHTTPClient().Get(callbackURL(t, authURL, CallbackPath, url.Values{
		"state": {authURL.Query().Get("state")}, "code": {"c"},
	}))
	require.NoError(t, err)
	resp.Body.Close()

	r := waitFlow(t, done)
	assert.ErrorIs(t, r.err, apperrors.ErrNoRefreshToken)
}

// --- Timeout and cancellation ---

// recordingListener wraps a real listener and records Close.
type recordingListener struct {
	net.Listener
	closed atomic.Bool
}

func (l *recordingListener) Close() error {
	l.closed.Store(true)
	return l.Listener.Close()
}

func TestLocalServer_TimeoutFreesPort(t *testing.T) {
	var (
		mu  sync.Mutex
		rec *recordingListener
	)

	ctrl := gomock.NewController(t)
	e := NewEngine(EngineConfig{
		Credentials: testCreds(),
		Exchanger:   NewMockExchanger(ctrl),
		Endpoint:    testEndpoint,
		Logger:      logging.Discard(),
		Listen: func(network, addr string) (net.Listener, error) {
			ln, err := net.Listen(network, addr)
			if err != nil {
				return nil, err
			}

			mu.Lock()
			rec = &recordingListener{Listener: ln}
			mu.Unlock()

			return rec, nil
		},
	})

	start := time.Now()
	_, err := e.AuthorizeWithLocalServer(context.Background(), LocalServerOptions{
		URLOptions: URLOptions{Scopes: []string{"s"}},
		Timeout:    50 * time.Millisecond,
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()

	require.NotNil(t, rec)
	assert.True(t, rec.closed.Load())

	ln, err := net.Listen("tcp", rec.Addr().String())
	require.NoError(t, err, "port must be free after timeout")
	ln.Close()
}

func TestLocalServer_EngineDefaultTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	e := NewEngine(EngineConfig{
		Credentials: testCreds(),
		Exchanger:   NewMockExchanger(ctrl),
		Endpoint:    testEndpoint,
		Logger:      logging.Discard(),
		Timeout:     30 * time.Millisecond,
	})

	_, err := e.AuthorizeWithLocalServer(context.Background(), LocalServerOptions{
		URLOptions: URLOptions{Scopes: []string{"s"}},
	})
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
}

func TestLocalServer_ContextCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	e := testEngine(t, NewMockExchanger(ctrl))

	ctx, cancel := context.WithCancel(context.Background())
	_, done := startFlow(t, ctx, e, LocalServerOptions{})
	cancel()

	r := waitFlow(t, done)
	require.Error(t, r.err)
	assert.ErrorIs(t, r.err, apperrors.ErrTimeout)
	assert.ErrorIs(t, r.err, context.Canceled)
}

// --- Setup failures ---

func TestLocalServer_ListenError(t *testing.T) {
	boom := errors.New("no sockets")
	e := NewEngine(EngineConfig{
		Credentials: testCreds(),
		Endpoint:    testEndpoint,
		Logger:      logging.Discard(),
		Listen:      func(string, string) (net.Listener, error) { return nil, boom },
	})

	_, err := e.AuthorizeWithLocalServer(context.Background(), LocalServerOptions{
		URLOptions: URLOptions{Scopes: []string{"s"}},
	})
	assert.ErrorIs(t, err, boom)
}

func TestLocalServer_RequiresScopes(t *testing.T) {
	e := testEngine(t, nil)

	_, err := e.AuthorizeWithLocalServer(context.Background(), LocalServerOptions{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
