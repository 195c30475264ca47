package oauth

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/alexjbarnes/gwcli/internal/errors"
)

//go:embed templates/callback.html
var callbackHTML string

var callbackTmpl = template.Must(template.New("callback").Parse(callbackHTML))

// shutdownGrace bounds how long a closing server waits for the callback
// response to drain.
const shutdownGrace = 2 * time.Second

// Phase is a step of the loopback flow.
type Phase string

const (
	PhaseInit             Phase = "init"
	PhaseServerBound      Phase = "server_bound"
	PhaseAuthURLEmitted   Phase = "auth_url_emitted"
	PhaseAwaitingCallback Phase = "awaiting_callback"
	PhaseStateMismatch    Phase = "state_mismatch"
	PhaseMissingCode      Phase = "missing_code"
	PhaseTimedOut         Phase = "timed_out"
	PhaseCallbackAccepted Phase = "callback_accepted"
	PhaseExchanged        Phase = "exchanged"
)

// LocalServerOptions drive the loopback flow.
type LocalServerOptions struct {
	URLOptions

	// Timeout overrides the engine's default wait.
	Timeout time.Duration
	// OnAuthURL is called with the authorization URL once the server is
	// listening and before the wait begins.
	OnAuthURL func(authURL string)
	// OnPhase observes phase transitions.
	OnPhase func(Phase)
}

// LocalServerResult is the outcome of a successful loopback flow.
type LocalServerResult struct {
	RefreshToken string
	AuthURL      string
	Email        string
	Scopes       []string
}

// callbackOutcome is the single terminal result of the callback handler.
type callbackOutcome struct {
	code  string
	phase Phase
	err   error
}

// callbackHandler accepts exactly one request on CallbackPath. Other paths
// get a 404 and do not end the wait.
type callbackHandler struct {
	state   string
	once    sync.Once
	results chan callbackOutcome
}

func newCallbackHandler(state string) *callbackHandler {
	return &callbackHandler{state: state, results: make(chan callbackOutcome, 1)}
}

func (h *callbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w.Header())

	if r.URL.Path != CallbackPath {
		http.NotFound(w, r)
		return
	}

	handled := false

	h.once.Do(func() {
		handled = true
		out := h.process(w, r)

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		h.results <- out
	})

	if !handled {
		http.Error(w, "callback already processed", http.StatusBadRequest)
	}
}

// process validates the callback. State is checked before anything else
// so a forged request never has its code consumed.
func (h *callbackHandler) process(w http.ResponseWriter, r *http.Request) callbackOutcome {
	q := r.URL.Query()

	if q.Get("state") != h.state {
		renderCallback(w, http.StatusBadRequest, "Authorization failed", "The state parameter did not match. Start the login again.")

		return callbackOutcome{
			phase: PhaseStateMismatch,
			err: apperrors.New(apperrors.KindStateMismatch,
				"callback state does not match the issued authorization URL",
				"run the login again and complete it in the browser window it opens"),
		}
	}

	if perr := q.Get("error"); perr != "" {
		renderCallback(w, http.StatusBadRequest, "Authorization failed", "The provider returned: "+perr)

		msg := "provider returned error " + perr
		if d := q.Get("error_description"); d != "" {
			msg += ": " + d
		}

		return callbackOutcome{
			phase: PhaseMissingCode,
			err: apperrors.New(apperrors.KindInvalidRedirect, msg,
				"run the login again and approve the requested access"),
		}
	}

	code := q.Get("code")
	if code == "" {
		renderCallback(w, http.StatusBadRequest, "Authorization failed", "The callback did not include an authorization code.")

		return callbackOutcome{
			phase: PhaseMissingCode,
			err: apperrors.New(apperrors.KindInvalidRedirect, "missing code in callback",
				"run the login again and complete it in the browser window it opens"),
		}
	}

	renderCallback(w, http.StatusOK, "Authorization complete", "You can close this window and return to the terminal.")

	return callbackOutcome{code: code, phase: PhaseCallbackAccepted}
}

func setSecurityHeaders(h http.Header) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Cache-Control", "no-store")
}

func renderCallback(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = callbackTmpl.Execute(w, map[string]string{"Title": title, "Message": message})
}

// AuthorizeWithLocalServer runs the loopback flow: bind a server on
// 127.0.0.1, hand the authorization URL to OnAuthURL, wait for one
// callback, then exchange its code. Every exit path closes the server
// before returning.
func (e *Engine) AuthorizeWithLocalServer(ctx context.Context, opts LocalServerOptions) (LocalServerResult, error) {
	phase := func(p Phase) {
		e.logger.Debug("oauth loopback flow", slog.String("phase", string(p)))

		if opts.OnPhase != nil {
			opts.OnPhase(p)
		}
	}

	phase(PhaseInit)

	if err := validateScopes(opts.Scopes); err != nil {
		return LocalServerResult{}, err
	}

	client := clientName(opts.Client)

	creds, ep, err := e.client(client)
	if err != nil {
		return LocalServerResult{}, err
	}

	state, err := randomState()
	if err != nil {
		return LocalServerResult{}, err
	}

	ln, err := e.listen("tcp", "127.0.0.1:0")
	if err != nil {
		return LocalServerResult{}, fmt.Errorf("starting callback server: %w", err)
	}

	redirect := "http://" + ln.Addr().String() + CallbackPath
	handler := newCallbackHandler(state)
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("callback server: %w", err)
		}

		return nil
	})

	closeServer := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}

		return g.Wait()
	}

	phase(PhaseServerBound)

	authURL := e.authCodeURL(creds, ep, redirect, state, opts.URLOptions)
	if opts.OnAuthURL != nil {
		opts.OnAuthURL(authURL)
	}

	phase(PhaseAuthURLEmitted)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	phase(PhaseAwaitingCallback)

	var out callbackOutcome

	select {
	case out = <-handler.results:
		_ = closeServer()

	case <-timer.C:
		_ = closeServer()

		phase(PhaseTimedOut)

		return LocalServerResult{}, apperrors.New(apperrors.KindTimeout,
			fmt.Sprintf("no OAuth callback received within %s", timeout),
			"run the login again and finish in the browser, or use `gwcli auth url` for a copy/paste flow")

	case <-gctx.Done():
		serveErr := closeServer()

		if err := ctx.Err(); err != nil {
			phase(PhaseTimedOut)

			return LocalServerResult{}, apperrors.Wrap(apperrors.KindTimeout, err,
				"OAuth callback wait cancelled", "")
		}

		return LocalServerResult{}, serveErr
	}

	phase(out.phase)

	if out.err != nil {
		e.logger.Warn("SECURITY_AUDIT: OAuth callback rejected",
			"event", "callback_rejected",
			"client", client,
			"reason", string(out.phase),
		)

		return LocalServerResult{}, out.err
	}

	res, err := e.exchange(ctx, client, creds, ep, out.code, redirect, opts.Scopes)
	if err != nil {
		return LocalServerResult{}, err
	}

	phase(PhaseExchanged)

	return LocalServerResult{
		RefreshToken: res.RefreshToken,
		AuthURL:      authURL,
		Email:        res.Email,
		Scopes:       res.Scopes,
	}, nil
}
