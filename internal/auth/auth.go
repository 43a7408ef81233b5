// Package auth manages the OAuth2 credentials used to talk to Google Calendar.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

// ErrNotAuthenticated is returned when no stored token exists. Run the auth
// command to create one.
var ErrNotAuthenticated = errors.New("not authenticated: run 'calsyncd auth' first")

const callbackPath = "/callback"

// Authenticator loads client secrets, performs the consent flow and hands out
// authorized HTTP clients
type Authenticator struct {
	credentialsFile string
	tokenFile       string
	logger          *slog.Logger

	// OpenURL presents the consent URL to the user. Defaults to logging it.
	OpenURL func(url string) error
}

// New creates an Authenticator for the given client secrets and token paths
func New(credentialsFile, tokenFile string, logger *slog.Logger) *Authenticator {
	a := &Authenticator{
		credentialsFile: credentialsFile,
		tokenFile:       tokenFile,
		logger:          logger,
	}
	a.OpenURL = func(url string) error {
		a.logger.Info("open the following URL in a browser to authorize calsyncd", "url", url)
		return nil
	}
	return a
}

// HasToken reports whether a token file is present
func (a *Authenticator) HasToken() bool {
	_, err := os.Stat(a.tokenFile)
	return err == nil
}

// Login runs the installed-app flow: it listens on a loopback port, sends the
// user to the consent page and exchanges the returned code for a token.
func (a *Authenticator) Login(ctx context.Context) error {
	cfg, err := a.oauthConfig()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen for oauth callback: %w", err)
	}
	cfg.RedirectURL = "http://" + ln.Addr().String() + callbackPath

	state := uuid.NewString()
	codes := make(chan callbackResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		res := readCallback(r, state)
		if res.err != nil {
			http.Error(w, res.err.Error(), http.StatusBadRequest)
		} else {
			_, _ = fmt.Fprintln(w, "calsyncd is authorized. You can close this window.")
		}
		select {
		case codes <- res:
		default:
		}
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("oauth callback server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	if err := a.OpenURL(authURL); err != nil {
		return fmt.Errorf("failed to open consent page: %w", err)
	}

	a.logger.Debug("waiting for oauth callback", "redirect_url", cfg.RedirectURL)

	var res callbackResult
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res = <-codes:
	}
	if res.err != nil {
		return res.err
	}

	tok, err := cfg.Exchange(ctx, res.code)
	if err != nil {
		return fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	if err := a.saveToken(tok); err != nil {
		return err
	}

	a.logger.Info("authorization stored", "token_file", a.tokenFile)
	return nil
}

type callbackResult struct {
	code string
	err  error
}

func readCallback(r *http.Request, state string) callbackResult {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		return callbackResult{err: fmt.Errorf("authorization denied: %s", e)}
	}
	if q.Get("state") != state {
		return callbackResult{err: errors.New("oauth state mismatch")}
	}
	code := q.Get("code")
	if code == "" {
		return callbackResult{err: errors.New("oauth callback carried no code")}
	}
	return callbackResult{code: code}
}

// Client returns an HTTP client authorized with the stored token. Refreshed
// tokens are written back to the token file. Returns ErrNotAuthenticated when
// no token has been stored yet.
func (a *Authenticator) Client(ctx context.Context) (*http.Client, error) {
	cfg, err := a.oauthConfig()
	if err != nil {
		return nil, err
	}

	tok, err := a.loadToken()
	if err != nil {
		return nil, err
	}

	ts := &persistingTokenSource{
		base:   oauth2.ReuseTokenSource(tok, cfg.TokenSource(ctx, tok)),
		last:   tok.AccessToken,
		save:   a.saveToken,
		logger: a.logger,
	}
	return oauth2.NewClient(ctx, ts), nil
}

// Revoke deletes the stored token. It reports whether a token existed.
func (a *Authenticator) Revoke() (bool, error) {
	err := os.Remove(a.tokenFile)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to remove token file: %w", err)
	}
}

func (a *Authenticator) oauthConfig() (*oauth2.Config, error) {
	data, err := os.ReadFile(a.credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read client credentials %s: %w", a.credentialsFile, err)
	}
	cfg, err := google.ConfigFromJSON(data, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse client credentials: %w", err)
	}
	return cfg, nil
}

func (a *Authenticator) loadToken() (*oauth2.Token, error) {
	data, err := os.ReadFile(a.tokenFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	return &tok, nil
}

// saveToken writes the token atomically with owner-only permissions
func (a *Authenticator) saveToken(tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	dir := filepath.Dir(a.tokenFile)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp token file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp token file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod token file: %w", err)
	}
	if err := os.Rename(tmpPath, a.tokenFile); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename token file: %w", err)
	}
	return nil
}

// persistingTokenSource saves every newly minted token
type persistingTokenSource struct {
	base   oauth2.TokenSource
	save   func(*oauth2.Token) error
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := s.save(tok); err != nil {
			// the token is still usable for this process
			s.logger.Warn("failed to persist refreshed token", "error", err)
		} else {
			s.last = tok.AccessToken
		}
	}
	return tok, nil
}
