package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

// tokenServer fakes the OAuth token endpoint
func tokenServer(t *testing.T, accessToken string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if r.PostForm.Get("code") != "good-code" {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
				return
			}
		case "refresh_token":
			if r.PostForm.Get("refresh_token") != "refresh-1" {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","refresh_token":"refresh-1","expires_in":3600}`, accessToken)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeCredentials(t *testing.T, dir, tokenURL string) string {
	t.Helper()
	creds := map[string]any{
		"installed": map[string]any{
			"client_id":     "client.apps.googleusercontent.com",
			"client_secret": "secret",
			"auth_uri":      "https://accounts.example.com/o/oauth2/auth",
			"token_uri":     tokenURL,
			"redirect_uris": []string{"http://localhost"},
		},
	}
	data, err := json.Marshal(creds)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "credentials.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// follow simulates the browser: it completes the consent by hitting the
// redirect URL with the given code and state
func follow(code string, overrideState string) func(string) error {
	return func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		state := q.Get("state")
		if overrideState != "" {
			state = overrideState
		}
		resp, err := http.Get(q.Get("redirect_uri") + "?code=" + url.QueryEscape(code) + "&state=" + url.QueryEscape(state))
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}
}

func TestLogin(t *testing.T) {
	dir := t.TempDir()
	srv := tokenServer(t, "access-1")
	tokenFile := filepath.Join(dir, "nested", "token.json")

	a := New(writeCredentials(t, dir, srv.URL), tokenFile, testLogger())
	var seenURL string
	a.OpenURL = func(u string) error {
		seenURL = u
		return follow("good-code", "")(u)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.HasToken() {
		t.Fatal("expected no token before login")
	}
	if err := a.Login(ctx); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if !strings.Contains(seenURL, "access_type=offline") {
		t.Errorf("expected offline access in consent URL: %s", seenURL)
	}
	if !strings.Contains(seenURL, url.QueryEscape("https://www.googleapis.com/auth/calendar")) {
		t.Errorf("expected calendar scope in consent URL: %s", seenURL)
	}

	info, err := os.Stat(tokenFile)
	if err != nil {
		t.Fatalf("token file not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected token perms 0600, got %o", info.Mode().Perm())
	}

	tok, err := a.loadToken()
	if err != nil {
		t.Fatalf("loadToken failed: %v", err)
	}
	if tok.AccessToken != "access-1" || tok.RefreshToken != "refresh-1" {
		t.Errorf("unexpected stored token: %+v", tok)
	}
}

func TestLogin_StateMismatch(t *testing.T) {
	dir := t.TempDir()
	srv := tokenServer(t, "access-1")

	a := New(writeCredentials(t, dir, srv.URL), filepath.Join(dir, "token.json"), testLogger())
	a.OpenURL = follow("good-code", "forged")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := a.Login(ctx)
	if err == nil || !strings.Contains(err.Error(), "state mismatch") {
		t.Fatalf("expected state mismatch error, got %v", err)
	}
	if a.HasToken() {
		t.Error("no token may be stored after a failed login")
	}
}

func TestLogin_ContextCanceled(t *testing.T) {
	dir := t.TempDir()
	srv := tokenServer(t, "access-1")

	a := New(writeCredentials(t, dir, srv.URL), filepath.Join(dir, "token.json"), testLogger())
	a.OpenURL = func(string) error { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := a.Login(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestClient_NotAuthenticated(t *testing.T) {
	dir := t.TempDir()
	a := New(writeCredentials(t, dir, "http://127.0.0.1:1/token"), filepath.Join(dir, "token.json"), testLogger())

	_, err := a.Client(context.Background())
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestClient_MissingCredentials(t *testing.T) {
	dir := t.TempDir()
	a := New(filepath.Join(dir, "missing.json"), filepath.Join(dir, "token.json"), testLogger())

	if _, err := a.Client(context.Background()); err == nil {
		t.Fatal("expected error for missing credentials")
	}
}

func TestClient_RefreshesAndPersists(t *testing.T) {
	dir := t.TempDir()
	tokSrv := tokenServer(t, "access-2")
	tokenFile := filepath.Join(dir, "token.json")
	a := New(writeCredentials(t, dir, tokSrv.URL), tokenFile, testLogger())

	expired := &oauth2.Token{
		AccessToken:  "access-1",
		TokenType:    "Bearer",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(-time.Hour),
	}
	if err := a.saveToken(expired); err != nil {
		t.Fatal(err)
	}

	var gotAuth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	client, err := a.Client(context.Background())
	if err != nil {
		t.Fatalf("Client failed: %v", err)
	}
	resp, err := client.Get(api.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	_ = resp.Body.Close()

	if gotAuth != "Bearer access-2" {
		t.Errorf("expected refreshed bearer token, got %q", gotAuth)
	}

	stored, err := a.loadToken()
	if err != nil {
		t.Fatal(err)
	}
	if stored.AccessToken != "access-2" {
		t.Errorf("expected refreshed token to be persisted, got %q", stored.AccessToken)
	}
}

func TestRevoke(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token.json")
	a := New(filepath.Join(dir, "credentials.json"), tokenFile, testLogger())

	if err := a.saveToken(&oauth2.Token{AccessToken: "x"}); err != nil {
		t.Fatal(err)
	}

	existed, err := a.Revoke()
	if err != nil || !existed {
		t.Fatalf("Revoke() = %v, %v; want true, nil", existed, err)
	}
	if a.HasToken() {
		t.Error("token file still present")
	}

	existed, err = a.Revoke()
	if err != nil || existed {
		t.Fatalf("second Revoke() = %v, %v; want false, nil", existed, err)
	}
}
