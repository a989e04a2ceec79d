package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"example.com/fitsync/internal/config"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tokenServer answers the token endpoint with access tokens numbered by request.
func tokenServer(t *testing.T, extra map[string]any) (*httptest.Server, *[]url.Values) {
	t.Helper()
	var mu sync.Mutex
	var forms []url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mu.Lock()
		forms = append(forms, r.PostForm)
		n := len(forms)
		mu.Unlock()

		body := map[string]any{
			"access_token":  "access-" + string(rune('0'+n)),
			"refresh_token": "refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		}
		for k, v := range extra {
			body[k] = v
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &forms
}

func testConfig(tokenURL, redirect string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  redirect,
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://provider.example/authorize",
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func TestFileStoreMissingIsNotAuthorized(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "strava_token.json"))
	_, err := store.Load()
	require.ErrorIs(t, err, ErrNotAuthorized)
}

func TestFileStoreKeepsUserID(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nested", "polar_token.json"))
	require.NoError(t, store.Save(Credentials{Token: &oauth2.Token{AccessToken: "abc"}, UserID: "42"}))

	creds, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, "abc", creds.Token.AccessToken)
	require.Equal(t, "42", creds.UserID)
}

func TestOAuthConfigRequiresCredentials(t *testing.T) {
	_, err := OAuthConfig(config.Config{}, "strava")
	require.Error(t, err)

	_, err = OAuthConfig(config.Config{}, "garmin")
	require.Error(t, err)

	cfg, err := OAuthConfig(config.Config{Polar: config.OAuthClient{ClientID: "id", ClientSecret: "s"}}, "polar")
	require.NoError(t, err)
	require.Equal(t, oauth2.AuthStyleInHeader, cfg.Endpoint.AuthStyle)
}

func TestSessionSendsBearerToken(t *testing.T) {
	var authHeader string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer api.Close()

	store := NewFileStore(filepath.Join(t.TempDir(), "strava_token.json"))
	require.NoError(t, store.Save(Credentials{Token: &oauth2.Token{AccessToken: "cached", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}}))

	session, err := NewSession(context.Background(), "strava", testConfig("http://unused", ""), store, 5*time.Second)
	require.NoError(t, err)

	resp, err := session.Request(context.Background(), http.MethodGet, api.URL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Bearer cached", authHeader)
}

func TestSessionPersistsRefreshedToken(t *testing.T) {
	tokens, forms := tokenServer(t, nil)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer api.Close()

	store := NewFileStore(filepath.Join(t.TempDir(), "strava_token.json"))
	require.NoError(t, store.Save(Credentials{Token: &oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(-time.Hour),
	}}))

	session, err := NewSession(context.Background(), "strava", testConfig(tokens.URL, ""), store, 5*time.Second)
	require.NoError(t, err)
	_, err = session.Request(context.Background(), http.MethodGet, api.URL, nil)
	require.NoError(t, err)

	require.Len(t, *forms, 1)
	require.Equal(t, "refresh_token", (*forms)[0].Get("grant_type"))

	creds, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, "access-1", creds.Token.AccessToken)
}

// pasteReader answers the redirect prompt with a URL carrying the state printed
// in the consent URL.
type pasteReader struct {
	out  *bytes.Buffer
	code string
	r    io.Reader
}

var stateParam = regexp.MustCompile(`[?&]state=([^&\s]+)`)

func (p *pasteReader) Read(b []byte) (int, error) {
	if p.r == nil {
		m := stateParam.FindStringSubmatch(p.out.String())
		if m == nil {
			return 0, io.EOF
		}
		p.r = strings.NewReader("https://app.example/callback?code=" + p.code + "&state=" + m[1] + "\n")
	}
	return p.r.Read(b)
}

func TestAuthorizeWithPastedRedirect(t *testing.T) {
	tokens, forms := tokenServer(t, map[string]any{"x_user_id": 987654})
	store := NewFileStore(filepath.Join(t.TempDir(), "polar_token.json"))

	var out bytes.Buffer
	hooked := false
	authorizer := NewAuthorizer("polar", testConfig(tokens.URL, "https://app.example/callback"), store,
		WithPrompt(&pasteReader{out: &out, code: "the-code"}, &out),
		WithAuthorizerLogger(quiet()),
		WithPostExchange(func(_ context.Context, client *http.Client, creds *Credentials) error {
			hooked = client != nil
			return nil
		}),
	)

	creds, err := authorizer.Authorize(context.Background())
	require.NoError(t, err)
	require.True(t, hooked)
	require.Equal(t, "987654", creds.UserID)
	require.Equal(t, "the-code", (*forms)[0].Get("code"))

	saved, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, "987654", saved.UserID)
}

func TestAuthorizeRejectsForeignState(t *testing.T) {
	tokens, forms := tokenServer(t, nil)
	store := NewFileStore(filepath.Join(t.TempDir(), "strava_token.json"))

	authorizer := NewAuthorizer("strava", testConfig(tokens.URL, "https://app.example/callback"), store,
		WithPrompt(strings.NewReader("https://app.example/callback?code=x&state=forged\n"), io.Discard),
		WithAuthorizerLogger(quiet()),
	)

	_, err := authorizer.Authorize(context.Background())
	require.ErrorIs(t, err, ErrStateMismatch)
	require.Empty(t, *forms)
	_, err = store.Load()
	require.ErrorIs(t, err, ErrNotAuthorized)
}

// promptWriter forwards every printed consent URL.
type promptWriter struct {
	urls chan string
}

func (p promptWriter) Write(b []byte) (int, error) {
	if m := regexp.MustCompile(`https?://\S+`).Find(b); m != nil {
		select {
		case p.urls <- string(m):
		default:
		}
	}
	return len(b), nil
}

func TestAuthorizeWithLoopbackCallback(t *testing.T) {
	tokens, _ := tokenServer(t, nil)
	store := NewFileStore(filepath.Join(t.TempDir(), "strava_token.json"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	prompt := promptWriter{urls: make(chan string, 1)}
	authorizer := NewAuthorizer("strava", testConfig(tokens.URL, "http://"+addr+"/callback"), store,
		WithPrompt(strings.NewReader(""), prompt),
		WithAuthorizerLogger(quiet()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := authorizer.Authorize(ctx)
		done <- err
	}()

	consent, err := url.Parse(<-prompt.urls)
	require.NoError(t, err)
	callback := "http://" + addr + "/callback?code=loop&state=" + consent.Query().Get("state")

	status := make(chan int, 1)
	require.Eventually(t, func() bool {
		resp, getErr := http.Get(callback)
		if getErr != nil {
			return false
		}
		resp.Body.Close()
		status <- resp.StatusCode
		return true
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, http.StatusOK, <-status)

	require.NoError(t, <-done)
	creds, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, "access-1", creds.Token.AccessToken)
}

func TestLoopback(t *testing.T) {
	cases := map[string]struct {
		redirect string
		addr     string
		path     string
		ok       bool
	}{
		"localhost":      {"http://localhost:8765/callback", "localhost:8765", "/callback", true},
		"ipv4 no path":   {"http://127.0.0.1:9000", "127.0.0.1:9000", "/", true},
		"default port":   {"http://localhost/cb", "localhost:80", "/cb", true},
		"remote":         {"https://app.example/callback", "", "", false},
		"https loopback": {"https://localhost:8765/callback", "", "", false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			addr, path, ok := loopback(tc.redirect)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.addr, addr)
			require.Equal(t, tc.path, path)
		})
	}
}
