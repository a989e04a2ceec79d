package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	httptransport "example.com/fitsync/internal/transport/http"
)

// ErrStateMismatch is returned when the callback state does not match the request.
var ErrStateMismatch = errors.New("oauth state mismatch")

// PostExchangeFunc runs after the code exchange, before the credentials are saved.
// It may fill in provider specific fields such as the user id.
type PostExchangeFunc func(ctx context.Context, client *http.Client, creds *Credentials) error

// Authorizer runs the one-time interactive authorization of a provider.
type Authorizer struct {
	name   string
	cfg    *oauth2.Config
	store  *FileStore
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
	after  PostExchangeFunc
}

// AuthorizerOption configures an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithPrompt sets where the authorization URL is printed and where a pasted
// redirect URL is read from.
func WithPrompt(in io.Reader, out io.Writer) AuthorizerOption {
	return func(a *Authorizer) {
		a.in = in
		a.out = out
	}
}

// WithAuthorizerLogger overrides the logger.
func WithAuthorizerLogger(logger *slog.Logger) AuthorizerOption {
	return func(a *Authorizer) {
		a.logger = logger
	}
}

// WithPostExchange registers a hook run after the token exchange.
func WithPostExchange(fn PostExchangeFunc) AuthorizerOption {
	return func(a *Authorizer) {
		a.after = fn
	}
}

// NewAuthorizer constructs an Authorizer for provider name.
func NewAuthorizer(name string, cfg *oauth2.Config, store *FileStore, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{
		name:   name,
		cfg:    cfg,
		store:  store,
		in:     strings.NewReader(""),
		out:    io.Discard,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize prints the consent URL, waits for the redirect, exchanges the code and
// caches the resulting credentials. Loopback redirect URLs are received by a local
// listener; any other redirect must be pasted on the prompt.
func (a *Authorizer) Authorize(ctx context.Context) (Credentials, error) {
	state := uuid.NewString()
	authURL := a.cfg.AuthCodeURL(state)

	var (
		code string
		err  error
	)
	if addr, path, ok := loopback(a.cfg.RedirectURL); ok {
		fmt.Fprintf(a.out, "Open the following URL to authorize %s:\n\n  %s\n\nWaiting for the redirect on %s ...\n", a.name, authURL, addr)
		code, err = a.awaitCallback(ctx, addr, path, state)
	} else {
		fmt.Fprintf(a.out, "Open the following URL to authorize %s:\n\n  %s\n\nPaste the URL you were redirected to: ", a.name, authURL)
		code, err = a.readPasted(state)
	}
	if err != nil {
		return Credentials{}, err
	}

	tok, err := a.cfg.Exchange(ctx, code)
	if err != nil {
		return Credentials{}, fmt.Errorf("exchange %s authorization code: %w", a.name, err)
	}

	creds := Credentials{Token: tok, UserID: extraString(tok, "x_user_id")}
	if a.after != nil {
		if err := a.after(ctx, a.cfg.Client(ctx, tok), &creds); err != nil {
			return Credentials{}, err
		}
	}
	if err := a.store.Save(creds); err != nil {
		return Credentials{}, err
	}
	a.logger.Info("provider authorized", "provider", a.name, "token_file", a.store.Path())
	return creds, nil
}

type callbackResult struct {
	code string
	err  error
}

func (a *Authorizer) awaitCallback(ctx context.Context, addr, path, state string) (string, error) {
	results := make(chan callbackResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		code, err := codeFromQuery(r.URL.Query(), state)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		} else {
			fmt.Fprintf(w, "%s authorized, you can close this window.\n", a.name)
		}
		select {
		case results <- callbackResult{code: code, err: err}:
		default:
		}
	})

	ln, err := httptransport.Start(httptransport.DefaultServerConfig(addr), mux, a.logger)
	if err != nil {
		return "", fmt.Errorf("listen for oauth callback: %w", err)
	}
	defer ln.Close(context.WithoutCancel(ctx))

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-results:
		return res.code, res.err
	}
}

func (a *Authorizer) readPasted(state string) (string, error) {
	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("no redirect URL given")
	}

	u, err := url.Parse(line)
	if err != nil {
		return "", fmt.Errorf("parse redirect URL: %w", err)
	}
	return codeFromQuery(u.Query(), state)
}

func codeFromQuery(q url.Values, state string) (string, error) {
	if msg := q.Get("error"); msg != "" {
		return "", fmt.Errorf("authorization denied: %s", msg)
	}
	if q.Get("state") != state {
		return "", ErrStateMismatch
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("redirect carries no authorization code")
	}
	return code, nil
}

// loopback reports the listen address and path of a localhost redirect URL.
func loopback(redirect string) (addr, path string, ok bool) {
	u, err := url.Parse(redirect)
	if err != nil || u.Scheme != "http" {
		return "", "", false
	}
	host := u.Hostname()
	if host != "localhost" && host != "127.0.0.1" {
		return "", "", false
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}
	path = u.Path
	if path == "" {
		path = "/"
	}
	return net.JoinHostPort(host, port), path, true
}

func extraString(tok *oauth2.Token, key string) string {
	switch v := tok.Extra(key).(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
