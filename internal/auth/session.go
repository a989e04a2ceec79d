package auth

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"example.com/fitsync/internal/provider"
)

// Session is an authenticated provider session and the provider user it acts for.
type Session struct {
	*provider.HTTPSession
	UserID string
}

// NewSession loads the cached token of name and returns a session whose requests
// refresh and persist the token as needed.
func NewSession(ctx context.Context, name string, cfg *oauth2.Config, store *FileStore, timeout time.Duration) (*Session, error) {
	creds, err := store.Load()
	if err != nil {
		return nil, err
	}

	base := &http.Client{Timeout: timeout}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	src := oauth2.ReuseTokenSource(creds.Token, newPersistingSource(cfg.TokenSource(ctx, creds.Token), store, creds))
	client := oauth2.NewClient(ctx, src)
	client.Timeout = timeout

	return &Session{
		HTTPSession: provider.NewHTTPSession(name, client),
		UserID:      creds.UserID,
	}, nil
}
