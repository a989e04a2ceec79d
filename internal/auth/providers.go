// Package auth owns provider credentials: OAuth2 client configuration, the on-disk
// token cache, refreshing token sources and the one-time interactive authorization.
// The sync core only ever sees the provider.Session built here.
package auth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"example.com/fitsync/internal/config"
	"example.com/fitsync/internal/provider/polar"
	"example.com/fitsync/internal/provider/strava"
)

var stravaEndpoint = oauth2.Endpoint{
	AuthURL:   "https://www.strava.com/oauth/authorize",
	TokenURL:  "https://www.strava.com/oauth/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

var polarEndpoint = oauth2.Endpoint{
	AuthURL:   "https://flow.polar.com/oauth2/authorization",
	TokenURL:  "https://polarremote.com/v2/oauth2/token",
	AuthStyle: oauth2.AuthStyleInHeader,
}

// Providers lists the provider names accepted by OAuthConfig.
var Providers = []string{strava.ProviderName, polar.ProviderName}

// OAuthConfig returns the OAuth2 client configuration of provider.
func OAuthConfig(cfg config.Config, provider string) (*oauth2.Config, error) {
	switch provider {
	case strava.ProviderName:
		return newOAuthConfig(provider, cfg.Strava, stravaEndpoint, []string{"profile:read_all,activity:read_all"})
	case polar.ProviderName:
		return newOAuthConfig(provider, cfg.Polar, polarEndpoint, nil)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

func newOAuthConfig(name string, client config.OAuthClient, endpoint oauth2.Endpoint, scopes []string) (*oauth2.Config, error) {
	if !client.Configured() {
		return nil, fmt.Errorf("%s client id and secret are not configured", name)
	}
	return &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		RedirectURL:  client.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}, nil
}

// PolarRegistration registers the authorized member with AccessLink.
func PolarRegistration(baseURL string) PostExchangeFunc {
	return func(ctx context.Context, client *http.Client, creds *Credentials) error {
		if creds.UserID == "" {
			return fmt.Errorf("polar token response carries no x_user_id")
		}
		return polar.RegisterMember(ctx, client, baseURL, creds.UserID)
	}
}
