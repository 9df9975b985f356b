package oauth

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Fetcher performs one token request against the authorization server.
type Fetcher interface {
	Fetch(ctx context.Context) (*oauth2.Token, error)
}

type FetcherFunc func(ctx context.Context) (*oauth2.Token, error)

func (f FetcherFunc) Fetch(ctx context.Context) (*oauth2.Token, error) {
	return f(ctx)
}

type ClientConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	RefreshToken string
	HTTPClient   *http.Client
}

type clientCredentialsFetcher struct {
	cfg        clientcredentials.Config
	httpClient *http.Client
}

func NewClientCredentialsFetcher(cfg ClientConfig) Fetcher {
	return &clientCredentialsFetcher{
		cfg: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		},
		httpClient: cfg.HTTPClient,
	}
}

func (f *clientCredentialsFetcher) Fetch(ctx context.Context) (*oauth2.Token, error) {
	return f.cfg.Token(withHTTPClient(ctx, f.httpClient))
}

type refreshTokenFetcher struct {
	cfg        oauth2.Config
	httpClient *http.Client

	mu           sync.Mutex
	refreshToken string
}

// NewRefreshTokenFetcher exchanges a long-lived refresh token. Rotated
// refresh tokens returned by the server replace the configured one.
func NewRefreshTokenFetcher(cfg ClientConfig) Fetcher {
	return &refreshTokenFetcher{
		cfg: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
			Scopes:       cfg.Scopes,
		},
		httpClient:   cfg.HTTPClient,
		refreshToken: strings.TrimSpace(cfg.RefreshToken),
	}
}

func (f *refreshTokenFetcher) Fetch(ctx context.Context) (*oauth2.Token, error) {
	f.mu.Lock()
	current := f.refreshToken
	f.mu.Unlock()

	src := f.cfg.TokenSource(withHTTPClient(ctx, f.httpClient), &oauth2.Token{RefreshToken: current})
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken != "" && tok.RefreshToken != current {
		f.mu.Lock()
		f.refreshToken = tok.RefreshToken
		f.mu.Unlock()
	}
	return tok, nil
}

// NewStaticFetcher hands out a fixed token; used in mock mode.
func NewStaticFetcher(accessToken string, ttl time.Duration) Fetcher {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return FetcherFunc(func(context.Context) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer", Expiry: time.Now().Add(ttl)}, nil
	})
}

func withHTTPClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}
