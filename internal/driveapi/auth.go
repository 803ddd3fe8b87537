package driveapi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ahosio/cloudbackup/internal/provider"
	"github.com/ahosio/cloudbackup/internal/secrets"
)

// defaultScopes requests read-only access to file content and
// metadata — this system never writes to the remote drive.
var defaultScopes = []string{
	"https://www.googleapis.com/auth/drive.readonly",
}

// providerKey is the "<provider>" half of the secrets store's
// "<provider>:<email>" lookup key for Drive accounts.
const providerKey = "google_drive"

// NewTokenSource builds an oauth2 TokenSource for (email) backed by the
// token record saved in secretsStore, refreshing silently via the
// oauth2 library and persisting rotated tokens back through
// secretsStore.SaveToken — the same OnTokenChange wiring the teacher's
// graph/auth.go uses for its token file.
func NewTokenSource(ctx context.Context, secretsStore *secrets.Store, email string, logger *slog.Logger) (TokenSource, error) {
	tok, err := secretsStore.GetToken(providerKey, email)
	if err != nil {
		return nil, fmt.Errorf("driveapi: loading token for %s: %w", email, err)
	}

	client, hasClient, err := secretsStore.GetOAuthClient(providerKey)
	if err != nil {
		return nil, fmt.Errorf("driveapi: loading oauth client credentials: %w", err)
	}

	if !hasClient {
		return nil, fmt.Errorf("driveapi: no oauth client registered for %s", providerKey)
	}

	cfg := &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Scopes:       defaultScopes,
		Endpoint:     google.Endpoint,
		OnTokenChange: func(t *oauth2.Token) {
			logger.Info("token refreshed", slog.String("email", email), slog.Time("new_expiry", t.Expiry))

			saveErr := secretsStore.SaveToken(providerKey, email, secrets.Token{
				AccessToken:  t.AccessToken,
				RefreshToken: t.RefreshToken,
				ExpiresAt:    expiryPtr(t.Expiry),
			})
			if saveErr != nil {
				logger.Warn("failed to persist refreshed token", slog.String("email", email), slog.String("error", saveErr.Error()))
			}
		},
	}

	oauthTok := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if tok.ExpiresAt != nil {
		oauthTok.Expiry = *tok.ExpiresAt
	}

	src := cfg.TokenSource(ctx, oauthTok)

	return &tokenBridge{src: src, logger: logger, email: email}, nil
}

func expiryPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}

// tokenBridge adapts oauth2.TokenSource to driveapi.TokenSource.
type tokenBridge struct {
	src    oauth2.TokenSource
	logger *slog.Logger
	email  string
}

func (b *tokenBridge) Token() (string, error) {
	t, err := b.src.Token()
	if err != nil {
		b.logger.Warn("token acquisition failed", slog.String("email", b.email), slog.String("error", err.Error()))
		return "", fmt.Errorf("driveapi: obtaining token: %w", err)
	}

	return t.AccessToken, nil
}

// RefreshTokensIfNeeded refreshes the account's access token if it is
// expired or near expiry, reporting whether a refresh actually
// occurred (detected by comparing the access token string before and
// after — the oauth2 library refreshes silently inside Token()).
// Returns provider.ErrTokenExpired if no usable token can be produced,
// e.g. the stored refresh token has been revoked.
func (c *Client) RefreshTokensIfNeeded(ctx context.Context) (bool, error) {
	tok, err := c.token.Token()
	if err != nil {
		return false, fmt.Errorf("%w: %w", provider.ErrTokenExpired, err)
	}

	c.tokenMu.Lock()
	refreshed := c.lastAccessToken != "" && c.lastAccessToken != tok
	c.lastAccessToken = tok
	c.tokenMu.Unlock()

	return refreshed, nil
}
