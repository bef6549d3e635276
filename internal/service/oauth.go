package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"agproxy/internal/account"
)

const defaultTokenURL = "https://oauth2.googleapis.com/token"

// OAuthConfig holds the OAuth refresh endpoint configuration
type OAuthConfig struct {
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// DefaultOAuthConfig returns the default OAuth configuration
func DefaultOAuthConfig() OAuthConfig {
	return OAuthConfig{
		TokenURL: defaultTokenURL,
		Timeout:  30 * time.Second,
	}
}

// OAuthService refreshes access tokens. Concurrent refresh demands for the
// same account collapse into a single upstream call whose result is shared,
// and the new pair is persisted before any caller sees it.
type OAuthService struct {
	cfg        OAuthConfig
	httpClient *http.Client
	store      account.Store
	group      singleflight.Group
}

// NewOAuthService creates an OAuth refresh service
func NewOAuthService(cfg OAuthConfig, store account.Store) *OAuthService {
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OAuthService{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		store:      store,
	}
}

// Refresh exchanges the account's refresh token for a new access token
func (s *OAuthService) Refresh(ctx context.Context, acc *account.Account) (account.Token, error) {
	v, err, _ := s.group.Do(acc.ID, func() (any, error) {
		tok, err := s.refreshOnce(ctx, acc)
		if err != nil {
			return account.Token{}, err
		}
		// Durable before the next request may use it
		if err := s.store.UpdateTokens(acc.ID, tok); err != nil {
			return account.Token{}, fmt.Errorf("persist refreshed tokens: %w", err)
		}
		return tok, nil
	})
	if err != nil {
		return account.Token{}, err
	}
	return v.(account.Token), nil
}

func (s *OAuthService) refreshOnce(ctx context.Context, acc *account.Account) (account.Token, error) {
	if acc.Token.RefreshToken == "" {
		return account.Token{}, fmt.Errorf("account %s has no refresh token", acc.ID)
	}

	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": acc.Token.RefreshToken,
	}
	if s.cfg.ClientID != "" {
		payload["client_id"] = s.cfg.ClientID
	}
	if s.cfg.ClientSecret != "" {
		payload["client_secret"] = s.cfg.ClientSecret
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return account.Token{}, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return account.Token{}, fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return account.Token{}, fmt.Errorf("refresh token: status %d, body: %s", resp.StatusCode, b)
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return account.Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return account.Token{}, fmt.Errorf("refresh response missing access_token")
	}

	tok := account.Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: acc.Token.RefreshToken,
		ExpiryUnix:   time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).Unix(),
	}
	if tokenResp.RefreshToken != "" {
		tok.RefreshToken = tokenResp.RefreshToken
	}

	log.Info().
		Str("account_id", acc.ID).
		Int64("expiry", tok.ExpiryUnix).
		Msg("token refreshed")
	return tok, nil
}
