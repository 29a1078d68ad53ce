package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pacnpal/polly-sub001/orchestrator/discord"
)

// OAuthExchanger is the token-exchange boundary for dashboard login. Tests
// substitute a fake; production uses the chat platform's OAuth endpoints.
type OAuthExchanger interface {
	// AuthorizeURL builds the redirect target for /auth/login.
	AuthorizeURL(state string) string

	// Exchange trades an authorization code for an access token.
	Exchange(ctx context.Context, code string) (string, error)

	// Identity fetches the user the access token belongs to.
	Identity(ctx context.Context, accessToken string) (*discord.User, error)
}

type discordOAuth struct {
	clientID     string
	clientSecret string
	redirectURL  string
	http         *http.Client
}

// NewDiscordOAuth builds the production exchanger.
func NewDiscordOAuth(clientID, clientSecret, redirectURL string) OAuthExchanger {
	return &discordOAuth{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURL:  redirectURL,
		http:         &http.Client{Timeout: 15 * time.Second},
	}
}

func (o *discordOAuth) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", o.clientID)
	q.Set("redirect_uri", o.redirectURL)
	q.Set("response_type", "code")
	q.Set("scope", "identify")
	q.Set("state", state)
	return "https://discord.com/oauth2/authorize?" + q.Encode()
}

func (o *discordOAuth) Exchange(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("client_id", o.clientID)
	form.Set("client_secret", o.clientSecret)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", o.redirectURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://discord.com/api/v10/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("oauth token exchange failed: %d %s", resp.StatusCode, body)
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return "", err
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("oauth token exchange returned no access token")
	}
	return token.AccessToken, nil
}

func (o *discordOAuth) Identity(ctx context.Context, accessToken string) (*discord.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://discord.com/api/v10/users/@me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("oauth identity fetch failed: %d", resp.StatusCode)
	}

	var u discord.User
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
