// Package oauth implements the Google authorization-code exchange used at login.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// googleUserInfoURL is Google's OpenID userinfo endpoint.
const googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// UserInfo is the subset of the Google userinfo response the service needs.
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// GoogleClient exchanges an authorization code for a Google access token and
// resolves the authenticated user's profile.
type GoogleClient struct {
	config      *oauth2.Config
	userInfoURL string
}

// NewGoogleClient builds a client for the standard Google endpoints.
func NewGoogleClient(clientID, clientSecret, redirectURI string) *GoogleClient {
	return &GoogleClient{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
		userInfoURL: googleUserInfoURL,
	}
}

// WithEndpoints overrides the token and userinfo endpoints. Used by tests to
// point the client at a local server.
func (c *GoogleClient) WithEndpoints(tokenURL, userInfoURL string) *GoogleClient {
	c.config.Endpoint = oauth2.Endpoint{TokenURL: tokenURL}
	c.userInfoURL = userInfoURL
	return c
}

// Authenticate exchanges the authorization code and fetches the user's profile.
func (c *GoogleClient) Authenticate(ctx context.Context, code string) (*UserInfo, error) {
	if code == "" {
		return nil, errors.New("oauth: empty authorization code")
	}
	token, err := c.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("oauth: exchange code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: user info request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth: user info status: %s", resp.Status)
	}

	var info UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("oauth: decode user info: %w", err)
	}
	if info.ID == "" {
		return nil, errors.New("oauth: user info missing id")
	}
	return &info, nil
}
