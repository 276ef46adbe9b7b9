// Package auth exchanges a {session, signature} cookie pair for the
// short-lived token the streaming endpoint authenticates with.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tvstream/internal/types"
)

// AnonymousToken is the sentinel sent when no credentials are configured.
const AnonymousToken = "unauthorized_user_token"

const defaultLocation = "https://www.tradingview.com"

// Client fetches auth tokens. The zero value uses defaults.
type Client struct {
	// Location overrides the auth HTTP base.
	Location string

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

type tokenResponse struct {
	Token string `json:"token"`
}

// FetchToken issues the credential-bound request. Non-2xx responses are
// always errors, even where other endpoints of the upstream tolerate them.
func (c *Client) FetchToken(ctx context.Context, session, signature string) (string, error) {
	if session == "" {
		return AnonymousToken, nil
	}

	base := c.Location
	if base == "" {
		base = defaultLocation
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/quote_token/", nil)
	if err != nil {
		return "", types.NewError(types.KindAuth, "build token request", err)
	}
	req.AddCookie(&http.Cookie{Name: "sessionid", Value: session})
	if signature != "" {
		req.AddCookie(&http.Cookie{Name: "sessionid_sign", Value: signature})
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", types.NewError(types.KindAuth, "token request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", types.NewError(types.KindAuth,
			fmt.Sprintf("token endpoint returned %d", resp.StatusCode), nil)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", types.NewError(types.KindAuth, "decode token response", err)
	}
	if tr.Token == "" {
		return "", types.NewError(types.KindAuth, "token endpoint returned empty token", nil)
	}
	return tr.Token, nil
}
