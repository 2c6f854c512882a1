package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/basket/tasksync/internal/transport"
)

type LoginRequest struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	TOTPPasscode string `json:"totp_passcode,omitempty"`
	LongToken    bool   `json:"long_token,omitempty"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type OIDCProvider struct {
	Name     string `json:"name"`
	Key      string `json:"key"`
	AuthURL  string `json:"auth_url"`
	ClientID string `json:"client_id"`
}

// Info is the unauthenticated server description returned by /info.
type Info struct {
	Version     string `json:"version"`
	FrontendURL string `json:"frontend_url"`
	Motd        string `json:"motd"`
	Auth        struct {
		Local struct {
			Enabled bool `json:"enabled"`
		} `json:"local"`
		OpenIDConnect struct {
			Enabled   bool           `json:"enabled"`
			Providers []OIDCProvider `json:"providers"`
		} `json:"openid_connect"`
	} `json:"auth"`
}

func (a *API) Login(ctx context.Context, req LoginRequest) (string, error) {
	var out TokenResponse
	if err := a.doer.Do(ctx, &transport.Request{Op: "auth.login", Method: http.MethodPost, Path: "/login", Body: req}, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &transport.Error{Kind: transport.KindParse, Op: "auth.login", Err: fmt.Errorf("empty token")}
	}
	return out.Token, nil
}

// RenewToken exchanges the current session token for a new one. The token is
// attached explicitly because the renewal path bypasses credential attachment.
func (a *API) RenewToken(ctx context.Context, current string) (string, error) {
	var out TokenResponse
	err := a.doer.Do(ctx, &transport.Request{
		Op:     "auth.renew",
		Method: http.MethodPost,
		Path:   "/user/token",
		Header: http.Header{"Authorization": {"Bearer " + current}},
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &transport.Error{Kind: transport.KindParse, Op: "auth.renew", Err: fmt.Errorf("empty token")}
	}
	return out.Token, nil
}

func (a *API) Info(ctx context.Context) (Info, error) {
	var out Info
	err := a.doer.Do(ctx, &transport.Request{Op: "info", Method: http.MethodGet, Path: "/info"}, &out)
	return out, err
}

type oidcCallbackBody struct {
	Code        string `json:"code"`
	RedirectURL string `json:"redirect_url"`
}

// OIDCCallback completes an OpenID Connect login with the authorization code.
func (a *API) OIDCCallback(ctx context.Context, provider, code, redirectURL string) (string, error) {
	var out TokenResponse
	err := a.doer.Do(ctx, &transport.Request{
		Op:     "auth.oidc_callback",
		Method: http.MethodPost,
		Path:   "/auth/openid/" + url.PathEscape(provider) + "/callback",
		Body:   oidcCallbackBody{Code: code, RedirectURL: redirectURL},
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Token, nil
}
