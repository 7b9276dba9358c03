/***************************************************************
 *
 * Copyright (C) 2025, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package credentials supplies bearer tokens for the transfer service.
//
// Tokens are obtained out of band (the interactive OAuth flow is not part of
// this tool) and handed in either as a short-lived access token or as a
// refresh token that is exchanged at the token endpoint as needed.
package credentials

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/cybergis/hpcsup/config"
	"github.com/cybergis/hpcsup/param"
)

// Settings is everything needed to build a token source.
type Settings struct {
	TokenURL     string
	ClientID     string
	RefreshToken string
	AccessToken  string
}

// readSecret returns value, or the trimmed contents of file when value is
// empty.
func readSecret(name, value, file string) (string, error) {
	if value != "" {
		return strings.TrimSpace(value), nil
	}
	if file == "" {
		return "", nil
	}
	contents, err := os.ReadFile(file)
	if err != nil {
		return "", errors.Wrapf(err, "failed reading %s file %s", name, file)
	}
	secret := strings.TrimSpace(string(contents))
	if secret == "" {
		return "", errors.Errorf("%s file %s is empty", name, file)
	}
	return secret, nil
}

// SettingsFromParams collects the Transfer.* token parameters, reading the
// *File variants when the inline values are unset.
func SettingsFromParams() (Settings, error) {
	clientID, err := readSecret("Transfer.ClientID", param.Transfer_ClientID.GetString(), param.Transfer_ClientIDFile.GetString())
	if err != nil {
		return Settings{}, err
	}
	refreshToken, err := readSecret("Transfer.RefreshToken", param.Transfer_RefreshToken.GetString(), param.Transfer_RefreshTokenFile.GetString())
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		TokenURL:     param.Transfer_TokenURL.GetString(),
		ClientID:     clientID,
		RefreshToken: refreshToken,
		AccessToken:  strings.TrimSpace(param.Transfer_AccessToken.GetString()),
	}, nil
}

// TokenSource returns a reusable token source.  An explicit access token
// wins; otherwise the refresh token is exchanged with the client id, the way
// a native (public) client refreshes.
func (s Settings) TokenSource(ctx context.Context, client *http.Client) (oauth2.TokenSource, error) {
	if s.AccessToken != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: s.AccessToken, TokenType: "Bearer"}), nil
	}
	if s.RefreshToken == "" {
		return nil, errors.New("no transfer credentials: set Transfer.AccessToken or Transfer.RefreshToken (or the *File variants)")
	}
	if s.ClientID == "" {
		return nil, errors.New("Transfer.ClientID is required to refresh the transfer token")
	}
	if s.TokenURL == "" {
		return nil, errors.New("Transfer.TokenURL is empty")
	}

	cfg := oauth2.Config{
		ClientID: s.ClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  s.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	if client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	}
	return oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: s.RefreshToken})), nil
}

// NewTokenSource is SettingsFromParams followed by TokenSource over the
// shared transport.
func NewTokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	settings, err := SettingsFromParams()
	if err != nil {
		return nil, err
	}
	return settings.TokenSource(ctx, &http.Client{Transport: config.GetTransport()})
}
